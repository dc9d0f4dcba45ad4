// SPDX-FileCopyrightText: 2019, David Stainton <dawuud@riseup.net>
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// statefile.go - statefile worker, serialization and encryption
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/multidevice/core/worker"
)

const (
	keySize   = 32
	nonceSize = 24
)

// ErrDecryptState is returned when the statefile can not be decrypted.
var ErrDecryptState = errors.New("model: failed to decrypt statefile")

func encryptState(state []byte, key *[keySize]byte) ([]byte, error) {
	nonce := [nonceSize]byte{}
	if _, err := rand.Reader.Read(nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], state, &nonce, key), nil
}

func decryptState(ciphertext []byte, key *[keySize]byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+secretbox.Overhead {
		return nil, ErrDecryptState
	}
	nonce := [nonceSize]byte{}
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrDecryptState
	}
	return plaintext, nil
}

func stretchKey(passphrase []byte) *[keySize]byte {
	secret := argon2.Key(passphrase, nil, 3, 32*1024, 4, keySize)
	key := [keySize]byte{}
	copy(key[:], secret)
	return &key
}

func writeStateFile(stateFile string, state []byte, key *[keySize]byte) error {
	tmpFn := fmt.Sprintf("%s.tmp", stateFile)
	backupFn := fmt.Sprintf("%s~", stateFile)
	ciphertext, err := encryptState(state, key)
	if err != nil {
		return err
	}
	out, err := os.OpenFile(tmpFn, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err = out.Write(ciphertext); err != nil {
		out.Close()
		return err
	}
	if err = out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	if err := os.Rename(stateFile, backupFn); err != nil && !os.IsNotExist(err) {
		return err
	}
	dir, err := os.Open(filepath.Dir(stateFile))
	if err != nil {
		return err
	}
	defer dir.Close()
	if err := os.Rename(tmpFn, stateFile); err != nil {
		return err
	}
	return dir.Sync()
}

// StateWriter takes ownership of the encrypted statefile and has a worker
// goroutine which writes updates to disk.
type StateWriter struct {
	worker.Worker

	log *logging.Logger

	stateCh   chan *State
	stateFile string

	key *[keySize]byte
}

// LoadStateWriter decrypts stateFile and returns its State as well as a
// new StateWriter.
func LoadStateWriter(log *logging.Logger, stateFile string, passphrase []byte) (*StateWriter, *State, error) {
	key := stretchKey(passphrase)
	raw, err := os.ReadFile(stateFile)
	if err != nil {
		return nil, nil, err
	}
	plaintext, err := decryptState(raw, key)
	if err != nil {
		return nil, nil, err
	}
	state, err := UnmarshalState(plaintext)
	if err != nil {
		return nil, nil, err
	}
	w := &StateWriter{
		log:       log,
		stateCh:   make(chan *State, 1),
		stateFile: stateFile,
		key:       key,
	}
	return w, state, nil
}

// NewStateWriter returns a StateWriter for a statefile created for the
// first time.
func NewStateWriter(log *logging.Logger, stateFile string, passphrase []byte) *StateWriter {
	return &StateWriter{
		log:       log,
		stateCh:   make(chan *State, 1),
		stateFile: stateFile,
		key:       stretchKey(passphrase),
	}
}

// Start starts the StateWriter's worker goroutine.
func (w *StateWriter) Start() {
	w.log.Debug("StateWriter starting worker")
	w.Go(w.worker)
}

// Write synchronously encrypts and writes s.
func (w *StateWriter) Write(s *State) error {
	b, err := s.Marshal()
	if err != nil {
		return err
	}
	return writeStateFile(w.stateFile, b, w.key)
}

// Update queues s for writing.  A state that was queued but not yet
// written is replaced.
func (w *StateWriter) Update(s *State) {
	for {
		select {
		case w.stateCh <- s:
			return
		case <-w.HaltCh():
			return
		default:
		}
		select {
		case <-w.stateCh:
		default:
		}
	}
}

func (w *StateWriter) worker() {
	for {
		select {
		case <-w.HaltCh():
			w.log.Debugf("Terminating gracefully.")
			return
		case s := <-w.stateCh:
			if err := w.Write(s); err != nil {
				w.log.Errorf("Failure to write state to disk: %s", err)
			}
		}
	}
}
