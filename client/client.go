// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package client wires the task engine of a single device: storage, the
// task manager, the connection to the mediator and the operations the
// user initiates locally.
package client

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/crypto/curve25519"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/multidevice/blob"
	"github.com/katzenpost/multidevice/config"
	"github.com/katzenpost/multidevice/core/log"
	"github.com/katzenpost/multidevice/core/worker"
	"github.com/katzenpost/multidevice/cryptobox"
	"github.com/katzenpost/multidevice/directory"
	"github.com/katzenpost/multidevice/internal/instrument"
	"github.com/katzenpost/multidevice/internal/profiling"
	"github.com/katzenpost/multidevice/model"
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/task"
	"github.com/katzenpost/multidevice/task/csp"
	"github.com/katzenpost/multidevice/task/d2d"
)

var taskQueuePrefix = []byte("tasks")

// Client is a device of the user.  It owns the storage of the device
// and keeps a connection to the mediator while started.
type Client struct {
	worker.Worker

	cfg     *config.Config
	log     *logging.Logger
	backend *log.Backend

	services   *task.Services
	repo       *model.MemRepository
	directory  *directory.Static
	manager    *task.Manager
	dial       Dialer
	supervisor *supervisor

	stateWriter *model.StateWriter
	nonceStore  *cryptobox.BoltNonceStore
	blobs       *blob.BoltStore
	db          *badger.DB

	haltOnce sync.Once
}

// New creates a Client for cfg, opening its storage.  The client does
// not connect before Start.
func New(cfg *config.Config, backend *log.Backend) (*Client, error) {
	return newClient(cfg, backend, nil)
}

func newClient(cfg *config.Config, backend *log.Backend, dial Dialer) (c *Client, err error) {
	c = &Client{
		cfg:     cfg,
		log:     backend.GetLogger("client"),
		backend: backend,
	}
	defer func() {
		if err != nil {
			c.closeStorage()
		}
	}()

	secretKey, deviceGroupKey, err := cfg.Identity.Keys()
	if err != nil {
		return nil, err
	}
	publicKey, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	identity := protocol.IdentityString(cfg.Identity.Identity)
	device := &task.Device{
		Identity:  identity,
		SecretKey: *secretKey,
		Nickname:  cfg.Identity.Nickname,
		DeviceID:  protocol.DeviceID(cfg.Identity.DeviceID),
		Keys:      cryptobox.DeriveDeviceGroupKeys(deviceGroupKey),
	}
	copy(device.PublicKey[:], publicKey)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0700); err != nil {
		return nil, err
	}
	if c.nonceStore, err = cryptobox.OpenBoltNonceStore(cfg.Storage.NonceDB); err != nil {
		return nil, fmt.Errorf("client: failed to open nonce store: %w", err)
	}
	if c.blobs, err = blob.OpenBoltStore(cfg.Storage.BlobDB); err != nil {
		return nil, fmt.Errorf("client: failed to open blob store: %w", err)
	}
	opts := badger.DefaultOptions(cfg.Storage.TaskQueue).WithLogger(nil)
	if c.db, err = badger.Open(opts); err != nil {
		return nil, fmt.Errorf("client: failed to open task queue: %w", err)
	}
	queue, err := task.NewBadgerQueue(c.db, taskQueuePrefix)
	if err != nil {
		return nil, err
	}

	caches, err := model.NewCaches()
	if err != nil {
		return nil, err
	}
	c.repo = model.NewMemRepository(identity, caches)
	if err := c.loadState(); err != nil {
		return nil, err
	}

	if c.directory, err = staticDirectory(cfg.Contacts); err != nil {
		return nil, err
	}

	c.services = &task.Services{
		Backend:   backend,
		Device:    device,
		Model:     c.repo,
		Caches:    caches,
		Volatile:  model.NewVolatileProtocolState(time.Now),
		Nonces:    cryptobox.NewNonceService(c.nonceStore, identity, backend.GetLogger("nonce")),
		Directory: c.directory,
		Blob:      c.blobs,
	}
	c.manager = task.NewManager(&task.ManagerConfig{
		Backend:        backend,
		Keys:           device.Keys,
		Nonces:         c.services.Nonces,
		Dispatcher:     &dispatcher{s: c.services},
		Queue:          queue,
		ReflectTimeout: time.Duration(cfg.Debug.ReflectTimeout) * time.Millisecond,
	})
	c.manager.Register(csp.ConversationMessageKind, csp.ConversationMessageFactory(c.services))
	c.manager.Register(csp.GroupLeaveKind, csp.GroupLeaveFactory(c.services))
	c.manager.Register(csp.DeliveryReceiptKind, csp.DeliveryReceiptFactory(c.services))
	c.manager.Register(d2d.IncomingMessageUpdateKind, d2d.IncomingMessageUpdateFactory(c.services))

	if dial == nil {
		serverKey, err := cfg.Server.PublicKeyBytes()
		if err != nil {
			return nil, err
		}
		dial = quicDialer(cfg.Server.Address, cfg.Server.InsecureSkipVerify, c.services.SharedBox(serverKey))
	}
	c.dial = dial
	return c, nil
}

// loadState restores the repository from the statefile, creating the
// statefile on first use.  Every later mutation rewrites it.
func (c *Client) loadState() error {
	passphrase := []byte(c.cfg.Storage.StatePassphrase)
	stateLog := c.backend.GetLogger("statefile")
	if _, err := os.Stat(c.cfg.Storage.StateFile); errors.Is(err, os.ErrNotExist) {
		c.log.Notice("Creating a new statefile")
		c.stateWriter = model.NewStateWriter(stateLog, c.cfg.Storage.StateFile, passphrase)
		if err := c.stateWriter.Write(c.repo.Snapshot()); err != nil {
			return fmt.Errorf("client: failed to write statefile: %w", err)
		}
	} else {
		w, state, err := model.LoadStateWriter(stateLog, c.cfg.Storage.StateFile, passphrase)
		if err != nil {
			return fmt.Errorf("client: failed to load statefile: %w", err)
		}
		if err := c.repo.LoadState(state); err != nil {
			return err
		}
		c.stateWriter = w
	}
	c.repo.SetMutationHook(func(model.Mutation) {
		c.stateWriter.Update(c.repo.Snapshot())
	})
	return nil
}

func staticDirectory(contacts []*config.Contact) (*directory.Static, error) {
	dir := directory.NewStatic()
	for _, cc := range contacts {
		pk, err := cc.PublicKeyBytes()
		if err != nil {
			return nil, err
		}
		dir.Add(&directory.Entry{
			Identity:    protocol.IdentityString(cc.Identity),
			State:       protocol.ActivityActive,
			PublicKey:   *pk,
			FeatureMask: cc.FeatureMask,
			Type:        protocol.IdentityRegular,
		})
	}
	return dir, nil
}

// Start revives the persisted tasks and starts connecting to the
// mediator.
func (c *Client) Start() error {
	if err := profiling.Start(c.log, c.cfg.Identity.Identity); err != nil {
		c.log.Warningf("Failed to start profiling: %v", err)
	}
	if addr := c.cfg.Metrics.Address; addr != "" {
		instrument.Init(addr)
	}

	n, err := c.manager.Revive()
	if err != nil {
		return fmt.Errorf("client: failed to revive tasks: %w", err)
	}
	if n > 0 {
		c.log.Noticef("Revived %d persisted tasks", n)
	}

	c.stateWriter.Start()
	c.supervisor = newSupervisor(c)
	c.Go(c.supervisor.worker)
	c.log.Noticef("Started device %x of %s", uint64(c.services.Device.DeviceID), c.services.Device.Identity)
	return nil
}

// Shutdown disconnects, flushes the statefile and closes the storage.
// It may be called more than once.
func (c *Client) Shutdown() {
	c.haltOnce.Do(c.halt)
}

func (c *Client) halt() {
	c.log.Notice("Starting graceful shutdown.")
	c.Halt()
	if c.stateWriter != nil {
		c.stateWriter.Halt()
		if err := c.stateWriter.Write(c.repo.Snapshot()); err != nil {
			c.log.Errorf("Failed to write statefile: %v", err)
		}
	}
	c.closeStorage()
	c.log.Notice("Shutdown complete.")
}

func (c *Client) closeStorage() {
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.log.Errorf("Failed to close task queue: %v", err)
		}
		c.db = nil
	}
	if c.blobs != nil {
		c.blobs.Close()
		c.blobs = nil
	}
	if c.nonceStore != nil {
		c.nonceStore.Close()
		c.nonceStore = nil
	}
}

// Wait waits till the client is shut down.
func (c *Client) Wait() {
	<-c.HaltCh()
	c.Worker.Wait()
}

// Model returns the repository of the device.
func (c *Client) Model() model.Repository {
	return c.repo
}

// Directory returns the identity directory of the device.
func (c *Client) Directory() *directory.Static {
	return c.directory
}

// Connected returns true while the client is connected to the mediator.
func (c *Client) Connected() bool {
	return c.manager.Connected()
}

// RotateLog reopens the log file.
func (c *Client) RotateLog() error {
	return c.backend.Rotate()
}
