// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides the multi-device client configuration.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/validate"
)

const (
	defaultLogLevel           = "NOTICE"
	defaultReconnectBaseDelay = 500       // 500 ms.
	defaultReconnectMaxDelay  = 30 * 1000 // 30 sec.
	defaultReconnectJitter    = 0.2
	defaultReflectTimeout     = 20 * 1000 // 20 sec.
	defaultNonceDB            = "nonces.db"
	defaultBlobDB             = "blobs.db"
	defaultTaskQueue          = "tasks"
	defaultStateFile          = "state"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the client logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

func decodeKey(section, field, s string) (*[protocol.KeyLength]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %s is not hex: %v", section, field, err)
	}
	if len(raw) != protocol.KeyLength {
		return nil, fmt.Errorf("config: %s: %s has length %d, expected %d", section, field, len(raw), protocol.KeyLength)
	}
	k := new([protocol.KeyLength]byte)
	copy(k[:], raw)
	return k, nil
}

// Identity is the identity of the user and of this device.
type Identity struct {
	// Identity is the 8 character identity of the user.
	Identity string

	// Nickname is sent along with outgoing messages.
	Nickname string

	// SecretKey is the hex encoded client key of the user.
	SecretKey string

	// DeviceGroupKey is the hex encoded key shared by all devices of
	// the user.
	DeviceGroupKey string

	// DeviceID identifies this device within the device group.
	DeviceID uint64
}

func (iCfg *Identity) validate() error {
	if _, err := validate.Identity(iCfg.Identity); err != nil {
		return fmt.Errorf("config: Identity: %v", err)
	}
	if _, err := decodeKey("Identity", "SecretKey", iCfg.SecretKey); err != nil {
		return err
	}
	if _, err := decodeKey("Identity", "DeviceGroupKey", iCfg.DeviceGroupKey); err != nil {
		return err
	}
	if iCfg.DeviceID == 0 {
		return errors.New("config: Identity: DeviceID is not set")
	}
	return nil
}

// Keys returns the decoded secret key and device group key.
func (iCfg *Identity) Keys() (secretKey, deviceGroupKey *[protocol.KeyLength]byte, err error) {
	if secretKey, err = decodeKey("Identity", "SecretKey", iCfg.SecretKey); err != nil {
		return nil, nil, err
	}
	if deviceGroupKey, err = decodeKey("Identity", "DeviceGroupKey", iCfg.DeviceGroupKey); err != nil {
		return nil, nil, err
	}
	return secretKey, deviceGroupKey, nil
}

// Server is the mediator server configuration.
type Server struct {
	// Address is the host:port of the mediator QUIC endpoint.
	Address string

	// PublicKey is the hex encoded public key of the chat server.
	PublicKey string

	// InsecureSkipVerify disables TLS certificate verification.  The
	// session handshake still authenticates the server.
	InsecureSkipVerify bool
}

func (sCfg *Server) validate() error {
	if _, _, err := net.SplitHostPort(sCfg.Address); err != nil {
		return fmt.Errorf("config: Server: Address '%v' is invalid: %v", sCfg.Address, err)
	}
	if _, err := decodeKey("Server", "PublicKey", sCfg.PublicKey); err != nil {
		return err
	}
	return nil
}

// PublicKeyBytes returns the decoded server public key.
func (sCfg *Server) PublicKeyBytes() (*[protocol.KeyLength]byte, error) {
	return decodeKey("Server", "PublicKey", sCfg.PublicKey)
}

// Storage is the client storage configuration.
type Storage struct {
	// DataDir is the absolute path to the client's state files.
	DataDir string

	// StatePassphrase encrypts the statefile.
	StatePassphrase string

	// NonceDB is the path to the nonce database.  If left empty it will
	// use `nonces.db` under the DataDir.
	NonceDB string

	// BlobDB is the path to the blob store.  If left empty it will use
	// `blobs.db` under the DataDir.
	BlobDB string

	// TaskQueue is the directory of the persistent task queue.  If left
	// empty it will use `tasks` under the DataDir.
	TaskQueue string

	// StateFile is the path to the encrypted statefile.  If left empty it
	// will use `state` under the DataDir.
	StateFile string
}

func (sCfg *Storage) applyDefaults() {
	if sCfg.NonceDB == "" {
		sCfg.NonceDB = filepath.Join(sCfg.DataDir, defaultNonceDB)
	}
	if sCfg.BlobDB == "" {
		sCfg.BlobDB = filepath.Join(sCfg.DataDir, defaultBlobDB)
	}
	if sCfg.TaskQueue == "" {
		sCfg.TaskQueue = filepath.Join(sCfg.DataDir, defaultTaskQueue)
	}
	if sCfg.StateFile == "" {
		sCfg.StateFile = filepath.Join(sCfg.DataDir, defaultStateFile)
	}
}

func (sCfg *Storage) validate() error {
	for name, p := range map[string]string{
		"DataDir":   sCfg.DataDir,
		"NonceDB":   sCfg.NonceDB,
		"BlobDB":    sCfg.BlobDB,
		"TaskQueue": sCfg.TaskQueue,
		"StateFile": sCfg.StateFile,
	} {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("config: Storage: %s '%v' is not an absolute path", name, p)
		}
	}
	if sCfg.StatePassphrase == "" {
		return errors.New("config: Storage: StatePassphrase is not set")
	}
	return nil
}

// Debug is the client debug configuration.
type Debug struct {
	// ReconnectBaseDelay is the first delay before reconnecting to the
	// mediator in milliseconds.
	ReconnectBaseDelay int

	// ReconnectMaxDelay caps the reconnect delay in milliseconds.
	ReconnectMaxDelay int

	// ReconnectJitter is the jitter factor applied to reconnect delays.
	ReconnectJitter float64

	// ReflectTimeout bounds the wait for reflect acknowledgements in
	// milliseconds.
	ReflectTimeout int
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.ReconnectBaseDelay <= 0 {
		dCfg.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if dCfg.ReconnectMaxDelay < dCfg.ReconnectBaseDelay {
		dCfg.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
	if dCfg.ReconnectJitter <= 0 || dCfg.ReconnectJitter > 1 {
		dCfg.ReconnectJitter = defaultReconnectJitter
	}
	if dCfg.ReflectTimeout <= 0 {
		dCfg.ReflectTimeout = defaultReflectTimeout
	}
}

// Metrics is the prometheus endpoint configuration.  It only takes
// effect in builds with the prometheus tag.
type Metrics struct {
	// Address is the host:port the metrics are served on.
	Address string
}

// Contact is a static directory entry.
type Contact struct {
	// Identity is the identity of the contact.
	Identity string

	// PublicKey is the hex encoded public key of the contact.
	PublicKey string

	// FeatureMask is the feature mask of the contact.
	FeatureMask uint64
}

func (cCfg *Contact) validate() error {
	if _, err := validate.Identity(cCfg.Identity); err != nil {
		return fmt.Errorf("config: Contacts: %v", err)
	}
	if _, err := decodeKey("Contacts", "PublicKey", cCfg.PublicKey); err != nil {
		return err
	}
	return nil
}

// PublicKeyBytes returns the decoded public key.
func (cCfg *Contact) PublicKeyBytes() (*[protocol.KeyLength]byte, error) {
	return decodeKey("Contacts", "PublicKey", cCfg.PublicKey)
}

// Config is the top level client configuration.
type Config struct {
	Logging  *Logging
	Identity *Identity
	Server   *Server
	Storage  *Storage
	Metrics  *Metrics
	Contacts []*Contact

	Debug *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Identity, Server and Storage sections are mandatory.
	if cfg.Identity == nil {
		return errors.New("config: No Identity block was present")
	}
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Storage == nil {
		return errors.New("config: No Storage block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}

	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Identity.validate(); err != nil {
		return err
	}
	if err := cfg.Server.validate(); err != nil {
		return err
	}
	cfg.Storage.applyDefaults()
	if err := cfg.Storage.validate(); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, c := range cfg.Contacts {
		if err := c.validate(); err != nil {
			return err
		}
		if c.Identity == cfg.Identity.Identity {
			return fmt.Errorf("config: Contacts: %v is the user", c.Identity)
		}
		if seen[c.Identity] {
			return fmt.Errorf("config: Contacts: %v is listed twice", c.Identity)
		}
		seen[c.Identity] = true
	}
	cfg.Debug.applyDefaults()
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
