// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testKey  = "0101010101010101010101010101010101010101010101010101010101010101"
	otherKey = "0202020202020202020202020202020202020202020202020202020202020202"
)

const basicConfig = `# A basic configuration example.
[Logging]
Level = "debug"

[Identity]
Identity = "ECHOECHO"
Nickname = "echo"
SecretKey = "` + testKey + `"
DeviceGroupKey = "` + otherKey + `"
DeviceID = 42

[Server]
Address = "127.0.0.1:4443"
PublicKey = "` + otherKey + `"

[Storage]
DataDir = "/var/lib/multidevice"
StatePassphrase = "hunter2"

[[Contacts]]
Identity = "BOBBOB01"
PublicKey = "` + testKey + `"
FeatureMask = 3
`

func TestConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "Load() with nil config")

	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load() with basic config")

	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal("/var/lib/multidevice/nonces.db", cfg.Storage.NonceDB)
	require.Equal("/var/lib/multidevice/blobs.db", cfg.Storage.BlobDB)
	require.Equal("/var/lib/multidevice/tasks", cfg.Storage.TaskQueue)
	require.Equal("/var/lib/multidevice/state", cfg.Storage.StateFile)
	require.Equal(defaultReconnectBaseDelay, cfg.Debug.ReconnectBaseDelay)
	require.Equal(defaultReconnectMaxDelay, cfg.Debug.ReconnectMaxDelay)
	require.Equal(defaultReflectTimeout, cfg.Debug.ReflectTimeout)
	require.NotNil(cfg.Metrics)

	sk, dgk, err := cfg.Identity.Keys()
	require.NoError(err)
	require.Equal(byte(1), sk[0])
	require.Equal(byte(2), dgk[31])

	require.Len(cfg.Contacts, 1)
	pk, err := cfg.Contacts[0].PublicKeyBytes()
	require.NoError(err)
	require.Equal(byte(1), pk[0])
	require.Equal(uint64(3), cfg.Contacts[0].FeatureMask)
}

func TestConfigInvalid(t *testing.T) {
	for name, tc := range map[string]struct {
		old, new string
	}{
		"identity":       {`Identity = "ECHOECHO"`, `Identity = "echo"`},
		"secret key":     {`SecretKey = "` + testKey + `"`, `SecretKey = "0101"`},
		"device id":      {`DeviceID = 42`, `DeviceID = 0`},
		"address":        {`Address = "127.0.0.1:4443"`, `Address = "localhost"`},
		"data dir":       {`DataDir = "/var/lib/multidevice"`, `DataDir = "relative"`},
		"passphrase":     {`StatePassphrase = "hunter2"`, `StatePassphrase = ""`},
		"log level":      {`Level = "debug"`, `Level = "LOUD"`},
		"contact is me":  {`Identity = "BOBBOB01"`, `Identity = "ECHOECHO"`},
		"unknown key":    {`FeatureMask = 3`, `FeatureMask = 3` + "\nColor = \"red\""},
		"contact key":    {`FeatureMask = 3`, `FeatureMask = 3` + "\n" + `PublicKey = "zz"`},
		"missing server": {"[Server]\nAddress = \"127.0.0.1:4443\"\nPublicKey = \"" + otherKey + "\"\n", ""},
	} {
		t.Run(name, func(t *testing.T) {
			b := strings.Replace(basicConfig, tc.old, tc.new, 1)
			require.NotEqual(t, basicConfig, b)
			_, err := Load([]byte(b))
			require.Error(t, err)
		})
	}
}

func TestConfigDuplicateContact(t *testing.T) {
	b := basicConfig + `
[[Contacts]]
Identity = "BOBBOB01"
PublicKey = "` + testKey + `"
`
	_, err := Load([]byte(b))
	require.ErrorContains(t, err, "listed twice")
}

func TestLoadFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(f, []byte(basicConfig), 0600))
	cfg, err := LoadFile(f)
	require.NoError(t, err)
	require.Equal(t, "ECHOECHO", cfg.Identity.Identity)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
