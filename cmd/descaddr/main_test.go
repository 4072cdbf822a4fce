package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"
)

// genKey is the compressed generator point.
const genKey = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig([]string{
		"-d", "wpkh(" + genKey + ")", "--network", "regtest",
		"--start", "5", "--debuglevel", "debug",
	})
	require.NoError(t, err)
	require.Equal(t, &chaincfg.RegressionNetParams, cfg.params)
	require.Equal(t, btclog.LevelDebug, cfg.level)
	require.EqualValues(t, 5, cfg.Start)
	require.EqualValues(t, defaultCount, cfg.Count)

	tests := []struct {
		name string
		args []string
	}{{
		name: "missing descriptor",
		args: nil,
	}, {
		name: "unknown network",
		args: []string{"-d", "x", "--network", "mars"},
	}, {
		name: "unknown level",
		args: []string{"-d", "x", "--debuglevel", "loud"},
	}, {
		name: "negative keychain",
		args: []string{"-d", "x", "--keychain=-1"},
	}}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadConfig(tc.args)
			require.Error(t, err)
		})
	}
}

func TestRun(t *testing.T) {
	tests := []struct {
		name      string
		desc      string
		keychain  int
		wantLines []string
		wantErr   bool
	}{{
		name: "segwit key",
		desc: "wpkh(" + genKey + ")",
		wantLines: []string{
			"0 bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4\t" +
				"0014751e76e8199196d454941c45d1b3a323f1433bd6",
			"1 bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4\t" +
				"0014751e76e8199196d454941c45d1b3a323f1433bd6",
		},
	}, {
		name: "bare key has no address",
		desc: "pk(" + genKey + ")",
		wantLines: []string{
			"0 -\t21" + genKey + "ac",
		},
	}, {
		name:     "keychain out of range",
		desc:     "wpkh(" + genKey + ")",
		keychain: 1,
		wantErr:  true,
	}, {
		name:    "bad descriptor",
		desc:    "wpkh(",
		wantErr: true,
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Descriptor = tc.desc
			cfg.Keychain = tc.keychain
			cfg.Count = 2
			cfg.params = &chaincfg.MainNetParams

			var out bytes.Buffer
			err := run(cfg, &out)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			lines := strings.Split(strings.TrimSpace(out.String()), "\n")
			require.True(t, strings.HasPrefix(lines[0], "id: "))
			require.True(t, strings.HasPrefix(
				lines[1], "descriptor: "+tc.desc+"#",
			))
			for _, want := range tc.wantLines {
				require.Contains(t, lines[2:], want)
			}
		})
	}
}
