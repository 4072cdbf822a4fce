package main

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btclog"
	"github.com/jessevdk/go-flags"
)

const (
	defaultNetwork    = "mainnet"
	defaultCount      = 10
	defaultDebugLevel = "info"
)

// config defines the command line options of descaddr.
//
//nolint:lll
type config struct {
	Descriptor string `long:"descriptor" short:"d" description:"output descriptor, optionally with checksum" required:"true"`
	Network    string `long:"network" description:"network to encode addresses for" choice:"mainnet" choice:"testnet" choice:"testnet3" choice:"signet" choice:"regtest"`
	Start      uint32 `long:"start" description:"first derivation index"`
	Count      uint32 `long:"count" description:"number of addresses to print"`
	Keychain   int    `long:"keychain" description:"keychain of a multipath descriptor, 0 for receive and 1 for change"`
	DebugLevel string `long:"debuglevel" description:"logging level {trace, debug, info, warn, error, critical}"`

	params *chaincfg.Params
	level  btclog.Level
}

func defaultConfig() *config {
	return &config{
		Network:    defaultNetwork,
		Count:      defaultCount,
		DebugLevel: defaultDebugLevel,
	}
}

// loadConfig parses the command line into a validated config.
func loadConfig(args []string) (*config, error) {
	cfg := defaultConfig()
	if _, err := flags.ParseArgs(cfg, args); err != nil {
		return nil, err
	}

	switch cfg.Network {
	case "mainnet":
		cfg.params = &chaincfg.MainNetParams
	case "testnet", "testnet3":
		cfg.params = &chaincfg.TestNet3Params
	case "signet":
		cfg.params = &chaincfg.SigNetParams
	case "regtest":
		cfg.params = &chaincfg.RegressionNetParams
	default:
		return nil, fmt.Errorf("unknown network %q", cfg.Network)
	}

	level, ok := btclog.LevelFromString(cfg.DebugLevel)
	if !ok {
		return nil, fmt.Errorf("unknown debug level %q", cfg.DebugLevel)
	}
	cfg.level = level

	if cfg.Keychain < 0 {
		return nil, fmt.Errorf("negative keychain %d", cfg.Keychain)
	}

	return cfg, nil
}
