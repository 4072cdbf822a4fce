// Command descaddr prints the addresses an output descriptor produces.
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/kyleo-o/psbt-sdk/descriptor"
	"github.com/kyleo-o/psbt-sdk/keyexpr"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	setLogLevels(cfg.level)

	if err := run(cfg, os.Stdout); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(cfg *config, w io.Writer) error {
	d, err := descriptor.Parse(cfg.Descriptor)
	if err != nil {
		return err
	}

	if n := descriptor.Keychains(d); cfg.Keychain >= n {
		return fmt.Errorf("keychain %d of a descriptor with %d",
			cfg.Keychain, n)
	}
	d, err = descriptor.ForKeychain(d, cfg.Keychain)
	if err != nil {
		return err
	}

	id, err := descriptor.ID(d)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "id: %v\n", id)
	fmt.Fprintf(w, "descriptor: %s\n", descriptor.StringWithChecksum(d))

	resolver := descriptor.NewResolver(keyexpr.NewCachedDeriver(
		keyexpr.HDDeriver{}, uint64(cfg.Count)*4,
	))
	for i := uint32(0); i < cfg.Count; i++ {
		index := cfg.Start + i

		spk, err := resolver.ScriptPubKey(d, index)
		if err != nil {
			return fmt.Errorf("index %d: %w", index, err)
		}

		addr, err := resolver.Address(d, index, cfg.params)
		switch {
		case errors.Is(err, descriptor.ErrNoAddress):
			fmt.Fprintf(w, "%d -\t%s\n", index, hex.EncodeToString(spk))

		case err != nil:
			return fmt.Errorf("index %d: %w", index, err)

		default:
			fmt.Fprintf(w, "%d %s\t%s\n", index, addr.EncodeAddress(),
				hex.EncodeToString(spk))
		}
	}

	log.Debugf("Printed %d addresses from index %d", cfg.Count, cfg.Start)

	return nil
}
