package main

import (
	"flag"
	"fmt"

	"github.com/go-warren/warren/internal/layout"
	"github.com/mitchellh/colorstring"
)

func runVerify(args []string) error {
	flags := flag.NewFlagSet("verify", flag.ExitOnError)
	dir := flags.String("dir", ".", "directory holding the downloaded data")
	flags.Parse(args)

	if flags.NArg() != 1 {
		return fmt.Errorf("verify: expected exactly one .torrent argument")
	}

	m, err := loadMetainfo(flags.Arg(0))
	if err != nil {
		return err
	}
	d := m.Descriptor

	fl, err := layout.Open(*dir, d.Name, d)
	if err != nil {
		return err
	}
	defer fl.Close()

	bf := fl.ScanExisting(d.Pieces)
	verified := bf.CountOnes()

	if verified == d.PieceCount() {
		colorstring.Printf("[green]%s: all %d pieces verified[reset]\n", d.Name, verified)
		return nil
	}

	colorstring.Printf("[yellow]%s: %d/%d pieces verified[reset]\n", d.Name, verified, d.PieceCount())
	missing := bf.Missing()
	if len(missing) <= 16 {
		fmt.Printf("missing pieces: %v\n", missing)
	} else {
		fmt.Printf("missing pieces: %v ... (%d total)\n", missing[:16], len(missing))
	}
	return nil
}
