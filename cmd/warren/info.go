package main

import (
	"flag"
	"fmt"
	"path/filepath"

	"github.com/mitchellh/colorstring"
)

func runInfo(args []string) error {
	flags := flag.NewFlagSet("info", flag.ExitOnError)
	flags.Parse(args)

	if flags.NArg() != 1 {
		return fmt.Errorf("info: expected exactly one .torrent argument")
	}

	m, err := loadMetainfo(flags.Arg(0))
	if err != nil {
		return err
	}
	d := m.Descriptor

	infoHash, err := d.InfoHash()
	if err != nil {
		return err
	}

	colorstring.Printf("[bold]%s[reset]\n", d.Name)
	colorstring.Printf("  [cyan]info hash[reset]     %x\n", infoHash)
	colorstring.Printf("  [cyan]total size[reset]    %s\n", formatBytes(d.TotalSize()))
	colorstring.Printf("  [cyan]piece length[reset]  %s\n", formatBytes(int64(d.PieceLength)))
	colorstring.Printf("  [cyan]pieces[reset]        %d\n", d.PieceCount())
	if m.Announce != "" {
		colorstring.Printf("  [cyan]announce[reset]      %s\n", m.Announce)
	}
	if d.Private {
		colorstring.Printf("  [cyan]private[reset]       yes\n")
	}
	if d.Comment != "" {
		colorstring.Printf("  [cyan]comment[reset]       %s\n", d.Comment)
	}
	if d.CreatedBy != "" {
		colorstring.Printf("  [cyan]created by[reset]    %s\n", d.CreatedBy)
	}

	colorstring.Printf("  [cyan]files[reset]         %d\n", len(d.Files))
	for _, f := range d.Files {
		fmt.Printf("    %-10s %s\n", formatBytes(f.Length), filepath.Join(f.PathComponents...))
	}

	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
