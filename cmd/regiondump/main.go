package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"flexmc.dev/internal/mc"
	"flexmc.dev/internal/nbt"
	"flexmc.dev/internal/region"
)

func main() {
	var (
		file    = flag.String("file", "", "region file path (r.<x>.<z>.mca)")
		verbose = flag.Bool("verbose", false, "also decode each chunk's top-level field names")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[regiondump] ", log.LstdFlags)

	if strings.TrimSpace(*file) == "" {
		logger.Fatal("missing -file")
	}
	pos, err := mc.ParseRegionFilename(filepath.Base(*file))
	if err != nil {
		logger.Fatalf("parse filename: %v", err)
	}

	f, err := region.Open(*file, pos)
	if err != nil {
		logger.Fatalf("open: %v", err)
	}

	locals := f.Locals()
	fmt.Printf("%s: region (%d,%d), %d populated chunks\n", filepath.Base(*file), pos.X, pos.Z, len(locals))

	for _, l := range locals {
		c := pos.ChunkAt(l)
		mod := time.Unix(int64(f.ModTime(l)), 0).UTC().Format(time.RFC3339)
		raw, err := f.Read(l)
		if err != nil {
			fmt.Printf("  chunk (%d,%d) slot (%d,%d): read error: %v\n", c.X, c.Z, l.X, l.Z, err)
			continue
		}
		fmt.Printf("  chunk (%d,%d) slot (%d,%d) %d bytes, saved %s\n", c.X, c.Z, l.X, l.Z, len(raw), mod)

		if !*verbose {
			continue
		}
		doc, err := nbt.Decode(raw)
		if err != nil {
			fmt.Printf("    undecodable: %v\n", err)
			continue
		}
		names := make([]string, 0, len(doc.Fields()))
		for _, fld := range doc.Fields() {
			names = append(names, fld.Name)
		}
		fmt.Printf("    fields: %s\n", strings.Join(names, ", "))
	}

	for _, d := range f.Diagnostics() {
		c := pos.ChunkAt(d.Local)
		fmt.Printf("  corrupt chunk (%d,%d): %s\n", c.X, c.Z, d.Cause)
	}
}
