// Command tracedump prints the chunk headers of one or more archive
// event streams, for spot-checking an archive without a full reader
// pipeline. Grounded on cmd/dump/main.go's flag.Parse + loop-over-args
// shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/hpctrace/tracearch/archive"
	"github.com/hpctrace/tracearch/wire"
)

func main() {
	location := flag.Uint64("location", 0, "location ID whose event stream to dump")
	name := flag.String("name", "", "archive name (the prefix before .anchor)")
	flag.Parse()

	if *name == "" || flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: tracedump -name ARCHIVE_NAME [-location N] DIR...")
		os.Exit(1)
	}

	status := 0
	for _, dir := range flag.Args() {
		if err := dump(dir, *name, *location); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", dir, err)
			status = 1
		}
	}
	os.Exit(status)
}

func dump(dir, name string, location uint64) error {
	ctx := context.Background()
	cfg := archive.NewConfig(dir, name)
	a, err := archive.Open(cfg, wire.Read)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer a.Close(ctx)

	b, err := a.GetEvtReader(ctx, location)
	if err != nil {
		return fmt.Errorf("open event reader for location %d: %w", location, err)
	}

	n := 0
	for {
		number, first, last, ok := b.ChunkHeaderInfo()
		if !ok {
			break
		}
		fmt.Printf("%s[loc=%d] chunk %d: events [%d, %d]\n", dir, location, number, first, last)
		n++
		if err := b.ReadGetNextChunk(); err != nil {
			break
		}
	}
	if n == 0 {
		fmt.Printf("%s[loc=%d]: empty stream\n", dir, location)
	}
	return nil
}
