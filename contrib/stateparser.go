package main

import (
	"flag"
	core_log "log"
	"path/filepath"

	"github.com/peerdex/peerdex/swap"
)

func main() {
	dir := flag.String("dir", "./", "destination directory")
	flag.Parse()

	if err := swap.MakerStatesToMermaid(filepath.Join(*dir, "maker-states.md")); err != nil {
		core_log.Fatal(err)
	}
	if err := swap.TakerStatesToMermaid(filepath.Join(*dir, "taker-states.md")); err != nil {
		core_log.Fatal(err)
	}
}
