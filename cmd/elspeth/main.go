package main

import (
	"fmt"
	"os"

	"github.com/vsavkov/elspeth/internal/landscape"
	"github.com/vsavkov/elspeth/internal/payload"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "export":
		exportCmd(os.Args[2:])
	case "verify":
		verifyCmd(os.Args[2:])
	case "validate":
		validateCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  elspeth export --db <landscape.db> --run-id <id> [--payloads <dir>] [--out <file>] [--sign-key-env <ENV>]")
	fmt.Fprintln(os.Stderr, "  elspeth verify --db <landscape.db> --run-id <id> --calls <fresh_calls.json> [--payloads <dir>] [--ignore <glob>]... [--ordered]")
	fmt.Fprintln(os.Stderr, "  elspeth validate --config <pipeline.yaml>")
}

// openLandscape opens a landscape database, backing payloads with the file
// store under payloadDir when one is given. Without it payloads live only
// in memory, so a reopened database cannot serve recorded bodies.
func openLandscape(dbPath, payloadDir string) (*landscape.Landscape, error) {
	if payloadDir == "" {
		return landscape.Open(dbPath)
	}
	store, err := payload.NewFileStore(payloadDir)
	if err != nil {
		return nil, err
	}
	return landscape.Open(dbPath, landscape.WithPayloadStore(store))
}
