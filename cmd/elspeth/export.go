package main

import (
	"context"
	"fmt"
	"os"

	"github.com/vsavkov/elspeth/internal/landscape"
)

func exportCmd(args []string) {
	var dbPath string
	var runID string
	var payloadDir string
	var outPath string
	var signKeyEnv string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--db":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--db requires a value")
				os.Exit(1)
			}
			dbPath = args[i]
		case "--run-id":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--run-id requires a value")
				os.Exit(1)
			}
			runID = args[i]
		case "--payloads":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--payloads requires a value")
				os.Exit(1)
			}
			payloadDir = args[i]
		case "--out":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--out requires a value")
				os.Exit(1)
			}
			outPath = args[i]
		case "--sign-key-env":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--sign-key-env requires a value")
				os.Exit(1)
			}
			signKeyEnv = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if dbPath == "" || runID == "" {
		usage()
		os.Exit(1)
	}

	var key []byte
	if signKeyEnv != "" {
		v := os.Getenv(signKeyEnv)
		if v == "" {
			fmt.Fprintf(os.Stderr, "signing key env %s is empty\n", signKeyEnv)
			os.Exit(1)
		}
		key = []byte(v)
	}

	ls, err := openLandscape(dbPath, payloadDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer ls.Close()

	out := os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	summary, err := landscape.NewExporter(ls, key).Export(context.Background(), runID, out)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "exported %d records, final_hash=%s\n", summary.RecordCount, summary.FinalHash)
}
