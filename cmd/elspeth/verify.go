package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/vsavkov/elspeth/internal/model"
	"github.com/vsavkov/elspeth/internal/verify"
)

// freshCallFile is the JSON shape of a replay file: an array of
// {call_type, request, response} objects in replay order.
type freshCallFile []struct {
	CallType string `json:"call_type"`
	Request  any    `json:"request"`
	Response any    `json:"response"`
}

func verifyCmd(args []string) {
	var dbPath string
	var runID string
	var payloadDir string
	var callsPath string
	var ignore []string
	ordered := false

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
		case "--calls":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--calls requires a value")
				os.Exit(1)
			}
			callsPath = args[i]
		case "--ignore":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--ignore requires a value")
				os.Exit(1)
			}
			ignore = append(ignore, args[i])
		case "--ordered":
			ordered = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if dbPath == "" || runID == "" || callsPath == "" {
		usage()
		os.Exit(1)
	}

	b, err := os.ReadFile(callsPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	var calls freshCallFile
	if err := json.Unmarshal(b, &calls); err != nil {
		fmt.Fprintf(os.Stderr, "decode %s: %v\n", callsPath, err)
		os.Exit(1)
	}

	ls, err := openLandscape(dbPath, payloadDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer ls.Close()

	opts := verify.DefaultDiffOptions()
	opts.IgnorePaths = ignore
	if ordered {
		opts.IgnoreOrder = false
	}

	v := verify.New(ls, runID, opts, nil)
	ctx := context.Background()
	for i, c := range calls {
		callType, err := model.ParseCallType(c.CallType)
		if err != nil {
			fmt.Fprintf(os.Stderr, "calls[%d]: %v\n", i, err)
			os.Exit(1)
		}
		if _, err := v.Verify(ctx, verify.FreshCall{
			CallType: callType,
			Request:  c.Request,
			Response: c.Response,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "calls[%d]: %v\n", i, err)
			os.Exit(1)
		}
	}

	report := v.Report()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(struct {
		verify.Report
		SuccessRate float64 `json:"success_rate"`
	}{report, report.SuccessRate()}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if report.Matches != report.Total {
		os.Exit(2)
	}
}
