// Command meterd runs the usage metering and earnings engine: licensed
// ingest, hash-chained ledger, audit proofs and withdrawal processing.
package main

import (
	"context"
	"fmt"
	"os"

	"meterd/internal/app"
	"meterd/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "meterd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	return a.Run(context.Background())
}
