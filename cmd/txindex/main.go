package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "txindex",
		Usage: "Index the transfers of watched addresses and stream them over HTTP",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Tail an Ethereum node and serve the index",
				Flags:  runFlags(),
				Action: run,
			},
			{
				Name:   "replica",
				Usage:  "Serve an existing index read-only, without chain access",
				Flags:  replicaFlags(),
				Action: replica,
			},
			{
				Name:   "dev",
				Usage:  "Run the indexer against an in-process mock chain",
				Flags:  devFlags(),
				Action: dev,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
