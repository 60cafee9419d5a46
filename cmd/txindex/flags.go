package main

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/indexer"
)

// commonFlags are shared by every command.
func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
			EnvVars: []string{"VERBOSE"},
		},
		&cli.StringFlag{
			Name:    "log-encoding",
			Usage:   "Log encoding: json or console",
			EnvVars: []string{"LOG_ENCODING"},
		},
		&cli.StringFlag{
			Name:    "db-path",
			Aliases: []string{"d"},
			Usage:   "Directory of the index store. Empty keeps the store in memory (pebble only)",
			EnvVars: []string{"DB_PATH"},
			Value:   "./data/txindex",
		},
		&cli.StringFlag{
			Name:    "engine",
			Usage:   "Store engine: pebble or rocksdb",
			EnvVars: []string{"ENGINE"},
			Value:   enginePebble,
		},
		&cli.StringFlag{
			Name:    "http-addr",
			Usage:   "Listen address of the HTTP API",
			EnvVars: []string{"HTTP_ADDR"},
			Value:   ":8080",
		},
		&cli.StringFlag{
			Name:    "metrics-host",
			Usage:   "Host of the metrics server",
			EnvVars: []string{"METRICS_HOST"},
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Usage:   "Port of the metrics server, 0 disables it",
			EnvVars: []string{"METRICS_PORT"},
			Value:   9090,
		},
		&cli.StringFlag{
			Name:    "ready-fifo",
			Usage:   "Named FIFO to signal readiness on once the start height is resolved",
			EnvVars: []string{"READY_FIFO"},
		},
		&cli.Uint64Flag{
			Name:    "floor",
			Aliases: []string{"s"},
			Usage:   "Lowest height the indexer ever starts from",
			EnvVars: []string{"FLOOR", "START_HEIGHT"},
		},
	}
}

// indexFlags configure the write path of run and dev.
func indexFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Uint64Flag{
			Name:    "catchup-bound",
			Usage:   "Registration waits until the watermark is this close to the tip",
			EnvVars: []string{"CATCHUP_BOUND"},
			Value:   indexer.DefaultCatchupBound,
		},
		&cli.Uint64Flag{
			Name:    "stale-bound",
			Usage:   "Registration fails when the watermark is further behind the tip than this",
			EnvVars: []string{"STALE_BOUND"},
			Value:   indexer.DefaultStaleBound,
		},
		&cli.DurationFlag{
			Name:    "catchup-interval",
			Usage:   "Poll interval while registration waits for catch-up",
			EnvVars: []string{"CATCHUP_INTERVAL"},
			Value:   indexer.DefaultCatchupInterval,
		},
		&cli.DurationFlag{
			Name:    "register-rpc-budget",
			Usage:   "Time a registration may spend on chain reads while the tailing loop waits for it",
			EnvVars: []string{"REGISTER_RPC_BUDGET"},
			Value:   indexer.DefaultLockedRPCBudget,
		},
		&cli.Uint64Flag{
			Name:    "block-interval",
			Usage:   "Record a block header every this many heights",
			EnvVars: []string{"BLOCK_INTERVAL"},
			Value:   indexer.DefaultBlockInterval,
		},
		&cli.Uint64Flag{
			Name:    "confirmations",
			Aliases: []string{"c"},
			Usage:   "Stay this many blocks behind the chain tip",
			EnvVars: []string{"CONFIRMATIONS"},
		},
		&cli.IntFlag{
			Name:    "page-size",
			Usage:   "Heights fetched and checkpointed together",
			EnvVars: []string{"PAGE_SIZE"},
			Value:   20,
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Kafka brokers to export flushed transfers to (comma-separated). Empty disables export",
			EnvVars: []string{"KAFKA_BROKERS"},
		},
		&cli.StringFlag{
			Name:    "kafka-topic",
			Aliases: []string{"t"},
			Usage:   "Kafka topic of exported transfers",
			EnvVars: []string{"KAFKA_TOPIC"},
			Value:   "txindex.transfers",
		},
	}
}

func runFlags() []cli.Flag {
	flags := append(commonFlags(), indexFlags()...)
	return append(flags,
		&cli.StringFlag{
			Name:     "rpc-url",
			Aliases:  []string{"r"},
			Usage:    "Ethereum JSON-RPC endpoint",
			EnvVars:  []string{"RPC_URL"},
			Required: true,
		},
		&cli.DurationFlag{
			Name:    "poll-head",
			Usage:   "How often the scanner refreshes the chain tip",
			EnvVars: []string{"POLL_HEAD"},
			Value:   2 * time.Second,
		},
		&cli.DurationFlag{
			Name:    "idle-sleep",
			Usage:   "Scanner sleep when caught up",
			EnvVars: []string{"IDLE_SLEEP"},
			Value:   300 * time.Millisecond,
		},
	)
}

func replicaFlags() []cli.Flag {
	return commonFlags()
}

func devFlags() []cli.Flag {
	flags := append(commonFlags(), indexFlags()...)
	return append(flags,
		&cli.Int64Flag{
			Name:    "seed",
			Usage:   "Seed of the generated chain, 0 for a random one",
			EnvVars: []string{"SEED"},
			Value:   1,
		},
		&cli.IntFlag{
			Name:    "addresses",
			Usage:   "Size of the generated address pool",
			EnvVars: []string{"ADDRESSES"},
			Value:   200,
		},
		&cli.IntFlag{
			Name:    "tokens",
			Usage:   "Number of generated token contracts",
			EnvVars: []string{"TOKENS"},
			Value:   2,
		},
		&cli.IntFlag{
			Name:    "watch",
			Usage:   "Register this many pool addresses at startup",
			EnvVars: []string{"WATCH"},
			Value:   5,
		},
		&cli.DurationFlag{
			Name:    "tick",
			Usage:   "Block interval of the mock chain",
			EnvVars: []string{"TICK"},
			Value:   time.Second,
		},
		&cli.IntFlag{
			Name:    "warmup",
			Usage:   "Blocks mined before the indexer starts",
			EnvVars: []string{"WARMUP"},
			Value:   50,
		},
		&cli.Uint64Flag{
			Name:    "retention",
			Usage:   "Heights behind the tip for which the mock chain keeps state, 0 keeps all",
			EnvVars: []string{"RETENTION"},
			Value:   128,
		},
	)
}
