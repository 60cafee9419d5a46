package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/export"
)

const (
	enginePebble = "pebble"
	engineRocks  = "rocksdb"
)

// Config holds the settings of every command; each reads what it needs.
type Config struct {
	Verbose     bool
	LogEncoding string

	DBPath string
	Engine string

	HTTPAddr    string
	MetricsHost string
	MetricsPort int
	ReadyFIFO   string

	Floor           uint64
	CatchupBound    uint64
	StaleBound      uint64
	CatchupInterval time.Duration
	RPCBudget       time.Duration
	BlockInterval   uint64
	Confirmations   uint64
	PageSize        int

	KafkaBrokers []string
	KafkaTopic   string

	RPCURL   string
	PollHead time.Duration
	Idle     time.Duration

	Seed      int64
	Addresses int
	Tokens    int
	Watch     int
	Tick      time.Duration
	Warmup    int
	Retention uint64
}

func buildConfig(c *cli.Context) (Config, error) {
	cfg := Config{
		Verbose:     c.Bool("verbose"),
		LogEncoding: c.String("log-encoding"),
		DBPath:      c.String("db-path"),
		Engine:      c.String("engine"),
		HTTPAddr:    c.String("http-addr"),
		MetricsHost: c.String("metrics-host"),
		MetricsPort: c.Int("metrics-port"),
		ReadyFIFO:   c.String("ready-fifo"),
		Floor:       c.Uint64("floor"),

		CatchupBound:    c.Uint64("catchup-bound"),
		StaleBound:      c.Uint64("stale-bound"),
		CatchupInterval: c.Duration("catchup-interval"),
		RPCBudget:       c.Duration("register-rpc-budget"),
		BlockInterval:   c.Uint64("block-interval"),
		Confirmations:   c.Uint64("confirmations"),
		PageSize:        c.Int("page-size"),

		KafkaBrokers: export.SplitCSV(c.String("kafka-brokers")),
		KafkaTopic:   c.String("kafka-topic"),

		RPCURL:   c.String("rpc-url"),
		PollHead: c.Duration("poll-head"),
		Idle:     c.Duration("idle-sleep"),

		Seed:      c.Int64("seed"),
		Addresses: c.Int("addresses"),
		Tokens:    c.Int("tokens"),
		Watch:     c.Int("watch"),
		Tick:      c.Duration("tick"),
		Warmup:    c.Int("warmup"),
		Retention: c.Uint64("retention"),
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.Engine {
	case enginePebble:
	case engineRocks:
		if c.DBPath == "" {
			return fmt.Errorf("engine %s needs a db-path", engineRocks)
		}
	default:
		return fmt.Errorf("invalid engine %q: want %s or %s", c.Engine, enginePebble, engineRocks)
	}
	if c.CatchupBound > c.StaleBound && c.StaleBound > 0 {
		return fmt.Errorf("catchup-bound %d must not exceed stale-bound %d", c.CatchupBound, c.StaleBound)
	}
	if c.Watch > c.Addresses {
		return fmt.Errorf("watch %d exceeds the address pool of %d", c.Watch, c.Addresses)
	}
	return nil
}

// MetricsAddr returns the formatted metrics address
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}
