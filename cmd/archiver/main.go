// Command archiver copies the transfers txindex exports to Kafka into a
// Postgres table.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/IBM/sarama"
	"github.com/urfave/cli/v2"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/archive"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/export"
	"github.com/chenzhangda16/web3-txindex/pkg/logging"
)

func main() {
	app := &cli.App{
		Name:  "archiver",
		Usage: "Archive exported transfers into Postgres",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable verbose logging",
				EnvVars: []string{"VERBOSE"},
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Kafka brokers (comma-separated)",
				EnvVars: []string{"KAFKA_BROKERS"},
				Value:   "127.0.0.1:9092",
			},
			&cli.StringFlag{
				Name:    "kafka-topic",
				Aliases: []string{"t"},
				Usage:   "Topic txindex exports to",
				EnvVars: []string{"KAFKA_TOPIC"},
				Value:   "txindex.transfers",
			},
			&cli.StringFlag{
				Name:    "group",
				Aliases: []string{"g"},
				Usage:   "Kafka consumer group",
				EnvVars: []string{"KAFKA_GROUP"},
				Value:   "txindex-archiver",
			},
			&cli.StringFlag{
				Name:     "pg-dsn",
				Usage:    "Postgres DSN",
				EnvVars:  []string{"PG_DSN"},
				Required: true,
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log, err := logging.New(logging.Options{Service: "archiver", Verbose: c.Bool("verbose")})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := archive.NewPGWriter(ctx, c.String("pg-dsn"))
	if err != nil {
		return err
	}
	defer func() { _ = pg.Close() }()
	if err := pg.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	brokers := export.SplitCSV(c.String("kafka-brokers"))
	group, err := sarama.NewConsumerGroup(brokers, c.String("group"), archive.NewConsumerConfig())
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	log.Infow("archiver start", "brokers", brokers, "group", c.String("group"), "topic", c.String("kafka-topic"))
	return archive.Run(ctx, group, c.String("kafka-topic"), archive.NewHandler(pg, log.Named("consumer")), log)
}
