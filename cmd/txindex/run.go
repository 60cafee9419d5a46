package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/api"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/chain"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/export"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/indexer"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/metrics"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/mockchain"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/ready"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/retry"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/store"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/store/rocks"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/tail"
	"github.com/chenzhangda16/web3-txindex/pkg/logging"
	"github.com/chenzhangda16/web3-txindex/pkg/rng"
)

const shutdownTimeout = 10 * time.Second

// env is what every command sets up before it builds its service.
type env struct {
	cfg Config
	log *zap.SugaredLogger
	reg *prometheus.Registry
	m   *metrics.Metrics
}

func setup(c *cli.Context, service string) (*env, error) {
	cfg, err := buildConfig(c)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(logging.Options{Service: service, Verbose: cfg.Verbose, Encoding: cfg.LogEncoding})
	if err != nil {
		return nil, err
	}
	log.Infow("config", "config", cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	return &env{cfg: cfg, log: log, reg: reg, m: m}, nil
}

func openStore(cfg Config, log *zap.SugaredLogger, readOnly bool) (store.Store, error) {
	switch cfg.Engine {
	case engineRocks:
		st, err := rocks.Open(cfg.DBPath, rocks.Options{ReadOnly: readOnly})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		st, err := store.OpenPebble(cfg.DBPath, store.PebbleOptions{InMemory: cfg.DBPath == "", ReadOnly: readOnly, Logger: log.Named("pebble")})
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

func (e *env) publisher() (*export.KafkaPublisher, error) {
	if len(e.cfg.KafkaBrokers) == 0 {
		return nil, nil
	}
	return export.NewKafkaPublisher(e.cfg.KafkaBrokers, e.cfg.KafkaTopic, nil, e.log.Named("export"))
}

func (e *env) indexerConfig(st store.Store) indexer.Config {
	return indexer.Config{
		Store:           st,
		Floor:           e.cfg.Floor,
		CatchupBound:    e.cfg.CatchupBound,
		StaleBound:      e.cfg.StaleBound,
		CatchupInterval: e.cfg.CatchupInterval,
		LockedRPCBudget: e.cfg.RPCBudget,
		BlockInterval:   e.cfg.BlockInterval,
		Logger:          e.log.Named("indexer"),
		Metrics:         e.m,
	}
}

func run(c *cli.Context) error {
	e, err := setup(c, "txindex")
	if err != nil {
		return err
	}
	defer func() { _ = e.log.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := chain.Dial(ctx, e.cfg.RPCURL,
		chain.WithMetrics(e.m),
		chain.WithRetry(retry.Default),
		chain.WithLogger(e.log.Named("chain")),
	)
	if err != nil {
		return fmt.Errorf("dial %s: %w", e.cfg.RPCURL, err)
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	scanner, err := tail.NewScanner(client, tail.Config{
		Confirmations: e.cfg.Confirmations,
		PageSize:      e.cfg.PageSize,
		PollHeadEvery: e.cfg.PollHead,
		IdleSleep:     e.cfg.Idle,
		ChainID:       chainID,
		Logger:        e.log.Named("scanner"),
	})
	if err != nil {
		return err
	}

	st, err := openStore(e.cfg, e.log, false)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	icfg := e.indexerConfig(st)
	icfg.Chain = client
	icfg.Tailer = scanner

	pub, err := e.publisher()
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("kafka publisher: %w", err)
	}
	if pub != nil {
		defer func() { _ = pub.Close() }()
		icfg.Publisher = pub
	}

	svc, err := indexer.Open(icfg)
	if err != nil {
		_ = st.Close()
		return err
	}
	if err := svc.StartTailing(ctx); err != nil {
		_ = svc.Stop()
		return err
	}
	e.log.Infow("tailing", "chain_id", chainID, "rpc", e.cfg.RPCURL)
	return e.serve(ctx, svc)
}

func replica(c *cli.Context) error {
	e, err := setup(c, "txindex-replica")
	if err != nil {
		return err
	}
	defer func() { _ = e.log.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(e.cfg, e.log, true)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	svc, err := indexer.Open(e.indexerConfig(st))
	if err != nil {
		_ = st.Close()
		return err
	}
	return e.serve(ctx, svc)
}

func dev(c *cli.Context) error {
	e, err := setup(c, "txindex-dev")
	if err != nil {
		return err
	}
	defer func() { _ = e.log.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode := rng.Deterministic
	if e.cfg.Seed == 0 {
		mode = rng.Real
	}
	rf := rng.New(mode, e.cfg.Seed)
	addrs := mockchain.GenAddrs(e.cfg.Addresses, rf)
	tokens := mockchain.GenAddrs(e.cfg.Tokens, rf)

	mc := mockchain.New(mockchain.Config{
		Retention:     e.cfg.Retention,
		Confirmations: e.cfg.Confirmations,
		PageSize:      e.cfg.PageSize,
		Genesis:       time.Now().Unix(),
		BlockTime:     max(int64(e.cfg.Tick/time.Second), 1),
	})
	seed := new(big.Int).Exp(big.NewInt(10), big.NewInt(21), nil)
	for _, a := range addrs {
		mc.Fund(a, "", seed)
		for _, t := range tokens {
			mc.Fund(a, t, seed)
		}
	}
	miner := mockchain.NewMiner(mc, mockchain.NewGenerator(addrs, tokens, rf), e.cfg.Tick, e.log.Named("miner"))
	miner.Warmup(e.cfg.Warmup)

	st, err := openStore(e.cfg, e.log, false)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	icfg := e.indexerConfig(st)
	icfg.Chain = mc
	icfg.Tailer = mc
	pub, err := e.publisher()
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("kafka publisher: %w", err)
	}
	if pub != nil {
		defer func() { _ = pub.Close() }()
		icfg.Publisher = pub
	}

	ix, err := indexer.New(icfg)
	if err != nil {
		_ = st.Close()
		return err
	}
	if err := ix.StartTailing(ctx); err != nil {
		_ = ix.Stop()
		return err
	}

	e.log.Infow("dev chain", "seed", rf.Seed(), "addresses", len(addrs), "tokens", tokens, "watch", addrs[:e.cfg.Watch])
	return e.serve(ctx, ix,
		func(ctx context.Context) error {
			if err := miner.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
		func(ctx context.Context) error {
			for _, a := range addrs[:e.cfg.Watch] {
				if err := ix.RegisterAddress(ctx, a, ""); err != nil {
					if ctx.Err() != nil || errors.Is(err, indexer.ErrStopped) {
						return nil
					}
					e.log.Warnw("register failed", "address", a, "err", err)
				}
			}
			return nil
		},
	)
}

// tailer is the part of *indexer.Indexer serve watches for a dead loop.
type tailer interface {
	Done() <-chan struct{}
	Err() error
}

// serve runs the HTTP API, the metrics server and extra until ctx ends or
// one of them fails, then stops svc.
func (e *env) serve(ctx context.Context, svc indexer.Service, extra ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)

	// requests hang off base so open streams end when shutdown starts
	base, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	srv := &http.Server{
		Addr:              e.cfg.HTTPAddr,
		Handler:           api.New(svc, e.log.Named("api")).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	g.Go(func() error {
		e.log.Infow("api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	var ms *metrics.Server
	if e.cfg.MetricsPort > 0 {
		ms = metrics.NewServer(e.cfg.MetricsAddr(), e.reg)
		errCh := ms.Start()
		e.log.Infow("metrics listening", "addr", e.cfg.MetricsAddr())
		g.Go(func() error {
			select {
			case err, ok := <-errCh:
				if ok {
					return err
				}
			case <-gctx.Done():
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		cancelBase()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if ms != nil {
			_ = ms.Shutdown(shutdownCtx)
		}
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		wm, err := svc.Watermark(gctx)
		if err != nil {
			return fmt.Errorf("resolve start height: %w", err)
		}
		e.log.Infow("ready", "watermark", wm)
		if err := ready.Signal(gctx, e.log, e.cfg.ReadyFIFO, ready.DefaultPayload, ready.DefaultTimeout); err != nil {
			e.log.Warnw("ready signal failed", "fifo", e.cfg.ReadyFIFO, "err", err)
		}
		return nil
	})

	if t, ok := svc.(tailer); ok {
		g.Go(func() error {
			select {
			case <-t.Done():
				if err := t.Err(); err != nil {
					return fmt.Errorf("tailing: %w", err)
				}
				return errors.New("tailing ended")
			case <-gctx.Done():
				return nil
			}
		})
	}

	for _, fn := range extra {
		g.Go(func() error { return fn(gctx) })
	}

	err := g.Wait()
	if stopErr := svc.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		e.log.Errorw("exit", "err", err)
	}
	return err
}
