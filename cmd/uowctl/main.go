// Command uowctl inspects event streams and consumer checkpoints of the
// backends named in a config file.
//
// Usage:
//
//	uowctl -config es.yaml streams read -type counter -id c1
//	uowctl -config es.yaml streams tail -from 100 -type counter
//	uowctl -config es.yaml checkpoint get projector
//	uowctl -config es.yaml checkpoint set projector 42
//	uowctl -config es.yaml checkpoint list
//
// With -metrics :9090 the Prometheus metrics of the env are served while the
// command runs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	promclient "github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/aggregates-go/adapters/prometheus"
	"github.com/codewandler/aggregates-go/adapters/sqlite"
	"github.com/codewandler/aggregates-go/core/config"
	"github.com/codewandler/aggregates-go/core/es"
	"github.com/codewandler/aggregates-go/internal/codec"
)

var errUsage = errors.New("usage: uowctl [-config file] [-metrics addr] streams read|tail | checkpoint get|set|list")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type cli struct {
	env *es.Env
	out io.Writer
	log *slog.Logger
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("uowctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath  = fs.String("config", "", "Config file (.yaml, .yml or .json); in-memory backends when empty")
		metricsAddr = fs.String("metrics", "", "Serve Prometheus metrics on this address")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.FromFile(*configPath); err != nil {
			return err
		}
	}
	log := cfg.Logger(stderr)

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Warn("close backends", slog.Any("error", err))
		}
	}()

	reg := promclient.NewRegistry()
	envOpts, err := cfg.EnvOptions(log)
	if err != nil {
		return err
	}
	env, err := es.NewEnv(
		es.WithCtx(ctx),
		es.WithEnvOpts(envOpts...),
		es.WithEnvOpts(b.envOptions()...),
		es.WithMetrics(prometheus.NewESMetrics(reg)),
	)
	if err != nil {
		return err
	}
	defer env.Shutdown()

	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: prometheus.Handler(reg)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", slog.Any("error", err))
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	c := &cli{env: env, out: stdout, log: log}
	rest := fs.Args()
	if len(rest) < 2 {
		return errUsage
	}
	switch rest[0] + " " + rest[1] {
	case "streams read":
		return c.streamsRead(ctx, rest[2:])
	case "streams tail":
		return c.streamsTail(ctx, rest[2:])
	case "checkpoint get":
		return c.checkpointGet(ctx, rest[2:])
	case "checkpoint set":
		return c.checkpointSet(ctx, rest[2:])
	case "checkpoint list":
		return c.checkpointList(ctx)
	default:
		return errUsage
	}
}

func (c *cli) streamsRead(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("streams read", flag.ContinueOnError)
	var (
		aggType     = fs.String("type", "", "Aggregate type")
		aggID       = fs.String("id", "", "Aggregate id")
		fromVersion = fs.Uint64("from-version", 0, "Only envelopes with a version >= this")
		fromPos     = fs.Int64("from-position", 0, "Only envelopes with a position >= this")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *aggType == "" || *aggID == "" {
		return errors.New("streams read: -type and -id are required")
	}

	var opts []es.ReadOption
	if *fromVersion > 0 {
		opts = append(opts, es.WithFromVersion(es.Version(*fromVersion)))
	}
	if *fromPos > 0 {
		opts = append(opts, es.WithFromPosition(*fromPos))
	}
	envs, err := c.env.Store().ReadForward(ctx, *aggType, *aggID, opts...)
	if err != nil {
		return err
	}
	for _, env := range envs {
		if err := c.print(env); err != nil {
			return err
		}
	}
	return nil
}

// streamsTail prints envelopes as they are appended until ctx is done.
func (c *cli) streamsTail(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("streams tail", flag.ContinueOnError)
	var (
		from    = fs.Int64("from", 0, "Start at this position; only new envelopes when 0")
		aggType = fs.String("type", "", "Only this aggregate type")
		aggID   = fs.String("id", "", "Only this aggregate id")
		limit   = fs.Int("n", 0, "Stop after n envelopes")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	var opts []es.SubscribeOption
	if *from > 0 {
		opts = append(opts, es.WithStartPosition(*from))
	}
	if *aggType != "" || *aggID != "" {
		opts = append(opts, es.WithFilters(es.SubscribeFilter{AggregateType: *aggType, AggregateID: *aggID}))
	}
	sub, err := c.env.Store().Subscribe(ctx, opts...)
	if err != nil {
		return err
	}
	defer sub.Cancel()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-sub.Chan():
			if !ok {
				return nil
			}
			if err := c.print(env); err != nil {
				return err
			}
			n++
			if *limit > 0 && n >= *limit {
				return nil
			}
		}
	}
}

func (c *cli) checkpointGet(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("checkpoint get: consumer name required")
	}
	pos, err := c.env.CheckpointStore().Load(ctx, args[0])
	if errors.Is(err, es.ErrCheckpointNotFound) {
		return fmt.Errorf("no checkpoint for %q", args[0])
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, pos)
	return err
}

// checkpointSet moves a consumer through a checkpoint tracker, the same path
// a unit of work uses.
func (c *cli) checkpointSet(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("checkpoint set: consumer name and position required")
	}
	pos, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || pos < 1 {
		return fmt.Errorf("checkpoint set: invalid position %q", args[1])
	}

	tracker := c.env.NewCheckpointTracker(args[0])
	tracker.Observe(es.Descriptor{Position: &pos})
	if err := tracker.Begin(ctx); err != nil {
		return err
	}
	if err := tracker.End(ctx, nil); err != nil {
		return err
	}
	c.log.Info("checkpoint saved", slog.String("consumer", args[0]), slog.Int64("position", pos))
	return nil
}

type checkpointLister interface {
	List(ctx context.Context) ([]sqlite.Checkpoint, error)
}

func (c *cli) checkpointList(ctx context.Context) error {
	l, ok := c.env.CheckpointStore().(checkpointLister)
	if !ok {
		return errors.New("checkpoint list: backend cannot list checkpoints")
	}
	cps, err := l.List(ctx)
	if err != nil {
		return err
	}
	for _, cp := range cps {
		if _, err := fmt.Fprintf(c.out, "%s\t%d\t%s\n", cp.Consumer, cp.Position, cp.UpdatedAt.Format("2006-01-02T15:04:05Z07:00")); err != nil {
			return err
		}
	}
	return nil
}

func (c *cli) print(env es.Envelope) error {
	data, err := codec.JSON.Marshal(env)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(data))
	return err
}
