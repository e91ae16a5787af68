package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/juanpablocruz/spindle/internal/config"
	"github.com/juanpablocruz/spindle/internal/logger"
	"github.com/juanpablocruz/spindle/pkg/backing"
	"github.com/juanpablocruz/spindle/pkg/localclient"
	"github.com/juanpablocruz/spindle/pkg/node"
	"github.com/juanpablocruz/spindle/pkg/policy"
	"github.com/juanpablocruz/spindle/pkg/transport"
)

func newFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("spindled", pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.String("hostname", "", "name peers use to reach this daemon")
	fs.StringSlice("hosts", nil, "ordered host list; makes this daemon the root (first entry must be itself)")
	fs.Int("rank", -1, "rank assigned by the launcher, -1 if unknown")
	fs.Int("port", 21940, "first port of the listen range")
	fs.Int("num-ports", 25, "number of ports to try")
	fs.String("session", "", "session id (uuid)")
	fs.String("mode", "push", "push or pull")
	fs.Int("fanout", 0, "tree fanout, 0 for a star")
	fs.String("policy", "root", "responsibility policy: root or range:N")
	fs.String("location", "", "local cache directory")
	fs.Bool("persist", false, "keep the cache and wait for the next session after END")
	fs.Bool("noclean", false, "keep the cache directory on exit")
	fs.String("preload", "", "file listing libraries to load before the first request")
	fs.String("security", "none", "none or keyfile")
	fs.String("keyfile", "", "shared session key")
	fs.String("socket", "", "unix socket for local clients")
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.Duration("bootstrap-timeout", 30*time.Second, "how long to keep dialing children")
	fs.Duration("end-grace", 5*time.Second, "how long END waits for in-flight fetches")
	fs.Duration("end-after", 0, "root only: end the session after this long in steady state")
	return fs
}

func options(c *config.Config, log *zap.Logger) ([]node.NodeOption, error) {
	mode, err := node.ParseMode(c.Mode)
	if err != nil {
		return nil, err
	}
	pol, err := policy.Parse(c.Policy)
	if err != nil {
		return nil, err
	}
	sess, err := c.SessionID()
	if err != nil {
		return nil, err
	}
	key, err := c.Key()
	if err != nil {
		return nil, err
	}
	opts := []node.NodeOption{
		node.WithTransport(transport.TCP{KeepAlive: 30 * time.Second}),
		node.WithLogger(log),
		node.WithBacking(backing.FS{}),
		node.WithPolicy(pol),
		node.WithMode(mode),
		node.WithFanout(c.Fanout),
		node.WithPorts(c.Port, c.NumPorts),
		node.WithSession(sess),
		node.WithKey(key),
		node.WithLocation(c.Location),
		node.WithPersist(c.Persist),
		node.WithNoClean(c.NoClean),
		node.WithRank(c.Rank),
		node.WithBootstrapTimeout(c.BootstrapTimeout),
		node.WithEndGrace(c.EndGrace),
	}
	if len(c.Hosts) > 0 {
		opts = append(opts, node.WithHosts(c.Hosts))
	}
	return opts, nil
}

func run(ctx context.Context, args []string) error {
	fs := newFlags()
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, _ := fs.GetString("config")
	cfg, err := config.Load(path, fs)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	opts, err := options(cfg, log)
	if err != nil {
		return err
	}
	n, err := node.New(cfg.Hostname, opts...)
	if err != nil {
		return err
	}
	preload, err := cfg.PreloadPaths()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.Socket != "" {
		srv := localclient.NewServer(cfg.Socket, n, log)
		if err := srv.Listen(); err != nil {
			return err
		}
		go func() {
			if err := srv.Serve(ctx); err != nil {
				log.Error("client_socket_err", zap.Error(err))
			}
		}()
	}
	go afterReady(ctx, n, log, preload, cfg.EndAfter)

	log.Info("daemon_start",
		zap.String("hostname", cfg.Hostname),
		zap.Int("hosts", len(cfg.Hosts)),
		zap.String("mode", cfg.Mode),
		zap.Int("fanout", cfg.Fanout),
		zap.String("location", cfg.Location),
	)
	return n.Run(ctx)
}

// afterReady preloads once the tree is up and, on the root, ends the
// session after endAfter.
func afterReady(ctx context.Context, n *node.Node, log *zap.Logger, preload []string, endAfter time.Duration) {
	select {
	case <-n.Ready():
	case <-ctx.Done():
		return
	}
	id := n.Identity()
	log.Info("daemon_ready", zap.Int("rank", id.Rank), zap.Int("size", id.Size), zap.Int("port", id.Port))
	if len(preload) > 0 {
		found := 0
		for _, r := range n.Preload(ctx, preload) {
			if r.Found {
				found++
			}
		}
		log.Info("preload_done", zap.Int("paths", len(preload)), zap.Int("found", found))
	}
	if endAfter <= 0 || id.Rank != 0 {
		return
	}
	select {
	case <-time.After(endAfter):
	case <-ctx.Done():
		return
	}
	if err := n.End(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("end_err", zap.Error(err))
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "spindled:", err)
		os.Exit(1)
	}
}
