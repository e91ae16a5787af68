package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/juanpablocruz/spindle/internal/logger"
	"github.com/juanpablocruz/spindle/pkg/backing"
	"github.com/juanpablocruz/spindle/pkg/eventbus"
	"github.com/juanpablocruz/spindle/pkg/metrics"
	"github.com/juanpablocruz/spindle/pkg/node"
	"github.com/juanpablocruz/spindle/pkg/policy"
	"github.com/juanpablocruz/spindle/pkg/session"
	"github.com/juanpablocruz/spindle/pkg/transport"
)

var (
	flNodes    = pflag.Int("nodes", 8, "number of daemons")
	flFanout   = pflag.Int("fanout", 2, "tree fanout, 0 for a star")
	flMode     = pflag.String("mode", "push", "push or pull")
	flPolicy   = pflag.String("policy", "root", "responsibility policy: root or range:N")
	flMem      = pflag.Bool("mem", false, "use the in-memory switch instead of loopback TCP")
	flBasePort = pflag.Int("base-port", 29100, "first port of every daemon's listen range")

	flFiles    = pflag.Int("files", 40, "libraries in the synthetic backing store")
	flMissing  = pflag.Float64("missing", 0.1, "fraction of looked-up paths that do not exist")
	flLookups  = pflag.Int("lookups", 200, "lookups per daemon")
	flParallel = pflag.Int("parallel", 4, "concurrent lookup workers per daemon")
	flSize     = pflag.Int("file-size", 64<<10, "bytes per library")
	flTimeout  = pflag.Duration("timeout", 60*time.Second, "give up after this long")

	// chaos knobs
	flDelay    = pflag.Duration("delay", 0, "base one-way delay")
	flJitter   = pflag.Duration("jitter", 0, "jitter (+/-)")
	flDialFail = pflag.Float64("dial-fail", 0, "probability a dial is refused [0..1]")
	flCut      = pflag.Int("cut", -1, "rank whose links go down mid-run, -1 for none")
	flCutAfter = pflag.Duration("cut-after", 200*time.Millisecond, "when the cut happens")

	flOutDir   = pflag.String("out", "", "write stats.csv and lookups.csv here")
	flLogLevel = pflag.String("log-level", "warn", "daemon log level")
)

type simNode struct {
	Name  string
	Chaos *transport.Chaos
	Node  *node.Node
	done  chan error
}

func main() {
	pflag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "spindle-sim:", err)
		os.Exit(1)
	}
}

func run() error {
	if *flNodes < 1 {
		return errors.New("need at least 1 node")
	}
	mode, err := node.ParseMode(*flMode)
	if err != nil {
		return err
	}
	pol, err := policy.Parse(*flPolicy)
	if err != nil {
		return err
	}
	log, err := logger.NewDevelopment(*flLogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *flTimeout)
	defer cancelTimeout()

	paths, store := synthLibs(*flFiles, *flSize)
	bus := eventbus.New()
	stats := metrics.NewRecorder(1 << 14)
	tele := newTelemetry()
	bus.Subscribe(stats)
	bus.Start()
	defer bus.Stop()

	var under transport.Transport = transport.TCP{}
	if *flMem {
		under = transport.NewSwitch()
	}
	hosts := make([]string, *flNodes)
	for i := range hosts {
		if *flMem {
			hosts[i] = fmt.Sprintf("sim%03d", i)
		} else {
			// every daemon gets its own loopback address so port ranges
			// never collide
			hosts[i] = net.IPv4(127, 0, byte(i/250), byte(i%250+1)).String()
		}
	}

	cacheRoot, err := os.MkdirTemp("", "spindle-sim")
	if err != nil {
		return err
	}
	defer os.RemoveAll(cacheRoot)

	sess := session.New()
	sns := make([]*simNode, len(hosts))
	for i, h := range hosts {
		ch := transport.WrapChaos(under, transport.ChaosConfig{
			Up:        true,
			DialFail:  *flDialFail,
			BaseDelay: *flDelay,
			Jitter:    *flJitter,
		})
		opts := []node.NodeOption{
			node.WithTransport(ch),
			node.WithLogger(log),
			node.WithBus(bus),
			node.WithBacking(store),
			node.WithPolicy(pol),
			node.WithMode(mode),
			node.WithFanout(*flFanout),
			node.WithPorts(*flBasePort, 4),
			node.WithSession(sess),
			node.WithLocation(filepath.Join(cacheRoot, h)),
			node.WithBootstrapTimeout(*flTimeout),
		}
		if i == 0 {
			opts = append(opts, node.WithHosts(hosts))
		}
		n, err := node.New(h, opts...)
		if err != nil {
			return err
		}
		sns[i] = &simNode{Name: h, Chaos: ch, Node: n, done: make(chan error, 1)}
	}

	start := time.Now()
	for _, s := range sns {
		go func() { s.done <- s.Node.Run(ctx) }()
	}
	for _, s := range sns {
		select {
		case <-s.Node.Ready():
		case err := <-s.done:
			return fmt.Errorf("%s exited during bootstrap: %w", s.Name, err)
		case <-ctx.Done():
			return fmt.Errorf("bootstrap: %w (%s in state %s)", ctx.Err(), s.Name, s.Node.State())
		}
	}
	bootstrap := time.Since(start)
	log.Info("sim_ready", zap.Int("nodes", len(sns)), zap.Duration("bootstrap", bootstrap))

	if *flCut >= 0 && *flCut < len(sns) {
		time.AfterFunc(*flCutAfter, func() {
			log.Warn("sim_cut", zap.String("node", sns[*flCut].Name))
			sns[*flCut].Chaos.SetUp(false)
		})
	}

	workStart := time.Now()
	var wg sync.WaitGroup
	for _, s := range sns {
		for w := range *flParallel {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rng := rand.New(rand.NewSource(int64(w)*7919 + time.Now().UnixNano()))
				for range *flLookups / *flParallel {
					p := pick(rng, paths, *flMissing)
					t0 := time.Now()
					r := s.Node.Lookup(ctx, p)
					tele.record(s.Name, p, time.Since(t0), r)
					if ctx.Err() != nil {
						return
					}
				}
			}()
		}
	}
	wg.Wait()
	work := time.Since(workStart)

	endCtx, endCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer endCancel()
	if err := sns[0].Node.End(endCtx); err != nil {
		log.Warn("sim_end_err", zap.Error(err))
	}
	var failed []string
	timedOut := false
	for _, s := range sns {
		var err error
		if timedOut {
			err = <-s.done
		} else {
			select {
			case err = <-s.done:
			case <-endCtx.Done():
				// a cut daemon never hears END
				failed = append(failed, s.Name+": did not exit after END")
				timedOut = true
				cancel()
				err = <-s.done
			}
		}
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", s.Name, err))
		}
	}
	bus.WaitForProcessing()

	total := stats.Total()
	fmt.Printf("Nodes: %d  Mode: %s  Policy: %s  Fanout: %d  Transport: %s\n", len(sns), mode, pol, *flFanout, transportName())
	fmt.Printf("Chaos: delay=%s jitter=%s dial-fail=%.2f cut=%d\n", *flDelay, *flJitter, *flDialFail, *flCut)
	fmt.Printf("Bootstrap: %s  Workload: %s\n", bootstrap.Round(time.Millisecond), work.Round(time.Millisecond))
	fmt.Println(tele.summary())
	for _, name := range stats.Nodes() {
		fmt.Printf("  %-12s %s\n", name, stats.Read(name))
	}
	fmt.Printf("  %-12s %s\n", "total", total)

	// every distinct path reaches the backing store once per owner
	distinct := tele.distinctPaths()
	if got := store.Reads(); got > int64(distinct) {
		failed = append(failed, fmt.Sprintf("backing store read %d times for %d distinct paths", got, distinct))
	}
	if *flOutDir != "" {
		if err := os.MkdirAll(*flOutDir, 0o755); err != nil {
			return err
		}
		if err := writeStatsCSV(filepath.Join(*flOutDir, "stats.csv"), stats); err != nil {
			return err
		}
		if err := tele.writeLookupsCSV(filepath.Join(*flOutDir, "lookups.csv")); err != nil {
			return err
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d problems:\n  %s", len(failed), joinLines(failed))
	}
	return nil
}

func transportName() string {
	if *flMem {
		return "mem"
	}
	return "tcp"
}

func synthLibs(n, size int) ([]string, *backing.Map) {
	files := make(map[string][]byte, n)
	paths := make([]string, 0, n)
	for i := range n {
		p := fmt.Sprintf("/opt/app/lib/libsim%03d.so", i)
		b := make([]byte, size)
		for j := range b {
			b[j] = byte(i + j)
		}
		files[p] = b
		paths = append(paths, p)
	}
	return paths, backing.NewMap(files)
}

func pick(rng *rand.Rand, paths []string, missing float64) string {
	if rng.Float64() < missing {
		return fmt.Sprintf("/opt/app/lib/libmissing%02d.so", rng.Intn(8))
	}
	return paths[rng.Intn(len(paths))]
}

func joinLines(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += "\n  "
		}
		out += s
	}
	return out
}
