package main

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/juanpablocruz/spindle/pkg/metrics"
	"github.com/juanpablocruz/spindle/pkg/node"
)

type lookupRow struct {
	node    string
	path    string
	latency time.Duration
	found   bool
	code    uint32
}

// telemetry collects client-side lookup outcomes; daemon-side counters
// come from the metrics recorder.
type telemetry struct {
	mu    sync.Mutex
	rows  []lookupRow
	paths map[string]struct{}
	codes map[uint32]int
}

func newTelemetry() *telemetry {
	return &telemetry{paths: make(map[string]struct{}), codes: make(map[uint32]int)}
}

func (t *telemetry) record(name, p string, d time.Duration, r node.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = append(t.rows, lookupRow{node: name, path: p, latency: d, found: r.Found, code: r.Code()})
	t.paths[p] = struct{}{}
	t.codes[r.Code()]++
}

func (t *telemetry) distinctPaths() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.paths)
}

func (t *telemetry) summary() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ds := make([]time.Duration, len(t.rows))
	for i, r := range t.rows {
		ds[i] = r.latency
	}
	mean, stdev := meanStdevSeconds(ds)
	slices.Sort(ds)
	return fmt.Sprintf("Lookups: %d  ok=%d not_found=%d unreachable=%d ended=%d other=%d\nLatency(ms): mean=%.3f stdev=%.3f p50=%.3f p99=%.3f",
		len(t.rows), t.codes[node.CodeOK], t.codes[node.CodeNotFound], t.codes[node.CodeUnreachable], t.codes[node.CodeSessionEnded],
		len(t.rows)-t.codes[node.CodeOK]-t.codes[node.CodeNotFound]-t.codes[node.CodeUnreachable]-t.codes[node.CodeSessionEnded],
		mean*1e3, stdev*1e3, ms(quantile(ds, 0.5)), ms(quantile(ds, 0.99)))
}

func (t *telemetry) writeLookupsCSV(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	_ = w.Write([]string{"node", "path", "latency_seconds", "found", "code"})
	for _, r := range t.rows {
		_ = w.Write([]string{r.node, r.path, fmt.Sprintf("%.6f", r.latency.Seconds()), strconv.FormatBool(r.found), strconv.FormatUint(uint64(r.code), 10)})
	}
	w.Flush()
	return w.Error()
}

func writeStatsCSV(path string, rec *metrics.Recorder) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	_ = w.Write([]string{"node", "lookups", "hits", "backing_reads", "backing_bytes", "not_found", "sent", "sent_bytes", "stored", "stored_bytes", "forwarded", "broadcasts", "warnings"})
	for _, n := range rec.Nodes() {
		c := rec.Read(n)
		row := []string{n}
		for _, v := range []int64{c.Lookups, c.Hits, c.BackingReads, c.BackingBytes, c.NotFound, c.Sent, c.SentBytes, c.Stored, c.StoredB, c.Forwarded, c.Broadcasts, c.Warnings} {
			row = append(row, strconv.FormatInt(v, 10))
		}
		_ = w.Write(row)
	}
	w.Flush()
	return w.Error()
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// quantile expects ds sorted.
func quantile(ds []time.Duration, q float64) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	i := int(math.Ceil(q*float64(len(ds)))) - 1
	return ds[max(i, 0)]
}

func meanStdevSeconds(ds []time.Duration) (mean, stdev float64) {
	if len(ds) == 0 {
		return 0, 0
	}
	var sum float64
	secs := make([]float64, len(ds))
	for i, d := range ds {
		secs[i] = d.Seconds()
		sum += secs[i]
	}
	mean = sum / float64(len(secs))
	if len(secs) < 2 {
		return mean, 0
	}
	var s float64
	for _, x := range secs {
		diff := x - mean
		s += diff * diff
	}
	stdev = math.Sqrt(s / float64(len(secs)-1))
	return mean, stdev
}
