// Package stats exposes the daemon's operational counters over
// VictoriaMetrics/metrics, the library SPEC_FULL.md's domain stack
// adopts from the ambient pack (declared in ValentinKolb-dKV's go.mod;
// this package follows the library's own documented NewSet/NewCounter/NewHistogram
// API rather than any in-repo usage, since that repo declares the
// dependency without exercising it). Every counter here corresponds to
// a quantity spec.md names informally (buffer pool outcomes, would-block
// suspensions, slow operations) but never wires to an observability
// layer, since spec.md treats metrics as out of scope for the core
// itself.
package stats

import (
	"io"

	"github.com/VictoriaMetrics/metrics"

	"github.com/cachemir/kvdaemon/pkg/binprot"
	"github.com/cachemir/kvdaemon/pkg/bufpool"
)

// Registry groups every counter and histogram the daemon reports, each
// backed by its own metrics.Set so a worker can be torn down (and its
// counters garbage collected) without disturbing counters owned by
// other workers or the process-wide default set.
type Registry struct {
	set *metrics.Set

	Connections      *metrics.Counter
	ConnectionsClosed *metrics.Counter
	WouldBlocks      *metrics.Counter
	SlowOps          *metrics.Counter
	BreakerTrips     *metrics.Counter

	bufOutcomes map[bufpool.Outcome]*metrics.Counter
	opCounts    map[binprot.Opcode]*metrics.Counter
	cmdLatency  *metrics.Histogram
}

// New builds a Registry with one metrics.Set of its own, so the caller
// controls exactly when (and whether) it is merged into the process's
// default set for scraping.
func New() *Registry {
	set := metrics.NewSet()
	r := &Registry{
		set:               set,
		Connections:       set.NewCounter("kvdaemon_connections_total"),
		ConnectionsClosed: set.NewCounter("kvdaemon_connections_closed_total"),
		WouldBlocks:       set.NewCounter("kvdaemon_would_block_total"),
		SlowOps:           set.NewCounter("kvdaemon_slow_ops_total"),
		BreakerTrips:      set.NewCounter("kvdaemon_breaker_trips_total"),
		bufOutcomes:       make(map[bufpool.Outcome]*metrics.Counter),
		opCounts:          make(map[binprot.Opcode]*metrics.Counter),
		cmdLatency:        set.NewHistogram("kvdaemon_command_duration_seconds"),
	}
	for _, o := range []bufpool.Outcome{bufpool.OutcomeExisting, bufpool.OutcomeLoaned, bufpool.OutcomeAllocated} {
		r.bufOutcomes[o] = set.NewCounter(`kvdaemon_bufpool_acquire_total{outcome="` + o.String() + `"}`)
	}
	return r
}

// BufferAcquired records which path a bufpool.Pool acquisition took.
func (r *Registry) BufferAcquired(o bufpool.Outcome) {
	if c, ok := r.bufOutcomes[o]; ok {
		c.Inc()
	}
}

// CommandCompleted records one executed command's opcode and latency in
// seconds, lazily creating the per-opcode counter on first use (the
// opcode space is small and fixed, so this never grows unbounded).
func (r *Registry) CommandCompleted(op binprot.Opcode, seconds float64) {
	c, ok := r.opCounts[op]
	if !ok {
		c = r.set.NewCounter(`kvdaemon_commands_total{opcode="` + op.String() + `"}`)
		r.opCounts[op] = c
	}
	c.Inc()
	r.cmdLatency.Update(seconds)
}

// WritePrometheus writes every metric in this registry in Prometheus
// exposition format, for an HTTP /metrics handler to serve directly.
func (r *Registry) WritePrometheus(w io.Writer) {
	r.set.WritePrometheus(w)
}
