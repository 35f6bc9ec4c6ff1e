// Package supervision implements the control loop that reconciles
// observed cluster state against the desired target: health checks,
// corrective jobs, and maintenance cleanup passes.
package supervision

import (
	"fmt"
	"sync"
	"time"

	"github.com/Rustmilian/arangodb-sub000/pkg/metrics"
	"github.com/Rustmilian/arangodb-sub000/pkg/xlog"
	"github.com/Rustmilian/arangodb-sub000/store"
)

var logger = xlog.NewLogger("supervision", xlog.INFO)

// Agency is supervision's narrow view of the agent it lives in. The
// back-reference is non-owning and set after construction; supervision
// never outlives its agent.
type Agency interface {
	// Leading reports whether this agent currently leads. Supervision
	// only acts on the leader.
	Leading() bool

	// Snapshot returns a copy of the committed configuration tree.
	Snapshot() *store.Store

	// TransientSnapshot returns a copy of the ephemeral tree.
	TransientSnapshot() *store.Store

	// Apply submits a precondition-gated transaction and returns the
	// per-step log indices (0 = precondition failed) and acceptance.
	Apply(txn store.Transaction) ([]uint64, bool)

	// ApplyTransient writes ephemeral data, best effort.
	ApplyTransient(txn store.Transaction)

	// WaitCommitted blocks until index commits, bounded by timeout.
	WaitCommitted(index uint64, timeout time.Duration) bool
}

// Config carries supervision's knobs.
type Config struct {
	AgentID uint64

	Frequency   time.Duration
	OkThreshold time.Duration
	GracePeriod time.Duration

	// DelayFailedFollower postpones a FailedServer job's actionable
	// time to absorb transient blips.
	DelayFailedFollower time.Duration

	// DelayAddFollower postpones acting on under-replication.
	DelayAddFollower time.Duration

	JobTimeout     time.Duration
	MaxJobsPerTick int

	FinishedJobLimit int
	FailedJobLimit   int

	SingleServerMode bool
}

// Supervision runs the periodic reconciliation loop.
type Supervision struct {
	cfg      Config
	registry *metrics.Registry

	agency Agency // set via SetAgency, after construction

	ids *idAllocator

	// underSince remembers when a shard was first seen under its
	// replication factor, to delay repair past transient dips.
	underSince map[string]time.Time

	mu      sync.Mutex
	cv      *sync.Cond
	stopped bool
	woken   bool

	donec chan struct{}
}

// New returns a Supervision with no agency wired yet.
func New(cfg Config, registry *metrics.Registry) *Supervision {
	if registry == nil {
		registry = metrics.New()
	}
	s := &Supervision{
		cfg:        cfg,
		registry:   registry,
		underSince: make(map[string]time.Time),
		donec:      make(chan struct{}),
	}
	s.cv = sync.NewCond(&s.mu)
	s.ids = newIDAllocator(s)
	return s
}

// SetAgency wires the non-owning back-reference to the agent.
func (s *Supervision) SetAgency(a Agency) { s.agency = a }

// Run executes the tick loop until Stop. Each tick is wrapped so a
// panic in one tick is logged and the loop carries on.
func (s *Supervision) Run() {
	if s.agency == nil {
		logger.Panicf("supervision started without an agency")
	}
	defer close(s.donec)

	for {
		start := time.Now()
		s.safeTick()
		elapsed := time.Since(start)
		s.registry.Histogram("supervision_tick_seconds").Observe(elapsed.Seconds())

		// Ticks never overlap: an overrun skips the sleep entirely.
		if remaining := s.cfg.Frequency - elapsed; remaining > 0 {
			if !s.sleep(remaining) {
				return
			}
		} else if s.isStopped() {
			return
		}
	}
}

// Stop requests termination and waits for the loop to exit.
func (s *Supervision) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.donec
		return
	}
	s.stopped = true
	s.cv.Broadcast()
	s.mu.Unlock()
	<-s.donec
}

// Wake triggers the next tick without waiting for the period, e.g.
// after a write that should reconcile quickly.
func (s *Supervision) Wake() {
	s.mu.Lock()
	s.woken = true
	s.cv.Broadcast()
	s.mu.Unlock()
}

// sleep waits up to d, interruptible by Wake and Stop. It returns
// false when the loop must exit.
func (s *Supervision) sleep(d time.Duration) bool {
	timer := time.AfterFunc(d, func() {
		s.mu.Lock()
		s.woken = true
		s.cv.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.woken && !s.stopped {
		s.cv.Wait()
	}
	s.woken = false
	return !s.stopped
}

func (s *Supervision) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// safeTick is the fault boundary: a panic inside one tick must never
// kill the loop.
func (s *Supervision) safeTick() {
	defer func() {
		if r := recover(); r != nil {
			s.registry.Counter("supervision_tick_panics").Inc()
			logger.Errorf("supervision tick panicked: %v", r)
		}
	}()
	s.tick()
}

// tick is one iteration: snapshot, health check, job processing,
// cleanup, transient report. Only the leader reconciles.
func (s *Supervision) tick() {
	if !s.agency.Leading() {
		return
	}
	s.registry.Counter("supervision_ticks").Inc()

	now := time.Now()
	snap := s.agency.Snapshot()
	transient := s.agency.TransientSnapshot()

	ctx := &tickContext{
		snap:      snap,
		transient: transient,
		now:       now,
		creator:   fmt.Sprintf("supervision-%d", s.cfg.AgentID),
	}

	// Each phase is isolated: one failing phase must not prevent the
	// others from running this tick.
	s.runPhase("health", func() { s.checkHealth(ctx) })
	s.runPhase("jobs", func() { s.processJobs(ctx) })
	s.runPhase("maintenance", func() { s.reconcile(ctx) })
	s.runPhase("report", func() { s.reportTick(ctx) })
}

func (s *Supervision) runPhase(name string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			s.registry.Counter("supervision_phase_failures").Inc()
			logger.Errorf("supervision phase %s failed: %v", name, r)
		}
	}()
	f()
}

type tickContext struct {
	snap      *store.Store
	transient *store.Store
	now       time.Time
	creator   string
}

// maintenanceActive reports whether the global maintenance toggle is
// set and unexpired. Maintenance suspends job creation, never health
// recording.
func (s *Supervision) maintenanceActive(ctx *tickContext) bool {
	v, ok := ctx.snap.Get(supervisionMaintenancePath)
	if !ok {
		return false
	}
	expiry, ok := v.(string)
	if !ok {
		// a bare toggle without expiry counts as active
		return true
	}
	t, err := time.Parse(time.RFC3339, expiry)
	if err != nil {
		logger.Errorf("malformed maintenance expiry %q, ignoring", expiry)
		return false
	}
	return ctx.now.Before(t)
}

// reportTick publishes supervision liveness into the transient store.
func (s *Supervision) reportTick(ctx *tickContext) {
	mode := "Normal"
	if s.maintenanceActive(ctx) {
		mode = "Maintenance"
	}
	s.agency.ApplyTransient(store.Transaction{{
		Operations: map[string]store.Operation{
			"Supervision/LastTick": {Op: store.OpSet, New: ctx.now.Format(time.RFC3339Nano)},
		},
	}})

	// persist the mode only when it changed
	cur, _ := ctx.snap.Get(supervisionStatePath + "/Mode")
	if cur != mode {
		s.apply(store.Transaction{{
			Operations: map[string]store.Operation{
				supervisionStatePath: {Op: store.OpSet, New: map[string]store.Value{
					"Mode":      mode,
					"Timestamp": ctx.now.Format(time.RFC3339),
				}},
			},
		}})
	}
}

// apply submits a transaction and waits briefly for it to commit, so
// the next tick's snapshot observes it. Returns per-step success.
func (s *Supervision) apply(txn store.Transaction) []bool {
	indices, accepted := s.agency.Apply(txn)
	out := make([]bool, len(txn))
	if !accepted {
		return out
	}
	var max uint64
	for i, index := range indices {
		out[i] = index != 0
		if index > max {
			max = index
		}
	}
	if max > 0 && !s.agency.WaitCommitted(max, s.cfg.Frequency) {
		logger.Warningf("write at index %d not committed in time", max)
	}
	return out
}
