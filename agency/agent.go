package agency

import (
	"sync"
	"time"

	"github.com/Rustmilian/arangodb-sub000/pkg/metrics"
	"github.com/Rustmilian/arangodb-sub000/raftlog"
	"github.com/Rustmilian/arangodb-sub000/store"
	"github.com/Rustmilian/arangodb-sub000/supervision"
)

// Agent owns the state, the constituent, and the supervision loop of
// one agency member. It is constructed once per process; all
// cross-component access goes through handles injected here, never
// through globals. Supervision's lifetime is strictly nested inside the
// Agent's; its back-reference is set after construction.
type Agent struct {
	cfg         *Config
	log         raftlog.Log
	state       *State
	constituent *Constituent
	supervision *supervision.Supervision
	transport   Transport
	registry    *metrics.Registry

	peersMu sync.RWMutex
	peers   map[uint64]string

	running bool
}

// NewAgent wires an Agent from its configuration and an opened log.
// A nil transport selects the HTTP transport with gossip-updated
// endpoint resolution.
func NewAgent(cfg *Config, log raftlog.Log, transport Transport) (*Agent, error) {
	a := &Agent{
		cfg:      cfg,
		log:      log,
		registry: metrics.New(),
		peers:    make(map[uint64]string, len(cfg.Peers)),
	}
	for _, p := range cfg.Peers {
		a.peers[p.ID] = p.Endpoint
	}

	if transport == nil {
		transport = NewHTTPTransport(a.PeerEndpoint)
	}
	a.transport = transport

	a.state = NewState(log)

	constituent, err := NewConstituent(cfg, a.state, log, transport)
	if err != nil {
		return nil, err
	}
	a.constituent = constituent

	a.supervision = supervision.New(supervision.Config{
		AgentID:             cfg.ID,
		Frequency:           cfg.SupervisionFrequency,
		OkThreshold:         cfg.OkThreshold,
		GracePeriod:         cfg.GracePeriod,
		DelayFailedFollower: cfg.DelayFailedFollower,
		DelayAddFollower:    cfg.DelayAddFollower,
		JobTimeout:          cfg.JobTimeout,
		MaxJobsPerTick:      cfg.MaxJobsPerTick,
		FinishedJobLimit:    cfg.FinishedJobLimit,
		FailedJobLimit:      cfg.FailedJobLimit,
		SingleServerMode:    cfg.SingleServerMode,
	}, a.registry)
	a.supervision.SetAgency(a)

	return a, nil
}

// Run starts the consensus and supervision threads.
func (a *Agent) Run() {
	if a.running {
		logger.Panicf("agent %x started twice", a.cfg.ID)
	}
	a.running = true
	go a.constituent.Run()
	go a.supervision.Run()
}

// Stop terminates supervision first, then consensus, then the log.
func (a *Agent) Stop() {
	if !a.running {
		return
	}
	a.running = false
	a.supervision.Stop()
	a.constituent.Stop()
	if err := a.log.Close(); err != nil {
		logger.Errorf("agent %x log close: %v", a.cfg.ID, err)
	}
}

// Metrics returns the agent's metrics registry.
func (a *Agent) Metrics() *metrics.Registry { return a.registry }

// Constituent returns the consensus core, for the RPC layer.
func (a *Agent) Constituent() *Constituent { return a.constituent }

// PeerEndpoint resolves a peer id to its current endpoint.
func (a *Agent) PeerEndpoint(id uint64) (string, bool) {
	a.peersMu.RLock()
	defer a.peersMu.RUnlock()
	endpoint, ok := a.peers[id]
	return endpoint, ok
}

// Write submits a transaction for replication.
func (a *Agent) Write(txn store.Transaction, mode WriteMode) WriteResult {
	res := a.state.Write(txn, mode)
	if res.Accepted {
		a.registry.Counter("agency_writes_accepted").Inc()
		for _, index := range res.Indices {
			if index == 0 {
				a.registry.Counter("agency_precondition_failed").Inc()
			}
		}
	} else {
		a.registry.Counter("agency_writes_rejected").Inc()
	}
	return res
}

// Transact submits a transaction with read-your-writes semantics.
func (a *Agent) Transact(txn store.Transaction) WriteResult {
	return a.Write(txn, WriteModeNormal)
}

// Read resolves queries against the committed state.
func (a *Agent) Read(queries [][]string) []store.Value {
	a.registry.Counter("agency_reads").Inc()
	return a.state.Read(queries)
}

// Inquire resolves queries against the spearhead.
func (a *Agent) Inquire(queries [][]string) []store.Value {
	return a.state.Inquire(queries)
}

// Poll long-polls the commit index.
func (a *Agent) Poll(index uint64, timeout time.Duration) (<-chan PollResult, bool, uint64) {
	return a.state.Poll(index, timeout)
}

// WaitFor blocks until index commits, the timeout elapses, or
// leadership is lost.
func (a *Agent) WaitFor(index uint64, timeout time.Duration) WaitResult {
	return a.state.WaitFor(index, timeout)
}

// Leading reports whether this agent currently leads.
func (a *Agent) Leading() bool { return a.state.Leading() }

// LeaderID returns the believed leader's id.
func (a *Agent) LeaderID() uint64 { return a.state.LeaderID() }

// CommitIndex returns the current commit index.
func (a *Agent) CommitIndex() uint64 { return a.state.CommitIndex() }

// Snapshot returns a copy of the committed state, for supervision.
func (a *Agent) Snapshot() *store.Store { return a.state.ReadSnapshot() }

// TransientSnapshot returns a copy of the transient state.
func (a *Agent) TransientSnapshot() *store.Store { return a.state.TransientSnapshot() }

// Apply implements supervision's write access: per-step log indices
// plus acceptance.
func (a *Agent) Apply(txn store.Transaction) ([]uint64, bool) {
	res := a.Write(txn, WriteModeNormal)
	return res.Indices, res.Accepted
}

// ApplyTransient writes ephemeral data; best effort, unreplicated.
func (a *Agent) ApplyTransient(txn store.Transaction) {
	a.state.WriteTransient(txn)
}

// WaitCommitted blocks until the given index commits, with a bound.
func (a *Agent) WaitCommitted(index uint64, timeout time.Duration) bool {
	return a.state.WaitFor(index, timeout) == WaitCommitted
}
