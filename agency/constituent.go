// Package agency implements the cluster consensus and configuration
// core: a single-leader replicated log maintaining a versioned key/value
// configuration store, with long-poll and blocking waits on the commit
// index.
package agency

import (
	"math/rand"
	"sync"
	"time"

	"github.com/Rustmilian/arangodb-sub000/pkg/xlog"
	"github.com/Rustmilian/arangodb-sub000/raftlog"
)

var logger = xlog.NewLogger("agency", xlog.INFO)

// Role is the consensus role of this agent.
type Role int32

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// NoLeaderID is the placeholder used while no leader is known.
const NoLeaderID uint64 = 0

// Constituent runs leader election and log replication for one agent.
// All timeout and freshness computations use this server's local
// monotonic clock; remote timestamps are never trusted for liveness.
type Constituent struct {
	cfg       *Config
	id        uint64
	state     *State
	log       raftlog.Log
	transport Transport

	mu               sync.Mutex
	role             Role
	term             uint64
	votedFor         uint64
	leaderID         uint64
	electionDeadline time.Time
	followers        map[uint64]*FollowerData

	rand *rand.Rand

	stopc chan struct{}
	donec chan struct{}

	// workc wakes the replication loop after local log appends.
	workc chan struct{}
}

// NewConstituent restores term and vote from the log's hard state and
// starts out as follower.
func NewConstituent(cfg *Config, state *State, log raftlog.Log, transport Transport) (*Constituent, error) {
	hard, err := log.HardState()
	if err != nil {
		return nil, err
	}

	c := &Constituent{
		cfg:       cfg,
		id:        cfg.ID,
		state:     state,
		log:       log,
		transport: transport,

		role:     RoleFollower,
		term:     hard.Term,
		votedFor: hard.VotedFor,

		rand: rand.New(rand.NewSource(int64(cfg.ID) ^ time.Now().UnixNano())),

		stopc: make(chan struct{}),
		donec: make(chan struct{}),
		workc: make(chan struct{}, 1),
	}
	c.resetElectionDeadlineLocked(1)
	state.term.Store(c.term)
	state.onAppend = c.wake

	logger.Infof("constituent %x starting as %s at term %d", c.id, c.role, c.term)
	return c, nil
}

func (c *Constituent) wake() {
	select {
	case c.workc <- struct{}{}:
	default:
	}
}

// Run starts the replication/heartbeat thread. It returns when Stop is
// called.
func (c *Constituent) Run() {
	interval := c.cfg.MinPing / 10
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopc:
			close(c.donec)
			return
		case <-c.workc:
			c.leaderReplicate()
		case <-ticker.C:
			c.tick()
		}
	}
}

// Stop terminates the loop and fails all outstanding waiters.
func (c *Constituent) Stop() {
	close(c.stopc)
	<-c.donec
	c.state.becomeFollower(c.CurrentTerm(), NoLeaderID)
}

// CurrentTerm returns the current election term.
func (c *Constituent) CurrentTerm() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.term
}

// CurrentRole returns the current consensus role.
func (c *Constituent) CurrentRole() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Constituent) tick() {
	c.mu.Lock()
	role := c.role
	deadline := c.electionDeadline
	c.mu.Unlock()

	switch role {
	case RoleFollower, RoleCandidate:
		if time.Now().After(deadline) {
			c.campaign()
		}
	case RoleLeader:
		c.leaderReplicate()
	}
}

// resetElectionDeadlineLocked randomizes the next election timeout in
// [MaxPing, 2*MaxPing), stretched by mult. Randomized jitter is what
// resolves split votes.
func (c *Constituent) resetElectionDeadlineLocked(mult int) {
	if mult < 1 {
		mult = 1
	}
	d := c.cfg.MaxPing + time.Duration(c.rand.Int63n(int64(c.cfg.MaxPing)))
	c.electionDeadline = time.Now().Add(d * time.Duration(mult))
}

func (c *Constituent) persistHardStateLocked() {
	if err := c.log.SaveHardState(raftlog.HardState{Term: c.term, VotedFor: c.votedFor}); err != nil {
		logger.Panicf("constituent %x cannot persist hard state: %v", c.id, err)
	}
}

// stepDown moves to follower for the given term, abandoning any
// leadership or candidacy.
func (c *Constituent) stepDown(term, leaderID uint64) {
	c.mu.Lock()
	if term > c.term {
		c.term = term
		c.votedFor = NoLeaderID
		c.persistHardStateLocked()
	}
	if c.role != RoleFollower {
		logger.Infof("constituent %x steps down from %s at term %d", c.id, c.role, c.term)
	}
	c.role = RoleFollower
	c.leaderID = leaderID
	c.followers = nil
	c.resetElectionDeadlineLocked(1)
	termOut := c.term
	c.mu.Unlock()

	c.state.becomeFollower(termOut, leaderID)
}
