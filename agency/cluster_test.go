package agency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Rustmilian/arangodb-sub000/raftlog"
	"github.com/Rustmilian/arangodb-sub000/store"
)

// memNetwork delivers consensus RPCs between in-process constituents,
// with per-agent isolation to simulate partitions.
type memNetwork struct {
	mu       sync.Mutex
	nodes    map[uint64]*Constituent
	isolated map[uint64]bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		nodes:    make(map[uint64]*Constituent),
		isolated: make(map[uint64]bool),
	}
}

func (n *memNetwork) register(id uint64, c *Constituent) {
	n.mu.Lock()
	n.nodes[id] = c
	n.mu.Unlock()
}

func (n *memNetwork) isolate(id uint64, broken bool) {
	n.mu.Lock()
	n.isolated[id] = broken
	n.mu.Unlock()
}

func (n *memNetwork) peer(from, to uint64) (*Constituent, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.isolated[from] || n.isolated[to] {
		return nil, fmt.Errorf("link %x -> %x is down", from, to)
	}
	c, ok := n.nodes[to]
	if !ok {
		return nil, fmt.Errorf("no such agent %x", to)
	}
	return c, nil
}

// memTransport is one agent's Transport view onto a memNetwork.
type memTransport struct {
	net  *memNetwork
	from uint64
}

func (t *memTransport) RequestVote(ctx context.Context, to uint64, req VoteRequest) (VoteResponse, error) {
	c, err := t.net.peer(t.from, to)
	if err != nil {
		return VoteResponse{}, err
	}
	return c.RequestVote(req), nil
}

func (t *memTransport) AppendEntries(ctx context.Context, to uint64, req AppendRequest) (AppendResponse, error) {
	c, err := t.net.peer(t.from, to)
	if err != nil {
		return AppendResponse{}, err
	}
	return c.RecvAppendEntries(req), nil
}

func (t *memTransport) Gossip(ctx context.Context, to uint64, req GossipRequest) (GossipResponse, error) {
	return GossipResponse{}, fmt.Errorf("gossip not wired in memory transport")
}

func (t *memTransport) Notify(ctx context.Context, to uint64, req NotifyRequest) error {
	return nil
}

type clusterNode struct {
	cfg         *Config
	log         *raftlog.MemoryStore
	state       *State
	constituent *Constituent
}

type cluster struct {
	net   *memNetwork
	nodes map[uint64]*clusterNode
}

func newCluster(t *testing.T, size int) *cluster {
	t.Helper()

	var peers []PeerConfig
	for id := 1; id <= size; id++ {
		peers = append(peers, PeerConfig{ID: uint64(id), Endpoint: fmt.Sprintf("mem://%d", id)})
	}

	cl := &cluster{net: newMemNetwork(), nodes: make(map[uint64]*clusterNode)}
	for id := 1; id <= size; id++ {
		cfg := &Config{
			ID:       uint64(id),
			Endpoint: fmt.Sprintf("mem://%d", id),
			Peers:    peers,
			MinPing:  10 * time.Millisecond,
			MaxPing:  60 * time.Millisecond,
		}
		cfg.SetDefaults()
		require.NoError(t, cfg.Validate())

		log := raftlog.NewMemoryStore()
		state := NewState(log)
		constituent, err := NewConstituent(cfg, state, log, &memTransport{net: cl.net, from: cfg.ID})
		require.NoError(t, err)

		cl.net.register(cfg.ID, constituent)
		cl.nodes[cfg.ID] = &clusterNode{cfg: cfg, log: log, state: state, constituent: constituent}
	}
	return cl
}

func (cl *cluster) start() {
	for _, n := range cl.nodes {
		go n.constituent.Run()
	}
}

func (cl *cluster) stop() {
	for _, n := range cl.nodes {
		n.constituent.Stop()
	}
}

func (cl *cluster) leader() *clusterNode {
	for _, n := range cl.nodes {
		if n.constituent.CurrentRole() == RoleLeader && n.state.Leading() {
			return n
		}
	}
	return nil
}

func waitForLeader(t *testing.T, cl *cluster) *clusterNode {
	t.Helper()
	var leader *clusterNode
	require.Eventually(t, func() bool {
		leader = cl.leader()
		return leader != nil
	}, 5*time.Second, 10*time.Millisecond, "no leader elected")
	return leader
}

func setTxn(path string, v store.Value) store.Transaction {
	return store.Transaction{{
		Operations: map[string]store.Operation{
			path: {Op: store.OpSet, New: v},
		},
	}}
}

func TestClusterElectsExactlyOneLeader(t *testing.T) {
	cl := newCluster(t, 3)
	cl.start()
	defer cl.stop()

	leader := waitForLeader(t, cl)

	require.Eventually(t, func() bool {
		leaders := 0
		for _, n := range cl.nodes {
			if n.constituent.CurrentRole() == RoleLeader {
				leaders++
			}
			if n.state.LeaderID() != leader.cfg.ID {
				return false
			}
		}
		return leaders == 1
	}, 5*time.Second, 10*time.Millisecond, "cluster did not agree on one leader")
}

func TestClusterReplicatesAndCommits(t *testing.T) {
	cl := newCluster(t, 3)
	cl.start()
	defer cl.stop()
	leader := waitForLeader(t, cl)

	res := leader.state.Write(setTxn("arango/Plan/Version", 1.0), WriteModeNormal)
	require.True(t, res.Accepted)
	require.Len(t, res.Indices, 1)
	require.NotZero(t, res.Indices[0])

	require.Equal(t, WaitCommitted, leader.state.WaitFor(res.Indices[0], 2*time.Second))

	// Every agent converges on the committed value.
	require.Eventually(t, func() bool {
		for _, n := range cl.nodes {
			vals := n.state.Read([][]string{{"arango", "Plan", "Version"}})
			if len(vals) != 1 || vals[0] == nil {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "followers did not apply the committed write")
}

func TestCommitIndexIsMonotonic(t *testing.T) {
	cl := newCluster(t, 3)
	cl.start()
	defer cl.stop()
	leader := waitForLeader(t, cl)

	var last uint64
	for i := 0; i < 10; i++ {
		res := leader.state.Write(setTxn("counter", float64(i)), WriteModeNormal)
		require.True(t, res.Accepted)
		require.Equal(t, WaitCommitted, leader.state.WaitFor(res.Indices[0], 2*time.Second))
		commit := leader.state.CommitIndex()
		require.GreaterOrEqual(t, commit, last)
		require.GreaterOrEqual(t, commit, res.Indices[0])
		last = commit
	}
}

func TestWriteRejectedOnFollower(t *testing.T) {
	cl := newCluster(t, 3)
	cl.start()
	defer cl.stop()
	leader := waitForLeader(t, cl)

	for id, n := range cl.nodes {
		if id == leader.cfg.ID {
			continue
		}
		res := n.state.Write(setTxn("x", 1.0), WriteModeNormal)
		require.False(t, res.Accepted)
		require.Empty(t, res.Indices)
	}
}

func TestPreconditionFailureYieldsZeroIndex(t *testing.T) {
	cl := newCluster(t, 3)
	cl.start()
	defer cl.stop()
	leader := waitForLeader(t, cl)

	res := leader.state.Write(setTxn("x", 1.0), WriteModeNormal)
	require.True(t, res.Accepted)

	res = leader.state.Write(store.Transaction{{
		Operations:    map[string]store.Operation{"x": {Op: store.OpSet, New: 2.0}},
		Preconditions: map[string]store.Precondition{"x": store.NewPrecondEmpty(true)},
	}, {
		Operations: map[string]store.Operation{"y": {Op: store.OpSet, New: 3.0}},
	}}, WriteModeNormal)
	require.True(t, res.Accepted)
	require.Len(t, res.Indices, 2)
	require.Zero(t, res.Indices[0])
	require.NotZero(t, res.Indices[1])
}

func TestPollFailsAllOnLeadershipLoss(t *testing.T) {
	cl := newCluster(t, 3)
	cl.start()
	defer cl.stop()
	leader := waitForLeader(t, cl)

	base := leader.state.CommitIndex()
	var chans []<-chan PollResult
	for i := uint64(1); i <= 3; i++ {
		ch, leading, _ := leader.state.Poll(base+100*i, time.Minute)
		require.True(t, leading)
		chans = append(chans, ch)
	}

	// A heartbeat from a higher term dethrones the leader; every
	// outstanding promise must resolve, not hang.
	leader.constituent.RecvAppendEntries(AppendRequest{
		Term:     leader.constituent.CurrentTerm() + 10,
		LeaderID: 99,
	})

	for i, ch := range chans {
		select {
		case res := <-ch:
			require.False(t, res.Committed)
		case <-time.After(2 * time.Second):
			t.Fatalf("poll %d left hanging after leadership loss", i)
		}
	}
}

func TestWaitForReportsLeadershipLoss(t *testing.T) {
	cl := newCluster(t, 3)
	cl.start()
	defer cl.stop()
	leader := waitForLeader(t, cl)

	done := make(chan WaitResult, 1)
	go func() { done <- leader.state.WaitFor(leader.state.CommitIndex()+100, time.Minute) }()
	time.Sleep(20 * time.Millisecond)

	leader.constituent.RecvAppendEntries(AppendRequest{
		Term:     leader.constituent.CurrentTerm() + 10,
		LeaderID: 99,
	})

	select {
	case res := <-done:
		require.Equal(t, WaitUnknown, res)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFor did not observe leadership loss")
	}
}

func TestPollRedirectsOnFollower(t *testing.T) {
	cl := newCluster(t, 3)
	cl.start()
	defer cl.stop()
	leader := waitForLeader(t, cl)

	for id, n := range cl.nodes {
		if id == leader.cfg.ID {
			continue
		}
		ch, leading, hint := n.state.Poll(1, time.Second)
		require.Nil(t, ch)
		require.False(t, leading)
		require.Equal(t, leader.cfg.ID, hint)
	}
}

func TestLeaderReelectionAfterPartition(t *testing.T) {
	cl := newCluster(t, 3)
	cl.start()
	defer cl.stop()
	leader := waitForLeader(t, cl)
	oldID := leader.cfg.ID

	cl.net.isolate(oldID, true)

	var newLeader *clusterNode
	require.Eventually(t, func() bool {
		for id, n := range cl.nodes {
			if id != oldID && n.constituent.CurrentRole() == RoleLeader {
				newLeader = n
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "majority did not elect a new leader")

	// The new leader accepts writes.
	res := newLeader.state.Write(setTxn("after-partition", true), WriteModeNormal)
	require.True(t, res.Accepted)
	require.Equal(t, WaitCommitted, newLeader.state.WaitFor(res.Indices[0], 2*time.Second))

	// The old leader rejoins and yields.
	cl.net.isolate(oldID, false)
	require.Eventually(t, func() bool {
		return leader.constituent.CurrentRole() == RoleFollower && !leader.state.Leading()
	}, 5*time.Second, 10*time.Millisecond, "deposed leader did not step down")
}

func TestSingleAgentClusterElectsItself(t *testing.T) {
	cl := newCluster(t, 1)
	cl.start()
	defer cl.stop()
	leader := waitForLeader(t, cl)

	res := leader.state.Write(setTxn("solo", true), WriteModeNormal)
	require.True(t, res.Accepted)
	require.Equal(t, WaitCommitted, leader.state.WaitFor(res.Indices[0], 2*time.Second))
}

func TestBootstrapWriteBeforeLeadership(t *testing.T) {
	cl := newCluster(t, 1)
	node := cl.nodes[1]

	// Seeding happens before the constituent runs.
	res := node.state.Write(setTxn("arango/InitDone", true), WriteModeBootstrap)
	require.True(t, res.Accepted)
	require.NotZero(t, res.Indices[0])

	cl.start()
	defer cl.stop()
	waitForLeader(t, cl)

	require.Equal(t, WaitCommitted, node.state.WaitFor(res.Indices[0], 2*time.Second))
	vals := node.state.Read([][]string{{"arango", "InitDone"}})
	require.Equal(t, true, vals[0])
}

// appendAt builds a replicated entry carrying one set operation.
func appendAt(t *testing.T, index, term uint64, path string, v store.Value) raftlog.Entry {
	t.Helper()
	data, err := json.Marshal(setTxn(path, v))
	require.NoError(t, err)
	return raftlog.Entry{Index: index, Term: term, Data: data}
}

func TestFollowerAppendLogMatching(t *testing.T) {
	cl := newCluster(t, 3)
	node := cl.nodes[1] // never started; driven by hand

	// A leader at term 1 replicates two entries.
	resp := node.constituent.RecvAppendEntries(AppendRequest{
		Term: 1, LeaderID: 2,
		PrevLogIndex: 0, PrevLogTerm: 0,
		Entries: []raftlog.Entry{
			appendAt(t, 1, 1, "a", 1.0),
			appendAt(t, 2, 1, "b", 2.0),
		},
	})
	require.True(t, resp.Success)
	require.Equal(t, uint64(2), resp.LastLogIndex)

	// A gap is rejected with the last index as resend hint.
	resp = node.constituent.RecvAppendEntries(AppendRequest{
		Term: 1, LeaderID: 2,
		PrevLogIndex: 5, PrevLogTerm: 1,
		Entries:      []raftlog.Entry{appendAt(t, 6, 1, "f", 6.0)},
	})
	require.False(t, resp.Success)
	require.Equal(t, uint64(2), resp.LastLogIndex)

	// A new leader at term 2 overwrites the uncommitted entry 2.
	resp = node.constituent.RecvAppendEntries(AppendRequest{
		Term: 2, LeaderID: 3,
		PrevLogIndex: 1, PrevLogTerm: 1,
		Entries:      []raftlog.Entry{appendAt(t, 2, 2, "b", 99.0)},
	})
	require.True(t, resp.Success)

	term, err := node.log.TermAt(2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), term)

	// Committing applies the surviving entries, not the overwritten one.
	resp = node.constituent.RecvAppendEntries(AppendRequest{
		Term: 2, LeaderID: 3,
		PrevLogIndex: 2, PrevLogTerm: 2,
		LeaderCommit: 2,
	})
	require.True(t, resp.Success)
	vals := node.state.Read([][]string{{"b"}})
	require.Equal(t, 99.0, vals[0])
}

func TestStaleTermAppendRejected(t *testing.T) {
	cl := newCluster(t, 3)
	node := cl.nodes[1]

	node.constituent.RecvAppendEntries(AppendRequest{Term: 5, LeaderID: 2})
	resp := node.constituent.RecvAppendEntries(AppendRequest{Term: 3, LeaderID: 3})
	require.False(t, resp.Success)
	require.Equal(t, uint64(5), resp.Term)
}

func TestVoteRequiresUpToDateLog(t *testing.T) {
	cl := newCluster(t, 3)
	node := cl.nodes[1]

	// Give the voter two entries at term 1.
	node.constituent.RecvAppendEntries(AppendRequest{
		Term: 1, LeaderID: 2,
		Entries: []raftlog.Entry{
			appendAt(t, 1, 1, "a", 1.0),
			appendAt(t, 2, 1, "b", 2.0),
		},
	})

	// A candidate with a shorter log is refused.
	resp := node.constituent.RequestVote(VoteRequest{
		Term: 2, CandidateID: 3, LastLogIndex: 1, LastLogTerm: 1,
	})
	require.False(t, resp.Granted)

	// An equally long log wins the vote at the next term.
	resp = node.constituent.RequestVote(VoteRequest{
		Term: 3, CandidateID: 3, LastLogIndex: 2, LastLogTerm: 1,
	})
	require.True(t, resp.Granted)

	// Having voted, the same term yields no second vote for another.
	resp = node.constituent.RequestVote(VoteRequest{
		Term: 3, CandidateID: 2, LastLogIndex: 9, LastLogTerm: 2,
	})
	require.False(t, resp.Granted)
}

func TestTransactReadsOwnWrites(t *testing.T) {
	cl := newCluster(t, 1)
	cl.start()
	defer cl.stop()
	leader := waitForLeader(t, cl)

	res := leader.state.Transact(store.Transaction{{
		Operations: map[string]store.Operation{"seq": {Op: store.OpIncrement}},
	}, {
		// The second step sees the first step's effect in the spearhead.
		Operations:    map[string]store.Operation{"seen": {Op: store.OpSet, New: true}},
		Preconditions: map[string]store.Precondition{"seq": store.NewPrecondOld(1.0)},
	}})
	require.True(t, res.Accepted)
	require.NotZero(t, res.Indices[0])
	require.NotZero(t, res.Indices[1])

	// Before commit, Inquire observes the write and Read does not
	// necessarily; after commit both do.
	require.Equal(t, WaitCommitted, leader.state.WaitFor(res.Indices[1], 2*time.Second))
	require.Equal(t, 1.0, leader.state.Read([][]string{{"seq"}})[0])
	require.Equal(t, 1.0, leader.state.Inquire([][]string{{"seq"}})[0])
}
