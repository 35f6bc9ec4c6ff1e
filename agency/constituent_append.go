package agency

import (
	"context"
	"sort"
	"time"

	"github.com/Rustmilian/arangodb-sub000/raftlog"
)

// maxEntriesPerPackage bounds one append-entries batch.
const maxEntriesPerPackage = 100

// RecvAppendEntries handles an append-entries RPC from a leader. With
// zero entries it is a heartbeat that resets the election timer.
func (c *Constituent) RecvAppendEntries(req AppendRequest) AppendResponse {
	c.mu.Lock()
	if req.Term < c.term {
		resp := AppendResponse{Term: c.term, Success: false, LastLogIndex: c.log.LastIndex()}
		c.mu.Unlock()
		return resp
	}
	if req.Term > c.term {
		c.term = req.Term
		c.votedFor = NoLeaderID
		c.persistHardStateLocked()
	}
	if c.role != RoleFollower {
		logger.Infof("constituent %x yields to leader %x at term %d", c.id, req.LeaderID, req.Term)
	}
	c.role = RoleFollower
	c.leaderID = req.LeaderID
	c.followers = nil
	c.resetElectionDeadlineLocked(1)
	termOut := c.term
	c.mu.Unlock()

	c.state.becomeFollower(termOut, req.LeaderID)

	success, lastIndex := c.state.followerAppend(req)
	return AppendResponse{Term: termOut, Success: success, LastLogIndex: lastIndex}
}

// leaderReplicate sends one append-entries package (or heartbeat) to
// every follower that is due one. Slow followers never block the rest:
// each send runs in its own goroutine with an inflight guard.
func (c *Constituent) leaderReplicate() {
	c.mu.Lock()
	if c.role != RoleLeader {
		c.mu.Unlock()
		return
	}
	term := c.term
	commit := c.state.CommitIndex()
	lastIndex := c.log.LastIndex()
	now := time.Now()

	type sendPlan struct {
		to   uint64
		prev uint64
		ents []raftlog.Entry
	}
	var plans []sendPlan

	for id, f := range c.followers {
		if f.inflight {
			continue
		}

		var ents []raftlog.Entry
		if lastIndex > f.LastAckedIndex && now.After(f.EarliestPackage) {
			hi := minUint64(f.LastAckedIndex+1+maxEntriesPerPackage, lastIndex+1)
			var err error
			ents, err = c.log.Slice(f.LastAckedIndex+1, hi)
			if err != nil {
				logger.Errorf("leader %x cannot read entries for follower %x: %v", c.id, id, err)
				continue
			}
		} else if now.Sub(f.LastEmptyAcked) < c.cfg.MinPing {
			continue // heartbeat not due yet
		}

		f.inflight = true
		prev := f.LastAckedIndex
		if len(ents) > 0 {
			f.LastSent = ents[len(ents)-1].Index
			// throttle: no new non-empty package before the previous
			// one had a fair chance to be processed
			f.EarliestPackage = now.Add(c.cfg.MinPing / 2)
		}
		plans = append(plans, sendPlan{to: id, prev: prev, ents: ents})
	}
	c.mu.Unlock()

	for _, p := range plans {
		prevTerm, err := c.log.TermAt(p.prev)
		if err != nil {
			logger.Errorf("leader %x cannot read term of index %d: %v", c.id, p.prev, err)
			c.reportFailed(p.to)
			continue
		}
		go c.sendAppendEntries(p.to, AppendRequest{
			Term:         term,
			LeaderID:     c.id,
			PrevLogIndex: p.prev,
			PrevLogTerm:  prevTerm,
			LeaderCommit: commit,
			Entries:      p.ents,
		})
	}

	// Local appends count toward the quorum without any round trip.
	c.advanceCommitIndex()
}

func (c *Constituent) sendAppendEntries(to uint64, req AppendRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.MaxPing)
	defer cancel()

	resp, err := c.transport.AppendEntries(ctx, to, req)
	if err != nil {
		logger.Debugf("leader %x append to follower %x failed: %v", c.id, to, err)
		c.reportFailed(to)
		return
	}
	c.reportIn(to, req, resp)
}

// reportIn records a follower's acknowledgment and advances the commit
// index when possible.
func (c *Constituent) reportIn(to uint64, req AppendRequest, resp AppendResponse) {
	if resp.Term > req.Term {
		c.mu.Lock()
		if f := c.followers[to]; f != nil {
			f.inflight = false
		}
		c.mu.Unlock()
		c.stepDown(resp.Term, NoLeaderID)
		return
	}

	c.mu.Lock()
	f := c.followers[to]
	if f == nil || c.role != RoleLeader {
		c.mu.Unlock()
		return
	}
	f.inflight = false
	now := time.Now()

	advanced := false
	if resp.Success {
		f.LastAckedTime = now
		if len(req.Entries) > 0 {
			acked := req.Entries[len(req.Entries)-1].Index
			if acked > f.LastAckedIndex {
				f.LastAckedIndex = acked
				advanced = true
			}
		} else {
			f.LastEmptyAcked = now
		}
	} else {
		// log-matching failed: adopt the follower's hint and retry
		hint := resp.LastLogIndex
		if hint >= f.LastAckedIndex && f.LastAckedIndex > 0 {
			hint = f.LastAckedIndex - 1
		}
		f.LastAckedIndex = hint
		f.EarliestPackage = now
	}
	c.mu.Unlock()

	if advanced {
		c.advanceCommitIndex()
		c.wake()
	}
}

// reportFailed backs off one follower without blocking the others.
func (c *Constituent) reportFailed(to uint64) {
	c.mu.Lock()
	if f := c.followers[to]; f != nil {
		f.inflight = false
		f.EarliestPackage = time.Now().Add(c.cfg.MaxPing)
	}
	c.mu.Unlock()
}

// advanceCommitIndex commits the highest index acknowledged by a strict
// majority (leader included), current term only. Entries from prior
// terms are only committed transitively through a current-term entry.
func (c *Constituent) advanceCommitIndex() {
	c.mu.Lock()
	if c.role != RoleLeader {
		c.mu.Unlock()
		return
	}
	term := c.term
	acked := make([]uint64, 0, len(c.followers)+1)
	acked = append(acked, c.log.LastIndex())
	for _, f := range c.followers {
		acked = append(acked, f.LastAckedIndex)
	}
	c.mu.Unlock()

	sort.Slice(acked, func(i, j int) bool { return acked[i] > acked[j] })
	quorumIndex := acked[c.cfg.QuorumSize()-1]

	if quorumIndex <= c.state.CommitIndex() {
		return
	}
	quorumTerm, err := c.log.TermAt(quorumIndex)
	if err != nil || quorumTerm != term {
		return
	}
	c.state.advanceCommitTo(quorumIndex)
}
