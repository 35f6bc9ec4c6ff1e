package agency

import (
	"context"
	"time"
)

// campaign starts a new election: bump the term, vote for self, and
// fan out vote requests to all peers.
func (c *Constituent) campaign() {
	c.mu.Lock()
	c.role = RoleCandidate
	c.term++
	c.votedFor = c.id
	c.leaderID = NoLeaderID
	c.persistHardStateLocked()
	c.resetElectionDeadlineLocked(1)

	term := c.term
	lastLogIndex := c.log.LastIndex()
	lastLogTerm, err := c.log.TermAt(lastLogIndex)
	if err != nil {
		c.mu.Unlock()
		logger.Panicf("constituent %x cannot read own last log term: %v", c.id, err)
	}
	c.mu.Unlock()

	c.state.becomeFollower(term, NoLeaderID)

	peers := c.cfg.PeerEndpoints()
	logger.Infof("constituent %x campaigns at term %d [last log index=%d | last log term=%d]",
		c.id, term, lastLogIndex, lastLogTerm)

	req := VoteRequest{
		Term:         term,
		CandidateID:  c.id,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}

	votec := make(chan VoteResponse, len(peers))
	for id := range peers {
		go func(to uint64) {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.MaxPing)
			defer cancel()
			resp, err := c.transport.RequestVote(ctx, to, req)
			if err != nil {
				logger.Debugf("constituent %x got no vote response from %x: %v", c.id, to, err)
				return
			}
			votec <- resp
		}(id)
	}

	votes := 1 // own vote
	quorum := c.cfg.QuorumSize()
	if votes >= quorum {
		// single-agent cluster
		c.becomeLeader(term)
		return
	}
	timeout := time.After(c.cfg.MaxPing)
	for i := 0; i < len(peers); i++ {
		select {
		case resp := <-votec:
			if resp.Term > term {
				logger.Infof("constituent %x saw higher term %d while campaigning at %d", c.id, resp.Term, term)
				c.stepDown(resp.Term, NoLeaderID)
				return
			}
			if resp.Granted {
				votes++
			}
			if votes >= quorum {
				c.becomeLeader(term)
				return
			}
		case <-timeout:
			logger.Infof("constituent %x election at term %d timed out with %d/%d votes", c.id, term, votes, quorum)
			return
		case <-c.stopc:
			return
		}
	}
	// split vote; the randomized deadline schedules the next campaign
	logger.Infof("constituent %x lost election at term %d with %d/%d votes", c.id, term, votes, quorum)
}

// becomeLeader initializes follower bookkeeping, appends the current
// term's marker entry, rebuilds the spearhead, and replicates.
func (c *Constituent) becomeLeader(term uint64) {
	c.mu.Lock()
	if c.role != RoleCandidate || c.term != term {
		c.mu.Unlock()
		return
	}
	c.role = RoleLeader
	c.leaderID = c.id
	c.followers = make(map[uint64]*FollowerData)
	for id := range c.cfg.PeerEndpoints() {
		c.followers[id] = newFollowerData()
	}
	c.mu.Unlock()

	// An entry of the new term must replicate before anything from a
	// prior term may count toward the commit index.
	c.state.appendMarker(term)
	c.state.leaderID.Store(c.id)
	c.state.becomeLeader(term)

	logger.Infof("constituent %x became leader at term %d", c.id, term)
	c.leaderReplicate()
}

// RequestVote handles a vote request from a candidate.
func (c *Constituent) RequestVote(req VoteRequest) VoteResponse {
	steppedDown := false

	c.mu.Lock()
	if req.Term > c.term {
		c.term = req.Term
		c.votedFor = NoLeaderID
		c.role = RoleFollower
		c.leaderID = NoLeaderID
		c.followers = nil
		c.persistHardStateLocked()
		steppedDown = true
	}

	granted := false
	if req.Term == c.term && (c.votedFor == NoLeaderID || c.votedFor == req.CandidateID) {
		lastLogIndex := c.log.LastIndex()
		lastLogTerm, err := c.log.TermAt(lastLogIndex)
		if err != nil {
			c.mu.Unlock()
			logger.Panicf("constituent %x cannot read own last log term: %v", c.id, err)
		}
		// candidate's log must be at least as up to date, by
		// (lastLogTerm, lastLogIndex) lexicographic comparison
		if req.LastLogTerm > lastLogTerm ||
			(req.LastLogTerm == lastLogTerm && req.LastLogIndex >= lastLogIndex) {
			granted = true
			c.votedFor = req.CandidateID
			c.persistHardStateLocked()
			c.resetElectionDeadlineLocked(req.TimeoutMult)
		}
	}
	termOut := c.term
	c.mu.Unlock()

	if steppedDown {
		c.state.becomeFollower(termOut, NoLeaderID)
	}
	if granted {
		logger.Infof("constituent %x grants vote to %x at term %d", c.id, req.CandidateID, termOut)
	}
	return VoteResponse{Term: termOut, Granted: granted}
}
