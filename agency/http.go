package agency

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Rustmilian/arangodb-sub000/store"
)

// NewHTTPHandler returns the agent's RPC surface: the private
// consensus endpoints plus the client-facing read/write/poll API.
func NewHTTPHandler(a *Agent) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/_api/agency-priv/requestVote", func(w http.ResponseWriter, r *http.Request) {
		var req VoteRequest
		if !decode(w, r, &req) {
			return
		}
		encode(w, a.constituent.RequestVote(req))
	})

	mux.HandleFunc("/_api/agency-priv/appendEntries", func(w http.ResponseWriter, r *http.Request) {
		var req AppendRequest
		if !decode(w, r, &req) {
			return
		}
		encode(w, a.constituent.RecvAppendEntries(req))
	})

	mux.HandleFunc("/_api/agency-priv/gossip", func(w http.ResponseWriter, r *http.Request) {
		var req GossipRequest
		if !decode(w, r, &req) {
			return
		}
		encode(w, a.HandleGossip(req))
	})

	mux.HandleFunc("/_api/agency-priv/notify", func(w http.ResponseWriter, r *http.Request) {
		var req NotifyRequest
		if !decode(w, r, &req) {
			return
		}
		a.HandleNotify(req)
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/_api/agency/read", func(w http.ResponseWriter, r *http.Request) {
		var queries [][]string
		if !decode(w, r, &queries) {
			return
		}
		encode(w, a.Read(queries))
	})

	mux.HandleFunc("/_api/agency/write", func(w http.ResponseWriter, r *http.Request) {
		var txn store.Transaction
		if !decode(w, r, &txn) {
			return
		}
		res := a.Write(txn, WriteModeNormal)
		encode(w, writeReply{
			Accepted: res.Accepted,
			Indices:  res.Indices,
			LeaderID: a.LeaderID(),
		})
	})

	mux.HandleFunc("/_api/agency/transact", func(w http.ResponseWriter, r *http.Request) {
		var txn store.Transaction
		if !decode(w, r, &txn) {
			return
		}
		res := a.Transact(txn)
		encode(w, writeReply{
			Accepted: res.Accepted,
			Indices:  res.Indices,
			LeaderID: a.LeaderID(),
		})
	})

	mux.HandleFunc("/_api/agency/inquire", func(w http.ResponseWriter, r *http.Request) {
		var queries [][]string
		if !decode(w, r, &queries) {
			return
		}
		encode(w, a.Inquire(queries))
	})

	mux.HandleFunc("/_api/agency/poll", func(w http.ResponseWriter, r *http.Request) {
		var req pollRequest
		if !decode(w, r, &req) {
			return
		}
		timeout := time.Duration(req.TimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ch, leading, leaderID := a.Poll(req.Index, timeout)
		if !leading {
			encode(w, pollReply{Leading: false, LeaderID: leaderID})
			return
		}
		res := <-ch
		encode(w, pollReply{
			Leading:   true,
			LeaderID:  leaderID,
			Committed: res.Committed,
			Index:     res.Index,
		})
	})

	return mux
}

type writeReply struct {
	Accepted bool     `json:"accepted"`
	Indices  []uint64 `json:"indices,omitempty"`
	LeaderID uint64   `json:"leaderId,omitempty"`
}

type pollRequest struct {
	Index     uint64 `json:"index"`
	TimeoutMS int64  `json:"timeoutMs"`
}

type pollReply struct {
	Leading   bool   `json:"leading"`
	LeaderID  uint64 `json:"leaderId,omitempty"`
	Committed bool   `json:"committed"`
	Index     uint64 `json:"index,omitempty"`
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func encode(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
