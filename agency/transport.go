package agency

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Rustmilian/arangodb-sub000/raftlog"
)

// VoteRequest asks a peer for its vote in an election.
type VoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  uint64 `json:"candidateId"`
	LastLogIndex uint64 `json:"lastLogIndex"`
	LastLogTerm  uint64 `json:"lastLogTerm"`

	// TimeoutMult stretches the receiver's next election timeout, used
	// during controlled leadership changes to keep the cluster calm.
	TimeoutMult int `json:"timeoutMult,omitempty"`
}

// VoteResponse carries the receiver's term and its decision.
type VoteResponse struct {
	Term    uint64 `json:"term"`
	Granted bool   `json:"voteGranted"`
}

// AppendRequest replicates log entries, or acts as a heartbeat when
// Entries is empty.
type AppendRequest struct {
	Term         uint64          `json:"term"`
	LeaderID     uint64          `json:"leaderId"`
	PrevLogIndex uint64          `json:"prevLogIndex"`
	PrevLogTerm  uint64          `json:"prevLogTerm"`
	LeaderCommit uint64          `json:"leaderCommit"`
	Entries      []raftlog.Entry `json:"entries,omitempty"`
}

// AppendResponse reports acceptance. LastLogIndex is the receiver's last
// log index, used by the leader as a resend hint after a rejection.
type AppendResponse struct {
	Term         uint64 `json:"term"`
	Success      bool   `json:"success"`
	LastLogIndex uint64 `json:"lastLogIndex"`
}

// GossipRequest exchanges peer endpoints and negotiates the protocol
// version down to the minimum both sides speak.
type GossipRequest struct {
	ExchangeID string            `json:"exchangeId"`
	FromID     uint64            `json:"fromId"`
	Endpoint   string            `json:"endpoint"`
	Peers      map[uint64]string `json:"peers"`
	Version    int               `json:"version"`
}

// GossipResponse returns the receiver's view.
type GossipResponse struct {
	ExchangeID string            `json:"exchangeId"`
	Peers      map[uint64]string `json:"peers"`
	Version    int               `json:"version"`
}

// NotifyRequest announces an inactive pool member.
type NotifyRequest struct {
	ID       uint64 `json:"id"`
	Endpoint string `json:"endpoint"`
}

// Transport sends consensus RPCs to peers. Implementations must be safe
// for concurrent use.
type Transport interface {
	RequestVote(ctx context.Context, to uint64, req VoteRequest) (VoteResponse, error)
	AppendEntries(ctx context.Context, to uint64, req AppendRequest) (AppendResponse, error)
	Gossip(ctx context.Context, to uint64, req GossipRequest) (GossipResponse, error)
	Notify(ctx context.Context, to uint64, req NotifyRequest) error
}

// HTTPTransport is the JSON-over-HTTP Transport used in production.
type HTTPTransport struct {
	endpoints func(id uint64) (string, bool)
	client    *http.Client
}

// NewHTTPTransport returns a transport resolving peer ids through the
// given lookup (usually Agent.PeerEndpoint, so gossip updates take
// effect without restarts).
func NewHTTPTransport(endpoints func(id uint64) (string, bool)) *HTTPTransport {
	return &HTTPTransport{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *HTTPTransport) post(ctx context.Context, to uint64, path string, req, resp interface{}) error {
	endpoint, ok := t.endpoints(to)
	if !ok {
		return fmt.Errorf("agency: no endpoint known for peer %x", to)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("agency: peer %x returned status %d for %s", to, httpResp.StatusCode, path)
	}
	if resp == nil {
		return nil
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}

func (t *HTTPTransport) RequestVote(ctx context.Context, to uint64, req VoteRequest) (VoteResponse, error) {
	var resp VoteResponse
	err := t.post(ctx, to, "/_api/agency-priv/requestVote", req, &resp)
	return resp, err
}

func (t *HTTPTransport) AppendEntries(ctx context.Context, to uint64, req AppendRequest) (AppendResponse, error) {
	var resp AppendResponse
	err := t.post(ctx, to, "/_api/agency-priv/appendEntries", req, &resp)
	return resp, err
}

func (t *HTTPTransport) Gossip(ctx context.Context, to uint64, req GossipRequest) (GossipResponse, error) {
	var resp GossipResponse
	err := t.post(ctx, to, "/_api/agency-priv/gossip", req, &resp)
	return resp, err
}

func (t *HTTPTransport) Notify(ctx context.Context, to uint64, req NotifyRequest) error {
	return t.post(ctx, to, "/_api/agency-priv/notify", req, nil)
}
