package agency

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// HandleGossip merges the sender's peer view into ours and negotiates
// the protocol version down to the minimum both sides speak.
func (a *Agent) HandleGossip(req GossipRequest) GossipResponse {
	a.peersMu.Lock()
	if req.FromID != 0 && req.Endpoint != "" {
		a.peers[req.FromID] = req.Endpoint
	}
	for id, endpoint := range req.Peers {
		if id == a.cfg.ID {
			continue // nobody overrides our own endpoint
		}
		if endpoint != "" {
			a.peers[id] = endpoint
		}
	}

	out := make(map[uint64]string, len(a.peers)+1)
	for id, endpoint := range a.peers {
		out[id] = endpoint
	}
	out[a.cfg.ID] = a.advertisedEndpoint()
	a.peersMu.Unlock()

	version := ProtocolVersion
	if req.Version < version {
		version = req.Version
	}

	exchangeID := req.ExchangeID
	if exchangeID == "" {
		exchangeID = uuid.New().String()
	}
	return GossipResponse{ExchangeID: exchangeID, Peers: out, Version: version}
}

// HandleNotify records an inactive pool member's endpoint.
func (a *Agent) HandleNotify(req NotifyRequest) {
	if req.ID == 0 || req.ID == a.cfg.ID {
		return
	}
	a.peersMu.Lock()
	a.peers[req.ID] = req.Endpoint
	a.peersMu.Unlock()
	logger.Infof("agent %x noted pool member %x at %s", a.cfg.ID, req.ID, req.Endpoint)
}

// GossipOnce exchanges peer views with one peer.
func (a *Agent) GossipOnce(ctx context.Context, to uint64) error {
	a.peersMu.RLock()
	peers := make(map[uint64]string, len(a.peers))
	for id, endpoint := range a.peers {
		peers[id] = endpoint
	}
	a.peersMu.RUnlock()

	resp, err := a.transport.Gossip(ctx, to, GossipRequest{
		ExchangeID: uuid.New().String(),
		FromID:     a.cfg.ID,
		Endpoint:   a.advertisedEndpoint(),
		Peers:      peers,
		Version:    ProtocolVersion,
	})
	if err != nil {
		return err
	}

	a.peersMu.Lock()
	for id, endpoint := range resp.Peers {
		if id != a.cfg.ID && endpoint != "" {
			a.peers[id] = endpoint
		}
	}
	a.peersMu.Unlock()
	return nil
}

// GossipAll exchanges peer views with every configured peer, used at
// startup to learn endpoints that moved while we were down.
func (a *Agent) GossipAll(timeout time.Duration) {
	for id := range a.cfg.PeerEndpoints() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.GossipOnce(ctx, id); err != nil {
			logger.Debugf("agent %x gossip to %x: %v", a.cfg.ID, id, err)
		}
		cancel()
	}
}

func (a *Agent) advertisedEndpoint() string {
	if a.cfg.AdvertisedEndpoint != "" {
		return a.cfg.AdvertisedEndpoint
	}
	return a.cfg.Endpoint
}
