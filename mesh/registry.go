package mesh

import (
	"iter"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// PeerRegistry is the in-memory table of known endpoints.
//
// It is not safe for concurrent use; the Controller owns it and serializes access.
type PeerRegistry struct {
	peers map[string]*Peer
	log   logrus.FieldLogger
	now   func() time.Time
}

// NewPeerRegistry creates an empty registry.
func NewPeerRegistry(log logrus.FieldLogger) *PeerRegistry {
	if log == nil {
		log = discardLogger()
	}
	return &PeerRegistry{
		peers: make(map[string]*Peer),
		log:   log,
		now:   time.Now,
	}
}

// UpsertDiscovered inserts a Discovered entry and reports whether one was created.
//
// A live entry is left untouched. A Disconnected entry is replaced by a fresh one.
func (r *PeerRegistry) UpsertDiscovered(endpointID, displayName string) bool {
	if endpointID == "" {
		return false
	}
	if existing, ok := r.peers[endpointID]; ok && existing.State != StateDisconnected {
		return false
	}
	if displayName == "" {
		displayName = endpointID
	}
	r.peers[endpointID] = &Peer{
		EndpointID:   endpointID,
		DisplayName:  displayName,
		State:        StateDiscovered,
		DiscoveredAt: r.now(),
	}
	return true
}

// MarkPending moves a Discovered peer to ConnectionPending.
func (r *PeerRegistry) MarkPending(endpointID string) bool {
	peer := r.lookup(endpointID, "mark pending")
	if peer == nil {
		return false
	}
	switch peer.State {
	case StateConnectionPending:
		return true
	case StateDiscovered:
		peer.State = StateConnectionPending
		return true
	default:
		r.log.WithFields(logrus.Fields{"endpoint_id": endpointID, "state": peer.State}).
			Debug("registry: ignoring mark pending")
		return false
	}
}

// MarkConnected resolves a pending connection as successful.
func (r *PeerRegistry) MarkConnected(endpointID string) bool {
	peer := r.lookup(endpointID, "mark connected")
	if peer == nil {
		return false
	}
	switch peer.State {
	case StateConnected:
		return true
	case StateConnectionPending:
		peer.State = StateConnected
		peer.ConnectedAt = r.now()
		return true
	default:
		r.log.WithFields(logrus.Fields{"endpoint_id": endpointID, "state": peer.State}).
			Warn("registry: connection result without pending request")
		return false
	}
}

// MarkDisconnected moves a peer to the terminal Disconnected state.
func (r *PeerRegistry) MarkDisconnected(endpointID string) bool {
	peer := r.lookup(endpointID, "mark disconnected")
	if peer == nil {
		return false
	}
	peer.State = StateDisconnected
	peer.ConnectedAt = time.Time{}
	return true
}

// RevertToDiscovered undoes a failed or rejected connection attempt.
func (r *PeerRegistry) RevertToDiscovered(endpointID string) bool {
	peer := r.lookup(endpointID, "revert to discovered")
	if peer == nil {
		return false
	}
	if peer.State != StateConnectionPending {
		return false
	}
	peer.State = StateDiscovered
	return true
}

// Remove drops an endpoint entirely.
func (r *PeerRegistry) Remove(endpointID string) bool {
	if _, ok := r.peers[endpointID]; !ok {
		return false
	}
	delete(r.peers, endpointID)
	return true
}

// Get returns a copy of one entry.
func (r *PeerRegistry) Get(endpointID string) (Peer, bool) {
	peer, ok := r.peers[endpointID]
	if !ok {
		return Peer{}, false
	}
	return *peer, true
}

// Len returns the number of entries, including disconnected ones.
func (r *PeerRegistry) Len() int {
	return len(r.peers)
}

// ListConnected yields connected peers. Each range re-reads the table.
func (r *PeerRegistry) ListConnected() iter.Seq[Peer] {
	return r.listState(StateConnected)
}

// ListDiscovered yields peers that are discovered but not connecting.
func (r *PeerRegistry) ListDiscovered() iter.Seq[Peer] {
	return r.listState(StateDiscovered)
}

// Snapshot returns all entries ordered by name then endpoint id.
func (r *PeerRegistry) Snapshot() []Peer {
	out := make([]Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		out = append(out, *peer)
	}
	sortPeers(out)
	return out
}

func (r *PeerRegistry) listState(state PeerState) iter.Seq[Peer] {
	return func(yield func(Peer) bool) {
		ids := make([]string, 0, len(r.peers))
		for id, peer := range r.peers {
			if peer.State == state {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		for _, id := range ids {
			peer, ok := r.peers[id]
			if !ok || peer.State != state {
				continue
			}
			if !yield(*peer) {
				return
			}
		}
	}
}

func (r *PeerRegistry) lookup(endpointID, op string) *Peer {
	peer, ok := r.peers[endpointID]
	if !ok {
		r.log.WithField("endpoint_id", endpointID).Debugf("registry: %s for unknown endpoint", op)
		return nil
	}
	return peer
}

func sortPeers(peers []Peer) {
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].DisplayName == peers[j].DisplayName {
			return peers[i].EndpointID < peers[j].EndpointID
		}
		return peers[i].DisplayName < peers[j].DisplayName
	})
}
