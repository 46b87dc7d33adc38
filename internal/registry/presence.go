package registry

import (
	"github.com/klingon-exchange/swapd/internal/room"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// PeerStore records room presence.
type PeerStore interface {
	RecordPeerJoined(peerID string) error
	RecordPeerLeft(peerID string) error
}

// Presence is the part of the room that reports peers coming and going.
type Presence interface {
	Subscribe(event string, fn func(room.Message)) (unsubscribe func())
}

// TrackPresence persists room peer joins and departures to store.
func TrackPresence(p Presence, store PeerStore) (unsubscribe func()) {
	log := logging.GetDefault().Component("presence")

	offJoin := p.Subscribe(room.EventPeerJoined, func(m room.Message) {
		if err := store.RecordPeerJoined(m.FromPeer); err != nil {
			log.Warn("Failed to record peer", "peer", m.FromPeer, "error", err)
		}
	})
	offLeave := p.Subscribe(room.EventPeerLeft, func(m room.Message) {
		if err := store.RecordPeerLeft(m.FromPeer); err != nil {
			log.Warn("Failed to record peer", "peer", m.FromPeer, "error", err)
		}
	})

	return func() {
		offJoin()
		offLeave()
	}
}
