package storage

import (
	"database/sql"
	"time"
)

// PeerRecord is a room peer seen through presence events.
type PeerRecord struct {
	PeerID    string    `json:"peer_id"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	LastLeft  time.Time `json:"last_left,omitempty"`
	SeenCount int       `json:"seen_count"`
}

// RecordPeerJoined upserts a peer and bumps its join count.
func (s *Storage) RecordPeerJoined(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO peers (peer_id, first_seen, last_seen, seen_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(peer_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			seen_count = peers.seen_count + 1
	`, peerID, now, now)
	return err
}

// RecordPeerLeft stamps the time a peer left the room.
func (s *Storage) RecordPeerLeft(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE peers SET last_left = ? WHERE peer_id = ?", time.Now().Unix(), peerID)
	return err
}

// GetPeer retrieves a peer record by ID. It returns nil when unknown.
func (s *Storage) GetPeer(peerID string) (*PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT peer_id, first_seen, last_seen, last_left, seen_count
		FROM peers WHERE peer_id = ?
	`, peerID)

	peer, err := scanPeer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return peer, err
}

// ListPeers returns peers ordered by last seen (most recent first).
func (s *Storage) ListPeers(limit int) ([]*PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT peer_id, first_seen, last_seen, last_left, seen_count
		FROM peers
		ORDER BY last_seen DESC, peer_id
	`

	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(query+" LIMIT ?", limit)
	} else {
		rows, err = s.db.Query(query)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []*PeerRecord
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}
	return peers, rows.Err()
}

// DeletePeer removes a peer from the database.
func (s *Storage) DeletePeer(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM peers WHERE peer_id = ?", peerID)
	return err
}

func scanPeer(row scanner) (*PeerRecord, error) {
	var peer PeerRecord
	var firstSeen, lastSeen, lastLeft int64

	if err := row.Scan(&peer.PeerID, &firstSeen, &lastSeen, &lastLeft, &peer.SeenCount); err != nil {
		return nil, err
	}

	peer.FirstSeen = time.Unix(firstSeen, 0)
	peer.LastSeen = time.Unix(lastSeen, 0)
	peer.LastLeft = unixOrZero(lastLeft)
	return &peer, nil
}
