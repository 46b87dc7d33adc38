package node

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// DirectProtocol carries room payloads addressed to a single peer.
const DirectProtocol protocol.ID = "/swapd/room/direct/1.0.0"

const (
	maxMessageSize = 1024 * 1024 // 1MB max message size
	streamTimeout  = 30 * time.Second
)

// SendTo implements room.Transport by opening a stream to the peer and
// writing one framed payload.
func (n *Node) SendTo(ctx context.Context, peerID string, payload []byte) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("invalid peer id %q: %w", peerID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, streamTimeout)
	defer cancel()

	s, err := n.host.NewStream(ctx, pid, DirectProtocol)
	if err != nil {
		return fmt.Errorf("failed to open stream to %s: %w", shortID(pid), err)
	}
	defer s.Close()

	if deadline, ok := ctx.Deadline(); ok {
		s.SetWriteDeadline(deadline)
	}
	if err := writeLengthPrefixed(s, payload); err != nil {
		s.Reset()
		return err
	}
	return nil
}

// handleStream reads one framed payload and passes it to the room.
func (n *Node) handleStream(s network.Stream) {
	defer s.Close()

	remote := s.Conn().RemotePeer()
	s.SetReadDeadline(time.Now().Add(streamTimeout))

	payload, err := readLengthPrefixed(bufio.NewReader(s))
	if err != nil {
		n.log.Warn("Failed to read direct message", "peer", shortID(remote), "error", err)
		s.Reset()
		return
	}

	if h := n.currentHandler(); h != nil {
		h.HandleMessage(remote.String(), payload)
	}
}

// readLengthPrefixed reads a length-prefixed message from the reader.
func readLengthPrefixed(r io.Reader) ([]byte, error) {
	// 4-byte big endian length
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read length: %w", err)
	}

	if length > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", length, maxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return data, nil
}

// writeLengthPrefixed writes a length-prefixed message to the writer.
func writeLengthPrefixed(w io.Writer, data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), maxMessageSize)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
