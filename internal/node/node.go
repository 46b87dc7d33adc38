package node

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/klingon-exchange/swapd/internal/room"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// ErrNotStarted is returned when sending before Start has joined the room.
var ErrNotStarted = errors.New("node not started")

// Node is a libp2p host that carries the swap room: a gossipsub topic for
// broadcasts and presence, plus a direct stream protocol for addressed sends.
type Node struct {
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub
	config *Config
	log    *logging.Logger

	// Discovery
	mdnsService mdns.Service
	routingDisc *drouting.RoutingDiscovery

	// Room
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	events  *pubsub.TopicEventHandler
	handler room.Handler

	// State
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	mu sync.RWMutex
}

var _ room.Transport = (*Node)(nil)

// New creates a node. Start must be called before the room is usable.
func New(ctx context.Context, cfg *Config) (*Node, error) {
	ctx, cancel := context.WithCancel(ctx)

	node := &Node{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		log:    logging.GetDefault().Component("node"),
	}

	// Load or generate identity key
	privKey, err := loadOrCreateKey(cfg.KeyPath())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load/create key: %w", err)
	}

	// Parse listen addresses
	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.Network.ListenAddrs))
	for _, addr := range cfg.Network.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	cm, err := connmgr.NewConnManager(
		cfg.Network.ConnMgr.LowWater,
		cfg.Network.ConnMgr.HighWater,
		connmgr.WithGracePeriod(cfg.Network.ConnMgr.GracePeriod),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	}
	if cfg.Network.EnableNAT {
		opts = append(opts, libp2p.NATPortMap())
	}
	if cfg.Network.EnableRelay {
		opts = append(opts, libp2p.EnableRelay())
	}
	if cfg.Network.EnableHolePunching {
		opts = append(opts, libp2p.EnableHolePunching())
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	node.host = h

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			node.log.Debug("Peer connected", "peer", shortID(conn.RemotePeer()))
		},
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			node.log.Debug("Peer disconnected", "peer", shortID(conn.RemotePeer()))
		},
	})

	if cfg.Network.EnableDHT {
		if err := node.initDHT(ctx); err != nil {
			h.Close()
			cancel()
			return nil, fmt.Errorf("failed to initialize DHT: %w", err)
		}
	}

	node.pubsub, err = pubsub.NewGossipSub(ctx, h,
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true),
	)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to initialize pubsub: %w", err)
	}

	if cfg.Network.EnableMDNS {
		node.mdnsService = mdns.NewMdnsService(h, cfg.DiscoveryNamespace(), node)
		if err := node.mdnsService.Start(); err != nil {
			// mDNS failure is not fatal
			node.log.Warn("mDNS initialization failed", "error", err)
		}
	}

	return node, nil
}

// loadOrCreateKey loads an existing private key or generates a new one.
func loadOrCreateKey(keyPath string) (crypto.PrivKey, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(keyPath); err == nil {
		return crypto.UnmarshalPrivateKey(data)
	}

	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}

	data, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		return nil, err
	}

	logging.GetDefault().Component("node").Info("Generated new node identity", "path", keyPath)
	return privKey, nil
}

func (n *Node) initDHT(ctx context.Context) error {
	var err error
	n.dht, err = dht.New(ctx, n.host,
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(protocol.ID(n.config.DHTPrefix())),
	)
	if err != nil {
		return err
	}
	if err := n.dht.Bootstrap(ctx); err != nil {
		return err
	}
	n.routingDisc = drouting.NewRoutingDiscovery(n.dht)
	return nil
}

// HandlePeerFound is called when mDNS discovers a peer.
func (n *Node) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}

	n.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)

	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		defer cancel()
		if err := n.host.Connect(ctx, pi); err != nil {
			n.log.Debug("Failed to connect to mDNS peer", "peer", shortID(pi.ID), "error", err)
		}
	}()
}

// Start joins the room topic, registers the direct protocol and connects to
// bootstrap peers.
func (n *Node) Start() error {
	n.startTime = time.Now()

	topic, err := n.pubsub.Join(n.config.RoomTopic())
	if err != nil {
		return fmt.Errorf("failed to join room topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return fmt.Errorf("failed to subscribe to room topic: %w", err)
	}
	evts, err := topic.EventHandler()
	if err != nil {
		sub.Cancel()
		topic.Close()
		return fmt.Errorf("failed to watch room presence: %w", err)
	}

	n.mu.Lock()
	n.topic = topic
	n.sub = sub
	n.events = evts
	n.mu.Unlock()

	n.host.SetStreamHandler(DirectProtocol, n.handleStream)

	go n.readLoop(sub)
	go n.presenceLoop(evts)

	for _, addrStr := range n.config.Network.BootstrapPeers {
		pi, err := parseAddrInfo(addrStr)
		if err != nil {
			n.log.Warn("Invalid bootstrap peer", "addr", addrStr, "error", err)
			continue
		}

		go func(pi peer.AddrInfo) {
			ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
			defer cancel()
			if err := n.host.Connect(ctx, pi); err != nil {
				n.log.Warn("Failed to connect to bootstrap peer", "peer", shortID(pi.ID), "error", err)
			} else {
				n.log.Info("Connected to bootstrap peer", "peer", shortID(pi.ID))
			}
		}(*pi)
	}

	if n.routingDisc != nil {
		go dutil.Advertise(n.ctx, n.routingDisc, n.config.DiscoveryNamespace())
		go n.discoverPeers()
	}

	n.log.Info("Joined swap room", "topic", n.config.RoomTopic(), "peer", shortID(n.host.ID()))
	return nil
}

// readLoop hands every room publication to the handler. The origin is the
// publishing peer, not the peer that relayed it.
func (n *Node) readLoop(sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			if n.ctx.Err() == nil {
				n.log.Warn("Room subscription ended", "error", err)
			}
			return
		}

		if h := n.currentHandler(); h != nil {
			h.HandleMessage(msg.GetFrom().String(), msg.GetData())
		}
	}
}

func (n *Node) presenceLoop(evts *pubsub.TopicEventHandler) {
	for {
		evt, err := evts.NextPeerEvent(n.ctx)
		if err != nil {
			return
		}

		h := n.currentHandler()
		if h == nil {
			continue
		}
		switch evt.Type {
		case pubsub.PeerJoin:
			h.HandlePeerJoined(evt.Peer.String())
		case pubsub.PeerLeave:
			h.HandlePeerLeft(evt.Peer.String())
		}
	}
}

// discoverPeers continuously discovers new peers.
func (n *Node) discoverPeers() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			peers, err := dutil.FindPeers(n.ctx, n.routingDisc, n.config.DiscoveryNamespace())
			if err != nil {
				continue
			}

			for _, pi := range peers {
				if pi.ID == n.host.ID() {
					continue
				}
				if n.host.Network().Connectedness(pi.ID) == network.Connected {
					continue
				}

				go func(pi peer.AddrInfo) {
					ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
					defer cancel()
					n.host.Connect(ctx, pi)
				}(pi)
			}
		}
	}
}

// PeerID implements room.Transport.
func (n *Node) PeerID() string {
	return n.host.ID().String()
}

// Peers implements room.Transport. Only peers subscribed to the room count.
func (n *Node) Peers() []string {
	n.mu.RLock()
	topic := n.topic
	n.mu.RUnlock()
	if topic == nil {
		return nil
	}

	ids := topic.ListPeers()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

// SetHandler implements room.Transport.
func (n *Node) SetHandler(h room.Handler) {
	n.mu.Lock()
	n.handler = h
	n.mu.Unlock()
}

func (n *Node) currentHandler() room.Handler {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.handler
}

// Broadcast implements room.Transport.
func (n *Node) Broadcast(ctx context.Context, payload []byte) error {
	n.mu.RLock()
	topic := n.topic
	n.mu.RUnlock()
	if topic == nil {
		return ErrNotStarted
	}
	if err := topic.Publish(ctx, payload); err != nil {
		return fmt.Errorf("failed to publish to room: %w", err)
	}
	return nil
}

// Stop stops the node gracefully.
func (n *Node) Stop() error {
	n.cancel()
	n.host.RemoveStreamHandler(DirectProtocol)

	n.mu.Lock()
	if n.events != nil {
		n.events.Cancel()
	}
	if n.sub != nil {
		n.sub.Cancel()
	}
	if n.topic != nil {
		n.topic.Close()
	}
	n.mu.Unlock()

	if n.mdnsService != nil {
		n.mdnsService.Close()
	}
	if n.dht != nil {
		n.dht.Close()
	}
	return n.host.Close()
}

// ID returns the node's peer ID.
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// Addrs returns the node's listen addresses.
func (n *Node) Addrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// ConnectedPeers returns every connected peer, in the room or not.
func (n *Node) ConnectedPeers() []peer.ID {
	return n.host.Network().Peers()
}

// ConnectByAddr connects to a peer by multiaddr string.
func (n *Node) ConnectByAddr(ctx context.Context, addr string) error {
	pi, err := parseAddrInfo(addr)
	if err != nil {
		return err
	}
	return n.host.Connect(ctx, *pi)
}

// Uptime returns how long the node has been running.
func (n *Node) Uptime() time.Duration {
	if n.startTime.IsZero() {
		return 0
	}
	return time.Since(n.startTime)
}

func parseAddrInfo(addr string) (*peer.AddrInfo, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid multiaddr: %w", err)
	}
	pi, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return nil, fmt.Errorf("invalid peer addr info: %w", err)
	}
	return pi, nil
}

// shortID returns a truncated peer ID for logging.
func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
