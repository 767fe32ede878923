package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pairwave/pairwave/internal/proto"
	"github.com/pairwave/pairwave/internal/util"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	manet "github.com/multiformats/go-multiaddr/net"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// Node is the realtime channel session: a libp2p host joined to one
// gossipsub topic per channel. Envelopes published here reach every
// attached member with sub-second latency; the relay and local broadcast
// adapters cover members the mesh cannot reach.
type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	selfID  int64
	channel string

	// attached flips once the topic join completes and back off on Close.
	attachedMu sync.RWMutex
	attached   bool

	// participant id → libp2p peer id, learned from received envelopes.
	// Used to open direct signaling streams to a conversation partner.
	peerMu sync.Mutex
	peerBy map[int64]peer.ID

	subMu   sync.Mutex
	subbers []chan *proto.Envelope

	signalMu sync.RWMutex
	onSignal func(from int64, data []byte)

	// membership callbacks driven by mesh traffic and libp2p connectedness
	memberMu sync.RWMutex
	onJoined func(participantID int64)
	onLeft   func(participantID int64)

	startTime time.Time
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// New starts the libp2p host, joins the channel topic, and begins consuming
// envelopes. mDNS handles LAN discovery so co-located participants mesh
// without any rendezvous.
func New(ctx context.Context, listenPort int, keyFile string, selfID int64, channel string) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("P2P: generated new identity key: %s", keyFile)
	} else {
		log.Printf("P2P: loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, proto.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	topic, err := ps.Join(proto.ChannelTopicPrefix + channel)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	sub, err := topic.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	n := &Node{
		Host:      h,
		ps:        ps,
		topic:     topic,
		sub:       sub,
		selfID:    selfID,
		channel:   channel,
		attached:  true,
		peerBy:    map[int64]peer.ID{},
		startTime: time.Now(),
	}

	h.SetStreamHandler(protocol.ID(proto.SignalProtoID), n.handleSignalStream)
	n.watchDisconnects()
	go n.consumeLoop(ctx)

	log.Printf("P2P: joined channel %q as %s (participant %d)", channel, h.ID(), selfID)
	return n, nil
}

func (n *Node) Close() error {
	n.attachedMu.Lock()
	n.attached = false
	n.attachedMu.Unlock()
	n.sub.Cancel()
	return n.Host.Close()
}

func (n *Node) ID() string { return n.Host.ID().String() }

// Attached reports whether the node is currently joined to the channel topic.
func (n *Node) Attached() bool {
	n.attachedMu.RLock()
	defer n.attachedMu.RUnlock()
	return n.attached
}

// PublishEnvelope sends env to the channel topic.
func (n *Node) PublishEnvelope(ctx context.Context, env *proto.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return n.topic.Publish(ctx, b)
}

// SubscribeEnvelopes returns a channel fed with envelopes received from the
// topic (own publishes excluded) and a cancel function. Slow consumers drop
// envelopes; the relay poll path recovers anything missed.
func (n *Node) SubscribeEnvelopes() (<-chan *proto.Envelope, func()) {
	ch := make(chan *proto.Envelope, 64)
	n.subMu.Lock()
	n.subbers = append(n.subbers, ch)
	n.subMu.Unlock()
	return ch, func() {
		n.subMu.Lock()
		defer n.subMu.Unlock()
		for i, s := range n.subbers {
			if s == ch {
				n.subbers = append(n.subbers[:i], n.subbers[i+1:]...)
				close(s)
				return
			}
		}
	}
}

func (n *Node) consumeLoop(ctx context.Context) {
	for {
		m, err := n.sub.Next(ctx)
		if err != nil {
			return
		}

		var env proto.Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			continue
		}
		if !env.Valid() || env.SenderID == n.selfID {
			continue
		}

		// Remember which libp2p peer speaks for this participant so the
		// media layer can open a signaling stream to it.
		n.peerMu.Lock()
		_, known := n.peerBy[env.SenderID]
		n.peerBy[env.SenderID] = m.ReceivedFrom
		n.peerMu.Unlock()

		if !known {
			n.memberMu.RLock()
			h := n.onJoined
			n.memberMu.RUnlock()
			if h != nil {
				h(env.SenderID)
			}
		}

		n.subMu.Lock()
		subbers := make([]chan *proto.Envelope, len(n.subbers))
		copy(subbers, n.subbers)
		n.subMu.Unlock()
		for _, ch := range subbers {
			select {
			case ch <- &env:
			default:
			}
		}
	}
}

// ── Direct signaling (media plane) ──────────────────────────────────────────

// signalFrame is one line of the signaling stream protocol.
type signalFrame struct {
	From int64           `json:"from"`
	Data json.RawMessage `json:"data"`
}

// OnSignal installs the handler for inbound signaling payloads.
func (n *Node) OnSignal(h func(from int64, data []byte)) {
	n.signalMu.Lock()
	n.onSignal = h
	n.signalMu.Unlock()
}

func (n *Node) handleSignalStream(s network.Stream) {
	defer s.Close()
	var frame signalFrame
	if err := json.NewDecoder(s).Decode(&frame); err != nil || frame.From == 0 {
		return
	}
	n.signalMu.RLock()
	h := n.onSignal
	n.signalMu.RUnlock()
	if h != nil {
		h(frame.From, frame.Data)
	}
}

// SendSignal opens a signaling stream to the peer speaking for participant
// and writes one payload. Fails when no envelope from that participant has
// been seen on the mesh yet.
func (n *Node) SendSignal(ctx context.Context, participant int64, data []byte) error {
	n.peerMu.Lock()
	pid, ok := n.peerBy[participant]
	n.peerMu.Unlock()
	if !ok {
		return fmt.Errorf("no known peer for participant %d", participant)
	}

	// Best effort connect (mDNS usually already connected)
	_ = n.Host.Connect(ctx, peer.AddrInfo{ID: pid})

	s, err := n.Host.NewStream(ctx, pid, protocol.ID(proto.SignalProtoID))
	if err != nil {
		return err
	}
	defer s.Close()

	return json.NewEncoder(s).Encode(signalFrame{From: n.selfID, Data: data})
}

// ── Membership ──────────────────────────────────────────────────────────────

// OnParticipantJoined installs a callback fired the first time an envelope
// from an unseen participant arrives on the mesh — the symmetric counterpart
// of OnParticipantLeft.
func (n *Node) OnParticipantJoined(h func(participantID int64)) {
	n.memberMu.Lock()
	n.onJoined = h
	n.memberMu.Unlock()
}

// OnParticipantLeft installs a callback fired when the libp2p connection to
// a known participant's peer fully drops. Presence staleness also covers
// this, but the disconnect signal is much faster.
func (n *Node) OnParticipantLeft(h func(participantID int64)) {
	n.memberMu.Lock()
	n.onLeft = h
	n.memberMu.Unlock()
}

func (n *Node) watchDisconnects() {
	n.Host.Network().Notify(&network.NotifyBundle{
		DisconnectedF: func(_ network.Network, c network.Conn) {
			pid := c.RemotePeer()
			if len(n.Host.Network().ConnsToPeer(pid)) > 0 {
				return
			}
			n.peerMu.Lock()
			var gone int64
			for participant, known := range n.peerBy {
				if known == pid {
					gone = participant
					delete(n.peerBy, participant)
					break
				}
			}
			n.peerMu.Unlock()
			if gone == 0 {
				return
			}
			n.memberMu.RLock()
			h := n.onLeft
			n.memberMu.RUnlock()
			if h != nil {
				h(gone)
			}
		},
	})
}

// Addrs returns the host's non-loopback addresses, for diagnostics.
func (n *Node) Addrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// Uptime reports how long the node has been running.
func (n *Node) Uptime() time.Duration { return time.Since(n.startTime) }
