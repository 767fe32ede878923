package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pairwave/pairwave/internal/config"
	"github.com/pairwave/pairwave/internal/engine"
	"github.com/pairwave/pairwave/internal/media"
	"github.com/pairwave/pairwave/internal/monitor"
	"github.com/pairwave/pairwave/internal/p2p"
	"github.com/pairwave/pairwave/internal/proto"
	"github.com/pairwave/pairwave/internal/recording"
	"github.com/pairwave/pairwave/internal/relay"
	"github.com/pairwave/pairwave/internal/state"
	"github.com/pairwave/pairwave/internal/transport"
	"github.com/pairwave/pairwave/internal/util"
)

// localBus connects participants running in the same process, the same way
// same-machine browser tabs share a broadcast channel. Process-wide on
// purpose: every participant in this process attaches to it.
var localBus = transport.NewBus()

type Options struct {
	DataDir string
	CfgPath string
	Cfg     config.Config
}

func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	// ── Relay server (optional)
	var relaySrv *relay.Server
	if cfg.Relay.Host {
		bind := cfg.Relay.Bind
		if bind == "" {
			bind = "127.0.0.1"
		}
		addr := fmt.Sprintf("%s:%d", bind, cfg.Relay.Port)

		var store relay.Store
		if cfg.Relay.DBPath != "" {
			dbPath := util.ResolvePath(opt.DataDir, cfg.Relay.DBPath)
			s, err := relay.OpenSQLiteStore(dbPath, cfg.Relay.MaxPerTarget)
			if err != nil {
				log.Printf("WARNING: relay DB open failed: %v (running in-memory only)", err)
			} else {
				store = s
			}
		}
		if store == nil {
			store = relay.NewMemStore(cfg.Relay.MaxPerTarget)
		}

		relaySrv = relay.NewServer(addr, store, time.Duration(cfg.Relay.RetentionSec)*time.Second)
		if err := relaySrv.Start(ctx); err != nil {
			return err
		}
	}

	if cfg.Relay.HostOnly {
		log.Printf("mode: relay-only")
		<-ctx.Done()
		return nil
	}

	// ── Identity
	selfID := cfg.Identity.ParticipantID
	if selfID == 0 {
		selfID = proto.NewParticipantID()
	}
	log.Printf("participant id: %d", selfID)

	// ── State
	reg := state.NewRegistry()
	convs := state.NewTable()

	// ── Realtime channel session
	keyPath := util.ResolvePath(opt.DataDir, cfg.Identity.KeyFile)
	node, err := p2p.New(ctx, cfg.P2P.ListenPort, keyPath, selfID, cfg.P2P.Channel)
	if err != nil {
		return err
	}
	defer node.Close()

	// ── Adapters: realtime + relay + local broadcast, in preference order.
	realtimeAdapter := transport.NewRealtime(node)
	adapters := []transport.Adapter{realtimeAdapter}

	relayURL := strings.TrimSpace(cfg.Relay.URL)
	if relayURL == "" && relaySrv != nil {
		relayURL = relaySrv.URL()
	}
	var relayAdapter *transport.Relay
	if relayURL != "" {
		relayAdapter = transport.NewRelay(util.NormalizeURL(relayURL), selfID, transport.RelayOptions{
			PollInterval: time.Duration(cfg.Relay.PollSec) * time.Second,
			MaxAttempts:  cfg.Relay.MaxAttempts,
			RetryBase:    time.Duration(cfg.Relay.RetryBaseMSec) * time.Millisecond,
		})
		adapters = append(adapters, relayAdapter)
		log.Printf("relay: using %s", relayURL)
	}

	busAdapter := localBus.Attach(selfID)
	defer busAdapter.Detach()
	adapters = append(adapters, busAdapter)

	// ── Recording
	var rec engine.Recorder = engine.NopRecorder{}
	var recMgr *recording.Manager
	if cfg.Recording.Enabled {
		recMgr = recording.NewManager(util.ResolvePath(opt.DataDir, cfg.Recording.Dir))
		rec = recMgr
	}

	// ── Engine
	eng := engine.New(engine.Config{
		SelfID:              selfID,
		PresenceHorizon:     time.Duration(cfg.Presence.StaleSec) * time.Second,
		ConversationHorizon: time.Duration(cfg.Presence.ConversationStaleSec) * time.Second,
		SweepInterval:       time.Duration(cfg.Presence.SweepSec) * time.Second,
	}, reg, convs, rec, adapters...)

	// ── Media sessions, driven by conversation transitions.
	var sink media.AudioSink
	if recMgr != nil {
		sink = recMgr
	}
	mediaMgr := media.NewManager(selfID, node, sink)
	node.OnSignal(mediaMgr.HandleSignal)
	node.OnParticipantJoined(func(id int64) {
		eng.ParticipantJoined(ctx, id)
	})
	node.OnParticipantLeft(func(id int64) {
		eng.ParticipantLeft(ctx, id)
	})
	eng.SetHooks(engine.Hooks{
		ConversationStarted: func(conv state.Conversation, partner int64) {
			go mediaMgr.StartCall(ctx, conv.ID, partner)
		},
		ConversationEnded: func(conv state.Conversation, partner int64) {
			go mediaMgr.EndCall(conv.ID)
		},
	})

	// The engine and the relay sender outlive the main context: Depart runs
	// after ctx is cancelled and still needs both to get the departure out.
	coreCtx, coreCancel := context.WithCancel(context.Background())
	defer coreCancel()
	go eng.Run(coreCtx)
	go realtimeAdapter.Run(ctx)
	if relayAdapter != nil {
		go relayAdapter.Run(coreCtx)
	}

	// ── Monitor
	if cfg.Monitor.HTTPAddr != "" {
		mon := monitor.NewServer(cfg.Monitor.HTTPAddr, eng, reg, convs)
		if err := mon.Start(ctx); err != nil {
			return err
		}
	}

	// ── Presence
	eng.Announce(ctx)

	go func() {
		t := time.NewTicker(time.Duration(cfg.Presence.HeartbeatSec) * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				eng.Heartbeat(ctx)
			}
		}
	}()

	<-ctx.Done()
	log.Println("PEER: context cancelled, departing...")
	shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	eng.Depart(shctx)
	mediaMgr.CloseAll()
	coreCancel() // lets the relay sender flush the departure
	log.Println("PEER: departed")
	return nil
}
