package media

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// AudioSink receives decoded-transport Opus frames from the remote track.
// Implemented by the recording manager.
type AudioSink interface {
	WriteOpus(conversationID string, timecodeMs int64, data []byte)
}

// Session is the audio leg of one conversation: a single Pion peer
// connection negotiated over the Signaler. The lower participant id makes
// the offer so both sides agree on roles without extra messages.
type Session struct {
	convID  string
	selfID  int64
	partner int64
	offerer bool
	sig     Signaler
	sink    AudioSink

	pc *webrtc.PeerConnection

	mu     sync.Mutex
	closed bool

	// ICE candidates that arrive before the remote description is set.
	pendingICE []webrtc.ICECandidateInit
	remoteSet  bool
}

func newPeerConnection() (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout of 5s is too short
	// for paths that flap during re-keying.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
}

func newSession(convID string, selfID, partner int64, sig Signaler, sink AudioSink) (*Session, error) {
	pc, err := newPeerConnection()
	if err != nil {
		return nil, err
	}

	s := &Session{
		convID:  convID,
		selfID:  selfID,
		partner: partner,
		offerer: selfID < partner,
		sig:     sig,
		sink:    sink,
		pc:      pc,
	}

	// Receive-only: this process records the remote audio, it does not
	// capture a local microphone.
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		_ = pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		s.send(SignalMessage{Type: sigICE, ConversationID: convID, Candidate: &init})
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: connection state %s", convID, st)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("CALL [%s]: remote audio track %s (%s)", convID, track.ID(), track.Codec().MimeType)
		go s.readAudio(track)
	})

	return s, nil
}

// start kicks off negotiation when this side is the offerer.
func (s *Session) start(ctx context.Context) error {
	if !s.offerer {
		return nil
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	return s.sig.SendSignal(ctx, s.partner,
		SignalMessage{Type: sigOffer, ConversationID: s.convID, SDP: offer.SDP}.encode())
}

// handleSignal routes one inbound signaling message.
func (s *Session) handleSignal(msg SignalMessage) {
	switch msg.Type {
	case sigOffer:
		if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
		}); err != nil {
			log.Printf("CALL [%s]: set remote offer: %v", s.convID, err)
			return
		}
		s.drainPendingICE()
		answer, err := s.pc.CreateAnswer(nil)
		if err != nil {
			log.Printf("CALL [%s]: create answer: %v", s.convID, err)
			return
		}
		if err := s.pc.SetLocalDescription(answer); err != nil {
			log.Printf("CALL [%s]: set local answer: %v", s.convID, err)
			return
		}
		s.send(SignalMessage{Type: sigAnswer, ConversationID: s.convID, SDP: answer.SDP})

	case sigAnswer:
		if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer, SDP: msg.SDP,
		}); err != nil {
			log.Printf("CALL [%s]: set remote answer: %v", s.convID, err)
			return
		}
		s.drainPendingICE()

	case sigICE:
		if msg.Candidate == nil {
			return
		}
		s.mu.Lock()
		if !s.remoteSet {
			s.pendingICE = append(s.pendingICE, *msg.Candidate)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		if err := s.pc.AddICECandidate(*msg.Candidate); err != nil {
			log.Printf("CALL [%s]: add ICE candidate: %v", s.convID, err)
		}

	case sigHangup:
		s.close(false)
	}
}

// drainPendingICE flushes candidates that arrived before the remote
// description was available.
func (s *Session) drainPendingICE() {
	s.mu.Lock()
	s.remoteSet = true
	pending := s.pendingICE
	s.pendingICE = nil
	s.mu.Unlock()
	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Printf("CALL [%s]: add queued ICE candidate: %v", s.convID, err)
		}
	}
}

// readAudio pumps the remote Opus track into the sink. The RTP clock for
// Opus is 48 kHz, so timestamp/48 gives millis.
func (s *Session) readAudio(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		if s.sink != nil {
			s.sink.WriteOpus(s.convID, int64(pkt.Timestamp)/48, pkt.Payload)
		}
	}
}

func (s *Session) send(msg SignalMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sig.SendSignal(ctx, s.partner, msg.encode()); err != nil {
		log.Printf("CALL [%s]: signal %s to %d failed: %v", s.convID, msg.Type, s.partner, err)
	}
}

// close tears the session down. When notifyPeer is set a hangup signal is
// sent first. Idempotent.
func (s *Session) close(notifyPeer bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if notifyPeer {
		s.send(SignalMessage{Type: sigHangup, ConversationID: s.convID})
	}
	_ = s.pc.Close()
	log.Printf("CALL [%s]: session closed", s.convID)
}
