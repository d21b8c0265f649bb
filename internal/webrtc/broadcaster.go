/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package webrtc fans the monitor stream out to browser listeners using Pion.
// The monitor sink encodes the program output as Opus RTP and sends it to a
// local UDP port; the broadcaster reads that RTP, rewrites the headers into a
// single continuous stream, and writes it to one shared track that every peer
// subscribes to.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/friendsincode/skald/internal/telemetry"
)

// Config holds the broadcaster settings.
type Config struct {
	RTPPort      int    // UDP port the monitor sink sends Opus RTP to
	STUNServer   string // STUN server URL handed to peers
	TURNServer   string // optional TURN server for strict NATs
	TURNUsername string
	TURNPassword string
}

// Broadcaster relays the monitor RTP stream to all connected WebRTC peers.
type Broadcaster struct {
	mu     sync.RWMutex
	peers  map[string]*peer
	track  *webrtc.TrackLocalStaticRTP
	api    *webrtc.API
	cfg    Config
	logger zerolog.Logger

	rtpConn   *net.UDPConn
	rtpCancel context.CancelFunc

	// Header rewriting keeps one continuous stream across encoder restarts.
	seqOut       uint16
	lastInSeq    uint16
	tsOffset     uint32
	lastOutTS    uint32
	ssrc         uint32
	seqPrimed    bool
	activeSource string
	lastSourceAt time.Time

	totalPeers    int64
	bytesReceived int64
}

type peer struct {
	id   string
	pc   *webrtc.PeerConnection
	done chan struct{}
}

// SignalMessage is the WebSocket signaling envelope.
type SignalMessage struct {
	Type      string                     `json:"type"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Error     string                     `json:"error,omitempty"`
}

// NewBroadcaster builds the shared Opus track and the Pion API around it.
func NewBroadcaster(cfg Config, logger zerolog.Logger) (*Broadcaster, error) {
	if cfg.RTPPort == 0 {
		cfg.RTPPort = 5004
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	reg := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, reg); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"skald-monitor",
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	return &Broadcaster{
		peers:  make(map[string]*peer),
		track:  track,
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(reg)),
		cfg:    cfg,
		ssrc:   0x534b4c44,
		logger: logger.With().Str("component", "webrtc").Logger(),
	}, nil
}

// Start opens the RTP listener and begins relaying packets.
func (b *Broadcaster) Start(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: b.cfg.RTPPort})
	if err != nil {
		return fmt.Errorf("listen udp %d: %w", b.cfg.RTPPort, err)
	}
	b.rtpConn = conn

	rtpCtx, cancel := context.WithCancel(ctx)
	b.rtpCancel = cancel

	b.logger.Info().Int("port", b.cfg.RTPPort).Msg("monitor RTP listener started")
	go b.readRTP(rtpCtx)
	return nil
}

// Stop closes the RTP listener and every peer connection.
func (b *Broadcaster) Stop() error {
	if b.rtpCancel != nil {
		b.rtpCancel()
	}
	if b.rtpConn != nil {
		b.rtpConn.Close()
	}

	b.mu.Lock()
	for _, p := range b.peers {
		p.pc.Close()
		close(p.done)
	}
	b.peers = make(map[string]*peer)
	b.mu.Unlock()

	b.logger.Info().Msg("broadcaster stopped")
	return nil
}

// readRTP pulls packets off the UDP socket, rewrites the headers into one
// continuous sequence/timestamp space, and pushes them to the shared track.
func (b *Broadcaster) readRTP(ctx context.Context) {
	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	const sourceStaleAfter = 300 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b.rtpConn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := b.rtpConn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			b.logger.Error().Err(err).Msg("RTP read error")
			continue
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			b.logger.Debug().Err(err).Msg("invalid RTP packet")
			continue
		}

		b.bytesReceived += int64(n)
		now := time.Now()

		b.mu.Lock()
		source := ""
		if addr != nil {
			source = addr.String()
		}

		// Lock onto a single sender. Two encoder pipelines writing to the
		// same port would otherwise interleave packets.
		if b.activeSource == "" {
			b.activeSource = source
			b.lastSourceAt = now
			b.logger.Info().Str("source", source).Msg("RTP source locked")
		} else if source != "" && source != b.activeSource {
			if now.Sub(b.lastSourceAt) < sourceStaleAfter {
				b.mu.Unlock()
				continue
			}
			b.logger.Info().Str("old_source", b.activeSource).Str("new_source", source).Msg("RTP source switched")
			b.activeSource = source
			b.lastSourceAt = now
		} else {
			b.lastSourceAt = now
		}

		if !b.seqPrimed {
			b.seqPrimed = true
			b.lastInSeq = pkt.SequenceNumber
			b.lastOutTS = pkt.Timestamp
		} else {
			// A large or backward jump means the encoder restarted. Shift
			// the timestamp so the stream stays contiguous, leaving a 20ms
			// gap (960 samples at 48kHz).
			diff := int(pkt.SequenceNumber) - int(b.lastInSeq)
			if diff < -30000 || diff > 30000 || (diff < 0 && diff > -100) {
				b.tsOffset = b.lastOutTS + 960 - pkt.Timestamp
				b.logger.Info().
					Uint16("old_seq", b.lastInSeq).
					Uint16("new_seq", pkt.SequenceNumber).
					Msg("RTP discontinuity, rebasing timestamps")
			}
			b.lastInSeq = pkt.SequenceNumber
		}

		b.seqOut++
		pkt.SequenceNumber = b.seqOut
		pkt.Timestamp += b.tsOffset
		pkt.SSRC = b.ssrc
		b.lastOutTS = pkt.Timestamp
		b.mu.Unlock()

		out, err := pkt.Marshal()
		if err != nil {
			continue
		}
		if _, err := b.track.Write(out); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			b.logger.Debug().Err(err).Msg("track write error")
		}
	}
}

// HandleSignaling upgrades the request to a WebSocket and negotiates one peer.
// The server creates the offer; the browser answers.
func (b *Broadcaster) HandleSignaling(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	peerID := fmt.Sprintf("peer-%d", time.Now().UnixNano())

	pc, err := b.newPeerConnection()
	if err != nil {
		b.logger.Error().Err(err).Msg("peer connection failed")
		wsjson.Write(ctx, conn, SignalMessage{Type: "error", Error: err.Error()})
		return
	}

	p := &peer{id: peerID, pc: pc, done: make(chan struct{})}

	b.mu.Lock()
	b.peers[peerID] = p
	b.totalPeers++
	count := len(b.peers)
	b.mu.Unlock()
	telemetry.MonitorPeers.Inc()

	b.logger.Info().Str("peer_id", peerID).Int("peers", count).Msg("listener connected")

	defer func() {
		b.mu.Lock()
		delete(b.peers, peerID)
		count := len(b.peers)
		b.mu.Unlock()
		pc.Close()
		telemetry.MonitorPeers.Dec()
		b.logger.Info().Str("peer_id", peerID).Int("peers", count).Msg("listener disconnected")
	}()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cand := c.ToJSON()
		wsjson.Write(ctx, conn, SignalMessage{Type: "candidate", Candidate: &cand})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		b.logger.Debug().Str("peer_id", peerID).Str("state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			close(p.done)
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		wsjson.Write(ctx, conn, SignalMessage{Type: "error", Error: err.Error()})
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		wsjson.Write(ctx, conn, SignalMessage{Type: "error", Error: err.Error()})
		return
	}
	<-webrtc.GatheringCompletePromise(pc)

	if err := wsjson.Write(ctx, conn, SignalMessage{Type: "offer", SDP: pc.LocalDescription()}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		default:
		}

		var msg SignalMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 {
				return
			}
			b.logger.Debug().Err(err).Msg("signaling read error")
			return
		}

		switch msg.Type {
		case "answer":
			if msg.SDP != nil {
				if err := pc.SetRemoteDescription(*msg.SDP); err != nil {
					b.logger.Error().Err(err).Msg("set remote description failed")
				}
			}
		case "candidate":
			if msg.Candidate != nil {
				if err := pc.AddICECandidate(*msg.Candidate); err != nil {
					b.logger.Error().Err(err).Msg("add ICE candidate failed")
				}
			}
		}
	}
}

func (b *Broadcaster) newPeerConnection() (*webrtc.PeerConnection, error) {
	var ice []webrtc.ICEServer
	if b.cfg.STUNServer != "" {
		ice = append(ice, webrtc.ICEServer{URLs: []string{b.cfg.STUNServer}})
	}
	if b.cfg.TURNServer != "" {
		turn := webrtc.ICEServer{URLs: []string{b.cfg.TURNServer}}
		if b.cfg.TURNUsername != "" {
			turn.Username = b.cfg.TURNUsername
			turn.Credential = b.cfg.TURNPassword
			turn.CredentialType = webrtc.ICECredentialTypePassword
		}
		ice = append(ice, turn)
	}

	pc, err := b.api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, err
	}
	if _, err := pc.AddTrack(b.track); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add track: %w", err)
	}
	return pc, nil
}

// PeerCount reports the number of connected listeners.
func (b *Broadcaster) PeerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// Stats summarizes the relay for the status API.
func (b *Broadcaster) Stats() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return map[string]any{
		"peers":          len(b.peers),
		"total_peers":    b.totalPeers,
		"bytes_received": b.bytesReceived,
		"rtp_port":       b.cfg.RTPPort,
	}
}

// MarshalJSON lets the status API embed Stats directly.
func (b *Broadcaster) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Stats())
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
