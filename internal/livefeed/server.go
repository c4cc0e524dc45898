// Package livefeed pushes the live camera to browsers over WebRTC data
// channels. The camera only yields JPEG stills, so frames travel as
// chunked binary messages instead of an encoded media track.
package livefeed

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/parking-calibrator/internal/logger"
	"github.com/dj-oyu/parking-calibrator/internal/metrics"
	"github.com/dj-oyu/parking-calibrator/internal/source"
)

const (
	// ChannelLabel is the data channel the browser must open in its offer.
	ChannelLabel = "frames"

	// ChunkSize bounds one data channel message, header included.
	ChunkSize  = 16 * 1024
	headerSize = 8

	// maxBuffered skips frames for a peer whose SCTP queue is this full.
	maxBuffered = 1 << 20
)

// ErrTooManyClients is returned by HandleOffer at the peer limit.
var ErrTooManyClients = errors.New("livefeed: maximum clients reached")

// Source is the camera being published.
type Source interface {
	LatestJPEG() ([]byte, bool)
	Status() source.Status
}

// Config holds data channel publisher settings.
type Config struct {
	STUNServers []string
	MaxClients  int
	Interval    time.Duration // how often the camera is polled for a new frame
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		STUNServers: []string{"stun:stun.l.google.com:19302"},
		MaxClients:  4,
		Interval:    100 * time.Millisecond,
	}
}

// Client is one connected browser.
type Client struct {
	id       string
	peerConn *webrtc.PeerConnection
	channel  atomic.Pointer[webrtc.DataChannel]
	frames   chan [][]byte
	done     chan struct{}
	once     sync.Once

	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
}

// Server manages live feed peers.
type Server struct {
	cfg     Config
	api     *webrtc.API
	rtcCfg  webrtc.Configuration
	metrics *metrics.Metrics

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewServer creates a publisher. m may be nil.
func NewServer(cfg Config, m *metrics.Metrics) *Server {
	def := DefaultConfig()
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = def.STUNServers
	}
	if m == nil {
		m = metrics.New()
	}

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, url := range cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	return &Server{
		cfg:     cfg,
		api:     webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine)),
		rtcCfg:  webrtc.Configuration{ICEServers: iceServers},
		metrics: m,
		clients: make(map[string]*Client),
	}
}

// HandleOffer answers a browser offer. The answer carries every ICE
// candidate, so no trickle endpoint is needed.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("failed to parse offer: expected an offer, got %q", offer.Type.String())
	}

	if s.ClientCount() >= s.cfg.MaxClients {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.cfg.MaxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.rtcCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{
		id:       uuid.NewString(),
		peerConn: peerConn,
		frames:   make(chan [][]byte, 2),
		done:     make(chan struct{}),
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			logger.Debug("LiveFeed", "Client %s opened unknown channel %q", client.id, dc.Label())
			return
		}
		dc.OnOpen(func() {
			client.channel.Store(dc)
			logger.Info("LiveFeed", "Client %s channel open", client.id)
		})
		dc.OnClose(func() {
			s.RemoveClient(client.id)
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("LiveFeed", "Client %s connection state: %s", client.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		peerConn.Close()
		return nil, fmt.Errorf("no local description available")
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}

	s.mu.Lock()
	s.clients[client.id] = client
	s.metrics.LivePeers.Store(uint64(len(s.clients)))
	s.mu.Unlock()

	go s.sendFrames(client)

	// A state change before registration found nothing to remove.
	switch peerConn.ConnectionState() {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("peer connection closed during negotiation")
	}

	logger.Info("LiveFeed", "Client %s connected", client.id)
	return answerJSON, nil
}

// Run polls src and publishes each new frame until ctx is done.
func (s *Server) Run(ctx context.Context, src Source) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.ClientCount() == 0 {
			continue
		}
		seq := src.Status().Frames
		if seq == 0 || seq == lastSeq {
			continue
		}
		data, ok := src.LatestJPEG()
		if !ok {
			continue
		}
		lastSeq = seq
		s.SendFrame(uint32(seq), data)
	}
}

// SendFrame offers one JPEG to every peer with an open channel. A peer
// still busy with earlier frames misses this one.
func (s *Server) SendFrame(seq uint32, jpegData []byte) {
	chunks := Chunks(seq, jpegData)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		if client.channel.Load() == nil {
			continue
		}
		select {
		case client.frames <- chunks:
		default:
			client.framesDropped.Add(1)
			s.metrics.LivePeerDropped.Add(1)
		}
	}
}

func (s *Server) sendFrames(client *Client) {
	for {
		select {
		case <-client.done:
			return
		case chunks := <-client.frames:
			dc := client.channel.Load()
			if dc == nil {
				continue
			}
			if dc.BufferedAmount() > maxBuffered {
				client.framesDropped.Add(1)
				s.metrics.LivePeerDropped.Add(1)
				continue
			}
			for _, chunk := range chunks {
				if err := dc.Send(chunk); err != nil {
					logger.Warn("LiveFeed", "Error sending frame to client %s: %v", client.id, err)
					s.RemoveClient(client.id)
					return
				}
			}
			client.framesSent.Add(1)
			s.metrics.LivePeerFramesOut.Add(1)
		}
	}
}

// RemoveClient closes and forgets a peer. Unknown ids are ignored.
func (s *Server) RemoveClient(clientID string) {
	s.mu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
		s.metrics.LivePeers.Store(uint64(len(s.clients)))
	}
	s.mu.Unlock()
	if !exists {
		return
	}

	client.once.Do(func() {
		close(client.done)
		_ = client.peerConn.Close()
	})
	logger.Info("LiveFeed", "Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.framesSent.Load(), client.framesDropped.Load())
}

// ClientCount returns the number of connected peers.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// ClientStats returns per-peer frame counters.
func (s *Server) ClientStats() map[string]map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]map[string]uint64, len(s.clients))
	for id, client := range s.clients {
		stats[id] = map[string]uint64{
			"frames_sent":    client.framesSent.Load(),
			"frames_dropped": client.framesDropped.Load(),
		}
	}
	return stats
}

// Close disconnects every peer.
func (s *Server) Close() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
}

// Chunks splits a frame into data channel messages. Each message starts
// with the frame sequence number (uint32), the chunk index and the chunk
// count (uint16 each), all big endian.
func Chunks(seq uint32, data []byte) [][]byte {
	payload := ChunkSize - headerSize
	count := max((len(data)+payload-1)/payload, 1)

	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * payload
		end := min(start+payload, len(data))
		msg := make([]byte, headerSize+end-start)
		binary.BigEndian.PutUint32(msg[0:4], seq)
		binary.BigEndian.PutUint16(msg[4:6], uint16(i))
		binary.BigEndian.PutUint16(msg[6:8], uint16(count))
		copy(msg[headerSize:], data[start:end])
		out = append(out, msg)
	}
	return out
}
