package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"buzzquiz-server/internal/domain"
)

type peerClass int

const (
	classUnidentified peerClass = iota
	classConsole
	classBuzzer
)

func (c peerClass) String() string {
	switch c {
	case classConsole:
		return "console"
	case classBuzzer:
		return "buzzer"
	default:
		return "unidentified"
	}
}

// frame is one outbound websocket message. Text frames carry JSON
// envelopes; binary frames carry jingle chunks.
type frame struct {
	messageType int
	data        []byte
}

// Peer is one connected transport, console or buzzer. All writes go
// through the send channel so the writer goroutine serializes them.
type Peer struct {
	hub  *Hub
	conn *websocket.Conn
	log  zerolog.Logger

	send      chan frame
	done      chan struct{}
	closeOnce sync.Once

	idTimer clockwork.Timer

	mu           sync.Mutex
	class        peerClass
	identified   bool
	alive        bool
	lastPong     time.Time
	remoteAddr   string
	buzzerID     string
	name         string
	macAddress   string
	battery      int
	wifiRSSI     int
	freeHeap     int
	latency      int64
	connectedAt  time.Time
	playerNumber int
}

func newPeer(hub *Hub, conn *websocket.Conn) *Peer {
	p := &Peer{
		hub:         hub,
		conn:        conn,
		log:         hub.log.With().Str("remote_addr", conn.RemoteAddr().String()).Logger(),
		send:        make(chan frame, 64),
		done:        make(chan struct{}),
		alive:       true,
		remoteAddr:  conn.RemoteAddr().String(),
		connectedAt: hub.clock.Now(),
	}
	return p
}

// writePump drains the send channel onto the wire. It owns all data
// writes; close control frames go through conn.WriteControl, which
// gorilla allows concurrently.
func (p *Peer) writePump() {
	for {
		select {
		case f := <-p.send:
			if err := p.conn.WriteMessage(f.messageType, f.data); err != nil {
				p.log.Warn().Err(err).Msg("write failed, dropping peer")
				p.close()
				return
			}
		case <-p.done:
			return
		}
	}
}

// enqueue blocks until the frame is queued or the peer is closed.
// Jingle chunks use this path so none are dropped mid-stream.
func (p *Peer) enqueue(f frame) bool {
	select {
	case p.send <- f:
		return true
	case <-p.done:
		return false
	}
}

// tryEnqueue drops the frame when the peer's queue is full. Used for
// broadcasts that a slow peer may miss without breaking the protocol.
func (p *Peer) tryEnqueue(f frame) bool {
	select {
	case p.send <- f:
		return true
	case <-p.done:
		return false
	default:
		p.log.Warn().Str("peer_class", p.peerClass().String()).Msg("send queue full, dropping frame")
		return false
	}
}

// sendMessage wraps the payload in the wire envelope and queues it.
func (p *Peer) sendMessage(msgType string, payload any) bool {
	data, err := json.Marshal(domain.OutboundEnvelope{
		Type:      msgType,
		Timestamp: p.hub.clock.Now().UnixMilli(),
		Sender:    domain.SenderServer,
		Payload:   payload,
	})
	if err != nil {
		p.log.Error().Err(err).Str("type", msgType).Msg("marshal outbound message")
		return false
	}
	return p.tryEnqueue(frame{messageType: websocket.TextMessage, data: data})
}

// sendMessageBlocking queues the envelope even when the send queue is
// full, waiting for the writer to drain. Stream control frames use it
// so a slow buzzer cannot lose JINGLE_START or JINGLE_END.
func (p *Peer) sendMessageBlocking(msgType string, payload any) bool {
	data, err := json.Marshal(domain.OutboundEnvelope{
		Type:      msgType,
		Timestamp: p.hub.clock.Now().UnixMilli(),
		Sender:    domain.SenderServer,
		Payload:   payload,
	})
	if err != nil {
		p.log.Error().Err(err).Str("type", msgType).Msg("marshal outbound message")
		return false
	}
	return p.enqueue(frame{messageType: websocket.TextMessage, data: data})
}

// closeWithCode sends a close control frame carrying the protocol code
// before tearing the connection down.
func (p *Peer) closeWithCode(code int, reason string) {
	p.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := p.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			p.log.Debug().Err(err).Msg("close control write failed")
		}
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *Peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *Peer) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Peer) peerClass() peerClass {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.class
}

func (p *Peer) isIdentified() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identified
}

// markAlive is called on any pong from the peer.
func (p *Peer) markAlive(latency int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = true
	p.lastPong = p.hub.clock.Now()
	if latency >= 0 {
		p.latency = latency
	}
}

// heartbeatCheck clears the liveness flag and reports whether the peer
// answered since the previous interval.
func (p *Peer) heartbeatCheck() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	wasAlive := p.alive
	p.alive = false
	return wasAlive
}

func (p *Peer) buzzerInfo() domain.BuzzerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.BuzzerInfo{
		ID:          p.buzzerID,
		Name:        p.name,
		ConnectedAt: p.connectedAt,
		Battery:     p.battery,
		WifiRSSI:    p.wifiRSSI,
		Latency:     p.latency,
		Connected:   !p.closed(),
	}
}
