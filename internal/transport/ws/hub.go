package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"buzzquiz-server/internal/app"
	"buzzquiz-server/internal/domain"
)

// Config tunes the hub's protocol timers and limits.
type Config struct {
	IdentificationTimeout time.Duration
	HeartbeatInterval     time.Duration
	MaxBuzzers            int
	JingleDir             string
	Version               string
}

func (c Config) withDefaults() Config {
	if c.IdentificationTimeout <= 0 {
		c.IdentificationTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MaxBuzzers <= 0 {
		c.MaxBuzzers = 10
	}
	if c.Version == "" {
		c.Version = "1.0.0"
	}
	return c
}

// Hub owns the connection registry and all message fan-out. It is the
// engine's Notifier, so arbitration outcomes flow back out through it.
type Hub struct {
	cfg      Config
	log      zerolog.Logger
	clock    clockwork.Clock
	jingles  app.JingleRepository
	upgrader websocket.Upgrader

	engine *app.GameService

	mu      sync.RWMutex
	console *Peer
	buzzers map[string]*Peer
	peers   map[*Peer]struct{}
	// activeJingles maps buzzerID to the peer its stream targets, so
	// stale stream cleanup cannot clear a successor's flag.
	activeJingles map[string]*Peer
}

func NewHub(cfg Config, jingles app.JingleRepository, clock clockwork.Clock, log zerolog.Logger) *Hub {
	return &Hub{
		cfg:   cfg.withDefaults(),
		log:   log.With().Str("component", "ws").Logger(),
		clock: clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		jingles:       jingles,
		buzzers:       make(map[string]*Peer),
		peers:         make(map[*Peer]struct{}),
		activeJingles: make(map[string]*Peer),
	}
}

// SetEngine attaches the game engine. Done after construction because
// the engine takes the hub as its notifier.
func (h *Hub) SetEngine(engine *app.GameService) {
	h.engine = engine
}

// Run drives the heartbeat until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := h.clock.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			h.heartbeat()
		}
	}
}

// ServeWS upgrades the request and runs the peer's read loop until the
// connection drops.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	p := newPeer(h, conn)
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()

	p.idTimer = h.clock.AfterFunc(h.cfg.IdentificationTimeout, func() {
		if !p.isIdentified() {
			p.log.Info().Msg("identification timeout")
			p.closeWithCode(domain.CloseIdentificationTimeout, "Identification timeout")
		}
	})

	go p.writePump()
	h.readPump(p)
	h.unregister(p)
}

func (h *Hub) readPump(p *Peer) {
	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			p.log.Debug().Int("message_type", messageType).Msg("non-text frame dropped")
			continue
		}
		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			p.log.Warn().Err(err).Msg("unparseable frame dropped")
			continue
		}
		h.route(p, env)
	}
}

func (h *Hub) unregister(p *Peer) {
	p.close()
	if p.idTimer != nil {
		p.idTimer.Stop()
	}

	h.mu.Lock()
	delete(h.peers, p)
	var wasConsole bool
	var buzzerID string
	if h.console == p {
		h.console = nil
		wasConsole = true
	}
	p.mu.Lock()
	if p.class == classBuzzer && p.buzzerID != "" {
		if h.buzzers[p.buzzerID] == p {
			delete(h.buzzers, p.buzzerID)
			if h.activeJingles[p.buzzerID] == p {
				delete(h.activeJingles, p.buzzerID)
			}
			buzzerID = p.buzzerID
		}
	}
	p.mu.Unlock()
	total := len(h.buzzers)
	h.mu.Unlock()

	switch {
	case wasConsole:
		h.log.Info().Msg("console disconnected")
	case buzzerID != "":
		h.log.Info().Str("buzzer_id", buzzerID).Msg("buzzer disconnected")
		h.sendToConsole(domain.TypeBuzzerDisconnected, domain.BuzzerDisconnectedPayload{
			BuzzerID:     buzzerID,
			TotalBuzzers: total,
		})
	}
}

// heartbeat terminates peers that missed the previous interval and
// pings the rest.
func (h *Hub) heartbeat() {
	h.mu.RLock()
	peers := make([]*Peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	now := h.clock.Now().UnixMilli()
	for _, p := range peers {
		if p.closed() {
			continue
		}
		if !p.heartbeatCheck() {
			p.log.Info().Str("peer_class", p.peerClass().String()).Msg("heartbeat missed, terminating")
			p.close()
			h.unregister(p)
			continue
		}
		p.sendMessage(domain.TypePing, domain.PingPayload{TSend: now})
	}
}

// --- broadcaster helpers ---

func (h *Hub) consolePeer() *Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.console
}

func (h *Hub) buzzerPeer(buzzerID string) (*Peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.buzzers[buzzerID]
	return p, ok
}

func (h *Hub) buzzerPeers() []*Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	peers := make([]*Peer, 0, len(h.buzzers))
	for _, p := range h.buzzers {
		peers = append(peers, p)
	}
	return peers
}

func (h *Hub) sendToConsole(msgType string, payload any) {
	p := h.consolePeer()
	if p == nil || p.closed() {
		h.log.Warn().Str("type", msgType).Msg("no console connected, message dropped")
		return
	}
	p.sendMessage(msgType, payload)
}

func (h *Hub) sendToBuzzer(buzzerID, msgType string, payload any) bool {
	p, ok := h.buzzerPeer(buzzerID)
	if !ok || p.closed() {
		h.log.Warn().Str("type", msgType).Str("buzzer_id", buzzerID).Msg("buzzer not connected, message dropped")
		return false
	}
	return p.sendMessage(msgType, payload)
}

// broadcastToBuzzers fans the message out and reports how many buzzers
// it was queued for.
func (h *Hub) broadcastToBuzzers(msgType string, payload any) int {
	sent := 0
	for _, p := range h.buzzerPeers() {
		if p.sendMessage(msgType, payload) {
			sent++
		}
	}
	return sent
}

func (h *Hub) buzzerList() domain.BuzzerListUpdatePayload {
	peers := h.buzzerPeers()
	infos := make([]domain.BuzzerInfo, 0, len(peers))
	for _, p := range peers {
		infos = append(infos, p.buzzerInfo())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return domain.BuzzerListUpdatePayload{Buzzers: infos, Total: len(infos)}
}

// connectedBuzzerIDs returns the registry keys, minus any given
// exclusions, sorted for stable payloads.
func (h *Hub) connectedBuzzerIDs(excluded []string) []string {
	skip := make(map[string]struct{}, len(excluded))
	for _, id := range excluded {
		skip[id] = struct{}{}
	}
	h.mu.RLock()
	ids := make([]string, 0, len(h.buzzers))
	for id := range h.buzzers {
		if _, ok := skip[id]; !ok {
			ids = append(ids, id)
		}
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// --- identification ---

func (h *Hub) identifyConsole(p *Peer) {
	h.mu.Lock()
	prior := h.console
	h.console = p
	h.mu.Unlock()

	if prior != nil && prior != p {
		prior.log.Info().Msg("console replaced by new connection")
		prior.closeWithCode(domain.CloseAdminDisconnect, "replaced by new console")
	}

	p.mu.Lock()
	p.class = classConsole
	p.identified = true
	p.mu.Unlock()
	if p.idTimer != nil {
		p.idTimer.Stop()
	}

	p.log.Info().Msg("console identified")
	p.sendMessage(domain.TypeConnected, domain.ConnectedPayload{
		SessionID:  uuid.NewString(),
		ServerTime: h.clock.Now().UnixMilli(),
		Config: domain.ServerConfig{
			MaxBuzzers: h.cfg.MaxBuzzers,
			Version:    h.cfg.Version,
		},
	})
	p.sendMessage(domain.TypeBuzzerListUpdate, h.buzzerList())
}

func (h *Hub) identifyBuzzer(p *Peer, payload domain.BuzzerRegisterPayload) {
	if payload.BuzzerID == "" {
		p.log.Warn().Msg("buzzer register without buzzerID dropped")
		return
	}

	h.mu.Lock()
	if _, dup := h.buzzers[payload.BuzzerID]; dup {
		h.mu.Unlock()
		p.log.Info().Str("buzzer_id", payload.BuzzerID).Msg("duplicate buzzer registration rejected")
		p.sendMessage(domain.TypeConnectionRejected, domain.ConnectionRejectedPayload{
			Reason: "buzzer ID already registered",
		})
		// Give the writer a moment to flush the rejection first.
		h.clock.AfterFunc(100*time.Millisecond, func() {
			p.closeWithCode(domain.CloseDuplicateBuzzerID, "duplicate buzzer ID")
		})
		return
	}
	playerNumber := len(h.buzzers) + 1
	h.buzzers[payload.BuzzerID] = p
	total := len(h.buzzers)
	h.mu.Unlock()

	p.mu.Lock()
	p.class = classBuzzer
	p.identified = true
	p.buzzerID = payload.BuzzerID
	p.macAddress = payload.MACAddress
	if p.name == "" {
		p.name = payload.BuzzerID
	}
	p.playerNumber = playerNumber
	p.mu.Unlock()
	if p.idTimer != nil {
		p.idTimer.Stop()
	}

	p.log.Info().Str("buzzer_id", payload.BuzzerID).Int("player_number", playerNumber).Msg("buzzer identified")
	p.sendMessage(domain.TypeConnectionAck, domain.ConnectionAckPayload{
		BuzzerID:     payload.BuzzerID,
		PlayerNumber: playerNumber,
		ServerTime:   h.clock.Now().UnixMilli(),
	})
	h.sendToConsole(domain.TypeBuzzerConnected, domain.BuzzerConnectedPayload{
		Buzzer:       p.buzzerInfo(),
		TotalBuzzers: total,
	})
}

// --- engine notifications (app.Notifier) ---

// BuzzWinner publishes the arbitration outcome: locks every buzzer on
// the winner and reports it to the console.
func (h *Hub) BuzzWinner(gameID string, questionID int64, winner app.WinnerEvent) {
	h.broadcastToBuzzers(domain.TypeBuzzerLocked, domain.BuzzerLockedPayload{
		GameID:     gameID,
		QuestionID: questionID,
		WinnerID:   winner.BuzzerID,
	})
	h.sendToConsole(domain.TypeBuzzWinner, domain.BuzzWinnerPayload{
		BuzzerID:     winner.BuzzerID,
		PlayerName:   winner.PlayerName,
		QuestionID:   questionID,
		GameID:       gameID,
		ResponseTime: winner.ResponseTimeMs,
	})
}
