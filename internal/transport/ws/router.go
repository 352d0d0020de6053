package ws

import (
	"context"
	"encoding/json"
	"errors"

	"buzzquiz-server/internal/domain"
)

// route dispatches a parsed envelope. Unidentified peers may only sync
// clocks, ping, or identify; everything else is logged and dropped.
// Unknown types never close the connection.
func (h *Hub) route(p *Peer, env domain.Envelope) {
	if !p.isIdentified() {
		h.routePreIdentification(p, env)
		return
	}
	switch p.peerClass() {
	case classConsole:
		h.routeConsole(p, env)
	case classBuzzer:
		h.routeBuzzer(p, env)
	}
}

func (h *Hub) routePreIdentification(p *Peer, env domain.Envelope) {
	switch env.Type {
	case domain.TypeTimeSyncReq:
		h.handleTimeSync(p, env)
	case domain.TypePing:
		h.handlePing(p, env)
	case domain.TypeAngularConnect:
		h.identifyConsole(p)
	case domain.TypeBuzzerRegister:
		var payload domain.BuzzerRegisterPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			p.log.Warn().Err(err).Msg("bad BUZZER_REGISTER payload dropped")
			return
		}
		h.identifyBuzzer(p, payload)
	default:
		p.log.Warn().Str("type", env.Type).Msg("message before identification dropped")
	}
}

func (h *Hub) routeConsole(p *Peer, env domain.Envelope) {
	switch env.Type {
	case domain.TypeRequestBuzzerList:
		p.sendMessage(domain.TypeBuzzerListUpdate, h.buzzerList())
	case domain.TypePlayerRename:
		h.handlePlayerRename(p, env)
	case domain.TypeQuestionSend:
		h.handleQuestionSend(p, env)
	case domain.TypeGameStart:
		h.handleGameStart(p, env)
	case domain.TypeBuzzerDisconnect:
		h.handleBuzzerDisconnect(p, env)
	case domain.TypeBuzzCorrect:
		h.handleBuzzDecision(p, env, true)
	case domain.TypeBuzzReopen:
		h.handleBuzzDecision(p, env, false)
	case domain.TypeJinglePlay:
		h.handleJinglePlay(p, env)
	case domain.TypeTimeSyncReq:
		h.handleTimeSync(p, env)
	case domain.TypePing:
		h.handlePing(p, env)
	case domain.TypePong:
		h.handlePong(p, env)
	default:
		p.log.Warn().Str("type", env.Type).Msg("unknown console message dropped")
	}
}

func (h *Hub) routeBuzzer(p *Peer, env domain.Envelope) {
	switch env.Type {
	case domain.TypeAnswerMCQ:
		h.handleAnswerMCQ(p, env)
	case domain.TypeAnswerBuzzer:
		h.handleAnswerBuzzer(p, env)
	case domain.TypeStatusUpdate:
		h.handleStatusUpdate(p, env)
	case domain.TypeTimeSyncReq:
		h.handleTimeSync(p, env)
	case domain.TypePing:
		h.handlePing(p, env)
	case domain.TypePong:
		h.handlePong(p, env)
	default:
		p.log.Warn().Str("type", env.Type).Msg("unknown buzzer message dropped")
	}
}

// --- clock & sync ---

// handleTimeSync echoes T1 and stamps receive/send instants so the
// client can compute its offset.
func (h *Hub) handleTimeSync(p *Peer, env domain.Envelope) {
	var payload domain.TimeSyncRequestPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		p.log.Warn().Err(err).Msg("bad TIME_SYNC_REQ payload dropped")
		return
	}
	now := h.clock.Now().UnixMilli()
	p.sendMessage(domain.TypeTimeSyncRes, domain.TimeSyncResponsePayload{
		T1: payload.T1,
		T2: now,
		T3: now,
	})
}

func (h *Hub) handlePing(p *Peer, env domain.Envelope) {
	var payload domain.PingPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		p.log.Warn().Err(err).Msg("bad PING payload dropped")
		return
	}
	p.markAlive(-1)
	p.sendMessage(domain.TypePong, domain.PongPayload{
		TSend:    payload.TSend,
		TReceive: h.clock.Now().UnixMilli(),
	})
}

func (h *Hub) handlePong(p *Peer, env domain.Envelope) {
	var payload domain.PingPayload
	latency := int64(-1)
	if err := json.Unmarshal(env.Payload, &payload); err == nil && payload.TSend > 0 {
		latency = h.clock.Now().UnixMilli() - payload.TSend
	}
	p.markAlive(latency)
}

// --- console handlers ---

func (h *Hub) handlePlayerRename(p *Peer, env domain.Envelope) {
	var payload domain.PlayerRenamePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		p.log.Warn().Err(err).Msg("bad PLAYER_RENAME payload dropped")
		return
	}
	buzzer, ok := h.buzzerPeer(payload.BuzzerID)
	if !ok {
		p.sendMessage(domain.TypeError, domain.ErrorPayload{Message: "buzzer not connected: " + payload.BuzzerID})
		return
	}
	buzzer.mu.Lock()
	buzzer.name = payload.NewName
	buzzer.mu.Unlock()
	h.engine.RenamePlayer(payload.BuzzerID, payload.NewName)

	buzzer.sendMessage(domain.TypePlayerNameUpdate, domain.PlayerNameUpdatePayload{Name: payload.NewName})
	p.sendMessage(domain.TypeBuzzerListUpdate, h.buzzerList())
}

func (h *Hub) handleQuestionSend(p *Peer, env domain.Envelope) {
	var payload domain.QuestionSendPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		p.log.Warn().Err(err).Msg("bad QUESTION_SEND payload dropped")
		return
	}

	start, err := h.engine.DispatchQuestion(context.Background(), payload.GameID, payload.QuestionID)
	if err != nil {
		if errors.Is(err, domain.ErrQuestionNotFound) {
			p.sendMessage(domain.TypeError, domain.ErrorPayload{Message: "question not found"})
		} else {
			p.log.Error().Err(err).Int64("question_id", payload.QuestionID).Msg("question dispatch failed")
			p.sendMessage(domain.TypeError, domain.ErrorPayload{Message: "question dispatch failed"})
		}
		return
	}

	sentTo := h.broadcastToBuzzers(domain.TypeQuestionStart, start)
	p.sendMessage(domain.TypeQuestionSent, domain.QuestionSentPayload{
		QuestionID: payload.QuestionID,
		SentTo:     sentTo,
		Timestamp:  h.clock.Now().UnixMilli(),
	})
}

func (h *Hub) handleGameStart(p *Peer, env domain.Envelope) {
	var payload domain.GameStartPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		p.log.Warn().Err(err).Msg("bad GAME_START payload dropped")
		return
	}
	h.engine.StartGame(payload.GameID, payload.Name, payload.TotalQuestions)
	for _, buzzer := range h.buzzerPeers() {
		buzzer.mu.Lock()
		id, name := buzzer.buzzerID, buzzer.name
		buzzer.mu.Unlock()
		h.engine.EnsurePlayer(payload.GameID, id, name)
	}
	h.broadcastToBuzzers(domain.TypeGameStarted, domain.GameStartedPayload{
		GameID:         payload.GameID,
		Name:           payload.Name,
		TotalQuestions: payload.TotalQuestions,
	})
}

func (h *Hub) handleBuzzerDisconnect(p *Peer, env domain.Envelope) {
	var payload domain.BuzzerDisconnectPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		p.log.Warn().Err(err).Msg("bad BUZZER_DISCONNECT payload dropped")
		return
	}
	buzzer, ok := h.buzzerPeer(payload.BuzzerID)
	if !ok {
		p.sendMessage(domain.TypeError, domain.ErrorPayload{Message: "buzzer not connected: " + payload.BuzzerID})
		return
	}
	buzzer.log.Info().Str("buzzer_id", payload.BuzzerID).Msg("admin disconnect")
	buzzer.closeWithCode(domain.CloseAdminDisconnect, "disconnected by console")
}

// handleBuzzDecision settles the winner: BUZZ_CORRECT resolves the
// question, BUZZ_REOPEN excludes the winner and unlocks the rest.
func (h *Hub) handleBuzzDecision(p *Peer, env domain.Envelope, isCorrect bool) {
	var payload domain.BuzzDecisionPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		p.log.Warn().Err(err).Msg("bad buzz decision payload dropped")
		return
	}

	outcome, err := h.engine.ValidateBuzz(context.Background(), payload.GameID, payload.QuestionID, payload.BuzzerID, isCorrect)
	if err != nil && isCorrect {
		p.sendMessage(domain.TypeError, domain.ErrorPayload{Message: err.Error()})
		return
	}
	if err != nil {
		// Reopen still proceeds; the exclusion is what matters.
		p.log.Warn().Err(err).Str("buzzer_id", payload.BuzzerID).Msg("validate before reopen failed")
	}

	if isCorrect {
		h.sendToBuzzer(payload.BuzzerID, domain.TypeAnswerResult, domain.AnswerResultPayload{
			QuestionID:   payload.QuestionID,
			IsCorrect:    true,
			Points:       outcome.Points,
			ResponseTime: outcome.ResponseTimeMs,
		})
		p.sendMessage(domain.TypeBuzzValidated, domain.BuzzValidatedPayload{
			BuzzerID:     payload.BuzzerID,
			IsCorrect:    true,
			Points:       outcome.Points,
			ResponseTime: outcome.ResponseTimeMs,
		})
		h.broadcastToBuzzers(domain.TypeBuzzerUnlocked, domain.BuzzerUnlockedPayload{
			GameID:     payload.GameID,
			QuestionID: payload.QuestionID,
		})
		return
	}

	excluded, err := h.engine.ExcludePlayer(payload.GameID, payload.QuestionID, payload.BuzzerID)
	if err != nil {
		p.sendMessage(domain.TypeError, domain.ErrorPayload{Message: err.Error()})
		return
	}

	excludedSet := make(map[string]struct{}, len(excluded))
	for _, id := range excluded {
		excludedSet[id] = struct{}{}
	}
	for _, buzzer := range h.buzzerPeers() {
		buzzer.mu.Lock()
		id := buzzer.buzzerID
		buzzer.mu.Unlock()
		if _, isExcluded := excludedSet[id]; isExcluded {
			buzzer.sendMessage(domain.TypeBuzzerExcluded, domain.BuzzerExcludedPayload{
				GameID:     payload.GameID,
				QuestionID: payload.QuestionID,
				Reason:     "wrong answer",
			})
		} else {
			buzzer.sendMessage(domain.TypeBuzzerUnlocked, domain.BuzzerUnlockedPayload{
				GameID:     payload.GameID,
				QuestionID: payload.QuestionID,
			})
		}
	}
	p.sendMessage(domain.TypeBuzzReopened, domain.BuzzReopenedPayload{
		ExcludedPlayers:  excluded,
		RemainingPlayers: h.connectedBuzzerIDs(excluded),
	})
}

// --- buzzer handlers ---

func (h *Hub) handleAnswerMCQ(p *Peer, env domain.Envelope) {
	var payload domain.AnswerMCQPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		p.log.Warn().Err(err).Msg("bad ANSWER_MCQ payload dropped")
		return
	}

	p.mu.Lock()
	buzzerID, name := p.buzzerID, p.name
	p.mu.Unlock()

	h.engine.EnsurePlayer(payload.GameID, buzzerID, name)
	outcome, err := h.engine.RecordAnswer(context.Background(), payload.GameID, payload.QuestionID, buzzerID, payload.Answer, payload.Timestamps)
	if err != nil {
		p.log.Warn().Err(err).Int64("question_id", payload.QuestionID).Msg("answer rejected")
		h.sendToConsole(domain.TypeError, domain.ErrorPayload{Message: err.Error()})
		return
	}
	if outcome.Duplicate {
		p.log.Debug().Int64("question_id", payload.QuestionID).Msg("duplicate answer dropped")
		return
	}

	p.sendMessage(domain.TypeAnswerResult, domain.AnswerResultPayload{
		QuestionID:   payload.QuestionID,
		IsCorrect:    outcome.IsCorrect,
		Points:       outcome.Points,
		ResponseTime: outcome.ResponseTimeMs,
	})
	h.sendToConsole(domain.TypeAnswerReceived, domain.AnswerReceivedPayload{
		BuzzerID:     buzzerID,
		QuestionID:   payload.QuestionID,
		Answer:       payload.Answer,
		IsCorrect:    outcome.IsCorrect,
		Points:       outcome.Points,
		ResponseTime: outcome.ResponseTimeMs,
		Timestamps:   payload.Timestamps,
	})
}

func (h *Hub) handleAnswerBuzzer(p *Peer, env domain.Envelope) {
	var payload domain.AnswerBuzzerPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		p.log.Warn().Err(err).Msg("bad ANSWER_BUZZER payload dropped")
		return
	}

	p.mu.Lock()
	buzzerID, name := p.buzzerID, p.name
	p.mu.Unlock()

	h.engine.EnsurePlayer(payload.GameID, buzzerID, name)
	outcome := h.engine.RecordBuzz(payload.GameID, payload.QuestionID, buzzerID, payload.Timestamps)
	if outcome.Ignored {
		p.log.Debug().Str("reason", outcome.Reason).Msg("buzz ignored")
		p.sendMessage(domain.TypeBuzzIgnored, domain.BuzzIgnoredPayload{Reason: outcome.Reason})
	}
}

func (h *Hub) handleStatusUpdate(p *Peer, env domain.Envelope) {
	var payload domain.StatusUpdatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		p.log.Warn().Err(err).Msg("bad STATUS_UPDATE payload dropped")
		return
	}
	p.mu.Lock()
	p.battery = payload.Battery
	p.wifiRSSI = payload.WifiRSSI
	p.freeHeap = payload.FreeHeap
	buzzerID := p.buzzerID
	p.mu.Unlock()

	h.sendToConsole(domain.TypeBuzzerStatusUpdate, domain.BuzzerStatusUpdatePayload{
		BuzzerID: buzzerID,
		Battery:  payload.Battery,
		WifiRSSI: payload.WifiRSSI,
		FreeHeap: payload.FreeHeap,
	})
}
