package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"buzzquiz-server/internal/domain"
)

const (
	// defaultPoints is awarded when a question carries no point value.
	defaultPoints = 10
	// maxResponseTimeMs is the upper clamp applied to answer response
	// times. Buzz response times are only clamped at zero.
	maxResponseTimeMs = 120_000
)

// GameService owns all in-memory game state and the buzz arbitration
// logic. One mutex per game; the service map has its own.
type GameService struct {
	questions  QuestionRepository
	results    ResultWriter
	notifier   Notifier
	clock      clockwork.Clock
	log        zerolog.Logger
	buzzWindow time.Duration

	mu    sync.RWMutex
	games map[string]*game
}

// NewGameService wires the engine to its collaborators. buzzWindow is
// the simultaneity window; zero falls back to 200ms.
func NewGameService(questions QuestionRepository, results ResultWriter, notifier Notifier, clock clockwork.Clock, log zerolog.Logger, buzzWindow time.Duration) *GameService {
	if buzzWindow <= 0 {
		buzzWindow = 200 * time.Millisecond
	}
	return &GameService{
		questions:  questions,
		results:    results,
		notifier:   notifier,
		clock:      clock,
		log:        log.With().Str("component", "game").Logger(),
		buzzWindow: buzzWindow,
		games:      make(map[string]*game),
	}
}

type game struct {
	mu             sync.Mutex
	id             string
	name           string
	status         domain.GameStatus
	settings       domain.GameSettings
	totalQuestions int
	questionIDs    []int64
	currentIndex   int
	players        map[string]*domain.Player
	cur            questionState
}

type pendingBuzz struct {
	buzzerID       string
	responseTimeMs int64
	timestamps     domain.Timestamps
	receivedAt     time.Time
	processed      bool
}

// questionState is reset on every question dispatch. epoch increments
// with each reset so that late evaluation timers become no-ops.
type questionState struct {
	questionID int64
	question   domain.Question
	startTime  time.Time
	answers    map[string]domain.Result
	excluded   map[string]struct{}
	pending    []*pendingBuzz
	locked     bool
	winner     string
	timerArmed bool
	epoch      uint64
}

func (s *GameService) getOrCreateGame(gameID string) *game {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.games[gameID]; ok {
		return g
	}
	g := &game{
		id:           gameID,
		status:       domain.GameCreated,
		currentIndex: -1,
		players:      make(map[string]*domain.Player),
	}
	g.cur = newQuestionState(0, domain.Question{}, time.Time{}, 0)
	s.games[gameID] = g
	return g
}

func (s *GameService) getGame(gameID string) (*game, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.games[gameID]
	return g, ok
}

func newQuestionState(questionID int64, q domain.Question, startTime time.Time, epoch uint64) questionState {
	return questionState{
		questionID: questionID,
		question:   q,
		startTime:  startTime,
		answers:    make(map[string]domain.Result),
		excluded:   make(map[string]struct{}),
		epoch:      epoch,
	}
}

// StartGame creates the game if needed and marks it started.
func (s *GameService) StartGame(gameID, name string, totalQuestions int) {
	g := s.getOrCreateGame(gameID)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.name = name
	g.totalQuestions = totalQuestions
	g.status = domain.GameStarted
}

// EnsurePlayer registers a buzzer as a player of the game, keeping the
// existing stats if the same buzzerID reconnects.
func (s *GameService) EnsurePlayer(gameID, buzzerID, name string) {
	g := s.getOrCreateGame(gameID)
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.players[buzzerID]; ok {
		if name != "" {
			p.Name = name
		}
		return
	}
	g.players[buzzerID] = &domain.Player{BuzzerID: buzzerID, Name: name}
}

// RenamePlayer updates the display name in every game the buzzer is in.
func (s *GameService) RenamePlayer(buzzerID, newName string) {
	s.mu.RLock()
	games := make([]*game, 0, len(s.games))
	for _, g := range s.games {
		games = append(games, g)
	}
	s.mu.RUnlock()

	for _, g := range games {
		g.mu.Lock()
		if p, ok := g.players[buzzerID]; ok {
			p.Name = newName
		}
		g.mu.Unlock()
	}
}

// DispatchQuestion loads the question, resets the per-question runtime
// state, and returns the payload to broadcast. The previous question's
// evaluation timer is neutralized by the epoch bump.
func (s *GameService) DispatchQuestion(ctx context.Context, gameID string, questionID int64) (domain.QuestionStartPayload, error) {
	q, err := s.questions.GetQuestion(ctx, questionID)
	if err != nil {
		return domain.QuestionStartPayload{}, err
	}

	g := s.getOrCreateGame(gameID)
	now := s.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	epoch := g.cur.epoch + 1
	g.cur = newQuestionState(questionID, q, now, epoch)
	g.questionIDs = append(g.questionIDs, questionID)
	g.currentIndex++

	payload := domain.QuestionStartPayload{
		GameID:    gameID,
		ID:        q.ID,
		Text:      q.Text,
		Type:      q.Type,
		Category:  q.Category,
		Points:    questionPoints(q),
		StartTime: now.UnixMilli(),
	}
	if q.Type == domain.QuestionMCQ {
		payload.Answers = q.Answers
		payload.CorrectAnswer = q.CorrectAnswer
	}
	return payload, nil
}

// AnswerOutcome is the result of RecordAnswer.
type AnswerOutcome struct {
	Duplicate      bool
	IsCorrect      bool
	Points         int
	ResponseTimeMs int64
}

// RecordAnswer scores one MCQ (or buzzer-typed) answer. Duplicates from
// the same buzzer for the same question are dropped without mutation.
func (s *GameService) RecordAnswer(ctx context.Context, gameID string, questionID int64, buzzerID, answer string, ts domain.Timestamps) (AnswerOutcome, error) {
	g, ok := s.getGame(gameID)
	if !ok {
		return AnswerOutcome{}, domain.ErrGameNotFound
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cur.questionID != questionID || g.cur.startTime.IsZero() {
		return AnswerOutcome{}, domain.ErrNoCurrentQuestion
	}
	if _, dup := g.cur.answers[buzzerID]; dup {
		return AnswerOutcome{Duplicate: true}, nil
	}

	q := g.cur.question
	var isCorrect bool
	switch q.Type {
	case domain.QuestionBuzzer:
		// Rapidity question posted through the answer path: the first
		// recorded answer wins.
		isCorrect = len(g.cur.answers) == 0
	default:
		isCorrect = answer == q.CorrectAnswer
	}

	responseTime := s.responseTime(ts, g.cur.startTime)
	if responseTime > maxResponseTimeMs {
		responseTime = maxResponseTimeMs
	}

	points := 0
	if isCorrect {
		points = questionPoints(q)
	}

	result := domain.Result{
		GameID:         gameID,
		QuestionID:     questionID,
		BuzzerID:       buzzerID,
		Answer:         answer,
		IsCorrect:      isCorrect,
		Points:         points,
		ResponseTimeMs: responseTime,
		CreatedAt:      s.clock.Now(),
	}
	g.cur.answers[buzzerID] = result
	s.persistResult(ctx, result)
	g.updatePlayerStats(buzzerID, isCorrect, points, responseTime)

	return AnswerOutcome{IsCorrect: isCorrect, Points: points, ResponseTimeMs: responseTime}, nil
}

// BuzzOutcome is the result of RecordBuzz.
type BuzzOutcome struct {
	Ignored        bool
	Reason         string
	IsPending      bool
	ResponseTimeMs int64
}

// RecordBuzz queues a buzz for arbitration. The first eligible buzz of
// a question arms a single-shot timer for the simultaneity window; the
// winner is chosen when it fires, by response time rather than arrival
// order.
func (s *GameService) RecordBuzz(gameID string, questionID int64, buzzerID string, ts domain.Timestamps) BuzzOutcome {
	g, ok := s.getGame(gameID)
	if !ok {
		return BuzzOutcome{Ignored: true, Reason: "game not found"}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cur.questionID != questionID || g.cur.startTime.IsZero() {
		return BuzzOutcome{Ignored: true, Reason: "question not active"}
	}
	if _, excluded := g.cur.excluded[buzzerID]; excluded {
		return BuzzOutcome{Ignored: true, Reason: "excluded"}
	}
	for _, b := range g.cur.pending {
		if b.buzzerID == buzzerID && !b.processed {
			return BuzzOutcome{Ignored: true, Reason: "already buzzed"}
		}
	}
	if g.cur.locked {
		return BuzzOutcome{Ignored: true, Reason: "buzzers locked"}
	}

	// No upper clamp here; recordAnswer is the only clamped path.
	responseTime := s.responseTime(ts, g.cur.startTime)

	g.cur.pending = append(g.cur.pending, &pendingBuzz{
		buzzerID:       buzzerID,
		responseTimeMs: responseTime,
		timestamps:     ts,
		receivedAt:     s.clock.Now(),
	})

	if !g.cur.timerArmed {
		g.cur.timerArmed = true
		s.armEvaluation(g, g.cur.epoch)
	}

	return BuzzOutcome{IsPending: true, ResponseTimeMs: responseTime}
}

// armEvaluation starts the one-shot window timer. The callback re-checks
// the question epoch, so a question advance makes a stale fire a no-op.
func (s *GameService) armEvaluation(g *game, epoch uint64) {
	timer := s.clock.NewTimer(s.buzzWindow)
	go func() {
		<-timer.Chan()
		s.evaluateBuzzes(g, epoch)
	}()
}

// evaluateBuzzes elects the lowest-response-time pending buzz as winner,
// locks the buzzers, and publishes the outcome.
func (s *GameService) evaluateBuzzes(g *game, epoch uint64) {
	g.mu.Lock()

	if g.cur.epoch != epoch {
		g.mu.Unlock()
		return
	}
	g.cur.timerArmed = false
	if g.cur.locked {
		g.mu.Unlock()
		return
	}

	eligible := make([]*pendingBuzz, 0, len(g.cur.pending))
	for _, b := range g.cur.pending {
		if b.processed {
			continue
		}
		if _, excluded := g.cur.excluded[b.buzzerID]; excluded {
			continue
		}
		eligible = append(eligible, b)
	}
	if len(eligible) == 0 {
		g.mu.Unlock()
		return
	}

	// Stable sort keeps arrival order as the tie-break, which is
	// deterministic within one run.
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].responseTimeMs < eligible[j].responseTimeMs
	})
	winner := eligible[0]
	for _, b := range eligible {
		b.processed = true
	}
	g.cur.winner = winner.buzzerID
	g.cur.locked = true

	playerName := winner.buzzerID
	if p, ok := g.players[winner.buzzerID]; ok && p.Name != "" {
		playerName = p.Name
	}
	gameID := g.id
	questionID := g.cur.questionID
	event := WinnerEvent{
		BuzzerID:       winner.buzzerID,
		PlayerName:     playerName,
		ResponseTimeMs: winner.responseTimeMs,
	}
	g.mu.Unlock()

	s.log.Info().
		Str("game_id", gameID).
		Int64("question_id", questionID).
		Str("buzzer_id", event.BuzzerID).
		Int64("response_time_ms", event.ResponseTimeMs).
		Msg("buzz winner elected")
	s.notifier.BuzzWinner(gameID, questionID, event)
}

// ValidateOutcome is the result of ValidateBuzz.
type ValidateOutcome struct {
	BuzzerID       string
	PlayerName     string
	IsCorrect      bool
	Points         int
	ResponseTimeMs int64
}

// ValidateBuzz settles the elected winner's buzz. Only the locked
// winner is validatable; a correct validation scores and persists the
// result, an incorrect one records the miss and leaves exclusion to
// ExcludePlayer.
func (s *GameService) ValidateBuzz(ctx context.Context, gameID string, questionID int64, buzzerID string, isCorrect bool) (ValidateOutcome, error) {
	g, ok := s.getGame(gameID)
	if !ok {
		return ValidateOutcome{}, domain.ErrGameNotFound
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cur.questionID != questionID {
		return ValidateOutcome{}, domain.ErrNoCurrentQuestion
	}
	if g.cur.winner != buzzerID {
		return ValidateOutcome{}, domain.ErrNoWinner
	}

	var buzz *pendingBuzz
	for _, b := range g.cur.pending {
		if b.buzzerID == buzzerID {
			buzz = b
		}
	}
	if buzz == nil {
		return ValidateOutcome{}, domain.ErrNoWinner
	}

	points := 0
	if isCorrect {
		points = questionPoints(g.cur.question)
	}

	result := domain.Result{
		GameID:         gameID,
		QuestionID:     questionID,
		BuzzerID:       buzzerID,
		IsCorrect:      isCorrect,
		Points:         points,
		ResponseTimeMs: buzz.responseTimeMs,
		CreatedAt:      s.clock.Now(),
	}
	s.persistResult(ctx, result)
	g.updatePlayerStats(buzzerID, isCorrect, points, buzz.responseTimeMs)

	playerName := buzzerID
	if p, ok := g.players[buzzerID]; ok && p.Name != "" {
		playerName = p.Name
	}

	if isCorrect {
		// Question resolved; release the lock so the next dispatch
		// starts clean and late buzzes are simply stale.
		g.cur.locked = false
		g.cur.winner = ""
	}

	return ValidateOutcome{
		BuzzerID:       buzzerID,
		PlayerName:     playerName,
		IsCorrect:      isCorrect,
		Points:         points,
		ResponseTimeMs: buzz.responseTimeMs,
	}, nil
}

// ExcludePlayer bars a buzzer from re-buzzing for the current question
// and reopens arbitration for everyone else. The next incoming buzz
// arms a fresh window.
func (s *GameService) ExcludePlayer(gameID string, questionID int64, buzzerID string) ([]string, error) {
	g, ok := s.getGame(gameID)
	if !ok {
		return nil, domain.ErrGameNotFound
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cur.questionID != questionID {
		return nil, domain.ErrNoCurrentQuestion
	}

	g.cur.excluded[buzzerID] = struct{}{}
	g.cur.locked = false
	g.cur.winner = ""

	excluded := make([]string, 0, len(g.cur.excluded))
	for id := range g.cur.excluded {
		excluded = append(excluded, id)
	}
	sort.Strings(excluded)
	return excluded, nil
}

// ExcludedPlayers returns the current question's exclusion set.
func (s *GameService) ExcludedPlayers(gameID string) []string {
	g, ok := s.getGame(gameID)
	if !ok {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	excluded := make([]string, 0, len(g.cur.excluded))
	for id := range g.cur.excluded {
		excluded = append(excluded, id)
	}
	sort.Strings(excluded)
	return excluded
}

// Player returns a copy of the player's standing, if any.
func (s *GameService) Player(gameID, buzzerID string) (domain.Player, bool) {
	g, ok := s.getGame(gameID)
	if !ok {
		return domain.Player{}, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.players[buzzerID]
	if !ok {
		return domain.Player{}, false
	}
	return *p, true
}

// CurrentWinner reports the locked winner for the game, if any.
func (s *GameService) CurrentWinner(gameID string) (string, bool) {
	g, ok := s.getGame(gameID)
	if !ok {
		return "", false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.cur.locked || g.cur.winner == "" {
		return "", false
	}
	return g.cur.winner, true
}

func (g *game) updatePlayerStats(buzzerID string, isCorrect bool, points int, responseTime int64) {
	p, ok := g.players[buzzerID]
	if !ok {
		p = &domain.Player{BuzzerID: buzzerID}
		g.players[buzzerID] = p
	}
	p.TotalAnswers++
	if isCorrect {
		p.CorrectAnswers++
		p.Score += points
	}
	p.TotalTimeMs += responseTime
	if p.FastestTimeMs == 0 || responseTime < p.FastestTimeMs {
		p.FastestTimeMs = responseTime
	}
	if responseTime > p.SlowestTimeMs {
		p.SlowestTimeMs = responseTime
	}
}

// responseTime prefers the synced client timestamp and falls back to
// the server clock. Negative values clamp to zero.
func (s *GameService) responseTime(ts domain.Timestamps, startTime time.Time) int64 {
	var rt int64
	if ts.Synced > 0 {
		rt = ts.Synced - startTime.UnixMilli()
	} else {
		rt = s.clock.Now().Sub(startTime).Milliseconds()
	}
	if rt < 0 {
		rt = 0
	}
	return rt
}

func (s *GameService) persistResult(ctx context.Context, result domain.Result) {
	if s.results == nil {
		return
	}
	if err := s.results.WriteResult(ctx, result); err != nil {
		s.log.Error().Err(err).
			Str("game_id", result.GameID).
			Int64("question_id", result.QuestionID).
			Str("buzzer_id", result.BuzzerID).
			Msg("result persist failed, in-memory state kept")
	}
}

func questionPoints(q domain.Question) int {
	if q.Points > 0 {
		return q.Points
	}
	return defaultPoints
}
