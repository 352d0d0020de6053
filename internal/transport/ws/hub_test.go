package ws

import (
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"buzzquiz-server/internal/app"
	"buzzquiz-server/internal/domain"
	"buzzquiz-server/internal/infra/memory"
)

const testBuzzWindow = 50 * time.Millisecond

func newTestServer(t *testing.T, cfg Config, jingles map[int64]domain.Jingle) (*httptest.Server, *Hub, *memory.ResultWriter) {
	t.Helper()
	clock := clockwork.NewRealClock()
	hub := NewHub(cfg, memory.NewJingleRepository(jingles), clock, zerolog.Nop())

	questions := memory.NewQuestionRepository(memory.NewStaticQuestionLoader(map[int64]domain.Question{
		42: {
			ID:            42,
			Text:          "What is 2 + 2?",
			Type:          domain.QuestionMCQ,
			Points:        10,
			Answers:       []string{"3", "4", "5"},
			CorrectAnswer: "4",
		},
		43: {
			ID:     43,
			Text:   "First to buzz!",
			Type:   domain.QuestionBuzzer,
			Points: 10,
		},
	}), time.Minute)
	results := memory.NewResultWriter()
	engine := app.NewGameService(questions, results, hub, clock, zerolog.Nop(), testBuzzWindow)
	hub.SetEngine(engine)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, hub, results
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + server.URL[len("http"):] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, sender, msgType string, payload any) {
	t.Helper()
	err := conn.WriteJSON(domain.OutboundEnvelope{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Sender:    sender,
		Payload:   payload,
	})
	if err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

// readUntil skips unrelated messages until the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("read waiting for %s: %v", wantType, err)
		}
		if env.Type == wantType {
			return env.Payload
		}
	}
}

func dialConsole(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	conn := dial(t, server)
	sendEnvelope(t, conn, domain.SenderConsole, domain.TypeAngularConnect, map[string]any{})
	readUntil(t, conn, domain.TypeConnected)
	readUntil(t, conn, domain.TypeBuzzerListUpdate)
	return conn
}

func dialBuzzer(t *testing.T, server *httptest.Server, buzzerID string) *websocket.Conn {
	t.Helper()
	conn := dial(t, server)
	sendEnvelope(t, conn, domain.SenderBuzzer, domain.TypeBuzzerRegister, domain.BuzzerRegisterPayload{
		BuzzerID:   buzzerID,
		MACAddress: "aa:bb:cc:dd:ee:ff",
	})
	readUntil(t, conn, domain.TypeConnectionAck)
	return conn
}

func TestTimeSyncEchoBeforeIdentification(t *testing.T) {
	server, _, _ := newTestServer(t, Config{}, nil)
	conn := dial(t, server)

	sendEnvelope(t, conn, domain.SenderBuzzer, domain.TypeTimeSyncReq, domain.TimeSyncRequestPayload{T1: 123456})
	payload := readUntil(t, conn, domain.TypeTimeSyncRes)

	var res domain.TimeSyncResponsePayload
	if err := json.Unmarshal(payload, &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.T1 != 123456 {
		t.Fatalf("T1 must be echoed unchanged, got %d", res.T1)
	}
	if res.T2 == 0 || res.T3 == 0 {
		t.Fatalf("expected server timestamps, got %+v", res)
	}
}

func TestIdentificationTimeoutCloses4001(t *testing.T) {
	server, _, _ := newTestServer(t, Config{IdentificationTimeout: 100 * time.Millisecond}, nil)
	conn := dial(t, server)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != domain.CloseIdentificationTimeout {
		t.Fatalf("expected close code 4001, got %d", closeErr.Code)
	}
}

func TestDuplicateBuzzerRegistrationRejected(t *testing.T) {
	server, _, _ := newTestServer(t, Config{}, nil)
	console := dialConsole(t, server)

	first := dial(t, server)
	sendEnvelope(t, first, domain.SenderBuzzer, domain.TypeBuzzerRegister, domain.BuzzerRegisterPayload{BuzzerID: "X"})
	var ack domain.ConnectionAckPayload
	if err := json.Unmarshal(readUntil(t, first, domain.TypeConnectionAck), &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.PlayerNumber != 1 {
		t.Fatalf("expected playerNumber 1, got %d", ack.PlayerNumber)
	}

	second := dial(t, server)
	sendEnvelope(t, second, domain.SenderBuzzer, domain.TypeBuzzerRegister, domain.BuzzerRegisterPayload{BuzzerID: "X"})
	readUntil(t, second, domain.TypeConnectionRejected)

	_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := second.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != domain.CloseDuplicateBuzzerID {
		t.Fatalf("expected close code 4002, got %v", err)
	}

	sendEnvelope(t, console, domain.SenderConsole, domain.TypeRequestBuzzerList, map[string]any{})
	var list domain.BuzzerListUpdatePayload
	if err := json.Unmarshal(readUntil(t, console, domain.TypeBuzzerListUpdate), &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if list.Total != 1 {
		t.Fatalf("registry must keep one entry, got %d", list.Total)
	}
}

func TestSingleBuzzerWins(t *testing.T) {
	server, _, _ := newTestServer(t, Config{}, nil)
	console := dialConsole(t, server)
	buzzer := dialBuzzer(t, server, "B1")

	sendEnvelope(t, console, domain.SenderConsole, domain.TypeQuestionSend, domain.QuestionSendPayload{
		GameID:     "g1",
		QuestionID: 43,
	})

	var start domain.QuestionStartPayload
	if err := json.Unmarshal(readUntil(t, buzzer, domain.TypeQuestionStart), &start); err != nil {
		t.Fatalf("unmarshal question start: %v", err)
	}
	var sent domain.QuestionSentPayload
	if err := json.Unmarshal(readUntil(t, console, domain.TypeQuestionSent), &sent); err != nil {
		t.Fatalf("unmarshal question sent: %v", err)
	}
	if sent.QuestionID != 43 || sent.SentTo != 1 {
		t.Fatalf("unexpected QUESTION_SENT: %+v", sent)
	}

	sendEnvelope(t, buzzer, domain.SenderBuzzer, domain.TypeAnswerBuzzer, domain.AnswerBuzzerPayload{
		GameID:     "g1",
		QuestionID: 43,
		Timestamps: domain.Timestamps{Synced: start.StartTime + 300},
	})

	var winner domain.BuzzWinnerPayload
	if err := json.Unmarshal(readUntil(t, console, domain.TypeBuzzWinner), &winner); err != nil {
		t.Fatalf("unmarshal winner: %v", err)
	}
	if winner.BuzzerID != "B1" || winner.ResponseTime != 300 {
		t.Fatalf("expected B1 at 300ms, got %+v", winner)
	}

	var locked domain.BuzzerLockedPayload
	if err := json.Unmarshal(readUntil(t, buzzer, domain.TypeBuzzerLocked), &locked); err != nil {
		t.Fatalf("unmarshal locked: %v", err)
	}
	if locked.WinnerID != "B1" {
		t.Fatalf("expected winnerID B1, got %+v", locked)
	}
}

func TestReopenFlowElectsNewWinner(t *testing.T) {
	server, _, _ := newTestServer(t, Config{}, nil)
	console := dialConsole(t, server)
	b1 := dialBuzzer(t, server, "B1")
	b2 := dialBuzzer(t, server, "B2")

	sendEnvelope(t, console, domain.SenderConsole, domain.TypeQuestionSend, domain.QuestionSendPayload{
		GameID:     "g1",
		QuestionID: 43,
	})
	var start domain.QuestionStartPayload
	if err := json.Unmarshal(readUntil(t, b1, domain.TypeQuestionStart), &start); err != nil {
		t.Fatalf("unmarshal start: %v", err)
	}
	readUntil(t, b2, domain.TypeQuestionStart)

	// B2 is faster in question-relative time.
	sendEnvelope(t, b1, domain.SenderBuzzer, domain.TypeAnswerBuzzer, domain.AnswerBuzzerPayload{
		GameID: "g1", QuestionID: 43, Timestamps: domain.Timestamps{Synced: start.StartTime + 520},
	})
	sendEnvelope(t, b2, domain.SenderBuzzer, domain.TypeAnswerBuzzer, domain.AnswerBuzzerPayload{
		GameID: "g1", QuestionID: 43, Timestamps: domain.Timestamps{Synced: start.StartTime + 505},
	})

	var winner domain.BuzzWinnerPayload
	if err := json.Unmarshal(readUntil(t, console, domain.TypeBuzzWinner), &winner); err != nil {
		t.Fatalf("unmarshal winner: %v", err)
	}
	if winner.BuzzerID != "B2" {
		t.Fatalf("expected B2 to win, got %+v", winner)
	}

	sendEnvelope(t, console, domain.SenderConsole, domain.TypeBuzzReopen, domain.BuzzDecisionPayload{
		GameID: "g1", QuestionID: 43, BuzzerID: "B2",
	})

	readUntil(t, b2, domain.TypeBuzzerExcluded)
	readUntil(t, b1, domain.TypeBuzzerUnlocked)
	var reopened domain.BuzzReopenedPayload
	if err := json.Unmarshal(readUntil(t, console, domain.TypeBuzzReopened), &reopened); err != nil {
		t.Fatalf("unmarshal reopened: %v", err)
	}
	if len(reopened.ExcludedPlayers) != 1 || reopened.ExcludedPlayers[0] != "B2" {
		t.Fatalf("expected excluded [B2], got %v", reopened.ExcludedPlayers)
	}
	if len(reopened.RemainingPlayers) != 1 || reopened.RemainingPlayers[0] != "B1" {
		t.Fatalf("expected remaining [B1], got %v", reopened.RemainingPlayers)
	}

	sendEnvelope(t, b1, domain.SenderBuzzer, domain.TypeAnswerBuzzer, domain.AnswerBuzzerPayload{
		GameID: "g1", QuestionID: 43, Timestamps: domain.Timestamps{Synced: start.StartTime + 1000},
	})
	if err := json.Unmarshal(readUntil(t, console, domain.TypeBuzzWinner), &winner); err != nil {
		t.Fatalf("unmarshal second winner: %v", err)
	}
	if winner.BuzzerID != "B1" {
		t.Fatalf("expected B1 to win reopened round, got %+v", winner)
	}
}

func TestMCQAnswerFlow(t *testing.T) {
	server, _, results := newTestServer(t, Config{}, nil)
	console := dialConsole(t, server)
	buzzer := dialBuzzer(t, server, "B1")

	sendEnvelope(t, console, domain.SenderConsole, domain.TypeQuestionSend, domain.QuestionSendPayload{
		GameID: "g1", QuestionID: 42,
	})
	var start domain.QuestionStartPayload
	if err := json.Unmarshal(readUntil(t, buzzer, domain.TypeQuestionStart), &start); err != nil {
		t.Fatalf("unmarshal start: %v", err)
	}
	if len(start.Answers) != 3 || start.CorrectAnswer != "4" {
		t.Fatalf("MCQ payload incomplete: %+v", start)
	}

	sendEnvelope(t, buzzer, domain.SenderBuzzer, domain.TypeAnswerMCQ, domain.AnswerMCQPayload{
		GameID: "g1", QuestionID: 42, Answer: "4",
		Timestamps: domain.Timestamps{Synced: start.StartTime + 300},
	})

	var result domain.AnswerResultPayload
	if err := json.Unmarshal(readUntil(t, buzzer, domain.TypeAnswerResult), &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !result.IsCorrect || result.Points != 10 || result.ResponseTime != 300 {
		t.Fatalf("unexpected answer result: %+v", result)
	}

	var received domain.AnswerReceivedPayload
	if err := json.Unmarshal(readUntil(t, console, domain.TypeAnswerReceived), &received); err != nil {
		t.Fatalf("unmarshal received: %v", err)
	}
	if received.BuzzerID != "B1" || !received.IsCorrect {
		t.Fatalf("unexpected ANSWER_RECEIVED: %+v", received)
	}

	if got := len(results.Results()); got != 1 {
		t.Fatalf("expected persisted result, got %d", got)
	}
}

func TestUnknownMessageTypeDoesNotClose(t *testing.T) {
	server, _, _ := newTestServer(t, Config{}, nil)
	console := dialConsole(t, server)

	sendEnvelope(t, console, domain.SenderConsole, "BOGUS_TYPE", map[string]any{"x": 1})
	sendEnvelope(t, console, domain.SenderConsole, domain.TypePing, domain.PingPayload{TSend: 7})

	var pong domain.PongPayload
	if err := json.Unmarshal(readUntil(t, console, domain.TypePong), &pong); err != nil {
		t.Fatalf("unmarshal pong: %v", err)
	}
	if pong.TSend != 7 {
		t.Fatalf("expected T_send echoed, got %+v", pong)
	}
}

func TestHeartbeatTerminatesSilentPeer(t *testing.T) {
	server, hub, _ := newTestServer(t, Config{}, nil)
	buzzer := dialBuzzer(t, server, "B1")

	hub.heartbeat()
	readUntil(t, buzzer, domain.TypePing)

	// No pong: the next sweep terminates the peer.
	hub.heartbeat()
	_ = buzzer.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := buzzer.ReadMessage(); err != nil {
			return
		}
	}
}

func TestHeartbeatPongKeepsPeerAlive(t *testing.T) {
	server, hub, _ := newTestServer(t, Config{}, nil)
	buzzer := dialBuzzer(t, server, "B1")

	for i := 0; i < 2; i++ {
		hub.heartbeat()
		var ping domain.PingPayload
		if err := json.Unmarshal(readUntil(t, buzzer, domain.TypePing), &ping); err != nil {
			t.Fatalf("unmarshal ping: %v", err)
		}
		sendEnvelope(t, buzzer, domain.SenderBuzzer, domain.TypePong, domain.PongPayload{
			TSend: ping.TSend, TReceive: time.Now().UnixMilli(),
		})
		// Let the pong land before the next sweep.
		time.Sleep(50 * time.Millisecond)
	}

	sendEnvelope(t, buzzer, domain.SenderBuzzer, domain.TypePing, domain.PingPayload{TSend: 9})
	readUntil(t, buzzer, domain.TypePong)
}

func TestJingleStreaming(t *testing.T) {
	dir := t.TempDir()
	audio := make([]byte, 10_000)
	for i := range audio {
		audio[i] = byte(i % 251)
	}
	if err := os.WriteFile(filepath.Join(dir, "air.mp3"), audio, 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	server, _, _ := newTestServer(t, Config{JingleDir: dir}, map[int64]domain.Jingle{
		7: {ID: 7, Name: "air", FilePath: "air.mp3"},
	})
	console := dialConsole(t, server)
	buzzer := dialBuzzer(t, server, "B1")

	sendEnvelope(t, console, domain.SenderConsole, domain.TypeJinglePlay, domain.JinglePlayPayload{
		BuzzerID: "B1", JingleID: 7,
	})

	readUntil(t, console, domain.TypeJingleStarted)

	var startSeen bool
	var chunks [][]byte
	_ = buzzer.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		messageType, data, err := buzzer.ReadMessage()
		if err != nil {
			t.Fatalf("read jingle stream: %v", err)
		}
		if messageType == websocket.BinaryMessage {
			chunks = append(chunks, data)
			continue
		}
		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == domain.TypeJingleStart {
			var start domain.JingleStartPayload
			if err := json.Unmarshal(env.Payload, &start); err != nil {
				t.Fatalf("unmarshal jingle start: %v", err)
			}
			if start.JingleID != 7 || start.FileSize != 10_000 || start.Format != "mp3" {
				t.Fatalf("unexpected JINGLE_START: %+v", start)
			}
			startSeen = true
		}
		if env.Type == domain.TypeJingleEnd {
			var end domain.JingleEndPayload
			if err := json.Unmarshal(env.Payload, &end); err != nil {
				t.Fatalf("unmarshal jingle end: %v", err)
			}
			if end.TotalChunks != 3 || end.FileSize != 10_000 {
				t.Fatalf("unexpected JINGLE_END: %+v", end)
			}
			break
		}
	}
	if !startSeen {
		t.Fatalf("JINGLE_START never arrived")
	}

	wantSizes := []int{4096, 4096, 1808}
	if len(chunks) != len(wantSizes) {
		t.Fatalf("expected %d chunks, got %d", len(wantSizes), len(chunks))
	}
	offset := 0
	for i, chunk := range chunks {
		if len(chunk) != 8+wantSizes[i] {
			t.Fatalf("chunk %d: expected %d payload bytes, got %d", i, wantSizes[i], len(chunk)-8)
		}
		if id := binary.LittleEndian.Uint32(chunk[0:4]); id != 7 {
			t.Fatalf("chunk %d: expected jingleId 7, got %d", i, id)
		}
		if idx := binary.LittleEndian.Uint32(chunk[4:8]); idx != uint32(i) {
			t.Fatalf("chunk %d: expected index %d, got %d", i, i, idx)
		}
		if string(chunk[8:]) != string(audio[offset:offset+wantSizes[i]]) {
			t.Fatalf("chunk %d: payload mismatch", i)
		}
		offset += wantSizes[i]
	}

	readUntil(t, console, domain.TypeJingleCompleted)
}

func TestJingleConcurrentPlayRejected(t *testing.T) {
	dir := t.TempDir()
	audio := make([]byte, 8<<20)
	if err := os.WriteFile(filepath.Join(dir, "long.mp3"), audio, 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	server, _, _ := newTestServer(t, Config{JingleDir: dir}, map[int64]domain.Jingle{
		7: {ID: 7, Name: "long", FilePath: "long.mp3"},
	})
	console := dialConsole(t, server)
	buzzer := dialBuzzer(t, server, "B1")

	sendEnvelope(t, console, domain.SenderConsole, domain.TypeJinglePlay, domain.JinglePlayPayload{
		BuzzerID: "B1", JingleID: 7,
	})
	readUntil(t, console, domain.TypeJingleStarted)

	// The buzzer is not reading yet, so the stream is parked mid-file
	// when the second request arrives.
	sendEnvelope(t, console, domain.SenderConsole, domain.TypeJinglePlay, domain.JinglePlayPayload{
		BuzzerID: "B1", JingleID: 7,
	})
	var jerr domain.JingleErrorPayload
	if err := json.Unmarshal(readUntil(t, console, domain.TypeJingleError), &jerr); err != nil {
		t.Fatalf("unmarshal jingle error: %v", err)
	}
	if jerr.Error != "already playing" {
		t.Fatalf("expected already playing, got %+v", jerr)
	}

	// The first stream still completes once the buzzer drains it.
	chunks := 0
	_ = buzzer.SetReadDeadline(time.Now().Add(30 * time.Second))
	for {
		messageType, data, err := buzzer.ReadMessage()
		if err != nil {
			t.Fatalf("read jingle stream: %v", err)
		}
		if messageType == websocket.BinaryMessage {
			chunks++
			continue
		}
		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == domain.TypeJingleEnd {
			var end domain.JingleEndPayload
			if err := json.Unmarshal(env.Payload, &end); err != nil {
				t.Fatalf("unmarshal jingle end: %v", err)
			}
			if end.TotalChunks != 2048 || chunks != 2048 {
				t.Fatalf("expected 2048 chunks, got payload %+v after %d", end, chunks)
			}
			break
		}
	}
	readUntil(t, console, domain.TypeJingleCompleted)
}

func TestJingleEndSurvivesFullSendQueue(t *testing.T) {
	hub := NewHub(Config{}, memory.NewJingleRepository(nil), clockwork.NewRealClock(), zerolog.Nop())

	connCh := make(chan *websocket.Conn, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := hub.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- conn
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := dial(t, server)
	p := newPeer(hub, <-connCh)

	for i := 0; i < cap(p.send); i++ {
		p.send <- frame{messageType: websocket.TextMessage, data: []byte(`{"type":"NOTE"}`)}
	}

	queued := make(chan bool, 1)
	go func() {
		queued <- p.sendMessageBlocking(domain.TypeJingleEnd, domain.JingleEndPayload{
			JingleID: 7, TotalChunks: 3, FileSize: 10_000,
		})
	}()
	select {
	case <-queued:
		t.Fatalf("control frame must wait for the writer, not drop")
	case <-time.After(50 * time.Millisecond):
	}

	go p.writePump()

	sawEnd := false
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < cap(p.send)+1; i++ {
		var env domain.Envelope
		if err := client.ReadJSON(&env); err != nil {
			t.Fatalf("read: %v", err)
		}
		if env.Type == domain.TypeJingleEnd {
			sawEnd = true
			break
		}
	}
	if !sawEnd {
		t.Fatalf("JINGLE_END lost behind a full send queue")
	}
	if ok := <-queued; !ok {
		t.Fatalf("blocking enqueue reported failure")
	}
}

func TestJingleStreamCleanupOnlyClearsOwnFlag(t *testing.T) {
	dir := t.TempDir()
	hub := NewHub(Config{JingleDir: dir}, memory.NewJingleRepository(nil), clockwork.NewRealClock(), zerolog.Nop())

	old := &Peer{hub: hub, log: hub.log, send: make(chan frame, 1), done: make(chan struct{})}
	cur := &Peer{hub: hub, log: hub.log, send: make(chan frame, 1), done: make(chan struct{})}
	missing := filepath.Join(dir, "missing.mp3")

	// A stream clears the flag it owns.
	hub.activeJingles["B1"] = old
	hub.streamJingle(old, "B1", 7, missing, 0)
	hub.mu.RLock()
	_, present := hub.activeJingles["B1"]
	hub.mu.RUnlock()
	if present {
		t.Fatalf("finished stream must clear its own flag")
	}

	// After a disconnect and re-register, a stale stream's cleanup must
	// not clear the flag a newer stream holds.
	hub.activeJingles["B1"] = cur
	hub.streamJingle(old, "B1", 7, missing, 0)
	hub.mu.RLock()
	owner := hub.activeJingles["B1"]
	hub.mu.RUnlock()
	if owner != cur {
		t.Fatalf("stale cleanup cleared a newer stream's flag")
	}
}

func TestJinglePathTraversalRejected(t *testing.T) {
	dir := t.TempDir()
	server, _, _ := newTestServer(t, Config{JingleDir: dir}, map[int64]domain.Jingle{
		8: {ID: 8, Name: "evil", FilePath: "../outside.mp3"},
	})
	console := dialConsole(t, server)
	dialBuzzer(t, server, "B1")

	// Rejected identically on repeated attempts.
	for i := 0; i < 2; i++ {
		sendEnvelope(t, console, domain.SenderConsole, domain.TypeJinglePlay, domain.JinglePlayPayload{
			BuzzerID: "B1", JingleID: 8,
		})
		var jerr domain.JingleErrorPayload
		if err := json.Unmarshal(readUntil(t, console, domain.TypeJingleError), &jerr); err != nil {
			t.Fatalf("unmarshal jingle error: %v", err)
		}
		if jerr.Error != "invalid file path" {
			t.Fatalf("expected invalid file path, got %+v", jerr)
		}
	}
}

func TestJingleMissingTargets(t *testing.T) {
	dir := t.TempDir()
	server, _, _ := newTestServer(t, Config{JingleDir: dir}, map[int64]domain.Jingle{
		9: {ID: 9, Name: "ghost", FilePath: "ghost.mp3"},
	})
	console := dialConsole(t, server)
	dialBuzzer(t, server, "B1")

	sendEnvelope(t, console, domain.SenderConsole, domain.TypeJinglePlay, domain.JinglePlayPayload{
		BuzzerID: "B1", JingleID: 404,
	})
	var jerr domain.JingleErrorPayload
	if err := json.Unmarshal(readUntil(t, console, domain.TypeJingleError), &jerr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if jerr.Error != "jingle not found" {
		t.Fatalf("expected jingle not found, got %+v", jerr)
	}

	sendEnvelope(t, console, domain.SenderConsole, domain.TypeJinglePlay, domain.JinglePlayPayload{
		BuzzerID: "B1", JingleID: 9,
	})
	if err := json.Unmarshal(readUntil(t, console, domain.TypeJingleError), &jerr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if jerr.Error != "file not found" {
		t.Fatalf("expected file not found, got %+v", jerr)
	}

	sendEnvelope(t, console, domain.SenderConsole, domain.TypeJinglePlay, domain.JinglePlayPayload{
		BuzzerID: "B404", JingleID: 9,
	})
	if err := json.Unmarshal(readUntil(t, console, domain.TypeJingleError), &jerr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if jerr.Error != "not connected" {
		t.Fatalf("expected not connected, got %+v", jerr)
	}
}

func TestBuzzerDisconnectByConsole(t *testing.T) {
	server, _, _ := newTestServer(t, Config{}, nil)
	console := dialConsole(t, server)
	buzzer := dialBuzzer(t, server, "B1")

	sendEnvelope(t, console, domain.SenderConsole, domain.TypeBuzzerDisconnect, domain.BuzzerDisconnectPayload{BuzzerID: "B1"})

	_ = buzzer.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := buzzer.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		if !ok || closeErr.Code != domain.CloseAdminDisconnect {
			t.Fatalf("expected close code 4003, got %v", err)
		}
		break
	}

	var gone domain.BuzzerDisconnectedPayload
	if err := json.Unmarshal(readUntil(t, console, domain.TypeBuzzerDisconnected), &gone); err != nil {
		t.Fatalf("unmarshal disconnected: %v", err)
	}
	if gone.BuzzerID != "B1" || gone.TotalBuzzers != 0 {
		t.Fatalf("unexpected BUZZER_DISCONNECTED: %+v", gone)
	}
}

func TestPlayerRenameAndStatusForwarding(t *testing.T) {
	server, _, _ := newTestServer(t, Config{}, nil)
	console := dialConsole(t, server)
	buzzer := dialBuzzer(t, server, "B1")

	sendEnvelope(t, console, domain.SenderConsole, domain.TypePlayerRename, domain.PlayerRenamePayload{
		BuzzerID: "B1", NewName: "Alice",
	})
	var rename domain.PlayerNameUpdatePayload
	if err := json.Unmarshal(readUntil(t, buzzer, domain.TypePlayerNameUpdate), &rename); err != nil {
		t.Fatalf("unmarshal rename: %v", err)
	}
	if rename.Name != "Alice" {
		t.Fatalf("expected Alice, got %+v", rename)
	}

	sendEnvelope(t, buzzer, domain.SenderBuzzer, domain.TypeStatusUpdate, domain.StatusUpdatePayload{
		Battery: 87, WifiRSSI: -42, FreeHeap: 120000,
	})
	var status domain.BuzzerStatusUpdatePayload
	if err := json.Unmarshal(readUntil(t, console, domain.TypeBuzzerStatusUpdate), &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.BuzzerID != "B1" || status.Battery != 87 || status.WifiRSSI != -42 {
		t.Fatalf("unexpected status forward: %+v", status)
	}
}

func TestResolveJinglePath(t *testing.T) {
	dir := t.TempDir()
	hub := NewHub(Config{JingleDir: dir}, memory.NewJingleRepository(nil), clockwork.NewRealClock(), zerolog.Nop())

	if _, err := hub.resolveJinglePath("sounds/intro.mp3"); err != nil {
		t.Fatalf("nested relative path must resolve: %v", err)
	}
	if _, err := hub.resolveJinglePath("../escape.mp3"); err == nil {
		t.Fatalf("traversal must be rejected")
	}
	if _, err := hub.resolveJinglePath("a/../../escape.mp3"); err == nil {
		t.Fatalf("nested traversal must be rejected")
	}
	if _, err := hub.resolveJinglePath(filepath.Join(dir, "ok.mp3")); err != nil {
		t.Fatalf("absolute path inside root must resolve: %v", err)
	}
	if _, err := hub.resolveJinglePath("/etc/passwd"); err == nil {
		t.Fatalf("absolute path outside root must be rejected")
	}
}
