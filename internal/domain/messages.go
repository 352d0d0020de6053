package domain

import "encoding/json"

// Peer sender tags used in the wire envelope.
const (
	SenderServer  = "SERVER"
	SenderConsole = "ANGULAR"
	SenderBuzzer  = "BUZZER"
)

// Websocket close codes reserved by the protocol.
const (
	CloseIdentificationTimeout = 4001
	CloseDuplicateBuzzerID     = 4002
	CloseAdminDisconnect       = 4003
)

// Message types exchanged with the console.
const (
	TypeAngularConnect     = "ANGULAR_CONNECT"
	TypeConnected          = "CONNECTED"
	TypeBuzzerListUpdate   = "BUZZER_LIST_UPDATE"
	TypeBuzzerConnected    = "BUZZER_CONNECTED"
	TypeBuzzerDisconnected = "BUZZER_DISCONNECTED"
	TypeRequestBuzzerList  = "REQUEST_BUZZER_LIST"
	TypePlayerRename       = "PLAYER_RENAME"
	TypeQuestionSend       = "QUESTION_SEND"
	TypeQuestionSent       = "QUESTION_SENT"
	TypeGameStart          = "GAME_START"
	TypeBuzzerDisconnect   = "BUZZER_DISCONNECT"
	TypeBuzzCorrect        = "BUZZ_CORRECT"
	TypeBuzzReopen         = "BUZZ_REOPEN"
	TypeBuzzWinner         = "BUZZ_WINNER"
	TypeBuzzValidated      = "BUZZ_VALIDATED"
	TypeBuzzReopened       = "BUZZ_REOPENED"
	TypeJinglePlay         = "JINGLE_PLAY"
	TypeJingleStarted      = "JINGLE_STARTED"
	TypeJingleCompleted    = "JINGLE_COMPLETED"
	TypeJingleError        = "JINGLE_ERROR"
	TypeAnswerReceived     = "ANSWER_RECEIVED"
	TypeBuzzerStatusUpdate = "BUZZER_STATUS_UPDATE"
	TypeError              = "ERROR"
)

// Message types exchanged with buzzers.
const (
	TypeBuzzerRegister     = "BUZZER_REGISTER"
	TypeConnectionAck      = "CONNECTION_ACK"
	TypeConnectionRejected = "CONNECTION_REJECTED"
	TypePlayerNameUpdate   = "PLAYER_NAME_UPDATE"
	TypeQuestionStart      = "QUESTION_START"
	TypeGameStarted        = "GAME_STARTED"
	TypeAnswerMCQ          = "ANSWER_MCQ"
	TypeAnswerBuzzer       = "ANSWER_BUZZER"
	TypeAnswerResult       = "ANSWER_RESULT"
	TypeBuzzIgnored        = "BUZZ_IGNORED"
	TypeBuzzerLocked       = "BUZZER_LOCKED"
	TypeBuzzerUnlocked     = "BUZZER_UNLOCKED"
	TypeBuzzerExcluded     = "BUZZER_EXCLUDED"
	TypeTimeSyncReq        = "TIME_SYNC_REQ"
	TypeTimeSyncRes        = "TIME_SYNC_RES"
	TypePing               = "PING"
	TypePong               = "PONG"
	TypeStatusUpdate       = "STATUS_UPDATE"
	TypeJingleStart        = "JINGLE_START"
	TypeJingleEnd          = "JINGLE_END"
)

// Envelope is the outer frame of every text message. Inbound payloads
// stay raw until the router knows the concrete type.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Sender    string          `json:"sender"`
	Payload   json.RawMessage `json:"payload"`
}

// OutboundEnvelope is the server-built counterpart of Envelope.
type OutboundEnvelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Sender    string `json:"sender"`
	Payload   any    `json:"payload"`
}

// --- inbound payloads ---

type BuzzerRegisterPayload struct {
	BuzzerID   string `json:"buzzerID"`
	MACAddress string `json:"macAddress"`
}

type PlayerRenamePayload struct {
	BuzzerID string `json:"buzzerID"`
	NewName  string `json:"newName"`
}

type QuestionSendPayload struct {
	GameID     string `json:"gameId"`
	QuestionID int64  `json:"questionId"`
}

type GameStartPayload struct {
	GameID         string `json:"gameId"`
	Name           string `json:"name"`
	TotalQuestions int    `json:"totalQuestions"`
}

type BuzzerDisconnectPayload struct {
	BuzzerID string `json:"buzzerID"`
}

// BuzzDecisionPayload carries BUZZ_CORRECT and BUZZ_REOPEN.
type BuzzDecisionPayload struct {
	GameID     string `json:"gameId"`
	QuestionID int64  `json:"questionId"`
	BuzzerID   string `json:"buzzerID"`
}

type JinglePlayPayload struct {
	BuzzerID string `json:"buzzerID"`
	JingleID int64  `json:"jingleId"`
}

type AnswerMCQPayload struct {
	GameID     string     `json:"gameId"`
	QuestionID int64      `json:"questionId"`
	Answer     string     `json:"answer"`
	Timestamps Timestamps `json:"timestamps"`
}

type AnswerBuzzerPayload struct {
	GameID     string     `json:"gameId"`
	QuestionID int64      `json:"questionId"`
	Timestamps Timestamps `json:"timestamps"`
}

type StatusUpdatePayload struct {
	Battery  int `json:"battery"`
	WifiRSSI int `json:"wifiRSSI"`
	FreeHeap int `json:"freeHeap"`
}

type TimeSyncRequestPayload struct {
	T1 int64 `json:"T1"`
}

type PingPayload struct {
	TSend int64 `json:"T_send"`
}

// --- outbound payloads ---

type TimeSyncResponsePayload struct {
	T1 int64 `json:"T1"`
	T2 int64 `json:"T2"`
	T3 int64 `json:"T3"`
}

type PongPayload struct {
	TSend    int64 `json:"T_send"`
	TReceive int64 `json:"T_receive"`
}

type ServerConfig struct {
	MaxBuzzers int    `json:"maxBuzzers"`
	Version    string `json:"version"`
}

type ConnectedPayload struct {
	SessionID  string       `json:"sessionID"`
	ServerTime int64        `json:"serverTime"`
	Config     ServerConfig `json:"config"`
}

type ConnectionAckPayload struct {
	BuzzerID     string `json:"buzzerID"`
	PlayerNumber int    `json:"playerNumber"`
	ServerTime   int64  `json:"serverTime"`
}

type ConnectionRejectedPayload struct {
	Reason string `json:"reason"`
}

type BuzzerListUpdatePayload struct {
	Buzzers []BuzzerInfo `json:"buzzers"`
	Total   int          `json:"total"`
}

type BuzzerConnectedPayload struct {
	Buzzer       BuzzerInfo `json:"buzzer"`
	TotalBuzzers int        `json:"totalBuzzers"`
}

type BuzzerDisconnectedPayload struct {
	BuzzerID     string `json:"buzzerID"`
	TotalBuzzers int    `json:"totalBuzzers"`
}

type PlayerNameUpdatePayload struct {
	Name string `json:"name"`
}

type QuestionStartPayload struct {
	GameID        string       `json:"gameId"`
	ID            int64        `json:"id"`
	Text          string       `json:"text"`
	Type          QuestionType `json:"type"`
	Category      string       `json:"category"`
	Points        int          `json:"points"`
	StartTime     int64        `json:"startTime"`
	Answers       []string     `json:"answers,omitempty"`
	CorrectAnswer string       `json:"correct_answer,omitempty"`
}

type QuestionSentPayload struct {
	QuestionID int64 `json:"questionId"`
	SentTo     int   `json:"sentTo"`
	Timestamp  int64 `json:"timestamp"`
}

type GameStartedPayload struct {
	GameID         string `json:"gameId"`
	Name           string `json:"name"`
	TotalQuestions int    `json:"totalQuestions"`
}

type AnswerResultPayload struct {
	QuestionID   int64 `json:"questionId"`
	IsCorrect    bool  `json:"isCorrect"`
	Points       int   `json:"points"`
	ResponseTime int64 `json:"responseTime"`
}

type AnswerReceivedPayload struct {
	BuzzerID     string     `json:"buzzerID"`
	QuestionID   int64      `json:"questionId"`
	Answer       string     `json:"answer"`
	IsCorrect    bool       `json:"isCorrect"`
	Points       int        `json:"points"`
	ResponseTime int64      `json:"responseTime"`
	Timestamps   Timestamps `json:"timestamps"`
}

type BuzzIgnoredPayload struct {
	Reason string `json:"reason"`
}

type BuzzerLockedPayload struct {
	GameID     string `json:"gameId"`
	QuestionID int64  `json:"questionId"`
	WinnerID   string `json:"winnerID"`
}

type BuzzerUnlockedPayload struct {
	GameID     string `json:"gameId"`
	QuestionID int64  `json:"questionId"`
}

type BuzzerExcludedPayload struct {
	GameID     string `json:"gameId"`
	QuestionID int64  `json:"questionId"`
	Reason     string `json:"reason,omitempty"`
}

type BuzzWinnerPayload struct {
	BuzzerID     string `json:"buzzerID"`
	PlayerName   string `json:"playerName"`
	QuestionID   int64  `json:"questionId"`
	GameID       string `json:"gameId"`
	ResponseTime int64  `json:"responseTime"`
}

type BuzzValidatedPayload struct {
	BuzzerID     string `json:"buzzerID"`
	IsCorrect    bool   `json:"isCorrect"`
	Points       int    `json:"points"`
	ResponseTime int64  `json:"responseTime"`
}

type BuzzReopenedPayload struct {
	ExcludedPlayers  []string `json:"excludedPlayers"`
	RemainingPlayers []string `json:"remainingPlayers"`
}

type JingleStartPayload struct {
	JingleID int64  `json:"jingleId"`
	Name     string `json:"name"`
	Format   string `json:"format"`
	FileSize int64  `json:"fileSize"`
}

type JingleEndPayload struct {
	JingleID    int64 `json:"jingleId"`
	TotalChunks int   `json:"totalChunks"`
	FileSize    int64 `json:"fileSize"`
}

type JingleStartedPayload struct {
	BuzzerID string `json:"buzzerID"`
	JingleID int64  `json:"jingleId"`
	FileSize int64  `json:"fileSize"`
}

type JingleCompletedPayload struct {
	BuzzerID    string `json:"buzzerID"`
	JingleID    int64  `json:"jingleId"`
	TotalChunks int    `json:"totalChunks"`
}

type JingleErrorPayload struct {
	BuzzerID string `json:"buzzerID"`
	JingleID int64  `json:"jingleId"`
	Error    string `json:"error"`
}

type BuzzerStatusUpdatePayload struct {
	BuzzerID string `json:"buzzerID"`
	Battery  int    `json:"battery"`
	WifiRSSI int    `json:"wifiRSSI"`
	FreeHeap int    `json:"freeHeap"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
