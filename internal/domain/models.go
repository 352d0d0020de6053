package domain

import "time"

// QuestionType discriminates multiple-choice questions from
// first-to-press rapidity questions.
type QuestionType string

const (
	QuestionMCQ    QuestionType = "MCQ"
	QuestionBuzzer QuestionType = "BUZZER"
)

// Question is the content unit dispatched to buzzers. Answers and
// CorrectAnswer are only meaningful for MCQ questions.
type Question struct {
	ID            int64        `json:"id"`
	Text          string       `json:"text"`
	Type          QuestionType `json:"type"`
	Category      string       `json:"category"`
	Points        int          `json:"points"` // defaults to 10 if zero
	Answers       []string     `json:"answers,omitempty"`
	CorrectAnswer string       `json:"correct_answer,omitempty"`
}

// Jingle is the metadata of a stored audio file streamable to a buzzer.
type Jingle struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FilePath string `json:"filePath"`
}

// GameStatus is the lifecycle state of a game.
type GameStatus string

const (
	GameCreated GameStatus = "created"
	GameStarted GameStatus = "started"
	GamePaused  GameStatus = "paused"
	GameEnded   GameStatus = "ended"
)

// GameSettings carries the console-configured behavior of a game.
type GameSettings struct {
	MCQDuration             int  `json:"mcqDuration"`
	BuzzerDuration          int  `json:"buzzerDuration"`
	ShowCorrectAnswer       bool `json:"showCorrectAnswer"`
	ShowIntermediateRanking bool `json:"showIntermediateRanking"`
}

// Player is a buzzer's cumulative standing within one game. Identity
// follows the buzzerID, so stats survive reconnects of the same device.
type Player struct {
	BuzzerID       string `json:"buzzerID"`
	Name           string `json:"name"`
	Score          int    `json:"score"`
	CorrectAnswers int    `json:"correctAnswers"`
	TotalAnswers   int    `json:"totalAnswers"`
	TotalTimeMs    int64  `json:"totalTimeMs"`
	FastestTimeMs  int64  `json:"fastestTimeMs"`
	SlowestTimeMs  int64  `json:"slowestTimeMs"`
}

// Timestamps is the client-side timing attached to answers and buzzes.
// Synced is the client's clock corrected by the time-sync offset, in
// milliseconds since epoch. Zero values mean "not provided".
type Timestamps struct {
	Local             int64 `json:"local"`
	Synced            int64 `json:"synced"`
	CalibratedLatency int64 `json:"calibratedLatency"`
}

// Result is one scored answer, persisted through the ResultWriter.
type Result struct {
	GameID         string    `json:"gameId"`
	QuestionID     int64     `json:"questionId"`
	BuzzerID       string    `json:"buzzerID"`
	Answer         string    `json:"answer"`
	IsCorrect      bool      `json:"isCorrect"`
	Points         int       `json:"points"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
	CreatedAt      time.Time `json:"createdAt"`
}

// BuzzerInfo is the console-facing snapshot of a connected buzzer.
type BuzzerInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ConnectedAt time.Time `json:"connectedAt"`
	Battery     int       `json:"battery"`
	WifiRSSI    int       `json:"wifiRSSI"`
	Latency     int64     `json:"latency"`
	Connected   bool      `json:"connected"`
}
