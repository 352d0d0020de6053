package domain

import "errors"

var (
	// ErrGameNotFound is returned when a game has not been created yet.
	ErrGameNotFound = errors.New("game not found")
	// ErrQuestionNotFound indicates the question content could not be loaded.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrJingleNotFound indicates the jingle metadata could not be loaded.
	ErrJingleNotFound = errors.New("jingle not found")
	// ErrPlayerNotFound is returned when a buzzer acts in a game it never joined.
	ErrPlayerNotFound = errors.New("player not found in game")
	// ErrNoCurrentQuestion is returned when an answer or buzz arrives
	// for a question that is not the active one.
	ErrNoCurrentQuestion = errors.New("no current question")
	// ErrNoWinner is returned when a validation targets a question with
	// no elected winner.
	ErrNoWinner = errors.New("no buzz winner to validate")
)
