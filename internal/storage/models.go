package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Pending question lifecycle states.
const (
	StatusPending  = "pending"
	StatusAnswered = "answered"
)

// PendingQuestion is a customer question waiting for a human answer.
// Records are never deleted; answered questions stay as an audit trail.
type PendingQuestion struct {
	ID         string
	ClientJID  string
	ClientName string
	Question   string
	CreatedAt  time.Time
	Status     string // "pending" or "answered"
}

// LearnedResponse is an admin-provided answer kept for future matching.
// QuestionNorm is the lowercased question text; at most one record exists
// per normalized question.
type LearnedResponse struct {
	ID           string
	Question     string
	QuestionNorm string
	Answer       string
	Keywords     string // JSON array stored as text
	Source       string // "admin", "manual" or "import"
	LearnedAt    time.Time
}

// User is a customer the bot has identified by name.
type User struct {
	Phone           string
	Name            string
	WhatsAppName    string
	ConfirmedAt     time.Time
	LastInteraction time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
