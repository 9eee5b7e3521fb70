package transport

import (
	"context"
	"errors"
	"time"
)

// Errors shared across the transport boundary.
var (
	// ErrAuthFailed marks an invalid-credential login failure. Retrying with
	// the same credentials cannot succeed, so callers treat it as fatal.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrSessionLost marks an unexpected mid-session disconnect.
	ErrSessionLost = errors.New("session lost")

	// ErrChannelUnavailable marks a channel that cannot be resolved
	// (deleted, never seen, or inaccessible).
	ErrChannelUnavailable = errors.New("channel unavailable")
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 = main chat)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// Event is one archived chat message, the raw material of a digest.
// Text is opaque to the core; At is the sole ordering key.
type Event struct {
	TenantID    int64
	ChannelID   int64
	Author      string
	Text        string
	At          time.Time
	Attachments []string // opaque attachment URLs, resolved by the renderer
	Embeds      []Embed
}

// Embed is an opaque rich-content reference attached to an event.
type Embed struct {
	Title       string
	URL         string
	Description string
	ThumbURL    string
}

// Adapter is the minimal send surface used by the command layer.
type Adapter interface {
	SendText(ctx context.Context, to ChatTarget, text string) error
}

// Connector establishes upstream sessions. Establish returns ErrAuthFailed
// (possibly wrapped) for invalid credentials and any other error for
// transient failures.
type Connector interface {
	Establish(ctx context.Context) (Session, error)
}

// Session is one live upstream connection.
type Session interface {
	// Wait blocks until the session ends. It returns ErrSessionLost (possibly
	// wrapped) on abnormal loss, or ctx.Err() when the caller shut down.
	Wait(ctx context.Context) error
	Close(ctx context.Context) error
}
