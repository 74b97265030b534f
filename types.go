package chainauth

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/idatt2105/chainauth/broker"
	internalaudit "github.com/idatt2105/chainauth/internal/audit"
	"github.com/idatt2105/chainauth/internal/logging"
)

// UserProvider is the user directory seam. It verifies identities at login
// and stores password hashes after a reset.
type UserProvider interface {
	GetUserByIdentifier(ctx context.Context, identifier string) (UserRecord, error)
	UpdatePasswordHash(ctx context.Context, subjectID, newHash string) error
}

// UserRecord is the credential view of one user.
type UserRecord struct {
	SubjectID    string
	Identifier   string
	PasswordHash string
}

// PrincipalResolver maps a subject to its current roles. It is consulted at
// login and on every refresh, so role changes reach the next minted pair.
// Implementations return [ErrPrincipalNotFound] for subjects that no longer
// exist.
type PrincipalResolver interface {
	ResolveRoles(ctx context.Context, subjectID string) ([]string, error)
}

// PrincipalResolverFunc adapts a function to [PrincipalResolver].
type PrincipalResolverFunc func(ctx context.Context, subjectID string) ([]string, error)

func (f PrincipalResolverFunc) ResolveRoles(ctx context.Context, subjectID string) ([]string, error) {
	return f(ctx, subjectID)
}

// PasswordHasher hashes and verifies passwords. *password.Argon2 satisfies it.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, encodedHash string) (bool, error)
}

// ResetMailer delivers password reset links. Calls happen off the request
// path; errors are logged and counted.
type ResetMailer interface {
	SendPasswordReset(ctx context.Context, delivery PasswordResetDelivery) error
}

// PasswordResetDelivery carries everything needed to build a reset link.
type PasswordResetDelivery struct {
	SubjectID  string
	Identifier string
	TokenID    string
	ExpiresAt  time.Time
}

// TokenPair is returned by Login and Refresh. TokenID is the refresh token's
// chain id.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenID      string
	SubjectID    string
}

// AuthResult is returned by [Engine.ValidateAccess].
type AuthResult struct {
	SubjectID string
	TokenID   string
	Roles     []string
	ExpiresAt time.Time
}

// HasRole reports whether role was present when the token was minted.
func (r *AuthResult) HasRole(role string) bool {
	return r != nil && slices.Contains(r.Roles, role)
}

// ChainRecordView is the public shape of one chain record.
type ChainRecordView struct {
	TokenID   string    `json:"token_id"`
	SubjectID string    `json:"subject_id"`
	Valid     bool      `json:"valid"`
	Next      string    `json:"next,omitempty"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEvent is one security-relevant occurrence.
type AuditEvent = internalaudit.Event

// AuditSink receives audit events from the dispatcher goroutine.
type AuditSink = internalaudit.Sink

type NoOpSink = internalaudit.NoOpSink

// ChannelSink forwards events to a buffered channel, dropping when full.
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink = internalaudit.JSONWriterSink

// AMQPSink publishes events as JSON messages to a RabbitMQ queue.
type AMQPSink = internalaudit.AMQPSink

func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// NewAMQPSink publishes to queue through pub. A zero timeout uses 2s.
func NewAMQPSink(pub broker.Publisher, queue string, timeout time.Duration) *AMQPSink {
	return internalaudit.NewAMQPSink(pub, queue, timeout)
}

// Logger is the structured logger used for best-effort failures.
type Logger = logging.Logger

// NewSlogLogger wraps l as a [Logger]. A nil l uses slog.Default.
func NewSlogLogger(l *slog.Logger) Logger {
	return logging.NewSlogLogger(l)
}
