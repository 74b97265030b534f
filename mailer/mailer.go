// Package mailer delivers password reset tokens for chainauth. The engine
// hands each [chainauth.PasswordResetDelivery] to a mailer from a background
// goroutine, so implementations may block up to the delivery timeout.
package mailer

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/idatt2105/chainauth"
	"github.com/idatt2105/chainauth/broker"
)

// MessageType tags reset messages on the queue.
const MessageType = "password_reset"

// ResetMessage is the JSON body published for each reset delivery.
type ResetMessage struct {
	To        string    `json:"to"`
	SubjectID string    `json:"subject_id"`
	ResetURL  string    `json:"reset_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AMQPMailer publishes reset messages to a queue consumed by a mail worker.
type AMQPMailer struct {
	pub     broker.Publisher
	queue   string
	baseURL string
}

// NewAMQPMailer builds reset links as baseURL + "/" + token id.
func NewAMQPMailer(pub broker.Publisher, queue, baseURL string) (*AMQPMailer, error) {
	if pub == nil {
		return nil, errors.New("mailer: nil publisher")
	}
	if queue == "" {
		return nil, errors.New("mailer: queue required")
	}
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, errors.New("mailer: invalid base url")
	}
	return &AMQPMailer{pub: pub, queue: queue, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (m *AMQPMailer) SendPasswordReset(ctx context.Context, d chainauth.PasswordResetDelivery) error {
	return broker.PublishJSON(ctx, m.pub, m.queue, MessageType, m.message(d))
}

func (m *AMQPMailer) message(d chainauth.PasswordResetDelivery) ResetMessage {
	return ResetMessage{
		To:        d.Identifier,
		SubjectID: d.SubjectID,
		ResetURL:  m.baseURL + "/" + url.PathEscape(d.TokenID),
		ExpiresAt: d.ExpiresAt.UTC(),
	}
}

// LogMailer writes reset links to a logger. Development only: the link is a
// live credential.
type LogMailer struct {
	logger  chainauth.Logger
	baseURL string
}

func NewLogMailer(logger chainauth.Logger, baseURL string) *LogMailer {
	return &LogMailer{logger: logger, baseURL: strings.TrimRight(baseURL, "/")}
}

func (m *LogMailer) SendPasswordReset(ctx context.Context, d chainauth.PasswordResetDelivery) error {
	if m.logger == nil {
		return errors.New("mailer: nil logger")
	}
	m.logger.Info(ctx, "password reset link",
		"identifier", d.Identifier,
		"reset_url", m.baseURL+"/"+url.PathEscape(d.TokenID),
		"expires_at", d.ExpiresAt.UTC().Format(time.RFC3339),
	)
	return nil
}

var (
	_ chainauth.ResetMailer = (*AMQPMailer)(nil)
	_ chainauth.ResetMailer = (*LogMailer)(nil)
)
