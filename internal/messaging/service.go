// Package messaging abstracts the delivery channel behind the flow engine.
//
// A Service owns the channel connection, translates provider events into
// models.InboundMessage values, and exposes the send primitives the engine
// drives (text, list menus, media).
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/whaleflow/whaleflow/internal/models"
)

// Constants for messaging service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
	// MinPhoneDigits is the minimum number of digits for a valid recipient.
	MinPhoneDigits = 6
)

// ErrServiceStopped is returned when a send is attempted after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction.
// It is a superset of the engine's messenger contract: the engine drives the
// send side while the orchestrator consumes Responses.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// Returns the canonicalized recipient and an error if validation fails.
	// This allows each service to implement its own recipient validation rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendText sends a plain text message to a recipient.
	SendText(ctx context.Context, to string, body string) error

	// SendList sends a single-select menu of options.
	SendList(ctx context.Context, to string, body string, options []models.NodeOption) error

	// SendMedia sends an image or audio message.
	SendMedia(ctx context.Context, to string, url string, caption string, kind models.MediaKind) error

	// IsReady reports whether the channel can deliver messages right now.
	IsReady() bool

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of incoming user messages.
	Responses() <-chan models.InboundMessage
}

// CanonicalizePhone strips every non-digit character and validates the
// remainder is long enough to be a phone number.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", errors.New("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", errors.New("invalid phone number: no digits found")
	}
	if len(canonical) < MinPhoneDigits {
		return "", errors.New("invalid phone number: too short")
	}
	return canonical, nil
}
