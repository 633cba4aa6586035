// Package imessage defines the outbound collaborators of the RPC core: the
// platform send mechanism and the contacts directory. The real
// implementations are macOS automation; everything above them depends only on
// the interfaces so tests can substitute in-memory doubles.
package imessage

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnauthorized is returned by Contacts implementations when the OS denies
// access to the address book. Handlers degrade to an empty result plus a
// warning instead of failing the request.
var ErrUnauthorized = errors.New("contacts access not authorized")

// InputError marks a semantic problem with caller-supplied send parameters.
// The dispatcher maps it to a JSON-RPC invalid-params error.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string { return e.Reason }

// Inputf builds an InputError.
func Inputf(format string, args ...any) error {
	return &InputError{Reason: fmt.Sprintf(format, args...)}
}

// Service selects the transport for an outgoing message.
type Service string

const (
	ServiceAuto     Service = "auto"
	ServiceIMessage Service = "imessage"
	ServiceSMS      Service = "sms"
)

// ParseService validates a caller-supplied service tag. Empty means auto.
func ParseService(s string) (Service, error) {
	switch Service(s) {
	case "", ServiceAuto:
		return ServiceAuto, nil
	case ServiceIMessage:
		return ServiceIMessage, nil
	case ServiceSMS:
		return ServiceSMS, nil
	default:
		return "", Inputf("unknown service %q (want auto, imessage or sms)", s)
	}
}

// SendOptions describes one outgoing message. Exactly one of To or the chat
// fields is set; the RPC layer validates that before calling Send.
type SendOptions struct {
	To             string
	ChatIdentifier string
	ChatGUID       string
	Text           string
	File           string
	Service        Service
	Region         string
}

// ReactionOptions describes one outgoing tapback.
type ReactionOptions struct {
	MessageGUID    string
	Tapback        Tapback
	Emoji          string
	ChatIdentifier string
	ChatGUID       string
}

// Sender is the outbound message collaborator.
type Sender interface {
	SendMessage(ctx context.Context, opts SendOptions) error
	SendReaction(ctx context.Context, opts ReactionOptions) error
}

// Contact is one address-book entry.
type Contact struct {
	Name    string   `json:"name"`
	Handles []string `json:"handles"`
}

// Contacts is the address-book collaborator.
type Contacts interface {
	Search(ctx context.Context, query string, limit int) ([]Contact, error)
	Resolve(ctx context.Context, handles []string) (map[string]string, error)
}
