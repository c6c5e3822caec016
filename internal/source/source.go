package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/mailtriage/internal/model"
)

// AuthError indicates that a transport rejected the configured credentials.
type AuthError struct {
	// Transport names the protocol, "imap" or "smtp".
	Transport string
	Message   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Transport, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// ConnectionError indicates that the mailbox session itself is unusable
// (network failure, timeout, closed connection) as opposed to a server
// refusing one command. The session must be discarded.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mailbox connection lost during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err (or any error in its chain) is a
// ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// Mailbox is one authenticated session on the inbox. Implementations are
// not safe for concurrent use; exactly one goroutine owns a session.
type Mailbox interface {
	// ListUnread returns the identifiers of unread messages in the order
	// the server reports them.
	ListUnread(ctx context.Context) ([]model.MessageID, error)

	// Fetch retrieves and decodes a message without changing its flags.
	Fetch(ctx context.Context, id model.MessageID) (*model.Message, error)

	// MarkRead sets the read flag on a message.
	MarkRead(ctx context.Context, id model.MessageID) error

	// Close logs out and releases the connection.
	Close() error
}

// Dialer opens mailbox sessions.
type Dialer interface {
	Dial(ctx context.Context) (Mailbox, error)
}

// Transport submits outbound mail. Each call authenticates on its own
// connection.
type Transport interface {
	Send(ctx context.Context, msg model.Outgoing) error
}
