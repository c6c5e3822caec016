package store

import (
	"context"

	"github.com/nhle/mailtriage/internal/model"
)

// Summary aggregates the journal for liveness reporting.
type Summary struct {
	Processed       int `db:"processed"`
	MarkedRead      int `db:"marked_read"`
	Fallbacks       int `db:"fallbacks"`
	AckFailures     int `db:"ack_failures"`
	ForwardFailures int `db:"forward_failures"`
	Errors          int `db:"errors"`
}

// Journal records what happened to each processed message.
type Journal interface {
	// RecordOutcome stores the outcome of one message. An empty ID is
	// replaced by a new UUID.
	RecordOutcome(ctx context.Context, o model.Outcome) error

	// Delivered reports whether the latest outcome for the same message
	// completed its sends without transport failures but did not mark it
	// read.
	Delivered(ctx context.Context, uid model.MessageID, messageID string) (bool, error)

	// Outcomes returns the most recent outcomes, newest first. A
	// non-positive limit returns all of them.
	Outcomes(ctx context.Context, limit int) ([]model.Outcome, error)

	Summary(ctx context.Context) (Summary, error)

	Close() error
}
