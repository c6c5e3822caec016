package model

import "time"

// Outcome records what happened to one message during a cycle. Error fields
// hold the failure text of each step; an empty string means the step
// succeeded or was not attempted (see the matching flag).
type Outcome struct {
	// ID is the unique identifier of this record.
	ID string `db:"id" json:"id"`

	// CycleID identifies the cycle that processed the message.
	CycleID string `db:"cycle_id" json:"cycle_id"`

	MessageID       MessageID `db:"message_uid" json:"message_uid"`
	MessageIDHeader string    `db:"message_id_header" json:"message_id_header"`
	Sender          string    `db:"sender" json:"sender"`
	Subject         string    `db:"subject" json:"subject"`

	Category   Category   `db:"category" json:"category"`
	Provenance Provenance `db:"provenance" json:"provenance"`

	// AckAttempted is false when the acknowledgement was skipped because
	// an earlier cycle already delivered it.
	AckAttempted bool   `db:"ack_attempted" json:"ack_attempted"`
	AckError     string `db:"ack_error" json:"ack_error"`

	// ForwardedTo is the forward recipient, empty when the category has
	// no configured address.
	ForwardedTo  string `db:"forwarded_to" json:"forwarded_to"`
	ForwardError string `db:"forward_error" json:"forward_error"`

	MarkedRead    bool   `db:"marked_read" json:"marked_read"`
	MarkReadError string `db:"mark_read_error" json:"mark_read_error"`

	// Error holds a fault that stopped processing before the sends
	// (fetch failure or recovered panic).
	Error string `db:"error" json:"error"`

	ProcessedAt time.Time `db:"processed_at" json:"processed_at"`
}

// Delivered reports whether the send steps ran to completion without
// transport failures, regardless of the read flag. An outcome that skipped
// the sends because an earlier cycle delivered them also counts.
func (o Outcome) Delivered() bool {
	return o.Error == "" && o.AckError == "" && o.ForwardError == ""
}

// Succeeded reports whether the message was fully processed.
func (o Outcome) Succeeded() bool {
	return o.Error == "" && o.MarkedRead
}
