package model

// MessageID is the mailbox-assigned identifier of a message (an IMAP UID).
// It is unique within the selected mailbox.
type MessageID uint32

// Message is an inbound email as exposed by the mailbox gateway. Subject and
// Body are already decoded to UTF-8 text.
type Message struct {
	// ID is the mailbox-assigned identifier.
	ID MessageID `json:"id"`

	// MessageIDHeader is the RFC 5322 Message-ID header, if present.
	MessageIDHeader string `json:"message_id_header"`

	// From is the bare sender address.
	From string `json:"from"`

	// Subject is the decoded subject line.
	Subject string `json:"subject"`

	// Body is the first plain-text, non-attachment part, or empty.
	Body string `json:"body"`
}

// Outgoing is a plain-text email handed to the outbound transport.
type Outgoing struct {
	From    string
	To      string
	Cc      string // empty means no carbon copy
	Subject string
	Body    string
}

// Recipients returns the envelope recipients: To, then Cc when set and
// different from To.
func (o Outgoing) Recipients() []string {
	rcpts := []string{o.To}
	if o.Cc != "" && o.Cc != o.To {
		rcpts = append(rcpts, o.Cc)
	}
	return rcpts
}
