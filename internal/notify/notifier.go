// Package notify composes the acknowledgement and forward emails sent for
// every triaged message and hands them to the outbound transport.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/source"
)

const (
	replyPrefix   = "Re: "
	forwardPrefix = "Fwd: "
	forwardIntro  = "Forwarded message:\n\n"
)

// Notifier sends the two outbound messages of the triage flow. Each call
// opens its own authenticated transport session.
type Notifier struct {
	transport source.Transport
	from      string
	ackBody   string
	ccEmails  map[string]string
	logger    *slog.Logger
}

// New creates a Notifier sending from the configured account.
func New(cfg *model.Config, transport source.Transport, logger *slog.Logger) *Notifier {
	ackBody := cfg.AckBody
	if ackBody == "" {
		ackBody = model.DefaultAckBody
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		transport: transport,
		from:      cfg.EmailAccount,
		ackBody:   ackBody,
		ccEmails:  cfg.CCEmails,
		logger:    logger.With("component", "notifier"),
	}
}

// SendAcknowledgement replies to the sender with the fixed template.
func (n *Notifier) SendAcknowledgement(ctx context.Context, to, subject string) error {
	return n.send(ctx, "acknowledgement", model.Outgoing{
		From:    n.from,
		To:      to,
		Subject: replyPrefix + subject,
		Body:    n.ackBody,
	})
}

// SendForward forwards body to the category's distribution address. The
// Cc is looked up under the same category key, so it usually repeats To.
func (n *Notifier) SendForward(
	ctx context.Context, to, subject, body, categoryKey string,
) error {
	return n.send(ctx, "forward", model.Outgoing{
		From:    n.from,
		To:      to,
		Cc:      n.ccEmails[categoryKey],
		Subject: forwardPrefix + subject,
		Body:    forwardIntro + body,
	})
}

func (n *Notifier) send(ctx context.Context, kind string, msg model.Outgoing) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sending %s: panic: %v", kind, r)
		}
		if err != nil {
			n.logger.Error("send failed", "kind", kind, "to", msg.To, "error", err)
		}
	}()

	if err := n.transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending %s to %s: %w", kind, msg.To, err)
	}

	n.logger.Info("sent", "kind", kind, "to", msg.To, "cc", msg.Cc)
	return nil
}
