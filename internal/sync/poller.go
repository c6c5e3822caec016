package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/nhle/mailtriage/internal/metrics"
	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/source"
	"github.com/nhle/mailtriage/internal/store"
)

// ErrMailboxUnavailable is returned by Run when the mailbox could not be
// (re)connected within the configured retries.
var ErrMailboxUnavailable = errors.New("mailbox unavailable")

// SyncState represents the current state of the triage loop.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	default:
		return "idle"
	}
}

// SyncStatus is a snapshot of the loop for liveness reporting.
type SyncStatus struct {
	State     SyncState
	Connected bool
	LastSync  time.Time
	Cycles    int
	Error     error
}

// CycleReport describes one polling cycle.
type CycleReport struct {
	CycleID    string
	StartedAt  time.Time
	FinishedAt time.Time

	// Unread is the number of unread messages listed at cycle start.
	Unread   int
	Outcomes []model.Outcome

	// Aborted is set when a mailbox connection fault or cancellation left
	// the remaining messages unread.
	Aborted bool
	Error   error
}

// Duration returns how long the cycle took.
func (r CycleReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Classifier assigns a category to a message body.
type Classifier interface {
	Classify(ctx context.Context, body string) model.ClassificationResult
}

// Notifier sends the acknowledgement and forward emails.
type Notifier interface {
	SendAcknowledgement(ctx context.Context, to, subject string) error
	SendForward(ctx context.Context, to, subject, body, categoryKey string) error
}

// Deps are the collaborators of a Poller.
type Deps struct {
	Dialer     source.Dialer
	Classifier Classifier
	Notifier   Notifier
	Journal    store.Journal

	// Metrics may be nil.
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// ConnectBackoff is the first delay between mailbox connect attempts.
	ConnectBackoff time.Duration
}

// Poller runs the triage loop: list unread messages, acknowledge,
// classify, forward and mark each one read. It exclusively owns the
// mailbox session.
type Poller struct {
	cfg  *model.Config
	deps Deps

	logger  *slog.Logger
	mailbox source.Mailbox
	now     func() time.Time

	mu        gosync.Mutex
	status    SyncStatus
	lastCycle CycleReport
}

// New creates a Poller.
func New(cfg *model.Config, deps Deps) *Poller {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ConnectBackoff <= 0 {
		deps.ConnectBackoff = time.Second
	}
	return &Poller{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With("component", "poller"),
		now:    time.Now,
	}
}

// Run executes cycles every poll interval until ctx is cancelled, which
// returns nil, or the mailbox cannot be reconnected, which returns an
// error wrapping ErrMailboxUnavailable.
func (p *Poller) Run(ctx context.Context) error {
	defer p.dropSession()

	interval := p.cfg.PollInterval()
	p.logger.Info("triage loop started", "interval", interval)

	for {
		_, err := p.RunCycle(ctx)
		if ctx.Err() != nil {
			p.logger.Info("triage loop stopped")
			return nil
		}
		if errors.Is(err, ErrMailboxUnavailable) {
			return err
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.logger.Info("triage loop stopped")
			return nil
		case <-timer.C:
		}
	}
}

// RunCycle runs exactly one polling cycle. The returned error is non-nil
// when the cycle ended early; per-message failures are only reported in
// the outcomes.
func (p *Poller) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{
		CycleID:   uuid.New().String(),
		StartedAt: p.now(),
	}
	logger := p.logger.With("cycle", report.CycleID)

	p.setState(SyncRunning, nil)

	err := p.runCycle(ctx, logger, &report)

	report.FinishedAt = p.now()
	report.Error = err
	p.finishCycle(report)

	if p.deps.Metrics != nil {
		p.deps.Metrics.ObserveCycle(report.Duration(), err)
	}

	if err != nil {
		logger.Warn("cycle ended early", "error", err, "processed", len(report.Outcomes))
	} else if report.Unread > 0 {
		logger.Info("cycle finished", "processed", len(report.Outcomes), "duration", report.Duration())
	}

	return report, err
}

func (p *Poller) runCycle(ctx context.Context, logger *slog.Logger, report *CycleReport) error {
	if err := p.ensureSession(ctx); err != nil {
		return err
	}

	ids, err := p.mailbox.ListUnread(ctx)
	if err != nil {
		p.dropSession()
		return fmt.Errorf("listing unread messages: %w", err)
	}

	report.Unread = len(ids)
	if len(ids) == 0 {
		logger.Debug("no unread messages")
		return nil
	}
	logger.Info("processing unread messages", "count", len(ids))

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			report.Aborted = true
			return err
		}

		outcome, fault := p.processMessage(ctx, logger.With("uid", id), report.CycleID, id)
		report.Outcomes = append(report.Outcomes, outcome)
		p.record(ctx, logger, outcome)

		if fault != nil {
			p.dropSession()
			report.Aborted = true
			return fmt.Errorf("processing message %d: %w", id, fault)
		}
	}

	return nil
}

// processMessage handles one message. The returned error is set only for
// mailbox connection faults, which end the cycle; every other failure is
// confined to the outcome.
func (p *Poller) processMessage(
	ctx context.Context,
	logger *slog.Logger,
	cycleID string,
	id model.MessageID,
) (outcome model.Outcome, fault error) {
	outcome = model.Outcome{CycleID: cycleID, MessageID: id}

	defer func() {
		if r := recover(); r != nil {
			outcome.Error = fmt.Sprintf("panic: %v", r)
			logger.Error("message processing panicked", "panic", r)
		}
		outcome.ProcessedAt = p.now()
	}()

	msg, err := p.mailbox.Fetch(ctx, id)
	if err != nil {
		outcome.Error = fmt.Sprintf("fetching message: %v", err)
		logger.Error("fetch failed, leaving message unread", "error", err)
		return outcome, connectionFault(err)
	}

	outcome.MessageIDHeader = msg.MessageIDHeader
	outcome.Sender = msg.From
	outcome.Subject = msg.Subject

	delivered, err := p.deps.Journal.Delivered(ctx, id, msg.MessageIDHeader)
	if err != nil {
		logger.Warn("journal lookup failed", "error", err)
	}

	if delivered {
		logger.Info("already acknowledged and forwarded, marking read only")
	} else {
		p.deliver(ctx, logger, msg, &outcome)
	}

	if err := p.mailbox.MarkRead(ctx, id); err != nil {
		outcome.MarkReadError = err.Error()
		logger.Error("mark read failed, message stays unread", "error", err)
		return outcome, connectionFault(err)
	}
	outcome.MarkedRead = true

	return outcome, nil
}

// deliver sends the acknowledgement, classifies the body and forwards it.
// A failed send never prevents the other.
func (p *Poller) deliver(
	ctx context.Context,
	logger *slog.Logger,
	msg *model.Message,
	outcome *model.Outcome,
) {
	outcome.AckAttempted = true
	if err := p.deps.Notifier.SendAcknowledgement(ctx, msg.From, msg.Subject); err != nil {
		outcome.AckError = err.Error()
	}

	result := p.deps.Classifier.Classify(ctx, msg.Body)
	outcome.Category = result.Category
	outcome.Provenance = result.Provenance

	key := result.Category.Key()
	to, ok := p.cfg.Recipient(key)
	if !ok {
		logger.Info("no recipient for category, not forwarding", "category", key)
		return
	}

	outcome.ForwardedTo = to
	if err := p.deps.Notifier.SendForward(ctx, to, msg.Subject, msg.Body, key); err != nil {
		outcome.ForwardError = err.Error()
	}
}

func (p *Poller) record(ctx context.Context, logger *slog.Logger, o model.Outcome) {
	if err := p.deps.Journal.RecordOutcome(ctx, o); err != nil {
		logger.Warn("recording outcome failed", "uid", o.MessageID, "error", err)
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.ObserveOutcome(o)
	}
}

// ensureSession connects to the mailbox if there is no live session,
// retrying with exponential backoff. Authentication failures are not
// retried.
func (p *Poller) ensureSession(ctx context.Context) error {
	if p.mailbox != nil {
		return nil
	}

	b := retry.NewExponential(p.deps.ConnectBackoff)
	b = retry.WithCappedDuration(time.Minute, b)
	b = retry.WithMaxRetries(uint64(p.cfg.ConnectRetries), b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		mb, err := p.deps.Dialer.Dial(ctx)
		if err != nil {
			if source.IsAuthError(err) {
				return err
			}
			p.logger.Warn("mailbox connect failed", "error", err)
			return retry.RetryableError(err)
		}
		p.mailbox = mb
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrMailboxUnavailable, err)
	}

	p.logger.Info("mailbox connected")
	if p.deps.Metrics != nil {
		p.deps.Metrics.ObserveConnect()
	}
	p.mu.Lock()
	p.status.Connected = true
	p.mu.Unlock()

	return nil
}

// dropSession closes the current mailbox session, if any. The next cycle
// reconnects.
func (p *Poller) dropSession() {
	if p.mailbox == nil {
		return
	}
	if err := p.mailbox.Close(); err != nil {
		p.logger.Debug("closing mailbox session", "error", err)
	}
	p.mailbox = nil

	p.mu.Lock()
	p.status.Connected = false
	p.mu.Unlock()
}

// Status returns the current loop status.
func (p *Poller) Status() SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// LastCycle returns the report of the most recent finished cycle.
func (p *Poller) LastCycle() CycleReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCycle
}

func (p *Poller) setState(state SyncState, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.State = state
	p.status.Error = err
}

func (p *Poller) finishCycle(report CycleReport) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastCycle = report
	p.status.Cycles++
	if report.Error != nil {
		p.status.State = SyncError
		p.status.Error = report.Error
		return
	}
	p.status.State = SyncIdle
	p.status.Error = nil
	p.status.LastSync = report.FinishedAt
}

// connectionFault returns err when it means the mailbox session is gone.
func connectionFault(err error) error {
	if source.IsConnectionError(err) {
		return err
	}
	return nil
}
