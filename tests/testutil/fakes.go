package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/source"
)

// Call is one recorded mailbox or transport operation, in the order the
// fakes observed them. Kind is one of "list", "fetch", "mark", "send".
type Call struct {
	Kind string
	UID  model.MessageID
	Msg  model.Outgoing
}

// Recorder collects calls across fakes so tests can assert ordering.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *Recorder) add(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// FakeMailbox is an in-memory source.Mailbox.
type FakeMailbox struct {
	Rec *Recorder

	mu       sync.Mutex
	messages map[model.MessageID]*model.Message
	seen     map[model.MessageID]bool
	order    []model.MessageID

	// Per-UID faults.
	FetchErr map[model.MessageID]error
	MarkErr  map[model.MessageID]error
	ListErr  error

	// FetchPanic makes Fetch panic for the given UID.
	FetchPanic map[model.MessageID]bool

	Closed bool
}

// NewFakeMailbox creates a mailbox holding msgs, all unread.
func NewFakeMailbox(rec *Recorder, msgs ...model.Message) *FakeMailbox {
	if rec == nil {
		rec = &Recorder{}
	}
	m := &FakeMailbox{
		Rec:        rec,
		messages:   make(map[model.MessageID]*model.Message),
		seen:       make(map[model.MessageID]bool),
		FetchErr:   make(map[model.MessageID]error),
		MarkErr:    make(map[model.MessageID]error),
		FetchPanic: make(map[model.MessageID]bool),
	}
	for i := range msgs {
		msg := msgs[i]
		m.messages[msg.ID] = &msg
		m.order = append(m.order, msg.ID)
	}
	return m
}

func (m *FakeMailbox) ListUnread(ctx context.Context) ([]model.MessageID, error) {
	m.Rec.add(Call{Kind: "list"})
	if m.ListErr != nil {
		return nil, m.ListErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []model.MessageID
	for _, id := range m.order {
		if !m.seen[id] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *FakeMailbox) Fetch(ctx context.Context, id model.MessageID) (*model.Message, error) {
	m.Rec.add(Call{Kind: "fetch", UID: id})
	if m.FetchPanic[id] {
		panic(fmt.Sprintf("fetch %d exploded", id))
	}
	if err := m.FetchErr[id]; err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, errors.New("no such message")
	}
	cp := *msg
	return &cp, nil
}

func (m *FakeMailbox) MarkRead(ctx context.Context, id model.MessageID) error {
	m.Rec.add(Call{Kind: "mark", UID: id})
	if err := m.MarkErr[id]; err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[id]; ok {
		m.seen[id] = true
	}
	return nil
}

func (m *FakeMailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// IsSeen reports the read flag of a message.
func (m *FakeMailbox) IsSeen(id model.MessageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[id]
}

// SetSeen sets or clears the read flag of a message, as another mail
// client would.
func (m *FakeMailbox) SetSeen(id model.MessageID, seen bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[id] = seen
}

// FakeDialer hands out the same mailbox, optionally failing the first
// FailFirst dials.
type FakeDialer struct {
	Mailbox   *FakeMailbox
	FailFirst int
	Err       error

	mu    sync.Mutex
	dials int
}

func (d *FakeDialer) Dial(ctx context.Context) (source.Mailbox, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.FailFirst {
		if source.IsAuthError(d.Err) {
			return nil, d.Err
		}
		err := d.Err
		if err == nil {
			err = errors.New("connection refused")
		}
		return nil, &source.ConnectionError{Op: "dial", Err: err}
	}
	d.Mailbox.mu.Lock()
	d.Mailbox.Closed = false
	d.Mailbox.mu.Unlock()
	return d.Mailbox, nil
}

// Dials returns how many times Dial was called.
func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// FakeTransport records outbound mail. FailTo makes sends to an address
// fail.
type FakeTransport struct {
	Rec    *Recorder
	FailTo map[string]error

	mu   sync.Mutex
	sent []model.Outgoing
}

// NewFakeTransport creates a transport sharing rec with a mailbox.
func NewFakeTransport(rec *Recorder) *FakeTransport {
	if rec == nil {
		rec = &Recorder{}
	}
	return &FakeTransport{Rec: rec, FailTo: make(map[string]error)}
}

func (t *FakeTransport) Send(ctx context.Context, msg model.Outgoing) error {
	t.Rec.add(Call{Kind: "send", Msg: msg})
	if err := t.FailTo[msg.To]; err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, msg)
	return nil
}

// Sent returns successfully sent messages.
func (t *FakeTransport) Sent() []model.Outgoing {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.Outgoing, len(t.sent))
	copy(out, t.sent)
	return out
}

// FakeClassifier returns a fixed category per body, or Default.
type FakeClassifier struct {
	ByBody  map[string]model.Category
	Default model.Category

	mu     sync.Mutex
	bodies []string
}

func (c *FakeClassifier) Classify(ctx context.Context, body string) model.ClassificationResult {
	c.mu.Lock()
	c.bodies = append(c.bodies, body)
	c.mu.Unlock()

	if cat, ok := c.ByBody[body]; ok {
		return model.ClassificationResult{Category: cat, Provenance: model.ProvenanceModel}
	}
	return model.ClassificationResult{
		Category:   c.Default,
		Provenance: model.ProvenanceFallback,
		Reason:     "no match",
	}
}

// Bodies returns the bodies passed to Classify.
func (c *FakeClassifier) Bodies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.bodies))
	copy(out, c.bodies)
	return out
}
