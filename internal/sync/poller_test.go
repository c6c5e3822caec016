package sync_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailtriage/internal/logging"
	"github.com/nhle/mailtriage/internal/metrics"
	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/notify"
	"github.com/nhle/mailtriage/internal/source"
	triage "github.com/nhle/mailtriage/internal/sync"
	"github.com/nhle/mailtriage/tests/testutil"
)

type harness struct {
	rec        *testutil.Recorder
	mailbox    *testutil.FakeMailbox
	dialer     *testutil.FakeDialer
	transport  *testutil.FakeTransport
	classifier *testutil.FakeClassifier
	poller     *triage.Poller
}

func testConfig() *model.Config {
	return &model.Config{
		EmailAccount:    "triage@example.com",
		AckBody:         model.DefaultAckBody,
		Departments:     []string{"product", "sales", "engineering", "marketing", "other"},
		DefaultCategory: 3,
		CCEmails: map[string]string{
			"0": "product@x.com",
			"3": "market@x.com",
		},
		PollIntervalSec: 1,
		ConnectRetries:  2,
	}
}

func newHarness(t *testing.T, msgs ...model.Message) *harness {
	t.Helper()

	cfg := testConfig()
	rec := &testutil.Recorder{}
	h := &harness{
		rec:       rec,
		mailbox:   testutil.NewFakeMailbox(rec, msgs...),
		transport: testutil.NewFakeTransport(rec),
		classifier: &testutil.FakeClassifier{
			ByBody:  map[string]model.Category{},
			Default: 3,
		},
	}
	h.dialer = &testutil.FakeDialer{Mailbox: h.mailbox}

	h.poller = triage.New(cfg, triage.Deps{
		Dialer:         h.dialer,
		Classifier:     h.classifier,
		Notifier:       notify.New(cfg, h.transport, logging.Discard()),
		Journal:        testutil.NewTestStore(t),
		Metrics:        metrics.New(time.Now()),
		Logger:         logging.Discard(),
		ConnectBackoff: time.Millisecond,
	})
	return h
}

func msg(uid model.MessageID, from, subject, body string) model.Message {
	return model.Message{
		ID:              uid,
		MessageIDHeader: from + "-" + subject,
		From:            from,
		Subject:         subject,
		Body:            body,
	}
}

// kinds flattens recorded calls into "kind:detail" strings.
func kinds(calls []testutil.Call) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		switch c.Kind {
		case "send":
			out = append(out, "send:"+c.Msg.Subject+"->"+c.Msg.To)
		case "list":
			out = append(out, "list")
		default:
			out = append(out, fmt.Sprintf("%s:%d", c.Kind, c.UID))
		}
	}
	return out
}

func TestRunCycleProcessesInOrder(t *testing.T) {
	h := newHarness(t,
		msg(1, "alice@a.com", "ads", "buy ads"),
		msg(2, "bob@b.com", "odd", "weird"),
		msg(3, "carol@c.com", "app", "feature idea"),
	)
	h.classifier.ByBody["buy ads"] = 3
	h.classifier.ByBody["weird"] = 9
	h.classifier.ByBody["feature idea"] = 0

	report, err := h.poller.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Unread)
	require.Len(t, report.Outcomes, 3)
	assert.False(t, report.Aborted)

	assert.Equal(t, []string{
		"list",
		"fetch:1",
		"send:Re: ads->alice@a.com",
		"send:Fwd: ads->market@x.com",
		"mark:1",
		"fetch:2",
		"send:Re: odd->bob@b.com",
		"mark:2",
		"fetch:3",
		"send:Re: app->carol@c.com",
		"send:Fwd: app->product@x.com",
		"mark:3",
	}, kinds(h.rec.Calls()))

	for _, uid := range []model.MessageID{1, 2, 3} {
		assert.True(t, h.mailbox.IsSeen(uid))
	}
	assert.Equal(t, []string{"buy ads", "weird", "feature idea"}, h.classifier.Bodies())
}

func TestForwardKeepsSelfCc(t *testing.T) {
	h := newHarness(t, msg(1, "alice@a.com", "ads", "buy ads"))
	h.classifier.ByBody["buy ads"] = 3

	_, err := h.poller.RunCycle(context.Background())
	require.NoError(t, err)

	sent := h.transport.Sent()
	require.Len(t, sent, 2)

	ack := sent[0]
	assert.Equal(t, "alice@a.com", ack.To)
	assert.Empty(t, ack.Cc)
	assert.Equal(t, model.DefaultAckBody, ack.Body)

	fwd := sent[1]
	assert.Equal(t, "market@x.com", fwd.To)
	assert.Equal(t, "market@x.com", fwd.Cc)
	assert.Equal(t, "Forwarded message:\n\nbuy ads", fwd.Body)
}

func TestUnmappedCategoryStillAcksAndMarksRead(t *testing.T) {
	h := newHarness(t, msg(1, "bob@b.com", "odd", "weird"))
	h.classifier.ByBody["weird"] = 9

	report, err := h.poller.RunCycle(context.Background())
	require.NoError(t, err)

	sent := h.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Re: odd", sent[0].Subject)
	assert.True(t, h.mailbox.IsSeen(1))

	o := report.Outcomes[0]
	assert.Equal(t, model.Category(9), o.Category)
	assert.Empty(t, o.ForwardedTo)
	assert.True(t, o.Succeeded())
}

func TestSendFailuresDoNotBlockMarkRead(t *testing.T) {
	h := newHarness(t, msg(1, "alice@a.com", "ads", "buy ads"))
	h.classifier.ByBody["buy ads"] = 3
	h.transport.FailTo["alice@a.com"] = errors.New("smtp: 550 mailbox unavailable")
	h.transport.FailTo["market@x.com"] = errors.New("smtp: 451 try later")

	report, err := h.poller.RunCycle(context.Background())
	require.NoError(t, err)

	o := report.Outcomes[0]
	assert.Contains(t, o.AckError, "550")
	assert.Contains(t, o.ForwardError, "451")
	assert.True(t, o.MarkedRead)
	assert.True(t, h.mailbox.IsSeen(1))

	var sends int
	for _, c := range h.rec.Calls() {
		if c.Kind == "send" {
			sends++
		}
	}
	assert.Equal(t, 2, sends, "forward attempted even though the ack failed")
}

func TestMarkReadComesAfterSends(t *testing.T) {
	h := newHarness(t, msg(1, "alice@a.com", "ads", "buy ads"))

	_, err := h.poller.RunCycle(context.Background())
	require.NoError(t, err)

	calls := h.rec.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, "mark", last.Kind)
	for _, c := range calls[:len(calls)-1] {
		assert.NotEqual(t, "mark", c.Kind)
	}
}

func TestFaultInOneMessageDoesNotStopOthers(t *testing.T) {
	h := newHarness(t,
		msg(1, "alice@a.com", "one", "b1"),
		msg(2, "bob@b.com", "two", "b2"),
		msg(3, "carol@c.com", "three", "b3"),
	)
	h.mailbox.FetchErr[1] = errors.New("NO message expunged")
	h.mailbox.FetchPanic[2] = true

	report, err := h.poller.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 3)

	assert.Contains(t, report.Outcomes[0].Error, "expunged")
	assert.Contains(t, report.Outcomes[1].Error, "panic")
	assert.True(t, report.Outcomes[2].Succeeded())

	assert.False(t, h.mailbox.IsSeen(1))
	assert.False(t, h.mailbox.IsSeen(2))
	assert.True(t, h.mailbox.IsSeen(3))

	sent := h.transport.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "carol@c.com", sent[0].To)
}

func TestConnectionFaultAbortsCycleAndReconnects(t *testing.T) {
	h := newHarness(t,
		msg(1, "alice@a.com", "one", "b1"),
		msg(2, "bob@b.com", "two", "b2"),
	)
	h.mailbox.MarkErr[1] = &source.ConnectionError{Op: "store", Err: errors.New("broken pipe")}

	report, err := h.poller.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, source.IsConnectionError(err))
	assert.True(t, report.Aborted)
	require.Len(t, report.Outcomes, 1)
	assert.True(t, h.mailbox.Closed)
	assert.False(t, h.mailbox.IsSeen(1))
	assert.False(t, h.mailbox.IsSeen(2))
	assert.Equal(t, triage.SyncError, h.poller.Status().State)

	delete(h.mailbox.MarkErr, 1)

	report, err = h.poller.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, h.dialer.Dials())
	require.Len(t, report.Outcomes, 2)

	// Message 1 was already acknowledged before the connection dropped.
	assert.False(t, report.Outcomes[0].AckAttempted)
	assert.True(t, report.Outcomes[0].MarkedRead)
	assert.True(t, report.Outcomes[1].AckAttempted)

	var acksToAlice int
	for _, m := range h.transport.Sent() {
		if m.To == "alice@a.com" {
			acksToAlice++
		}
	}
	assert.Equal(t, 1, acksToAlice)
	assert.True(t, h.mailbox.IsSeen(1))
	assert.True(t, h.mailbox.IsSeen(2))
	assert.Equal(t, triage.SyncIdle, h.poller.Status().State)
}

func TestMessageMarkedUnreadAgainIsProcessedAgain(t *testing.T) {
	h := newHarness(t, msg(1, "alice@a.com", "ads", "buy ads"))
	h.classifier.ByBody["buy ads"] = 3

	_, err := h.poller.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, h.mailbox.IsSeen(1))
	require.Len(t, h.transport.Sent(), 2)

	h.mailbox.SetSeen(1, false)

	report, err := h.poller.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)

	o := report.Outcomes[0]
	assert.True(t, o.AckAttempted)
	assert.Equal(t, "market@x.com", o.ForwardedTo)
	assert.True(t, o.MarkedRead)

	sent := h.transport.Sent()
	require.Len(t, sent, 4)
	assert.Equal(t, "Re: ads", sent[2].Subject)
	assert.Equal(t, "Fwd: ads", sent[3].Subject)
	assert.True(t, h.mailbox.IsSeen(1))
}

func TestEmptyMailboxIsNoOp(t *testing.T) {
	h := newHarness(t)

	report, err := h.poller.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Zero(t, report.Unread)
	assert.Empty(t, report.Outcomes)
	assert.Empty(t, h.transport.Sent())
	assert.Equal(t, []string{"list"}, kinds(h.rec.Calls()))
	assert.Equal(t, report.CycleID, h.poller.LastCycle().CycleID)
}

func TestSeenMessagesAreIgnored(t *testing.T) {
	h := newHarness(t, msg(1, "alice@a.com", "old", "b"))
	h.mailbox.SetSeen(1, true)

	report, err := h.poller.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Zero(t, report.Unread)
	assert.Empty(t, h.transport.Sent())
}

func TestConnectRetriesExhausted(t *testing.T) {
	h := newHarness(t, msg(1, "alice@a.com", "one", "b1"))
	h.dialer.FailFirst = 100

	_, err := h.poller.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, triage.ErrMailboxUnavailable)
	assert.Equal(t, 3, h.dialer.Dials())

	err = h.poller.Run(context.Background())
	assert.ErrorIs(t, err, triage.ErrMailboxUnavailable)
}

func TestConnectRecoversWithinRetries(t *testing.T) {
	h := newHarness(t, msg(1, "alice@a.com", "one", "b1"))
	h.dialer.FailFirst = 2

	_, err := h.poller.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, h.mailbox.IsSeen(1))
	assert.True(t, h.poller.Status().Connected)
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.dialer.FailFirst = 100
	h.dialer.Err = &source.AuthError{Transport: "imap", Message: "bad password"}

	_, err := h.poller.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, source.IsAuthError(err))
	assert.Equal(t, 1, h.dialer.Dials())
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, msg(1, "alice@a.com", "one", "b1"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := h.poller.Run(ctx)
	require.NoError(t, err)

	assert.True(t, h.mailbox.IsSeen(1))
	assert.True(t, h.mailbox.Closed)
	assert.GreaterOrEqual(t, h.poller.Status().Cycles, 1)
}
