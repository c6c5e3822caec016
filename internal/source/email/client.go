package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/source"
)

// ErrMessageNotFound is returned by Fetch when the UID no longer exists.
var ErrMessageNotFound = errors.New("message not found")

const inbox = "INBOX"

// IMAPClient opens sessions on the configured inbox. It implements
// source.Dialer.
type IMAPClient struct {
	cfg IMAPConfig
}

// NewIMAPClient creates a new IMAP client configuration.
func NewIMAPClient(cfg IMAPConfig) *IMAPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &IMAPClient{cfg: cfg}
}

// Dial establishes a connection to the IMAP server, authenticates and
// selects INBOX. The caller owns the returned session and must Close it.
func (c *IMAPClient) Dial(ctx context.Context) (source.Mailbox, error) {
	addr := c.cfg.Addr()
	tlsConfig := &tls.Config{ServerName: c.cfg.Host}
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}

	var conn net.Conn
	var err error
	if c.cfg.StartTLS {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, &source.ConnectionError{Op: "dial " + addr, Err: err}
	}

	s, err := c.open(ctx, conn, tlsConfig)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// open runs the IMAP handshake on an established connection: STARTTLS when
// configured, then login and INBOX selection. conn is closed on failure.
func (c *IMAPClient) open(
	ctx context.Context, conn net.Conn, tlsConfig *tls.Config,
) (*Session, error) {
	s := &Session{conn: conn, timeout: c.cfg.Timeout}
	release := s.guard(ctx)
	defer release()

	var err error
	opts := &imapclient.Options{TLSConfig: tlsConfig}
	if c.cfg.StartTLS {
		s.client, err = imapclient.NewStartTLS(conn, opts)
		if err != nil {
			conn.Close()
			return nil, &source.ConnectionError{Op: "starttls", Err: err}
		}
	} else {
		s.client = imapclient.New(conn, opts)
	}

	if err := s.client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = s.client.Close()
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return nil, &source.AuthError{
				Transport: "imap",
				Message: fmt.Sprintf(
					"authentication failed for %s: %v",
					c.cfg.Username, err,
				),
			}
		}
		return nil, &source.ConnectionError{Op: "login", Err: err}
	}

	if _, err := s.client.Select(inbox, nil).Wait(); err != nil {
		_ = s.client.Close()
		return nil, s.wrap("selecting "+inbox, err)
	}

	return s, nil
}

// Session is one logged-in IMAP connection with INBOX selected. It is not
// safe for concurrent use.
type Session struct {
	client  *imapclient.Client
	conn    net.Conn
	timeout time.Duration
}

// guard puts a deadline on the connection for the duration of one command
// and aborts the command if ctx is cancelled. The returned func clears it.
func (s *Session) guard(ctx context.Context) func() {
	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Now())
	})

	return func() {
		stop()
		_ = s.conn.SetDeadline(time.Time{})
	}
}

// wrap tells server refusals (NO/BAD, which leave the session usable)
// apart from transport failures, which poison the session.
func (s *Session) wrap(op string, err error) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &source.ConnectionError{Op: op, Err: err}
}

// ListUnread searches INBOX for messages without the \Seen flag.
func (s *Session) ListUnread(ctx context.Context) ([]model.MessageID, error) {
	defer s.guard(ctx)()

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}

	searchData, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, s.wrap("searching unread messages", err)
	}

	uids := searchData.AllUIDs()
	ids := make([]model.MessageID, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, model.MessageID(uid))
	}
	return ids, nil
}

// Fetch retrieves the full message with BODY.PEEK[] so the \Seen flag is
// left untouched, and decodes it.
func (s *Session) Fetch(
	ctx context.Context, id model.MessageID,
) (*model.Message, error) {
	defer s.guard(ctx)()

	bodySection := &imap.FetchItemBodySection{
		Peek: true,
	}

	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := s.client.Fetch(imap.UIDSetNum(imap.UID(id)), fetchOpts)

	data := fetchCmd.Next()
	if data == nil {
		if err := fetchCmd.Close(); err != nil {
			return nil, s.wrap(fmt.Sprintf("fetching UID %d", id), err)
		}
		return nil, fmt.Errorf("fetching UID %d: %w", id, ErrMessageNotFound)
	}

	buf, collectErr := data.Collect()
	if err := fetchCmd.Close(); err != nil {
		return nil, s.wrap(fmt.Sprintf("fetching UID %d", id), err)
	}
	if collectErr != nil {
		return nil, s.wrap(fmt.Sprintf("collecting UID %d", id), collectErr)
	}

	msg := ParseMessage(buf.FindBodySection(bodySection))
	msg.ID = id

	return msg, nil
}

// MarkRead adds the \Seen flag to the message.
func (s *Session) MarkRead(ctx context.Context, id model.MessageID) error {
	defer s.guard(ctx)()

	storeCmd := s.client.Store(imap.UIDSetNum(imap.UID(id)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)

	if err := storeCmd.Close(); err != nil {
		return s.wrap(fmt.Sprintf("marking UID %d read", id), err)
	}
	return nil
}

// Close logs out and closes the connection.
func (s *Session) Close() error {
	_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
	logoutErr := s.client.Logout().Wait()
	closeErr := s.client.Close()
	if logoutErr != nil {
		return fmt.Errorf("logging out: %w", logoutErr)
	}
	return closeErr
}
