package mailbox

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Security modes understood by Dial.
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityInsecure = "insecure"
)

// Options configures an IMAP session.
type Options struct {
	Host     string
	Port     int
	Security string
	Username string
	Password string
	Inbox    string

	// TLSConfig overrides the client TLS settings; ServerName defaults to Host.
	TLSConfig *tls.Config
	// DialTimeout bounds the TCP connect. Zero means 30 seconds.
	DialTimeout time.Duration

	Logger *slog.Logger
}

// IMAPSession is a Session backed by a go-imap client with the inbox selected.
type IMAPSession struct {
	client *imapclient.Client
	inbox  string
	logger *slog.Logger
}

var _ Session = (*IMAPSession)(nil)

// NewDialer returns a Dialer that opens IMAP sessions with opts.
func NewDialer(opts Options) Dialer {
	return func(ctx context.Context) (Session, error) {
		return Dial(ctx, opts)
	}
}

// Dial connects, logs in and selects the inbox. Login rejections are
// reported as ErrAuthenticationFailed, everything else as ErrConnectionFailed.
func Dial(ctx context.Context, opts Options) (*IMAPSession, error) {
	if opts.Inbox == "" {
		opts.Inbox = "INBOX"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: opts.Host}
	}
	clientOpts := &imapclient.Options{TLSConfig: tlsConfig}

	var (
		conn net.Conn
		err  error
	)
	nd := &net.Dialer{Timeout: timeout}
	switch opts.Security {
	case SecurityInsecure, SecurityStartTLS:
		conn, err = nd.DialContext(ctx, "tcp", addr)
	default:
		d := &tls.Dialer{NetDialer: nd, Config: tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("imap connect %s: %w: %w", addr, ErrConnectionFailed, err)
	}

	// Greeting, STARTTLS, login and select block on the server; closing the
	// connection is the only way to interrupt them.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	client, err := handshake(conn, clientOpts, opts)
	if !stop() && err == nil {
		client.Close()
		err = fmt.Errorf("imap connect %s: %w: %w", addr, ErrConnectionFailed, ctx.Err())
	}
	if err != nil {
		return nil, err
	}

	opts.Logger.Info("connected to imap server", "addr", addr, "username", opts.Username, "inbox", opts.Inbox)
	return &IMAPSession{client: client, inbox: opts.Inbox, logger: opts.Logger}, nil
}

func handshake(conn net.Conn, clientOpts *imapclient.Options, opts Options) (*imapclient.Client, error) {
	var client *imapclient.Client
	if opts.Security == SecurityStartTLS {
		c, err := imapclient.NewStartTLS(conn, clientOpts)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("imap starttls %s: %w: %w", opts.Host, ErrConnectionFailed, err)
		}
		client = c
	} else {
		client = imapclient.New(conn, clientOpts)
	}

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		client.Close()
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return nil, fmt.Errorf("imap login %s: %w: %w", opts.Username, ErrAuthenticationFailed, err)
		}
		return nil, fmt.Errorf("imap login %s: %w: %w", opts.Username, ErrConnectionFailed, err)
	}

	if _, err := client.Select(opts.Inbox, nil).Wait(); err != nil {
		client.Logout().Wait()
		client.Close()
		return nil, fmt.Errorf("imap select %s: %w: %w", opts.Inbox, ErrConnectionFailed, err)
	}
	return client, nil
}

func (s *IMAPSession) ListNew() ([]Handle, error) {
	if s.client == nil {
		return nil, fmt.Errorf("imap list: %w: session closed", ErrStoreUnavailable)
	}
	// Re-select so the message list reflects deliveries since the last sweep.
	if _, err := s.client.Select(s.inbox, nil).Wait(); err != nil {
		return nil, classify(err, ErrStoreUnavailable, "imap select %s", s.inbox)
	}
	uids, err := s.searchUIDs()
	if err != nil {
		return nil, err
	}
	handles := make([]Handle, 0, len(uids))
	for _, uid := range uids {
		handles = append(handles, Handle(uid))
	}
	return handles, nil
}

func (s *IMAPSession) searchUIDs() ([]imap.UID, error) {
	data, err := s.client.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagDeleted},
	}, nil).Wait()
	if err != nil {
		return nil, classify(err, ErrStoreUnavailable, "imap search")
	}
	return data.AllUIDs(), nil
}

func (s *IMAPSession) FetchHeader(h Handle) (mail.Header, error) {
	if s.client == nil {
		return mail.Header{}, fmt.Errorf("imap fetch: %w: session closed", ErrStoreUnavailable)
	}
	section := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierHeader, Peek: true}
	bufs, err := s.client.Fetch(imap.UIDSetNum(imap.UID(h)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return mail.Header{}, classify(err, ErrFetchFailed, "imap fetch uid %d", h)
	}
	if len(bufs) == 0 {
		return mail.Header{}, fmt.Errorf("imap fetch uid %d: %w: message not found", h, ErrFetchFailed)
	}

	raw := bufs[0].FindBodySection(section)
	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return mail.Header{}, fmt.Errorf("parse header uid %d: %w: %w", h, ErrFetchFailed, err)
	}
	return mail.Header{Header: message.Header{Header: hdr}}, nil
}

func (s *IMAPSession) Move(h Handle, folder string) error {
	if s.client == nil {
		return fmt.Errorf("imap move: %w: session closed", ErrStoreUnavailable)
	}
	return s.moveUIDs(imap.UIDSetNum(imap.UID(h)), folder)
}

// moveUIDs uses MOVE when the server has it and otherwise falls back to
// COPY, STORE \Deleted and EXPUNGE in the selected mailbox.
func (s *IMAPSession) moveUIDs(uids imap.UIDSet, folder string) error {
	caps := s.client.Caps()
	if caps.Has(imap.CapMove) {
		if _, err := s.client.Move(uids, folder).Wait(); err != nil {
			return classify(err, ErrMoveFailed, "imap move %v to %s", uids, folder)
		}
		return nil
	}

	if _, err := s.client.Copy(uids, folder).Wait(); err != nil {
		return classify(err, ErrMoveFailed, "imap copy %v to %s", uids, folder)
	}
	err := s.client.Store(uids, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close()
	if err != nil {
		return classify(err, ErrMoveFailed, "imap store deleted %v", uids)
	}

	if caps.Has(imap.CapUIDPlus) {
		err = s.client.UIDExpunge(uids).Close()
	} else {
		err = s.client.Expunge().Close()
	}
	if err != nil {
		return classify(err, ErrMoveFailed, "imap expunge %v", uids)
	}
	return nil
}

func (s *IMAPSession) List() ([]string, error) {
	if s.client == nil {
		return nil, fmt.Errorf("imap list: %w: session closed", ErrStoreUnavailable)
	}
	mailboxes, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, classify(err, ErrStoreUnavailable, "imap list")
	}

	names := make([]string, 0, len(mailboxes))
	for _, mb := range mailboxes {
		if hasAttr(mb.Attrs, imap.MailboxAttrNonExistent) {
			continue
		}
		names = append(names, mb.Mailbox)
	}
	return names, nil
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, a := range attrs {
		if a == want {
			return true
		}
	}
	return false
}

func (s *IMAPSession) Create(folder string) error {
	if s.client == nil {
		return fmt.Errorf("imap create: %w: session closed", ErrStoreUnavailable)
	}
	if err := s.client.Create(folder, nil).Wait(); err != nil {
		return classify(err, ErrFolderCreateFailed, "imap create %s", folder)
	}
	s.logger.Info("created folder", "folder", folder)
	return nil
}

func (s *IMAPSession) Delete(folder string) error {
	if s.client == nil {
		return fmt.Errorf("imap delete: %w: session closed", ErrStoreUnavailable)
	}
	if err := s.client.Delete(folder).Wait(); err != nil {
		if nonExistent(err) {
			s.logger.Debug("folder already gone", "folder", folder)
			return nil
		}
		return classify(err, ErrFolderDeleteFailed, "imap delete %s", folder)
	}
	s.logger.Info("deleted folder", "folder", folder)
	return nil
}

func (s *IMAPSession) MoveAll(from, to string) (int, error) {
	if s.client == nil {
		return 0, fmt.Errorf("imap move all: %w: session closed", ErrStoreUnavailable)
	}
	if _, err := s.client.Select(from, nil).Wait(); err != nil {
		s.reselectInbox()
		if nonExistent(err) {
			return 0, nil
		}
		return 0, classify(err, ErrMoveFailed, "imap select %s", from)
	}
	defer s.reselectInbox()

	uids, err := s.searchUIDs()
	if err != nil {
		return 0, err
	}
	if len(uids) == 0 {
		return 0, nil
	}
	if err := s.moveUIDs(imap.UIDSetNum(uids...), to); err != nil {
		return 0, err
	}
	return len(uids), nil
}

func (s *IMAPSession) reselectInbox() {
	if _, err := s.client.Select(s.inbox, nil).Wait(); err != nil {
		s.logger.Warn("reselect inbox failed", "inbox", s.inbox, "error", err)
	}
}

func (s *IMAPSession) Close() error {
	if s.client == nil {
		return nil
	}
	client := s.client
	s.client = nil

	if err := client.Logout().Wait(); err != nil {
		s.logger.Debug("imap logout failed", "error", err)
	}
	if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("imap close: %w", err)
	}
	return nil
}
