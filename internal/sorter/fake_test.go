package sorter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/emersion/go-message/mail"

	"github.com/tracyhatemice/mtfss/internal/mailbox"
)

type fakeMessage struct {
	uid mailbox.Handle
	to  string
}

// fakeServer is an in-memory mail store shared by every session dialed from
// it, so a reconnect sees the state left by the previous session.
type fakeServer struct {
	mu sync.Mutex

	nextUID mailbox.Handle
	inbox   []fakeMessage
	folders map[string][]fakeMessage

	dials    int
	dialErrs []error // consumed one per dial; nil entries succeed

	// dropAfterMoves drops the connection on the move following this many
	// successful moves. Zero disables it.
	dropAfterMoves int
	moves          int

	moveErr   map[string]error
	createErr map[string]error
	fetched   []mailbox.Handle

	onMove func(folder string)
}

func newFakeServer(folders ...string) *fakeServer {
	srv := &fakeServer{
		nextUID:   1,
		folders:   make(map[string][]fakeMessage),
		moveErr:   make(map[string]error),
		createErr: make(map[string]error),
	}
	for _, f := range folders {
		srv.folders[f] = nil
	}
	return srv
}

func (srv *fakeServer) deliver(to ...string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, addr := range to {
		srv.inbox = append(srv.inbox, fakeMessage{uid: srv.nextUID, to: addr})
		srv.nextUID++
	}
}

func (srv *fakeServer) deliverTo(folder, to string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.folders[folder] = append(srv.folders[folder], fakeMessage{uid: srv.nextUID, to: to})
	srv.nextUID++
}

func (srv *fakeServer) dial(_ context.Context) (mailbox.Session, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.dials++
	if len(srv.dialErrs) > 0 {
		err := srv.dialErrs[0]
		srv.dialErrs = srv.dialErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &fakeSession{srv: srv}, nil
}

// contents returns the recipients of the messages in folder ("INBOX" for the
// inbox), sorted.
func (srv *fakeServer) contents(folder string) []string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	msgs := srv.inbox
	if folder != "INBOX" {
		msgs = srv.folders[folder]
	}
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.to)
	}
	sort.Strings(out)
	return out
}

func (srv *fakeServer) hasFolder(name string) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	_, ok := srv.folders[name]
	return ok
}

func (srv *fakeServer) inboxLen() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.inbox)
}

type fakeSession struct {
	srv    *fakeServer
	closed bool
}

func (s *fakeSession) check(op string) error {
	if s.closed {
		return fmt.Errorf("%s: %w: connection closed", op, mailbox.ErrStoreUnavailable)
	}
	return nil
}

func (s *fakeSession) ListNew() ([]mailbox.Handle, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if err := s.check("list"); err != nil {
		return nil, err
	}
	handles := make([]mailbox.Handle, 0, len(s.srv.inbox))
	for _, m := range s.srv.inbox {
		handles = append(handles, m.uid)
	}
	return handles, nil
}

func (s *fakeSession) FetchHeader(h mailbox.Handle) (mail.Header, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if err := s.check("fetch"); err != nil {
		return mail.Header{}, err
	}
	s.srv.fetched = append(s.srv.fetched, h)
	for _, m := range s.srv.inbox {
		if m.uid == h {
			var hdr mail.Header
			hdr.Set("From", "sender@remote.org")
			if m.to != "" {
				hdr.Set("To", m.to)
			}
			return hdr, nil
		}
	}
	return mail.Header{}, fmt.Errorf("fetch %d: %w", h, mailbox.ErrFetchFailed)
}

func (s *fakeSession) Move(h mailbox.Handle, folder string) error {
	s.srv.mu.Lock()
	if err := s.check("move"); err != nil {
		s.srv.mu.Unlock()
		return err
	}
	if s.srv.dropAfterMoves > 0 && s.srv.moves == s.srv.dropAfterMoves {
		s.srv.dropAfterMoves = 0
		s.closed = true
		s.srv.mu.Unlock()
		return fmt.Errorf("move %d: %w: connection reset", h, mailbox.ErrStoreUnavailable)
	}
	if err := s.srv.moveErr[folder]; err != nil {
		s.srv.mu.Unlock()
		return err
	}
	if _, ok := s.srv.folders[folder]; !ok {
		s.srv.mu.Unlock()
		return fmt.Errorf("move %d to %s: %w: no such folder", h, folder, mailbox.ErrMoveFailed)
	}
	for i, m := range s.srv.inbox {
		if m.uid == h {
			s.srv.inbox = append(s.srv.inbox[:i:i], s.srv.inbox[i+1:]...)
			s.srv.folders[folder] = append(s.srv.folders[folder], m)
			break
		}
	}
	s.srv.moves++
	onMove := s.srv.onMove
	s.srv.mu.Unlock()

	if onMove != nil {
		onMove(folder)
	}
	return nil
}

func (s *fakeSession) List() ([]string, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if err := s.check("list folders"); err != nil {
		return nil, err
	}
	names := []string{"INBOX"}
	for name := range s.srv.folders {
		names = append(names, name)
	}
	return names, nil
}

func (s *fakeSession) Create(folder string) error {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if err := s.check("create"); err != nil {
		return err
	}
	if err := s.srv.createErr[folder]; err != nil {
		return err
	}
	if _, ok := s.srv.folders[folder]; ok {
		return fmt.Errorf("create %s: %w: already exists", folder, mailbox.ErrFolderCreateFailed)
	}
	s.srv.folders[folder] = nil
	return nil
}

func (s *fakeSession) Delete(folder string) error {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if err := s.check("delete"); err != nil {
		return err
	}
	delete(s.srv.folders, folder)
	return nil
}

func (s *fakeSession) MoveAll(from, to string) (int, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if err := s.check("move all"); err != nil {
		return 0, err
	}
	msgs, ok := s.srv.folders[from]
	if !ok {
		return 0, nil
	}
	s.srv.folders[to] = append(s.srv.folders[to], msgs...)
	s.srv.folders[from] = nil
	return len(msgs), nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}
