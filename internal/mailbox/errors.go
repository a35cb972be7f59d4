package mailbox

import (
	"errors"
	"fmt"

	"github.com/emersion/go-imap/v2"
)

var (
	// Fatal at startup.
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrConnectionFailed     = errors.New("connection failed")

	// The connection is gone; the session must be rebuilt.
	ErrStoreUnavailable = errors.New("store unavailable")

	// Per-message or per-folder rejections from the store.
	ErrMoveFailed         = errors.New("move failed")
	ErrFetchFailed        = errors.New("fetch failed")
	ErrFolderCreateFailed = errors.New("folder create failed")
	ErrFolderDeleteFailed = errors.New("folder delete failed")
)

// classify maps err onto rejected when the server answered with a status
// response, and onto ErrStoreUnavailable otherwise.
func classify(err error, rejected error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return fmt.Errorf("%s: %w: %w", msg, rejected, err)
	}
	return fmt.Errorf("%s: %w: %w", msg, ErrStoreUnavailable, err)
}

// nonExistent reports whether the server rejected a command because the
// mailbox it names does not exist.
func nonExistent(err error) bool {
	var imapErr *imap.Error
	return errors.As(err, &imapErr) && imapErr.Code == imap.ResponseCodeNonExistent
}
