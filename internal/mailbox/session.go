package mailbox

import (
	"context"

	"github.com/emersion/go-message/mail"
)

// Handle identifies a message in the inbox. It is only valid for the sweep
// that listed it.
type Handle uint32

// Session is a live connection to the mail store.
type Session interface {
	// ListNew returns handles for the messages currently in the inbox.
	ListNew() ([]Handle, error)

	// FetchHeader returns the header of the message without marking it read.
	FetchHeader(h Handle) (mail.Header, error)

	// Move relocates the message from the inbox into folder. On failure the
	// message stays in the inbox.
	Move(h Handle, folder string) error

	// List returns the names of all folders on the store.
	List() ([]string, error)

	// Create creates a folder.
	Create(folder string) error

	// Delete deletes a folder. A folder that is already gone is not an error.
	Delete(folder string) error

	// MoveAll moves every message in from into to and returns the count. A
	// missing from folder moves nothing.
	MoveAll(from, to string) (int, error)

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Dialer opens a new Session.
type Dialer func(ctx context.Context) (Session, error)
