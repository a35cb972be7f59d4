// Package routing decides which folder a message belongs in.
package routing

import (
	"fmt"
	"strings"

	"github.com/tracyhatemice/mtfss/internal/recipient"
)

// Folder layout on the mail store.
const (
	UnmatchedFolder = "unmatched"
	IgnorePrefix    = "ignore/"
)

// Kind tags a Decision.
type Kind int

const (
	Unmatched Kind = iota
	User
	DomainQualified
	Ignore
)

// Kinds lists every decision kind, in reporting order.
var Kinds = []Kind{User, DomainQualified, Ignore, Unmatched}

func (k Kind) String() string {
	switch k {
	case User:
		return "user"
	case DomainQualified:
		return "domain"
	case Ignore:
		return "ignore"
	default:
		return "unmatched"
	}
}

// Decision is the destination chosen for one message.
type Decision struct {
	Kind   Kind
	Folder string
	// User is the local part the decision was made for; empty when Unmatched.
	User string
}

func (d Decision) String() string {
	return fmt.Sprintf("%s(%s)", d.Kind, d.Folder)
}

// ExistenceChecker answers whether a folder exists on the mail store.
type ExistenceChecker interface {
	Exists(folder string) (bool, error)
}

// IgnoreFolder returns the ignore folder name for a local part.
func IgnoreFolder(user string) string {
	return IgnorePrefix + user
}

// reserved reports whether a bare local part would name the inbox or one of
// the sorter's own folders. INBOX is case-insensitive on every IMAP server.
func reserved(local string) bool {
	return strings.EqualFold(local, "INBOX") ||
		local == UnmatchedFolder ||
		local == strings.TrimSuffix(IgnorePrefix, "/")
}

// Route returns the destination for a message addressed to addr. A nil
// address routes to the unmatched folder. An existing ignore/<local part>
// folder wins over domain classification for every domain. Reserved local
// parts on the primary domain keep their domain-qualified name.
func Route(addr *recipient.Address, primaryDomain string, checker ExistenceChecker) (Decision, error) {
	if addr == nil {
		return Decision{Kind: Unmatched, Folder: UnmatchedFolder}, nil
	}

	ignore := IgnoreFolder(addr.LocalPart)
	ignored, err := checker.Exists(ignore)
	if err != nil {
		return Decision{}, fmt.Errorf("check %s: %w", ignore, err)
	}
	if ignored {
		return Decision{Kind: Ignore, Folder: ignore, User: addr.LocalPart}, nil
	}

	if strings.EqualFold(addr.Domain, primaryDomain) && !reserved(addr.LocalPart) {
		return Decision{Kind: User, Folder: addr.LocalPart, User: addr.LocalPart}, nil
	}
	return Decision{Kind: DomainQualified, Folder: addr.String(), User: addr.LocalPart}, nil
}
