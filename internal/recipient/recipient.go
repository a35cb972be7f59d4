// Package recipient extracts the routing address from a message's
// recipient-bearing headers.
package recipient

import (
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"
)

// Address is the local-part/domain pair a message is routed by.
type Address struct {
	LocalPart string
	Domain    string
}

// String returns the address in local@domain form.
func (a Address) String() string {
	return a.LocalPart + "@" + a.Domain
}

// DefaultHeaders are the headers scanned when no envelope headers are
// configured, in priority order.
var DefaultHeaders = []string{"To", "Cc", "Bcc"}

var (
	localPartRe = regexp.MustCompile(`^[\p{L}\p{N}._%+\-]+$`)
	domainRe    = regexp.MustCompile(`^[\p{L}\p{N}.\-]+\.\p{L}{2,}$`)
)

// Extractor scans headers in a fixed order and returns the first
// well-formed address it finds.
type Extractor struct {
	headers []string
}

// NewExtractor returns an Extractor that checks the given envelope headers
// (such as X-Original-To or Delivered-To) before To, Cc and Bcc.
func NewExtractor(envelopeHeaders ...string) *Extractor {
	headers := make([]string, 0, len(envelopeHeaders)+len(DefaultHeaders))
	for _, h := range envelopeHeaders {
		if h = strings.TrimSpace(h); h != "" {
			headers = append(headers, h)
		}
	}
	headers = append(headers, DefaultHeaders...)
	return &Extractor{headers: headers}
}

// Headers returns the header names in the order they are checked.
func (e *Extractor) Headers() []string {
	return append([]string(nil), e.headers...)
}

// Extract returns the first well-formed address across the extractor's
// headers. The boolean is false when no header yields one.
func (e *Extractor) Extract(h mail.Header) (Address, bool) {
	for _, key := range e.headers {
		if addr, ok := fromHeader(h, key); ok {
			return addr, true
		}
	}
	return Address{}, false
}

// Extract is a convenience for NewExtractor().Extract(h).
func Extract(h mail.Header) (Address, bool) {
	return NewExtractor().Extract(h)
}

func fromHeader(h mail.Header, key string) (Address, bool) {
	raw := strings.TrimSpace(h.Get(key))
	if raw == "" {
		return Address{}, false
	}

	if list, err := h.AddressList(key); err == nil {
		for _, a := range list {
			if addr, ok := Parse(a.Address); ok {
				return addr, true
			}
		}
	}

	// Fall back to a token scan so sloppy headers still route.
	value := raw
	if decoded, err := h.Text(key); err == nil && decoded != "" {
		value = decoded
	}
	for _, candidate := range strings.FieldsFunc(value, isSeparator) {
		if addr, ok := Parse(candidate); ok {
			return addr, true
		}
	}
	return Address{}, false
}

// Parse splits s into local part and domain. It accepts exactly one "@" and
// only characters valid in folder names derived from the result.
func Parse(s string) (Address, bool) {
	s = strings.TrimSpace(s)
	local, domain, found := strings.Cut(s, "@")
	if !found || strings.Contains(domain, "@") {
		return Address{}, false
	}
	if !localPartRe.MatchString(local) || !domainRe.MatchString(domain) {
		return Address{}, false
	}
	return Address{LocalPart: local, Domain: domain}, true
}

// isSeparator reports whether r delimits address tokens in a raw header.
func isSeparator(r rune) bool {
	switch r {
	case ' ', '\t', '\r', '\n', ',', ';', '<', '>', '"', '\'', '(', ')', '[', ']':
		return true
	}
	return false
}
