// Package resources implements the identifiers and canonical Internet
// number resource sets shared by the CA and publication server
// aggregates: handles, key identifiers, and IPv4/IPv6/AS resource sets.
package resources

import (
	"fmt"
	"regexp"
)

// Handle is a short, printable label identifying an aggregate (a CA or
// a publisher) or a child/parent relationship under one.
type Handle string

var handlePattern = regexp.MustCompile(`^[-_A-Za-z0-9]{1,255}$`)

// Validate checks the handle against the printable, length <= 255,
// [-_A-Za-z0-9] grammar required of every CA, child, and publisher
// handle.
func (h Handle) Validate() error {
	if !handlePattern.MatchString(string(h)) {
		return fmt.Errorf("%w: handle %q", ErrInvalidHandle, string(h))
	}
	return nil
}

func (h Handle) String() string { return string(h) }

// ErrInvalidHandle is returned by Validate when a handle fails the
// printable/length/charset grammar.
var ErrInvalidHandle = fmt.Errorf("invalid handle")
