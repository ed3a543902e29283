// Package pubserver implements the publication server aggregate:
// the registered publishers, each publisher's current object set, and
// the RRDP session/serial counters, built on pkg/aggregate alongside
// pkg/ca. The RRDP and rsync files themselves are produced by pkg/rrdp
// from this aggregate's events.
package pubserver

import (
	"strings"

	"github.com/google/uuid"
)

// Object is one published object: its content and the SHA-256 the
// publication protocol's hash preconditions compare against.
type Object struct {
	Hash string // lowercase hex SHA-256 of Data
	Data []byte
}

// PublisherState is what the repository remembers about one publisher.
type PublisherState struct {
	Handle  string
	IDCert  []byte // identity certificate publication-protocol messages must be signed with
	BaseURI string // rsync URI prefix every published object must fall under
	Objects map[string]*Object
}

// State is the publication server aggregate: publisher registry plus
// the monotonic RRDP serial and fixed-per-session id that order every
// published delta.
type State struct {
	Handle      string
	Initialized bool
	SessionID   string
	Serial      uint64
	Publishers  map[string]*PublisherState

	deps *Deps
}

// Deps is the runtime wiring the publication server state needs:
// session id minting, pinned in tests.
type Deps struct {
	NewSessionID func() string
}

func (d *Deps) newSessionID() string {
	if d != nil && d.NewSessionID != nil {
		return d.NewSessionID()
	}
	return uuid.NewString()
}

func newState(handle string, deps *Deps) *State {
	return &State{
		Handle:     handle,
		Publishers: make(map[string]*PublisherState),
		deps:       deps,
	}
}

// ObjectList returns a publisher's current uri -> hash map, the body
// of an RFC 8181 list reply.
func (s *State) ObjectList(publisher string) map[string]string {
	p := s.Publishers[publisher]
	if p == nil {
		return nil
	}
	out := make(map[string]string, len(p.Objects))
	for uri, obj := range p.Objects {
		out[uri] = obj.Hash
	}
	return out
}

// AllObjects returns the union of every publisher's objects, the
// content of an RRDP snapshot and the rsync tree.
func (s *State) AllObjects() map[string][]byte {
	out := make(map[string][]byte)
	for _, p := range s.Publishers {
		for uri, obj := range p.Objects {
			out[uri] = obj.Data
		}
	}
	return out
}

// underBase reports whether uri falls strictly under base, respecting
// path-segment boundaries: base "rsync://repo/ca1/" (or "rsync://repo/ca1")
// covers "rsync://repo/ca1/x.roa" but never "rsync://repo/ca10/x.roa".
// Stored base URIs are normalized to a trailing slash at registration;
// the boundary check here keeps the authorization sound even for a
// base that predates normalization.
func underBase(base, uri string) bool {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return strings.HasPrefix(uri, base) && len(uri) > len(base)
}
