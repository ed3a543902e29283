package pubserver

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/rpkid/pkg/aggregate"
	"github.com/cuemby/rpkid/pkg/resources"
)

// Validate checks a command against the repository state and returns
// the events it would produce. Pure: no I/O, no clock beyond now.
func (s *State) Validate(cmd aggregate.Command, now time.Time) ([]aggregate.Event, error) {
	switch c := cmd.(type) {
	case Init:
		return s.validateInit()
	case AddPublisher:
		return s.validateAddPublisher(c)
	case RemovePublisher:
		return s.validateRemovePublisher(c)
	case PublicationDelta:
		return s.validatePublicationDelta(c, now)
	case ResetSession:
		return s.validateResetSession()
	default:
		return nil, aggregate.NewInputError("pubd: unknown command %T", cmd)
	}
}

func (s *State) validateInit() ([]aggregate.Event, error) {
	if s.Initialized {
		return nil, aggregate.NewInputError("repository %s: already initialized", s.Handle)
	}
	return []aggregate.Event{RepositoryInitialized{SessionID: s.deps.newSessionID()}}, nil
}

func (s *State) validateAddPublisher(c AddPublisher) ([]aggregate.Event, error) {
	if !s.Initialized {
		return nil, aggregate.NewInputError("repository %s: not initialized", s.Handle)
	}
	if err := resources.Handle(c.Handle).Validate(); err != nil {
		return nil, aggregate.NewInputError("repository %s: %v", s.Handle, err)
	}
	if _, exists := s.Publishers[c.Handle]; exists {
		return nil, aggregate.NewInputError("repository %s: publisher %s already exists", s.Handle, c.Handle)
	}
	base, err := normalizeBaseURI(c.BaseURI)
	if err != nil {
		return nil, aggregate.NewInputError("repository %s: publisher %s: %v", s.Handle, c.Handle, err)
	}
	return []aggregate.Event{PublisherAdded{Handle: c.Handle, IDCert: c.IDCert, BaseURI: base}}, nil
}

// normalizeBaseURI validates a publisher's base URI and guarantees it
// ends in "/", so path authorization is always a whole-segment prefix
// match no matter how the caller spelled it.
func normalizeBaseURI(base string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base URI must not be empty")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base URI %q: %w", base, err)
	}
	if u.Scheme != "rsync" || u.Host == "" || u.Path == "" {
		return "", fmt.Errorf("base URI %q must be an absolute rsync URI with a path", base)
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base, nil
}

func (s *State) validateRemovePublisher(c RemovePublisher) ([]aggregate.Event, error) {
	p, ok := s.Publishers[c.Handle]
	if !ok {
		return nil, aggregate.NewInputError("repository %s: unknown publisher %s", s.Handle, c.Handle)
	}
	serial := uint64(0)
	if len(p.Objects) > 0 {
		serial = s.Serial + 1
	}
	return []aggregate.Event{PublisherRemoved{Handle: c.Handle, Serial: serial}}, nil
}

func (s *State) validatePublicationDelta(c PublicationDelta, now time.Time) ([]aggregate.Event, error) {
	p, ok := s.Publishers[c.Publisher]
	if !ok {
		return nil, aggregate.NewInputError("repository %s: unknown publisher %s", s.Handle, c.Publisher).WithCode("permission_failure")
	}
	if len(c.Publish)+len(c.Update)+len(c.Withdraw) == 0 {
		return nil, aggregate.NewInputError("repository %s: empty delta from %s", s.Handle, c.Publisher)
	}

	// Path authorization and hash preconditions, checked for every
	// element before anything is applied: the delta is atomic.
	seen := make(map[string]bool)
	for _, el := range c.Publish {
		if !underBase(p.BaseURI, el.URI) {
			return nil, aggregate.NewInputError("publisher %s: uri %s not under base %s", c.Publisher, el.URI, p.BaseURI).WithCode("permission_failure")
		}
		if seen[el.URI] {
			return nil, aggregate.NewInputError("publisher %s: uri %s appears twice in delta", c.Publisher, el.URI).WithCode("consistency_problem")
		}
		seen[el.URI] = true
		if _, exists := p.Objects[el.URI]; exists {
			return nil, aggregate.NewInputError("publisher %s: uri %s already published, use update", c.Publisher, el.URI).WithCode("object_already_present")
		}
	}
	for _, el := range c.Update {
		if !underBase(p.BaseURI, el.URI) {
			return nil, aggregate.NewInputError("publisher %s: uri %s not under base %s", c.Publisher, el.URI, p.BaseURI).WithCode("permission_failure")
		}
		if seen[el.URI] {
			return nil, aggregate.NewInputError("publisher %s: uri %s appears twice in delta", c.Publisher, el.URI).WithCode("consistency_problem")
		}
		seen[el.URI] = true
		current, exists := p.Objects[el.URI]
		if !exists {
			return nil, aggregate.NewInputError("publisher %s: uri %s not published, use publish", c.Publisher, el.URI).WithCode("no_object_present")
		}
		if current.Hash != el.Hash {
			return nil, aggregate.NewInputError("publisher %s: hash mismatch for %s", c.Publisher, el.URI).WithCode("no_object_matching_hash")
		}
	}
	for _, el := range c.Withdraw {
		if !underBase(p.BaseURI, el.URI) {
			return nil, aggregate.NewInputError("publisher %s: uri %s not under base %s", c.Publisher, el.URI, p.BaseURI).WithCode("permission_failure")
		}
		if seen[el.URI] {
			return nil, aggregate.NewInputError("publisher %s: uri %s appears twice in delta", c.Publisher, el.URI).WithCode("consistency_problem")
		}
		seen[el.URI] = true
		current, exists := p.Objects[el.URI]
		if !exists {
			return nil, aggregate.NewInputError("publisher %s: uri %s not published", c.Publisher, el.URI).WithCode("no_object_present")
		}
		if current.Hash != el.Hash {
			return nil, aggregate.NewInputError("publisher %s: hash mismatch for %s", c.Publisher, el.URI).WithCode("no_object_matching_hash")
		}
	}

	return []aggregate.Event{DeltaApplied{
		Publisher: c.Publisher, Serial: s.Serial + 1,
		Publish: c.Publish, Update: c.Update, Withdraw: c.Withdraw,
		SourceVersion: c.SourceVersion, AppliedAt: now,
	}}, nil
}

func (s *State) validateResetSession() ([]aggregate.Event, error) {
	if !s.Initialized {
		return nil, aggregate.NewInputError("repository %s: not initialized", s.Handle)
	}
	return []aggregate.Event{SessionReset{OldSessionID: s.SessionID, NewSessionID: s.deps.newSessionID()}}, nil
}

// Apply mutates state to reflect one event.
func (s *State) Apply(ev aggregate.Event) {
	switch e := ev.(type) {
	case RepositoryInitialized:
		s.Initialized = true
		s.SessionID = e.SessionID
		s.Serial = 0
	case PublisherAdded:
		s.Publishers[e.Handle] = &PublisherState{
			Handle: e.Handle, IDCert: e.IDCert, BaseURI: e.BaseURI,
			Objects: make(map[string]*Object),
		}
	case PublisherRemoved:
		delete(s.Publishers, e.Handle)
		if e.Serial > s.Serial {
			s.Serial = e.Serial
		}
	case DeltaApplied:
		p := s.Publishers[e.Publisher]
		if p == nil {
			return
		}
		for _, el := range e.Publish {
			p.Objects[el.URI] = &Object{Hash: hashOf(el.Data), Data: el.Data}
		}
		for _, el := range e.Update {
			p.Objects[el.URI] = &Object{Hash: hashOf(el.Data), Data: el.Data}
		}
		for _, el := range e.Withdraw {
			delete(p.Objects, el.URI)
		}
		s.Serial = e.Serial
	case SessionReset:
		// The new session starts at serial 1: a fresh snapshot is
		// published immediately and the next delta gets serial 2.
		s.SessionID = e.NewSessionID
		s.Serial = 1
	}
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashBytes exposes the repository's canonical object hash for
// publication clients building hash preconditions.
func HashBytes(data []byte) string { return hashOf(data) }
