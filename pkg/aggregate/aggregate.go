// Package aggregate is the generic command/event processing core every
// rpkid aggregate (CA, publisher) is built on: load state, validate a
// command against it, append the resulting events with an optimistic
// version check, apply them, and republish to subscribers.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/rpkid/pkg/eventstore"
	"github.com/cuemby/rpkid/pkg/events"
	"github.com/cuemby/rpkid/pkg/log"
	"github.com/cuemby/rpkid/pkg/metrics"
)

// ErrorKind is the closed taxonomy of error categories a command can
// fail with. It exists so callers (the admin API, the protocol
// engines) can map a failure to the right HTTP status or retry
// behavior without string-matching messages.
type ErrorKind string

const (
	ErrKindInput       ErrorKind = "input"
	ErrKindConcurrency ErrorKind = "concurrency"
	ErrKindCrypto      ErrorKind = "crypto"
	ErrKindExternalIO  ErrorKind = "external_io"
	ErrKindDurability  ErrorKind = "durability"
	ErrKindInvariant   ErrorKind = "invariant"
)

// DomainError is the structured error every Validate implementation
// returns instead of a bare error, carrying a stable Kind a caller can
// switch on. Code optionally carries a protocol-level error tag (an
// RFC 8181 error_code, for instance) so transport handlers need not
// parse messages.
type DomainError struct {
	Kind ErrorKind
	Msg  string
	Code string
}

func (e *DomainError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Msg) }

// WithCode attaches a protocol error code, returning the error for
// chaining.
func (e *DomainError) WithCode(code string) *DomainError {
	e.Code = code
	return e
}

// NewInputError constructs a DomainError of kind Input, the category
// used for malformed commands, unknown handles, and authorization
// failures — anything that should reject the command atomically with
// no events written.
func NewInputError(format string, args ...any) *DomainError {
	return &DomainError{Kind: ErrKindInput, Msg: fmt.Sprintf(format, args...)}
}

// NewCryptoError constructs a DomainError of kind Crypto.
func NewCryptoError(format string, args ...any) *DomainError {
	return &DomainError{Kind: ErrKindCrypto, Msg: fmt.Sprintf(format, args...)}
}

// NewInvariantError constructs a DomainError of kind Invariant: a bug,
// not user input, since it signals a violated precondition that
// validate_and_emit should have made unreachable.
func NewInvariantError(format string, args ...any) *DomainError {
	return &DomainError{Kind: ErrKindInvariant, Msg: fmt.Sprintf(format, args...)}
}

// Command is any message that can be validated against a State and
// produce events.
type Command interface {
	CommandType() string
}

// Event is any domain fact a State knows how to apply to itself.
type Event interface {
	EventType() string
}

// State is the pure, in-memory model of a single aggregate instance.
// Validate and Apply must never perform I/O or consult the wall clock
// directly — now is always injected so replay is deterministic.
type State interface {
	// Validate checks a command against the current state and
	// returns the events it would produce, without mutating state.
	Validate(cmd Command, now time.Time) ([]Event, error)

	// Apply mutates state to reflect one event. Must be total for any
	// event Validate could have produced.
	Apply(ev Event)
}

// Codec adapts a concrete State implementation to the aggregate
// framework's serialization needs: decoding events and snapshots read
// back from the event store into the State's own event types.
type Codec[S State] interface {
	// New returns a zero-value State for a fresh handle.
	New(handle string) S

	// DecodeEvent turns a stored (type, data) pair back into an Event
	// the State's Apply method understands.
	DecodeEvent(eventType string, data json.RawMessage) (Event, error)

	// EncodeEvent turns an Event into its stored type tag and payload.
	EncodeEvent(ev Event) (eventType string, data json.RawMessage, err error)

	// Snapshot marshals a State for storage.
	Snapshot(s S) (json.RawMessage, error)

	// Restore unmarshals a previously stored snapshot into a State.
	Restore(handle string, data json.RawMessage) (S, error)
}

// Processor drives load/validate/append/apply/publish for one
// aggregate kind (e.g. "ca" or "pubd"), serializing commands per
// handle while letting different handles proceed concurrently.
type Processor[S State] struct {
	kind          string
	store         *eventstore.Store
	codec         Codec[S]
	broker        *events.Broker
	snapshotEvery uint64

	locks sync.Map // handle (string) -> *sync.Mutex
}

// NewProcessor creates a Processor for one aggregate kind. snapshotEvery
// of 0 disables proactive snapshotting (every Load still falls back to
// replaying from the last snapshot found, if any).
func NewProcessor[S State](kind string, store *eventstore.Store, codec Codec[S], broker *events.Broker, snapshotEvery uint64) *Processor[S] {
	return &Processor[S]{kind: kind, store: store, codec: codec, broker: broker, snapshotEvery: snapshotEvery}
}

// Load replays a handle's snapshot and subsequent events into a fresh
// State, returning the state and its current version. A handle with
// no recorded events yields a fresh zero-value State at version 0 —
// callers distinguish "new" from "existing" via the version, not an
// error.
func (p *Processor[S]) Load(handle string) (S, uint64, error) {
	var zero S
	snap, storedEvents, err := p.store.Load(p.kind, handle)
	if err != nil {
		var nf *eventstore.ErrNotFound
		if asErrNotFound(err, &nf) {
			return p.codec.New(handle), 0, nil
		}
		return zero, 0, fmt.Errorf("load %s/%s: %w", p.kind, handle, err)
	}

	state := p.codec.New(handle)
	version := uint64(0)
	if snap != nil {
		state, err = p.codec.Restore(handle, snap.State)
		if err != nil {
			return zero, 0, fmt.Errorf("restore snapshot %s/%s: %w", p.kind, handle, err)
		}
		version = snap.Version
	}

	for _, se := range storedEvents {
		ev, err := p.codec.DecodeEvent(se.Type, se.Data)
		if err != nil {
			return zero, 0, fmt.Errorf("decode event %s/%s v%d: %w", p.kind, handle, se.Version, err)
		}
		state.Apply(ev)
		version = se.Version
	}
	return state, version, nil
}

// Process validates cmd against the handle's current state, appends
// the resulting events (retrying on version conflict), applies them,
// optionally snapshots, and publishes them to subscribers. It returns
// the events that were committed and the new version.
func (p *Processor[S]) Process(ctx context.Context, handle string, cmd Command, now time.Time) ([]Event, uint64, error) {
	mu := p.lockFor(handle)
	mu.Lock()
	defer mu.Unlock()

	timer := metrics.NewTimer()
	result := "ok"
	defer func() {
		metrics.CommandsTotal.WithLabelValues(p.kind, cmd.CommandType(), result).Inc()
		timer.ObserveDurationVec(metrics.CommandDuration, p.kind, cmd.CommandType())
	}()

	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		state, version, err := p.Load(handle)
		if err != nil {
			result = "error"
			return nil, 0, err
		}

		domainEvents, err := state.Validate(cmd, now)
		if err != nil {
			var de *DomainError
			if !asDomainError(err, &de) {
				de = &DomainError{Kind: ErrKindInvariant, Msg: err.Error()}
			}
			result = string(de.Kind)
			return nil, version, de
		}

		stored := make([]eventstore.StoredEvent, len(domainEvents))
		for i, ev := range domainEvents {
			eventType, data, err := p.codec.EncodeEvent(ev)
			if err != nil {
				result = "error"
				return nil, version, fmt.Errorf("encode event: %w", err)
			}
			stored[i] = eventstore.StoredEvent{Type: eventType, Data: data}
		}

		if err := p.store.Append(p.kind, handle, version, stored); err != nil {
			var conflict *eventstore.ErrConflict
			if asErrConflict(err, &conflict) {
				metrics.AppendConflictsTotal.WithLabelValues(p.kind).Inc()
				lastErr = err
				continue // framework-level retry, never exposed to the caller
			}
			result = "error"
			return nil, version, fmt.Errorf("append %s/%s: %w", p.kind, handle, err)
		}

		newVersion := version + uint64(len(domainEvents))
		for _, ev := range domainEvents {
			state.Apply(ev)
		}
		metrics.AggregateVersion.WithLabelValues(p.kind, handle).Set(float64(newVersion))

		if p.snapshotEvery > 0 && newVersion/p.snapshotEvery > version/p.snapshotEvery {
			snapData, err := p.codec.Snapshot(state)
			if err != nil {
				log.Errorf(fmt.Sprintf("snapshot encode failed for %s/%s", p.kind, handle), err)
			} else if err := p.store.PutSnapshot(p.kind, handle, eventstore.Snapshot{Version: newVersion, State: snapData}); err != nil {
				log.Errorf(fmt.Sprintf("snapshot write failed for %s/%s", p.kind, handle), err)
			}
		}

		for _, ev := range domainEvents {
			p.broker.Publish(&events.Event{
				Type:   events.EventType(ev.EventType()),
				Handle: handle,
			})
		}

		return domainEvents, newVersion, nil
	}

	result = "conflict"
	return nil, 0, fmt.Errorf("process %s/%s: exhausted retries: %w", p.kind, handle, lastErr)
}

// Handles lists every aggregate handle recorded for this kind, used
// by the scheduler to sweep all aggregates on a tick.
func (p *Processor[S]) Handles() ([]string, error) {
	return p.store.ListHandles(p.kind)
}

func (p *Processor[S]) lockFor(handle string) *sync.Mutex {
	actual, _ := p.locks.LoadOrStore(handle, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func asDomainError(err error, target **DomainError) bool {
	de, ok := err.(*DomainError)
	if ok {
		*target = de
	}
	return ok
}

func asErrConflict(err error, target **eventstore.ErrConflict) bool {
	c, ok := err.(*eventstore.ErrConflict)
	if ok {
		*target = c
	}
	return ok
}

func asErrNotFound(err error, target **eventstore.ErrNotFound) bool {
	nf, ok := err.(*eventstore.ErrNotFound)
	if ok {
		*target = nf
	}
	return ok
}
