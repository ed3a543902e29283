package pubserver

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/rpkid/pkg/aggregate"
)

// Codec adapts the repository State to the aggregate framework.
type Codec struct {
	Deps *Deps
}

func (c Codec) New(handle string) *State { return newState(handle, c.Deps) }

func (c Codec) DecodeEvent(eventType string, data json.RawMessage) (aggregate.Event, error) {
	switch eventType {
	case evRepositoryInitialized:
		return decode[RepositoryInitialized](data)
	case evPublisherAdded:
		return decode[PublisherAdded](data)
	case evPublisherRemoved:
		return decode[PublisherRemoved](data)
	case evDeltaApplied:
		return decode[DeltaApplied](data)
	case evSessionReset:
		return decode[SessionReset](data)
	default:
		return nil, fmt.Errorf("pubd: unknown event type %q", eventType)
	}
}

func (c Codec) EncodeEvent(ev aggregate.Event) (string, json.RawMessage, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	return ev.EventType(), data, nil
}

func (c Codec) Snapshot(s *State) (json.RawMessage, error) {
	return json.Marshal(s)
}

func (c Codec) Restore(handle string, data json.RawMessage) (*State, error) {
	s := newState(handle, c.Deps)
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("restore repository %s: %w", handle, err)
	}
	return s, nil
}

func decode[E aggregate.Event](data json.RawMessage) (aggregate.Event, error) {
	var e E
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return e, nil
}
