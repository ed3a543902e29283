package ca

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/rpkid/pkg/aggregate"
)

// Codec adapts the CA State to the aggregate framework's storage
// needs. Deps is re-attached on every New/Restore, since the signer
// and repository URIs are runtime wiring rather than persisted state.
type Codec struct {
	Deps *Deps
}

func (c Codec) New(handle string) *State { return newState(handle, c.Deps) }

func (c Codec) DecodeEvent(eventType string, data json.RawMessage) (aggregate.Event, error) {
	switch eventType {
	case evCAInitialized:
		return decode[CAInitialized](data)
	case evParentAdded:
		return decode[ParentAdded](data)
	case evEntitlementsUpdated:
		return decode[EntitlementsUpdated](data)
	case evClassKeyGenerated:
		return decode[ClassKeyGenerated](data)
	case evCertificateInstalled:
		return decode[CertificateInstalled](data)
	case evKeyRollStarted:
		return decode[KeyRollStarted](data)
	case evKeyPromoted:
		return decode[KeyPromoted](data)
	case evKeyRevoked:
		return decode[KeyRevoked](data)
	case evChildAdded:
		return decode[ChildAdded](data)
	case evCertIssued:
		return decode[CertIssued](data)
	case evChildCertRevoked:
		return decode[ChildCertRevoked](data)
	case evROAAdded:
		return decode[ROAAdded](data)
	case evROARemoved:
		return decode[ROARemoved](data)
	case evRepublished:
		return decode[Republished](data)
	case evPublicationIntentRecorded:
		return decode[PublicationIntentRecorded](data)
	case evPublicationConfirmed:
		return decode[PublicationConfirmed](data)
	default:
		return nil, fmt.Errorf("ca: unknown event type %q", eventType)
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
		return nil, fmt.Errorf("restore ca %s: %w", handle, err)
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
