package ca

import (
	"time"
)

const (
	cmdConfirmPublication = "ca.confirm_publication"

	evPublicationIntentRecorded = "ca.publication_intent_recorded"
	evPublicationConfirmed      = "ca.publication_confirmed"
)

// PublicationIntent marks a resource class whose published content has
// changed and has not yet been confirmed at the repository. The intent
// carries no object bytes: the publication client derives the desired
// set from PublishedObjects at send time, so replaying a stale intent
// after a crash converges on the same repository content instead of
// re-publishing old bytes.
type PublicationIntent struct {
	IntentID   string
	Class      string
	RecordedAt time.Time
}

// ConfirmPublication clears publication intents after the repository
// has acknowledged the matching delta. Unknown intent ids are ignored
// so that a retried confirmation is idempotent.
type ConfirmPublication struct {
	IntentIDs []string
}

func (ConfirmPublication) CommandType() string { return cmdConfirmPublication }

// PublicationIntentRecorded records that a resource class's published
// content changed and a repository round-trip is owed.
type PublicationIntentRecorded struct {
	IntentID   string
	Class      string
	RecordedAt time.Time
}

func (PublicationIntentRecorded) EventType() string { return evPublicationIntentRecorded }

// PublicationConfirmed clears previously recorded intents.
type PublicationConfirmed struct {
	IntentIDs []string
}

func (PublicationConfirmed) EventType() string { return evPublicationConfirmed }
