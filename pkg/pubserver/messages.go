package pubserver

import "time"

const (
	cmdInit             = "pubd.init"
	cmdAddPublisher     = "pubd.add_publisher"
	cmdRemovePublisher  = "pubd.remove_publisher"
	cmdPublicationDelta = "pubd.publication_delta"
	cmdResetSession     = "pubd.reset_session"

	evRepositoryInitialized = "pubd.initialized"
	evPublisherAdded        = "pubd.publisher_added"
	evPublisherRemoved      = "pubd.publisher_removed"
	evDeltaApplied          = "pubd.delta_published"
	evSessionReset          = "pubd.session_reset"
)

// Init creates the repository aggregate, fixing its RRDP session id
// for the life of the delta chain.
type Init struct{}

func (Init) CommandType() string { return cmdInit }

// AddPublisher registers a publisher and the base URI its objects must
// live under.
type AddPublisher struct {
	Handle  string
	IDCert  []byte
	BaseURI string
}

func (AddPublisher) CommandType() string { return cmdAddPublisher }

// RemovePublisher removes a publisher and withdraws everything it has
// published.
type RemovePublisher struct {
	Handle string
}

func (RemovePublisher) CommandType() string { return cmdRemovePublisher }

// PublishElement introduces an object at a URI that must not yet
// exist.
type PublishElement struct {
	URI  string
	Data []byte
}

// UpdateElement replaces the object at URI; Hash must match the
// object currently there.
type UpdateElement struct {
	URI  string
	Hash string
	Data []byte
}

// WithdrawElement removes the object at URI; Hash must match.
type WithdrawElement struct {
	URI  string
	Hash string
}

// PublicationDelta applies a publisher's publish/update/withdraw batch
// as one atomic change: any element failing path authorization or a
// hash precondition rejects the whole delta with no state change.
type PublicationDelta struct {
	Publisher string
	Publish   []PublishElement
	Update    []UpdateElement
	Withdraw  []WithdrawElement

	// SourceVersion carries the triggering CA aggregate version, the
	// explicit cross-aggregate causality reference.
	SourceVersion uint64
}

func (PublicationDelta) CommandType() string { return cmdPublicationDelta }

// ResetSession rotates the RRDP session id and restarts the serial at
// 1, used when the delta chain is broken and relying parties must
// refetch the snapshot.
type ResetSession struct{}

func (ResetSession) CommandType() string { return cmdResetSession }

// RepositoryInitialized fixes the session id at repository init.
type RepositoryInitialized struct {
	SessionID string
}

func (RepositoryInitialized) EventType() string { return evRepositoryInitialized }

// PublisherAdded records a new publisher.
type PublisherAdded struct {
	Handle  string
	IDCert  []byte
	BaseURI string
}

func (PublisherAdded) EventType() string { return evPublisherAdded }

// PublisherRemoved records a publisher's removal; its objects are
// withdrawn in the same delta serial.
type PublisherRemoved struct {
	Handle string
	Serial uint64 // serial of the implicit withdrawal delta, 0 if nothing was published
}

func (PublisherRemoved) EventType() string { return evPublisherRemoved }

// DeltaApplied records one atomic publication delta and the RRDP
// serial allocated to it.
type DeltaApplied struct {
	Publisher     string
	Serial        uint64
	Publish       []PublishElement
	Update        []UpdateElement
	Withdraw      []WithdrawElement
	SourceVersion uint64
	AppliedAt     time.Time
}

func (DeltaApplied) EventType() string { return evDeltaApplied }

// SessionReset rotates the session id and restarts the serial.
type SessionReset struct {
	OldSessionID string
	NewSessionID string
}

func (SessionReset) EventType() string { return evSessionReset }
