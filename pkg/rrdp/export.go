package rrdp

import (
	"github.com/cuemby/rpkid/pkg/pubserver"
)

// Exporter turns committed repository events into RRDP and rsync
// output. It is invoked synchronously wherever a publication delta is
// committed (the RFC 8181 endpoint and the embedded local repository
// path), so the files on disk always trail the aggregate by at most
// one in-flight write.
type Exporter struct {
	writer *Writer
}

// NewExporter wraps a Writer.
func NewExporter(w *Writer) *Exporter { return &Exporter{writer: w} }

// OnDelta publishes the serial allocated by a DeltaApplied event:
// delta and snapshot documents, rsync mirror, then notification.
func (e *Exporter) OnDelta(state *pubserver.State, ev pubserver.DeltaApplied) error {
	content := DeltaContent{}
	for _, el := range ev.Publish {
		content.Publish = append(content.Publish, PublishElement{URI: el.URI, Data: el.Data})
	}
	for _, el := range ev.Update {
		content.Publish = append(content.Publish, PublishElement{URI: el.URI, Hash: el.Hash, Data: el.Data})
	}
	for _, el := range ev.Withdraw {
		content.Withdraw = append(content.Withdraw, WithdrawElement{URI: el.URI, Hash: el.Hash})
	}
	return e.writer.ApplyDelta(state.SessionID, ev.Serial, state.AllObjects(), content)
}

// OnSessionReset publishes the fresh chain after a session rotation
// and prunes the old session's tree.
func (e *Exporter) OnSessionReset(state *pubserver.State) error {
	if err := e.writer.WriteSnapshot(state.SessionID, state.Serial, state.AllObjects()); err != nil {
		return err
	}
	return e.writer.PruneSessions(state.SessionID)
}

// Rebuild republishes the current state as a snapshot-only chain
// position, used at startup when the on-disk tree is missing or was
// partially written.
func (e *Exporter) Rebuild(state *pubserver.State) error {
	if state.SessionID == "" || state.Serial == 0 {
		return nil
	}
	return e.writer.WriteSnapshot(state.SessionID, state.Serial, state.AllObjects())
}
