package publication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/rpkid/pkg/aggregate"
	"github.com/cuemby/rpkid/pkg/pubserver"
	"github.com/cuemby/rpkid/pkg/rrdp"
)

// LocalRepository is the embedded-repository path: a CA hosted in the
// same daemon as the publication server skips the CMS/HTTPS loop and
// applies deltas directly through the repository aggregate. It exposes
// the same List/Publish surface as Client, so the scheduler treats
// local and remote repositories uniformly.
type LocalRepository struct {
	repo       *aggregate.Processor[*pubserver.State]
	repoHandle string
	publisher  string
	exporter   *rrdp.Exporter
	now        func() time.Time
}

// NewLocalRepository builds the embedded client for one publisher.
func NewLocalRepository(repo *aggregate.Processor[*pubserver.State], repoHandle, publisher string, exporter *rrdp.Exporter, now func() time.Time) *LocalRepository {
	if now == nil {
		now = time.Now
	}
	return &LocalRepository{repo: repo, repoHandle: repoHandle, publisher: publisher, exporter: exporter, now: now}
}

// List returns the publisher's current uri -> hash map.
func (l *LocalRepository) List(ctx context.Context) (map[string]string, error) {
	state, _, err := l.repo.Load(l.repoHandle)
	if err != nil {
		return nil, fmt.Errorf("load repository: %w", err)
	}
	if state.Publishers[l.publisher] == nil {
		return nil, fmt.Errorf("unknown publisher %q", l.publisher)
	}
	return state.ObjectList(l.publisher), nil
}

// Publish applies the delta as one atomic repository command and
// exports the resulting serial.
func (l *LocalRepository) Publish(ctx context.Context, delta Delta) error {
	if delta.Empty() {
		return nil
	}
	cmd := pubserver.PublicationDelta{Publisher: l.publisher}
	for _, p := range delta.Publish {
		cmd.Publish = append(cmd.Publish, pubserver.PublishElement{URI: p.URI, Data: p.Data})
	}
	for _, u := range delta.Update {
		cmd.Update = append(cmd.Update, pubserver.UpdateElement{URI: u.URI, Hash: u.OldHash, Data: u.Data})
	}
	for _, wd := range delta.Withdraw {
		cmd.Withdraw = append(cmd.Withdraw, pubserver.WithdrawElement{URI: wd.URI, Hash: wd.Hash})
	}

	committed, _, err := l.repo.Process(ctx, l.repoHandle, cmd, l.now())
	if err != nil {
		var de *aggregate.DomainError
		if errors.As(err, &de) {
			return fmt.Errorf("publish rejected: %s: %s", de.Code, de.Msg)
		}
		return err
	}

	if l.exporter != nil {
		state, _, err := l.repo.Load(l.repoHandle)
		if err != nil {
			return fmt.Errorf("load repository after delta: %w", err)
		}
		for _, ev := range committed {
			if applied, ok := ev.(pubserver.DeltaApplied); ok {
				if err := l.exporter.OnDelta(state, applied); err != nil {
					return fmt.Errorf("export rrdp serial %d: %w", applied.Serial, err)
				}
			}
		}
	}
	return nil
}
