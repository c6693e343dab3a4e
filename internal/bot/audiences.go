package bot

import (
	"context"

	"blastbot/internal/crm"
)

// crmAudiences backs the Audiences interface with the real snapshot store
// and audience builder.
type crmAudiences struct {
	store   *crm.SnapshotStore
	builder *crm.AudienceBuilder
}

func NewCRMAudiences(store *crm.SnapshotStore, builder *crm.AudienceBuilder) Audiences {
	return &crmAudiences{store: store, builder: builder}
}

// Funnels serves the cached funnel list, fetching it from the CRM when no
// snapshot exists yet.
func (a *crmAudiences) Funnels(ctx context.Context) (crm.Snapshot, error) {
	snap, err := a.store.Load()
	if err == nil {
		return snap, nil
	}
	return a.store.Refresh(ctx)
}

func (a *crmAudiences) Refresh(ctx context.Context) (crm.Snapshot, error) {
	return a.store.Refresh(ctx)
}

func (a *crmAudiences) Prepare(ctx context.Context, f crm.Funnel) (string, int, error) {
	return a.store.EnsureContacts(ctx, f, a.builder)
}

func (a *crmAudiences) PrepareAll(ctx context.Context) (string, int, error) {
	snap, err := a.Funnels(ctx)
	if err != nil {
		return "", 0, err
	}
	return a.store.EnsureAllContacts(ctx, snap, a.builder)
}

func (a *crmAudiences) JobCopy(path string) (string, error) {
	return a.store.JobCopy(path)
}
