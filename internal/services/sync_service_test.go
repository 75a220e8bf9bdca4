package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/davidmoltin/crm-rules/pkg/distlock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncService_SyncBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRule(t, webEnquiryRule())

	records := []*models.EmailRecord{
		record("msg-1", "Web General Enquiry", "one@example.com"),
		record("msg-2", "Web General Enquiry", "two@example.com"),
		{Subject: "missing id"},
		record("msg-3", "Newsletter", "news@example.com"),
	}

	summary, err := f.sync.SyncBatch(ctx, "Sales@Villas.Example", records, "token")
	require.NoError(t, err)

	assert.Equal(t, "sales@villas.example", summary.Mailbox)
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 3, summary.Synced)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, "synced 3 of 4", summary.String())
	require.Len(t, summary.Results, 4)
	assert.Equal(t, models.ErrorKindConfiguration, summary.Results[2].ErrorKind)
	assert.Len(t, f.store.AllActivities(), 2)

	assert.False(t, f.mr.Exists("lock:sync:sales@villas.example"), "lock released")

	// Replaying the batch skips what is already processed
	again, err := f.sync.SyncBatch(ctx, "sales@villas.example", records[:2], "token")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Synced)
	assert.Equal(t, 2, again.Skipped)
	assert.Len(t, f.store.AllActivities(), 2)
}

func TestSyncService_RejectsConcurrentSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	held, err := distlock.NewLocker(f.redis, time.Minute).TryLock(ctx, "sync:sales@villas.example")
	require.NoError(t, err)
	require.NotNil(t, held)

	_, err = f.sync.SyncBatch(ctx, "sales@villas.example", []*models.EmailRecord{record("msg-1", "Hi", "a@example.com")}, "")
	assert.True(t, errors.Is(err, ErrSyncInProgress))
	assert.Empty(t, f.store.AllContacts())

	// Other mailboxes are unaffected
	summary, err := f.sync.SyncBatch(ctx, "owner@other.example", []*models.EmailRecord{record("msg-1", "Hi", "a@example.com")}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Synced)

	require.NoError(t, held.Release(ctx))
	_, err = f.sync.SyncBatch(ctx, "sales@villas.example", nil, "")
	assert.NoError(t, err)
}
