package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/CreatorBot/internal/models"
)

func TestSweepOnceTimesOutStaleJobs(t *testing.T) {
	store := newFakeJobs()
	messenger := &fakeMessenger{}
	o := newTestOrchestrator(store, &fakeProvider{}, messenger)

	stale := &models.Job{OwnerID: 5, Kind: models.KindVideo}
	require.NoError(t, store.Create(context.Background(), stale))
	require.NoError(t, store.MarkPolling(context.Background(), stale.ID, "old"))

	done := &models.Job{OwnerID: 6, Kind: models.KindImage}
	require.NoError(t, store.Create(context.Background(), done))
	require.NoError(t, store.Finish(context.Background(), done.ID, models.JobSucceeded, ""))

	store.stale = []models.Job{
		{ID: stale.ID, OwnerID: 5, Kind: models.KindVideo},
		{ID: done.ID, OwnerID: 6, Kind: models.KindImage},
	}

	sweeper := NewSweeper(discardLogger(), store, messenger, o)
	n, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.JobTimedOut, store.status(stale.ID))
	assert.Equal(t, models.JobSucceeded, store.status(done.ID))

	msgs := messenger.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(5), msgs[0].chatID)
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	o := newTestOrchestrator(newFakeJobs(), &fakeProvider{}, &fakeMessenger{})
	sweeper := NewSweeper(discardLogger(), newFakeJobs(), &fakeMessenger{}, o)
	assert.Error(t, sweeper.Start("not a schedule"))

	require.NoError(t, sweeper.Start("@every 1h"))
	sweeper.Stop()
}

func TestSweepWindowCoversPollBudget(t *testing.T) {
	store := newFakeJobs()
	o := newTestOrchestrator(store, &fakeProvider{}, &fakeMessenger{})
	o.interval = 2 * time.Second

	sweeper := NewSweeper(discardLogger(), store, &fakeMessenger{}, o)
	_, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 120*2*time.Second+10*time.Minute, store.lastAge[models.KindImage])
	assert.Equal(t, 180*2*time.Second+10*time.Minute, store.lastAge[models.KindVideo])
}
