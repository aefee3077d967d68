package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/CreatorBot/internal/apifree"
	"github.com/digkill/CreatorBot/internal/claims"
	"github.com/digkill/CreatorBot/internal/metrics"
	"github.com/digkill/CreatorBot/internal/models"
)

func newTestOrchestrator(jobs JobStore, provider Poller, messenger Messenger) *Orchestrator {
	o := NewOrchestrator(testConfig(), discardLogger(), jobs, provider, messenger, claims.NewMemory(0), metrics.New())
	o.notifyWait = 0
	return o
}

func pollingJob(t *testing.T, store *fakeJobs, kind models.JobKind, requestID string) DeliveryJob {
	t.Helper()
	job := &models.Job{OwnerID: 5, Kind: kind}
	require.NoError(t, store.Create(context.Background(), job))
	require.NoError(t, store.MarkPolling(context.Background(), job.ID, requestID))
	return DeliveryJob{JobID: job.ID, OwnerID: 5, Kind: kind, RequestID: requestID, Notify: true}
}

func TestDeliverAlwaysPendingTimesOutAfterBudget(t *testing.T) {
	for kind, budget := range map[models.JobKind]int{models.KindImage: 120, models.KindVideo: 180} {
		t.Run(string(kind), func(t *testing.T) {
			store := newFakeJobs()
			provider := &fakeProvider{}
			messenger := &fakeMessenger{}
			o := newTestOrchestrator(store, provider, messenger)
			job := pollingJob(t, store, kind, "r-1")

			status := o.Deliver(context.Background(), job)

			assert.Equal(t, models.JobTimedOut, status)
			_, polls, _ := provider.calls()
			assert.Equal(t, budget, polls)
			assert.Equal(t, models.JobTimedOut, store.status(job.JobID))

			msgs := messenger.messages()
			require.Len(t, msgs, 2)
			assert.Contains(t, msgs[0].body, "r-1")
			assert.Equal(t, textTimeout, msgs[1].body)
		})
	}
}

func TestDeliverSwallowsTransientPollErrors(t *testing.T) {
	store := newFakeJobs()
	provider := &fakeProvider{steps: []pollStep{
		{err: apifree.ErrProviderUnavailable},
		{err: apifree.ErrProviderRejected},
		{result: apifree.PollResult{State: apifree.Succeeded, MediaURL: "https://x/v.mp4"}},
	}}
	messenger := &fakeMessenger{}
	o := newTestOrchestrator(store, provider, messenger)
	job := pollingJob(t, store, models.KindVideo, "v-1")

	assert.Equal(t, models.JobSucceeded, o.Deliver(context.Background(), job))
	assert.Equal(t, 1, messenger.count("video"))
	assert.Equal(t, models.JobSucceeded, store.status(job.JobID))
}

func TestDeliverFailureTruncatesAndEscapesDetail(t *testing.T) {
	store := newFakeJobs()
	detail := `{"status":"FAILED","error":"<bad>"}` + strings.Repeat("я", 4000)
	provider := &fakeProvider{steps: []pollStep{
		{result: apifree.PollResult{State: apifree.Failed, Detail: detail}},
	}}
	messenger := &fakeMessenger{}
	o := newTestOrchestrator(store, provider, messenger)
	job := pollingJob(t, store, models.KindImage, "f-1")

	assert.Equal(t, models.JobFailed, o.Deliver(context.Background(), job))

	msgs := messenger.messages()
	require.Len(t, msgs, 2)
	failure := msgs[1].body
	assert.True(t, strings.HasPrefix(failure, "❌ Ошибка генерации: <pre>"))
	assert.Contains(t, failure, "&lt;bad&gt;")
	assert.NotContains(t, failure, "<bad>")

	stored, err := store.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, stored.Status)
	assert.Equal(t, 3500, len([]rune(stored.Detail)))
}

func TestDeliverClaimsResultOnce(t *testing.T) {
	store := newFakeJobs()
	provider := &fakeProvider{steps: []pollStep{
		{result: apifree.PollResult{State: apifree.Succeeded, MediaURL: "https://x/y.png"}},
		{result: apifree.PollResult{State: apifree.Succeeded, MediaURL: "https://x/y.png"}},
	}}
	messenger := &fakeMessenger{}
	o := newTestOrchestrator(store, provider, messenger)
	job := pollingJob(t, store, models.KindImage, "dup")

	assert.Equal(t, models.JobSucceeded, o.Deliver(context.Background(), job))
	assert.Equal(t, models.JobSucceeded, o.Deliver(context.Background(), job))
	assert.Equal(t, 1, messenger.count("image"))
}

func TestDeliverRetriesTerminalNotice(t *testing.T) {
	store := newFakeJobs()
	provider := &fakeProvider{steps: []pollStep{
		{result: apifree.PollResult{State: apifree.Succeeded, MediaURL: "https://x/y.png"}},
	}}
	messenger := &fakeMessenger{failMedia: 2}
	o := newTestOrchestrator(store, provider, messenger)
	job := pollingJob(t, store, models.KindImage, "retry")

	assert.Equal(t, models.JobSucceeded, o.Deliver(context.Background(), job))
	assert.Equal(t, 1, messenger.count("image"))
}

func TestDeliverFallsBackToLinkWhenMediaRefused(t *testing.T) {
	store := newFakeJobs()
	provider := &fakeProvider{steps: []pollStep{
		{result: apifree.PollResult{State: apifree.Succeeded, MediaURL: "https://x/y.png"}},
	}}
	messenger := &fakeMessenger{failMedia: 10}
	o := newTestOrchestrator(store, provider, messenger)
	job := pollingJob(t, store, models.KindImage, "link")

	assert.Equal(t, models.JobSucceeded, o.Deliver(context.Background(), job))
	assert.Equal(t, 0, messenger.count("image"))
	msgs := messenger.messages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].body, "https://x/y.png")
}

func TestDeliverSilentStillRecordsStatus(t *testing.T) {
	store := newFakeJobs()
	provider := &fakeProvider{steps: []pollStep{
		{result: apifree.PollResult{State: apifree.Succeeded, MediaURL: "https://x/y.png"}},
	}}
	messenger := &fakeMessenger{}
	o := newTestOrchestrator(store, provider, messenger)
	job := pollingJob(t, store, models.KindImage, "quiet")
	job.Notify = false

	assert.Equal(t, models.JobSucceeded, o.Deliver(context.Background(), job))
	assert.Empty(t, messenger.messages())
	assert.Equal(t, models.JobSucceeded, store.status(job.JobID))
}

func TestDeliverStopsOnCancel(t *testing.T) {
	store := newFakeJobs()
	ctx, cancel := context.WithCancel(context.Background())
	provider := &fakeProvider{}
	provider.pollHook = func(context.Context) {
		if _, polls, _ := provider.calls(); polls == 2 {
			cancel()
		}
	}
	messenger := &fakeMessenger{}
	o := newTestOrchestrator(store, provider, messenger)
	job := pollingJob(t, store, models.KindVideo, "c-1")

	assert.Equal(t, models.JobPolling, o.Deliver(ctx, job))
	_, polls, _ := provider.calls()
	assert.Equal(t, 3, polls)
	assert.Equal(t, models.JobPolling, store.status(job.JobID))
}

func TestDeliverSkipsResultWhenSweeperClosedJob(t *testing.T) {
	store := newFakeJobs()
	provider := &fakeProvider{steps: []pollStep{
		{result: apifree.PollResult{State: apifree.Pending}},
		{result: apifree.PollResult{State: apifree.Succeeded, MediaURL: "https://x/y.png"}},
	}}
	messenger := &fakeMessenger{}
	o := newTestOrchestrator(store, provider, messenger)
	job := pollingJob(t, store, models.KindImage, "late")

	sweeper := NewSweeper(discardLogger(), store, messenger, o)
	provider.pollHook = func(ctx context.Context) {
		if _, polls, _ := provider.calls(); polls == 0 {
			store.mu.Lock()
			store.stale = []models.Job{{ID: job.JobID, OwnerID: job.OwnerID, Kind: job.Kind}}
			store.mu.Unlock()
			n, err := sweeper.SweepOnce(ctx)
			assert.NoError(t, err)
			assert.Equal(t, 1, n)
		}
	}

	status := o.Deliver(context.Background(), job)

	assert.Equal(t, models.JobTimedOut, status)
	assert.Equal(t, models.JobTimedOut, store.status(job.JobID))
	assert.Equal(t, 0, messenger.count("image"))
	msgs := messenger.messages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].body, "late")
	assert.Equal(t, textTimeout, msgs[1].body)
}

func TestDeliverFailureAfterSweepSendsNothing(t *testing.T) {
	store := newFakeJobs()
	provider := &fakeProvider{steps: []pollStep{
		{result: apifree.PollResult{State: apifree.Failed, Detail: "boom"}},
	}}
	messenger := &fakeMessenger{}
	o := newTestOrchestrator(store, provider, messenger)
	job := pollingJob(t, store, models.KindVideo, "gone")
	require.NoError(t, store.Finish(context.Background(), job.JobID, models.JobTimedOut, ""))

	assert.Equal(t, models.JobTimedOut, o.Deliver(context.Background(), job))
	msgs := messenger.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].body, "gone")
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "абв", truncateRunes("абвгд", 3))
	assert.Equal(t, "ab", truncateRunes("ab", 3))
	assert.Equal(t, "abc", truncateRunes("abc", 0))
}
