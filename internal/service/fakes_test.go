package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/digkill/CreatorBot/internal/apifree"
	"github.com/digkill/CreatorBot/internal/config"
	"github.com/digkill/CreatorBot/internal/jobs"
	"github.com/digkill/CreatorBot/internal/models"
	"github.com/digkill/CreatorBot/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	return config.Config{
		FreeCreditsOnSignup:    2,
		RefBonusReferrer:       1,
		RefBonusNewUser:        1,
		ImagePollAttempts:      120,
		VideoPollAttempts:      180,
		PollInterval:           0,
		FailureDetailLimit:     3500,
		TerminalNotifyAttempts: 3,
		PriceProXTR:            100,
		ProCreditsPerBuy:       50,
		BotUsername:            "creator_bot",
	}
}

type fakeUsers struct {
	mu       sync.Mutex
	users    map[int64]*models.User
	consumed int
}

func newFakeUsers(users ...models.User) *fakeUsers {
	f := &fakeUsers{users: make(map[int64]*models.User)}
	for i := range users {
		u := users[i]
		f.users[u.ID] = &u
	}
	return f
}

func (f *fakeUsers) snapshot(id int64) models.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.users[id]
}

func (f *fakeUsers) Get(_ context.Context, id int64) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) Create(_ context.Context, user *models.User, referrerBonus int) (*models.User, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[user.ID]; ok {
		cp := *u
		return &cp, false, nil
	}
	cp := *user
	f.users[user.ID] = &cp
	if user.ReferredBy != nil && referrerBonus > 0 {
		if ref, ok := f.users[*user.ReferredBy]; ok {
			ref.CreditsPriority += referrerBonus
		}
	}
	out := cp
	return &out, true, nil
}

func (f *fakeUsers) UpdateProfile(_ context.Context, id int64, username, firstName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.Username, u.FirstName = username, firstName
	return nil
}

func (f *fakeUsers) AdjustCredits(_ context.Context, id int64, p, s int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	if u.CreditsPriority+p < 0 || u.CreditsStandard+s < 0 {
		return repository.ErrNegativeBalance
	}
	u.CreditsPriority += p
	u.CreditsStandard += s
	return nil
}

func (f *fakeUsers) ConsumeOneCredit(_ context.Context, id int64) (models.CreditTier, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumed++
	u, ok := f.users[id]
	if !ok {
		return models.TierNone, false, nil
	}
	switch {
	case u.CreditsPriority > 0:
		u.CreditsPriority--
		return models.TierPriority, true, nil
	case u.CreditsStandard > 0:
		u.CreditsStandard--
		return models.TierStandard, true, nil
	}
	return models.TierNone, false, nil
}

func (f *fakeUsers) ListIDs(context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.users))
	for id := range f.users {
		ids = append(ids, id)
	}
	return ids, nil
}

type fakeJobs struct {
	mu      sync.Mutex
	nextID  int64
	jobs    map[int64]*models.Job
	stale   []models.Job
	lastAge map[models.JobKind]time.Duration
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[int64]*models.Job)}
}

func (f *fakeJobs) status(id int64) models.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id].Status
}

func (f *fakeJobs) Create(_ context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	job.ID = f.nextID
	job.Status = models.JobSubmitted
	cp := *job
	f.jobs[job.ID] = &cp
	return nil
}

func (f *fakeJobs) MarkPolling(_ context.Context, id int64, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != models.JobSubmitted {
		return repository.ErrJobTransition
	}
	j.Status = models.JobPolling
	j.RequestID = requestID
	return nil
}

func (f *fakeJobs) Finish(_ context.Context, id int64, status models.JobStatus, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status.IsTerminal() || !status.IsTerminal() {
		return repository.ErrJobTransition
	}
	j.Status = status
	j.Detail = detail
	return nil
}

func (f *fakeJobs) Get(_ context.Context, id int64) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobs) ListStale(_ context.Context, kind models.JobKind, age time.Duration, _ int) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastAge == nil {
		f.lastAge = make(map[models.JobKind]time.Duration)
	}
	f.lastAge[kind] = age
	var out []models.Job
	for _, j := range f.stale {
		if j.Kind == kind {
			out = append(out, j)
		}
	}
	return out, nil
}

type pollStep struct {
	result apifree.PollResult
	err    error
}

type fakeProvider struct {
	mu        sync.Mutex
	submitErr error
	requestID string
	chatErr   error
	steps     []pollStep
	submits   int
	polls     int
	chats     int
	pollHook  func(ctx context.Context)
}

func (f *fakeProvider) Submit(_ context.Context, _ models.JobKind, _ map[string]any) (*apifree.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &apifree.SubmitResult{RequestID: f.requestID, Raw: []byte(`{"request_id":"` + f.requestID + `"}`)}, nil
}

// Poll replays steps in order and keeps answering Pending once they run out.
func (f *fakeProvider) Poll(ctx context.Context, _ models.JobKind, _ string) (apifree.PollResult, error) {
	if f.pollHook != nil {
		f.pollHook(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls <= len(f.steps) {
		step := f.steps[f.polls-1]
		return step.result, step.err
	}
	return apifree.PollResult{State: apifree.Pending}, nil
}

func (f *fakeProvider) Chat(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats++
	if f.chatErr != nil {
		return "", f.chatErr
	}
	return "echo: " + text, nil
}

func (f *fakeProvider) calls() (submits, polls, chats int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits, f.polls, f.chats
}

type sentMessage struct {
	chatID int64
	kind   string
	body   string
}

type fakeMessenger struct {
	mu        sync.Mutex
	sent      []sentMessage
	failMedia int
}

var errSend = errors.New("send failed")

func (f *fakeMessenger) record(chatID int64, kind, body string) {
	f.sent = append(f.sent, sentMessage{chatID: chatID, kind: kind, body: body})
}

func (f *fakeMessenger) NotifyText(chatID int64, text string, _ models.Keyboard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(chatID, "text", text)
	return nil
}

func (f *fakeMessenger) NotifyImage(chatID int64, url, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMedia > 0 {
		f.failMedia--
		return errSend
	}
	f.record(chatID, "image", url)
	return nil
}

func (f *fakeMessenger) NotifyVideo(chatID int64, url, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMedia > 0 {
		f.failMedia--
		return errSend
	}
	f.record(chatID, "video", url)
	return nil
}

func (f *fakeMessenger) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeMessenger) count(kind string) int {
	n := 0
	for _, m := range f.messages() {
		if m.kind == kind {
			n++
		}
	}
	return n
}

// inlineScheduler runs delivery on the caller's goroutine so assertions see the end state.
type inlineScheduler struct{}

func (inlineScheduler) Go(_ string, fn jobs.Func) (context.CancelFunc, error) {
	_ = fn(context.Background())
	return func() {}, nil
}
