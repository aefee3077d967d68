package service

import (
	"context"
	"time"

	"github.com/digkill/CreatorBot/internal/apifree"
	"github.com/digkill/CreatorBot/internal/jobs"
	"github.com/digkill/CreatorBot/internal/models"
)

// UserStore is the slice of the ledger the services need; *repository.UserRepository satisfies it.
type UserStore interface {
	Get(ctx context.Context, id int64) (*models.User, error)
	Create(ctx context.Context, user *models.User, referrerBonus int) (*models.User, bool, error)
	UpdateProfile(ctx context.Context, id int64, username, firstName string) error
	AdjustCredits(ctx context.Context, id int64, priorityDelta, standardDelta int) error
	ConsumeOneCredit(ctx context.Context, id int64) (models.CreditTier, bool, error)
	ListIDs(ctx context.Context) ([]int64, error)
}

type JobStore interface {
	Create(ctx context.Context, job *models.Job) error
	MarkPolling(ctx context.Context, id int64, requestID string) error
	Finish(ctx context.Context, id int64, status models.JobStatus, detail string) error
	Get(ctx context.Context, id int64) (*models.Job, error)
	ListStale(ctx context.Context, kind models.JobKind, age time.Duration, limit int) ([]models.Job, error)
}

type PaymentStore interface {
	RecordAndCredit(ctx context.Context, payment *models.Payment) (bool, error)
}

type Provider interface {
	Submit(ctx context.Context, kind models.JobKind, payload map[string]any) (*apifree.SubmitResult, error)
	Poll(ctx context.Context, kind models.JobKind, requestID string) (apifree.PollResult, error)
	Chat(ctx context.Context, text string) (string, error)
}

// Messenger is the outbound notification surface. Implementations wrap their transport
// errors so callers can tell a failed delivery apart from a bad argument.
type Messenger interface {
	NotifyText(chatID int64, text string, controls models.Keyboard) error
	NotifyImage(chatID int64, url, caption string) error
	NotifyVideo(chatID int64, url, caption string) error
}

type Scheduler interface {
	Go(name string, fn jobs.Func) (context.CancelFunc, error)
}
