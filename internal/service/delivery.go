package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"time"

	"github.com/digkill/CreatorBot/internal/apifree"
	"github.com/digkill/CreatorBot/internal/claims"
	"github.com/digkill/CreatorBot/internal/config"
	"github.com/digkill/CreatorBot/internal/metrics"
	"github.com/digkill/CreatorBot/internal/models"
	"github.com/digkill/CreatorBot/internal/repository"
)

const (
	textDone          = "✅ Готово!"
	textTimeout       = "⌛ Не дождалась результата (timeout). Попробуй ещё раз."
	finishTimeout     = 10 * time.Second
	defaultNotifyWait = time.Second
)

// Poller is the part of the provider the poll loop needs.
type Poller interface {
	Poll(ctx context.Context, kind models.JobKind, requestID string) (apifree.PollResult, error)
}

// DeliveryJob is one accepted provider request waiting for its result.
type DeliveryJob struct {
	JobID      int64
	OwnerID    int64
	Kind       models.JobKind
	RequestID  string
	Notify     bool
	AcceptedAt time.Time
}

type Orchestrator struct {
	log       *slog.Logger
	jobs      JobStore
	provider  Poller
	messenger Messenger
	claims    claims.Store
	metrics   *metrics.Metrics

	budgets        map[models.JobKind]int
	interval       time.Duration
	detailLimit    int
	notifyAttempts int
	notifyWait     time.Duration
	now            func() time.Time
}

func NewOrchestrator(cfg config.Config, log *slog.Logger, jobs JobStore, provider Poller, messenger Messenger, store claims.Store, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		log:       log,
		jobs:      jobs,
		provider:  provider,
		messenger: messenger,
		claims:    store,
		metrics:   m,
		budgets: map[models.JobKind]int{
			models.KindImage: cfg.ImagePollAttempts,
			models.KindVideo: cfg.VideoPollAttempts,
		},
		interval:       cfg.PollInterval,
		detailLimit:    cfg.FailureDetailLimit,
		notifyAttempts: cfg.TerminalNotifyAttempts,
		notifyWait:     defaultNotifyWait,
		now:            time.Now,
	}
}

// Budget is the number of poll attempts a kind gets before the job times out.
func (o *Orchestrator) Budget(kind models.JobKind) int {
	if n := o.budgets[kind]; n > 0 {
		return n
	}
	return 1
}

// Deliver polls until the provider reports a result or the attempt budget runs out,
// records the terminal status and then tells the owner. A job already closed elsewhere
// gets no notice and its stored status is returned. Cancelling ctx leaves the job in
// polling and returns JobPolling; the sweeper closes such jobs later.
func (o *Orchestrator) Deliver(ctx context.Context, job DeliveryJob) models.JobStatus {
	if job.AcceptedAt.IsZero() {
		job.AcceptedAt = o.now()
	}
	log := o.log.With("job_id", job.JobID, "request_id", job.RequestID, "kind", job.Kind)

	if job.Notify {
		text := fmt.Sprintf("🧠 Задача принята. ID: <code>%s</code>\nЖду результат…", html.EscapeString(job.RequestID))
		if err := o.messenger.NotifyText(job.OwnerID, text, nil); err != nil {
			o.metrics.NotifyFailure("accepted")
			log.Warn("accepted notice not delivered", "err", err)
		}
	}

	budget := o.Budget(job.Kind)
	for attempt := 1; attempt <= budget; attempt++ {
		if ctx.Err() != nil {
			log.Info("delivery cancelled", "attempt", attempt)
			return models.JobPolling
		}

		o.metrics.PollAttempt(string(job.Kind))
		res, err := o.provider.Poll(ctx, job.Kind, job.RequestID)
		if err != nil {
			log.Debug("poll failed, retrying", "attempt", attempt, "err", err)
		} else {
			switch res.State {
			case apifree.Succeeded:
				return o.succeed(ctx, log, job, res.MediaURL)
			case apifree.Failed:
				return o.fail(ctx, log, job, res.Detail)
			}
		}

		if attempt < budget && !sleep(ctx, o.interval) {
			log.Info("delivery cancelled", "attempt", attempt)
			return models.JobPolling
		}
	}

	log.Warn("poll budget exhausted", "attempts", budget)
	if stored, won := o.finish(ctx, log, job, models.JobTimedOut, ""); !won {
		return stored
	}
	if job.Notify {
		o.notifyTerminal(ctx, log, "timeout", func() error {
			return o.messenger.NotifyText(job.OwnerID, textTimeout, nil)
		})
	}
	return models.JobTimedOut
}

func (o *Orchestrator) succeed(ctx context.Context, log *slog.Logger, job DeliveryJob, mediaURL string) models.JobStatus {
	if stored, won := o.finish(ctx, log, job, models.JobSucceeded, mediaURL); !won {
		return stored
	}
	if job.Notify {
		o.deliverMedia(ctx, log, job, mediaURL)
	}
	return models.JobSucceeded
}

func (o *Orchestrator) deliverMedia(ctx context.Context, log *slog.Logger, job DeliveryJob, mediaURL string) {
	if o.claims != nil {
		claimed, err := o.claims.Claim(ctx, string(job.Kind)+":"+job.RequestID)
		switch {
		case err != nil:
			log.Error("delivery claim failed, delivering anyway", "err", err)
		case !claimed:
			log.Info("result already delivered")
			return
		}
	}

	send := o.messenger.NotifyImage
	if job.Kind == models.KindVideo {
		send = o.messenger.NotifyVideo
	}
	err := o.notifyTerminal(ctx, log, "result", func() error {
		return send(job.OwnerID, mediaURL, textDone)
	})
	if err == nil {
		return
	}
	// Telegram refuses some provider URLs as media; a plain link still reaches the owner.
	link := fmt.Sprintf("%s\n%s", textDone, html.EscapeString(mediaURL))
	if err := o.messenger.NotifyText(job.OwnerID, link, nil); err != nil {
		log.Error("result link not delivered", "err", err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, job DeliveryJob, detail string) models.JobStatus {
	detail = truncateRunes(detail, o.detailLimit)
	log.Warn("provider reported failure")
	if stored, won := o.finish(ctx, log, job, models.JobFailed, detail); !won {
		return stored
	}
	if job.Notify {
		text := "❌ Ошибка генерации: <pre>" + html.EscapeString(detail) + "</pre>"
		o.notifyTerminal(ctx, log, "failure", func() error {
			return o.messenger.NotifyText(job.OwnerID, text, nil)
		})
	}
	return models.JobFailed
}

// notifyTerminal retries a terminal notice a bounded number of times; the final error is
// counted and logged, never escalated.
func (o *Orchestrator) notifyTerminal(ctx context.Context, log *slog.Logger, stage string, send func() error) error {
	attempts := o.notifyAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = send(); err == nil {
			return nil
		}
		log.Warn("terminal notice failed", "stage", stage, "attempt", i, "err", err)
		if i < attempts && !sleep(ctx, o.notifyWait) {
			break
		}
	}
	o.metrics.NotifyFailure(stage)
	log.Error("terminal notice dropped", "stage", stage, "err", err)
	return err
}

// finish records the terminal status before anyone is told about it. It reports false
// with the stored status when another party (the sweeper, a duplicate orchestrator)
// closed the job first; the caller then sends nothing. A store error does not block
// delivery.
func (o *Orchestrator) finish(ctx context.Context, log *slog.Logger, job DeliveryJob, status models.JobStatus, detail string) (models.JobStatus, bool) {
	if job.JobID == 0 {
		o.metrics.JobFinished(string(job.Kind), string(status), o.now().Sub(job.AcceptedAt))
		return status, true
	}
	// The terminal status must land even when the runner is shutting down.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	err := o.jobs.Finish(fctx, job.JobID, status, detail)
	switch {
	case errors.Is(err, repository.ErrJobTransition):
		stored := status
		if j, getErr := o.jobs.Get(fctx, job.JobID); getErr == nil && j != nil {
			stored = j.Status
		}
		log.Info("job already terminal, result not delivered", "status", status, "stored", stored)
		return stored, false
	case err != nil:
		log.Error("record terminal status failed", "status", status, "err", err)
	default:
		log.Info("job finished", "status", status)
	}
	o.metrics.JobFinished(string(job.Kind), string(status), o.now().Sub(job.AcceptedAt))
	return status, true
}

// sleep waits d or until ctx is done; it reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
