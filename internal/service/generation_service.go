package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/digkill/CreatorBot/internal/metrics"
	"github.com/digkill/CreatorBot/internal/models"
)

var ErrMalformedRequest = errors.New("malformed request")

// ActionRequest is one billable action: a chat reply or an image/video job.
// Chat payloads carry "text", media payloads carry "prompt"; everything else is
// passed to the provider untouched.
type ActionRequest struct {
	OwnerID int64
	Kind    models.JobKind
	Payload map[string]any
	Deliver bool
}

type ActionResult struct {
	Authorized   bool
	DenialReason string
	JobID        int64
	RequestID    string
	Answer       string
	Raw          json.RawMessage
}

type GenerationService struct {
	log          *slog.Logger
	credits      *CreditService
	jobs         JobStore
	provider     Provider
	orchestrator *Orchestrator
	scheduler    Scheduler
	metrics      *metrics.Metrics
	now          func() time.Time
}

func NewGenerationService(log *slog.Logger, credits *CreditService, jobs JobStore, provider Provider, orchestrator *Orchestrator, scheduler Scheduler, m *metrics.Metrics) *GenerationService {
	return &GenerationService{
		log:          log,
		credits:      credits,
		jobs:         jobs,
		provider:     provider,
		orchestrator: orchestrator,
		scheduler:    scheduler,
		metrics:      m,
		now:          time.Now,
	}
}

// Submit validates, charges, records and hands the action to the provider. Media jobs
// return as soon as the provider accepts them; delivery continues on the scheduler.
// When the provider call fails the charged unit is refunded.
func (s *GenerationService) Submit(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	text, err := validate(req)
	if err != nil {
		return nil, err
	}

	decision, err := s.credits.AuthorizeAndCharge(ctx, req.OwnerID, s.credits.IsPrivileged(req.OwnerID))
	if err != nil {
		return nil, err
	}
	if !decision.Authorized {
		return &ActionResult{DenialReason: decision.Reason}, nil
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		s.refund(ctx, req.OwnerID, decision)
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedRequest, err)
	}
	job := &models.Job{OwnerID: req.OwnerID, Kind: req.Kind, Payload: payload}
	if err := s.jobs.Create(ctx, job); err != nil {
		s.refund(ctx, req.OwnerID, decision)
		return nil, fmt.Errorf("record job: %w", err)
	}

	if req.Kind == models.KindChat {
		return s.chat(ctx, job, decision, text)
	}
	return s.submitMedia(ctx, req, job, decision)
}

func (s *GenerationService) chat(ctx context.Context, job *models.Job, decision Decision, text string) (*ActionResult, error) {
	answer, err := s.provider.Chat(ctx, text)
	if err != nil {
		s.refund(ctx, job.OwnerID, decision)
		s.finish(ctx, job.ID, models.JobFailed, err.Error())
		return nil, fmt.Errorf("chat: %w", err)
	}
	s.finish(ctx, job.ID, models.JobSucceeded, "")
	return &ActionResult{Authorized: true, JobID: job.ID, Answer: answer}, nil
}

func (s *GenerationService) submitMedia(ctx context.Context, req ActionRequest, job *models.Job, decision Decision) (*ActionResult, error) {
	submitted, err := s.provider.Submit(ctx, req.Kind, req.Payload)
	if err != nil {
		s.refund(ctx, req.OwnerID, decision)
		s.finish(ctx, job.ID, models.JobFailed, err.Error())
		return nil, fmt.Errorf("submit %s: %w", req.Kind, err)
	}
	s.metrics.JobSubmitted(string(req.Kind))

	log := s.log.With("job_id", job.ID, "request_id", submitted.RequestID, "kind", req.Kind)
	if err := s.jobs.MarkPolling(ctx, job.ID, submitted.RequestID); err != nil {
		log.Error("mark job polling failed", "err", err)
	}

	delivery := DeliveryJob{
		JobID:      job.ID,
		OwnerID:    req.OwnerID,
		Kind:       req.Kind,
		RequestID:  submitted.RequestID,
		Notify:     req.Deliver,
		AcceptedAt: s.now(),
	}
	if _, err := s.scheduler.Go("deliver:"+submitted.RequestID, func(ctx context.Context) error {
		s.orchestrator.Deliver(ctx, delivery)
		return nil
	}); err != nil {
		log.Error("schedule delivery failed", "err", err)
	}

	return &ActionResult{
		Authorized: true,
		JobID:      job.ID,
		RequestID:  submitted.RequestID,
		Raw:        submitted.Raw,
	}, nil
}

func (s *GenerationService) refund(ctx context.Context, userID int64, d Decision) {
	if err := s.credits.Refund(ctx, userID, d); err != nil {
		s.log.Error("refund failed", "user", userID, "err", err)
	}
}

func (s *GenerationService) finish(ctx context.Context, jobID int64, status models.JobStatus, detail string) {
	if err := s.jobs.Finish(ctx, jobID, status, detail); err != nil {
		s.log.Error("record job status failed", "job_id", jobID, "status", status, "err", err)
	}
}

// validate runs before any ledger or provider call and returns the prompt text.
func validate(req ActionRequest) (string, error) {
	if req.OwnerID == 0 {
		return "", fmt.Errorf("%w: owner id is required", ErrMalformedRequest)
	}
	field := "prompt"
	switch req.Kind {
	case models.KindChat:
		field = "text"
	case models.KindImage, models.KindVideo:
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrMalformedRequest, req.Kind)
	}
	raw, _ := req.Payload[field].(string)
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", fmt.Errorf("%w: %s is required", ErrMalformedRequest, field)
	}
	return text, nil
}
