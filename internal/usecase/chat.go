package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-gateway/internal/domain"
	"github.com/fairyhunter13/ai-gateway/internal/observability"
)

// DefaultTemperature is applied when a request carries none, so the
// canonical request always has an explicit value for both adapters.
const DefaultTemperature = 0.7

// ChatInput is the admission-time view of one chat request.
type ChatInput struct {
	Messages         []domain.Message
	Files            []domain.File
	Temperature      *float64
	Provider         string
	OrganizationID   string
	Category         string
	NameUser         string
	TicketID         string
	TicketCategories []string
	Tools            []domain.Tool
	ToolChoice       json.RawMessage
}

// JobFailedError carries a worker-reported failure message verbatim; the
// HTTP layer uses it as the error envelope body.
type JobFailedError struct {
	Message string
}

func (e *JobFailedError) Error() string { return e.Message }

// TenantLimiter grants or defers admission for one tenant. Implementations
// must treat their own failures as "allow".
type TenantLimiter interface {
	Allow(ctx domain.Context, tenant string) (allowed bool, retryAfter time.Duration, err error)
}

// ChatService admits chat jobs onto their tenant queue and waits for the
// published result.
type ChatService struct {
	Queue   domain.JobQueue
	Workers domain.WorkerSupervisor
	Router  ProviderRouter
	Limiter TenantLimiter // optional

	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// NewChatService builds a ChatService. Zero durations fall back to the 180s
// wait and 100ms poll defaults.
func NewChatService(q domain.JobQueue, w domain.WorkerSupervisor, r ProviderRouter, wait, poll time.Duration) ChatService {
	if wait <= 0 {
		wait = 180 * time.Second
	}
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return ChatService{Queue: q, Workers: w, Router: r, WaitTimeout: wait, PollInterval: poll}
}

// Process admits one chat request and blocks until its result lands or the
// wall clock runs out.
func (s ChatService) Process(ctx domain.Context, in ChatInput) (domain.ChatReply, error) {
	if len(in.Messages) == 0 {
		return domain.ChatReply{}, fmt.Errorf("%w: messages must be a non-empty array", domain.ErrInvalidArgument)
	}
	tenant := strings.TrimSpace(in.OrganizationID)
	if tenant == "" {
		tenant = domain.DefaultTenant
	}
	if s.Limiter != nil {
		if allowed, retryAfter, err := s.Limiter.Allow(ctx, tenant); err == nil && !allowed {
			return domain.ChatReply{}, fmt.Errorf("%w: tenant %s over request budget, retry in %s",
				domain.ErrRateLimited, tenant, retryAfter.Round(time.Millisecond))
		}
	}
	temp := DefaultTemperature
	if in.Temperature != nil {
		temp = *in.Temperature
	}

	job := domain.Job{
		ID:               newJobID(tenant),
		RequestID:        observability.RequestIDFromContext(ctx),
		Tenant:           tenant,
		Provider:         s.Router.Resolve(in.Provider),
		Messages:         in.Messages,
		Files:            in.Files,
		Temperature:      temp,
		Tools:            in.Tools,
		ToolChoice:       in.ToolChoice,
		TicketID:         in.TicketID,
		TicketCategories: in.TicketCategories,
		Category:         in.Category,
		NameUser:         in.NameUser,
		EnqueuedAt:       time.Now().UnixMilli(),
	}
	if err := s.Queue.Enqueue(ctx, job); err != nil {
		return domain.ChatReply{}, fmt.Errorf("op=chat.Process: %w", err)
	}
	s.Workers.Ensure(ctx, tenant)
	observability.LoggerFromContext(ctx).Info("job admitted",
		slog.String("job_id", job.ID),
		slog.String("tenant", tenant),
		slog.String("provider", job.Provider))

	return s.waitForResult(ctx, job.ID)
}

// waitForResult polls the result slot until it appears or the deadline
// passes. The poll context is detached from the request context: a client
// disconnect must not cancel a job that is already running.
func (s ChatService) waitForResult(ctx domain.Context, jobID string) (domain.ChatReply, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.WaitTimeout)
	defer cancel()

	log := observability.LoggerFromContext(ctx)
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		res, found, err := s.Queue.FetchResult(wctx, jobID)
		if found {
			if derr := s.Queue.DeleteResult(wctx, jobID); derr != nil {
				log.Warn("result delete failed", slog.String("job_id", jobID), slog.Any("error", derr))
			}
			if err != nil {
				return domain.ChatReply{}, fmt.Errorf("%w: corrupt result for %s: %v", domain.ErrInternal, jobID, err)
			}
			if !res.Success {
				return domain.ChatReply{}, &JobFailedError{Message: res.Error}
			}
			if res.Data == nil {
				return domain.ChatReply{}, fmt.Errorf("%w: success result without data for %s", domain.ErrInternal, jobID)
			}
			return *res.Data, nil
		}
		if err != nil {
			// Transient store hiccup; the deadline bounds the retries.
			log.Warn("result poll failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
		select {
		case <-wctx.Done():
			return domain.ChatReply{}, domain.ErrResultTimeout
		case <-ticker.C:
		}
	}
}

// newJobID builds "{tenant}-{msEpoch}-{9 random chars}".
func newJobID(tenant string) string {
	rand := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s-%d-%s", tenant, time.Now().UnixMilli(), rand)
}
