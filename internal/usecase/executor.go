package usecase

import (
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-gateway/internal/config"
	"github.com/fairyhunter13/ai-gateway/internal/domain"
	"github.com/fairyhunter13/ai-gateway/internal/observability"
)

// Executor turns dequeued jobs into canonical replies: route the call,
// price it, assemble the metadata block, record usage and trigger the
// ticket classifier.
type Executor struct {
	Router     ProviderRouter
	Pricing    config.Pricing
	Ledger     domain.UsageLedger // optional
	Classifier *Classifier        // optional
}

// NewExecutor wires the job execution pipeline. ledger and classifier may
// be nil; both paths degrade to no-ops.
func NewExecutor(r ProviderRouter, pricing config.Pricing, ledger domain.UsageLedger, classifier *Classifier) Executor {
	return Executor{Router: r, Pricing: pricing, Ledger: ledger, Classifier: classifier}
}

// ExecuteJob satisfies domain.JobExecutor.
func (e Executor) ExecuteJob(ctx domain.Context, job domain.Job) (domain.ChatReply, error) {
	req := domain.ChatRequest{
		Messages:    job.Messages,
		Files:       job.Files,
		Temperature: job.Temperature,
		Tools:       job.Tools,
		ToolChoice:  job.ToolChoice,
	}
	started := time.Now()
	resp, served, err := e.Router.Invoke(ctx, job.Provider, req)
	if err != nil {
		return domain.ChatReply{}, err
	}

	queryType := domain.DetectQueryType(job.Messages, job.Files)
	credits := e.Pricing.CreditsFor(queryType)
	cost := e.Pricing.ChatCostUSD(served, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	reply := domain.ChatReply{
		Choices: resp.Choices,
		Usage:   resp.Usage,
		Metadata: &domain.ReplyMetadata{
			RequestID:      job.RequestID,
			Provider:       served,
			NameUser:       job.NameUser,
			HasFiles:       domain.HasFiles(job.Messages, job.Files),
			Timestamp:      time.Now().UTC().Format(time.RFC3339),
			QueryType:      queryType,
			Priority:       job.Category,
			CreditsUsed:    credits,
			ResponseTimeMS: responseTime(job, started),
			CostUSD:        cost,
		},
	}

	if e.Ledger != nil {
		rec := domain.UsageRecord{
			RequestID:        job.RequestID,
			JobID:            job.ID,
			Tenant:           job.Tenant,
			Provider:         served,
			Operation:        "chat",
			QueryType:        queryType,
			Credits:          credits,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			CostUSD:          cost,
		}
		if lerr := e.Ledger.Record(ctx, rec); lerr != nil {
			observability.LoggerFromContext(ctx).Error("usage record failed",
				slog.String("job_id", job.ID), slog.Any("error", lerr))
		}
	}

	e.Classifier.MaybeClassify(ctx, job, reply)
	return reply, nil
}

// responseTime measures from admission when the job carries its enqueue
// instant, else from execution start.
func responseTime(job domain.Job, started time.Time) int64 {
	if job.EnqueuedAt > 0 {
		return time.Now().UnixMilli() - job.EnqueuedAt
	}
	return time.Since(started).Milliseconds()
}
