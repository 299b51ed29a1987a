package usecase

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-gateway/internal/domain"
)

func newChatService(q *fakeQueue, sup *fakeSupervisor) ChatService {
	openai := &fakeProvider{name: domain.ProviderOpenAI, configured: true}
	gemini := &fakeProvider{name: domain.ProviderGemini, configured: true}
	r := NewProviderRouter(domain.ProviderOpenAI, false, openai, gemini)
	return NewChatService(q, sup, r, 500*time.Millisecond, 5*time.Millisecond)
}

func successResult(text string) *domain.JobResult {
	return &domain.JobResult{
		Success: true,
		Data: &domain.ChatReply{
			Choices: []domain.Choice{{Message: domain.ReplyMessage{Role: domain.RoleAssistant, Content: &text}}},
		},
	}
}

func TestProcessRejectsEmptyMessages(t *testing.T) {
	s := newChatService(newFakeQueue(), &fakeSupervisor{})
	_, err := s.Process(context.Background(), ChatInput{})
	require.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestProcessBuildsJobWithDefaults(t *testing.T) {
	q := newFakeQueue()
	q.publish = successResult("hi there")
	sup := &fakeSupervisor{}
	s := newChatService(q, sup)

	_, err := s.Process(context.Background(), ChatInput{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: domain.Content{Text: "hi"}}},
		Provider: domain.ProviderGemini, // override disabled, must coerce
	})
	require.NoError(t, err)

	jobs := q.enqueued()
	require.Len(t, jobs, 1)
	job := jobs[0]
	require.Equal(t, domain.DefaultTenant, job.Tenant)
	require.Equal(t, domain.ProviderOpenAI, job.Provider)
	require.InDelta(t, DefaultTemperature, job.Temperature, 1e-9)
	require.Greater(t, job.EnqueuedAt, int64(0))
	require.Regexp(t, regexp.MustCompile(`^default_org-\d+-[0-9a-f]{9}$`), job.ID)
	require.Equal(t, []string{domain.DefaultTenant}, sup.seen())
}

func TestProcessUsesOrganizationIDAsTenant(t *testing.T) {
	q := newFakeQueue()
	q.publish = successResult("ok")
	s := newChatService(q, &fakeSupervisor{})

	_, err := s.Process(context.Background(), ChatInput{
		Messages:       []domain.Message{{Role: domain.RoleUser, Content: domain.Content{Text: "hi"}}},
		OrganizationID: "acme",
	})
	require.NoError(t, err)

	job := q.enqueued()[0]
	require.Equal(t, "acme", job.Tenant)
	require.Regexp(t, regexp.MustCompile(`^acme-`), job.ID)
}

func TestProcessKeepsExplicitTemperature(t *testing.T) {
	q := newFakeQueue()
	q.publish = successResult("ok")
	s := newChatService(q, &fakeSupervisor{})

	temp := 0.1
	_, err := s.Process(context.Background(), ChatInput{
		Messages:    []domain.Message{{Role: domain.RoleUser, Content: domain.Content{Text: "hi"}}},
		Temperature: &temp,
	})
	require.NoError(t, err)
	require.InDelta(t, 0.1, q.enqueued()[0].Temperature, 1e-9)
}

func TestProcessReturnsPublishedReplyAndDeletesSlot(t *testing.T) {
	q := newFakeQueue()
	q.publish = successResult("the answer")
	s := newChatService(q, &fakeSupervisor{})

	reply, err := s.Process(context.Background(), ChatInput{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: domain.Content{Text: "question"}}},
	})
	require.NoError(t, err)
	require.Equal(t, "the answer", reply.Choices[0].Message.Text())

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.deleted, 1)
	require.Empty(t, q.results, "consumed slot must be deleted")
}

func TestProcessFailureEnvelopeKeepsMessage(t *testing.T) {
	q := newFakeQueue()
	q.publish = &domain.JobResult{Success: false, Error: "gemini: upstream returned 500"}
	s := newChatService(q, &fakeSupervisor{})

	_, err := s.Process(context.Background(), ChatInput{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: domain.Content{Text: "hi"}}},
	})
	var jf *JobFailedError
	require.True(t, errors.As(err, &jf))
	require.Equal(t, "gemini: upstream returned 500", jf.Message)
}

func TestProcessTimesOutWhenNoResultArrives(t *testing.T) {
	q := newFakeQueue() // nothing ever published
	s := newChatService(q, &fakeSupervisor{})
	s.WaitTimeout = 60 * time.Millisecond

	start := time.Now()
	_, err := s.Process(context.Background(), ChatInput{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: domain.Content{Text: "hi"}}},
	})
	require.True(t, errors.Is(err, domain.ErrResultTimeout))
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestProcessSurvivesClientDisconnect(t *testing.T) {
	q := newFakeQueue()
	q.publish = successResult("still here")
	s := newChatService(q, &fakeSupervisor{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // client gone before the wait even starts

	reply, err := s.Process(ctx, ChatInput{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: domain.Content{Text: "hi"}}},
	})
	require.NoError(t, err)
	require.Equal(t, "still here", reply.Choices[0].Message.Text())
}

func TestProcessEnqueueErrorSurfaces(t *testing.T) {
	q := newFakeQueue()
	q.enqueueErr = errors.New("redis gone")
	s := newChatService(q, &fakeSupervisor{})

	_, err := s.Process(context.Background(), ChatInput{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: domain.Content{Text: "hi"}}},
	})
	require.ErrorContains(t, err, "redis gone")
}

type fakeLimiter struct {
	allowed    bool
	retryAfter time.Duration
	err        error
	tenants    []string
}

func (f *fakeLimiter) Allow(_ domain.Context, tenant string) (bool, time.Duration, error) {
	f.tenants = append(f.tenants, tenant)
	return f.allowed, f.retryAfter, f.err
}

func TestProcessRejectsOverBudgetTenant(t *testing.T) {
	q := newFakeQueue()
	s := newChatService(q, &fakeSupervisor{})
	s.Limiter = &fakeLimiter{allowed: false, retryAfter: 1500 * time.Millisecond}

	_, err := s.Process(context.Background(), ChatInput{
		Messages:       []domain.Message{{Role: domain.RoleUser, Content: domain.Content{Text: "hi"}}},
		OrganizationID: "acme",
	})
	require.True(t, errors.Is(err, domain.ErrRateLimited))
	require.ErrorContains(t, err, "acme")
	require.ErrorContains(t, err, "1.5s")
	require.Empty(t, q.enqueued(), "denied requests must not reach the queue")
}

func TestProcessFailsOpenWhenLimiterErrors(t *testing.T) {
	q := newFakeQueue()
	q.publish = successResult("made it")
	lim := &fakeLimiter{allowed: false, err: errors.New("store down")}
	s := newChatService(q, &fakeSupervisor{})
	s.Limiter = lim

	reply, err := s.Process(context.Background(), ChatInput{
		Messages:       []domain.Message{{Role: domain.RoleUser, Content: domain.Content{Text: "hi"}}},
		OrganizationID: "acme",
	})
	require.NoError(t, err)
	require.Equal(t, "made it", reply.Choices[0].Message.Text())
	require.Equal(t, []string{"acme"}, lim.tenants)
}
