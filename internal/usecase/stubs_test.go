package usecase

import (
	"sync"

	"github.com/fairyhunter13/ai-gateway/internal/domain"
)

// fakeProvider is a scriptable domain.ChatProvider.
type fakeProvider struct {
	name       string
	configured bool
	reply      string
	usage      domain.Usage
	err        error

	mu      sync.Mutex
	calls   int
	lastReq domain.ChatRequest
}

func (f *fakeProvider) Name() string     { return f.name }
func (f *fakeProvider) Configured() bool { return f.configured }

func (f *fakeProvider) Invoke(_ domain.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	f.mu.Lock()
	f.calls++
	f.lastReq = req
	f.mu.Unlock()
	if f.err != nil {
		return domain.ChatResponse{}, f.err
	}
	content := f.reply
	return domain.ChatResponse{
		Choices: []domain.Choice{{Message: domain.ReplyMessage{Role: domain.RoleAssistant, Content: &content}}},
		Usage:   f.usage,
	}, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) requestSeen() domain.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

// fakeEmbedder is a scriptable domain.EmbeddingProvider.
type fakeEmbedder struct {
	name       string
	configured bool
	resp       domain.EmbedResponse
	err        error

	mu    sync.Mutex
	calls int
}

func (f *fakeEmbedder) Name() string     { return f.name }
func (f *fakeEmbedder) Configured() bool { return f.configured }

func (f *fakeEmbedder) Embed(_ domain.Context, _ []string) (domain.EmbedResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return domain.EmbedResponse{}, f.err
	}
	return f.resp, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeQueue implements domain.JobQueue in memory. When publish is set, each
// enqueued job immediately gets that result in its slot, standing in for a
// synchronous worker.
type fakeQueue struct {
	mu         sync.Mutex
	jobs       []domain.Job
	results    map[string]domain.JobResult
	deleted    []string
	publish    *domain.JobResult
	enqueueErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{results: make(map[string]domain.JobResult)}
}

func (q *fakeQueue) Enqueue(_ domain.Context, job domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.jobs = append(q.jobs, job)
	if q.publish != nil {
		q.results[job.ID] = *q.publish
	}
	return nil
}

func (q *fakeQueue) FetchResult(_ domain.Context, jobID string) (domain.JobResult, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	res, ok := q.results[jobID]
	return res, ok, nil
}

func (q *fakeQueue) DeleteResult(_ domain.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.results, jobID)
	q.deleted = append(q.deleted, jobID)
	return nil
}

func (q *fakeQueue) enqueued() []domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.Job(nil), q.jobs...)
}

// fakeSupervisor records Ensure calls.
type fakeSupervisor struct {
	mu      sync.Mutex
	tenants []string
}

func (s *fakeSupervisor) Ensure(_ domain.Context, tenant string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants = append(s.tenants, tenant)
	return true
}

func (s *fakeSupervisor) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tenants...)
}

// fakeLedger records usage rows.
type fakeLedger struct {
	mu   sync.Mutex
	rows []domain.UsageRecord
	err  error
}

func (l *fakeLedger) Record(_ domain.Context, rec domain.UsageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.rows = append(l.rows, rec)
	return nil
}

func (l *fakeLedger) recorded() []domain.UsageRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.UsageRecord(nil), l.rows...)
}

// fakeWebhook records published classifications.
type fakeWebhook struct {
	mu   sync.Mutex
	got  []domain.TicketClassification
	err  error
}

func (w *fakeWebhook) Publish(_ domain.Context, tc domain.TicketClassification) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.got = append(w.got, tc)
	return w.err
}

func (w *fakeWebhook) published() []domain.TicketClassification {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.TicketClassification(nil), w.got...)
}
