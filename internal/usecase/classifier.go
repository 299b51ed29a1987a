package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fairyhunter13/ai-gateway/internal/domain"
	"github.com/fairyhunter13/ai-gateway/internal/observability"
	"github.com/fairyhunter13/ai-gateway/pkg/textx"
)

// defaultTicketCategories applies when a job carries no ticket_categories.
var defaultTicketCategories = []string{"billing", "technical", "account", "general"}

const fallbackCategory = "general"

// classifierReplyLimit bounds how much of the assistant reply rides into
// the classification prompt.
const classifierReplyLimit = 4000

// Classifier files low-priority tickets after their chat reply already went
// out. Every entry point is fire-and-forget: nothing in here may reach the
// caller.
type Classifier struct {
	Router  ProviderRouter
	Webhook domain.TicketPublisher
}

// NewClassifier builds the post-reply classifier. A nil webhook disables it.
func NewClassifier(r ProviderRouter, webhook domain.TicketPublisher) *Classifier {
	return &Classifier{Router: r, Webhook: webhook}
}

// MaybeClassify launches classification when the job qualifies: a ticket id
// is present and the request was tagged "low" priority. The goroutine runs
// on a detached context since the HTTP response is already on its way.
func (c *Classifier) MaybeClassify(ctx domain.Context, job domain.Job, reply domain.ChatReply) {
	if c == nil || c.Webhook == nil {
		return
	}
	if job.TicketID == "" || strings.ToLower(job.Category) != "low" {
		return
	}
	go c.classify(context.WithoutCancel(ctx), job, reply)
}

func (c *Classifier) classify(ctx domain.Context, job domain.Job, reply domain.ChatReply) {
	log := observability.LoggerFromContext(ctx)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("ticket classification panicked",
				slog.String("ticket_id", job.TicketID), slog.Any("recover", rec))
		}
	}()

	categories := job.TicketCategories
	if len(categories) == 0 {
		categories = defaultTicketCategories
	}
	req := domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: domain.Content{Text: classifierSystemPrompt(categories)}},
			{Role: domain.RoleUser, Content: domain.Content{Text: classifierUserPrompt(reply)}},
		},
		JSONOnly: true,
	}
	resp, served, err := c.Router.Invoke(ctx, job.Provider, req)
	if err != nil {
		log.Error("ticket classification call failed",
			slog.String("ticket_id", job.TicketID), slog.Any("error", err))
		return
	}

	raw := extractJSONObject(resp.Choices[0].Message.Text())
	var out struct {
		Title    string `json:"title"`
		Category string `json:"category"`
		Priority string `json:"priority"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		log.Error("ticket classification reply not JSON",
			slog.String("ticket_id", job.TicketID),
			slog.String("provider", served),
			slog.Any("error", err))
		return
	}
	if !containsFold(categories, out.Category) {
		out.Reason = fmt.Sprintf("category %q not in the available list, coerced to %s. %s",
			out.Category, fallbackCategory, out.Reason)
		out.Category = fallbackCategory
	}

	tc := domain.TicketClassification{
		TicketID: job.TicketID,
		Title:    out.Title,
		Category: out.Category,
		Priority: out.Priority,
		Reason:   out.Reason,
	}
	if err := c.Webhook.Publish(ctx, tc); err != nil {
		log.Error("ticket webhook publish failed",
			slog.String("ticket_id", job.TicketID), slog.Any("error", err))
		return
	}
	log.Info("ticket classified",
		slog.String("ticket_id", job.TicketID),
		slog.String("category", tc.Category),
		slog.String("priority", tc.Priority))
}

func classifierSystemPrompt(categories []string) string {
	return fmt.Sprintf(`You are a support ticket classifier for a CRM.
Classify the conversation into exactly one category from this list: %s.
Reply with a single JSON object and nothing else:
{"title":"<short ticket title>","category":"<one of the listed categories>","priority":"<low|medium|high|urgent>","reason":"<one sentence>"}`,
		strings.Join(categories, ", "))
}

func classifierUserPrompt(reply domain.ChatReply) string {
	var text string
	if len(reply.Choices) > 0 {
		text = reply.Choices[0].Message.Text()
	}
	text = textx.Clamp(textx.SanitizeText(text), classifierReplyLimit)
	return "Assistant reply to classify:\n" + text
}

// extractJSONObject peels markdown code fences and, failing a direct parse,
// cuts the first balanced JSON object out of mixed content.
func extractJSONObject(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if json.Valid([]byte(s)) {
		return s
	}
	start := strings.Index(s, "{")
	if start == -1 {
		return s
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
