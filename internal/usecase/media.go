package usecase

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/fairyhunter13/ai-gateway/internal/domain"
	"github.com/fairyhunter13/ai-gateway/internal/observability"
	"github.com/fairyhunter13/ai-gateway/pkg/textx"
)

// Fixed placeholder strings. The upstream consumer treats every 200 body as
// a save signal, so failures are folded into the payload text instead of
// status codes.
const (
	NoSpeechPlaceholder    = "[Audio processed. No spoken words detected (Music/Instrumental).]"
	NoImageTextPlaceholder = "Visual content only. No text detected in this image."

	noTextToken = "[NO_TEXT_DETECTED]"
)

// AudioService turns a remote audio URL into transcript text.
type AudioService struct {
	Transcriber domain.Transcriber
}

// Transcribe never fails: errors come back as the bracketed error text.
func (s AudioService) Transcribe(ctx domain.Context, url, model string) string {
	if strings.TrimSpace(url) == "" {
		return "[Error processing audio: url is required]"
	}
	text, err := s.Transcriber.Transcribe(ctx, url, model)
	if err != nil {
		observability.LoggerFromContext(ctx).Error("audio transcription failed",
			slog.String("url", url), slog.Any("error", err))
		return fmt.Sprintf("[Error processing audio: %v]", err)
	}
	text = textx.SanitizeText(text)
	if text == "" {
		return NoSpeechPlaceholder
	}
	return text
}

// OCRService extracts visible text from a remote image.
type OCRService struct {
	Reader domain.ImageTextReader
}

// ReadImage never fails, by the same save-signal convention as Transcribe.
func (s OCRService) ReadImage(ctx domain.Context, imageURL string) string {
	if strings.TrimSpace(imageURL) == "" {
		return "Error processing image: image_url is required"
	}
	text, err := s.Reader.ReadImageText(ctx, imageURL)
	if err != nil {
		observability.LoggerFromContext(ctx).Error("image ocr failed",
			slog.String("image_url", imageURL), slog.Any("error", err))
		return fmt.Sprintf("Error processing image: %v", err)
	}
	text = textx.SanitizeText(text)
	if text == "" || strings.Contains(text, noTextToken) {
		return NoImageTextPlaceholder
	}
	return text
}
