package classifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/local/pagesift/internal/pages"
)

// DefaultMaxTextChars caps per-page OCR text sent to the model.
const DefaultMaxTextChars = 3000

// TextBackend runs OCR on each page and classifies the text with a chat model.
type TextBackend struct {
	chat     ChatClient
	model    string
	ocr      OCREngine
	maxChars int
}

func NewText(chat ChatClient, model string, ocr OCREngine, maxChars int) *TextBackend {
	if maxChars <= 0 {
		maxChars = DefaultMaxTextChars
	}
	return &TextBackend{chat: chat, model: model, ocr: ocr, maxChars: maxChars}
}

func (t *TextBackend) Name() string { return t.chat.Name() + "-text" }

func (t *TextBackend) Needs() pages.Content { return t.ocr.Needs() }

// OCR exposes the engine in use, which may differ from the configured one after fallback.
func (t *TextBackend) OCR() OCREngine { return t.ocr }

func (t *TextBackend) Classify(ctx context.Context, b pages.Batch, target TargetSpec) (RawResult, error) {
	var sb strings.Builder
	sb.WriteString(Instructions(target, b))
	sb.WriteString("\n\nThe page text follows.\n")
	for _, p := range b.Pages {
		text, err := t.ocr.Recognize(ctx, p)
		if err != nil {
			return RawResult{}, fmt.Errorf("ocr page %d: %w", p.Number, err)
		}
		text = truncateRunes(strings.TrimSpace(text), t.maxChars)
		if text == "" {
			text = "[no text]"
		}
		fmt.Fprintf(&sb, "\n%s\n%s\n", PageMarker(p.Number), text)
	}

	resp, err := t.chat.Complete(ctx, ChatRequest{
		Model:       t.model,
		System:      SystemPrompt(target),
		Parts:       []Part{{Text: sb.String()}},
		Temperature: target.Temperature,
		MaxTokens:   target.MaxTokens,
		JSON:        true,
	})
	if err != nil {
		return RawResult{}, fmt.Errorf("classify pages %d-%d: %w", b.Start, b.End(), err)
	}
	return RawResult{
		Payload:   []byte(resp.Text),
		Backend:   t.Name(),
		Model:     firstNonEmpty(resp.Model, t.model),
		TokensIn:  resp.TokensIn,
		TokensOut: resp.TokensOut,
	}, nil
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
