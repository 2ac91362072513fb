package classifier

import (
	"context"
	"fmt"

	"github.com/local/pagesift/internal/pages"
)

// VisionBackend sends rendered page images to a multimodal chat model.
type VisionBackend struct {
	chat  ChatClient
	model string
}

func NewVision(chat ChatClient, model string) *VisionBackend {
	return &VisionBackend{chat: chat, model: model}
}

func (v *VisionBackend) Name() string { return v.chat.Name() + "-vision" }

func (v *VisionBackend) Needs() pages.Content { return pages.ContentImage }

func (v *VisionBackend) Classify(ctx context.Context, b pages.Batch, t TargetSpec) (RawResult, error) {
	parts := []Part{{Text: Instructions(t, b)}}
	for _, p := range b.Pages {
		parts = append(parts, Part{Text: PageMarker(p.Number)})
		if len(p.Image) == 0 {
			parts = append(parts, Part{Text: "(page image unavailable)"})
			continue
		}
		mime := p.ImageMIME
		if mime == "" {
			mime = "image/jpeg"
		}
		parts = append(parts, Part{Image: p.Image, MIME: mime, Detail: t.Detail})
	}

	resp, err := v.chat.Complete(ctx, ChatRequest{
		Model:       v.model,
		System:      SystemPrompt(t),
		Parts:       parts,
		Temperature: t.Temperature,
		MaxTokens:   t.MaxTokens,
		JSON:        true,
	})
	if err != nil {
		return RawResult{}, fmt.Errorf("classify pages %d-%d: %w", b.Start, b.End(), err)
	}
	return RawResult{
		Payload:   []byte(resp.Text),
		Backend:   v.Name(),
		Model:     firstNonEmpty(resp.Model, v.model),
		TokensIn:  resp.TokensIn,
		TokensOut: resp.TokensOut,
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
