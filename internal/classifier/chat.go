package classifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/local/pagesift/internal/errs"
)

// Part is one element of a multimodal user message.
type Part struct {
	Text   string
	Image  []byte
	MIME   string
	Detail string
}

// ChatRequest is a provider-neutral single-turn completion request.
type ChatRequest struct {
	Model       string
	System      string
	Parts       []Part
	Temperature float64
	MaxTokens   int
	JSON        bool
}

type ChatResponse struct {
	Text      string
	Model     string
	TokensIn  int
	TokensOut int
}

// ChatClient is a chat-completion provider such as OpenAI or Anthropic.
type ChatClient interface {
	Name() string
	Complete(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// transportError maps an http.Client failure onto the error taxonomy.
func transportError(ctx context.Context, provider string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%s: %w", provider, ctx.Err())
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Timeout(provider, err)
	}
	return errs.Unavailable(provider, err)
}

// statusError maps a non-2xx response. Auth, quota and server errors are
// reported as unavailable; other client errors are returned as-is.
func statusError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	herr := &errs.HTTPError{StatusCode: resp.StatusCode, Body: string(body), Provider: provider}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode >= 500:
		return errs.Unavailable(provider, herr)
	default:
		return herr
	}
}
