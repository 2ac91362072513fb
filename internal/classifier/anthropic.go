package classifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/local/pagesift/internal/errs"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

type AnthropicClient struct {
	http    *http.Client
	apiKey  string
	baseURL string
}

func NewAnthropicClient(apiKey, baseURL string, hc *http.Client) *AnthropicClient {
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &AnthropicClient{http: hc, apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/")}
}

func (c *AnthropicClient) Name() string { return "anthropic" }

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []map[string]any `json:"content"`
}

type anthropicMsgReq struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMsgResp struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *AnthropicClient) Complete(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if c.apiKey == "" {
		return ChatResponse{}, errs.Config("ANTHROPIC_API_KEY", "not set")
	}

	var content []map[string]any
	for _, p := range req.Parts {
		if len(p.Image) > 0 {
			content = append(content, map[string]any{
				"type": "image",
				"source": map[string]string{
					"type":       "base64",
					"media_type": p.MIME,
					"data":       base64.StdEncoding.EncodeToString(p.Image),
				},
			})
			continue
		}
		content = append(content, map[string]any{"type": "text", "text": p.Text})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	payload := anthropicMsgReq{
		Model:       req.Model,
		System:      req.System,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Messages:    []anthropicMessage{{Role: "user", Content: content}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("marshal anthropic request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, err
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return ChatResponse{}, transportError(ctx, c.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ChatResponse{}, statusError(c.Name(), resp)
	}

	var r anthropicMsgResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return ChatResponse{}, errs.Unavailable(c.Name(), fmt.Errorf("decode response: %w", err))
	}

	var sb strings.Builder
	for _, blk := range r.Content {
		if blk.Type == "text" || blk.Type == "" {
			sb.WriteString(blk.Text)
		}
	}
	if sb.Len() == 0 {
		return ChatResponse{}, errors.New("anthropic: no content")
	}
	return ChatResponse{
		Text:      sb.String(),
		Model:     r.Model,
		TokensIn:  r.Usage.InputTokens,
		TokensOut: r.Usage.OutputTokens,
	}, nil
}
