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

const openAIBaseURL = "https://api.openai.com/v1"

type OpenAIClient struct {
	http    *http.Client
	apiKey  string
	baseURL string
}

// NewOpenAIClient builds a client. An empty baseURL selects the public API.
func NewOpenAIClient(apiKey, baseURL string, hc *http.Client) *OpenAIClient {
	if baseURL == "" {
		baseURL = openAIBaseURL
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &OpenAIClient{http: hc, apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/")}
}

func (c *OpenAIClient) Name() string { return "openai" }

type openAIMessage struct {
	Role    string           `json:"role"`
	Content []map[string]any `json:"content"`
}

type openAIChatReq struct {
	Model          string            `json:"model"`
	Messages       []openAIMessage   `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type openAIChatResp struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *OpenAIClient) Complete(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if c.apiKey == "" {
		return ChatResponse{}, errs.Config("OPENAI_API_KEY", "not set")
	}

	var messages []openAIMessage
	if req.System != "" {
		messages = append(messages, openAIMessage{
			Role:    "system",
			Content: []map[string]any{{"type": "text", "text": req.System}},
		})
	}

	var userContent []map[string]any
	for _, p := range req.Parts {
		if len(p.Image) > 0 {
			img := map[string]any{
				"url": fmt.Sprintf("data:%s;base64,%s", p.MIME, base64.StdEncoding.EncodeToString(p.Image)),
			}
			if p.Detail != "" {
				img["detail"] = p.Detail
			}
			userContent = append(userContent, map[string]any{"type": "image_url", "image_url": img})
			continue
		}
		userContent = append(userContent, map[string]any{"type": "text", "text": p.Text})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: userContent})

	payload := openAIChatReq{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSON {
		payload.ResponseFormat = map[string]string{"type": "json_object"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("marshal openai request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return ChatResponse{}, transportError(ctx, c.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ChatResponse{}, statusError(c.Name(), resp)
	}

	var r openAIChatResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return ChatResponse{}, errs.Unavailable(c.Name(), fmt.Errorf("decode response: %w", err))
	}
	if len(r.Choices) == 0 {
		return ChatResponse{}, errors.New("openai: no choices")
	}

	return ChatResponse{
		Text:      r.Choices[0].Message.Content,
		Model:     r.Model,
		TokensIn:  r.Usage.PromptTokens,
		TokensOut: r.Usage.CompletionTokens,
	}, nil
}
