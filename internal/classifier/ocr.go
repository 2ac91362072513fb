package classifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pagesift/internal/errs"
	"github.com/local/pagesift/internal/pages"
)

// OCREngine turns one page into text.
type OCREngine interface {
	Name() string
	Needs() pages.Content
	Recognize(ctx context.Context, p pages.Page) (string, error)
}

// TextLayer reads the PDF's own text layer, already extracted by the page source.
type TextLayer struct{}

func (TextLayer) Name() string         { return "fitz" }
func (TextLayer) Needs() pages.Content { return pages.ContentText }

func (TextLayer) Recognize(_ context.Context, p pages.Page) (string, error) {
	return p.Text, nil
}

// Runner lets tests stub external commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("cmd", name).Str("args", strings.Join(args, " ")).
			Int64("duration_ms", dur.Milliseconds()).Str("stderr", truncateRunes(errb.String(), 8<<10)).Msg("exec failed")
	} else {
		log.Debug().Str("cmd", name).Int64("duration_ms", dur.Milliseconds()).Int("stdout_bytes", out.Len()).Msg("exec ok")
	}
	return out.Bytes(), errb.Bytes(), err
}

var reBoxNoise = regexp.MustCompile(`[|¦]{2,}`)

// Tesseract shells out to the tesseract CLI for each rendered page.
type Tesseract struct {
	Bin    string
	Lang   string
	runner Runner
}

func NewTesseract(bin, lang string, r Runner) *Tesseract {
	if bin == "" {
		bin = "tesseract"
	}
	if lang == "" {
		lang = "eng"
	}
	if r == nil {
		r = execRunner{}
	}
	return &Tesseract{Bin: bin, Lang: lang, runner: r}
}

func (t *Tesseract) Name() string         { return "tesseract" }
func (t *Tesseract) Needs() pages.Content { return pages.ContentImage }

func (t *Tesseract) Recognize(ctx context.Context, p pages.Page) (string, error) {
	if len(p.Image) == 0 {
		return "", fmt.Errorf("page %d has no rendered image", p.Number)
	}
	f, err := os.CreateTemp("", "pagesift-ocr-*.jpg")
	if err != nil {
		return "", err
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(p.Image); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	// tesseract <file> stdout -l <lang>
	out, _, err := t.runner.Run(ctx, t.Bin, f.Name(), "stdout", "-l", t.Lang)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("tesseract: %w", err)
	}
	return reBoxNoise.ReplaceAllString(string(out), ""), nil
}

const (
	mistralBaseURL = "https://api.mistral.ai/v1"
	mistralModel   = "mistral-ocr-latest"
)

// MistralOCR calls the Mistral OCR API once per page image.
type MistralOCR struct {
	http    *http.Client
	apiKey  string
	baseURL string
	model   string
}

func NewMistralOCR(apiKey, baseURL, model string, hc *http.Client) *MistralOCR {
	if baseURL == "" {
		baseURL = mistralBaseURL
	}
	if model == "" {
		model = mistralModel
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &MistralOCR{http: hc, apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/"), model: model}
}

func (m *MistralOCR) Name() string         { return "mistral" }
func (m *MistralOCR) Needs() pages.Content { return pages.ContentImage }

type mistralOCRRequest struct {
	Model    string `json:"model"`
	Document struct {
		Type     string `json:"type"`
		ImageURL string `json:"image_url"`
	} `json:"document"`
}

type mistralOCRResponse struct {
	Pages []struct {
		Index    int    `json:"index"`
		Markdown string `json:"markdown"`
	} `json:"pages"`
}

func (m *MistralOCR) Recognize(ctx context.Context, p pages.Page) (string, error) {
	if m.apiKey == "" {
		return "", errs.Config("MISTRAL_API_KEY", "not set")
	}
	if len(p.Image) == 0 {
		return "", fmt.Errorf("page %d has no rendered image", p.Number)
	}
	mime := p.ImageMIME
	if mime == "" {
		mime = "image/jpeg"
	}
	var req mistralOCRRequest
	req.Model = m.model
	req.Document.Type = "image_url"
	req.Document.ImageURL = "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(p.Image)

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal mistral request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/ocr", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)

	httpResp, err := m.http.Do(httpReq)
	if err != nil {
		return "", transportError(ctx, m.Name(), err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return "", statusError(m.Name(), httpResp)
	}

	var resp mistralOCRResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", errs.Unavailable(m.Name(), fmt.Errorf("decode response: %w", err))
	}
	if len(resp.Pages) == 0 {
		return "", errs.Unavailable(m.Name(), fmt.Errorf("no pages in OCR response"))
	}
	return resp.Pages[0].Markdown, nil
}
