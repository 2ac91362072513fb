package classifier

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/local/pagesift/internal/errs"
	"github.com/local/pagesift/internal/limiter"
)

// Backend names accepted by New.
const (
	BackendOpenAIVision    = "openai-vision"
	BackendAnthropicVision = "anthropic-vision"
	BackendOpenAIText      = "openai-text"
	BackendAnthropicText   = "anthropic-text"
	BackendKeyword         = "keyword"
)

// OCR engine names.
const (
	OCRFitz      = "fitz"
	OCRTesseract = "tesseract"
	OCRMistral   = "mistral"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	OCR     string

	OpenAIKey        string
	OpenAIBaseURL    string
	OpenAIModel      string
	AnthropicKey     string
	AnthropicBaseURL string
	AnthropicModel   string
	MistralKey       string
	MistralBaseURL   string
	MistralModel     string

	TesseractBin  string
	TesseractLang string
	MaxTextChars  int

	// HasTextLayer is the result of probing the input. The fitz engine falls
	// back to Tesseract when it is false.
	HasTextLayer bool

	// Fallback names a second backend tried when the first is unavailable.
	Fallback string
	// Breaker and Inflight are shared across runs; nil disables them.
	Breaker  *limiter.Breaker
	Inflight *limiter.Inflight

	HTTPClient *http.Client
	Runner     Runner
}

// Names lists the backends New understands.
func Names() []string {
	return []string{BackendOpenAIVision, BackendAnthropicVision, BackendOpenAIText, BackendAnthropicText, BackendKeyword}
}

// New builds the configured backend, wrapped with failover and the inflight
// limit when those are configured.
func New(o Options) (Backend, error) {
	primary, err := build(o, o.Backend)
	if err != nil {
		return nil, err
	}
	primary = Limit(primary, o.Inflight)
	if o.Fallback == "" {
		return primary, nil
	}
	if o.Fallback == o.Backend {
		return nil, errs.Config("BACKEND_FALLBACK", "fallback %q is the primary backend", o.Fallback)
	}
	secondary, err := build(o, o.Fallback)
	if err != nil {
		return nil, err
	}
	br := o.Breaker
	if br == nil {
		br = limiter.NewBreaker(0, 0)
	}
	return NewFailover(primary, modelFor(o, o.Backend), Limit(secondary, o.Inflight), modelFor(o, o.Fallback), br), nil
}

func modelFor(o Options, name string) string {
	switch name {
	case BackendOpenAIVision, BackendOpenAIText:
		return o.OpenAIModel
	case BackendAnthropicVision, BackendAnthropicText:
		return o.AnthropicModel
	}
	return "local"
}

func build(o Options, name string) (Backend, error) {
	switch name {
	case BackendOpenAIVision:
		if o.OpenAIKey == "" {
			return nil, errs.Config("OPENAI_API_KEY", "required for backend %s", name)
		}
		return NewVision(NewOpenAIClient(o.OpenAIKey, o.OpenAIBaseURL, o.HTTPClient), o.OpenAIModel), nil

	case BackendAnthropicVision:
		if o.AnthropicKey == "" {
			return nil, errs.Config("ANTHROPIC_API_KEY", "required for backend %s", name)
		}
		return NewVision(NewAnthropicClient(o.AnthropicKey, o.AnthropicBaseURL, o.HTTPClient), o.AnthropicModel), nil

	case BackendOpenAIText, BackendAnthropicText:
		ocr, err := NewOCR(o)
		if err != nil {
			return nil, err
		}
		if name == BackendOpenAIText {
			if o.OpenAIKey == "" {
				return nil, errs.Config("OPENAI_API_KEY", "required for backend %s", name)
			}
			return NewText(NewOpenAIClient(o.OpenAIKey, o.OpenAIBaseURL, o.HTTPClient), o.OpenAIModel, ocr, o.MaxTextChars), nil
		}
		if o.AnthropicKey == "" {
			return nil, errs.Config("ANTHROPIC_API_KEY", "required for backend %s", name)
		}
		return NewText(NewAnthropicClient(o.AnthropicKey, o.AnthropicBaseURL, o.HTTPClient), o.AnthropicModel, ocr, o.MaxTextChars), nil

	case BackendKeyword:
		return NewKeyword(), nil

	case "":
		return nil, errs.Config("BACKEND", "not set")
	default:
		return nil, errs.Config("BACKEND", "unknown backend %q", name)
	}
}

// NewOCR builds the OCR engine named by o.OCR.
func NewOCR(o Options) (OCREngine, error) {
	switch o.OCR {
	case OCRFitz, "":
		if !o.HasTextLayer {
			log.Warn().Str("ocr", OCRFitz).Msg("document has no usable text layer, falling back to tesseract")
			return NewTesseract(o.TesseractBin, o.TesseractLang, o.Runner), nil
		}
		return TextLayer{}, nil
	case OCRTesseract:
		return NewTesseract(o.TesseractBin, o.TesseractLang, o.Runner), nil
	case OCRMistral:
		if o.MistralKey == "" {
			return nil, errs.Config("MISTRAL_API_KEY", "required for OCR engine %s", o.OCR)
		}
		return NewMistralOCR(o.MistralKey, o.MistralBaseURL, o.MistralModel, o.HTTPClient), nil
	default:
		return nil, errs.Config("OCR_ENGINE", "unknown OCR engine %q", o.OCR)
	}
}
