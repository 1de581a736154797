// Package llm provides structured JSON completions for classification and
// rule extraction. Providers return raw JSON text; callers validate it
// against a schema before trusting a single byte of it.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/darwin-engine/darwin/internal/observability"
)

// ErrSchemaInvalid marks a completion that parsed but failed validation, or
// did not parse at all. Workers treat it differently from transport errors:
// one retry, then dead-letter.
var ErrSchemaInvalid = errors.New("completion failed schema validation")

// Client produces a single JSON object completion.
type Client interface {
	CompleteJSON(ctx context.Context, system, prompt string) (string, error)
}

// Options selects and configures a provider.
type Options struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// New builds the configured provider wrapped with a circuit breaker.
func New(opts Options, logger observability.Logger) (Client, error) {
	var c Client
	switch opts.Provider {
	case "openai":
		c = NewOpenAIClient(opts.BaseURL, opts.APIKey, opts.Model)
	case "gemini":
		gc, err := NewGeminiClient(opts.APIKey, opts.Model)
		if err != nil {
			return nil, err
		}
		c = gc
	default:
		return nil, fmt.Errorf("unknown llm provider %q", opts.Provider)
	}
	return WithBreaker(c, "llm", logger), nil
}

// DecodeValidated checks data against schemaJSON and unmarshals it into v.
// Any shape problem is reported as ErrSchemaInvalid.
func DecodeValidated(schemaJSON string, data []byte, v interface{}) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaJSON),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return fmt.Errorf("%w: %s", ErrSchemaInvalid, strings.Join(details, "; "))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	return nil
}

// ExtractJSONObject trims a completion down to the outermost JSON object.
// Models occasionally wrap JSON in prose or markdown fences even when asked
// not to.
func ExtractJSONObject(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start == -1 || end < start {
		return "", fmt.Errorf("%w: no JSON object in completion", ErrSchemaInvalid)
	}
	return text[start : end+1], nil
}
