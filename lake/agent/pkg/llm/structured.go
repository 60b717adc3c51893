package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/jonboulle/clockwork"
)

// ErrMalformedResponse is returned when a structured call's output cannot be
// decoded into the expected shape. It is fatal for the calling run.
var ErrMalformedResponse = errors.New("malformed structured response")

// Structured issues LLM calls whose responses are JSON objects decoded into
// typed results.
type Structured struct {
	LLM    Completer
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Response is a decoded structured response and the wall time it took.
type Response[T any] struct {
	Result  T
	Raw     string
	Elapsed time.Duration
}

// NewStructured returns a Structured caller using the real clock.
func NewStructured(llm Completer, log *slog.Logger) *Structured {
	return &Structured{LLM: llm, Clock: clockwork.NewRealClock(), Logger: log}
}

// Call sends system and user prompts and decodes the JSON object in the
// reply into T. The object is validated against the schema inferred from T
// before decoding; fields tagged omitempty are optional.
func Call[T any](ctx context.Context, s *Structured, system, user string, opts ...CompleteOption) (Response[T], error) {
	var resp Response[T]

	clock := s.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	start := clock.Now()
	raw, err := s.LLM.Complete(ctx, system, user, opts...)
	resp.Elapsed = clock.Since(start)
	resp.Raw = raw
	if err != nil {
		return resp, fmt.Errorf("LLM completion failed: %w", err)
	}

	result, err := Decode[T](raw)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("llm: malformed structured response", "error", err, "response", truncateForLog(raw))
		}
		return resp, err
	}
	resp.Result = result
	return resp, nil
}

// Decode extracts and validates the JSON object in raw and decodes it into T.
func Decode[T any](raw string) (T, error) {
	var out T

	jsonStr := extractJSON(raw)
	if jsonStr == "" {
		return out, fmt.Errorf("%w: no JSON object in response", ErrMalformedResponse)
	}

	var instance any
	if err := json.Unmarshal([]byte(jsonStr), &instance); err != nil {
		return out, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	resolved, err := schemaFor[T]()
	if err != nil {
		return out, err
	}
	if err := resolved.Validate(instance); err != nil {
		return out, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if err := json.Unmarshal([]byte(jsonStr), &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return out, nil
}

var schemaCache sync.Map // reflect.Type -> *jsonschema.Resolved

func schemaFor[T any]() (*jsonschema.Resolved, error) {
	typ := reflect.TypeFor[T]()
	if cached, ok := schemaCache.Load(typ); ok {
		return cached.(*jsonschema.Resolved), nil
	}

	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("failed to infer schema for %s: %w", typ, err)
	}
	allowExtraProperties(schema)

	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve schema for %s: %w", typ, err)
	}
	schemaCache.Store(typ, resolved)
	return resolved, nil
}

// allowExtraProperties relaxes inferred object schemas so that models adding
// unrequested keys are not rejected.
func allowExtraProperties(s *jsonschema.Schema) {
	if s == nil {
		return
	}
	if len(s.Properties) > 0 {
		s.AdditionalProperties = nil
	}
	for _, p := range s.Properties {
		allowExtraProperties(p)
	}
	allowExtraProperties(s.Items)
}

// extractJSON finds and extracts JSON from a response that might contain markdown.
func extractJSON(response string) string {
	response = strings.TrimSpace(response)

	if start := strings.Index(response, "```json"); start != -1 {
		start += len("```json")
		if end := strings.Index(response[start:], "```"); end != -1 {
			return strings.TrimSpace(response[start : start+end])
		}
	}

	if start := strings.Index(response, "```"); start != -1 {
		start += 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			content := strings.TrimSpace(response[start : start+end])
			if strings.HasPrefix(content, "{") {
				return content
			}
		}
	}

	if start := strings.Index(response, "{"); start != -1 {
		return extractJSONObject(response, start)
	}

	return ""
}

// extractJSONObject extracts a complete JSON object starting at start,
// honoring braces inside string values.
func extractJSONObject(s string, start int) string {
	if start >= len(s) || s[start] != '{' {
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}

	return ""
}

func truncateForLog(s string) string {
	if len(s) <= 200 {
		return s
	}
	return s[:200] + "..."
}
