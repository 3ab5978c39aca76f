package backend

import (
	"encoding/json"

	"github.com/itchyny/gojq"

	"github.com/lienzo/pulse/pkg/schema"
)

// DefaultResultQuery extracts the display value from the common shapes
// backends use for a run's final result, falling back to the raw value.
const DefaultResultQuery = `.text // .answer // .output // .`

// ResultExtractor pulls the user-facing result out of a complete event's
// arbitrarily shaped payload using a jq query. Safe for concurrent use:
// the query is compiled once at construction.
type ResultExtractor struct {
	query string
	code  *gojq.Code
}

// NewResultExtractor compiles the given jq query. An empty query selects
// DefaultResultQuery.
func NewResultExtractor(query string) (*ResultExtractor, error) {
	if query == "" {
		query = DefaultResultQuery
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse result query %q: %s", query, err.Error()).WithCause(err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile result query %q: %s", query, err.Error()).WithCause(err)
	}
	return &ResultExtractor{query: query, code: code}, nil
}

// Extract runs the query against the result value and returns the first
// output. A nil input yields nil without running the query.
func (e *ResultExtractor) Extract(result any) (any, error) {
	if result == nil {
		return nil, nil
	}

	normalized, err := normalize(result)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDecode, "normalize result: %s", err.Error()).WithCause(err)
	}

	iter := e.code.Run(normalized)
	val, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if qerr, isErr := val.(error); isErr {
		return nil, schema.NewErrorf(schema.ErrCodeDecode,
			"result query %q failed: %s", e.query, qerr.Error()).WithCause(qerr)
	}
	return val, nil
}

// normalize round-trips the value through JSON so gojq sees only the types
// it accepts (map[string]any, []any, scalars).
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
