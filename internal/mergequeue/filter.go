package mergequeue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/merganser/merganser/internal/cfg"
)

// IgnoreFilter drops inbound webhook events whose JSON payload matches a jq
// filter query.
// Queries must evaluate to exactly one boolean, true means the event is
// ignored.
type IgnoreFilter struct {
	name  string
	query *gojq.Query
}

func NewIgnoreFilter(name, jqQuery string) (*IgnoreFilter, error) {
	query, err := gojq.Parse(jqQuery)
	if err != nil {
		return nil, err
	}

	return &IgnoreFilter{
		name:  name,
		query: query,
	}, nil
}

// IgnoreFiltersFromCfg instantiates the ignore filters of the configuration.
func IgnoreFiltersFromCfg(config *cfg.Config) ([]*IgnoreFilter, error) {
	result := make([]*IgnoreFilter, 0, len(config.EventFilters))

	for _, filterCfg := range config.EventFilters {
		if filterCfg.Name == "" {
			return nil, fmt.Errorf("event_filter: missing field: 'name'")
		}

		filter, err := NewIgnoreFilter(filterCfg.Name, filterCfg.FilterQuery)
		if err != nil {
			return nil, fmt.Errorf("event_filter %s: parsing filter_query failed: %w", filterCfg.Name, err)
		}

		result = append(result, filter)
	}

	return result, nil
}

func (f *IgnoreFilter) Name() string {
	return f.name
}

// Matches evaluates the filter query for the event payload.
func (f *IgnoreFilter) Matches(ctx context.Context, eventJSON []byte) (bool, error) {
	var payload any

	if err := json.Unmarshal(eventJSON, &payload); err != nil {
		return false, fmt.Errorf("unmarshaling json failed: %w", err)
	}

	result, errs := jqIterToSlice(f.query.RunWithContext(ctx, payload))
	if len(errs) != 0 {
		return false, fmt.Errorf("json query returned errors, query: %q, errors: %s", f.query.String(), errString(errs))
	}

	if len(result) != 1 {
		return false, fmt.Errorf("json query returned %d results, expected 1, query: %q", len(result), f.query.String())
	}

	boolResult, ok := result[0].(bool)
	if !ok {
		return false, fmt.Errorf(
			"json query returned non-bool result: %+v (%T), query: %q",
			result[0], result[0], f.query.String(),
		)
	}

	return boolResult, nil
}

func jqIterToSlice(iter gojq.Iter) ([]any, []error) {
	var result []any
	var errors []error

	for {
		res, ok := iter.Next()
		if !ok {
			return result, errors
		}

		if err, isErr := res.(error); isErr {
			errors = append(errors, err)
			continue
		}

		result = append(result, res)
	}
}

func errString(errs []error) string {
	var result strings.Builder

	for i, err := range errs {
		if i > 0 {
			result.WriteString("; ")
		}

		result.WriteString(fmt.Sprintf("error %d: %s", i, err))
	}

	return result.String()
}
