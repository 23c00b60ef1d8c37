package inference

import (
	"context"
	"fmt"
	"strings"

	"github.com/orneryd/yggdrasil/pkg/cycles"
)

// ValidationResult is the structured outcome of Validate. Problems are
// collected, never thrown: registry defects and graph-level cycles both
// land in Errors, and the first cycles found are echoed into Warnings
// for operator diagnosis.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// maxReportedCyclesPerType bounds how many cycles of one transitive type
// are enumerated during validation.
const maxReportedCyclesPerType = 10

// Validate checks the registry hierarchy and then, for every transitive
// edge type, enumerates cycles in the data graph up to the configured
// depth. Cycles in the data graph are graph-level errors (a transitive
// closure over them never terminates meaningfully), not registry errors.
func (e *Engine) Validate(ctx context.Context) (*ValidationResult, error) {
	result := &ValidationResult{Valid: true}

	report := e.registry.ValidateHierarchy()
	if !report.Valid {
		result.Valid = false
		result.Errors = append(result.Errors, report.Errors...)
	}

	detector := cycles.New(e.store)
	for _, transitiveType := range e.registry.TransitiveTypes() {
		found, err := detector.Detect(ctx, cycles.Options{
			MaxDepth:  e.config.ValidationCycleDepth,
			MaxCycles: maxReportedCyclesPerType,
			EdgeTypes: []string{transitiveType},
		})
		if err != nil {
			return nil, &QueryError{Op: "validation cycle scan", Err: err}
		}

		for i, cycle := range found.Cycles {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"circular %s dependency: %s", transitiveType,
				strings.Join(cycle.Identifiers, " -> ")))
			if i == 0 {
				result.Warnings = append(result.Warnings, fmt.Sprintf(
					"first %s cycle has depth %d and weight %.0f",
					transitiveType, cycle.Depth, cycle.Weight))
			}
		}
		if found.Truncated {
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"%s cycle enumeration truncated after %d cycles",
				transitiveType, len(found.Cycles)))
		}
	}

	return result, nil
}
