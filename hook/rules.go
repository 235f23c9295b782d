package hook

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hoistsec/hoist/telemetry"
)

// RuleInput is the document handed to Rego rules for one intercepted
// command.
type RuleInput struct {
	Hook    string   `json:"hook"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// RuleEngine evaluates deployment-provided Rego rules on top of the
// built-in classifiers. Rules add scopes or block commands the static
// tables do not know about.
type RuleEngine struct {
	logger  *telemetry.Logger
	tracer  trace.Tracer
	queries map[string]rego.PreparedEvalQuery
}

// NewRuleEngine creates an empty rule engine.
func NewRuleEngine() *RuleEngine {
	return &RuleEngine{
		logger:  telemetry.NewLogger("hook-rules"),
		tracer:  otel.Tracer("hook-rules"),
		queries: make(map[string]rego.PreparedEvalQuery),
	}
}

// LoadRule compiles a Rego module and registers it for evaluation.
// Rules live under the hoist namespace and may set three documents:
// scopes (set of strings), blocked (bool), and reason (string).
func (re *RuleEngine) LoadRule(ctx context.Context, name string, regoCode string) error {
	ctx, span := re.tracer.Start(ctx, "rule_engine.load_rule",
		trace.WithAttributes(attribute.String("rule.name", name)))
	defer span.End()

	query := rego.New(
		rego.Query("data.hoist"),
		rego.Module(name, regoCode),
	)

	prepared, err := query.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to compile rule %s: %w", name, err)
	}

	re.queries[name] = prepared

	re.logger.WithContext(ctx).Info().
		Str("rule_name", name).
		Msg("rule loaded")

	return nil
}

// RuleCount returns the number of loaded rules.
func (re *RuleEngine) RuleCount() int {
	return len(re.queries)
}

// Evaluate runs all loaded rules against the input and merges their
// results into one classification. A single rule can block the
// command; scope additions accumulate across rules.
func (re *RuleEngine) Evaluate(ctx context.Context, input RuleInput) (Classification, error) {
	ctx, span := re.tracer.Start(ctx, "rule_engine.evaluate",
		trace.WithAttributes(
			attribute.String("hook.type", input.Hook),
			attribute.String("hook.command", input.Command)))
	defer span.End()

	var merged Classification
	for name, query := range re.queries {
		results, err := query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return Classification{}, fmt.Errorf("rule %s evaluation failed: %w", name, err)
		}
		re.mergeResults(results, &merged)
	}

	if merged.Blocked {
		re.logger.WithContext(ctx).Warn().
			Str("hook_type", input.Hook).
			Str("command", input.Command).
			Str("reason", merged.Reason).
			Msg("command blocked by rule")
	}

	return merged, nil
}

// mergeResults folds one rule's result set into the merged
// classification. Rego values come back as generic JSON shapes, so we
// pick out the three known keys and ignore the rest.
func (re *RuleEngine) mergeResults(results rego.ResultSet, merged *Classification) {
	for _, res := range results {
		for _, expr := range res.Expressions {
			doc, ok := expr.Value.(map[string]interface{})
			if !ok {
				continue
			}
			if scopes, ok := doc["scopes"].([]interface{}); ok {
				for _, s := range scopes {
					if scope, ok := s.(string); ok {
						merged.Scopes = appendUnique(merged.Scopes, scope)
					}
				}
			}
			if blocked, ok := doc["blocked"].(bool); ok && blocked {
				merged.Blocked = true
			}
			if reason, ok := doc["reason"].(string); ok && reason != "" {
				merged.Reason = reason
			}
		}
	}
}
