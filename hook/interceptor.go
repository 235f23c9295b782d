package hook

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hoistsec/hoist/audit"
	"github.com/hoistsec/hoist/telemetry"
	"github.com/hoistsec/hoist/token"
	"github.com/hoistsec/hoist/types"
)

// Decision is the interceptor's verdict on one command.
type Decision string

const (
	DecisionAllow            Decision = "allow"
	DecisionDeny             Decision = "deny"
	DecisionRequireElevation Decision = "require_elevation"
)

// Outcome tells the calling hook what to do with the command.
type Outcome struct {
	Decision       Decision              `json:"decision"`
	Reason         string                `json:"reason,omitempty"`
	RequiredScopes []string              `json:"required_scopes,omitempty"`
	Token          *types.ElevationToken `json:"-"`
}

// Interception describes one command arriving through a hook.
type Interception struct {
	HookType string
	Command  string
	Args     []string
	Actor    types.Actor
	Call     types.CallContext
}

// TokenValidator validates an elevation token blob against a hook
// type and required scopes.
type TokenValidator interface {
	Validate(ctx context.Context, blob, hookType string, scopes ...string) (*types.ElevationToken, error)
}

// Interceptor classifies intercepted commands and gates the sensitive
// ones on a valid elevation token. Unknown hook types are denied
// outright; classification failures fail closed.
type Interceptor struct {
	classifiers map[string]Classifier
	rules       *RuleEngine
	tokens      TokenValidator
	recorder    *audit.Recorder
	logger      *telemetry.Logger
	tracer      trace.Tracer
}

// NewInterceptor wires classifiers and the optional rule engine to a
// token validator. A nil rules engine disables Rego evaluation.
func NewInterceptor(classifiers []Classifier, rules *RuleEngine, tokens TokenValidator, recorder *audit.Recorder) *Interceptor {
	byType := make(map[string]Classifier, len(classifiers))
	for _, c := range classifiers {
		byType[c.HookType()] = c
	}
	return &Interceptor{
		classifiers: byType,
		rules:       rules,
		tokens:      tokens,
		recorder:    recorder,
		logger:      telemetry.NewLogger("interceptor"),
		tracer:      otel.Tracer("interceptor"),
	}
}

// Intercept decides whether one command may proceed.
func (i *Interceptor) Intercept(ctx context.Context, in Interception) (Outcome, error) {
	ctx, span := i.tracer.Start(ctx, "interceptor.intercept",
		trace.WithAttributes(
			attribute.String("hook.type", in.HookType),
			attribute.String("hook.command", in.Command)))
	defer span.End()

	classifier, ok := i.classifiers[in.HookType]
	if !ok {
		return Outcome{
			Decision: DecisionDeny,
			Reason:   fmt.Sprintf("unknown hook type %q", in.HookType),
		}, nil
	}

	class := classifier.Classify(in.Command, in.Args)

	if i.rules != nil && i.rules.RuleCount() > 0 {
		ruled, err := i.rules.Evaluate(ctx, RuleInput{
			Hook:    in.HookType,
			Command: in.Command,
			Args:    in.Args,
		})
		if err != nil {
			// Fail closed: a rule we cannot evaluate must not let
			// the command through unclassified.
			i.logger.WithContext(ctx).Error().
				Err(err).
				Str("hook_type", in.HookType).
				Str("command", in.Command).
				Msg("rule evaluation failed, denying")
			return Outcome{
				Decision: DecisionDeny,
				Reason:   "rule evaluation failed",
			}, nil
		}
		for _, s := range ruled.Scopes {
			class.Scopes = appendUnique(class.Scopes, s)
		}
		if ruled.Blocked {
			class.Blocked = true
			if class.Reason == "" {
				class.Reason = ruled.Reason
			}
		}
	}

	if class.Blocked {
		reason := class.Reason
		if reason == "" {
			reason = "command is blocked"
		}
		return Outcome{Decision: DecisionDeny, Reason: reason}, nil
	}

	if len(class.Scopes) == 0 {
		return Outcome{Decision: DecisionAllow}, nil
	}

	if in.Call.TokenBlob == "" {
		return Outcome{
			Decision:       DecisionRequireElevation,
			Reason:         "command requires elevation",
			RequiredScopes: class.Scopes,
		}, nil
	}

	tok, err := i.tokens.Validate(ctx, in.Call.TokenBlob, in.HookType, class.Scopes...)
	if err != nil {
		i.logger.WithContext(ctx).Warn().
			Err(err).
			Str("hook_type", in.HookType).
			Str("command", in.Command).
			Str("user_id", in.Actor.UserID).
			Msg("presented token rejected")
		return Outcome{
			Decision:       DecisionRequireElevation,
			Reason:         rejectionReason(err),
			RequiredScopes: class.Scopes,
		}, nil
	}

	i.recordElevatedExec(in, tok, class.Scopes)

	return Outcome{Decision: DecisionAllow, Token: tok}, nil
}

// recordElevatedExec writes the audit trail entry for a command that
// ran under a valid elevation token.
func (i *Interceptor) recordElevatedExec(in Interception, tok *types.ElevationToken, scopes []string) {
	if i.recorder == nil {
		return
	}
	i.recorder.Record(types.AuditEvent{
		Type:      types.EventElevatedExec,
		Tenant:    in.Actor.TenantID,
		Market:    in.Actor.Market,
		Actor:     in.Actor.UserID,
		TokenID:   tok.ID,
		RequestID: tok.RequestID,
		Payload: map[string]any{
			"hook_type": in.HookType,
			"command":   in.Command,
			"args":      in.Args,
			"scopes":    scopes,
		},
	})
}

// rejectionReason maps token validation errors onto stable reason
// strings for callers; token internals stay out of hook responses.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, token.ErrExpired):
		return "elevation token expired"
	case errors.Is(err, token.ErrRevoked):
		return "elevation token revoked"
	case errors.Is(err, token.ErrScopeMismatch):
		return "elevation token does not cover the required scopes"
	default:
		return "elevation token invalid"
	}
}
