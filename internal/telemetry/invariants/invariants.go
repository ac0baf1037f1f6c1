package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantSessionSingleBind requires at most one live session per project path.
	InvariantSessionSingleBind = "session_single_bind"
	// InvariantHeadlessReuseOnly requires reused host instances to be headless.
	InvariantHeadlessReuseOnly = "headless_reuse_only"
	// InvariantStateTransitionLegal requires lifecycle transitions to follow deterministic state machines.
	InvariantStateTransitionLegal = "state_transition_legal"
	// InvariantFailFastRespected requires no required step to run after a required step failed.
	InvariantFailFastRespected = "fail_fast_respected"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var (
	enabled  atomic.Bool
	observer atomic.Pointer[Observer]
)

func init() {
	enabled.Store(true)
}

// Violation describes one broken invariant.
type Violation struct {
	// Rule states the invariant in words.
	Rule string
	// Where names the function that noticed.
	Where string
	// Why describes the offending state.
	Why string
	// Context adds searchable key/value pairs, emitted as context.<key>.
	Context map[string]string
}

// Observer is told about every emitted violation, after the span event.
type Observer func(name, severity string)

// SetEnabled turns every check on or off.
func SetEnabled(on bool) {
	enabled.Store(on)
}

// Enabled reports whether checks are on.
func Enabled() bool {
	return enabled.Load()
}

// SetObserver installs fn, replacing any earlier observer. Nil removes it.
func SetObserver(fn Observer) {
	if fn == nil {
		observer.Store(nil)
		return
	}
	observer.Store(&fn)
}

// Report records an invariant.violation event on the span in ctx, or on a
// short span of its own when ctx carries none.
func Report(ctx context.Context, name, severity string, v Violation) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", name),
		attribute.String("severity", severity),
		attribute.String("rule", strings.TrimSpace(v.Rule)),
		attribute.String("where_detected", strings.TrimSpace(v.Where)),
		attribute.String("why_violated", strings.TrimSpace(v.Why)),
	}
	keys := make([]string, 0, len(v.Context))
	for key := range v.Context {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if value := strings.TrimSpace(v.Context[key]); value != "" {
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
	} else {
		_, own := otel.Tracer("tcflow/invariants").Start(ctx, "invariant.violation")
		own.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		own.End()
	}

	if fn := observer.Load(); fn != nil {
		(*fn)(name, severity)
	}
}

// CheckSessionSingleBind validates the session_single_bind invariant.
func CheckSessionSingleBind(ctx context.Context, whereDetected string, projectPath string, alreadyBound bool) bool {
	if !alreadyBound {
		return true
	}
	Report(ctx, InvariantSessionSingleBind, SeverityError, Violation{
		Rule:  "at most one live session binds a project",
		Where: whereDetected,
		Why:   fmt.Sprintf("project %s already has a bound session", projectPath),
		Context: map[string]string{
			"project_path": projectPath,
		},
	})
	return false
}

// CheckHeadlessReuseOnly validates the headless_reuse_only invariant.
func CheckHeadlessReuseOnly(ctx context.Context, whereDetected string, displayName string, headless bool) bool {
	if headless {
		return true
	}
	Report(ctx, InvariantHeadlessReuseOnly, SeverityError, Violation{
		Rule:  "only headless host instances are reused",
		Where: whereDetected,
		Why:   fmt.Sprintf("instance %s is interactive", displayName),
		Context: map[string]string{
			"display_name": displayName,
		},
	})
	return false
}

// CheckFailFastRespected validates the fail_fast_respected invariant.
func CheckFailFastRespected(ctx context.Context, whereDetected string, workflow, step string, requiredFailed bool) bool {
	if !requiredFailed {
		return true
	}
	Report(ctx, InvariantFailFastRespected, SeverityError, Violation{
		Rule:  "no required step runs after a required step failed",
		Where: whereDetected,
		Why:   fmt.Sprintf("step %s of workflow %s ran after a required failure", step, workflow),
		Context: map[string]string{
			"workflow": workflow,
			"step":     step,
		},
	})
	return false
}

// CheckStateTransitionLegal validates the state_transition_legal invariant.
func CheckStateTransitionLegal(
	ctx context.Context,
	whereDetected string,
	entityType string,
	fromState string,
	toState string,
	legal bool,
) bool {
	if legal {
		return true
	}
	Report(ctx, InvariantStateTransitionLegal, SeverityError, Violation{
		Rule:  "state machine transition is legal",
		Where: whereDetected,
		Why:   fmt.Sprintf("illegal transition for entity=%s from=%s to=%s", entityType, fromState, toState),
		Context: map[string]string{
			"entity_type": strings.TrimSpace(entityType),
			"from_state":  strings.TrimSpace(fromState),
			"to_state":    strings.TrimSpace(toState),
		},
	})
	return false
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	case SeverityError:
		return SeverityError
	default:
		return SeverityError
	}
}
