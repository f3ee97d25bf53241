// Package saga orchestrates multi-step workflows with compensation.
// Every state change is an appended event; the control row is derived
// and rebuildable from the stream.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type resultKind int

const (
	resultContinue resultKind = iota
	resultRetry
	resultFail
)

// StepResult is a step's verdict on its own attempt. Steps never decide
// backoff or compensation themselves; they only report.
type StepResult struct {
	kind    resultKind
	context json.RawMessage
	reason  string
}

// Continue advances the saga. A non-nil newContext replaces the saga
// context for the remaining steps.
func Continue(newContext json.RawMessage) StepResult {
	return StepResult{kind: resultContinue, context: newContext}
}

// Retry asks the scheduler to re-run the step later with backoff.
func Retry(reason string) StepResult {
	return StepResult{kind: resultRetry, reason: reason}
}

// Fail aborts the saga and triggers compensation of completed steps.
func Fail(reason string) StepResult {
	return StepResult{kind: resultFail, reason: reason}
}

// Step is one unit of saga work. Run must be idempotent under its key:
// recovery may re-invoke it after a crash that lost the completion
// event. Compensate undoes the step's external effects; nil means the
// step has nothing to undo.
type Step struct {
	Name string

	// Integration optionally names the upstream data source this step
	// calls. When set, the health monitor gates execution: a DOWN or
	// rate-limited integration fails the step without an attempt.
	Integration func(sagaContext json.RawMessage) string

	Run        func(ctx context.Context, sagaContext json.RawMessage, idempotencyKey string) StepResult
	Compensate func(ctx context.Context, sagaContext json.RawMessage) error
}

// Definition declares a saga type as an ordered step list.
type Definition struct {
	Type  string
	Steps []Step

	// MaxStepAttempts bounds retries per step; 0 uses the orchestrator's
	// default policy.
	MaxStepAttempts int
}

// Validate rejects definitions the orchestrator cannot run.
func (d Definition) Validate() error {
	if d.Type == "" {
		return fmt.Errorf("saga definition has no type")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga %s has no steps", d.Type)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("saga %s: step %d has no name", d.Type, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("saga %s: duplicate step %q", d.Type, s.Name)
		}
		seen[s.Name] = true
		if s.Run == nil {
			return fmt.Errorf("saga %s: step %q has no run function", d.Type, s.Name)
		}
	}
	return nil
}

// Registry maps saga types to definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition, validating it first.
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Type]; ok {
		return fmt.Errorf("saga %s already registered", def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

// Get returns the definition for a saga type.
func (r *Registry) Get(sagaType string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[sagaType]
	if !ok {
		return Definition{}, fmt.Errorf("unknown saga type %q", sagaType)
	}
	return def, nil
}

// Types lists the registered saga types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	return out
}
