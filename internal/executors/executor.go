// Package executors implements one StepExecutor per chain step type.
package executors

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/chainflow/pkg/schema"
)

// ControlKind tells the sequence runner where to go after a step.
type ControlKind int

const (
	ControlNone  ControlKind = iota // advance to the next step
	ControlJump                     // continue at the step whose ID is Target
	ControlStop                     // end the run (or the loop body and the run) as completed
	ControlBreak                    // end the innermost loop; top level treats it as none
)

func (k ControlKind) String() string {
	switch k {
	case ControlJump:
		return "jump"
	case ControlStop:
		return "stop"
	case ControlBreak:
		return "break"
	default:
		return "none"
	}
}

// Control is the out-of-band control signal returned alongside a step output.
type Control struct {
	Kind   ControlKind
	Target string
}

// JumpTo returns a jump control, or no control when target is empty.
func JumpTo(target string) Control {
	if target == "" {
		return Control{}
	}
	return Control{Kind: ControlJump, Target: target}
}

// StepExecutor runs one step kind. Returning an error makes the attempt fail;
// the engine decides about retries and failure policy.
type StepExecutor interface {
	Execute(ctx context.Context, req *Request) (*Outcome, error)
}

// Request is everything an executor may see or touch for one attempt.
type Request struct {
	Step  *schema.ChainStep
	Index int                // position of Step within Steps
	Steps []schema.ChainStep // the sequence Step belongs to (chain or loop body)
	Run   *schema.ExecutionContext
	Body  BodyRunner // runs nested loop bodies; nil outside the engine
}

// Vars is the run's variable bag. Executors may read and write it.
func (r *Request) Vars() map[string]any {
	if r.Run.Variables == nil {
		r.Run.Variables = map[string]any{}
	}
	return r.Run.Variables
}

// Outcome is a successful attempt's result.
type Outcome struct {
	Input   any
	Output  any
	Control Control
}

// BodyRunner executes a nested step sequence against the current run.
type BodyRunner interface {
	RunBody(ctx context.Context, steps []schema.ChainStep) (*BodyResult, error)
}

// BodyResult summarizes one pass over a loop body. Control is ControlStop or
// ControlBreak when a body step asked to leave the loop, none otherwise.
type BodyResult struct {
	Output  any
	Control Control
}

// Registry maps step types to executors. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.StepType]StepExecutor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[schema.StepType]StepExecutor)}
}

// Register binds an executor to a step type, replacing any previous binding.
func (r *Registry) Register(t schema.StepType, ex StepExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[t] = ex
}

// Get returns the executor for a step type.
func (r *Registry) Get(t schema.StepType) (StepExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[t]
	return ex, ok
}

// Types lists the registered step types in sorted order.
func (r *Registry) Types() []schema.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.StepType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
