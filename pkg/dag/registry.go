package dag

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Default task retry and timeout budgets.
const (
	DefaultMaxRetries  = 3
	DefaultTaskTimeout = 60 * time.Second
)

// Registry holds the task and workflow definitions built at startup.
type Registry struct {
	tasks     map[string]*TaskSpec
	workflows map[string]*WorkflowSpec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks:     make(map[string]*TaskSpec),
		workflows: make(map[string]*WorkflowSpec),
	}
}

// RegisterTask adds a task type, applying defaults for missing timeout and
// retry budget. Duplicate names panic: registration is a startup-time
// programming error.
func (r *Registry) RegisterTask(spec TaskSpec) {
	if spec.Name == "" {
		panic("dag: task spec without name")
	}
	if _, dup := r.tasks[spec.Name]; dup {
		panic(fmt.Sprintf("dag: duplicate task %q", spec.Name))
	}
	if spec.Timeout <= 0 {
		spec.Timeout = DefaultTaskTimeout
	}
	if spec.MaxRetries <= 0 {
		spec.MaxRetries = DefaultMaxRetries
	}
	if spec.StepName == "" {
		spec.StepName = spec.Name
	}
	r.tasks[spec.Name] = &spec
}

// RegisterWorkflow adds a workflow definition.
func (r *Registry) RegisterWorkflow(spec WorkflowSpec) {
	if spec.Name == "" {
		panic("dag: workflow spec without name")
	}
	if _, dup := r.workflows[spec.Name]; dup {
		panic(fmt.Sprintf("dag: duplicate workflow %q", spec.Name))
	}
	r.workflows[spec.Name] = &spec
}

// Task looks up a task spec by name.
func (r *Registry) Task(name string) (*TaskSpec, bool) {
	t, ok := r.tasks[name]
	return t, ok
}

// Workflow looks up a workflow spec by name.
func (r *Registry) Workflow(name string) (*WorkflowSpec, bool) {
	w, ok := r.workflows[name]
	return w, ok
}

// PoolConfig sizes one labeled worker pool.
type PoolConfig struct {
	Label string
	Slots int
}

// BucketConfig declares a named rate-limit bucket with units-per-second
// semantics shared by every task holding the bucket.
type BucketConfig struct {
	Name   string
	PerSec rate.Limit
	Burst  int
}
