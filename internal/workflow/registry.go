package workflow

import (
	"fmt"
	"sync"
)

// Registry maps job_type -> JobDefinition and task_type -> TaskHandler.
// Registration happens once during process initialization, explicitly, in one
// place; there is no auto-discovery because implicit registration silently
// drops workflows when a package is never imported.
type Registry struct {
	mu       sync.RWMutex
	jobs     map[string]JobDefinition
	handlers map[string]TaskHandler
}

func NewRegistry() *Registry {
	return &Registry{
		jobs:     make(map[string]JobDefinition),
		handlers: make(map[string]TaskHandler),
	}
}

func (r *Registry) RegisterJob(def JobDefinition) error {
	if def == nil {
		return fmt.Errorf("nil job definition")
	}
	t := def.JobType()
	if t == "" {
		return fmt.Errorf("job definition JobType() is empty")
	}
	if def.TotalStages() < 1 {
		return fmt.Errorf("job_type=%s: TotalStages() must be >= 1", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[t]; exists {
		return fmt.Errorf("job definition already registered for job_type=%s", t)
	}
	r.jobs[t] = def
	return nil
}

func (r *Registry) RegisterHandler(h TaskHandler) error {
	if h == nil {
		return fmt.Errorf("nil task handler")
	}
	t := h.TaskType()
	if t == "" {
		return fmt.Errorf("task handler TaskType() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("task handler already registered for task_type=%s", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *Registry) Job(jobType string) (JobDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.jobs[jobType]
	return def, ok
}

func (r *Registry) Handler(taskType string) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.jobs))
	for t := range r.jobs {
		out = append(out, t)
	}
	return out
}
