package batch

import (
	"context"
	"sort"
	"sync"

	"github.com/project-tktt/house-tracker/internal/domain"
)

// Handler executes one attempt of a job kind
type Handler interface {
	Execute(ctx context.Context, x *Execution) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, x *Execution) error

func (f HandlerFunc) Execute(ctx context.Context, x *Execution) error {
	return f(ctx, x)
}

// Source enumerates the jobs of one batch type and starts the unfinished ones.
// It returns the status the batch should end with. A *domain.BatchJobError
// stops the batch without rollback; any other error aborts it.
type Source interface {
	Type() domain.BatchType
	Start(ctx context.Context, run *Run) (domain.BatchStatus, error)
}

// Verifier is implemented by sources that can cross-check their summary rows
type Verifier interface {
	Verify(ctx context.Context, run *Run) error
}

// Registry maps job kinds to handlers and batch types to sources
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.JobKind]Handler
	sources  map[domain.BatchType]Source
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[domain.JobKind]Handler),
		sources:  make(map[domain.BatchType]Source),
	}
}

// Handle registers h for kind, replacing any previous handler
func (r *Registry) Handle(kind domain.JobKind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Handler looks up the handler of kind
func (r *Registry) Handler(kind domain.JobKind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// AddSource registers src under its type
func (r *Registry) AddSource(src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[src.Type()] = src
}

// Source looks up the source of typ
func (r *Registry) Source(typ domain.BatchType) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[typ]
	return src, ok
}

// Types returns the registered batch types in name order
func (r *Registry) Types() []domain.BatchType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]domain.BatchType, 0, len(r.sources))
	for typ := range r.sources {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
