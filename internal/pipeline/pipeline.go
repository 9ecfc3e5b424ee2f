// Package pipeline implements named, ordered transform chains over EMG sample
// matrices and the per-session registry that holds them.
//
// A [Pipeline] applies its stages strictly in order, each stage's output
// feeding the next; an empty pipeline is the identity function. Pipelines are
// looked up by logical name ("raw", "filtered", "rectified", "final", "fft")
// in a [Registry] owned by the acquisition session. Stages are configured
// before streaming starts and must not be mutated concurrently with a running
// session.
package pipeline

import (
	"fmt"
	"sync"

	"github.com/BMEG-457/emgstream/pkg/emg"
)

// Well-known pipeline names. The receiver drives these branches in a fixed
// order per frame; see the receiver package for the fallback chain.
const (
	BranchRaw       = "raw"
	BranchFiltered  = "filtered"
	BranchRectified = "rectified"
	BranchFinal     = "final"
	BranchFFT       = "fft"
)

// Stage is a single transform over a sample matrix. A stage must not retain
// its input; it may return the input matrix mutated in place or a freshly
// allocated one. A non-nil error marks the whole pipeline run as failed — the
// caller decides the fallback.
type Stage interface {
	// Name identifies the stage in logs and errors.
	Name() string

	// Process transforms the matrix.
	Process(m *emg.Matrix) (*emg.Matrix, error)
}

// StageFunc adapts a plain function into a [Stage].
type StageFunc struct {
	// StageName identifies the stage in logs and errors.
	StageName string

	// Fn is the transform to apply.
	Fn func(m *emg.Matrix) (*emg.Matrix, error)
}

// Name returns the stage name.
func (s StageFunc) Name() string { return s.StageName }

// Process invokes the wrapped function.
func (s StageFunc) Process(m *emg.Matrix) (*emg.Matrix, error) { return s.Fn(m) }

// Pipeline is an ordered list of stages. The zero value is a valid empty
// pipeline (the identity function).
type Pipeline struct {
	stages []Stage
}

// New creates a pipeline with the given stages.
func New(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// AddStage appends a stage. Call only during session configuration, never
// while a receiver is running.
func (p *Pipeline) AddStage(s Stage) {
	p.stages = append(p.stages, s)
}

// Len returns the number of configured stages.
func (p *Pipeline) Len() int { return len(p.stages) }

// Run applies all stages in order. The first failing stage aborts the run
// with an error naming the stage; no partial output is returned.
func (p *Pipeline) Run(m *emg.Matrix) (*emg.Matrix, error) {
	x := m
	for _, s := range p.stages {
		var err error
		x, err = s.Process(x)
		if err != nil {
			return nil, fmt.Errorf("pipeline: stage %q: %w", s.Name(), err)
		}
	}
	return x, nil
}

// Registry holds named pipelines for one acquisition session. Lookup creates
// pipelines lazily so callers can configure a branch before the receiver that
// runs it exists. The registry is passed by reference to whoever needs it —
// there is no process-wide instance.
type Registry struct {
	mu        sync.Mutex
	pipelines map[string]*Pipeline
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pipelines: make(map[string]*Pipeline)}
}

// Get returns the pipeline registered under name, creating an empty one on
// first use.
func (r *Registry) Get(name string) *Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pipelines[name]
	if !ok {
		p = New()
		r.pipelines[name] = p
	}
	return p
}

// Names returns the names of all pipelines created so far.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.pipelines))
	for name := range r.pipelines {
		names = append(names, name)
	}
	return names
}
