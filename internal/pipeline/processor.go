// Package pipeline moves staged upstream rows through registered processors:
// the dispatcher claims unprocessed row-versions in priority order and hands
// each to the processor its registration names.
package pipeline

import (
	"context"

	id "github.com/benffsc/atlas/pkg/domain"

	"github.com/benffsc/atlas/internal/pipeline/models"
)

// Outcome is what processing one staged record produced.
type Outcome struct {
	EntityType id.EntityType
	EntityID   id.EntityID
	Note       string
}

//go:generate mockgen -source=processor.go -destination=mocks/mocks.go -package=mocks Processor

// Processor turns one staged record into entity-store writes. A returned
// error is captured on the record as its processing error; the record is
// still marked processed so the batch keeps moving.
type Processor interface {
	Name() string
	Process(ctx context.Context, record *models.StagedRecord) (*Outcome, error)
}

// Registry maps processor references to implementations. It is assembled at
// startup and injected; registrations in the database refer to processors by
// these names.
type Registry struct {
	processors map[string]Processor
}

func NewRegistry(processors ...Processor) *Registry {
	r := &Registry{processors: make(map[string]Processor, len(processors))}
	for _, p := range processors {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Processor) {
	r.processors[p.Name()] = p
}

func (r *Registry) Lookup(name string) (Processor, bool) {
	p, ok := r.processors[name]
	return p, ok
}

// Names lists the registered processor references, for diagnostics.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.processors))
	for name := range r.processors {
		out = append(out, name)
	}
	return out
}
