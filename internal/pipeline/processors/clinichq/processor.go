// Package clinichq processes clinic appointment rows: each row names an
// owner and the cat they brought in, so one row can touch a Person, a Cat,
// and the appointment link between them.
package clinichq

import (
	"context"
	"errors"
	"log/slog"

	id "github.com/benffsc/atlas/pkg/domain"
	"github.com/benffsc/atlas/pkg/platform/sentinel"

	identifiermodels "github.com/benffsc/atlas/internal/identifier/models"
	"github.com/benffsc/atlas/internal/match"
	"github.com/benffsc/atlas/internal/pipeline"
	pipelinemodels "github.com/benffsc/atlas/internal/pipeline/models"
	relationshipmodels "github.com/benffsc/atlas/internal/relationship/models"
	relationshipstore "github.com/benffsc/atlas/internal/relationship/store"
	resolvemodels "github.com/benffsc/atlas/internal/resolve/models"
	resolveservice "github.com/benffsc/atlas/internal/resolve/service"
)

const processorName = "clinichq.appointments"

type Processor struct {
	resolver      *resolveservice.Service
	relationships relationshipstore.Store
	logger        *slog.Logger
}

func New(resolver *resolveservice.Service, relationships relationshipstore.Store, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{resolver: resolver, relationships: relationships, logger: logger}
}

func (p *Processor) Name() string { return processorName }

func (p *Processor) Process(ctx context.Context, record *pipelinemodels.StagedRecord) (*pipeline.Outcome, error) {
	doc := record.Payload

	person, err := p.resolveOwner(ctx, record, doc)
	if err != nil {
		return nil, err
	}
	cat, err := p.resolveCat(ctx, record, doc)
	if err != nil {
		return nil, err
	}

	if person != nil && cat != nil {
		if err := p.linkAppointment(ctx, record, person.ID, cat.ID); err != nil {
			return nil, err
		}
	}

	// The cat is what the appointment is about; fall back to the owner when
	// the row had no usable patient.
	switch {
	case cat != nil:
		return &pipeline.Outcome{EntityType: id.EntityCat, EntityID: cat.ID}, nil
	case person != nil:
		return &pipeline.Outcome{EntityType: id.EntityPerson, EntityID: person.ID}, nil
	default:
		return &pipeline.Outcome{Note: "no resolvable owner or cat"}, nil
	}
}

type resolved struct {
	ID id.EntityID
}

func (p *Processor) resolveOwner(ctx context.Context, record *pipelinemodels.StagedRecord, doc pipelinemodels.Document) (*resolved, error) {
	if !doc.Has("owner_name") && !doc.Has("owner_email") && !doc.Has("owner_phone") {
		return nil, nil
	}
	req := &resolveservice.Request{
		EntityType:     id.EntityPerson,
		DisplayName:    doc.String("owner_name"),
		Attributes:     map[string]string{},
		SourceSystem:   record.SourceSystem,
		SourceRecordID: record.SourceRowID,
		StagedRecordID: record.ID,
	}
	if v := doc.String("owner_email"); v != "" {
		req.Attributes["email"] = v
		req.Identifiers = append(req.Identifiers,
			match.BundleIdentifier{Type: identifiermodels.TypeEmail, RawValue: v})
	}
	if v := doc.String("owner_phone"); v != "" {
		req.Attributes["phone"] = v
		req.Identifiers = append(req.Identifiers,
			match.BundleIdentifier{Type: identifiermodels.TypePhone, RawValue: v})
	}
	if v := doc.String("owner_address"); v != "" {
		req.Attributes["address"] = v
	}
	return p.resolve(ctx, req)
}

func (p *Processor) resolveCat(ctx context.Context, record *pipelinemodels.StagedRecord, doc pipelinemodels.Document) (*resolved, error) {
	if !doc.Has("cat_name") && !doc.Has("microchip") {
		return nil, nil
	}
	req := &resolveservice.Request{
		EntityType:     id.EntityCat,
		DisplayName:    doc.String("cat_name"),
		Attributes:     map[string]string{},
		SourceSystem:   record.SourceSystem,
		SourceRecordID: record.SourceRowID,
		StagedRecordID: record.ID,
	}
	if v := doc.String("microchip"); v != "" {
		req.Identifiers = append(req.Identifiers,
			match.BundleIdentifier{Type: identifiermodels.TypeMicrochip, RawValue: v})
	}
	if v := doc.String("breed"); v != "" {
		req.Attributes["breed"] = v
	}
	if v := doc.String("color"); v != "" {
		req.Attributes["color"] = v
	}
	return p.resolve(ctx, req)
}

// resolve runs one bundle through the orchestrator. Rejections and review
// queuing are data outcomes, not processing failures: the decision row
// already records them, so the staged record completes without an entity.
func (p *Processor) resolve(ctx context.Context, req *resolveservice.Request) (*resolved, error) {
	res, err := p.resolver.ResolveOrCreate(ctx, req)
	if err != nil {
		return nil, err
	}
	switch res.Decision.DecisionType {
	case resolvemodels.DecisionRejected:
		p.logger.Info("row bundle rejected",
			"entity_type", req.EntityType, "reason", res.Decision.RejectReason)
		return nil, nil
	case resolvemodels.DecisionReviewPending:
		return nil, nil
	default:
		return &resolved{ID: res.Entity.ID}, nil
	}
}

// linkAppointment records the person-cat appointment link, fingerprinted
// with this row-version's hash so upstream edits are detectable. A link that
// already exists gets its fingerprint refreshed instead.
func (p *Processor) linkAppointment(ctx context.Context, record *pipelinemodels.StagedRecord, personID, catID id.EntityID) error {
	rel := &relationshipmodels.Relationship{
		Kind:              relationshipmodels.KindAppointment,
		SubjectID:         personID,
		ObjectID:          catID,
		SourceSystem:      record.SourceSystem,
		SourceRowID:       record.SourceRowID,
		StagedRecordID:    record.ID,
		SourceFingerprint: record.ContentHash,
	}
	err := p.relationships.Create(ctx, rel)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sentinel.ErrConflict) {
		return err
	}
	existing, err := p.relationships.ListBySourceRow(ctx, record.SourceSystem, record.SourceRowID)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.Kind == relationshipmodels.KindAppointment && e.SubjectID == personID && e.ObjectID == catID {
			return p.relationships.UpdateFingerprint(ctx, e.ID, record.ContentHash)
		}
	}
	return nil
}
