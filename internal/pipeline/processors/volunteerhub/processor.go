// Package volunteerhub processes volunteer contact rows into Person records.
package volunteerhub

import (
	"context"
	"log/slog"

	id "github.com/benffsc/atlas/pkg/domain"

	identifiermodels "github.com/benffsc/atlas/internal/identifier/models"
	"github.com/benffsc/atlas/internal/match"
	"github.com/benffsc/atlas/internal/pipeline"
	pipelinemodels "github.com/benffsc/atlas/internal/pipeline/models"
	resolvemodels "github.com/benffsc/atlas/internal/resolve/models"
	resolveservice "github.com/benffsc/atlas/internal/resolve/service"
)

const processorName = "volunteerhub.contacts"

type Processor struct {
	resolver *resolveservice.Service
	logger   *slog.Logger
}

func New(resolver *resolveservice.Service, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{resolver: resolver, logger: logger}
}

func (p *Processor) Name() string { return processorName }

func (p *Processor) Process(ctx context.Context, record *pipelinemodels.StagedRecord) (*pipeline.Outcome, error) {
	doc := record.Payload
	req := &resolveservice.Request{
		EntityType:     id.EntityPerson,
		DisplayName:    doc.String("name"),
		Attributes:     map[string]string{},
		SourceSystem:   record.SourceSystem,
		SourceRecordID: record.SourceRowID,
		StagedRecordID: record.ID,
	}
	if v := doc.String("email"); v != "" {
		req.Attributes["email"] = v
		req.Identifiers = append(req.Identifiers,
			match.BundleIdentifier{Type: identifiermodels.TypeEmail, RawValue: v})
	}
	if v := doc.String("phone"); v != "" {
		req.Attributes["phone"] = v
		req.Identifiers = append(req.Identifiers,
			match.BundleIdentifier{Type: identifiermodels.TypePhone, RawValue: v})
	}
	if v := doc.String("address"); v != "" {
		req.Attributes["address"] = v
	}

	res, err := p.resolver.ResolveOrCreate(ctx, req)
	if err != nil {
		return nil, err
	}
	switch res.Decision.DecisionType {
	case resolvemodels.DecisionRejected:
		p.logger.Info("contact rejected", "reason", res.Decision.RejectReason)
		return &pipeline.Outcome{Note: "rejected: " + res.Decision.RejectReason}, nil
	case resolvemodels.DecisionReviewPending:
		return &pipeline.Outcome{Note: "queued for review"}, nil
	default:
		return &pipeline.Outcome{EntityType: id.EntityPerson, EntityID: res.Entity.ID}, nil
	}
}
