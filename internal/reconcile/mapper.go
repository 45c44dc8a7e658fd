package reconcile

import (
	id "github.com/benffsc/atlas/pkg/domain"

	pipelinemodels "github.com/benffsc/atlas/internal/pipeline/models"
	relationshipmodels "github.com/benffsc/atlas/internal/relationship/models"
)

// Observation is one field value re-derived from a staged payload, addressed
// to the entity on one end of the relationship that payload produced.
type Observation struct {
	EntityID id.EntityID
	Field    string
	Value    string
}

// Mapper re-derives entity field observations from the latest version of a
// staged row. Each upstream source has its own payload shape, so each gets
// its own mapper, mirroring the processor registry.
type Mapper interface {
	Observations(rel *relationshipmodels.Relationship, record *pipelinemodels.StagedRecord) []Observation
}

// payloadMapper maps payload keys to fields on either end of a relationship.
type payloadMapper struct {
	subjectFields map[string]string
	objectFields  map[string]string
}

func (m payloadMapper) Observations(rel *relationshipmodels.Relationship, record *pipelinemodels.StagedRecord) []Observation {
	var out []Observation
	for key, field := range m.subjectFields {
		if v := record.Payload.String(key); v != "" {
			out = append(out, Observation{EntityID: rel.SubjectID, Field: field, Value: v})
		}
	}
	for key, field := range m.objectFields {
		if v := record.Payload.String(key); v != "" {
			out = append(out, Observation{EntityID: rel.ObjectID, Field: field, Value: v})
		}
	}
	return out
}

// NewClinicHQMapper covers appointment rows: owner fields land on the person
// (subject), patient fields on the cat (object).
func NewClinicHQMapper() Mapper {
	return payloadMapper{
		subjectFields: map[string]string{
			"owner_name":    "display_name",
			"owner_email":   "email",
			"owner_phone":   "phone",
			"owner_address": "address",
		},
		objectFields: map[string]string{
			"cat_name": "display_name",
			"breed":    "breed",
			"color":    "color",
		},
	}
}

// NewVolunteerHubMapper covers contact rows, which reference a single person.
func NewVolunteerHubMapper() Mapper {
	return payloadMapper{
		subjectFields: map[string]string{
			"name":    "display_name",
			"email":   "email",
			"phone":   "phone",
			"address": "address",
		},
	}
}
