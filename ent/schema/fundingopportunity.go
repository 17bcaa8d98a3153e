package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"

	"github.com/grantstream-io/grantstream/pkg/models"
)

// FundingOpportunity holds the canonical normalized funding record.
type FundingOpportunity struct {
	ent.Schema
}

// Fields of the FundingOpportunity.
func (FundingOpportunity) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("opportunity_id").
			Unique().
			Immutable(),
		field.String("source_id").
			Immutable(),
		field.String("api_opportunity_id").
			Comment("External id, unique within a source"),
		field.String("title"),
		field.String("title_normalized").
			Comment("Lowercased, whitespace-collapsed title for duplicate lookup"),
		field.Text("description").
			Optional(),
		field.String("funding_type").
			Optional(),
		field.String("agency").
			Optional(),
		field.Float("min_award").
			Optional().
			Nillable().
			Min(0),
		field.Float("max_award").
			Optional().
			Nillable().
			Min(0),
		field.Float("total_funding").
			Optional().
			Nillable().
			Min(0),
		field.Time("open_date").
			Optional().
			Nillable(),
		field.Time("close_date").
			Optional().
			Nillable(),
		field.Text("eligibility").
			Optional(),
		field.String("url").
			Optional(),
		field.JSON("analysis", &models.OpportunityAnalysis{}).
			Optional().
			Comment("LM scoring and categorization"),
		field.Int("row_version").
			Default(1).
			Comment("Optimistic concurrency token for direct updates"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now).
			Comment("Freshness marker for the duplicate detector"),
	}
}

// Edges of the FundingOpportunity.
func (FundingOpportunity) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("source", ApiSource.Type).
			Ref("opportunities").
			Field("source_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the FundingOpportunity.
func (FundingOpportunity) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("source_id", "api_opportunity_id").
			Unique(),
		index.Fields("source_id", "title_normalized"),
		index.Fields("updated_at"),
	}
}
