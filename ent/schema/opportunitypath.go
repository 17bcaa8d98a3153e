package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// OpportunityPath holds the analytics record for one extracted opportunity's
// journey through a run.
type OpportunityPath struct {
	ent.Schema
}

// Annotations of the OpportunityPath.
func (OpportunityPath) Annotations() []schema.Annotation {
	return []schema.Annotation{
		entsql.Annotation{Table: "opportunity_processing_paths"},
	}
}

// Fields of the OpportunityPath.
func (OpportunityPath) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("path_id").
			Unique().
			Immutable(),
		field.String("run_id").
			Immutable(),
		field.String("source_id"),
		field.String("api_opportunity_id"),
		field.String("title").
			Optional(),
		field.Enum("path_type").
			Values("new", "update", "skip"),
		field.String("path_reason"),
		field.JSON("stages_processed", []string{}).
			Optional(),
		field.Enum("final_outcome").
			Values("stored", "updated", "skipped", "filtered_out", "failed"),
		field.Int("tokens_used").
			Default(0),
		field.Int64("processing_time_ms").
			Default(0),
		field.Float("cost_usd").
			Default(0),
		field.Bool("duplicate_detected").
			Default(false),
		field.String("existing_opportunity_id").
			Optional().
			Nillable(),
		field.JSON("changes_detected", []string{}).
			Optional(),
		field.String("duplicate_detection_method").
			Optional(),
		field.Float("quality_score").
			Optional().
			Nillable(),
	}
}

// Edges of the OpportunityPath.
func (OpportunityPath) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("run", PipelineRun.Type).
			Ref("paths").
			Field("run_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the OpportunityPath.
func (OpportunityPath) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("run_id"),
		index.Fields("run_id", "path_type"),
		index.Fields("source_id", "api_opportunity_id"),
	}
}
