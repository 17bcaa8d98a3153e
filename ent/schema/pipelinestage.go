package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// PipelineStage holds one execution of one logical stage within a PipelineRun.
type PipelineStage struct {
	ent.Schema
}

// Fields of the PipelineStage.
func (PipelineStage) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("stage_id").
			Unique().
			Immutable(),
		field.String("run_id").
			Immutable(),
		field.String("stage_name").
			Comment("e.g. 'data_extraction', 'early_duplicate_detector'"),
		field.Int("stage_order").
			Comment("Position in the fixed stage sequence: 1..8"),
		field.Enum("status").
			Values("pending", "processing", "completed", "failed", "skipped").
			Default("pending"),
		field.Time("started_at").
			Optional().
			Nillable().
			Comment("Stamped on first transition to processing"),
		field.Time("completed_at").
			Optional().
			Nillable().
			Comment("Stamped on terminal status"),
		field.Int64("execution_time_ms").
			Optional().
			Nillable(),
		field.Int("input_count").
			Default(0),
		field.Int("output_count").
			Default(0).
			Min(0),
		field.Int("tokens_used").
			Default(0),
		field.Int("api_calls_made").
			Default(0),
		field.Float("estimated_cost_usd").
			Default(0),
		field.JSON("stage_results", map[string]any{}).
			Optional(),
		field.JSON("performance_metrics", map[string]any{}).
			Optional(),
		field.JSON("retry_history", []map[string]any{}).
			Optional(),
		field.String("error_message").
			Optional().
			Nillable(),
		field.String("job_id").
			Optional().
			Nillable(),
	}
}

// Edges of the PipelineStage.
func (PipelineStage) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("run", PipelineRun.Type).
			Ref("stages").
			Field("run_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the PipelineStage.
func (PipelineStage) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("run_id", "stage_name").
			Unique(),
		index.Fields("run_id", "stage_order"),
	}
}
