package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// PipelineRun holds one end-to-end invocation of the coordinator for one source.
type PipelineRun struct {
	ent.Schema
}

// Fields of the PipelineRun.
func (PipelineRun) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("run_id").
			Unique().
			Immutable(),
		field.String("source_id").
			Immutable(),
		field.String("pipeline_version").
			Default("v2"),
		field.Enum("status").
			Values("started", "processing", "completed", "failed").
			Default("started"),
		field.Time("created_at").
			Default(time.Now).
			Immutable().
			Comment("When the run was enqueued"),
		field.Time("started_at").
			Optional().
			Nillable().
			Comment("When a worker claimed the run"),
		field.Time("completed_at").
			Optional().
			Nillable(),
		field.Int64("total_execution_time_ms").
			Optional().
			Nillable(),
		field.JSON("configuration", map[string]any{}).
			Optional().
			Comment("Snapshot of the pipeline options at run start"),

		// Totals, monotonic within a run.
		field.Int("opportunities_processed").
			Default(0),
		field.Int("tokens_used").
			Default(0),
		field.Int("api_calls").
			Default(0),
		field.Int("opportunities_bypassed_llm").
			Default(0),
		field.Float("estimated_cost_usd").
			Default(0),

		// Derived metrics.
		field.Float("opportunities_per_minute").
			Optional().
			Nillable(),
		field.Float("tokens_per_opportunity").
			Optional().
			Nillable(),
		field.Float("cost_per_opportunity_usd").
			Optional().
			Nillable(),
		field.Float("success_rate_percentage").
			Optional().
			Nillable(),
		field.Float("sla_compliance_percentage").
			Optional().
			Nillable(),
		field.String("sla_grade").
			Optional(),

		field.JSON("failure_breakdown", map[string]int{}).
			Optional(),
		field.JSON("final_results", map[string]any{}).
			Optional(),
		field.JSON("error_details", map[string]any{}).
			Optional(),
		field.String("failed_stage").
			Optional(),
		field.Bool("concurrent_processing_detected").
			Default(false).
			Comment("Set when the source advisory lock could not be acquired"),
		field.Bool("force_full_reprocessing_used").
			Default(false),
		field.String("pod_id").
			Optional().
			Nillable().
			Comment("For multi-replica coordination"),
		field.Time("last_heartbeat_at").
			Optional().
			Nillable().
			Comment("For orphan detection"),
	}
}

// Edges of the PipelineRun.
func (PipelineRun) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("source", ApiSource.Type).
			Ref("runs").
			Field("source_id").
			Unique().
			Required().
			Immutable(),
		edge.To("stages", PipelineStage.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("paths", OpportunityPath.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("detection_sessions", DetectionSession.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the PipelineRun.
func (PipelineRun) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("status"),
		index.Fields("source_id", "status"),
		index.Fields("status", "created_at"),
		index.Fields("status", "last_heartbeat_at"),
	}
}
