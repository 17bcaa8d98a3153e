package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// DetectionSession holds the analytics of one duplicate-detector invocation
// within a run.
type DetectionSession struct {
	ent.Schema
}

// Annotations of the DetectionSession.
func (DetectionSession) Annotations() []schema.Annotation {
	return []schema.Annotation{
		entsql.Annotation{Table: "duplicate_detection_sessions"},
	}
}

// Fields of the DetectionSession.
func (DetectionSession) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("detection_session_id").
			Unique().
			Immutable(),
		field.String("run_id").
			Immutable(),
		field.String("source_id"),
		field.Int("total_opportunities_checked").
			Default(0),
		field.Int("new_opportunities").
			Default(0),
		field.Int("duplicates_to_update").
			Default(0),
		field.Int("duplicates_to_skip").
			Default(0),
		field.Int64("detection_time_ms").
			Default(0),
		field.Int("database_queries_made").
			Default(0),
		field.Int("llm_processing_bypassed").
			Default(0).
			Comment("= duplicates_to_update + duplicates_to_skip"),
		field.Int("id_matches").
			Default(0),
		field.Int("title_matches").
			Default(0),
		field.Int("validation_failures").
			Default(0),
		field.Int("freshness_skips").
			Default(0),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Edges of the DetectionSession.
func (DetectionSession) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("run", PipelineRun.Type).
			Ref("detection_sessions").
			Field("run_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the DetectionSession.
func (DetectionSession) Indexes() []ent.Index {
	return []ent.Index{
		// Exactly one detection session per run.
		index.Fields("run_id").
			Unique(),
	}
}
