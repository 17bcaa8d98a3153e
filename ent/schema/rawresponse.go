package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// RawResponse holds a reference row for a fetched external payload.
// Subject to the retention policy; the pipeline only ever stores the
// reference id on stage results, never the payload itself.
type RawResponse struct {
	ent.Schema
}

// Annotations of the RawResponse.
func (RawResponse) Annotations() []schema.Annotation {
	return []schema.Annotation{
		entsql.Annotation{Table: "api_raw_responses"},
	}
}

// Fields of the RawResponse.
func (RawResponse) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("raw_response_id").
			Unique().
			Immutable(),
		field.String("source_id"),
		field.String("run_id").
			Optional(),
		field.String("endpoint"),
		field.Int("status_code").
			Default(0),
		field.Text("body").
			Optional(),
		field.String("content_hash").
			Optional().
			Comment("SHA-256 of the body, for change auditing"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Indexes of the RawResponse.
func (RawResponse) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("source_id"),
		index.Fields("run_id"),
		index.Fields("created_at"),
	}
}
