package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"

	"github.com/grantstream-io/grantstream/pkg/models"
)

// SourceConfiguration holds the runtime knobs bundle for an ApiSource.
type SourceConfiguration struct {
	ent.Schema
}

// Annotations of the SourceConfiguration.
func (SourceConfiguration) Annotations() []schema.Annotation {
	return []schema.Annotation{
		entsql.Annotation{Table: "api_source_configurations"},
	}
}

// Fields of the SourceConfiguration.
func (SourceConfiguration) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("configuration_id").
			Unique().
			Immutable(),
		field.String("source_id").
			Unique().
			Immutable(),
		field.JSON("query_params", map[string]string{}).
			Optional(),
		field.JSON("request_body", map[string]any{}).
			Optional(),
		field.JSON("request_config", &models.RequestConfig{}).
			Optional(),
		field.JSON("pagination_config", &models.PaginationConfig{}).
			Optional(),
		field.JSON("detail_config", &models.DetailConfig{}).
			Optional(),
		field.JSON("response_mapping", models.ResponseMapping{}).
			Optional().
			Comment("Dot-notation source paths to canonical fields"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Edges of the SourceConfiguration.
func (SourceConfiguration) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("source", ApiSource.Type).
			Ref("configuration").
			Field("source_id").
			Unique().
			Required().
			Immutable(),
	}
}
