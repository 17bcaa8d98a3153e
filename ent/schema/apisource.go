package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"

	"github.com/grantstream-io/grantstream/pkg/models"
)

// ApiSource holds the schema definition for a configured upstream funding API.
type ApiSource struct {
	ent.Schema
}

// Fields of the ApiSource.
func (ApiSource) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("source_id").
			Unique().
			Immutable(),
		field.String("name").
			NotEmpty(),
		field.String("organization").
			Optional(),
		field.Enum("source_type").
			Values("federal", "state", "local", "utility", "private", "nonprofit").
			Default("federal"),
		field.String("url").
			Comment("Base URL of the external API"),
		field.String("api_endpoint").
			Optional().
			Comment("List endpoint, absolute or relative to url"),
		field.String("api_documentation_url").
			Optional(),
		field.Enum("auth_type").
			Values("none", "apikey", "basic", "bearer").
			Default("none"),
		field.JSON("auth_details", &models.AuthDetails{}).
			Optional(),
		field.String("update_frequency").
			Optional().
			Comment("Cadence tag, e.g. 'daily', 'weekly'"),
		field.Enum("handler_type").
			Values("standard", "document", "state_portal").
			Default("standard"),
		field.Text("notes").
			Optional(),
		field.Bool("active").
			Default(true),
		field.Bool("force_full_reprocessing").
			Default(false).
			Comment("Operator override: next run bypasses duplicate detection"),
		field.Time("last_checked").
			Optional().
			Nillable().
			Comment("Written only by the coordinator"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Edges of the ApiSource.
func (ApiSource) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("configuration", SourceConfiguration.Type).
			Unique().
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("runs", PipelineRun.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("opportunities", FundingOpportunity.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the ApiSource.
func (ApiSource) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("active"),
		index.Fields("source_type"),
	}
}
