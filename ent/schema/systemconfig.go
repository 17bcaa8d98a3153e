package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/field"
)

// SystemConfig holds process-wide key/value configuration rows, e.g. the
// global force-full-reprocessing override.
type SystemConfig struct {
	ent.Schema
}

// Annotations of the SystemConfig.
func (SystemConfig) Annotations() []schema.Annotation {
	return []schema.Annotation{
		entsql.Annotation{Table: "system_config"},
	}
}

// Fields of the SystemConfig.
func (SystemConfig) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("config_key").
			Unique().
			Immutable(),
		field.JSON("value", map[string]any{}),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}
