// Package models contains plain data types shared between the ent schemas,
// the services, and the HTTP layer. Types in this package must stay free of
// ent imports — they are embedded into JSON columns by the generated code.
package models

// AuthType enumerates the supported source authentication schemes.
type AuthType string

// Supported auth types.
const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "apikey"
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
)

// AuthDetails is a tagged union over the auth types. Only the fields for the
// declared type are populated.
type AuthDetails struct {
	// apikey
	KeyName  string `json:"key_name,omitempty"`
	KeyValue string `json:"key_value,omitempty"`
	Location string `json:"location,omitempty"` // "header" or "query"

	// basic
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// bearer
	Token string `json:"token,omitempty"`
}

// RequestConfig describes how list requests are issued against the source API.
type RequestConfig struct {
	Method  string            `json:"method"` // GET, POST, PUT, DELETE
	Headers map[string]string `json:"headers,omitempty"`
}

// PaginationType enumerates the supported pagination strategies.
type PaginationType string

// Supported pagination types.
const (
	PaginationOffset PaginationType = "offset"
	PaginationPage   PaginationType = "page"
	PaginationCursor PaginationType = "cursor"
)

// PaginationConfig is a tagged union over the pagination types.
type PaginationConfig struct {
	Enabled bool           `json:"enabled"`
	Type    PaginationType `json:"type,omitempty"`

	LimitParam string `json:"limit_param,omitempty"`
	PageSize   int    `json:"page_size,omitempty"`
	MaxPages   int    `json:"max_pages,omitempty"`

	// offset
	OffsetParam string `json:"offset_param,omitempty"`

	// page
	PageParam string `json:"page_param,omitempty"`

	// cursor
	CursorParam    string `json:"cursor_param,omitempty"`
	NextCursorPath string `json:"next_cursor_path,omitempty"`

	// InBody places pagination parameters in the request body instead of the
	// query string (POST-style APIs).
	InBody bool `json:"in_body,omitempty"`
}

// DetailConfig describes the optional per-item detail call.
type DetailConfig struct {
	Enabled          bool              `json:"enabled"`
	Endpoint         string            `json:"endpoint,omitempty"`
	Method           string            `json:"method,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	IDField          string            `json:"id_field,omitempty"`
	IDParam          string            `json:"id_param,omitempty"`
	ResponseDataPath string            `json:"response_data_path,omitempty"`
}

// ResponseMapping maps dot-notation paths in the source response to canonical
// opportunity fields. Keys are source field paths, values are canonical field
// names (title, description, fundingType, agency, totalFunding, minAward,
// maxAward, openDate, closeDate, eligibility, url).
type ResponseMapping map[string]string

// CanonicalFields lists the mapping targets accepted by ResponseMapping.
var CanonicalFields = map[string]bool{
	"id":           true,
	"title":        true,
	"description":  true,
	"fundingType":  true,
	"agency":       true,
	"totalFunding": true,
	"minAward":     true,
	"maxAward":     true,
	"openDate":     true,
	"closeDate":    true,
	"eligibility":  true,
	"url":          true,
}
