package extract

import (
	"fmt"
	"net/http"

	"github.com/grantstream-io/grantstream/pkg/models"
)

// ApplyAuth decorates an outgoing request according to the source's auth
// descriptor.
func ApplyAuth(req *http.Request, authType models.AuthType, details *models.AuthDetails) error {
	switch authType {
	case "", models.AuthNone:
		return nil
	case models.AuthAPIKey:
		if details == nil || details.KeyName == "" {
			return fmt.Errorf("apikey auth requires key_name and key_value")
		}
		switch details.Location {
		case "query":
			q := req.URL.Query()
			q.Set(details.KeyName, details.KeyValue)
			req.URL.RawQuery = q.Encode()
		default:
			req.Header.Set(details.KeyName, details.KeyValue)
		}
		return nil
	case models.AuthBasic:
		if details == nil || details.Username == "" {
			return fmt.Errorf("basic auth requires username and password")
		}
		req.SetBasicAuth(details.Username, details.Password)
		return nil
	case models.AuthBearer:
		if details == nil || details.Token == "" {
			return fmt.Errorf("bearer auth requires a token")
		}
		req.Header.Set("Authorization", "Bearer "+details.Token)
		return nil
	default:
		return fmt.Errorf("unsupported auth type %q", authType)
	}
}
