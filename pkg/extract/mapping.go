package extract

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/grantstream-io/grantstream/pkg/models"
)

// LookupPath walks a decoded JSON tree by dot notation, e.g.
// "data.items.0.title". Numeric segments index into arrays.
func LookupPath(tree any, path string) (any, bool) {
	if path == "" {
		return tree, true
	}
	current := tree
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// MapRecord converts one source item into an ExtractedOpportunity using the
// source's response mapping. Unknown canonical targets are rejected; fields
// whose source path is absent are left unset.
func MapRecord(item any, mapping models.ResponseMapping) (*models.ExtractedOpportunity, error) {
	opp := &models.ExtractedOpportunity{}
	for sourcePath, canonical := range mapping {
		if !models.CanonicalFields[canonical] {
			return nil, fmt.Errorf("unknown canonical field %q in response mapping", canonical)
		}
		value, ok := LookupPath(item, sourcePath)
		if !ok || value == nil {
			continue
		}
		applyCanonicalField(opp, canonical, value)
	}
	return opp, nil
}

// MergeRecord fills fields of dst that are still unset from src. Used after
// the detail fan-out so the detail payload refines the list payload.
func MergeRecord(dst, src *models.ExtractedOpportunity) {
	if dst.APIOpportunityID == "" {
		dst.APIOpportunityID = src.APIOpportunityID
	}
	if dst.Title == "" {
		dst.Title = src.Title
	}
	if dst.Description == "" {
		dst.Description = src.Description
	}
	if dst.FundingType == "" {
		dst.FundingType = src.FundingType
	}
	if dst.Agency == "" {
		dst.Agency = src.Agency
	}
	if dst.TotalFunding == nil {
		dst.TotalFunding = src.TotalFunding
	}
	if dst.MinAward == nil {
		dst.MinAward = src.MinAward
	}
	if dst.MaxAward == nil {
		dst.MaxAward = src.MaxAward
	}
	if dst.OpenDate == nil {
		dst.OpenDate = src.OpenDate
	}
	if dst.CloseDate == nil {
		dst.CloseDate = src.CloseDate
	}
	if dst.Eligibility == "" {
		dst.Eligibility = src.Eligibility
	}
	if dst.URL == "" {
		dst.URL = src.URL
	}
}

func applyCanonicalField(opp *models.ExtractedOpportunity, canonical string, value any) {
	switch canonical {
	case "id":
		opp.APIOpportunityID = asString(value)
	case "title":
		opp.Title = asString(value)
	case "description":
		opp.Description = asString(value)
	case "fundingType":
		opp.FundingType = asString(value)
	case "agency":
		opp.Agency = asString(value)
	case "totalFunding":
		opp.TotalFunding = asFloat(value)
	case "minAward":
		opp.MinAward = asFloat(value)
	case "maxAward":
		opp.MaxAward = asFloat(value)
	case "openDate":
		opp.OpenDate = asTime(value)
	case "closeDate":
		opp.CloseDate = asTime(value)
	case "eligibility":
		opp.Eligibility = asString(value)
	case "url":
		opp.URL = asString(value)
	}
}

func asString(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		// JSON numbers decode as float64; external ids are often numeric.
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func asFloat(value any) *float64 {
	switch v := value.(type) {
	case float64:
		return &v
	case string:
		cleaned := strings.TrimSpace(v)
		cleaned = strings.TrimPrefix(cleaned, "$")
		cleaned = strings.ReplaceAll(cleaned, ",", "")
		if cleaned == "" {
			return nil
		}
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}

// dateLayouts are tried in order when parsing source date strings.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006",
	"January 2, 2006",
}

func asTime(value any) *time.Time {
	s, ok := value.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}
