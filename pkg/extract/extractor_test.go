package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/ent/apisource"
	"github.com/grantstream-io/grantstream/ent/rawresponse"
	"github.com/grantstream-io/grantstream/pkg/models"
	"github.com/grantstream-io/grantstream/pkg/pipeline"
	testdb "github.com/grantstream-io/grantstream/test/database"
)

var listMapping = models.ResponseMapping{
	"opportunity_id": "id",
	"grant_title":    "title",
	"summary":        "description",
	"award.max":      "maxAward",
	"link":           "url",
}

type sourceOption func(*ent.ApiSourceCreate, *ent.SourceConfigurationCreate)

func withAuth(authType apisource.AuthType, details *models.AuthDetails) sourceOption {
	return func(s *ent.ApiSourceCreate, _ *ent.SourceConfigurationCreate) {
		s.SetAuthType(authType).SetAuthDetails(details)
	}
}

func withPagination(pg *models.PaginationConfig) sourceOption {
	return func(_ *ent.ApiSourceCreate, c *ent.SourceConfigurationCreate) {
		c.SetPaginationConfig(pg)
	}
}

func withDetail(dc *models.DetailConfig) sourceOption {
	return func(_ *ent.ApiSourceCreate, c *ent.SourceConfigurationCreate) {
		c.SetDetailConfig(dc)
	}
}

func withQueryParams(params map[string]string) sourceOption {
	return func(_ *ent.ApiSourceCreate, c *ent.SourceConfigurationCreate) {
		c.SetQueryParams(params)
	}
}

// createConfiguredSource inserts a source plus configuration pointing at the
// test server and returns it with the configuration edge loaded.
func createConfiguredSource(t *testing.T, client *ent.Client, endpoint string, opts ...sourceOption) *ent.ApiSource {
	t.Helper()
	ctx := context.Background()

	sourceCreate := client.ApiSource.Create().
		SetID(uuid.NewString()).
		SetName("Extractor Test Feed").
		SetURL(endpoint).
		SetAPIEndpoint(endpoint)
	configCreate := client.SourceConfiguration.Create().
		SetID(uuid.NewString()).
		SetResponseMapping(listMapping)
	for _, opt := range opts {
		opt(sourceCreate, configCreate)
	}

	source, err := sourceCreate.Save(ctx)
	require.NoError(t, err)
	_, err = configCreate.SetSourceID(source.ID).Save(ctx)
	require.NoError(t, err)

	loaded, err := client.ApiSource.Query().
		Where(apisource.ID(source.ID)).
		WithConfiguration().
		Only(ctx)
	require.NoError(t, err)
	return loaded
}

func newTestExtractor(client *ent.Client) *HTTPExtractor {
	return NewHTTPExtractor(client, nil, rate.NewLimiter(rate.Inf, 0), nil)
}

func listItem(id, title string) map[string]any {
	return map[string]any{
		"opportunity_id": id,
		"grant_title":    title,
		"award":          map[string]any{"max": 50000},
		"link":           "https://grants.example.gov/" + id,
	}
}

func TestHTTPExtractor_Extract_SinglePage(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()

	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{
			"results": []any{listItem("EXT-1", "Solar Rebate Program"), listItem("EXT-2", "Wind Energy Grant")},
			"total":   57,
		}
		body, _ = json.Marshal(payload)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	defer server.Close()

	source := createConfiguredSource(t, client.Client, server.URL)
	extractor := newTestExtractor(client.Client)

	result, err := extractor.Extract(ctx, source, nil)
	require.NoError(t, err)

	require.Len(t, result.Opportunities, 2)
	first := result.Opportunities[0]
	assert.Equal(t, "EXT-1", first.APIOpportunityID)
	assert.Equal(t, "Solar Rebate Program", first.Title)
	require.NotNil(t, first.MaxAward)
	assert.Equal(t, 50000.0, *first.MaxAward)
	assert.Equal(t, "https://grants.example.gov/EXT-1", first.URL)

	assert.Equal(t, 57, result.TotalFound, "the upstream total wins over the page count")
	assert.Equal(t, 2, result.TotalRetrieved)
	assert.Equal(t, 1, result.APICalls)

	// The first page is archived with its content hash.
	require.NotEmpty(t, result.RawResponseID)
	raw, err := client.RawResponse.Query().
		Where(rawresponse.ID(result.RawResponseID)).
		Only(ctx)
	require.NoError(t, err)
	assert.Equal(t, source.ID, raw.SourceID)
	assert.Equal(t, http.StatusOK, raw.StatusCode)
	hash := sha256.Sum256(body)
	assert.Equal(t, hex.EncodeToString(hash[:]), raw.ContentHash)
}

func TestHTTPExtractor_Extract_OffsetPagination(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()

	all := []any{
		listItem("EXT-1", "One"), listItem("EXT-2", "Two"), listItem("EXT-3", "Three"),
	}
	var requests []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.URL.RawQuery)
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		end := offset + limit
		if end > len(all) {
			end = len(all)
		}
		page := []any{}
		if offset < len(all) {
			page = all[offset:end]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": page, "total": len(all)})
	}))
	defer server.Close()

	source := createConfiguredSource(t, client.Client, server.URL, withPagination(&models.PaginationConfig{
		Enabled:     true,
		Type:        models.PaginationOffset,
		LimitParam:  "limit",
		OffsetParam: "offset",
		PageSize:    2,
	}))
	extractor := newTestExtractor(client.Client)

	result, err := extractor.Extract(ctx, source, nil)
	require.NoError(t, err)

	assert.Len(t, result.Opportunities, 3)
	assert.Equal(t, 3, result.TotalFound)
	// Page two came back short, so no third request was made.
	assert.Equal(t, 2, result.APICalls)
	require.Len(t, requests, 2)
	assert.Contains(t, requests[0], "offset=0")
	assert.Contains(t, requests[1], "offset=2")
}

func TestHTTPExtractor_Extract_CursorPagination(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("cursor") {
		case "":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"results":     []any{listItem("EXT-1", "One"), listItem("EXT-2", "Two")},
				"next_cursor": "page-2",
			})
		case "page-2":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"results":     []any{listItem("EXT-3", "Three"), listItem("EXT-4", "Four")},
				"next_cursor": nil,
			})
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	}))
	defer server.Close()

	source := createConfiguredSource(t, client.Client, server.URL, withPagination(&models.PaginationConfig{
		Enabled:        true,
		Type:           models.PaginationCursor,
		LimitParam:     "limit",
		CursorParam:    "cursor",
		NextCursorPath: "next_cursor",
		PageSize:       2,
	}))
	extractor := newTestExtractor(client.Client)

	result, err := extractor.Extract(ctx, source, nil)
	require.NoError(t, err)
	assert.Len(t, result.Opportunities, 4)
	assert.Equal(t, 2, result.APICalls, "a null next cursor ends the walk")
}

func TestHTTPExtractor_Extract_DetailFanOut(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []any{listItem("EXT-1", "Solar Rebate Program")},
		})
	})
	mux.HandleFunc("/detail/EXT-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"opportunity_id": "EXT-1",
				"summary":        "Full program description from the detail endpoint",
			},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	source := createConfiguredSource(t, client.Client, server.URL+"/list", withDetail(&models.DetailConfig{
		Enabled:          true,
		Endpoint:         server.URL + "/detail/{id}",
		ResponseDataPath: "data",
	}))
	extractor := newTestExtractor(client.Client)

	result, err := extractor.Extract(ctx, source, nil)
	require.NoError(t, err)

	require.Len(t, result.Opportunities, 1)
	opp := result.Opportunities[0]
	assert.Equal(t, "Solar Rebate Program", opp.Title, "the list payload wins for fields it already set")
	assert.Equal(t, "Full program description from the detail endpoint", opp.Description)
	assert.Equal(t, 2, result.APICalls, "one list call plus one detail call")
}

func TestHTTPExtractor_Extract_AppliesAuth(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()

	var gotAuth, gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("X-Api-Key")
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	}))
	defer server.Close()

	t.Run("bearer", func(t *testing.T) {
		source := createConfiguredSource(t, client.Client, server.URL,
			withAuth(apisource.AuthTypeBearer, &models.AuthDetails{Token: "sekrit"}))
		_, err := newTestExtractor(client.Client).Extract(ctx, source, nil)
		require.NoError(t, err)
		assert.Equal(t, "Bearer sekrit", gotAuth)
	})

	t.Run("apikey header", func(t *testing.T) {
		source := createConfiguredSource(t, client.Client, server.URL,
			withAuth(apisource.AuthTypeApikey, &models.AuthDetails{KeyName: "X-Api-Key", KeyValue: "k-123"}))
		_, err := newTestExtractor(client.Client).Extract(ctx, source, nil)
		require.NoError(t, err)
		assert.Equal(t, "k-123", gotKey)
	})
}

func TestHTTPExtractor_Extract_QueryParams(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()

	var gotStatus string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotStatus = r.URL.Query().Get("status")
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	}))
	defer server.Close()

	source := createConfiguredSource(t, client.Client, server.URL,
		withQueryParams(map[string]string{"status": "open"}))
	_, err := newTestExtractor(client.Client).Extract(ctx, source, nil)
	require.NoError(t, err)
	assert.Equal(t, "open", gotStatus)
}

func TestHTTPExtractor_Extract_UpstreamError(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	source := createConfiguredSource(t, client.Client, server.URL)
	_, err := newTestExtractor(client.Client).Extract(ctx, source, nil)
	require.Error(t, err)

	var httpErr *pipeline.HTTPStatusError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
}

func TestHTTPExtractor_Extract_RejectsUnconfiguredSource(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	extractor := newTestExtractor(client.Client)

	t.Run("no configuration edge", func(t *testing.T) {
		source, err := client.ApiSource.Create().
			SetID(uuid.NewString()).
			SetName("Bare Source").
			SetURL("https://api.example.gov").
			Save(ctx)
		require.NoError(t, err)

		_, err = extractor.Extract(ctx, source, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no configuration")
	})

	t.Run("empty response mapping", func(t *testing.T) {
		source, err := client.ApiSource.Create().
			SetID(uuid.NewString()).
			SetName("Unmapped Source").
			SetURL("https://api.example.gov").
			Save(ctx)
		require.NoError(t, err)
		_, err = client.SourceConfiguration.Create().
			SetID(uuid.NewString()).
			SetSourceID(source.ID).
			Save(ctx)
		require.NoError(t, err)

		loaded, err := client.ApiSource.Query().
			Where(apisource.ID(source.ID)).
			WithConfiguration().
			Only(ctx)
		require.NoError(t, err)

		_, err = extractor.Extract(ctx, loaded, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no response mapping")
	})
}

func TestHTTPExtractor_Extract_PrefersAnalysisEndpoint(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()

	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	}))
	defer server.Close()

	source := createConfiguredSource(t, client.Client, server.URL+"/configured")
	_, err := newTestExtractor(client.Client).Extract(ctx, source, &pipeline.AnalysisResult{
		Endpoint: server.URL + "/from-analysis",
	})
	require.NoError(t, err)
	assert.Equal(t, "/from-analysis", gotPath)
}

func TestApplyAuth(t *testing.T) {
	newRequest := func() *http.Request {
		req, err := http.NewRequest(http.MethodGet, "https://api.example.gov/grants", nil)
		require.NoError(t, err)
		return req
	}

	t.Run("none is a no-op", func(t *testing.T) {
		req := newRequest()
		require.NoError(t, ApplyAuth(req, models.AuthNone, nil))
		assert.Empty(t, req.Header.Get("Authorization"))
	})

	t.Run("apikey in query", func(t *testing.T) {
		req := newRequest()
		require.NoError(t, ApplyAuth(req, models.AuthAPIKey, &models.AuthDetails{
			KeyName: "api_key", KeyValue: "k-123", Location: "query",
		}))
		assert.Equal(t, "k-123", req.URL.Query().Get("api_key"))
	})

	t.Run("basic", func(t *testing.T) {
		req := newRequest()
		require.NoError(t, ApplyAuth(req, models.AuthBasic, &models.AuthDetails{
			Username: "svc", Password: "pw",
		}))
		user, pass, ok := req.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "svc", user)
		assert.Equal(t, "pw", pass)
	})

	t.Run("missing details rejected", func(t *testing.T) {
		assert.Error(t, ApplyAuth(newRequest(), models.AuthBearer, nil))
		assert.Error(t, ApplyAuth(newRequest(), models.AuthAPIKey, &models.AuthDetails{}))
	})

	t.Run("unsupported type rejected", func(t *testing.T) {
		assert.Error(t, ApplyAuth(newRequest(), models.AuthType("oauth2"), nil))
	})
}
