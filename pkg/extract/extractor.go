// Package extract implements the data extraction stage: configurable HTTP
// fetching with pagination, per-item detail fan-out, and response mapping
// into canonical opportunity records.
package extract

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/pkg/models"
	"github.com/grantstream-io/grantstream/pkg/pipeline"
	"golang.org/x/time/rate"
)

const (
	defaultMaxPages    = 10
	defaultPageSize    = 100
	defaultRequestRate = 5 // requests per second against one upstream
	maxResponseBytes   = 10 << 20
)

// itemsPaths are tried in order to locate the record list in a response.
var itemsPaths = []string{"", "data", "results", "items", "opportunities", "records", "hits", "data.items", "data.results"}

// totalPaths are tried in order to find the upstream's total record count.
var totalPaths = []string{"total", "total_count", "totalCount", "totalRecords", "count", "data.total", "meta.total"}

// HTTPExtractor is the production DataExtractor: it pulls list pages from
// the source API, optionally fans out per-item detail calls, archives the
// first raw response, and maps everything into canonical records.
type HTTPExtractor struct {
	client  *ent.Client
	http    *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewHTTPExtractor creates an HTTPExtractor. Nil httpClient or limiter
// select defaults.
func NewHTTPExtractor(client *ent.Client, httpClient *http.Client, limiter *rate.Limiter, log *slog.Logger) *HTTPExtractor {
	if client == nil {
		panic("NewHTTPExtractor: client must not be nil")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(defaultRequestRate), 1)
	}
	if log == nil {
		log = slog.Default()
	}
	return &HTTPExtractor{client: client, http: httpClient, limiter: limiter, log: log}
}

// Extract implements pipeline.DataExtractor.
func (e *HTTPExtractor) Extract(ctx context.Context, source *ent.ApiSource, analysis *pipeline.AnalysisResult) (*pipeline.ExtractionResult, error) {
	start := time.Now()

	cfg := source.Edges.Configuration
	if cfg == nil {
		return nil, fmt.Errorf("validation: source %s has no configuration loaded", source.ID)
	}
	if len(cfg.ResponseMapping) == 0 {
		return nil, fmt.Errorf("validation: source %s has no response mapping", source.ID)
	}

	endpoint := firstNonEmpty(analysisEndpoint(analysis), source.APIEndpoint, source.URL)

	result := &pipeline.ExtractionResult{}
	var rawResponseID string

	pages, err := e.fetchPages(ctx, source, cfg, endpoint, &result.APICalls, &rawResponseID)
	if err != nil {
		result.ExecutionTime = time.Since(start)
		return nil, err
	}
	result.RawResponseID = rawResponseID

	for _, page := range pages {
		items, _ := findItems(page)
		if result.TotalFound == 0 {
			result.TotalFound = findTotal(page, len(items))
		}
		for _, item := range items {
			opp, err := MapRecord(item, cfg.ResponseMapping)
			if err != nil {
				return nil, err
			}
			if err := e.fetchDetail(ctx, source, cfg, item, opp, &result.APICalls); err != nil {
				return nil, err
			}
			result.Opportunities = append(result.Opportunities, opp)
		}
		result.TotalRetrieved += len(items)
	}
	if result.TotalFound == 0 {
		result.TotalFound = result.TotalRetrieved
	}

	result.ExecutionTime = time.Since(start)
	e.log.Info("extraction finished",
		"source_id", source.ID,
		"endpoint", endpoint,
		"total_found", result.TotalFound,
		"extracted", len(result.Opportunities),
		"api_calls", result.APICalls)
	return result, nil
}

// fetchPages walks the pagination strategy and returns decoded page trees.
func (e *HTTPExtractor) fetchPages(ctx context.Context, source *ent.ApiSource, cfg *ent.SourceConfiguration, endpoint string, apiCalls *int, rawResponseID *string) ([]any, error) {
	pg := cfg.PaginationConfig
	paginated := pg != nil && pg.Enabled

	maxPages := 1
	pageSize := 0
	if paginated {
		maxPages = pg.MaxPages
		if maxPages <= 0 {
			maxPages = defaultMaxPages
		}
		pageSize = pg.PageSize
		if pageSize <= 0 {
			pageSize = defaultPageSize
		}
	}

	var pages []any
	cursor := ""
	for pageNum := 0; pageNum < maxPages; pageNum++ {
		params := map[string]string{}
		for k, v := range cfg.QueryParams {
			params[k] = v
		}
		if paginated {
			switch pg.Type {
			case models.PaginationOffset:
				setParam(params, pg.LimitParam, strconv.Itoa(pageSize))
				setParam(params, pg.OffsetParam, strconv.Itoa(pageNum*pageSize))
			case models.PaginationPage:
				setParam(params, pg.LimitParam, strconv.Itoa(pageSize))
				setParam(params, pg.PageParam, strconv.Itoa(pageNum+1))
			case models.PaginationCursor:
				setParam(params, pg.LimitParam, strconv.Itoa(pageSize))
				if cursor != "" {
					setParam(params, pg.CursorParam, cursor)
				}
			}
		}

		body, status, err := e.doRequest(ctx, source, cfg, endpoint, params, paginated && pg.InBody)
		if err != nil {
			return nil, err
		}
		*apiCalls++

		if *rawResponseID == "" {
			id, err := e.archiveRawResponse(ctx, source.ID, endpoint, status, body)
			if err != nil {
				e.log.Warn("failed to archive raw response", "source_id", source.ID, "error", err)
			} else {
				*rawResponseID = id
			}
		}

		var tree any
		if err := json.Unmarshal(body, &tree); err != nil {
			return nil, fmt.Errorf("failed to decode api response: %w", err)
		}
		pages = append(pages, tree)

		if !paginated {
			break
		}
		items, _ := findItems(tree)
		if len(items) == 0 || (pageSize > 0 && len(items) < pageSize) {
			break
		}
		if pg.Type == models.PaginationCursor {
			next, ok := LookupPath(tree, pg.NextCursorPath)
			if !ok || next == nil {
				break
			}
			cursor = asString(next)
			if cursor == "" {
				break
			}
		}
	}
	return pages, nil
}

// fetchDetail issues the optional per-item detail call and merges its payload
// into the mapped record.
func (e *HTTPExtractor) fetchDetail(ctx context.Context, source *ent.ApiSource, cfg *ent.SourceConfiguration, item any, opp *models.ExtractedOpportunity, apiCalls *int) error {
	dc := cfg.DetailConfig
	if dc == nil || !dc.Enabled || dc.Endpoint == "" {
		return nil
	}

	id := opp.APIOpportunityID
	if dc.IDField != "" {
		if v, ok := LookupPath(item, dc.IDField); ok {
			id = asString(v)
		}
	}
	if id == "" {
		return nil
	}

	endpoint := strings.ReplaceAll(dc.Endpoint, "{id}", id)
	params := map[string]string{}
	if dc.IDParam != "" {
		params[dc.IDParam] = id
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	method := firstNonEmpty(dc.Method, http.MethodGet)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build detail request: %w", err)
	}
	applyParams(req, params)
	applyHeaders(req, dc.Headers)
	if err := ApplyAuth(req, models.AuthType(source.AuthType), source.AuthDetails); err != nil {
		return err
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("detail fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &pipeline.HTTPStatusError{StatusCode: resp.StatusCode, URL: endpoint}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read detail response: %w", err)
	}
	*apiCalls++

	var tree any
	if err := json.Unmarshal(body, &tree); err != nil {
		return fmt.Errorf("failed to decode detail response: %w", err)
	}
	payload := tree
	if dc.ResponseDataPath != "" {
		if v, ok := LookupPath(tree, dc.ResponseDataPath); ok {
			payload = v
		}
	}

	detail, err := MapRecord(payload, cfg.ResponseMapping)
	if err != nil {
		return err
	}
	MergeRecord(opp, detail)
	return nil
}

func (e *HTTPExtractor) doRequest(ctx context.Context, source *ent.ApiSource, cfg *ent.SourceConfiguration, endpoint string, params map[string]string, paramsInBody bool) ([]byte, int, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	method := http.MethodGet
	var headers map[string]string
	if cfg.RequestConfig != nil {
		method = firstNonEmpty(cfg.RequestConfig.Method, http.MethodGet)
		headers = cfg.RequestConfig.Headers
	}

	var bodyReader io.Reader
	if method != http.MethodGet {
		payload := map[string]any{}
		for k, v := range cfg.RequestBody {
			payload[k] = v
		}
		if paramsInBody {
			for k, v := range params {
				payload[k] = v
			}
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build api request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !paramsInBody || method == http.MethodGet {
		applyParams(req, params)
	}
	applyHeaders(req, headers)
	if err := ApplyAuth(req, models.AuthType(source.AuthType), source.AuthDetails); err != nil {
		return nil, 0, err
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("api fetch failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read api response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, &pipeline.HTTPStatusError{StatusCode: resp.StatusCode, URL: endpoint}
	}
	return body, resp.StatusCode, nil
}

func (e *HTTPExtractor) archiveRawResponse(ctx context.Context, sourceID, endpoint string, status int, body []byte) (string, error) {
	hash := sha256.Sum256(body)
	id := uuid.New().String()
	_, err := e.client.RawResponse.Create().
		SetID(id).
		SetSourceID(sourceID).
		SetEndpoint(endpoint).
		SetStatusCode(status).
		SetBody(string(body)).
		SetContentHash(hex.EncodeToString(hash[:])).
		Save(ctx)
	if err != nil {
		return "", err
	}
	return id, nil
}

// findItems locates the record list in a decoded response tree.
func findItems(tree any) ([]any, string) {
	for _, path := range itemsPaths {
		v, ok := LookupPath(tree, path)
		if !ok {
			continue
		}
		if items, ok := v.([]any); ok {
			return items, path
		}
	}
	return nil, ""
}

// findTotal reads the upstream's reported total, falling back to the page
// item count.
func findTotal(tree any, fallback int) int {
	for _, path := range totalPaths {
		v, ok := LookupPath(tree, path)
		if !ok {
			continue
		}
		if f, isNum := v.(float64); isNum {
			return int(f)
		}
		if s, isStr := v.(string); isStr {
			if n, err := strconv.Atoi(s); err == nil {
				return n
			}
		}
	}
	return fallback
}

func analysisEndpoint(analysis *pipeline.AnalysisResult) string {
	if analysis == nil {
		return ""
	}
	return analysis.Endpoint
}

func setParam(params map[string]string, key, value string) {
	if key != "" {
		params[key] = value
	}
}

func applyParams(req *http.Request, params map[string]string) {
	if len(params) == 0 {
		return
	}
	q := req.URL.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
}

func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
