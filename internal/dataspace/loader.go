// Package dataspace loads a preview of the external data space a run is
// bound to: its collections, their schemas, and a bounded sample of rows.
package dataspace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/codeYAY/SPACE/internal/config"
	"github.com/codeYAY/SPACE/internal/telemetry"
	"github.com/codeYAY/SPACE/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// MaxRowsPerCollection caps the sampled records kept per collection.
const MaxRowsPerCollection = 2000

// ErrNoCandidate is returned when every endpoint candidate failed.
var ErrNoCandidate = errors.New("no data space endpoint answered")

// Candidate is one endpoint that may serve the data-space payload.
type Candidate struct {
	URL    string
	Method string
	Reason string
}

// Loader fetches data-space summaries over HTTP.
type Loader struct {
	client       *http.Client
	baseURL      string
	defaultToken string
}

// NewLoader creates a loader from configuration.
func NewLoader(cfg config.DataSpaceConfig) *Loader {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base := strings.TrimSpace(cfg.APIURL)
	if base == "" {
		base = config.DefaultDataSpaceAPIURL
	}
	return &Loader{
		client:       &http.Client{Timeout: timeout},
		baseURL:      base,
		defaultToken: cfg.APIToken,
	}
}

// WithHTTPClient replaces the HTTP client.
func (l *Loader) WithHTTPClient(c *http.Client) *Loader {
	l.client = c
	return l
}

// Load returns the summary for source. A nil source, a missing token or a
// source with no usable endpoint yields (nil, nil). When every candidate
// fails the last error is returned wrapped in ErrNoCandidate.
func (l *Loader) Load(ctx context.Context, source *models.HiveSource, token string) (*models.DataSpaceSummary, error) {
	if source == nil {
		return nil, nil
	}
	token = strings.TrimSpace(token)
	if token == "" {
		token = l.defaultToken
	}
	if token == "" {
		log.Warn().Str("source", source.ID).Msg("Missing MHIVE_API_TOKEN; skipping data space preview")
		return nil, nil
	}

	candidates := Candidates(source, l.baseURL)
	if len(candidates) == 0 {
		return nil, nil
	}

	ctx, span := telemetry.Tracer().Start(ctx, "dataspace.load")
	defer span.End()
	span.SetAttributes(
		attribute.String("dataspace.source_id", source.ID),
		attribute.Int("dataspace.candidates", len(candidates)),
	)

	var lastErr error
	for _, c := range candidates {
		payload, err := l.request(ctx, c, token)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("reason", c.Reason).Str("url", c.URL).Msg("Data space candidate failed")
			continue
		}
		summary := normalize(payload, c, source)
		span.SetAttributes(attribute.Int("dataspace.collections", len(summary.Collections)))
		log.Info().
			Str("source", source.ID).
			Str("endpoint", c.URL).
			Int("collections", len(summary.Collections)).
			Msg("🗂️ Data space loaded")
		return summary, nil
	}

	span.SetStatus(codes.Error, lastErr.Error())
	return nil, fmt.Errorf("%w for source %s: %v", ErrNoCandidate, source.ID, lastErr)
}

// Candidates lists the endpoints to try for source, in order.
func Candidates(source *models.HiveSource, baseURL string) []Candidate {
	var out []Candidate
	path := normalizePath(source.Path)

	switch source.Type {
	case models.SourceDataSpace:
		spaceID := source.MetaString("spaceId")
		virtualID := source.MetaString("virtualEndpointId")
		if spaceID != "" && virtualID != "" && virtualID != "0" {
			out = append(out, Candidate{
				URL: fmt.Sprintf("%s/api/v1/data-spaces/%s/virtual-endpoints/%s/execute",
					baseURL, url.PathEscape(spaceID), url.PathEscape(virtualID)),
				Method: http.MethodPost,
				Reason: "virtual-endpoint-execute",
			})
		}
		if path != "" {
			out = append(out, Candidate{URL: absoluteURL(path, baseURL), Method: http.MethodGet, Reason: "normalized-space-path"})
		}
	case models.SourceConnection:
		if path != "" {
			out = append(out, Candidate{URL: absoluteURL(path, baseURL), Method: http.MethodGet, Reason: "connection-path"})
		}
	}
	return out
}

// ── HTTP ────────────────────────────────────────────────────

type rawPayload struct {
	Context     json.RawMessage  `json:"context"`
	Collections []map[string]any `json:"collections"`
	Insights    json.RawMessage  `json:"insights"`
}

func (l *Loader) request(ctx context.Context, c Candidate, token string) (*rawPayload, error) {
	var body io.Reader
	if c.Method == http.MethodPost {
		body = bytes.NewReader([]byte("{}"))
	}
	req, err := http.NewRequestWithContext(ctx, c.Method, c.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build data space request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("data space request %s %s: %w", c.Method, c.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("data space request failed (%s %s): %d %s - %s",
			c.Method, c.URL, resp.StatusCode, http.StatusText(resp.StatusCode), strings.TrimSpace(string(msg)))
	}

	var payload rawPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode data space payload: %w", err)
	}
	return &payload, nil
}

// ── Normalization ───────────────────────────────────────────

func normalize(p *rawPayload, c Candidate, source *models.HiveSource) *models.DataSpaceSummary {
	summary := &models.DataSpaceSummary{
		SourceID:    source.ID,
		SourceName:  source.Name,
		SpaceName:   spaceName(p.Context),
		EndpointURL: c.URL,
		Context:     nonNull(p.Context),
		Insights:    nonNull(p.Insights),
		Collections: make([]models.CollectionSummary, 0, len(p.Collections)),
	}
	for i, raw := range p.Collections {
		summary.Collections = append(summary.Collections, normalizeCollection(raw, i))
	}
	return summary
}

func normalizeCollection(raw map[string]any, index int) models.CollectionSummary {
	key := firstLabel(raw["key"], raw["name"], raw["title"])
	if key == "" {
		key = fmt.Sprintf("collection_%d", index)
	}
	title := firstLabel(raw["title"], raw["name"])
	if title == "" {
		title = fmt.Sprintf("Collection %d", index+1)
	}

	col := models.CollectionSummary{Key: key, Title: title}
	if d, ok := raw["description"].(string); ok {
		col.Description = d
	}
	if schema, ok := raw["schema"].(map[string]any); ok {
		col.Schema = schema
	}

	source, isList := raw["items"].([]any)
	if !isList {
		source, isList = raw["records"].([]any)
	}
	records := objects(source)
	if len(records) > MaxRowsPerCollection {
		records = records[:MaxRowsPerCollection]
	}
	col.Records = records

	if n, ok := recordCount(raw["record_count"]); ok {
		col.TotalRecords = n
	} else if n, ok := recordCount(raw["recordCount"]); ok {
		col.TotalRecords = n
	} else if isList {
		col.TotalRecords = len(source)
	} else {
		col.TotalRecords = len(records)
	}
	return col
}

func objects(items []any) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// recordCount parses a count given as a finite number or numeric string.
// Any finite value is accepted as given, negatives included.
func recordCount(v any) (int, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	switch {
	case math.IsNaN(f) || math.IsInf(f, 0):
		return 0, false
	case f >= float64(math.MaxInt):
		return math.MaxInt, true
	case f <= float64(math.MinInt):
		return math.MinInt, true
	}
	return int(f), true
}

func firstLabel(vals ...any) string {
	for _, v := range vals {
		switch x := v.(type) {
		case string:
			if x != "" {
				return x
			}
		case float64:
			if x != 0 {
				return strconv.FormatFloat(x, 'f', -1, 64)
			}
		}
	}
	return ""
}

func spaceName(ctx json.RawMessage) string {
	if len(ctx) == 0 {
		return ""
	}
	var c struct {
		Space map[string]any `json:"space"`
	}
	if err := json.Unmarshal(ctx, &c); err != nil {
		return ""
	}
	name, _ := c.Space["name"].(string)
	return name
}

func nonNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

// ── Paths ───────────────────────────────────────────────────

var (
	repeatedSlashes = regexp.MustCompile(`/{2,}`)
	innerSlashes    = regexp.MustCompile(`([^:]/)/+`)
)

func normalizePath(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "http") {
		return path
	}
	path = repeatedSlashes.ReplaceAllString(path, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

func absoluteURL(path, baseURL string) string {
	if strings.HasPrefix(path, "http") {
		return path
	}
	joined := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")
	return innerSlashes.ReplaceAllString(joined, "$1")
}
