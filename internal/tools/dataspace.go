package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/codeYAY/SPACE/pkg/models"
)

// Collection preview defaults and bounds.
const (
	DefaultCollectionLimit = 25
	MaxCollectionLimit     = 100

	NoCollections = "No data space collections are available for this run."
)

type viewCollectionArgs struct {
	Key           string   `json:"key"`
	Offset        *float64 `json:"offset"`
	Limit         *float64 `json:"limit"`
	IncludeSchema *bool    `json:"includeSchema"`
}

type collectionView struct {
	Key          string           `json:"key"`
	Title        string           `json:"title"`
	TotalRecords int              `json:"totalRecords"`
	Offset       int              `json:"offset"`
	Limit        int              `json:"limit"`
	Schema       any              `json:"schema,omitempty"`
	Rows         []map[string]any `json:"rows"`
}

// ViewDataSpaceCollection previews the schema and sample rows of a collection.
func ViewDataSpaceCollection() Tool {
	return Tool{
		Name:        "viewDataSpaceCollection",
		Description: "Preview schema details and sample rows for a Hive Data Space collection",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{
					"type":        "string",
					"description": "Collection key or title to inspect",
				},
				"offset": map[string]any{
					"type":        "number",
					"description": "Starting row offset within the collection",
				},
				"limit": map[string]any{
					"type":        "number",
					"description": "Number of rows to return from the offset",
				},
				"includeSchema": map[string]any{
					"type":        "boolean",
					"description": "Include the field schema in the response",
				},
			},
			"required": []any{"key"},
		},
		Handler: func(_ context.Context, call Call) Result {
			var args viewCollectionArgs
			if err := json.Unmarshal(call.Args, &args); err != nil {
				return Result{Output: "Error: " + err.Error()}
			}
			return Result{Output: ViewCollection(call.State.DataSpace, args.Key, args.Offset, args.Limit, args.IncludeSchema)}
		},
	}
}

// ViewCollection renders a slice of a collection. Nil offset, limit and
// includeSchema take their defaults.
func ViewCollection(ds *models.DataSpaceSummary, key string, offset, limit *float64, includeSchema *bool) string {
	if ds == nil || len(ds.Collections) == 0 {
		return NoCollections
	}

	col := FindCollection(ds, key)
	if col == nil {
		available := make([]string, 0, len(ds.Collections))
		for _, c := range ds.Collections {
			available = append(available, fmt.Sprintf("%s (%s)", c.Key, c.Title))
		}
		return fmt.Sprintf("Collection %q was not found. Available collections: %s", key, strings.Join(available, ", "))
	}

	off := 0.0
	if offset != nil {
		off = *offset
	}
	lim := float64(DefaultCollectionLimit)
	if limit != nil {
		lim = *limit
	}
	withSchema := includeSchema == nil || *includeSchema

	safeOffset := SanitizeOffset(off)
	safeLimit := SanitizeLimit(lim)

	rows := []map[string]any{}
	if n := len(col.Records); safeOffset < n {
		end := n
		if safeLimit < n-safeOffset {
			end = safeOffset + safeLimit
		}
		rows = col.Records[safeOffset:end]
	}

	view := collectionView{
		Key:          col.Key,
		Title:        col.Title,
		TotalRecords: col.TotalRecords,
		Offset:       safeOffset,
		Limit:        safeLimit,
		Rows:         rows,
	}
	if withSchema {
		if col.Schema != nil {
			view.Schema = col.Schema
		} else {
			view.Schema = InferSchema(col.Records)
		}
	}

	out, err := marshal(view, true)
	if err != nil {
		return "Error: " + err.Error()
	}
	return out
}

// FindCollection matches key against collection keys and titles,
// ignoring case and surrounding space.
func FindCollection(ds *models.DataSpaceSummary, key string) *models.CollectionSummary {
	if ds == nil {
		return nil
	}
	needle := strings.ToLower(strings.TrimSpace(key))
	for i := range ds.Collections {
		c := &ds.Collections[i]
		if strings.ToLower(c.Key) == needle || strings.ToLower(c.Title) == needle {
			return c
		}
	}
	return nil
}

// SanitizeOffset coerces an offset to a non-negative integer. Offsets
// beyond the int range saturate at math.MaxInt.
func SanitizeOffset(v float64) int {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	if v >= float64(math.MaxInt) {
		return math.MaxInt
	}
	return int(math.Floor(v))
}

// SanitizeLimit coerces a limit to an integer in [1, MaxCollectionLimit].
func SanitizeLimit(v float64) int {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return DefaultCollectionLimit
	}
	if v < 1 {
		return 1
	}
	if v > MaxCollectionLimit {
		return MaxCollectionLimit
	}
	return int(math.Floor(v))
}

// InferSchema labels each field with the type of the first value seen for it.
func InferSchema(records []map[string]any) map[string]string {
	schema := make(map[string]string)
	for _, rec := range records {
		for field, v := range rec {
			if _, seen := schema[field]; seen {
				continue
			}
			schema[field] = typeLabel(v)
		}
	}
	return schema
}

func typeLabel(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any, []map[string]any, []string:
		return "array"
	case time.Time, *time.Time:
		return "date"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, int32, json.Number:
		return "number"
	default:
		return "object"
	}
}
