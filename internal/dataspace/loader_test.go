package dataspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/codeYAY/SPACE/internal/config"
	"github.com/codeYAY/SPACE/pkg/models"
)

func dataSpaceSource() *models.HiveSource {
	return &models.HiveSource{
		ID:   "src-1",
		Name: "Sales",
		Type: models.SourceDataSpace,
		Path: "spaces//sales",
		Metadata: map[string]any{
			"spaceId":           "space 7",
			"virtualEndpointId": float64(42),
		},
	}
}

func TestCandidates(t *testing.T) {
	base := "https://hive.example"

	got := Candidates(dataSpaceSource(), base)
	want := []Candidate{
		{URL: "https://hive.example/api/v1/data-spaces/space%207/virtual-endpoints/42/execute", Method: http.MethodPost, Reason: "virtual-endpoint-execute"},
		{URL: "https://hive.example/spaces/sales", Method: http.MethodGet, Reason: "normalized-space-path"},
	}
	if len(got) != len(want) {
		t.Fatalf("Candidates() = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Candidates()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}

	conn := &models.HiveSource{ID: "c", Type: models.SourceConnection, Path: "https://api.other/v1//rows"}
	if got := Candidates(conn, base); len(got) != 1 || got[0].URL != "https://api.other/v1//rows" || got[0].Reason != "connection-path" {
		t.Errorf("Candidates(connection) = %+v", got)
	}

	bare := &models.HiveSource{ID: "b", Type: models.SourceDataSpace}
	if got := Candidates(bare, base); len(got) != 0 {
		t.Errorf("Candidates(no path, no ids) = %+v, want none", got)
	}
}

func TestAbsoluteURL(t *testing.T) {
	tests := []struct{ path, base, want string }{
		{"/a/b", "https://h.example/", "https://h.example/a/b"},
		{"a//b", "https://h.example", "https://h.example/a/b"},
		{"http://x/y", "https://h.example", "http://x/y"},
	}
	for _, tt := range tests {
		if got := absoluteURL(normalizePath(tt.path), tt.base); got != tt.want {
			t.Errorf("absoluteURL(%q, %q) = %q, want %q", tt.path, tt.base, got, tt.want)
		}
	}
}

func TestLoad_FirstSuccessfulCandidateWins(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer user-token" {
			t.Errorf("Authorization = %q", got)
		}
		if r.Method == http.MethodPost {
			http.Error(w, "virtual endpoint offline", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"context": {"space": {"name": "Sales Space"}},
			"collections": [
				{"name": "orders", "record_count": "12000", "items": [{"id": 1}, 5, {"id": 2}], "schema": {"id": "number"}},
				{"title": "Customers", "records": [{"id": 1, "name": "A"}]},
				{"recordCount": 7}
			]
		}`)
	}))
	defer srv.Close()

	l := NewLoader(config.DataSpaceConfig{APIURL: srv.URL})
	ds, err := l.Load(context.Background(), dataSpaceSource(), "  user-token ")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("server calls = %d, want 2", calls.Load())
	}
	if ds.SpaceName != "Sales Space" || ds.SourceName != "Sales" || !strings.HasSuffix(ds.EndpointURL, "/spaces/sales") {
		t.Errorf("summary header = %q/%q/%q", ds.SourceName, ds.SpaceName, ds.EndpointURL)
	}
	if len(ds.Collections) != 3 {
		t.Fatalf("len(Collections) = %d, want 3", len(ds.Collections))
	}

	orders := ds.Collections[0]
	if orders.Key != "orders" || orders.Title != "orders" || orders.TotalRecords != 12000 || len(orders.Records) != 2 {
		t.Errorf("orders = %+v", orders)
	}
	customers := ds.Collections[1]
	if customers.Key != "Customers" || customers.Title != "Customers" || customers.TotalRecords != 1 || customers.Schema != nil {
		t.Errorf("customers = %+v", customers)
	}
	anon := ds.Collections[2]
	if anon.Key != "collection_2" || anon.Title != "Collection 3" || anon.TotalRecords != 7 || len(anon.Records) != 0 {
		t.Errorf("anonymous = %+v", anon)
	}
}

func TestNormalizeCollection_RecordCount(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		want int
	}{
		{"negative number kept", map[string]any{"record_count": float64(-3), "items": []any{map[string]any{"id": 1}}}, -3},
		{"negative string kept", map[string]any{"recordCount": "-2"}, -2},
		{"zero kept", map[string]any{"record_count": float64(0), "items": []any{map[string]any{"id": 1}}}, 0},
		{"fraction truncated", map[string]any{"record_count": 4.9}, 4},
		{"snake case wins", map[string]any{"record_count": float64(-1), "recordCount": float64(9)}, -1},
		{"invalid falls through", map[string]any{"record_count": "many", "recordCount": float64(6)}, 6},
		{"infinite string ignored", map[string]any{"record_count": "Inf", "items": []any{1, 2}}, 2},
		{"blank string ignored", map[string]any{"record_count": " ", "records": []any{map[string]any{"id": 1}}}, 1},
		{"absent uses records", map[string]any{"records": []any{map[string]any{"id": 1}, map[string]any{"id": 2}}}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			col := normalizeCollection(tt.raw, 0)
			if col.TotalRecords != tt.want {
				t.Errorf("TotalRecords = %d, want %d", col.TotalRecords, tt.want)
			}
		})
	}
}

func TestLoad_CapsRecords(t *testing.T) {
	items := make([]map[string]int, MaxRowsPerCollection+500)
	for i := range items {
		items[i] = map[string]int{"n": i}
	}
	body, _ := json.Marshal(map[string]any{"collections": []any{map[string]any{"key": "big", "items": items}}})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	src := &models.HiveSource{ID: "c", Type: models.SourceConnection, Path: srv.URL + "/rows"}
	ds, err := NewLoader(config.DataSpaceConfig{APIToken: "default"}).Load(context.Background(), src, "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	col := ds.Collections[0]
	if len(col.Records) != MaxRowsPerCollection {
		t.Errorf("len(Records) = %d, want %d", len(col.Records), MaxRowsPerCollection)
	}
	if col.TotalRecords != MaxRowsPerCollection+500 {
		t.Errorf("TotalRecords = %d, want %d", col.TotalRecords, MaxRowsPerCollection+500)
	}
}

func TestLoad_NoSourceOrToken(t *testing.T) {
	l := NewLoader(config.DataSpaceConfig{})

	ds, err := l.Load(context.Background(), nil, "tok")
	if ds != nil || err != nil {
		t.Errorf("Load(nil source) = %v, %v", ds, err)
	}
	ds, err = l.Load(context.Background(), dataSpaceSource(), "  ")
	if ds != nil || err != nil {
		t.Errorf("Load(no token) = %v, %v", ds, err)
	}
}

func TestLoad_AllCandidatesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewLoader(config.DataSpaceConfig{APIURL: srv.URL}).Load(context.Background(), dataSpaceSource(), "tok")
	if !errors.Is(err, ErrNoCandidate) {
		t.Fatalf("Load() error = %v, want ErrNoCandidate", err)
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("Load() error = %v, want status in message", err)
	}
}

func TestBrief(t *testing.T) {
	ds := &models.DataSpaceSummary{
		SourceName:  "Sales",
		SpaceName:   "Q3",
		EndpointURL: "https://hive.example/x",
		Collections: []models.CollectionSummary{
			{Key: "orders", TotalRecords: 12000, Schema: map[string]any{"id": "number", "total": "number", "status": "string"}},
			{Key: "customers", TotalRecords: 2, Records: []map[string]any{{"id": 1, "name": "A"}}},
			{Key: "empty", TotalRecords: 0},
		},
	}
	want := "DATA SPACE SOURCE: Sales\nSpace: Q3\nEndpoint: https://hive.example/x\nCollections:\n" +
		"- orders: 12000 records, 3 fields\n" +
		"- customers: 2 records, 2 fields\n" +
		"- empty: 0 records, 0 fields\n" +
		"Use the viewDataSpaceCollection tool to inspect schema or sample rows before building UI bindings."
	if got := Brief(ds); got != want {
		t.Errorf("Brief() =\n%s\nwant\n%s", got, want)
	}

	bare := &models.DataSpaceSummary{EndpointURL: "https://e"}
	if got := Brief(bare); got != "DATA SPACE SOURCE: Unknown\nEndpoint: https://e\nNo collections were returned from the endpoint." {
		t.Errorf("Brief(no collections) = %q", got)
	}
}
