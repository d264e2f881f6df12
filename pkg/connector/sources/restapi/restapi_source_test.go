package restapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataflow/strataflow/pkg/connector/core"
	"github.com/strataflow/strataflow/pkg/errors"
	"github.com/strataflow/strataflow/pkg/models"
	"github.com/strataflow/strataflow/pkg/testutil"
)

func newTestSource(t *testing.T, baseURL string) *RestAPISource {
	t.Helper()

	cfg := testutil.TestConnectorConfig("api1", "restapi")
	cfg.Connection.Params["base_url"] = baseURL
	cfg.Connection.Params["cursor_param"] = "updated_since"
	cfg.Connection.Params["page_size_param"] = "limit"

	src, err := NewRestAPISource(cfg)
	require.NoError(t, err)
	rest := src.(*RestAPISource)
	require.NoError(t, rest.Initialize(context.Background(), cfg))
	t.Cleanup(func() { _ = rest.Close(context.Background()) })
	return rest
}

func collect(t *testing.T, stream *core.BatchStream) []*models.Record {
	t.Helper()

	var records []*models.Record
	for batch := range stream.Batches {
		records = append(records, batch...)
	}
	require.NoError(t, <-stream.Errors)
	return records
}

func TestFetchPagesThroughTokenPagination(t *testing.T) {
	pages := map[string][]map[string]interface{}{
		"": {
			{"id": 1, "updated_at": 10},
			{"id": 2, "updated_at": 20},
		},
		"tok2": {
			{"id": 3, "updated_at": 30},
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders", r.URL.Path)
		after := r.URL.Query().Get("after")
		body := map[string]interface{}{"data": pages[after]}
		if after == "" {
			body["paging"] = map[string]interface{}{"next": "tok2"}
		}
		require.NoError(t, json.NewEncoder(w).Encode(body))
	}))
	defer srv.Close()

	src := newTestSource(t, srv.URL)
	stream, err := src.Fetch(context.Background(), "orders", core.None)
	require.NoError(t, err)

	records := collect(t, stream)
	require.Len(t, records, 3)
	assert.Equal(t, "30", records[2].Metadata.CursorValue)
	assert.Equal(t, core.Cursor("30"), src.MaxCursor("orders", records))
}

func TestFetchAppliesCursorGuard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Inclusive server-side filter: the boundary record comes back too
		assert.Equal(t, "20", r.URL.Query().Get("updated_since"))
		body := map[string]interface{}{"data": []map[string]interface{}{
			{"id": 2, "updated_at": 20},
			{"id": 3, "updated_at": 30},
		}}
		require.NoError(t, json.NewEncoder(w).Encode(body))
	}))
	defer srv.Close()

	src := newTestSource(t, srv.URL)
	stream, err := src.Fetch(context.Background(), "orders", core.Cursor("20"))
	require.NoError(t, err)

	records := collect(t, stream)
	require.Len(t, records, 1)
	assert.Equal(t, "30", records[0].Metadata.CursorValue)
}

func TestFetchDecodesBareArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id": 1, "updated_at": 5}]`)
	}))
	defer srv.Close()

	src := newTestSource(t, srv.URL)
	stream, err := src.Fetch(context.Background(), "orders", core.None)
	require.NoError(t, err)

	records := collect(t, stream)
	require.Len(t, records, 1)
	assert.Equal(t, "5", records[0].Metadata.CursorValue)
}

func TestFetchSurfacesAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	src := newTestSource(t, srv.URL)
	stream, err := src.Fetch(context.Background(), "orders", core.None)
	require.NoError(t, err)

	for range stream.Batches {
	}
	err = <-stream.Errors
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestRateLimitPacesRequests(t *testing.T) {
	pages := map[string]map[string]interface{}{
		"":   {"data": []map[string]interface{}{{"id": 1, "updated_at": 1}}, "paging": map[string]interface{}{"next": "p2"}},
		"p2": {"data": []map[string]interface{}{{"id": 2, "updated_at": 2}}, "paging": map[string]interface{}{"next": "p3"}},
		"p3": {"data": []map[string]interface{}{{"id": 3, "updated_at": 3}}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(pages[r.URL.Query().Get("after")]))
	}))
	defer srv.Close()

	cfg := testutil.TestConnectorConfig("api1", "restapi")
	cfg.Connection.Params["base_url"] = srv.URL
	cfg.Reliability.RateLimitPerSec = 2

	src, err := NewRestAPISource(cfg)
	require.NoError(t, err)
	rest := src.(*RestAPISource)
	require.NoError(t, rest.Initialize(context.Background(), cfg))
	t.Cleanup(func() { _ = rest.Close(context.Background()) })

	// Burst covers the first two pages; the third has to wait for a token.
	start := time.Now()
	stream, err := rest.Fetch(context.Background(), "orders", core.None)
	require.NoError(t, err)
	records := collect(t, stream)

	require.Len(t, records, 3)
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestInitializeRequiresBaseURL(t *testing.T) {
	cfg := testutil.TestConnectorConfig("api1", "restapi")

	src, err := NewRestAPISource(cfg)
	require.NoError(t, err)
	err = src.Initialize(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		errType errors.ErrorType
	}{
		{"ok", http.StatusOK, ""},
		{"created", http.StatusCreated, ""},
		{"unauthorized", http.StatusUnauthorized, errors.ErrorTypeAuthentication},
		{"forbidden", http.StatusForbidden, errors.ErrorTypeAuthentication},
		{"not found", http.StatusNotFound, errors.ErrorTypeSchema},
		{"rate limited", http.StatusTooManyRequests, errors.ErrorTypeRateLimit},
		{"server error", http.StatusBadGateway, errors.ErrorTypeConnection},
		{"teapot", http.StatusTeapot, errors.ErrorTypeData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := statusError(tt.status, "http://example.test")
			if tt.errType == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsType(err, tt.errType))
		})
	}
}

func TestLookupPath(t *testing.T) {
	payload := map[string]interface{}{
		"paging": map[string]interface{}{"next": "tok"},
		"data":   []interface{}{1.0},
	}

	assert.Equal(t, "tok", lookupPath(payload, "paging.next"))
	assert.Equal(t, []interface{}{1.0}, lookupPath(payload, "data"))
	assert.Nil(t, lookupPath(payload, "paging.missing"))
	assert.Nil(t, lookupPath(payload, "data.next"))
}

func TestWithQueryParam(t *testing.T) {
	got := withQueryParam("http://h/orders?limit=2", "after", "tok")
	assert.Equal(t, "http://h/orders?after=tok&limit=2", got)
}
