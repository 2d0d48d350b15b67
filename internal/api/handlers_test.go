package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangwenmai/repoharvest/internal/model"
	"github.com/yangwenmai/repoharvest/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := store.New(db)
	require.NoError(t, err)
	return New(s, "", nil), s
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result), "body: %s", rr.Body.String())
	return result
}

func decodeList(t *testing.T, rr *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var items []map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &items), "body: %s", rr.Body.String())
	return items
}

// seed creates one OAI item and one keyword item.
func seed(t *testing.T, s *store.Store) (oaiID, kwID string) {
	t.Helper()
	ctx := context.Background()
	a, err := s.UpsertItem(ctx, model.ItemAttrs{
		OAIIdentifier: "oai:alice:1",
		ItemPageURL:   "https://alice.example/handle/1",
		DiscoveryMode: model.DiscoveryOAI,
		Source:        "alice",
		Metadata:      model.Metadata{"title": model.String("Milho safrinha")},
	}, model.StatusLinkPending, model.ResetNone)
	require.NoError(t, err)
	b, err := s.UpsertItem(ctx, model.ItemAttrs{
		ItemPageURL:   "https://www.embrapa.br/busca/2",
		DiscoveryMode: model.DiscoveryKeyword,
		Source:        "embrapa",
		Metadata:      model.Metadata{"title": model.String("Soja")},
	}, model.StatusMetadataPending, model.ResetNone)
	require.NoError(t, err)
	return a.ID, b.ID
}

func TestListItems(t *testing.T) {
	srv, st := newTestServer(t)
	seed(t, st)

	rr := doRequest(t, srv.Handler(), "GET", "/api/items", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeList(t, rr), 2)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
}

func TestListItems_Filters(t *testing.T) {
	srv, st := newTestServer(t)
	h := srv.Handler()
	seed(t, st)

	tests := []struct {
		query string
		want  int
	}{
		{"status=LINK_PENDING", 1},
		{"status=LINK_PENDING,METADATA_PENDING", 2},
		{"status=PROCESSED", 0},
		{"mode=keyword", 1},
		{"source=alice", 1},
		{"q=Milho", 1},
		{"limit=1", 1},
		{"limit=1&offset=1", 1},
		{"limit=5&offset=2", 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rr := doRequest(t, h, "GET", "/api/items?"+tt.query, "")
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
			assert.Len(t, decodeList(t, rr), tt.want)
		})
	}
}

func TestListItems_BadParams(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	for _, q := range []string{"status=PENDING", "mode=ftp", "limit=0", "limit=abc", "limit=1000", "offset=-1"} {
		rr := doRequest(t, h, "GET", "/api/items?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rr.Code, q)
	}
}

func TestGetItem(t *testing.T) {
	srv, st := newTestServer(t)
	id, _ := seed(t, st)

	require.NoError(t, st.UpsertFileResult(context.Background(), model.FileResult{
		ItemID: id, RemoteURL: "https://alice.example/bitstream/1.pdf", FileType: model.FileTypePDF,
		Status: model.DownloadDownloaded, LocalPath: "downloads/pdf/" + id + "/1.pdf", Hash: "abc", Size: 10,
	}))

	rr := doRequest(t, srv.Handler(), "GET", "/api/items/"+id, "")
	require.Equal(t, http.StatusOK, rr.Code)
	result := decodeJSON(t, rr)
	assert.Equal(t, string(model.StatusLinkPending), result["status"])

	files, _ := result["files"].([]any)
	require.Len(t, files, 1)
	assert.Equal(t, string(model.DownloadDownloaded), files[0].(map[string]any)["download_status"])
}

func TestGetItem_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doRequest(t, srv.Handler(), "GET", "/api/items/nonexistent", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRetry(t *testing.T) {
	srv, st := newTestServer(t)
	h := srv.Handler()
	oaiID, kwID := seed(t, st)
	ctx := context.Background()

	require.NoError(t, st.SetItemError(ctx, oaiID, model.StatusErrorExtraction, model.ErrorInfo{FailedStep: "resolve"}))
	require.NoError(t, st.RecordResources(ctx, kwID, []model.Resource{{Type: model.FileTypePDF, URL: "https://www.embrapa.br/x.pdf", Critical: true}}))
	require.NoError(t, st.SetItemError(ctx, kwID, model.StatusErrorDownload, model.ErrorInfo{FailedStep: "download"}))

	tests := []struct {
		id   string
		want model.Status
	}{
		{oaiID, model.StatusLinkPending},
		{kwID, model.StatusAwaitingDownload},
	}
	for _, tt := range tests {
		rr := doRequest(t, h, "POST", "/api/items/"+tt.id+"/retry", "")
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, string(tt.want), decodeJSON(t, rr)["status"])

		item, err := st.GetItem(ctx, tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.want, item.Status)
		assert.Nil(t, item.ErrorInfo)
	}
}

func TestRetry_NotInError(t *testing.T) {
	srv, st := newTestServer(t)
	h := srv.Handler()
	id, _ := seed(t, st)

	rr := doRequest(t, h, "POST", "/api/items/"+id+"/retry", "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = doRequest(t, h, "POST", "/api/items/nonexistent/retry", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStats(t *testing.T) {
	srv, st := newTestServer(t)
	id, _ := seed(t, st)

	require.NoError(t, st.UpsertFileResult(context.Background(), model.FileResult{
		ItemID: id, RemoteURL: "https://alice.example/bitstream/1.pdf", FileType: model.FileTypePDF,
		Status: model.DownloadFailedHTTP(404),
	}))

	rr := doRequest(t, srv.Handler(), "GET", "/api/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	result := decodeJSON(t, rr)
	assert.Equal(t, float64(2), result["total"])
	assert.Len(t, result["items"], 2)

	files, _ := result["files"].([]any)
	require.Len(t, files, 1)
	f := files[0].(map[string]any)
	assert.Equal(t, "FAILED_HTTP_404", f["download_status"])
	assert.Equal(t, float64(1), f["count"])
}

func TestStats_Empty(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doRequest(t, srv.Handler(), "GET", "/api/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"items":[]`)
}

func TestHealth(t *testing.T) {
	srv, st := newTestServer(t)
	h := srv.Handler()

	rr := doRequest(t, h, "GET", "/api/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decodeJSON(t, rr)["status"])

	require.NoError(t, st.Close())
	rr = doRequest(t, h, "GET", "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "unavailable", decodeJSON(t, rr)["status"])
}

func TestCORS(t *testing.T) {
	_, st := newTestServer(t)
	h := New(st, "https://dash.example", nil).Handler()

	rr := doRequest(t, h, "OPTIONS", "/api/items", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "https://dash.example", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doRequest(t, srv.Handler(), "DELETE", "/api/items/x", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
