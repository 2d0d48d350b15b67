package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangwenmai/repoharvest/internal/fetch"
	"github.com/yangwenmai/repoharvest/internal/model"
	"github.com/yangwenmai/repoharvest/internal/retry"
	"github.com/yangwenmai/repoharvest/internal/store"
)

var pdfBody = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n%%EOF\n")

type fixture struct {
	store  *store.Store
	dir    string
	itemID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := store.New(db)
	require.NoError(t, err)

	up, err := s.UpsertItem(context.Background(), model.ItemAttrs{
		OAIIdentifier: "oai:x:1",
		DiscoveryMode: model.DiscoveryOAI,
		Source:        "x",
	}, model.StatusAwaitingDownload, model.ResetNone)
	require.NoError(t, err)
	return &fixture{store: s, dir: t.TempDir(), itemID: up.ID}
}

func (f *fixture) downloader(policy retry.Policy, timeout time.Duration) *Downloader {
	return New(fetch.New(fetch.Options{Timeout: timeout}), f.store, Options{BaseDir: f.dir, Policy: policy}, nil)
}

func (f *fixture) file(t *testing.T, url string) model.FileArtifact {
	t.Helper()
	files, err := f.store.ListFiles(context.Background(), f.itemID)
	require.NoError(t, err)
	for _, a := range files {
		if a.RemoteURL == url {
			return a
		}
	}
	t.Fatalf("no artifact for %s", url)
	return model.FileArtifact{}
}

func recordingPolicy(attempts int, delays *[]time.Duration) retry.Policy {
	var mu sync.Mutex
	return retry.Policy{
		MaxAttempts: attempts,
		BaseDelay:   10 * time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			*delays = append(*delays, d)
			mu.Unlock()
			return ctx.Err()
		},
	}
}

func TestDownloadSuccess(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pdfBody)
	}))
	defer ts.Close()

	url := ts.URL + "/bitstream/1/An%C3%A1lise%20de%20Solo.pdf"
	res, err := f.downloader(retry.NoDelay(3), 0).Download(context.Background(), f.itemID, model.FileTypePDF, url)
	require.NoError(t, err)
	assert.Equal(t, model.DownloadDownloaded, res.Status)
	assert.Equal(t, filepath.Join(f.dir, "pdf", f.itemID, "Analise_de_Solo_"+shortHash(url)[:8]+".pdf"), res.LocalPath)
	assert.Equal(t, int64(len(pdfBody)), res.Size)
	assert.Len(t, res.Hash, 64)

	got, err := os.ReadFile(res.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, pdfBody, got)

	a := f.file(t, url)
	assert.Equal(t, model.DownloadDownloaded, a.DownloadStatus)
	require.NotNil(t, a.SuccessAt)
	require.NotNil(t, a.ContentHash)
	assert.Equal(t, res.Hash, *a.ContentHash)
}

func TestDownloadRetriesTimeouts(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		w.Write(pdfBody)
	}))
	defer ts.Close()

	var delays []time.Duration
	d := f.downloader(recordingPolicy(5, &delays), 100*time.Millisecond)
	res, err := d.Download(context.Background(), f.itemID, model.FileTypePDF, ts.URL+"/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, model.DownloadDownloaded, res.Status)
	assert.Equal(t, 4, res.Attempts)
	assert.EqualValues(t, 4, calls.Load())

	require.Len(t, delays, 3)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
	}
}

func TestDownloadTimeoutExhausted(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	url := ts.URL + "/a.pdf"
	res, err := f.downloader(retry.NoDelay(2), 50*time.Millisecond).Download(context.Background(), f.itemID, model.FileTypePDF, url)
	require.NoError(t, err)
	assert.Equal(t, model.DownloadFailedTimeout, res.Status)
	assert.Equal(t, model.DownloadFailedTimeout, f.file(t, url).DownloadStatus)
}

func TestDownloadNotFoundIsTerminal(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer ts.Close()

	url := ts.URL + "/missing.pdf"
	res, err := f.downloader(retry.NoDelay(5), 0).Download(context.Background(), f.itemID, model.FileTypePDF, url)
	require.NoError(t, err)
	assert.Equal(t, model.DownloadStatus("FAILED_HTTP_404"), res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.EqualValues(t, 1, calls.Load())

	a := f.file(t, url)
	assert.Equal(t, model.DownloadStatus("FAILED_HTTP_404"), a.DownloadStatus)
	assert.Nil(t, a.SuccessAt)
}

func TestDownloadServerErrorRetried(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.Write(pdfBody)
		}
	}))
	defer ts.Close()

	res, err := f.downloader(retry.NoDelay(3), 0).Download(context.Background(), f.itemID, model.FileTypePDF, ts.URL+"/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, model.DownloadDownloaded, res.Status)
	assert.Equal(t, 3, res.Attempts)
}

func TestDownloadMidStreamFailureLeavesNoFile(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		partial := make([]byte, 5000)
		copy(partial, pdfBody)
		w.Header().Set("Content-Length", strconv.Itoa(20000))
		w.WriteHeader(http.StatusOK)
		w.Write(partial)
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer ts.Close()

	url := ts.URL + "/big.pdf"
	res, err := f.downloader(retry.NoDelay(2), 0).Download(context.Background(), f.itemID, model.FileTypePDF, url)
	require.NoError(t, err)
	assert.Equal(t, model.DownloadFailedNetwork, res.Status)
	assert.Equal(t, 2, res.Attempts)

	target := Path(f.dir, f.itemID, model.FileTypePDF, url)
	assert.NoFileExists(t, target)
	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	assert.Empty(t, entries, "temp files are removed")
}

func TestDownloadSkipsRecordedSuccess(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write(pdfBody)
	}))
	defer ts.Close()

	d := f.downloader(retry.NoDelay(3), 0)
	url := ts.URL + "/a.pdf"
	first, err := d.Download(context.Background(), f.itemID, model.FileTypePDF, url)
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())

	again, err := d.Download(context.Background(), f.itemID, model.FileTypePDF, url)
	require.NoError(t, err)
	assert.Equal(t, model.DownloadDownloaded, again.Status)
	assert.Equal(t, first.LocalPath, again.LocalPath)
	assert.EqualValues(t, 1, calls.Load(), "no request when a success is recorded")
}

func TestDownloadExistingFileOnDisk(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer ts.Close()

	url := ts.URL + "/a.pdf"
	target := Path(f.dir, f.itemID, model.FileTypePDF, url)
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, pdfBody, 0o644))

	res, err := f.downloader(retry.NoDelay(3), 0).Download(context.Background(), f.itemID, model.FileTypePDF, url)
	require.NoError(t, err)
	assert.Equal(t, model.DownloadSkippedExisting, res.Status)
	assert.Equal(t, int64(len(pdfBody)), res.Size)
	assert.Zero(t, calls.Load())
	assert.Equal(t, model.DownloadSkippedExisting, f.file(t, url).DownloadStatus)
}

func TestDownloadSameNameDifferentURLs(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write(append([]byte("%PDF-1.4\n"), r.URL.Path...))
	}))
	defer ts.Close()

	d := f.downloader(retry.NoDelay(3), 0)
	first, err := d.Download(context.Background(), f.itemID, model.FileTypePDF, ts.URL+"/bitstream/1/report.pdf")
	require.NoError(t, err)
	second, err := d.Download(context.Background(), f.itemID, model.FileTypePDF, ts.URL+"/bitstream/2/report.pdf")
	require.NoError(t, err)

	assert.Equal(t, model.DownloadDownloaded, first.Status)
	assert.Equal(t, model.DownloadDownloaded, second.Status)
	assert.NotEqual(t, first.LocalPath, second.LocalPath)
	assert.NotEqual(t, first.Hash, second.Hash)
	assert.EqualValues(t, 2, calls.Load())

	got, err := os.ReadFile(second.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4\n/bitstream/2/report.pdf", string(got))
}

func TestDownloadMissingFileIsFetchedAgain(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write(pdfBody)
	}))
	defer ts.Close()

	d := f.downloader(retry.NoDelay(3), 0)
	url := ts.URL + "/a.pdf"
	first, err := d.Download(context.Background(), f.itemID, model.FileTypePDF, url)
	require.NoError(t, err)
	require.NoError(t, os.Remove(first.LocalPath))

	again, err := d.Download(context.Background(), f.itemID, model.FileTypePDF, url)
	require.NoError(t, err)
	assert.Equal(t, model.DownloadDownloaded, again.Status)
	assert.EqualValues(t, 2, calls.Load())
	assert.FileExists(t, again.LocalPath)
}

func TestDownloadRejectsNonPDF(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("<html><body>Login required</body></html>"))
	}))
	defer ts.Close()

	url := ts.URL + "/a.pdf"
	res, err := f.downloader(retry.NoDelay(3), 0).Download(context.Background(), f.itemID, model.FileTypePDF, url)
	require.NoError(t, err)
	assert.Equal(t, model.DownloadFailedContent, res.Status)
	assert.EqualValues(t, 1, calls.Load())
	assert.NoFileExists(t, Path(f.dir, f.itemID, model.FileTypePDF, url))
}

func TestDownloadConcurrentSameResource(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pdfBody)
	}))
	defer ts.Close()

	d := f.downloader(retry.NoDelay(3), 0)
	url := ts.URL + "/a.pdf"
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = d.Download(context.Background(), f.itemID, model.FileTypePDF, url)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	files, err := f.store.ListFiles(context.Background(), f.itemID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, files[0].DownloadStatus.Success())
	got, err := os.ReadFile(Path(f.dir, f.itemID, model.FileTypePDF, url))
	require.NoError(t, err)
	assert.Equal(t, pdfBody, got)
}

func TestDownloadNoURL(t *testing.T) {
	f := newFixture(t)
	res, err := f.downloader(retry.NoDelay(1), 0).Download(context.Background(), f.itemID, model.FileTypeThumbnail, "")
	require.NoError(t, err)
	assert.Equal(t, model.DownloadFailedNoURL, res.Status)
}

func TestDownloadCancelled(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	policy := retry.Policy{MaxAttempts: 5, Sleep: func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}}
	_, err := f.downloader(policy, 0).Download(ctx, f.itemID, model.FileTypePDF, ts.URL+"/a.pdf")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSaveSnapshot(t *testing.T) {
	f := newFixture(t)
	d := f.downloader(retry.NoDelay(1), 0)
	page := "https://alice.example/handle/doc/1"
	res, err := d.SaveSnapshot(context.Background(), f.itemID, page, "<html><body>hi</body></html>")
	require.NoError(t, err)
	assert.Equal(t, model.DownloadDownloaded, res.Status)
	assert.Equal(t, filepath.Join(f.dir, "html_snapshot", f.itemID, "1_"+shortHash(page)[:8]+".html"), res.LocalPath)

	a := f.file(t, page)
	assert.Equal(t, model.FileTypeHTMLSnapshot, a.FileType)
}

type brokenStore struct{}

func (brokenStore) UpsertFileResult(context.Context, model.FileResult) error {
	return os.ErrPermission
}

func (brokenStore) GetFileStatus(context.Context, string, string) (store.FileStatus, bool, error) {
	return store.FileStatus{}, false, nil
}

func TestDownloadStoreFailureIsStorageError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pdfBody)
	}))
	defer ts.Close()

	d := New(fetch.New(fetch.Options{}), brokenStore{}, Options{BaseDir: t.TempDir(), Policy: retry.NoDelay(1)}, nil)
	_, err := d.Download(context.Background(), "item", model.FileTypePDF, ts.URL+"/a.pdf")
	assert.True(t, model.IsStorage(err))
}
