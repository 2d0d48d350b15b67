// Package download fetches item resources to deterministic local paths and
// records every outcome in the store.
package download

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yangwenmai/repoharvest/internal/fetch"
	"github.com/yangwenmai/repoharvest/internal/model"
	"github.com/yangwenmai/repoharvest/internal/retry"
	"github.com/yangwenmai/repoharvest/internal/store"
)

// sniffLen is how much of a body is inspected before anything is written.
const sniffLen = 3072

var (
	errInvalidContent = errors.New("content is not a PDF")
	errFilesystem     = errors.New("filesystem")
)

// FileStore is the store surface the downloader needs.
type FileStore interface {
	UpsertFileResult(ctx context.Context, r model.FileResult) error
	GetFileStatus(ctx context.Context, itemID, remoteURL string) (store.FileStatus, bool, error)
}

// Options configures a Downloader.
type Options struct {
	// BaseDir is the root of the downloads tree.
	BaseDir string

	// Policy governs retries of one resource.
	Policy retry.Policy
}

// Result is the outcome of one Download call.
type Result struct {
	Status    model.DownloadStatus
	LocalPath string
	Hash      string
	Size      int64
	Attempts  int

	// Err is the last failure behind a FAILED_ status.
	Err error
}

// Downloader streams resources to disk.
type Downloader struct {
	client *fetch.Client
	store  FileStore
	opts   Options
	logger *slog.Logger
}

// New creates a Downloader.
func New(client *fetch.Client, s FileStore, opts Options, logger *slog.Logger) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{client: client, store: s, opts: opts, logger: logger.With("component", "download")}
}

// Download fetches rawURL for itemID. Download failures are reported in
// Result.Status; the returned error is non-nil only when the outcome could
// not be recorded or ctx was cancelled.
func (d *Downloader) Download(ctx context.Context, itemID string, ft model.FileType, rawURL string) (Result, error) {
	log := d.logger.With("item_id", itemID, "file_type", ft, "url", rawURL)

	if rawURL == "" {
		res := Result{Status: model.DownloadFailedNoURL}
		return res, d.record(ctx, itemID, ft, rawURL, res)
	}

	st, found, err := d.store.GetFileStatus(ctx, itemID, rawURL)
	if err != nil {
		return Result{}, model.NewError(model.KindStorage, "get file status", err)
	}
	if found && st.Status.Success() && fileExists(st.LocalPath) {
		log.Debug("already downloaded", "status", st.Status, "path", st.LocalPath)
		return Result{Status: st.Status, LocalPath: st.LocalPath}, nil
	}

	target := Path(d.opts.BaseDir, itemID, ft, rawURL)
	if fileExists(target) {
		hash, size, err := hashFile(target)
		if err == nil {
			res := Result{Status: model.DownloadSkippedExisting, LocalPath: target, Hash: hash, Size: size}
			log.Info("file already on disk", "path", target, "size", size)
			return res, d.record(ctx, itemID, ft, rawURL, res)
		}
		log.Warn("existing file unreadable, downloading again", "path", target, "error", err)
	}

	var res Result
	attempts, err := d.opts.Policy.Do(ctx, func(ctx context.Context, attempt int) error {
		hash, size, err := d.fetchTo(ctx, rawURL, target, ft)
		if err != nil {
			if model.IsRetryable(err) {
				log.Warn("download attempt failed", "attempt", attempt+1, "error", err)
			}
			return err
		}
		res = Result{Status: model.DownloadDownloaded, LocalPath: target, Hash: hash, Size: size}
		return nil
	})
	res.Attempts = attempts

	if err != nil {
		res = Result{Status: failureStatus(err), Attempts: attempts, Err: err}
		if ctx.Err() != nil {
			d.record(context.WithoutCancel(ctx), itemID, ft, rawURL, res)
			return res, ctx.Err()
		}
		log.Warn("download failed", "status", res.Status, "attempts", attempts, "error", err)
	} else {
		log.Info("downloaded", "path", res.LocalPath, "size", res.Size, "attempts", attempts)
	}
	return res, d.record(ctx, itemID, ft, rawURL, res)
}

// SaveSnapshot stores page HTML as an html_snapshot artifact of itemID.
func (d *Downloader) SaveSnapshot(ctx context.Context, itemID, pageURL, html string) (Result, error) {
	target := Path(d.opts.BaseDir, itemID, model.FileTypeHTMLSnapshot, pageURL)
	hash, size, err := writeAtomic(target, bytes.NewReader([]byte(html)))
	res := Result{Status: model.DownloadDownloaded, LocalPath: target, Hash: hash, Size: size}
	if err != nil {
		res = Result{Status: model.DownloadFailedIO, Err: err}
		d.logger.Warn("snapshot failed", "item_id", itemID, "url", pageURL, "error", err)
	}
	return res, d.record(ctx, itemID, model.FileTypeHTMLSnapshot, pageURL, res)
}

func (d *Downloader) record(ctx context.Context, itemID string, ft model.FileType, rawURL string, res Result) error {
	err := d.store.UpsertFileResult(ctx, model.FileResult{
		ItemID:    itemID,
		RemoteURL: rawURL,
		FileType:  ft,
		Status:    res.Status,
		LocalPath: res.LocalPath,
		Hash:      res.Hash,
		Size:      res.Size,
	})
	if err != nil {
		return model.NewError(model.KindStorage, "record file result", err)
	}
	return nil
}

// fetchTo performs one GET and streams the body to target.
func (d *Downloader) fetchTo(ctx context.Context, rawURL, target string, ft model.FileType) (string, int64, error) {
	resp, err := d.client.Get(ctx, "download", rawURL, nil)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	head, err := readHead(resp.Body, sniffLen)
	if err != nil {
		return "", 0, fetch.Classify(ctx, "download", rawURL, fmt.Errorf("read body: %w", err))
	}
	if ft == model.FileTypePDF && !mimetype.Detect(head).Is("application/pdf") {
		return "", 0, errInvalidContent
	}

	body := io.MultiReader(bytes.NewReader(head), &lengthReader{r: resp.Body, want: resp.ContentLength, got: int64(len(head))})
	hash, size, err := writeAtomic(target, body)
	if err != nil {
		if errors.Is(err, errFilesystem) {
			return "", 0, err
		}
		return "", 0, fetch.Classify(ctx, "download", rawURL, err)
	}
	return hash, size, nil
}

// readHead reads up to n bytes, stopping early only at a clean EOF.
func readHead(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := r.Read(buf[read:])
		read += m
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return buf[:read], nil
}

// lengthReader turns an early EOF into io.ErrUnexpectedEOF when fewer than
// the declared Content-Length bytes arrived. want < 0 means unknown.
type lengthReader struct {
	r    io.Reader
	want int64
	got  int64
}

func (l *lengthReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.got += int64(n)
	if err == io.EOF && l.want >= 0 && l.got < l.want {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

// writeAtomic streams r into a temp file beside target, then renames it into
// place. On any failure the temp file is removed and target is untouched.
// Read errors are returned as-is; local file errors wrap errFilesystem.
func writeAtomic(target string, r io.Reader) (string, int64, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("%w: %v", errFilesystem, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*.part")
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", errFilesystem, err)
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	h := sha256.New()
	size, err := io.Copy(tmp, io.TeeReader(r, h))
	if err != nil {
		var pe *os.PathError
		if errors.As(err, &pe) {
			return "", 0, fmt.Errorf("%w: %v", errFilesystem, err)
		}
		return "", 0, fmt.Errorf("read body: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("%w: %v", errFilesystem, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", 0, fmt.Errorf("%w: %v", errFilesystem, err)
	}
	ok = true
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// failureStatus maps the last download error to its stored status.
func failureStatus(err error) model.DownloadStatus {
	if errors.Is(err, errInvalidContent) {
		return model.DownloadFailedContent
	}
	if errors.Is(err, errFilesystem) {
		return model.DownloadFailedIO
	}
	var me *model.Error
	if errors.As(err, &me) {
		if me.StatusCode != 0 {
			return model.DownloadFailedHTTP(me.StatusCode)
		}
		if me.Timeout() {
			return model.DownloadFailedTimeout
		}
	}
	return model.DownloadFailedNetwork
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
