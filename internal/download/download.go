// Package download implements the Downloader: resumable HTTP Range
// transfers for model and inference-binary artifacts, with progress
// sampling, checksum verification, and a small bounded auto-retry for
// transient network errors. Grounded on the teacher's httpkit client
// construction and internal/mcp's mutex-guarded lifecycle/cancellation
// shape, adapted from subprocess management to HTTP transfers.
package download

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/blake2b"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/chatmodel"
	"github.com/inkwell-ai/inkwell/internal/events"
	"github.com/inkwell-ai/inkwell/internal/httpkit"
	"github.com/inkwell-ai/inkwell/internal/store"
)

// maxAutoRetries bounds the exponential-backoff auto-retry for
// transient network errors before a download is left paused for the
// caller to resume manually.
const maxAutoRetries = 5

// progressInterval is the minimum spacing between download:progress
// emissions and store progress writes.
const progressInterval = 500 * time.Millisecond

// bufSize is the copy buffer size for the Range transfer loop.
const bufSize = 32 * 1024

// Manager runs resumable downloads into a scratch directory, renaming
// into their final destination on successful, verified completion.
type Manager struct {
	store    *store.Store
	bus      *events.Bus
	client   *http.Client
	scratch  string
	logger   *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

// job tracks the cancellation handle for one in-flight or paused
// download's background goroutine.
type job struct {
	cancel context.CancelFunc
}

// New creates a Manager. scratchDir holds in-progress partial files
// (the persisted-state layout's downloads/ subdirectory).
func New(st *store.Store, bus *events.Bus, scratchDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   st,
		bus:     bus,
		client:  httpkit.NewClient(httpkit.WithTimeout(0)),
		scratch: scratchDir,
		logger:  logger.With("component", "download"),
		jobs:    make(map[string]*job),
	}
}

// Start begins a new download and returns its persisted record. The
// transfer itself runs in a background goroutine.
func (m *Manager) Start(url, dest string, kind chatmodel.DownloadKind, checksum string) (*chatmodel.Download, error) {
	if url == "" || dest == "" {
		return nil, apperr.Validation("url and destination are required")
	}
	now := time.Now()
	d := &chatmodel.Download{
		ID:              randomID(),
		URL:             url,
		DestinationPath: dest,
		Kind:            kind,
		Status:          chatmodel.DownloadPending,
		Checksum:        checksum,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := os.MkdirAll(m.scratch, 0o755); err != nil {
		return nil, apperr.Download(err, "create scratch directory")
	}
	if err := m.store.InsertDownload(d); err != nil {
		return nil, apperr.Storage(err, "persist download")
	}
	m.run(d.ID, 0)
	return d, nil
}

// Pause cancels the in-flight transfer for id, leaving downloaded bytes
// in place so Resume can continue from there.
func (m *Manager) Pause(id string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return apperr.NotFound("download", id)
	}
	j.cancel()
	return m.store.UpdateDownloadStatus(id, chatmodel.DownloadPaused, "")
}

// Resume relaunches the transfer for a paused or failed download.
func (m *Manager) Resume(id string) error {
	d, err := m.store.GetDownload(id)
	if err != nil {
		return apperr.Storage(err, "load download")
	}
	if d == nil {
		return apperr.NotFound("download", id)
	}
	if d.Status == chatmodel.DownloadDownloading {
		return apperr.Busy("download %q is already active", id)
	}
	if err := m.store.UpdateDownloadStatus(id, chatmodel.DownloadPending, ""); err != nil {
		return apperr.Storage(err, "update download status")
	}
	m.run(id, 0)
	return nil
}

// Cancel stops any in-flight transfer and deletes the partial file.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	delete(m.jobs, id)
	m.mu.Unlock()
	if ok {
		j.cancel()
	}
	os.Remove(m.partialPath(id))
	return m.store.UpdateDownloadStatus(id, chatmodel.DownloadCancelled, "")
}

// Status returns the current persisted state of a download.
func (m *Manager) Status(id string) (*chatmodel.Download, error) {
	d, err := m.store.GetDownload(id)
	if err != nil {
		return nil, apperr.Storage(err, "load download")
	}
	if d == nil {
		return nil, apperr.NotFound("download", id)
	}
	return d, nil
}

func (m *Manager) partialPath(id string) string {
	return filepath.Join(m.scratch, id+".part")
}

// run launches the background transfer goroutine for id, tracking its
// cancellation handle under the jobs map. attempt counts auto-retries
// already performed for the current contiguous failure run.
func (m *Manager) run(id string, attempt int) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.jobs[id] = &job{cancel: cancel}
	m.mu.Unlock()

	go m.transfer(ctx, id, attempt)
}

func (m *Manager) transfer(ctx context.Context, id string, attempt int) {
	defer func() {
		m.mu.Lock()
		delete(m.jobs, id)
		m.mu.Unlock()
	}()

	d, err := m.store.GetDownload(id)
	if err != nil || d == nil {
		m.logger.Error("download vanished before transfer started", "id", id, "error", err)
		return
	}

	if err := m.store.UpdateDownloadStatus(id, chatmodel.DownloadDownloading, ""); err != nil {
		m.logger.Error("failed to mark download active", "id", id, "error", err)
	}

	partial := m.partialPath(id)
	downloaded := d.DownloadedBytes
	if downloaded == 0 {
		os.Remove(partial)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		m.fail(id, apperr.Download(err, "build request"))
		return
	}
	if downloaded > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", downloaded))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.retryOrPause(ctx, id, attempt, apperr.Download(err, "request failed"))
		return
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	total, err := m.validateResponse(resp, downloaded)
	if err != nil {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			m.fail(id, err)
			return
		}
		m.retryOrPause(ctx, id, attempt, err)
		return
	}
	if downloaded > 0 && d.ExpectedSize > 0 && total > 0 && total != d.ExpectedSize {
		m.fail(id, apperr.Download(nil, "Content-Range total %d does not match recorded size %d", total, d.ExpectedSize))
		return
	}

	flags := os.O_CREATE | os.O_WRONLY
	if downloaded > 0 && resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		downloaded = 0
	}
	f, err := os.OpenFile(partial, flags, 0o644)
	if err != nil {
		m.fail(id, apperr.Download(err, "open partial file"))
		return
	}
	defer f.Close()

	h, _ := blake2b.New256(nil)
	if downloaded > 0 {
		if existing, rerr := os.ReadFile(partial); rerr == nil {
			h.Write(existing[:min64(int64(len(existing)), downloaded)])
		}
	}

	sample := newSpeedTracker(downloaded)
	lastEmit := time.Time{}
	buf := make([]byte, bufSize)
	for {
		select {
		case <-ctx.Done():
			m.store.UpdateDownloadProgress(id, downloaded, total)
			return
		default:
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				m.store.UpdateDownloadProgress(id, downloaded, total)
				m.fail(id, apperr.Download(werr, "write partial file"))
				return
			}
			h.Write(buf[:n])
			downloaded += int64(n)

			if time.Since(lastEmit) >= progressInterval {
				lastEmit = time.Now()
				bps := sample.sample(downloaded)
				m.store.UpdateDownloadProgress(id, downloaded, total)
				m.logger.Debug("download progress",
					"id", id,
					"downloaded", humanize.Bytes(uint64(downloaded)),
					"total", humanize.Bytes(uint64(total)),
					"rate", humanize.Bytes(uint64(bps))+"/s",
				)
				m.publish(events.KindDownloadProgress, id, map[string]any{
					"download_id":   id,
					"downloaded":    downloaded,
					"total":         total,
					"bytes_per_sec": bps,
				})
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			m.store.UpdateDownloadProgress(id, downloaded, total)
			m.retryOrPause(ctx, id, attempt, apperr.Download(rerr, "read response body"))
			return
		}
	}

	m.store.UpdateDownloadProgress(id, downloaded, total)
	m.finish(id, d, partial, downloaded, h.Sum(nil))
}

func (m *Manager) finish(id string, d *chatmodel.Download, partial string, downloaded int64, sum []byte) {
	if d.Checksum != "" {
		got := hex.EncodeToString(sum)
		if !strings.EqualFold(got, d.Checksum) {
			os.Remove(partial)
			m.fail(id, apperr.Download(nil, "checksum mismatch: got %s want %s", got, d.Checksum))
			return
		}
	}

	if err := os.MkdirAll(filepath.Dir(d.DestinationPath), 0o755); err != nil {
		m.fail(id, apperr.Download(err, "create destination directory"))
		return
	}
	if err := os.Rename(partial, d.DestinationPath); err != nil {
		m.fail(id, apperr.Download(err, "move completed file into place"))
		return
	}

	if err := m.store.UpdateDownloadStatus(id, chatmodel.DownloadCompleted, ""); err != nil {
		m.logger.Error("failed to mark download completed", "id", id, "error", err)
	}
	m.publish(events.KindDownloadComplete, id, map[string]any{
		"download_id":      id,
		"destination_path": d.DestinationPath,
	})
}

func (m *Manager) fail(id string, err error) {
	m.logger.Warn("download failed", "id", id, "error", err)
	if uerr := m.store.UpdateDownloadStatus(id, chatmodel.DownloadFailed, err.Error()); uerr != nil {
		m.logger.Error("failed to mark download failed", "id", id, "error", uerr)
	}
	m.publish(events.KindDownloadError, id, map[string]any{
		"download_id": id,
		"error":       err.Error(),
	})
}

// retryOrPause handles a transient network error per the failure
// taxonomy: transition to paused and auto-retry with exponential
// backoff up to maxAutoRetries, after which the download stays paused
// for a manual Resume.
func (m *Manager) retryOrPause(ctx context.Context, id string, attempt int, err error) {
	m.logger.Warn("download transient error", "id", id, "attempt", attempt, "error", err)
	if uerr := m.store.UpdateDownloadStatus(id, chatmodel.DownloadPaused, err.Error()); uerr != nil {
		m.logger.Error("failed to mark download paused", "id", id, "error", uerr)
	}
	if attempt >= maxAutoRetries {
		m.logger.Warn("download exhausted auto-retries, awaiting manual resume", "id", id)
		return
	}

	backoff := time.Duration(1<<uint(attempt)) * time.Second
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	m.run(id, attempt+1)
}

// validateResponse checks the Range semantics and returns the total
// expected size, per spec: a resume must get 206 Partial Content with
// a parseable Content-Range. transfer compares the returned total with
// any previously recorded size.
func (m *Manager) validateResponse(resp *http.Response, downloaded int64) (int64, error) {
	if downloaded > 0 {
		if resp.StatusCode != http.StatusPartialContent {
			return 0, apperr.Download(nil, "expected 206 Partial Content for resume, got %d", resp.StatusCode)
		}
		total, err := parseContentRangeTotal(resp.Header.Get("Content-Range"))
		if err != nil {
			return 0, apperr.Download(err, "parse Content-Range")
		}
		return total, nil
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return 0, apperr.Download(nil, "unexpected status %d: %s", resp.StatusCode, body)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			return n, nil
		}
	}
	return 0, nil
}

// parseContentRangeTotal parses "bytes start-end/total" and returns total.
func parseContentRangeTotal(header string) (int64, error) {
	_, totalPart, ok := strings.Cut(header, "/")
	if !ok {
		return 0, fmt.Errorf("malformed Content-Range %q", header)
	}
	if totalPart == "*" {
		return 0, nil
	}
	return strconv.ParseInt(totalPart, 10, 64)
}

func (m *Manager) publish(kind, id string, data map[string]any) {
	m.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceDownload,
		Kind:      kind,
		Data:      data,
	})
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func randomID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("dl-%d", time.Now().UnixNano())
	}
	return "dl-" + hex.EncodeToString(b[:])
}
