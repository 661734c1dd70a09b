package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/inkwell-ai/inkwell/internal/chatmodel"
)

const downloadColumns = `id, url, destination_path, kind, expected_size, downloaded_bytes,
	status, checksum, error, created_at, updated_at`

func scanDownload(row interface{ Scan(dest ...any) error }) (*chatmodel.Download, error) {
	var d chatmodel.Download
	var kind, status, checksum, errMsg sql.NullString
	if err := row.Scan(&d.ID, &d.URL, &d.DestinationPath, &kind, &d.ExpectedSize, &d.DownloadedBytes,
		&status, &checksum, &errMsg, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Kind = chatmodel.DownloadKind(kind.String)
	d.Status = chatmodel.DownloadStatus(status.String)
	d.Checksum = checksum.String
	d.Error = errMsg.String
	return &d, nil
}

// InsertDownload persists a new download record, initially pending.
func (s *Store) InsertDownload(d *chatmodel.Download) error {
	_, err := s.db.Exec(`INSERT INTO downloads (`+downloadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.URL, d.DestinationPath, string(d.Kind), d.ExpectedSize, d.DownloadedBytes,
		string(d.Status), d.Checksum, d.Error, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert download: %w", err)
	}
	return nil
}

// GetDownload fetches a download by id, returning nil, nil if absent.
func (s *Store) GetDownload(id string) (*chatmodel.Download, error) {
	row := s.db.QueryRow(`SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)
	d, err := scanDownload(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get download: %w", err)
	}
	return d, nil
}

// ListDownloads returns all download records, most recent first.
func (s *Store) ListDownloads() ([]*chatmodel.Download, error) {
	rows, err := s.db.Query(`SELECT ` + downloadColumns + ` FROM downloads ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list downloads: %w", err)
	}
	defer rows.Close()
	var out []*chatmodel.Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListActiveDownloads returns downloads in a non-terminal status
// (pending, downloading, paused), oldest first.
func (s *Store) ListActiveDownloads() ([]*chatmodel.Download, error) {
	rows, err := s.db.Query(`SELECT `+downloadColumns+` FROM downloads
		WHERE status IN (?, ?, ?) ORDER BY created_at ASC`,
		string(chatmodel.DownloadPending), string(chatmodel.DownloadDownloading), string(chatmodel.DownloadPaused))
	if err != nil {
		return nil, fmt.Errorf("list active downloads: %w", err)
	}
	defer rows.Close()
	var out []*chatmodel.Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDownloadProgress records the current byte offset, called on
// every progress-sample tick rather than on every chunk write.
func (s *Store) UpdateDownloadProgress(id string, downloadedBytes, expectedSize int64) error {
	_, err := s.db.Exec(`UPDATE downloads SET downloaded_bytes = ?, expected_size = ?, updated_at = ? WHERE id = ?`,
		downloadedBytes, expectedSize, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update download progress: %w", err)
	}
	return nil
}

// UpdateDownloadStatus transitions a download's status, optionally
// recording an error.
func (s *Store) UpdateDownloadStatus(id string, status chatmodel.DownloadStatus, errMsg string) error {
	_, err := s.db.Exec(`UPDATE downloads SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update download status: %w", err)
	}
	return nil
}

// SetDownloadChecksum records the expected/verified checksum.
func (s *Store) SetDownloadChecksum(id, checksum string) error {
	_, err := s.db.Exec(`UPDATE downloads SET checksum = ?, updated_at = ? WHERE id = ?`,
		checksum, time.Now(), id)
	if err != nil {
		return fmt.Errorf("set download checksum: %w", err)
	}
	return nil
}

// DeleteDownload removes a download record (the Downloader is
// responsible for any on-disk cleanup).
func (s *Store) DeleteDownload(id string) error {
	if _, err := s.db.Exec(`DELETE FROM downloads WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete download: %w", err)
	}
	return nil
}
