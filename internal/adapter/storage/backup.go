package storage

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/domain"
	"github.com/rs/zerolog"
)

// BackupHeader is the first row of every backup file.
var BackupHeader = []string{"timestamp", "device_code", "address", "value", "quality", "attempted_at"}

const backupExt = ".csv"

// BackupWriter writes batches the sink refused to local CSV files, one new
// file per batch. Files are never reopened once closed.
type BackupWriter struct {
	dir    string
	seq    atomic.Uint64
	logger zerolog.Logger
}

// NewBackupWriter creates the directory if needed.
func NewBackupWriter(dir string, logger zerolog.Logger) (*BackupWriter, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: backup directory is required", domain.ErrInvalidConfig)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBackupFailed, err)
	}
	return &BackupWriter{
		dir:    dir,
		logger: logger.With().Str("component", "backup-writer").Str("dir", dir).Logger(),
	}, nil
}

// Write stores records in a new file named after attemptedAt and a process
// sequence number and returns its path.
func (b *BackupWriter) Write(records []domain.TagRecord, attemptedAt time.Time) (string, error) {
	f, path, err := b.create(attemptedAt)
	if err != nil {
		return "", err
	}

	werr := writeRecords(f, records, attemptedAt)
	if err := f.Sync(); err != nil && werr == nil {
		werr = err
	}
	if err := f.Close(); err != nil && werr == nil {
		werr = err
	}
	if werr != nil {
		return path, fmt.Errorf("%w: %s: %v", domain.ErrBackupFailed, path, werr)
	}

	b.logger.Debug().Str("file", path).Int("records", len(records)).Msg("Backup file written")
	return path, nil
}

// create opens a file that did not exist before. A name clash moves on to
// the next sequence number.
func (b *BackupWriter) create(attemptedAt time.Time) (*os.File, string, error) {
	stamp := attemptedAt.UTC().Format("20060102T150405.000000000Z")
	for i := 0; i < 100; i++ {
		name := fmt.Sprintf("backup_%s_%06d%s", stamp, b.seq.Add(1), backupExt)
		path := filepath.Join(b.dir, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("%w: %v", domain.ErrBackupFailed, err)
		}
	}
	return nil, "", fmt.Errorf("%w: no free backup file name in %s", domain.ErrBackupFailed, b.dir)
}

func writeRecords(f *os.File, records []domain.TagRecord, attemptedAt time.Time) error {
	bw := bufio.NewWriter(f)
	w := csv.NewWriter(bw)

	if err := w.Write(BackupHeader); err != nil {
		return err
	}
	attempted := attemptedAt.UTC().Format(time.RFC3339Nano)
	for _, r := range records {
		row := []string{
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.DeviceCode,
			r.Address,
			r.ValueString(),
			string(r.Quality),
			attempted,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return bw.Flush()
}

// Files returns the backup files currently in the directory.
func (b *BackupWriter) Files() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "backup_") && strings.HasSuffix(e.Name(), backupExt) {
			files = append(files, filepath.Join(b.dir, e.Name()))
		}
	}
	return files, nil
}

// Dir returns the backup directory.
func (b *BackupWriter) Dir() string { return b.dir }
