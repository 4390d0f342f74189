package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aristath/nextaction/internal/database"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

const (
	archiveTimeLayout = "2006-01-02-150405"
	metadataFile      = "backup-metadata.json"
	minBackupsToKeep  = 3
)

// BackupMetadata describes the contents of one archive
type BackupMetadata struct {
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	Filename  string    `json:"filename"`
	Checksum  string    `json:"checksum"`
	SizeBytes int64     `json:"size_bytes"`
}

// BackupInfo is an archive found in storage
type BackupInfo struct {
	Timestamp time.Time `json:"timestamp"`
	Key       string    `json:"key"`
	SizeBytes int64     `json:"size_bytes"`
}

// BackupConfig configures the backup job
type BackupConfig struct {
	Prefix        string // Key prefix, e.g. "nextaction"
	StagingDir    string
	RetentionDays int     // 0 keeps everything
	MinFreeGB     float64 // Snapshots are refused below this much free space
}

// BackupJob snapshots the database and uploads it as a tar.gz archive
type BackupJob struct {
	db      *database.DB
	storage Storage
	cfg     BackupConfig
	log     zerolog.Logger
	now     func() time.Time
}

// NewBackupJob creates the job
func NewBackupJob(db *database.DB, storage Storage, cfg BackupConfig, log zerolog.Logger) *BackupJob {
	if cfg.Prefix == "" {
		cfg.Prefix = "nextaction"
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(filepath.Dir(db.Path()), "backup-staging")
	}
	return &BackupJob{
		db:      db,
		storage: storage,
		cfg:     cfg,
		log:     log.With().Str("job", "backup").Logger(),
		now:     time.Now,
	}
}

// Name returns the job name
func (j *BackupJob) Name() string {
	return "backup"
}

// Run uploads a fresh archive, then rotates old ones
func (j *BackupJob) Run(ctx context.Context) error {
	if _, err := j.CreateAndUpload(ctx); err != nil {
		return err
	}
	_, err := j.Rotate(ctx)
	return err
}

// CreateAndUpload snapshots the database and uploads the archive, returning its key
func (j *BackupJob) CreateAndUpload(ctx context.Context) (string, error) {
	start := j.now()

	if err := j.checkDiskSpace(); err != nil {
		return "", err
	}

	stagingDir, err := os.MkdirTemp(ensureDir(j.cfg.StagingDir), "run-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	dbFile := j.db.Name() + ".db"
	snapshotPath := filepath.Join(stagingDir, dbFile)
	if err := j.db.SnapshotTo(ctx, snapshotPath); err != nil {
		return "", err
	}

	info, err := os.Stat(snapshotPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat snapshot: %w", err)
	}
	checksum, err := fileChecksum(snapshotPath)
	if err != nil {
		return "", fmt.Errorf("failed to checksum snapshot: %w", err)
	}

	metadata := BackupMetadata{
		Timestamp: start.UTC(),
		Database:  j.db.Name(),
		Filename:  dbFile,
		Checksum:  checksum,
		SizeBytes: info.Size(),
	}
	if err := writeJSON(filepath.Join(stagingDir, metadataFile), metadata); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}

	archiveName := fmt.Sprintf("%s-backup-%s.tar.gz", j.cfg.Prefix, start.UTC().Format(archiveTimeLayout))
	archivePath := filepath.Join(stagingDir, archiveName)
	if err := createArchive(archivePath, stagingDir, []string{dbFile, metadataFile}); err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()
	archiveInfo, err := archive.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat archive: %w", err)
	}

	if err := j.storage.Upload(ctx, archiveName, archive, archiveInfo.Size()); err != nil {
		return "", err
	}

	j.log.Info().
		Dur("duration", time.Since(start)).
		Str("archive", archiveName).
		Int64("size_bytes", archiveInfo.Size()).
		Msg("Backup uploaded")

	return archiveName, nil
}

// ListBackups returns the archives in storage, newest first
func (j *BackupJob) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	prefix := j.cfg.Prefix + "-backup-"
	objects, err := j.storage.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, prefix) || !strings.HasSuffix(obj.Key, ".tar.gz") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(obj.Key, prefix), ".tar.gz")
		ts, err := time.Parse(archiveTimeLayout, stamp)
		if err != nil {
			j.log.Warn().Str("key", obj.Key).Msg("Failed to parse timestamp from backup key")
			continue
		}
		backups = append(backups, BackupInfo{Key: obj.Key, Timestamp: ts, SizeBytes: obj.Size})
	}

	sort.Slice(backups, func(a, b int) bool {
		return backups[a].Timestamp.After(backups[b].Timestamp)
	})
	return backups, nil
}

// Rotate deletes archives older than the retention period, always keeping
// the newest few regardless of age. It returns the number deleted.
func (j *BackupJob) Rotate(ctx context.Context) (int, error) {
	if j.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	backups, err := j.ListBackups(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := j.now().AddDate(0, 0, -j.cfg.RetentionDays)
	deleted := 0
	for i, b := range backups {
		if i < minBackupsToKeep || !b.Timestamp.Before(cutoff) {
			continue
		}
		if err := j.storage.Delete(ctx, b.Key); err != nil {
			j.log.Error().Err(err).Str("key", b.Key).Msg("Failed to delete old backup")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		j.log.Info().Int("deleted", deleted).Int("remaining", len(backups)-deleted).Msg("Backup rotation complete")
	}
	return deleted, nil
}

// checkDiskSpace refuses to snapshot when the data volume is nearly full
func (j *BackupJob) checkDiskSpace() error {
	if j.cfg.MinFreeGB <= 0 {
		return nil
	}
	usage, err := disk.Usage(filepath.Dir(j.db.Path()))
	if err != nil {
		return fmt.Errorf("failed to read disk usage: %w", err)
	}
	freeGB := float64(usage.Free) / 1e9
	if freeGB < j.cfg.MinFreeGB {
		return fmt.Errorf("only %.2f GB free, need %.2f GB for a snapshot", freeGB, j.cfg.MinFreeGB)
	}
	return nil
}

func ensureDir(dir string) string {
	_ = os.MkdirAll(dir, 0755)
	return dir
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

func writeJSON(path string, v interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// createArchive writes the named files from dir into a tar.gz at archivePath
func createArchive(archivePath, dir string, names []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for _, name := range names {
		if err := addFile(tw, filepath.Join(dir, name), name); err != nil {
			return fmt.Errorf("failed to add %s: %w", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func addFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header := &tar.Header{
		Name:    name,
		Size:    info.Size(),
		Mode:    int64(info.Mode().Perm()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
