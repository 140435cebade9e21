// Package backup stages a nightly snapshot of the trading database and the
// day's pipeline artifacts, archives them with per-file checksums and ships
// the archive to an S3-compatible bucket. A failed backup is reported and
// retried the next night; it never takes the platform down.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/artifacts"
	"github.com/haetae-bot/haetae/internal/database"
	"github.com/haetae-bot/haetae/internal/events"
	"github.com/haetae-bot/haetae/internal/version"
)

const (
	archivePrefix = "haetae-backup-"
	archiveStamp  = "2006-01-02-150405"
	dateLayout    = "2006-01-02"
	snapshotName  = "haetae.db"
	metadataName  = "backup-metadata.json"
)

// ObjectStore is the slice of the S3 client the runner needs. Tests swap in
// an in-memory bucket.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64) error
	List(ctx context.Context, prefix string) ([]Object, error)
	Delete(ctx context.Context, key string) error
}

// Metadata describes an archive's contents for restore-time verification.
type Metadata struct {
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version"`
	Files     []FileMetadata `json:"files"`
}

// FileMetadata records one archived file.
type FileMetadata struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// markerArtifact remembers the last completed upload. Startup recovery reads
// it to decide whether the 02:30 run was missed.
type markerArtifact struct {
	Day        string    `json:"day"`
	Key        string    `json:"key"`
	SizeBytes  int64     `json:"size_bytes"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Config tunes the runner.
type Config struct {
	// Retention is how many archives to keep in the bucket, newest first.
	// Zero keeps everything.
	Retention int
}

// Runner produces and ships one backup archive per invocation.
type Runner struct {
	cfg    Config
	db     *database.DB
	files  *artifacts.Store
	store  ObjectStore
	events *events.Manager
	log    zerolog.Logger

	now func() time.Time
}

// NewRunner wires a backup runner against the live database and data root.
func NewRunner(cfg Config, db *database.DB, files *artifacts.Store, store ObjectStore, ev *events.Manager, log zerolog.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		db:     db,
		files:  files,
		store:  store,
		events: ev,
		log:    log.With().Str("service", "backup").Logger(),
		now:    time.Now,
	}
}

// Run stages, archives, uploads and rotates. Any failure is published as an
// error event so the notifier sees it; the caller just logs the return.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.run(ctx); err != nil {
		r.events.EmitError("backup", err, "error")
		return err
	}
	return nil
}

// RanOn reports whether a backup completed for the given trading day.
func (r *Runner) RanOn(day string) bool {
	var m markerArtifact
	if err := artifacts.Read(r.markerPath(), &m); err != nil {
		return false
	}
	return m.Day == day
}

type stagedFile struct {
	path string // on disk
	name string // inside the archive
}

func (r *Runner) run(ctx context.Context) error {
	start := r.now()
	day := start.Format(dateLayout)
	r.log.Info().Str("day", day).Msg("Starting backup")

	staging := filepath.Join(r.files.Root(), "backup", "staging")
	// A crashed previous run may have left files behind, and VACUUM INTO
	// refuses to overwrite its destination.
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clearing staging directory: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	snapshot := filepath.Join(staging, snapshotName)
	if err := r.db.VacuumInto(ctx, snapshot); err != nil {
		return err
	}
	staged := []stagedFile{{path: snapshot, name: snapshotName}}

	for _, p := range r.artifactPaths(day) {
		rel, err := filepath.Rel(r.files.Root(), p)
		if err != nil {
			return fmt.Errorf("resolving artifact path %s: %w", p, err)
		}
		staged = append(staged, stagedFile{
			path: p,
			name: filepath.ToSlash(filepath.Join("artifacts", rel)),
		})
	}

	metadata := Metadata{
		Timestamp: start.UTC(),
		Version:   version.Version,
		Files:     make([]FileMetadata, 0, len(staged)),
	}
	for _, sf := range staged {
		info, err := os.Stat(sf.path)
		if err != nil {
			return fmt.Errorf("stating %s: %w", sf.name, err)
		}
		sum, err := checksumFile(sf.path)
		if err != nil {
			return fmt.Errorf("checksumming %s: %w", sf.name, err)
		}
		metadata.Files = append(metadata.Files, FileMetadata{
			Name:      sf.name,
			SizeBytes: info.Size(),
			Checksum:  sum,
		})
	}

	metadataPath := filepath.Join(staging, metadataName)
	if err := artifacts.Write(metadataPath, metadata); err != nil {
		return fmt.Errorf("writing backup metadata: %w", err)
	}
	staged = append(staged, stagedFile{path: metadataPath, name: metadataName})

	key := archivePrefix + start.Format(archiveStamp) + ".tar.gz"
	archivePath := filepath.Join(staging, key)
	if err := createArchive(archivePath, staged); err != nil {
		return err
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("stating archive: %w", err)
	}
	archive, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer archive.Close()

	if err := r.store.Upload(ctx, key, archive, info.Size()); err != nil {
		return fmt.Errorf("uploading archive: %w", err)
	}

	marker := markerArtifact{Day: day, Key: key, SizeBytes: info.Size(), UploadedAt: start.UTC()}
	if err := artifacts.Write(r.markerPath(), marker); err != nil {
		// The upload went through; a lost marker only costs a redundant
		// run at the next startup.
		r.log.Error().Err(err).Msg("Backup marker write failed")
	}

	r.events.EmitTyped("backup", &events.BackupCompletedData{
		Key:      key,
		Bytes:    info.Size(),
		Duration: r.now().Sub(start).Seconds(),
	})
	r.log.Info().
		Str("key", key).
		Int64("size_bytes", info.Size()).
		Int("files", len(staged)).
		Msg("Backup uploaded")

	if err := r.prune(ctx); err != nil {
		// Tonight's archive is already up; rotation gets another chance
		// tomorrow.
		r.log.Error().Err(err).Msg("Backup rotation failed")
	}
	return nil
}

// artifactPaths returns the existing pipeline artifacts worth archiving for
// the given day. Missing files are normal (weekends, first runs) and are
// simply skipped.
func (r *Runner) artifactPaths(day string) []string {
	candidates := []string{
		r.files.WatchlistPath(),
		r.files.PositionsPath(),
		r.files.DrawdownPath(),
		r.files.CircuitBreakerPath(),
	}
	if entries, err := os.ReadDir(r.files.SelectionDir(day)); err == nil {
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			candidates = append(candidates, filepath.Join(r.files.SelectionDir(day), e.Name()))
		}
	}

	paths := make([]string, 0, len(candidates))
	for _, p := range candidates {
		if artifacts.Exists(p) {
			paths = append(paths, p)
		}
	}
	return paths
}

// prune deletes archives beyond the retention count, newest kept first.
func (r *Runner) prune(ctx context.Context) error {
	if r.cfg.Retention <= 0 {
		return nil
	}

	objects, err := r.store.List(ctx, archivePrefix)
	if err != nil {
		return fmt.Errorf("listing archives: %w", err)
	}

	type archive struct {
		key string
		at  time.Time
	}
	archives := make([]archive, 0, len(objects))
	for _, obj := range objects {
		at, ok := parseArchiveStamp(obj.Key)
		if !ok {
			r.log.Warn().Str("key", obj.Key).Msg("Unrecognized object under backup prefix, leaving it")
			continue
		}
		archives = append(archives, archive{key: obj.Key, at: at})
	}

	sort.Slice(archives, func(i, j int) bool { return archives[i].at.After(archives[j].at) })

	for _, old := range archives[min(r.cfg.Retention, len(archives)):] {
		if err := r.store.Delete(ctx, old.key); err != nil {
			r.log.Error().Err(err).Str("key", old.key).Msg("Failed to delete old backup")
			continue
		}
		r.log.Info().Str("key", old.key).Time("uploaded_at", old.at).Msg("Old backup deleted")
	}
	return nil
}

func (r *Runner) markerPath() string {
	return filepath.Join(r.files.Root(), "backup", "last_backup.json")
}

func parseArchiveStamp(key string) (time.Time, bool) {
	if !strings.HasPrefix(key, archivePrefix) || !strings.HasSuffix(key, ".tar.gz") {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(key, archivePrefix), ".tar.gz")
	at, err := time.Parse(archiveStamp, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

// createArchive writes files into a tar.gz at path. Closes are checked on
// the happy path; a truncated gzip stream would upload as garbage.
func createArchive(path string, files []stagedFile) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating archive file: %w", err)
	}

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, sf := range files {
		if err := addFileToArchive(tw, sf.path, sf.name); err != nil {
			out.Close()
			return fmt.Errorf("adding %s to archive: %w", sf.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		out.Close()
		return fmt.Errorf("closing tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return fmt.Errorf("closing gzip stream: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing archive file: %w", err)
	}
	return nil
}

func addFileToArchive(tw *tar.Writer, path, nameInArchive string) error {
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
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	if _, err := io.Copy(tw, f); err != nil {
		return err
	}
	return nil
}
