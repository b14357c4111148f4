package artifact

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// ErrLocked is returned when another process owns the storage lock.
var ErrLocked = errors.New("storage directory is locked by another process")

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// Config holds the on-disk layout managed by the store
type Config struct {
	InputDir  string
	StemsDir  string
	OutputDir string
	LockFile  string
	Logger    *slog.Logger
}

// Store owns the lifecycle of uploaded inputs and separated tracks.
type Store struct {
	inputDir  string
	stemsDir  string
	outputDir string
	lock      *flock.Flock
	logger    *slog.Logger

	newID func() string
}

// NewStore creates a store rooted at the configured directories
func NewStore(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		inputDir:  cfg.InputDir,
		stemsDir:  cfg.StemsDir,
		outputDir: cfg.OutputDir,
		logger:    logger,
		newID:     uuid.NewString,
	}
	if cfg.LockFile != "" {
		s.lock = flock.New(cfg.LockFile)
	}
	return s
}

// InputDir returns the directory uploads are written to
func (s *Store) InputDir() string { return s.inputDir }

// StemsDir returns the directory per-job track folders live in
func (s *Store) StemsDir() string { return s.stemsDir }

// OutputDir returns the engine scratch area
func (s *Store) OutputDir() string { return s.outputDir }

// EnsureDirs creates every managed directory. Existing directories are fine.
func (s *Store) EnsureDirs() error {
	for _, dir := range []string{s.inputDir, s.stemsDir, s.outputDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Lock takes an exclusive advisory lock so two servers never share one
// storage tree. It is a no-op when no lock file is configured.
func (s *Store) Lock() error {
	if s.lock == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.lock.Path()), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	ok, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLocked, s.lock.Path())
	}
	return nil
}

// Unlock releases the storage lock
func (s *Store) Unlock() error {
	if s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}

// Save persists an upload as <input_dir>/<uuid>_<sanitized name>. A partially
// written file is removed before the error is returned.
func (s *Store) Save(r io.Reader, desiredName string) (string, error) {
	name := SanitizeFilename(desiredName)
	if name == "" {
		name = "upload"
	}
	path := filepath.Join(s.inputDir, s.newID()+"_"+name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create input file: %w", err)
	}

	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(path)
		if copyErr != nil {
			return "", fmt.Errorf("write input file: %w", copyErr)
		}
		return "", fmt.Errorf("close input file: %w", closeErr)
	}

	s.logger.Debug("Upload stored",
		slog.String("path", path),
		slog.String("size", humanize.Bytes(uint64(n))),
	)
	return path, nil
}

// Exists reports whether path names an existing regular file
func (s *Store) Exists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Delete removes a file. Already missing files are not an error.
func (s *Store) Delete(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// DeleteIfEmpty removes dir only when it has no children left. It reports
// whether the directory is gone afterwards.
func (s *Store) DeleteIfEmpty(dir string) (bool, error) {
	if dir == "" {
		return false, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("read directory %s: %w", dir, err)
	}
	if len(entries) > 0 {
		return false, nil
	}
	if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("remove directory %s: %w", dir, err)
	}
	return true, nil
}

// TrackDir is the folder that holds every track for one input file.
func (s *Store) TrackDir(inputPath string) string {
	return filepath.Join(s.stemsDir, BaseName(inputPath))
}

// BaseName strips directory and extension: "/in/ab_song.mp3" -> "ab_song".
func BaseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// SanitizeFilename reduces a client supplied name to a safe single path
// element made of letters, digits, dot, dash and underscore.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == "/" {
		return ""
	}
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeChars.ReplaceAllString(name, "")
	return strings.TrimLeft(name, "._")
}
