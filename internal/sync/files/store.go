package files

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
)

var (
	// ErrNotFound is returned by a Transport when the other side does not
	// know the file yet.
	ErrNotFound = errors.New("sync file not found")
	// ErrNoLocalFile is returned when the file of a reference is missing
	// on disk.
	ErrNoLocalFile = errors.New("sync file missing on disk")
)

// Store keeps sync files under <dir>/<table>/<record>/<id>_<file name>.
type Store struct {
	dir string
}

// NewStore creates the root directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create file directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir is the root directory.
func (s *Store) Dir() string { return s.dir }

// Path is where the file of ref lives.
func (s *Store) Path(ref *repo.SyncFileReference) string {
	return filepath.Join(s.dir, clean(ref.TableName), clean(ref.RecordID), clean(ref.ID)+"_"+clean(ref.FileName))
}

// Open opens the file of ref for reading.
func (s *Store) Open(ref *repo.SyncFileReference) (*os.File, error) {
	f, err := os.Open(s.Path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoLocalFile, ref.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open sync file %s: %w", ref.ID, err)
	}
	return f, nil
}

// Save writes r as the file of ref. The file appears atomically.
func (s *Store) Save(ref *repo.SyncFileReference, r io.Reader) (int64, error) {
	path := s.Path(ref)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create directory for sync file %s: %w", ref.ID, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".partial-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create sync file %s: %w", ref.ID, err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("failed to write sync file %s: %w", ref.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to write sync file %s: %w", ref.ID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("failed to store sync file %s: %w", ref.ID, err)
	}
	return n, nil
}

// clean keeps one path element so ids and names can not escape the store.
func clean(part string) string {
	part = strings.ReplaceAll(part, "\\", "/")
	part = filepath.Base("/" + part)
	if part == "/" || part == "." || part == ".." {
		return "_"
	}
	return part
}
