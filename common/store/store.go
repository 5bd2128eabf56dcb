package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// JSONFile is a JSON document on disk shared between oocana processes.
// Mutations go through WithLock, which holds an exclusive flock for the
// whole read-modify-write so concurrent processes serialize.
type JSONFile[T any] struct {
	path     string
	lockPath string
}

// NewJSONFile creates a handle for the store at path. Nothing is read
// until Load or WithLock is called.
func NewJSONFile[T any](path string) *JSONFile[T] {
	return &JSONFile[T]{
		path:     path,
		lockPath: path + ".lock",
	}
}

// Path returns the on-disk location of the store
func (f *JSONFile[T]) Path() string { return f.path }

// Load reads the store without locking. A missing file yields the zero value.
func (f *JSONFile[T]) Load() (T, error) {
	var value T
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return value, nil
		}
		return value, fmt.Errorf("read store %s: %w", f.path, err)
	}
	if err := json.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("parse store %s: %w", f.path, err)
	}
	return value, nil
}

// WithLock runs fn under an exclusive file lock with the current store
// contents, then persists whatever fn leaves behind. fn returning an
// error aborts the write.
func (f *JSONFile[T]) WithLock(fn func(*T) error) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	lock := flock.New(f.lockPath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock store %s: %w", f.lockPath, err)
	}
	defer lock.Unlock()

	value, err := f.Load()
	if err != nil {
		return err
	}
	if err := fn(&value); err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("serialize store %s: %w", f.path, err)
	}
	if err := os.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("write store %s: %w", f.path, err)
	}
	return nil
}

// SaveAtomic writes value to path via a sibling .tmp file and rename.
// Rename is atomic on POSIX filesystems, which keeps readers on NFS from
// ever observing a partial write.
func SaveAtomic(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// LoadJSON reads a JSON file into out. A missing file leaves out untouched
// and returns os.ErrNotExist.
func LoadJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
