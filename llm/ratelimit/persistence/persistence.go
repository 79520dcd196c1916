// Package persistence provides Tracker-compatible storage backends: a
// simple file-backed JSON store and a gorm-backed one for deployments that
// already run a relational database for the gateway.
package persistence

import (
	"errors"
	"os"
	"path/filepath"

	"gorm.io/gorm"
)

// FileStore persists a Tracker's JSON snapshot to a single file on disk.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore writing to path. The parent directory
// must already exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Save writes state to the file, replacing any previous contents.
func (f *FileStore) Save(state []byte) error {
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, state, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// Load reads the persisted state, returning (nil, nil) if the file does
// not exist yet.
func (f *FileStore) Load() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// EnsureDir creates the parent directory for path if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// Row is the gorm model backing GormStore: one row per tracker, storing
// the entire snapshot as a JSON blob keyed by an arbitrary tracker id
// (e.g. a gateway instance or tenant name).
type Row struct {
	TrackerID string `gorm:"primaryKey"`
	State     []byte
}

// GormStore persists a Tracker's JSON snapshot as a single row, identified
// by trackerID, in any gorm-supported database (sqlite/postgres/mysql).
type GormStore struct {
	db        *gorm.DB
	trackerID string
}

// NewGormStore creates a GormStore. Callers must have already run
// db.AutoMigrate(&Row{}).
func NewGormStore(db *gorm.DB, trackerID string) *GormStore {
	return &GormStore{db: db, trackerID: trackerID}
}

// Migrate creates the backing table if it does not already exist.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Row{})
}

func (g *GormStore) Save(state []byte) error {
	row := Row{TrackerID: g.trackerID, State: state}
	return g.db.Save(&row).Error
}

func (g *GormStore) Load() ([]byte, error) {
	var row Row
	err := g.db.First(&row, "tracker_id = ?", g.trackerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.State, nil
}
