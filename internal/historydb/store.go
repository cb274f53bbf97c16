package historydb

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	dbmodel "hostbridge/cli/internal/db"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Entry is a workspace the CLI has been run against.
type Entry struct {
	Path          string
	FirstAccessed time.Time
	LastAccessed  time.Time
	AccessCount   int
}

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore uses the shared global DB. Caller must not close the db.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Store{db: db, now: time.Now}, nil
}

// Upsert records a visit to the workspace at path. Paths are cleaned so the
// same folder reached two ways counts once.
func (s *Store) Upsert(path string) error {
	if s == nil || s.db == nil {
		return errors.New("history store is not initialized")
	}
	p := strings.TrimSpace(path)
	if p == "" {
		return errors.New("path is required")
	}
	p = filepath.Clean(p)
	now := s.now().UTC().Unix()
	row := dbmodel.WorkspaceHistory{
		Path:            p,
		FirstAccessedAt: now,
		LastAccessedAt:  now,
		AccessCount:     1,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "path"}},
		DoUpdates: clause.Assignments(map[string]any{
			"last_accessed_at": now,
			"access_count":     gorm.Expr("workspace_history.access_count + 1"),
		}),
	}).Create(&row).Error
}

func (s *Store) List(limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history store is not initialized")
	}
	if limit <= 0 {
		limit = 20
	}
	rows := make([]dbmodel.WorkspaceHistory, 0, limit)
	if err := s.db.Order("last_accessed_at DESC").Order("path ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, Entry{
			Path:          row.Path,
			FirstAccessed: time.Unix(row.FirstAccessedAt, 0).UTC(),
			LastAccessed:  time.Unix(row.LastAccessedAt, 0).UTC(),
			AccessCount:   row.AccessCount,
		})
	}
	return entries, nil
}

func (s *Store) Clear() error {
	if s == nil || s.db == nil {
		return errors.New("history store is not initialized")
	}
	return s.db.Where("1 = 1").Delete(&dbmodel.WorkspaceHistory{}).Error
}

// Close is a no-op; DB is process-wide and must not be closed by the store.
func (s *Store) Close() error {
	return nil
}
