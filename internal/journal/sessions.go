// Package journal records CLI sessions and the bridge traffic they carried
// in the shared database.
package journal

import (
	"errors"
	"strings"
	"time"

	dbmodel "hostbridge/cli/internal/db"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SessionInfo struct {
	Workspace string
	Mode      string
	Extension string
	Auto      bool
}

type Session struct {
	ID         string
	Workspace  string
	Mode       string
	Extension  string
	Auto       bool
	StartedAt  time.Time
	EndedAt    time.Time
	ExitCode   int
	ExitReason string
}

func (s Session) Open() bool { return s.EndedAt.IsZero() }

type Sessions struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSessions uses the shared global DB. Caller must not close the db.
func NewSessions(db *gorm.DB) (*Sessions, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Sessions{db: db, now: time.Now}, nil
}

func (s *Sessions) Start(info SessionInfo) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("session journal is not initialized")
	}
	mode := strings.TrimSpace(info.Mode)
	if mode == "" {
		mode = "code"
	}
	row := dbmodel.Session{
		SessionID: uuid.NewString(),
		Workspace: info.Workspace,
		Mode:      mode,
		Extension: info.Extension,
		Auto:      info.Auto,
		StartedAt: s.now().UTC().Unix(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		return "", err
	}
	return row.SessionID, nil
}

// Finish closes the session; a session already closed keeps its first result.
func (s *Sessions) Finish(id string, exitCode int, reason string) error {
	if s == nil || s.db == nil {
		return errors.New("session journal is not initialized")
	}
	return s.db.Model(&dbmodel.Session{}).
		Where("session_id = ? AND ended_at = 0", id).
		Updates(map[string]any{
			"ended_at":    s.now().UTC().Unix(),
			"exit_code":   exitCode,
			"exit_reason": reason,
		}).Error
}

func (s *Sessions) Get(id string) (Session, error) {
	if s == nil || s.db == nil {
		return Session{}, errors.New("session journal is not initialized")
	}
	var row dbmodel.Session
	if err := s.db.Where("session_id = ?", id).Take(&row).Error; err != nil {
		return Session{}, err
	}
	return fromRow(row), nil
}

func (s *Sessions) List(limit int) ([]Session, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("session journal is not initialized")
	}
	if limit <= 0 {
		limit = 20
	}
	rows := make([]dbmodel.Session, 0, limit)
	if err := s.db.Order("started_at DESC").Order("session_id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

func fromRow(row dbmodel.Session) Session {
	out := Session{
		ID:         row.SessionID,
		Workspace:  row.Workspace,
		Mode:       row.Mode,
		Extension:  row.Extension,
		Auto:       row.Auto,
		StartedAt:  time.Unix(row.StartedAt, 0).UTC(),
		ExitCode:   row.ExitCode,
		ExitReason: row.ExitReason,
	}
	if row.EndedAt > 0 {
		out.EndedAt = time.Unix(row.EndedAt, 0).UTC()
	}
	return out
}
