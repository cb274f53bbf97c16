package migration

import (
	"time"

	"gorm.io/gorm"
)

func init() {
	Register("close_abandoned_sessions", closeAbandonedSessions)
	Register("prune_bridge_events", pruneBridgeEvents)
}

// closeAbandonedSessions marks sessions left open by a crashed process.
// Concurrent runs are possible, so only rows older than StaleSessionAfter
// are touched.
func closeAbandonedSessions(m *Migration) error {
	if m.Options.StaleSessionAfter <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-m.Options.StaleSessionAfter).UTC().Unix()
	res := m.DB.Exec(`UPDATE sessions SET ended_at = started_at, exit_code = 1, exit_reason = 'abandoned' WHERE ended_at = 0 AND started_at < ?`, cutoff)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		m.Log("closed ", res.RowsAffected, " abandoned sessions")
	}
	return nil
}

func pruneBridgeEvents(m *Migration) error {
	n, err := PruneBridgeEvents(m.DB, m.Options.JournalRetention)
	if err != nil {
		return err
	}
	if n > 0 {
		m.Log("pruned ", n, " bridge events")
	}
	return nil
}

// PruneBridgeEvents keeps only the newest keep rows of bridge_events.
func PruneBridgeEvents(db *gorm.DB, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res := db.Exec(`DELETE FROM bridge_events WHERE id NOT IN (SELECT id FROM bridge_events ORDER BY id DESC LIMIT ?)`, keep)
	return res.RowsAffected, res.Error
}
