package journal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	dbmodel "hostbridge/cli/internal/db"
	"hostbridge/cli/internal/db/migration"
	"hostbridge/cli/internal/logging"
	"hostbridge/cli/internal/protocol"

	"gorm.io/gorm"
)

const (
	defaultQueueSize  = 1024
	defaultBatchSize  = 64
	maxPayloadExcerpt = 512
)

type RecorderOptions struct {
	SessionID string
	// Retention caps the table after each flush; <= 0 keeps everything.
	Retention int
	QueueSize int
	Logger    *slog.Logger
}

// Event is a journaled bridge envelope.
type Event struct {
	ID            int64
	SessionID     string
	Channel       protocol.Channel
	Kind          protocol.Kind
	MessageID     string
	CorrelationID string
	MessageType   string
	Payload       string
	ErrorCode     string
	CreatedAt     time.Time
}

// Recorder is the bridge logging hook. Record never blocks the bridge;
// envelopes that do not fit the queue are counted and dropped.
type Recorder struct {
	db        *gorm.DB
	sessionID string
	retention int
	logger    *slog.Logger

	queue   chan dbmodel.BridgeEvent
	dropped atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

func NewRecorder(db *gorm.DB, opts RecorderOptions) (*Recorder, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Recorder{
		db:        db,
		sessionID: opts.SessionID,
		retention: opts.Retention,
		logger:    logging.OrDiscard(opts.Logger),
		queue:     make(chan dbmodel.BridgeEvent, size),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

func (r *Recorder) Record(env protocol.Envelope) {
	select {
	case <-r.closed:
		return
	default:
	}
	row := dbmodel.BridgeEvent{
		SessionID:     r.sessionID,
		Channel:       string(env.Channel),
		Kind:          string(env.Kind),
		MessageID:     env.ID,
		CorrelationID: env.CorrelationID,
		MessageType:   protocol.PayloadType(env.Payload),
		Payload:       excerpt(env.Payload),
		CreatedAt:     time.Now().UTC().UnixMilli(),
	}
	if env.Error != nil {
		row.ErrorCode = env.Error.Code
	}
	select {
	case r.queue <- row:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Run drains the queue into the database until ctx ends or Close is called,
// then writes whatever is still queued.
func (r *Recorder) Run(ctx context.Context) error {
	defer close(r.done)
	batch := make([]dbmodel.BridgeEvent, 0, defaultBatchSize)
	for {
		select {
		case row := <-r.queue:
			batch = append(batch[:0], row)
			batch = r.fill(batch)
			r.write(batch)
		case <-ctx.Done():
			r.drain()
			return nil
		case <-r.closed:
			r.drain()
			return nil
		}
	}
}

func (r *Recorder) fill(batch []dbmodel.BridgeEvent) []dbmodel.BridgeEvent {
	for len(batch) < defaultBatchSize {
		select {
		case row := <-r.queue:
			batch = append(batch, row)
		default:
			return batch
		}
	}
	return batch
}

func (r *Recorder) drain() {
	for {
		batch := r.fill(make([]dbmodel.BridgeEvent, 0, defaultBatchSize))
		if len(batch) == 0 {
			break
		}
		r.write(batch)
	}
	r.prune()
}

func (r *Recorder) write(batch []dbmodel.BridgeEvent) {
	if err := r.db.CreateInBatches(batch, defaultBatchSize).Error; err != nil {
		r.logger.Warn("bridge journal write failed", "rows", len(batch), "err", err)
	}
}

func (r *Recorder) prune() {
	if n, err := migration.PruneBridgeEvents(r.db, r.retention); err != nil {
		r.logger.Warn("bridge journal prune failed", "err", err)
	} else if n > 0 {
		r.logger.Debug("bridge journal pruned", "rows", n)
	}
}

// Close stops Run after it has flushed the queue.
func (r *Recorder) Close(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.closed) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events lists journaled envelopes, oldest first. An empty sessionID lists
// every session.
func Events(db *gorm.DB, sessionID string, limit int) ([]Event, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if limit <= 0 {
		limit = 100
	}
	q := db.Model(&dbmodel.BridgeEvent{})
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	var rows []dbmodel.BridgeEvent
	if err := q.Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Event, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = Event{
			ID:            row.ID,
			SessionID:     row.SessionID,
			Channel:       protocol.Channel(row.Channel),
			Kind:          protocol.Kind(row.Kind),
			MessageID:     row.MessageID,
			CorrelationID: row.CorrelationID,
			MessageType:   row.MessageType,
			Payload:       row.Payload,
			ErrorCode:     row.ErrorCode,
			CreatedAt:     time.UnixMilli(row.CreatedAt).UTC(),
		}
	}
	return out, nil
}

func excerpt(raw []byte) string {
	if len(raw) <= maxPayloadExcerpt {
		return string(raw)
	}
	return string(raw[:maxPayloadExcerpt]) + "..."
}
