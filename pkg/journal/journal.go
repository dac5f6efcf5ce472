// Package journal persists event bus notifications to SQLite so token and
// usage history can be inspected after the fact.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"k8s.io/utils/clock"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/kansas/pkg/events"
	"github.com/pario-ai/kansas/pkg/models"
)

// Journal writes and queries event entries in a dedicated SQLite database.
type Journal struct {
	db      *sql.DB
	cfg     models.JournalConfig
	clock   clock.WithTicker
	logger  hclog.Logger
	exclude map[string]bool
	done    chan struct{}
	wg      sync.WaitGroup

	mu   sync.Mutex
	stop func()
}

// New opens the journal database and creates the schema.
func New(cfg models.JournalConfig, logger hclog.Logger) (*Journal, error) {
	return newJournal(cfg, logger, clock.RealClock{})
}

func newJournal(cfg models.JournalConfig, logger hclog.Logger, clk clock.WithTicker) (*Journal, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	db, err := sql.Open("sqlite", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}

	exc := make(map[string]bool)
	for _, v := range cfg.ExcludeTypes {
		exc[v] = true
	}
	j := &Journal{
		db:      db,
		cfg:     cfg,
		clock:   clk,
		logger:  logger.Named("journal"),
		exclude: exc,
		done:    make(chan struct{}),
	}
	if cfg.RetentionDays > 0 {
		j.wg.Add(1)
		go j.retentionLoop()
	}
	return j, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS event_log (
		id          TEXT PRIMARY KEY,
		type        TEXT NOT NULL,
		token       TEXT,
		owner_id    TEXT,
		policy_name TEXT,
		units       INTEGER NOT NULL DEFAULT 0,
		value       INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_event_token ON event_log(token)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_event_owner ON event_log(owner_id)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_event_created ON event_log(created_at)`)
	return err
}

// Entry converts a bus event into a journal entry.
func Entry(e events.Event, at time.Time) models.JournalEntry {
	entry := models.JournalEntry{
		ID:        uuid.NewString(),
		Type:      string(e.Type),
		Token:     e.TokenID,
		Units:     e.Units,
		Value:     e.Value,
		CreatedAt: at.UTC(),
	}
	if e.Token != nil {
		entry.Token = e.Token.Token
		entry.OwnerID = e.Token.OwnerID
		entry.PolicyName = e.Token.PolicyName
		entry.Value = e.Token.StartValue()
	}
	if e.Request != nil {
		entry.OwnerID = e.Request.OwnerID
		entry.PolicyName = e.Request.PolicyName
	}
	if e.Change != nil {
		entry.OwnerID = e.Change.OwnerID
		entry.PolicyName = e.Change.PolicyName
	}
	if e.Type == events.MaxTokens {
		entry.Value = e.MaxTokens
	}
	return entry
}

// Record persists a bus event unless its type is excluded.
func (j *Journal) Record(ctx context.Context, e events.Event) error {
	if j == nil || j.db == nil {
		return nil
	}
	if j.exclude[string(e.Type)] {
		return nil
	}
	return j.Log(ctx, Entry(e, j.clock.Now()))
}

// Log inserts an entry.
func (j *Journal) Log(ctx context.Context, entry models.JournalEntry) error {
	if j == nil || j.db == nil {
		return nil
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO event_log
		(id, type, token, owner_id, policy_name, units, value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Type, entry.Token, entry.OwnerID, entry.PolicyName,
		entry.Units, entry.Value, entry.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// Attach records every event published on bus until Close.
func (j *Journal) Attach(bus *events.Bus) {
	stop := bus.Handle(func(e events.Event) {
		if err := j.Record(context.Background(), e); err != nil {
			j.logger.Error("record event failed", "type", e.Type, "error", err)
		}
	})
	j.mu.Lock()
	j.stop = stop
	j.mu.Unlock()
}

// Query returns entries matching opts, newest first.
func (j *Journal) Query(ctx context.Context, opts models.JournalQueryOpts) ([]models.JournalEntry, error) {
	q := `SELECT id, type, token, owner_id, policy_name, units, value, created_at
		FROM event_log WHERE 1=1`
	var args []any

	if opts.Type != "" {
		q += " AND type = ?"
		args = append(args, opts.Type)
	}
	if opts.Token != "" {
		q += " AND token = ?"
		args = append(args, opts.Token)
	}
	if opts.OwnerID != "" {
		q += " AND owner_id = ?"
		args = append(args, opts.OwnerID)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UnixMilli())
	}

	q += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []models.JournalEntry
	for rows.Next() {
		var e models.JournalEntry
		var token, owner, policy sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.Type, &token, &owner, &policy, &e.Units, &e.Value, &created); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		e.Token = token.String
		e.OwnerID = owner.String
		e.PolicyName = policy.String
		e.CreatedAt = time.UnixMilli(created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns entry counts grouped by type and UTC day.
func (j *Journal) Stats(ctx context.Context) ([]models.JournalStat, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT type, date(created_at / 1000, 'unixepoch') AS day, count(*) AS cnt
		 FROM event_log GROUP BY type, day ORDER BY day DESC, type`)
	if err != nil {
		return nil, fmt.Errorf("journal stats: %w", err)
	}
	defer rows.Close()

	var stats []models.JournalStat
	for rows.Next() {
		var s models.JournalStat
		var day sql.NullString
		if err := rows.Scan(&s.Type, &day, &s.Count); err != nil {
			return nil, fmt.Errorf("scan journal stat: %w", err)
		}
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the configured retention period. A
// retention of zero days keeps everything.
func (j *Journal) Cleanup(ctx context.Context) (int64, error) {
	if j.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := j.clock.Now().AddDate(0, 0, -j.cfg.RetentionDays)
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM event_log WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("journal cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close detaches from the bus, stops the retention goroutine and closes the
// database.
func (j *Journal) Close() error {
	j.mu.Lock()
	stop := j.stop
	j.stop = nil
	j.mu.Unlock()
	if stop != nil {
		stop()
	}
	close(j.done)
	j.wg.Wait()
	return j.db.Close()
}

func (j *Journal) retentionLoop() {
	defer j.wg.Done()
	ticker := j.clock.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-j.done:
			return
		case <-ticker.C():
			n, err := j.Cleanup(context.Background())
			if err != nil {
				j.logger.Error("journal cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				j.logger.Debug("pruned journal entries", "deleted", n)
			}
		}
	}
}
