package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/go-kit/kit/log"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/openluffy/luffy/pkg/tenant"
)

// A history DB that uses a postgres database
type sqlDB struct {
	driver *sql.DB
	sb     squirrel.StatementBuilderType
	logger log.Logger
}

// NewSQL returns a history DB backed by the given postgres
// connection, creating the events table if necessary.
func NewSQL(db *sql.DB, logger log.Logger) (DB, error) {
	return newSQL(db, logger)
}

func newSQL(db *sql.DB, logger log.Logger) (*sqlDB, error) {
	if err := ensureTables(db, logger); err != nil {
		return nil, err
	}
	return &sqlDB{
		driver: db,
		sb:     squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).RunWith(db),
		logger: logger,
	}, nil
}

func (db *sqlDB) LogEvent(ctx context.Context, e Event) error {
	e.fill(time.Now())
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	_, err = db.sb.Insert("events").
		Columns("id", "tenant_id", "action", "message", "details", "at").
		Values(e.ID, string(e.TenantID), e.Action, e.Message, details, e.At).
		ExecContext(ctx)
	return errors.Wrap(err, "logging event")
}

func (db *sqlDB) EventsForTenant(ctx context.Context, id tenant.ID, limit int) ([]Event, error) {
	q := db.sb.Select("id", "tenant_id", "action", "message", "details", "at").
		From("events").
		Where(squirrel.Eq{"tenant_id": string(id)}).
		OrderBy("at DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	rows, err := q.QueryContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "querying events")
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var (
			e       Event
			tid     string
			details []byte
		)
		if err := rows.Scan(&e.ID, &tid, &e.Action, &e.Message, &details, &e.At); err != nil {
			return nil, err
		}
		e.TenantID = tenant.ID(tid)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, err
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (db *sqlDB) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.sb.Delete("events").Where(squirrel.Lt{"at": before}).ExecContext(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "pruning events")
	}
	return res.RowsAffected()
}

func (db *sqlDB) Close() error {
	return db.driver.Close()
}

func ensureTables(db *sql.DB, logger log.Logger) (err error) {
	logger = log.With(logger, "method", "ensureTables")
	defer func() {
		if err != nil {
			logger.Log("err", err)
		}
	}()

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS events
             (id        TEXT PRIMARY KEY,
              tenant_id TEXT NOT NULL,
              action    TEXT NOT NULL,
              message   TEXT NOT NULL,
              details   JSONB,
              at        TIMESTAMPTZ NOT NULL)`)
	if err != nil {
		return errors.Wrap(err, "creating events table")
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS events_tenant_at ON events (tenant_id, at DESC)`)
	return errors.Wrap(err, "creating events index")
}
