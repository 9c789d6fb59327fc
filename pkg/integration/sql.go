package integration

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

// Global integrations are stored with an empty scope.
type sqlStore struct {
	db     *sql.DB
	logger log.Logger
	now    func() time.Time
}

func NewSQLStore(db *sql.DB, logger log.Logger) (Store, error) {
	return newSQLStore(db, logger)
}

func newSQLStore(db *sql.DB, logger log.Logger) (*sqlStore, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS integrations
             (scope        TEXT NOT NULL,
              type         TEXT NOT NULL,
              config       JSONB NOT NULL,
              connected_at TIMESTAMPTZ NOT NULL,
              PRIMARY KEY (scope, type))`)
	if err != nil {
		logger.Log("method", "ensureTables", "err", err)
		return nil, errors.Wrap(err, "creating integrations table")
	}
	return &sqlStore{db: db, logger: logger, now: time.Now}, nil
}

func builder(runner squirrel.BaseRunner) squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).RunWith(runner)
}

func (s *sqlStore) Upsert(ctx context.Context, i Integration) (_ Integration, err error) {
	if err := checkType(i.Type); err != nil {
		return Integration{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Integration{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	sb := builder(tx)

	var (
		raw         []byte
		connectedAt time.Time
		existing    map[string]interface{}
	)
	err = sb.Select("config", "connected_at").
		From("integrations").
		Where(squirrel.Eq{"scope": i.scope(), "type": string(i.Type)}).
		Suffix("FOR UPDATE").
		QueryRowContext(ctx).
		Scan(&raw, &connectedAt)
	switch {
	case err == sql.ErrNoRows:
		err = nil
	case err != nil:
		return Integration{}, errors.Wrap(err, "reading integration")
	default:
		if err = json.Unmarshal(raw, &existing); err != nil {
			return Integration{}, err
		}
		if i.ConnectedAt.IsZero() {
			i.ConnectedAt = connectedAt
		}
	}
	if i.Config, err = merge(existing, i.Config); err != nil {
		return Integration{}, err
	}
	if err = Validate(i); err != nil {
		return Integration{}, err
	}
	if i.ConnectedAt.IsZero() {
		i.ConnectedAt = s.now().UTC()
	}

	config, err := json.Marshal(i.Config)
	if err != nil {
		return Integration{}, err
	}
	_, err = sb.Insert("integrations").
		Columns("scope", "type", "config", "connected_at").
		Values(i.scope(), string(i.Type), config, i.ConnectedAt).
		Suffix("ON CONFLICT (scope, type) DO UPDATE SET config = EXCLUDED.config, connected_at = EXCLUDED.connected_at").
		ExecContext(ctx)
	if err != nil {
		return Integration{}, errors.Wrap(err, "writing integration")
	}
	return i, nil
}

func (s *sqlStore) ForTenant(ctx context.Context, id tenant.ID) ([]Integration, error) {
	rows, err := builder(s.db).Select("scope", "type", "config", "connected_at").
		From("integrations").
		Where(squirrel.Eq{"scope": []string{string(id), ""}}).
		QueryContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "querying integrations")
	}
	defer rows.Close()

	var out []Integration
	for rows.Next() {
		var (
			i     Integration
			scope string
			typ   string
			raw   []byte
		)
		if err := rows.Scan(&scope, &typ, &raw, &i.ConnectedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &i.Config); err != nil {
			return nil, err
		}
		i.Type = Type(typ)
		if scope != "" {
			i.TenantID = TenantScope(tenant.ID(scope))
		}
		out = append(out, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortIntegrations(out)
	return out, nil
}

func (s *sqlStore) DeleteTenant(ctx context.Context, id tenant.ID) (int64, error) {
	if id == "" {
		return 0, nil
	}
	res, err := builder(s.db).Delete("integrations").
		Where(squirrel.Eq{"scope": string(id)}).
		ExecContext(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "deleting integrations")
	}
	return res.RowsAffected()
}
