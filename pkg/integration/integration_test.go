package integration

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	luffyerr "github.com/openluffy/luffy/pkg/errors"
)

func TestValidate(t *testing.T) {
	for _, c := range []struct {
		name  string
		i     Integration
		valid bool
	}{
		{"github", Integration{Type: GitHub, Config: map[string]interface{}{"org": "lebrick", "repo": "acme-api", "enabled": true}}, true},
		{"github missing repo", Integration{Type: GitHub, Config: map[string]interface{}{"org": "lebrick"}}, false},
		{"github enabled not bool", Integration{Type: GitHub, Config: map[string]interface{}{"org": "a", "repo": "b", "enabled": "yes"}}, false},
		{"slack", Integration{Type: Slack, Config: map[string]interface{}{"webhook_url": "https://hooks.slack.com/services/x"}}, true},
		{"registry nil config", Integration{Type: Registry}, false},
		{"unknown type", Integration{Type: "pagerduty", Config: map[string]interface{}{}}, false},
	} {
		t.Run(c.name, func(t *testing.T) {
			err := Validate(c.i)
			if c.valid {
				assert.NoError(t, err)
			} else {
				assert.True(t, luffyerr.IsValidation(err), "got %v", err)
			}
		})
	}
}

func TestMask(t *testing.T) {
	i := Integration{
		Type: GitHub,
		Config: map[string]interface{}{
			"org":   "lebrick",
			"token": "ghp_secret",
			"auth":  map[string]interface{}{"password": "hunter2", "user": "bot"},
			"empty": "",
		},
	}
	m := i.Mask()
	assert.Equal(t, Masked, m.Config["token"])
	assert.Equal(t, "lebrick", m.Config["org"])
	assert.Equal(t, Masked, m.Config["auth"].(map[string]interface{})["password"])
	assert.Equal(t, "bot", m.Config["auth"].(map[string]interface{})["user"])
	assert.Equal(t, "ghp_secret", i.Config["token"], "original untouched")
}

func TestInMemUpsertMerges(t *testing.T) {
	ctx := context.Background()
	s := NewInMemStore()
	acme := TenantScope("acme")

	first, err := s.Upsert(ctx, Integration{TenantID: acme, Type: GitHub, Config: map[string]interface{}{
		"org": "lebrick", "repo": "acme-api", "token": "t1",
	}})
	require.NoError(t, err)
	require.False(t, first.ConnectedAt.IsZero())

	second, err := s.Upsert(ctx, Integration{TenantID: acme, Type: GitHub, Config: map[string]interface{}{
		"org": "lebrick", "repo": "acme-web",
	}})
	require.NoError(t, err)
	assert.Equal(t, "acme-web", second.Config["repo"])
	assert.Equal(t, "t1", second.Config["token"], "kept from before")
	assert.Equal(t, first.ConnectedAt, second.ConnectedAt)

	_, err = s.Upsert(ctx, Integration{TenantID: acme, Type: GitHub, Config: map[string]interface{}{"org": 7}})
	assert.True(t, luffyerr.IsValidation(err))
}

func TestInMemUpsertPartialAndMasked(t *testing.T) {
	ctx := context.Background()
	s := NewInMemStore()
	acme := TenantScope("acme")

	_, err := s.Upsert(ctx, Integration{TenantID: acme, Type: GitHub, Config: map[string]interface{}{"repo": "acme-api"}})
	assert.True(t, luffyerr.IsValidation(err), "nothing to merge with")

	_, err = s.Upsert(ctx, Integration{TenantID: acme, Type: GitHub, Config: map[string]interface{}{
		"org": "lebrick", "repo": "acme-api", "token": "t1",
	}})
	require.NoError(t, err)

	// only the branch, with the rest as the API shows it
	shown, err := s.ForTenant(ctx, "acme")
	require.NoError(t, err)
	update := shown[0].Mask()
	update.Config["branch"] = "release"
	got, err := s.Upsert(ctx, update)
	require.NoError(t, err)
	assert.Equal(t, "t1", got.Config["token"])
	assert.Equal(t, "release", got.Config["branch"])

	got, err = s.Upsert(ctx, Integration{TenantID: acme, Type: GitHub, Config: map[string]interface{}{"enabled": false}})
	require.NoError(t, err)
	assert.Equal(t, "acme-api", got.Config["repo"])
	assert.Equal(t, false, got.Config["enabled"])
}

func TestInMemForTenantScoping(t *testing.T) {
	ctx := context.Background()
	s := NewInMemStore()
	_, err := s.Upsert(ctx, Integration{Type: Slack, Config: map[string]interface{}{"webhook_url": "https://hooks.example.com/a"}})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, Integration{TenantID: TenantScope("acme"), Type: GitHub, Config: map[string]interface{}{"org": "o", "repo": "acme"}})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, Integration{TenantID: TenantScope("widget"), Type: GitHub, Config: map[string]interface{}{"org": "o", "repo": "widget"}})
	require.NoError(t, err)

	is, err := s.ForTenant(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, is, 2)
	assert.Equal(t, "acme", is[0].Config["repo"], "tenant entries first")
	assert.True(t, is[1].Global())

	n, err := s.DeleteTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	is, _ = s.ForTenant(ctx, "acme")
	assert.Len(t, is, 1)
	is, _ = s.ForTenant(ctx, "widget")
	assert.Len(t, is, 2)
}

func newMockStore(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS integrations").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := newSQLStore(db, log.NewNopLogger())
	require.NoError(t, err)
	return s, mock
}

func TestSQLUpsertMerges(t *testing.T) {
	s, mock := newMockStore(t)
	connected := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT config, connected_at FROM integrations WHERE scope = \$1 AND type = \$2 FOR UPDATE`).
		WithArgs("acme", "github").
		WillReturnRows(sqlmock.NewRows([]string{"config", "connected_at"}).
			AddRow([]byte(`{"org":"lebrick","repo":"acme-api","token":"t1"}`), connected))
	mock.ExpectExec(`INSERT INTO integrations \(scope,type,config,connected_at\) VALUES \(\$1,\$2,\$3,\$4\) ON CONFLICT`).
		WithArgs("acme", "github", sqlmock.AnyArg(), connected).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	i, err := s.Upsert(context.Background(), Integration{
		TenantID: TenantScope("acme"),
		Type:     GitHub,
		Config:   map[string]interface{}{"org": "lebrick", "repo": "acme-web"},
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", i.Config["token"])
	assert.Equal(t, "acme-web", i.Config["repo"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLUpsertValidatesMerged(t *testing.T) {
	s, mock := newMockStore(t)
	existing := sqlmock.NewRows([]string{"config", "connected_at"}).
		AddRow([]byte(`{"org":"lebrick","repo":"acme-api","token":"t1"}`), time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT config, connected_at FROM integrations`).
		WithArgs("acme", "github").
		WillReturnRows(existing)
	mock.ExpectExec(`INSERT INTO integrations`).
		WithArgs("acme", "github", []byte(`{"enabled":true,"org":"lebrick","repo":"acme-api","token":"t1"}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	i, err := s.Upsert(context.Background(), Integration{
		TenantID: TenantScope("acme"),
		Type:     GitHub,
		Config:   map[string]interface{}{"enabled": true, "token": Masked},
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", i.Config["token"])
	assert.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT config, connected_at FROM integrations`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()
	_, err = s.Upsert(context.Background(), Integration{TenantID: TenantScope("acme"), Type: GitHub, Config: map[string]interface{}{"enabled": true}})
	assert.True(t, luffyerr.IsValidation(err), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLUpsertNew(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2020, 3, 2, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT config, connected_at FROM integrations`).
		WithArgs("", "slack").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO integrations`).
		WithArgs("", "slack", []byte(`{"webhook_url":"https://hooks.example.com/a"}`), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	i, err := s.Upsert(context.Background(), Integration{Type: Slack, Config: map[string]interface{}{"webhook_url": "https://hooks.example.com/a"}})
	require.NoError(t, err)
	assert.Equal(t, now, i.ConnectedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLUpsertRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT config, connected_at FROM integrations`).WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO integrations`).WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := s.Upsert(context.Background(), Integration{Type: Registry, Config: map[string]interface{}{"url": "ghcr.io"}})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLForTenant(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT scope, type, config, connected_at FROM integrations WHERE scope IN \(\$1,\$2\)`).
		WithArgs("acme", "").
		WillReturnRows(sqlmock.NewRows([]string{"scope", "type", "config", "connected_at"}).
			AddRow("", "slack", []byte(`{"webhook_url":"https://hooks.example.com/a"}`), at).
			AddRow("acme", "github", []byte(`{"org":"lebrick","repo":"acme-api"}`), at))

	is, err := s.ForTenant(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, is, 2)
	require.NotNil(t, is[0].TenantID)
	assert.Equal(t, "acme", string(*is[0].TenantID))
	assert.Equal(t, Slack, is[1].Type)
	assert.True(t, is[1].Global())
	assert.NoError(t, mock.ExpectationsWereMet())
}
