package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/layer-3/woosh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresWithMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewPostgresStore(db).(*PostgresStore), mock
}

func TestPostgresGet(t *testing.T) {
	ctx := context.Background()
	s, mock := newPostgresWithMock(t)

	q := `(?s)^SELECT\s+value\s+FROM\s+nodes\s+WHERE\s+parent\s*=\s*\$1\s+AND\s+name\s*=\s*\$2$`

	mock.ExpectQuery(q).WithArgs("chats", "c1").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"id":"c1"}`)))
	got, err := s.Get(ctx, "chats/c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"c1"}`, string(got))

	mock.ExpectQuery(q).WithArgs("chats", "none").WillReturnError(sql.ErrNoRows)
	_, err = s.Get(ctx, "chats/none")
	assert.ErrorIs(t, err, core.ErrNotFound)

	mock.ExpectQuery(q).WithArgs("chats", "c2").WillReturnError(errors.New("db down"))
	_, err = s.Get(ctx, "chats/c2")
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "db down")
}

func TestPostgresSet(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+nodes.*ON\s+CONFLICT\s+\(parent,\s*name\)\s+DO\s+UPDATE`).
		WithArgs("chats/c1/messages", "m1", []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Set(context.Background(), "chats/c1/messages/m1", []byte(`{}`)))
}

func TestPostgresUpdate(t *testing.T) {
	ctx := context.Background()
	s, mock := newPostgresWithMock(t)

	q := `(?s)^UPDATE\s+nodes\s+SET\s+value\s*=\s*value\s*\|\|\s*\$3::jsonb`

	mock.ExpectExec(q).WithArgs("chats", "c1", []byte(`{"status":"active"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Update(ctx, "chats/c1", map[string]any{"status": "active"}))

	mock.ExpectExec(q).WithArgs("chats", "none", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := s.Update(ctx, "chats/none", map[string]any{"status": "active"})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestPostgresPush(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+nodes\s*\(parent,\s*name,\s*value\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3\)$`).
		WithArgs("chats/c1/messages", sqlmock.AnyArg(), []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := s.Push(context.Background(), "chats/c1/messages/", []byte(`{}`))
	require.NoError(t, err)
	assert.Len(t, id, 36)
}

func TestPostgresChildren(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectQuery(`(?s)^SELECT\s+name,\s*value\s+FROM\s+nodes\s+WHERE\s+parent\s*=\s*\$1$`).
		WithArgs("users/u1/chats").
		WillReturnRows(sqlmock.NewRows([]string{"name", "value"}).
			AddRow("c1", []byte(`{"a":1}`)).
			AddRow("c2", []byte(`{"a":2}`)))

	children, err := s.Children(context.Background(), "users/u1/chats")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.JSONEq(t, `{"a":2}`, string(children["c2"]))
}

func TestPostgresSetIfAbsent(t *testing.T) {
	ctx := context.Background()
	s, mock := newPostgresWithMock(t)

	q := `(?s)^INSERT\s+INTO\s+nodes.*ON\s+CONFLICT\s+\(parent,\s*name\)\s+DO\s+NOTHING$`

	mock.ExpectExec(q).WithArgs("chat_index", "k", []byte(`"c1"`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := s.SetIfAbsent(ctx, "chat_index/k", []byte(`"c1"`))
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(q).WithArgs("chat_index", "k", []byte(`"c2"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = s.SetIfAbsent(ctx, "chat_index/k", []byte(`"c2"`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s, mock := newPostgresWithMock(t)

	q := `(?s)^UPDATE\s+nodes\s+SET\s+value\s*=\s*\$3\s+WHERE.*value\s*=\s*\$4::jsonb$`
	old, next := []byte(`{"status":"unread"}`), []byte(`{"status":"read"}`)

	mock.ExpectExec(q).WithArgs("m", "1", next, old).WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := s.CompareAndSwap(ctx, "m/1", old, next)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(q).WithArgs("m", "1", next, old).WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = s.CompareAndSwap(ctx, "m/1", old, next)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresExpiries(t *testing.T) {
	ctx := context.Background()
	s, mock := newPostgresWithMock(t)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+expiries.*ON\s+CONFLICT\s+\(path\)\s+DO\s+UPDATE`).
		WithArgs("chats/c1/messages/m1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.ScheduleExpiry(ctx, "chats/c1/messages/m1", now))

	mock.ExpectQuery(`(?s)^SELECT\s+path\s+FROM\s+expiries\s+WHERE\s+expires_at\s*<=\s*\$1\s+ORDER\s+BY\s+expires_at,\s*path\s+LIMIT\s+\$2$`).
		WithArgs(now, 50).
		WillReturnRows(sqlmock.NewRows([]string{"path"}).AddRow("a/1").AddRow("a/2"))
	due, err := s.DueExpiries(ctx, now, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2"}, due)

	mock.ExpectExec(`(?s)^DELETE\s+FROM\s+expiries\s+WHERE\s+path\s*=\s*\$1$`).
		WithArgs("a/1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.RemoveExpiry(ctx, "a/1"))
}

func TestPostgresDelete(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectExec(`(?s)^DELETE\s+FROM\s+nodes\s+WHERE\s+parent\s*=\s*\$1\s+AND\s+name\s*=\s*\$2$`).
		WithArgs("chats/c1/messages", "m1").
		WillReturnError(errors.New("conn reset"))

	err := s.Delete(context.Background(), "chats/c1/messages/m1")
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
}

func TestRunMigrations(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	orig := gooseUp
	defer func() { gooseUp = orig }()

	var dir string
	gooseUp = func(ctx context.Context, _ *sql.DB, d string) error {
		dir = d
		return nil
	}
	require.NoError(t, RunMigrations(context.Background(), db))
	assert.Equal(t, ".", dir)

	gooseUp = func(context.Context, *sql.DB, string) error { return errors.New("boom") }
	err = RunMigrations(context.Background(), db)
	assert.ErrorContains(t, err, "boom")
}
