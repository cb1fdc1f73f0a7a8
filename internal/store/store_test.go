package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flexibleSQLMatcher makes a regex that ignores whitespace differences.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

var automationCols = []string{"id", "name", "version", "kind", "path", "created_at"}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	mock.ExpectPing()
	s, err := New(context.Background(), mock)
	require.NoError(t, err)
	return s, mock
}

func TestNewStorePingFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	pingErr := errors.New("database unavailable")
	mock.ExpectPing().WillReturnError(pingErr)

	_, err = New(context.Background(), mock)
	require.Error(t, err)
	assert.ErrorIs(t, err, pingErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS automations`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveAutomation(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("name resolves to latest version", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(flexibleSQLMatcher(sqlLatestAutomationByName)).
			WithArgs("close-positions").
			WillReturnRows(pgxmock.NewRows(automationCols).
				AddRow("a3", "close-positions", 3, "robot", "/bundles/close-v3.json", created))

		a, err := s.ResolveAutomation(ctx, "close-positions")
		require.NoError(t, err)
		assert.Equal(t, 3, a.Version)
		assert.Equal(t, "/bundles/close-v3.json", a.Path)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("uuid resolves by id", func(t *testing.T) {
		s, mock := newMockStore(t)
		id := "1b4e28ba-2fa1-11d2-883f-0016d3cca427"
		mock.ExpectQuery(flexibleSQLMatcher(sqlAutomationByID)).
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows(automationCols).
				AddRow(id, "report", 1, "robot", "/bundles/report.json", created))

		a, err := s.ResolveAutomation(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "report", a.Name)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("uuid miss falls back to name", func(t *testing.T) {
		s, mock := newMockStore(t)
		id := "1b4e28ba-2fa1-11d2-883f-0016d3cca427"
		mock.ExpectQuery(flexibleSQLMatcher(sqlAutomationByID)).
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows(automationCols))
		mock.ExpectQuery(flexibleSQLMatcher(sqlLatestAutomationByName)).
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows(automationCols))

		_, err := s.ResolveAutomation(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("blank ref", func(t *testing.T) {
		s, mock := newMockStore(t)
		_, err := s.ResolveAutomation(ctx, "  ")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestListAutomations(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Now().UTC()
	mock.ExpectQuery(flexibleSQLMatcher(sqlListAutomations)).
		WillReturnRows(pgxmock.NewRows(automationCols).
			AddRow("a2", "close-positions", 2, "robot", "/b/2.json", created).
			AddRow("a1", "close-positions", 1, "robot", "/b/1.json", created))

	got, err := s.ListAutomations(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRun(t *testing.T) {
	s, mock := newMockStore(t)
	start := time.Now()
	mock.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
		WithArgs(pgxmock.AnyArg(), "ctrader", "trader1", "place-order", "failed", "blocked: market is closed", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	r, err := s.InsertRun(context.Background(), Run{
		Automation: "ctrader",
		Identity:   "trader1",
		Operation:  "place-order",
		Status:     "failed",
		Message:    "blocked: market is closed",
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRunPropagatesError(t *testing.T) {
	s, mock := newMockStore(t)
	dbErr := errors.New("connection reset")
	mock.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(dbErr)

	_, err := s.InsertRun(context.Background(), Run{Automation: "ctrader"})
	assert.ErrorIs(t, err, dbErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddAutomationAssignsID(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(flexibleSQLMatcher(sqlInsertAutomation)).
		WithArgs(pgxmock.AnyArg(), "report", 4, "robot", "/b/report.json", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	a, err := s.AddAutomation(context.Background(), Automation{Name: "report", Version: 4, Kind: "robot", Path: "/b/report.json"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.False(t, a.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentRunsClampsLimit(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery(flexibleSQLMatcher(sqlRecentRuns)).
		WithArgs(50).
		WillReturnRows(pgxmock.NewRows([]string{"id", "automation", "identity", "operation", "status", "message", "started_at", "finished_at"}).
			AddRow("r1", "ctrader", "trader1", "default", "success", "order form filled", now, now))

	runs, err := s.RecentRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "trader1", runs[0].Identity)
	assert.NoError(t, mock.ExpectationsWereMet())
}
