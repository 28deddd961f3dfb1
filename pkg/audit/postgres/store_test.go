package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-consent-proxy/pkg/audit"
)

const (
	testYear         = 2026
	testMonth        = 3
	testFilterLimit  = 10
	testFilterOffset = 5
	testCountResult  = 42
)

// selectColumns lists the SELECT column names in scan order.
var selectColumns = []string{
	"id", "timestamp", "session_id", "agent_id", "user_id",
	"method", "tool_name", "allowed", "reason", "grant_id",
	"consent_url", "missing_tools",
}

func newTestEvent() audit.Event {
	return audit.Event{
		ID:           "evt-123",
		Timestamp:    time.Date(testYear, testMonth, 15, 10, 30, 0, 0, time.UTC),
		SessionID:    "sess-789",
		AgentID:      "agent-1",
		UserID:       "user-abc",
		Method:       "tools/call",
		ToolName:     "ReadFile",
		Allowed:      false,
		Reason:       "tool_not_granted",
		GrantID:      "grant-456",
		ConsentURL:   true,
		MissingTools: []string{"ReadFile"},
	}
}

func addEventRow(rows *sqlmock.Rows, event audit.Event) {
	missing, _ := json.Marshal(event.MissingTools)
	rows.AddRow(
		event.ID, event.Timestamp, event.SessionID, event.AgentID, event.UserID,
		event.Method, event.ToolName, event.Allowed, event.Reason, event.GrantID,
		event.ConsentURL, missing,
	)
}

func TestNew(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	t.Run("custom retention", func(t *testing.T) {
		store := New(db, Config{RetentionDays: 30})
		assert.Equal(t, 30, store.retentionDays)
		assert.Equal(t, db, store.db)
	})

	t.Run("default retention when zero", func(t *testing.T) {
		store := New(db, Config{RetentionDays: 0})
		assert.Equal(t, defaultRetentionDays, store.retentionDays)
	})
}

func TestLog_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{RetentionDays: 90})
	event := newTestEvent()

	missingJSON, err := json.Marshal(event.MissingTools)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO decision_audit").WithArgs(
		event.ID,
		event.Timestamp,
		event.SessionID,
		event.AgentID,
		event.UserID,
		event.Method,
		event.ToolName,
		event.Allowed,
		event.Reason,
		event.GrantID,
		event.ConsentURL,
		missingJSON,
		event.Timestamp.Format("2006-01-02"),
	).WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.Log(context.Background(), event)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLog_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{RetentionDays: 90})

	mock.ExpectExec("INSERT INTO decision_audit").
		WillReturnError(errors.New("connection refused"))

	err = store.Log(context.Background(), newTestEvent())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "inserting audit log")
	assert.Contains(t, err.Error(), "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_NoFilter(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{RetentionDays: 90})
	event := newTestEvent()

	rows := sqlmock.NewRows(selectColumns)
	addEventRow(rows, event)
	mock.ExpectQuery("SELECT .+ FROM decision_audit").WillReturnRows(rows)

	results, err := store.Query(context.Background(), audit.QueryFilter{})
	assert.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, event.ID, results[0].ID)
	assert.Equal(t, event.Reason, results[0].Reason)
	assert.Equal(t, event.MissingTools, results[0].MissingTools)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_AllFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{RetentionDays: 90})

	startTime := time.Date(testYear, testMonth, 1, 0, 0, 0, 0, time.UTC)
	endTime := time.Date(testYear, testMonth, 30, 23, 59, 59, 0, time.UTC)
	allowed := false

	filter := audit.QueryFilter{
		StartTime: &startTime,
		EndTime:   &endTime,
		SessionID: "sess-789",
		ToolName:  "ReadFile",
		Allowed:   &allowed,
		Limit:     testFilterLimit,
		Offset:    testFilterOffset,
	}

	rows := sqlmock.NewRows(selectColumns)
	addEventRow(rows, newTestEvent())

	mock.ExpectQuery("SELECT .+ FROM decision_audit").WithArgs(
		startTime,
		endTime,
		"sess-789",
		"ReadFile",
		false,
		testFilterLimit,
		testFilterOffset,
	).WillReturnRows(rows)

	results, err := store.Query(context.Background(), filter)
	assert.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{RetentionDays: 90})

	mock.ExpectQuery("SELECT .+ FROM decision_audit").
		WillReturnError(errors.New("db unavailable"))

	results, err := store.Query(context.Background(), audit.QueryFilter{})
	assert.Error(t, err)
	assert.Nil(t, results)
	assert.Contains(t, err.Error(), "querying audit logs")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_ScanError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{RetentionDays: 90})

	rows := sqlmock.NewRows([]string{"id", "timestamp"}).
		AddRow("evt-1", "not-a-valid-timestamp")
	mock.ExpectQuery("SELECT .+ FROM decision_audit").WillReturnRows(rows)

	results, err := store.Query(context.Background(), audit.QueryFilter{})
	assert.Error(t, err)
	assert.Nil(t, results)
	assert.Contains(t, err.Error(), "scanning audit log row")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_MultipleRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{RetentionDays: 90})

	event1 := newTestEvent()
	event1.ID = "evt-1"
	event2 := newTestEvent()
	event2.ID = "evt-2"
	event2.Allowed = true
	event2.Reason = ""
	event2.MissingTools = nil

	rows := sqlmock.NewRows(selectColumns)
	addEventRow(rows, event1)
	addEventRow(rows, event2)
	mock.ExpectQuery("SELECT .+ FROM decision_audit").WillReturnRows(rows)

	results, err := store.Query(context.Background(), audit.QueryFilter{})
	assert.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "evt-1", results[0].ID)
	assert.Equal(t, "evt-2", results[1].ID)
	assert.True(t, results[1].Allowed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{RetentionDays: 90})

	rows := sqlmock.NewRows([]string{"count"}).AddRow(testCountResult)
	mock.ExpectQuery("SELECT COUNT").WithArgs("sess-789").WillReturnRows(rows)

	count, err := store.Count(context.Background(), audit.QueryFilter{SessionID: "sess-789"})
	assert.NoError(t, err)
	assert.Equal(t, testCountResult, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanup(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer func() { _ = db.Close() }()

		store := New(db, Config{RetentionDays: 30})

		mock.ExpectExec("DELETE FROM decision_audit WHERE timestamp").
			WillReturnResult(sqlmock.NewResult(0, 5))

		err = store.Cleanup(context.Background())
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("db error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer func() { _ = db.Close() }()

		store := New(db, Config{RetentionDays: 30})

		mock.ExpectExec("DELETE FROM decision_audit WHERE timestamp").
			WillReturnError(errors.New("cleanup failed"))

		err = store.Cleanup(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cleaning up audit logs")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestClose_NilCancel_NoPanic(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	assert.NoError(t, store.Close())
}

func TestClose_StopsCleanupRoutine(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{RetentionDays: 7})

	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec("DELETE FROM decision_audit").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM decision_audit").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store.StartCleanupRoutine(10 * time.Millisecond)

	// Let at least one cleanup tick fire.
	time.Sleep(50 * time.Millisecond)

	assert.NoError(t, store.Close())
}
