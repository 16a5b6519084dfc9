package db

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return New(sqlx.NewDb(conn, "sqlmock")), mock
}

func deviceRows() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "project_id", "platform", "token", "user_id", "tags", "active", "last_seen_at", "created_at"}).
		AddRow("d1", "p1", "android", "tok-a", nil, "{vip,beta}", true, now, now).
		AddRow("d2", "p1", "ios", "tok-b", "u1", "{}", true, now, now)
}

func TestFindDevicesByIDs(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM devices")).
		WithArgs("p1", sqlmock.AnyArg()).
		WillReturnRows(deviceRows())

	devices, err := store.FindDevicesByIDs(context.Background(), "p1", []string{"d1", "d2"})
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "tok-a", devices[0].Token)
	assert.Equal(t, []string{"vip", "beta"}, []string(devices[0].Tags))
	assert.Nil(t, devices[0].UserID)
	require.NotNil(t, devices[1].UserID)
	assert.Equal(t, "u1", *devices[1].UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindDevicesBySegment_BuildsFilters(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`platform = ANY\(\$2\) AND tags && \$3 AND last_seen_at >= \$4 ORDER BY last_seen_at DESC LIMIT \$5`).
		WithArgs("p1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), 50).
		WillReturnRows(deviceRows())

	devices, err := store.FindDevicesBySegment(context.Background(), "p1", SegmentFilter{
		Platforms:        []string{"android", "ios"},
		Tags:             []string{"vip"},
		ActiveWithinDays: 30,
	}, 50)
	require.NoError(t, err)
	assert.Len(t, devices, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindDevicesBySegment_NoFilters(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`WHERE project_id = \$1 AND active = TRUE ORDER BY last_seen_at DESC LIMIT \$2`).
		WithArgs("p1", 10000).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	devices, err := store.FindDevicesBySegment(context.Background(), "p1", SegmentFilter{}, 10000)
	require.NoError(t, err)
	assert.Empty(t, devices)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeactivateTokens(t *testing.T) {
	store, mock := newMockStore(t)

	n, err := store.DeactivateTokens(context.Background(), "p1", nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE devices")).
		WithArgs("p1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err = store.DeactivateTokens(context.Background(), "p1", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProjectSecrets(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM projects")).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "api_key_encrypted", "webhook_secret_encrypted"}).
			AddRow("p1", []byte("enc-key"), nil))

	secrets, err := store.GetProjectSecrets(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, []byte("enc-key"), secrets.APIKey)
	assert.Empty(t, secrets.WebhookSecret)

	mock.ExpectQuery(regexp.QuoteMeta("FROM projects")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "api_key_encrypted", "webhook_secret_encrypted"}))

	_, err = store.GetProjectSecrets(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetWebhookSecret_UnknownProject(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE projects")).
		WithArgs([]byte("cipher"), "nope").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SetWebhookSecret(context.Background(), "nope", []byte("cipher"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWebhookDeliveryLifecycle(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO webhook_deliveries")).
		WithArgs("del-1", "sub-1", "p1", "notification.sent", []byte(`{"a":1}`), DeliveryPending).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))
	mock.ExpectQuery(regexp.QuoteMeta("SET attempts = attempts + 1")).
		WithArgs("del-1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE webhook_deliveries")).
		WithArgs(DeliveryFailed, 500, "server error", "del-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE webhook_deliveries")).
		WithArgs(DeliveryDelivered, 200, "del-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	d := &WebhookDelivery{ID: "del-1", SubscriptionID: "sub-1", ProjectID: "p1", Event: "notification.sent", Payload: json.RawMessage(`{"a":1}`)}
	require.NoError(t, store.CreateDelivery(context.Background(), d))
	assert.Equal(t, created, d.CreatedAt)
	assert.Equal(t, DeliveryPending, d.Status)

	attempts, err := store.IncrementDeliveryAttempts(context.Background(), "del-1")
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	require.NoError(t, store.MarkDeliveryFailed(context.Background(), "del-1", 500, "server error"))
	require.NoError(t, store.MarkDeliveryDelivered(context.Background(), "del-1", 200))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionWants(t *testing.T) {
	sub := WebhookSubscription{Events: []string{"notification.sent"}}
	assert.True(t, sub.Wants("notification.sent"))
	assert.False(t, sub.Wants("notification.failed"))
	assert.True(t, WebhookSubscription{Events: []string{"*"}}.Wants("notification.failed"))
}

func TestIncrementExecutions(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("RETURNING execution_count")).
		WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows([]string{"execution_count"}).AddRow(3))

	n, err := store.IncrementExecutions(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	mock.ExpectQuery(regexp.QuoteMeta("RETURNING execution_count")).
		WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"execution_count"}))

	_, err = store.IncrementExecutions(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeactivateRecurring(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE recurring_jobs")).
		WithArgs("rec-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.DeactivateRecurring(context.Background(), "rec-1"))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE recurring_jobs")).
		WithArgs("gone").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.DeactivateRecurring(context.Background(), "gone"), ErrNotFound)
}

func TestGetRecurring(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	maxExec := 5

	cols := []string{"id", "project_id", "name", "schedule_type", "schedule_value", "timezone", "cron_spec", "payload",
		"priority", "start_date", "end_date", "max_executions", "execution_count", "active", "last_run_at", "created_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM recurring_jobs WHERE id = $1")).
		WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("rec-1", "p1", "daily", "cron", "0 9 * * *", "UTC", "CRON_TZ=UTC 0 9 * * *", []byte(`{}`),
				5, nil, nil, maxExec, 2, true, nil, now))

	j, err := store.GetRecurring(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "CRON_TZ=UTC 0 9 * * *", j.CronSpec)
	require.NotNil(t, j.MaxExecutions)
	assert.Equal(t, 5, *j.MaxExecutions)
	assert.Equal(t, 2, j.ExecutionCount)
	assert.Nil(t, j.EndDate)
	assert.NoError(t, mock.ExpectationsWereMet())
}
