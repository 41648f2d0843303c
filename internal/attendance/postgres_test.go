package attendance

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/apperr"
)

func newPostgresMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(sqlx.NewDb(db, "sqlmock")), mock
}

var recordCols = []string{"id", "session_id", "course_id", "student_id", "student_name", "status", "method",
	"check_in_time", "evidence", "comment", "recorded_by", "created_at", "updated_at"}

var sessionCols = []string{"id", "course_id", "teacher_id", "title", "method", "start_time", "end_time",
	"geo_lat", "geo_lng", "geo_range", "wifi_ssid", "qr_rotation_seconds", "status", "created_at", "updated_at"}

func qrRecord() Record {
	at := t0
	return Record{
		SessionID:   "sess-1",
		StudentID:   "s-1",
		StudentName: "Student 1",
		Status:      StatusPresent,
		Method:      MethodQRCode,
		CheckInTime: &at,
		Evidence:    Evidence{QRPayload: "payload-1"},
		RecordedBy:  "s-1",
	}
}

func TestPostgresUpsertIfAbsentConsumesToken(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT course_id FROM attendance_sessions\s+WHERE id = \$1 AND status = 'active'.*FOR SHARE`).
		WithArgs("sess-1", t0).
		WillReturnRows(sqlmock.NewRows([]string{"course_id"}).AddRow("course-1"))
	mock.ExpectQuery(`INSERT INTO attendance_records .*ON CONFLICT \(session_id, student_id\) DO NOTHING\s+RETURNING id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("rec-1"))
	mock.ExpectExec(`UPDATE qr_tokens SET consumed_by`).
		WithArgs("payload-1", "sess-1", "s-1", t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, created, err := store.UpsertIfAbsent(context.Background(), qrRecord(), &QRClaim{Payload: "payload-1", StudentID: "s-1"}, t0)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "course-1", rec.CourseID)
	assert.NotEmpty(t, rec.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertIfAbsentReturnsExistingOnConflict(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT course_id FROM attendance_sessions`).
		WillReturnRows(sqlmock.NewRows([]string{"course_id"}).AddRow("course-1"))
	mock.ExpectQuery(`INSERT INTO attendance_records`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT .+ FROM attendance_records\s+WHERE session_id = \$1 AND student_id = \$2`).
		WithArgs("sess-1", "s-1").
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow("rec-0", "sess-1", "course-1", "s-1", "Student 1", "late", "qrcode", t0, []byte(`{"qrPayload":"older"}`), "", "s-1", t0, t0))
	mock.ExpectRollback()

	rec, created, err := store.UpsertIfAbsent(context.Background(), qrRecord(), &QRClaim{Payload: "payload-1", StudentID: "s-1"}, t0)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "rec-0", rec.ID)
	assert.Equal(t, StatusLate, rec.Status)
	assert.Equal(t, "older", rec.Evidence.QRPayload)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertIfAbsentClosedSession(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT course_id FROM attendance_sessions`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`FROM attendance_records`).
		WithArgs("sess-1", "s-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, _, err := store.UpsertIfAbsent(context.Background(), qrRecord(), nil, t0)
	assert.ErrorIs(t, err, apperr.ErrSessionClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertIfAbsentRejectsSpentToken(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT course_id FROM attendance_sessions`).
		WillReturnRows(sqlmock.NewRows([]string{"course_id"}).AddRow("course-1"))
	mock.ExpectQuery(`INSERT INTO attendance_records`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("rec-1"))
	mock.ExpectExec(`UPDATE qr_tokens SET consumed_by`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, _, err := store.UpsertIfAbsent(context.Background(), qrRecord(), &QRClaim{Payload: "payload-1", StudentID: "s-1"}, t0)
	assert.ErrorIs(t, err, apperr.ErrInvalidQRPayload)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEndSessionMarksAbsent(t *testing.T) {
	store, mock := newPostgresMock(t)
	end := t0.Add(10 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE attendance_sessions SET status = \$2, updated_at = \$3\s+WHERE id = \$1 AND status = 'active' RETURNING`).
		WithArgs("sess-1", SessionCompleted, end).
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("sess-1", "course-1", "t-1", "Lecture", "wifi", t0, end, nil, nil, nil, "CS-Lab", nil, "completed", t0, end))
	mock.ExpectExec(`UPDATE attendance_records SET status = 'absent'`).
		WithArgs("sess-1", end).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO attendance_records .*JOIN course_members`).
		WithArgs("sess-1", end, SystemActor.ID).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	s, marked, err := store.EndSession(context.Background(), "sess-1", end)
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, s.Status)
	assert.Equal(t, "CS-Lab", s.Params.WiFiSSID)
	assert.Nil(t, s.Params.Location)
	assert.Equal(t, 4, marked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEndSessionAlreadyTerminal(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE attendance_sessions SET status`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT status FROM attendance_sessions WHERE id = \$1`).
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("cancelled"))
	mock.ExpectRollback()

	_, _, err := store.EndSession(context.Background(), "sess-1", t0)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetSession(t *testing.T) {
	store, mock := newPostgresMock(t)
	end := t0.Add(time.Hour)

	mock.ExpectQuery(`SELECT .+ FROM attendance_sessions WHERE id = \$1`).
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("sess-1", "course-1", "t-1", "Field trip", "location", t0, end, 31.2, 121.4, 80.0, nil, nil, "active", t0, t0))
	s, err := store.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, s.Params.Location)
	assert.Equal(t, 80.0, s.Params.Location.Range)

	mock.ExpectQuery(`FROM attendance_sessions WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	_, err = store.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListSessionsFilters(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM attendance_sessions WHERE course_id = \$1 AND status = \$2`).
		WithArgs("course-1", SessionActive).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery(`SELECT .+ FROM attendance_sessions WHERE course_id = \$1 AND status = \$2 ORDER BY start_time DESC, id LIMIT 5 OFFSET 5`).
		WithArgs("course-1", SessionActive).
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("sess-6", "course-1", "t-1", "Lecture", "qrcode", t0, t0.Add(time.Hour), nil, nil, nil, nil, int64(20), "active", t0, t0))

	list, total, err := store.ListSessions(context.Background(), SessionFilter{
		CourseID: "course-1",
		Status:   SessionActive,
		Page:     Page{Page: 2, Limit: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, list, 1)
	assert.Equal(t, 20, list[0].Params.RotationIntervalSeconds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateCourseDuplicateCode(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectExec(`INSERT INTO courses`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "courses_code_key"})

	err := store.CreateCourse(context.Background(), Course{ID: "course-1", Code: "CS101", Name: "Algorithms", TeacherID: "t-1", Status: CourseActive})
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEvidenceScan(t *testing.T) {
	var e Evidence
	require.NoError(t, e.Scan([]byte(`{"wifiSSID":"CS-Lab"}`)))
	assert.Equal(t, "CS-Lab", e.WiFiSSID)
	require.NoError(t, e.Scan(nil))
	assert.Equal(t, Evidence{}, e)
	assert.Error(t, e.Scan(42))
}
