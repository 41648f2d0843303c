package attendance

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"rollcall/internal/apperr"
)

const uniqueViolation = "23505"

// PostgresStore implements Store on PostgreSQL through sqlx.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Value stores evidence as JSONB.
func (e Evidence) Value() (driver.Value, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Scan reads evidence from JSONB.
func (e *Evidence) Scan(src interface{}) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*e = Evidence{}
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("evidence: unsupported type %T", src)
	}
	if len(b) == 0 {
		*e = Evidence{}
		return nil
	}
	return json.Unmarshal(b, e)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// where accumulates positional conditions.
type where struct {
	clauses []string
	args    []interface{}
}

// add appends clause with every "?" bound to arg.
func (w *where) add(clause string, arg interface{}) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(w.args))))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// next returns the placeholder for the next argument.
func (w *where) next(arg interface{}) string {
	w.args = append(w.args, arg)
	return "$" + strconv.Itoa(len(w.args))
}

func rollback(tx *sqlx.Tx) {
	_ = tx.Rollback()
}

const sessionColumns = `id, course_id, teacher_id, title, method, start_time, end_time,
	geo_lat, geo_lng, geo_range, wifi_ssid, qr_rotation_seconds, status, created_at, updated_at`

type sessionRow struct {
	ID         string          `db:"id"`
	CourseID   string          `db:"course_id"`
	TeacherID  string          `db:"teacher_id"`
	Title      string          `db:"title"`
	Method     string          `db:"method"`
	StartTime  time.Time       `db:"start_time"`
	EndTime    time.Time       `db:"end_time"`
	GeoLat     sql.NullFloat64 `db:"geo_lat"`
	GeoLng     sql.NullFloat64 `db:"geo_lng"`
	GeoRange   sql.NullFloat64 `db:"geo_range"`
	WiFiSSID   sql.NullString  `db:"wifi_ssid"`
	QRRotation sql.NullInt32   `db:"qr_rotation_seconds"`
	Status     string          `db:"status"`
	CreatedAt  time.Time       `db:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

func (r sessionRow) session() Session {
	s := Session{
		ID:        r.ID,
		CourseID:  r.CourseID,
		TeacherID: r.TeacherID,
		Title:     r.Title,
		Method:    Method(r.Method),
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
		Status:    SessionStatus(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.GeoLat.Valid && r.GeoLng.Valid && r.GeoRange.Valid {
		s.Params.Location = &GeoFence{Latitude: r.GeoLat.Float64, Longitude: r.GeoLng.Float64, Range: r.GeoRange.Float64}
	}
	if r.WiFiSSID.Valid {
		s.Params.WiFiSSID = r.WiFiSSID.String
	}
	if r.QRRotation.Valid {
		s.Params.RotationIntervalSeconds = int(r.QRRotation.Int32)
	}
	return s
}

func sessionsFromRows(rows []sessionRow) []Session {
	out := make([]Session, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.session())
	}
	return out
}

// CreateSession implements SessionStore.
func (p *PostgresStore) CreateSession(ctx context.Context, s Session, first *QRToken) error {
	var lat, lng, rng sql.NullFloat64
	if loc := s.Params.Location; loc != nil {
		lat = sql.NullFloat64{Float64: loc.Latitude, Valid: true}
		lng = sql.NullFloat64{Float64: loc.Longitude, Valid: true}
		rng = sql.NullFloat64{Float64: loc.Range, Valid: true}
	}
	ssid := sql.NullString{String: s.Params.WiFiSSID, Valid: s.Params.WiFiSSID != ""}
	rotation := sql.NullInt32{Int32: int32(s.Params.RotationIntervalSeconds), Valid: s.Params.RotationIntervalSeconds > 0}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create session: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `INSERT INTO attendance_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		s.ID, s.CourseID, s.TeacherID, s.Title, s.Method, s.StartTime, s.EndTime,
		lat, lng, rng, ssid, rotation, s.Status, s.CreatedAt, s.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return apperr.Clone(apperr.ErrConflict, "session already exists")
		}
		return fmt.Errorf("insert session: %w", err)
	}
	if first != nil {
		if err := insertToken(ctx, tx, *first); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create session: %w", err)
	}
	return nil
}

// GetSession implements SessionStore.
func (p *PostgresStore) GetSession(ctx context.Context, id string) (Session, error) {
	var row sessionRow
	if err := p.db.GetContext(ctx, &row, `SELECT `+sessionColumns+` FROM attendance_sessions WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, apperr.Clone(apperr.ErrNotFound, "session not found")
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return row.session(), nil
}

// ListSessions implements SessionStore, newest first.
func (p *PostgresStore) ListSessions(ctx context.Context, f SessionFilter) ([]Session, int, error) {
	var w where
	if f.CourseID != "" {
		w.add("course_id = ?", f.CourseID)
	}
	if f.TeacherID != "" {
		w.add("teacher_id = ?", f.TeacherID)
	}
	if f.StudentID != "" {
		w.add("course_id IN (SELECT course_id FROM course_members WHERE student_id = ? AND status = 'active')", f.StudentID)
	}
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	if f.From != nil {
		w.add("start_time >= ?", *f.From)
	}
	if f.To != nil {
		w.add("start_time <= ?", *f.To)
	}

	var total int
	if err := p.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM attendance_sessions`+w.String(), w.args...); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	query := `SELECT ` + sessionColumns + ` FROM attendance_sessions` + w.String() + ` ORDER BY start_time DESC, id`
	args := append([]interface{}{}, w.args...)
	if f.Page.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Page.Limit, f.Page.Offset())
	}
	var rows []sessionRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	return sessionsFromRows(rows), total, nil
}

// transition flips an active session inside tx, distinguishing missing from terminal.
func (p *PostgresStore) transition(ctx context.Context, tx *sqlx.Tx, id string, to SessionStatus, now time.Time) (Session, error) {
	var row sessionRow
	err := tx.GetContext(ctx, &row, `UPDATE attendance_sessions SET status = $2, updated_at = $3
		WHERE id = $1 AND status = 'active' RETURNING `+sessionColumns, id, to, now)
	if err == nil {
		return row.session(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("transition session: %w", err)
	}
	var status string
	if err := tx.GetContext(ctx, &status, `SELECT status FROM attendance_sessions WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, apperr.Clone(apperr.ErrNotFound, "session not found")
		}
		return Session{}, fmt.Errorf("read session status: %w", err)
	}
	return Session{}, apperr.Clone(apperr.ErrInvalidTransition, "session is already "+status)
}

// EndSession implements SessionStore.
func (p *PostgresStore) EndSession(ctx context.Context, id string, now time.Time) (Session, int, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return Session{}, 0, fmt.Errorf("begin end session: %w", err)
	}
	defer rollback(tx)

	s, err := p.transition(ctx, tx, id, SessionCompleted, now)
	if err != nil {
		return Session{}, 0, err
	}
	marked, err := markAbsent(ctx, tx, id, now)
	if err != nil {
		return Session{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return Session{}, 0, fmt.Errorf("commit end session: %w", err)
	}
	return s, marked, nil
}

// CancelSession implements SessionStore.
func (p *PostgresStore) CancelSession(ctx context.Context, id string, now time.Time) (Session, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("begin cancel session: %w", err)
	}
	defer rollback(tx)

	s, err := p.transition(ctx, tx, id, SessionCancelled, now)
	if err != nil {
		return Session{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM attendance_records WHERE session_id = $1`, id); err != nil {
		return Session{}, fmt.Errorf("discard records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM qr_tokens WHERE session_id = $1`, id); err != nil {
		return Session{}, fmt.Errorf("discard qr tokens: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("commit cancel session: %w", err)
	}
	return s, nil
}

// ExpiredSessions implements SessionStore.
func (p *PostgresStore) ExpiredSessions(ctx context.Context, now time.Time, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []sessionRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT `+sessionColumns+` FROM attendance_sessions
		WHERE status = 'active' AND end_time < $1 ORDER BY end_time LIMIT $2`, now, limit); err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	return sessionsFromRows(rows), nil
}

// QRSessionsNeedingRotation implements SessionStore.
func (p *PostgresStore) QRSessionsNeedingRotation(ctx context.Context, now time.Time, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []sessionRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT `+sessionColumns+` FROM attendance_sessions s
		WHERE s.status = 'active' AND s.method = 'qrcode' AND s.start_time <= $1 AND s.end_time >= $1
		AND NOT EXISTS (
			SELECT 1 FROM qr_tokens t
			WHERE t.session_id = s.id AND t.consumed_by IS NULL AND t.issued_at <= $1 AND t.expires_at > $1
		)
		ORDER BY s.id LIMIT $2`, now, limit); err != nil {
		return nil, fmt.Errorf("list qr sessions: %w", err)
	}
	return sessionsFromRows(rows), nil
}

const tokenColumns = `payload, session_id, issued_at, expires_at, COALESCE(consumed_by, '') AS consumed_by, consumed_at`

func insertToken(ctx context.Context, ext sqlx.ExtContext, tok QRToken) error {
	if _, err := ext.ExecContext(ctx, `INSERT INTO qr_tokens (payload, session_id, issued_at, expires_at)
		VALUES ($1, $2, $3, $4)`, tok.Payload, tok.SessionID, tok.IssuedAt, tok.ExpiresAt); err != nil {
		return fmt.Errorf("insert qr token: %w", err)
	}
	return nil
}

// IssueQRToken implements QRStore.
func (p *PostgresStore) IssueQRToken(ctx context.Context, tok QRToken) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin issue qr token: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `UPDATE qr_tokens SET expires_at = $2
		WHERE session_id = $1 AND consumed_by IS NULL AND expires_at > $2`, tok.SessionID, tok.IssuedAt); err != nil {
		return fmt.Errorf("expire qr tokens: %w", err)
	}
	if err := insertToken(ctx, tx, tok); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit issue qr token: %w", err)
	}
	return nil
}

// LiveQRToken implements QRStore.
func (p *PostgresStore) LiveQRToken(ctx context.Context, sessionID string, now time.Time) (QRToken, error) {
	var tok QRToken
	err := p.db.GetContext(ctx, &tok, `SELECT `+tokenColumns+` FROM qr_tokens
		WHERE session_id = $1 AND consumed_by IS NULL AND issued_at <= $2 AND expires_at > $2
		ORDER BY issued_at DESC LIMIT 1`, sessionID, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return QRToken{}, apperr.Clone(apperr.ErrNotFound, "no live qr payload")
		}
		return QRToken{}, fmt.Errorf("get live qr token: %w", err)
	}
	return tok, nil
}

const courseColumns = `id, code, name, description, semester, teacher_id, teacher_name, status, created_at, updated_at`

// CreateCourse implements CourseStore.
func (p *PostgresStore) CreateCourse(ctx context.Context, c Course) error {
	_, err := p.db.NamedExecContext(ctx, `INSERT INTO courses (`+courseColumns+`)
		VALUES (:id, :code, :name, :description, :semester, :teacher_id, :teacher_name, :status, :created_at, :updated_at)`, c)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Clone(apperr.ErrConflict, "course code already exists")
		}
		return fmt.Errorf("insert course: %w", err)
	}
	return nil
}

func (p *PostgresStore) getCourse(ctx context.Context, column, value string) (Course, error) {
	var c Course
	if err := p.db.GetContext(ctx, &c, `SELECT `+courseColumns+` FROM courses WHERE `+column+` = $1`, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Course{}, apperr.Clone(apperr.ErrNotFound, "course not found")
		}
		return Course{}, fmt.Errorf("get course: %w", err)
	}
	return c, nil
}

// GetCourse implements CourseStore.
func (p *PostgresStore) GetCourse(ctx context.Context, id string) (Course, error) {
	return p.getCourse(ctx, "id", id)
}

// GetCourseByCode implements CourseStore.
func (p *PostgresStore) GetCourseByCode(ctx context.Context, code string) (Course, error) {
	return p.getCourse(ctx, "code", code)
}

// ListCourses implements CourseStore.
func (p *PostgresStore) ListCourses(ctx context.Context, teacherID, studentID string, page Page) ([]Course, int, error) {
	var w where
	if teacherID != "" {
		w.add("teacher_id = ?", teacherID)
	}
	if studentID != "" {
		w.add("id IN (SELECT course_id FROM course_members WHERE student_id = ? AND status = 'active')", studentID)
	}
	var total int
	if err := p.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM courses`+w.String(), w.args...); err != nil {
		return nil, 0, fmt.Errorf("count courses: %w", err)
	}
	query := `SELECT ` + courseColumns + ` FROM courses` + w.String() + ` ORDER BY code`
	if page.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", page.Limit, page.Offset())
	}
	courses := []Course{}
	if err := p.db.SelectContext(ctx, &courses, query, w.args...); err != nil {
		return nil, 0, fmt.Errorf("list courses: %w", err)
	}
	return courses, total, nil
}

// AddMembers implements CourseStore.
func (p *PostgresStore) AddMembers(ctx context.Context, members []Member) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add members: %w", err)
	}
	defer rollback(tx)

	for _, m := range members {
		if _, err := tx.ExecContext(ctx, `INSERT INTO course_members (course_id, student_id, student_name, status, joined_at)
			VALUES ($1, $2, $3, 'active', $4)
			ON CONFLICT (course_id, student_id) DO UPDATE SET status = 'active',
				student_name = CASE WHEN EXCLUDED.student_name <> '' THEN EXCLUDED.student_name ELSE course_members.student_name END`,
			m.CourseID, m.StudentID, m.StudentName, m.JoinedAt); err != nil {
			return fmt.Errorf("upsert member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add members: %w", err)
	}
	return nil
}

// SetMemberStatus implements CourseStore.
func (p *PostgresStore) SetMemberStatus(ctx context.Context, courseID, studentID string, status MemberStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE course_members SET status = $3 WHERE course_id = $1 AND student_id = $2`,
		courseID, studentID, status)
	if err != nil {
		return fmt.Errorf("update member: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.Clone(apperr.ErrNotFound, "member not found")
	}
	return nil
}

const memberColumns = `course_id, student_id, student_name, status, joined_at`

// GetMember implements CourseStore.
func (p *PostgresStore) GetMember(ctx context.Context, courseID, studentID string) (Member, error) {
	var m Member
	if err := p.db.GetContext(ctx, &m, `SELECT `+memberColumns+` FROM course_members
		WHERE course_id = $1 AND student_id = $2`, courseID, studentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Member{}, apperr.Clone(apperr.ErrNotFound, "member not found")
		}
		return Member{}, fmt.Errorf("get member: %w", err)
	}
	return m, nil
}

// ListMembers implements CourseStore.
func (p *PostgresStore) ListMembers(ctx context.Context, courseID string, page Page) ([]Member, int, error) {
	var total int
	if err := p.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM course_members
		WHERE course_id = $1 AND status = 'active'`, courseID); err != nil {
		return nil, 0, fmt.Errorf("count members: %w", err)
	}
	query := `SELECT ` + memberColumns + ` FROM course_members WHERE course_id = $1 AND status = 'active' ORDER BY student_id`
	if page.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", page.Limit, page.Offset())
	}
	members := []Member{}
	if err := p.db.SelectContext(ctx, &members, query, courseID); err != nil {
		return nil, 0, fmt.Errorf("list members: %w", err)
	}
	return members, total, nil
}

const leaveColumns = `id, course_id, session_id, student_id, student_name, reason, status,
	COALESCE(reviewer_id, '') AS reviewer_id, review_comment, reviewed_at, created_at, updated_at`

// CreateLeave implements LeaveStore.
func (p *PostgresStore) CreateLeave(ctx context.Context, l LeaveRequest) error {
	_, err := p.db.NamedExecContext(ctx, `INSERT INTO leave_requests
		(id, course_id, session_id, student_id, student_name, reason, status, review_comment, created_at, updated_at)
		VALUES (:id, :course_id, :session_id, :student_id, :student_name, :reason, :status, :review_comment, :created_at, :updated_at)`, l)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Clone(apperr.ErrConflict, "a pending leave request already exists")
		}
		return fmt.Errorf("insert leave request: %w", err)
	}
	return nil
}

// GetLeave implements LeaveStore.
func (p *PostgresStore) GetLeave(ctx context.Context, id string) (LeaveRequest, error) {
	var l LeaveRequest
	if err := p.db.GetContext(ctx, &l, `SELECT `+leaveColumns+` FROM leave_requests WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LeaveRequest{}, apperr.Clone(apperr.ErrNotFound, "leave request not found")
		}
		return LeaveRequest{}, fmt.Errorf("get leave request: %w", err)
	}
	return l, nil
}

// ReviewLeave implements LeaveStore.
func (p *PostgresStore) ReviewLeave(ctx context.Context, l LeaveRequest, rec *Record) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin review leave: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `UPDATE leave_requests
		SET status = $2, reviewer_id = $3, review_comment = $4, reviewed_at = $5, updated_at = $6
		WHERE id = $1 AND status = 'pending'`,
		l.ID, l.Status, l.ReviewerID, l.ReviewComment, l.ReviewedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("review leave request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("review leave request: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM leave_requests WHERE id = $1)`, l.ID); err != nil {
			return fmt.Errorf("read leave request: %w", err)
		}
		if !exists {
			return apperr.Clone(apperr.ErrNotFound, "leave request not found")
		}
		return apperr.Clone(apperr.ErrInvalidTransition, "leave request already reviewed")
	}
	if rec != nil {
		if _, err := applyLeave(ctx, tx, *rec); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit review leave: %w", err)
	}
	return nil
}

// ListLeaves implements LeaveStore, newest first.
func (p *PostgresStore) ListLeaves(ctx context.Context, f LeaveFilter) ([]LeaveRequest, int, error) {
	var w where
	if f.CourseID != "" {
		w.add("course_id = ?", f.CourseID)
	}
	if f.SessionID != "" {
		w.add("session_id = ?", f.SessionID)
	}
	if f.StudentID != "" {
		w.add("student_id = ?", f.StudentID)
	}
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	var total int
	if err := p.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM leave_requests`+w.String(), w.args...); err != nil {
		return nil, 0, fmt.Errorf("count leave requests: %w", err)
	}
	query := `SELECT ` + leaveColumns + ` FROM leave_requests` + w.String() + ` ORDER BY created_at DESC, id`
	if f.Page.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Page.Limit, f.Page.Offset())
	}
	leaves := []LeaveRequest{}
	if err := p.db.SelectContext(ctx, &leaves, query, w.args...); err != nil {
		return nil, 0, fmt.Errorf("list leave requests: %w", err)
	}
	return leaves, total, nil
}
