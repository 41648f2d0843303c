package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"rollcall/internal/apperr"
)

const recordColumns = `id, session_id, course_id, student_id, student_name, status, method,
	check_in_time, evidence, comment, recorded_by, created_at, updated_at`

// UpsertIfAbsent implements Ledger. The session row is share-locked so an
// end or cancel cannot commit between the window check and the insert.
func (p *PostgresStore) UpsertIfAbsent(ctx context.Context, rec Record, claim *QRClaim, now time.Time) (Record, bool, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return Record{}, false, fmt.Errorf("begin check-in: %w", err)
	}
	defer rollback(tx)

	var courseID string
	err = tx.GetContext(ctx, &courseID, `SELECT course_id FROM attendance_sessions
		WHERE id = $1 AND status = 'active' AND start_time <= $2 AND end_time >= $2
		FOR SHARE`, rec.SessionID, now)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := getRecord(ctx, tx, rec.SessionID, rec.StudentID)
		if getErr == nil {
			return existing, false, nil
		}
		if errors.Is(getErr, apperr.ErrNotFound) {
			return Record{}, false, apperr.ErrSessionClosed
		}
		return Record{}, false, getErr
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("lock session: %w", err)
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CourseID = courseID
	rec.CreatedAt = now
	rec.UpdatedAt = now

	var insertedID string
	err = tx.GetContext(ctx, &insertedID, `INSERT INTO attendance_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (session_id, student_id) DO NOTHING
		RETURNING id`,
		rec.ID, rec.SessionID, rec.CourseID, rec.StudentID, rec.StudentName, rec.Status, rec.Method,
		rec.CheckInTime, rec.Evidence, rec.Comment, rec.RecordedBy, rec.CreatedAt, rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := getRecord(ctx, tx, rec.SessionID, rec.StudentID)
		if getErr != nil {
			return Record{}, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("insert record: %w", err)
	}

	if claim != nil {
		res, err := tx.ExecContext(ctx, `UPDATE qr_tokens SET consumed_by = $3, consumed_at = $4
			WHERE payload = $1 AND session_id = $2 AND consumed_by IS NULL AND issued_at <= $4 AND expires_at > $4`,
			claim.Payload, rec.SessionID, claim.StudentID, now)
		if err != nil {
			return Record{}, false, fmt.Errorf("consume qr token: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return Record{}, false, fmt.Errorf("consume qr token: %w", err)
		}
		if n == 0 {
			return Record{}, false, apperr.ErrInvalidQRPayload
		}
	}

	if err := tx.Commit(); err != nil {
		return Record{}, false, fmt.Errorf("commit check-in: %w", err)
	}
	return rec, true, nil
}

func getRecord(ctx context.Context, q sqlx.QueryerContext, sessionID, studentID string) (Record, error) {
	var rec Record
	if err := sqlx.GetContext(ctx, q, &rec, `SELECT `+recordColumns+` FROM attendance_records
		WHERE session_id = $1 AND student_id = $2`, sessionID, studentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, apperr.Clone(apperr.ErrNotFound, "record not found")
		}
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// GetRecord implements Ledger.
func (p *PostgresStore) GetRecord(ctx context.Context, sessionID, studentID string) (Record, error) {
	return getRecord(ctx, p.db, sessionID, studentID)
}

// GetRecordByID implements Ledger.
func (p *PostgresStore) GetRecordByID(ctx context.Context, id string) (Record, error) {
	var rec Record
	if err := p.db.GetContext(ctx, &rec, `SELECT `+recordColumns+` FROM attendance_records WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, apperr.Clone(apperr.ErrNotFound, "record not found")
		}
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// ListRecords implements Ledger, newest first.
func (p *PostgresStore) ListRecords(ctx context.Context, f RecordFilter) ([]Record, int, error) {
	var w where
	if f.SessionID != "" {
		w.add("session_id = ?", f.SessionID)
	}
	if f.CourseID != "" {
		w.add("course_id = ?", f.CourseID)
	}
	if f.StudentID != "" {
		w.add("student_id = ?", f.StudentID)
	}
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	if f.From != nil {
		w.add("session_id IN (SELECT id FROM attendance_sessions WHERE start_time >= ?)", *f.From)
	}
	if f.To != nil {
		w.add("session_id IN (SELECT id FROM attendance_sessions WHERE start_time <= ?)", *f.To)
	}

	var total int
	if err := p.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM attendance_records`+w.String(), w.args...); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}
	query := `SELECT ` + recordColumns + ` FROM attendance_records` + w.String() + ` ORDER BY created_at DESC, id`
	if f.Page.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Page.Limit, f.Page.Offset())
	}
	records := []Record{}
	if err := p.db.SelectContext(ctx, &records, query, w.args...); err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	return records, total, nil
}

func markAbsent(ctx context.Context, ext sqlx.ExtContext, sessionID string, now time.Time) (int, error) {
	res, err := ext.ExecContext(ctx, `UPDATE attendance_records SET status = 'absent', updated_at = $2
		WHERE session_id = $1 AND status = 'pending'`, sessionID, now)
	if err != nil {
		return 0, fmt.Errorf("close pending records: %w", err)
	}
	converted, _ := res.RowsAffected()

	res, err = ext.ExecContext(ctx, `INSERT INTO attendance_records (`+recordColumns+`)
		SELECT gen_random_uuid()::text, s.id, s.course_id, m.student_id, m.student_name, 'absent', s.method,
			NULL, '{}'::jsonb, '', $3, $2, $2
		FROM attendance_sessions s
		JOIN course_members m ON m.course_id = s.course_id AND m.status = 'active'
		WHERE s.id = $1
		ON CONFLICT (session_id, student_id) DO NOTHING`, sessionID, now, SystemActor.ID)
	if err != nil {
		return 0, fmt.Errorf("insert absent records: %w", err)
	}
	inserted, _ := res.RowsAffected()
	return int(converted + inserted), nil
}

// MarkAbsentForUnrecorded implements Ledger.
func (p *PostgresStore) MarkAbsentForUnrecorded(ctx context.Context, sessionID string, now time.Time) (int, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin mark absent: %w", err)
	}
	defer rollback(tx)

	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM attendance_sessions WHERE id = $1)`, sessionID); err != nil {
		return 0, fmt.Errorf("read session: %w", err)
	}
	if !exists {
		return 0, apperr.Clone(apperr.ErrNotFound, "session not found")
	}
	n, err := markAbsent(ctx, tx, sessionID, now)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit mark absent: %w", err)
	}
	return n, nil
}

// SetStatus implements Ledger.
func (p *PostgresStore) SetStatus(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	var out Record
	err := p.db.GetContext(ctx, &out, `INSERT INTO attendance_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (session_id, student_id) DO UPDATE SET
			status = EXCLUDED.status,
			comment = EXCLUDED.comment,
			recorded_by = EXCLUDED.recorded_by,
			check_in_time = COALESCE(attendance_records.check_in_time, EXCLUDED.check_in_time),
			updated_at = EXCLUDED.updated_at
		RETURNING `+recordColumns,
		rec.ID, rec.SessionID, rec.CourseID, rec.StudentID, rec.StudentName, rec.Status, rec.Method,
		rec.CheckInTime, rec.Evidence, rec.Comment, rec.RecordedBy, rec.UpdatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("set record status: %w", err)
	}
	return out, nil
}

func applyLeave(ctx context.Context, q sqlx.QueryerContext, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	var out Record
	err := sqlx.GetContext(ctx, q, &out, `INSERT INTO attendance_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, 'leave', $6, NULL, $7, $8, $9, $10, $10)
		ON CONFLICT (session_id, student_id) DO UPDATE SET
			status = 'leave',
			comment = EXCLUDED.comment,
			recorded_by = EXCLUDED.recorded_by,
			updated_at = EXCLUDED.updated_at
		WHERE attendance_records.status NOT IN ('present', 'late')
		RETURNING `+recordColumns,
		rec.ID, rec.SessionID, rec.CourseID, rec.StudentID, rec.StudentName, rec.Method,
		rec.Evidence, rec.Comment, rec.RecordedBy, rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, apperr.Clone(apperr.ErrAlreadyCheckedIn, "student already attended this session")
	}
	if err != nil {
		return Record{}, fmt.Errorf("apply leave: %w", err)
	}
	return out, nil
}

// ApplyLeave implements Ledger.
func (p *PostgresStore) ApplyLeave(ctx context.Context, rec Record) (Record, error) {
	return applyLeave(ctx, p.db, rec)
}

// Roster implements Ledger. Active members are joined with their records, and
// records of students no longer enrolled are appended so nothing stored is lost.
func (p *PostgresStore) Roster(ctx context.Context, q RosterQuery) ([]RosterRow, error) {
	w := where{clauses: []string{"s.status <> 'cancelled'"}}
	if q.SessionID != "" {
		w.add("s.id = ?", q.SessionID)
	}
	if q.CourseID != "" {
		w.add("s.course_id = ?", q.CourseID)
	}
	if q.From != nil {
		w.add("s.start_time >= ?", *q.From)
	}
	if q.To != nil {
		w.add("s.start_time <= ?", *q.To)
	}
	memberFilter, recordFilter := "", ""
	if q.StudentID != "" {
		ph := w.next(q.StudentID)
		memberFilter = " AND m.student_id = " + ph
		recordFilter = " AND r.student_id = " + ph
	}
	cond := w.String()

	query := `SELECT s.id AS session_id, s.status AS session_status, m.student_id,
			COALESCE(NULLIF(r.student_name, ''), m.student_name) AS student_name,
			COALESCE(r.status, '') AS status, r.check_in_time
		FROM attendance_sessions s
		JOIN course_members m ON m.course_id = s.course_id AND m.status = 'active'` + memberFilter + `
		LEFT JOIN attendance_records r ON r.session_id = s.id AND r.student_id = m.student_id` + cond + `
		UNION ALL
		SELECT s.id, s.status, r.student_id, r.student_name, r.status, r.check_in_time
		FROM attendance_records r
		JOIN attendance_sessions s ON s.id = r.session_id` + recordFilter + cond + `
		AND NOT EXISTS (
			SELECT 1 FROM course_members m
			WHERE m.course_id = s.course_id AND m.student_id = r.student_id AND m.status = 'active'
		)
		ORDER BY 1, 3`

	rows := []RosterRow{}
	if err := p.db.SelectContext(ctx, &rows, query, w.args...); err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return rows, nil
}
