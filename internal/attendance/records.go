package attendance

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"rollcall/internal/apperr"
)

// MarkInput is a teacher's decision for one student.
type MarkInput struct {
	StudentID string `json:"studentId" validate:"required,max=64"`
	Status    Status `json:"status" validate:"required,oneof=present late absent leave"`
	Comment   string `json:"comment" validate:"max=500"`
}

// BatchUpdateInput marks several students of one session.
type BatchUpdateInput struct {
	SessionID string      `json:"sessionId" validate:"required,max=64"`
	Records   []MarkInput `json:"records" validate:"required,min=1,max=500,dive"`
}

// ExportRow is one line of an attendance export.
type ExportRow struct {
	SessionID    string
	SessionTitle string
	SessionStart time.Time
	StudentID    string
	StudentName  string
	Status       Status
	CheckInTime  *time.Time
	Method       Method
}

// RecordService reads records and applies teacher corrections.
type RecordService struct {
	base
}

// NewRecordService builds a RecordService.
func NewRecordService(store Store, logger *zap.Logger, opts Options) *RecordService {
	return &RecordService{base: newBase(store, logger, opts)}
}

// List lists records. Students only see their own; teachers must scope the
// query to a session or course they teach.
func (r *RecordService) List(ctx context.Context, actor Actor, f RecordFilter) ([]Record, int, Page, error) {
	f.Page = r.page(f.Page)
	switch actor.Role {
	case RoleStudent:
		f.StudentID = actor.ID
	case RoleTeacher, RoleSystem:
		courseID := f.CourseID
		if f.SessionID != "" {
			s, err := r.session(ctx, f.SessionID)
			if err != nil {
				return nil, 0, f.Page, err
			}
			courseID = s.CourseID
		}
		if courseID == "" {
			return nil, 0, f.Page, apperr.Clone(apperr.ErrValidation, "courseId or sessionId is required")
		}
		if _, err := r.ownedCourse(ctx, actor, courseID); err != nil {
			return nil, 0, f.Page, err
		}
	default:
		return nil, 0, f.Page, apperr.ErrForbidden
	}
	records, total, err := r.store.ListRecords(ctx, f)
	if err != nil {
		return nil, 0, f.Page, r.internal(err, "list records failed")
	}
	return records, total, f.Page, nil
}

// ListBySession lists the records of one session.
func (r *RecordService) ListBySession(ctx context.Context, actor Actor, sessionID string, page Page) ([]Record, int, Page, error) {
	return r.List(ctx, actor, RecordFilter{SessionID: sessionID, Page: page})
}

// ListByStudent lists a student's records; students may only ask for themselves.
func (r *RecordService) ListByStudent(ctx context.Context, actor Actor, studentID string, page Page) ([]Record, int, Page, error) {
	if actor.Role != RoleSystem && actor.ID != studentID {
		return nil, 0, r.page(page), apperr.Clone(apperr.ErrForbidden, "students may only read their own records")
	}
	page = r.page(page)
	records, total, err := r.store.ListRecords(ctx, RecordFilter{StudentID: studentID, Page: page})
	if err != nil {
		return nil, 0, page, r.internal(err, "list records failed", zap.String("student_id", studentID))
	}
	return records, total, page, nil
}

// Get returns one record to its student or the course teacher.
func (r *RecordService) Get(ctx context.Context, actor Actor, id string) (Record, error) {
	rec, err := r.store.GetRecordByID(ctx, id)
	if err != nil {
		return Record{}, r.internal(err, "load record failed", zap.String("record_id", id))
	}
	if actor.Role == RoleStudent {
		if rec.StudentID != actor.ID {
			return Record{}, apperr.Clone(apperr.ErrForbidden, "not your record")
		}
		return rec, nil
	}
	if _, err := r.ownedCourse(ctx, actor, rec.CourseID); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Mark writes a teacher's decision for a student of a session, creating the
// record when the student has none. Cancelled sessions keep no records.
func (r *RecordService) Mark(ctx context.Context, actor Actor, sessionID string, in MarkInput) (Record, error) {
	if err := validateStruct(in); err != nil {
		return Record{}, err
	}
	s, err := r.session(ctx, sessionID)
	if err != nil {
		return Record{}, err
	}
	if _, err := r.ownedCourse(ctx, actor, s.CourseID); err != nil {
		return Record{}, err
	}
	return r.mark(ctx, actor, s, in)
}

func (r *RecordService) mark(ctx context.Context, actor Actor, s Session, in MarkInput) (Record, error) {
	if s.Status == SessionCancelled {
		return Record{}, apperr.Clone(apperr.ErrSessionClosed, "session was cancelled")
	}
	existing, err := r.store.GetRecord(ctx, s.ID, in.StudentID)
	hasRecord := err == nil
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return Record{}, r.internal(err, "load record failed", zap.String("session_id", s.ID))
	}
	name := existing.StudentName
	if !hasRecord {
		member, ok, err := r.enrolled(ctx, s.CourseID, in.StudentID)
		if err != nil {
			return Record{}, err
		}
		if !ok {
			return Record{}, apperr.ErrNotEnrolled
		}
		name = member.StudentName
	}

	now := r.now()
	rec := Record{
		SessionID:   s.ID,
		CourseID:    s.CourseID,
		StudentID:   in.StudentID,
		StudentName: name,
		Status:      in.Status,
		Method:      MethodManual,
		Comment:     in.Comment,
		RecordedBy:  actor.ID,
		UpdatedAt:   now,
	}
	if in.Status.Attended() {
		rec.CheckInTime = &now
	}
	out, err := r.store.SetStatus(ctx, rec)
	if err != nil {
		return Record{}, r.internal(err, "set record status failed", zap.String("session_id", s.ID))
	}
	r.logger.Info("record status set",
		zap.String("session_id", s.ID),
		zap.String("student_id", in.StudentID),
		zap.String("status", string(in.Status)),
		zap.String("actor", actor.ID))
	return out, nil
}

// UpdateStatus corrects an existing record.
func (r *RecordService) UpdateStatus(ctx context.Context, actor Actor, id string, status Status, comment string) (Record, error) {
	rec, err := r.store.GetRecordByID(ctx, id)
	if err != nil {
		return Record{}, r.internal(err, "load record failed", zap.String("record_id", id))
	}
	return r.Mark(ctx, actor, rec.SessionID, MarkInput{StudentID: rec.StudentID, Status: status, Comment: comment})
}

// BatchUpdate marks several students of one session. It stops at the first failure.
func (r *RecordService) BatchUpdate(ctx context.Context, actor Actor, in BatchUpdateInput) ([]Record, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	s, err := r.session(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	if _, err := r.ownedCourse(ctx, actor, s.CourseID); err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(in.Records))
	for _, item := range in.Records {
		rec, err := r.mark(ctx, actor, s, item)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ExportRows flattens a course's roster over a date range for export.
func (r *RecordService) ExportRows(ctx context.Context, actor Actor, courseID string, from, to *time.Time) ([]ExportRow, error) {
	if courseID == "" {
		return nil, apperr.Clone(apperr.ErrValidation, "courseId is required")
	}
	if _, err := r.ownedCourse(ctx, actor, courseID); err != nil {
		return nil, err
	}
	sessions, _, err := r.store.ListSessions(ctx, SessionFilter{CourseID: courseID, From: from, To: to})
	if err != nil {
		return nil, r.internal(err, "list sessions failed", zap.String("course_id", courseID))
	}
	byID := make(map[string]Session, len(sessions))
	for _, s := range sessions {
		byID[s.ID] = s
	}
	rows, err := r.store.Roster(ctx, RosterQuery{CourseID: courseID, From: from, To: to})
	if err != nil {
		return nil, r.internal(err, "read roster failed", zap.String("course_id", courseID))
	}

	out := make([]ExportRow, 0, len(rows))
	for _, row := range rows {
		status, ok := effectiveStatus(row)
		if !ok {
			continue
		}
		s := byID[row.SessionID]
		out = append(out, ExportRow{
			SessionID:    row.SessionID,
			SessionTitle: s.Title,
			SessionStart: s.StartTime,
			StudentID:    row.StudentID,
			StudentName:  row.StudentName,
			Status:       status,
			CheckInTime:  row.CheckInTime,
			Method:       s.Method,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].SessionStart.Equal(out[j].SessionStart) {
			return out[i].SessionStart.Before(out[j].SessionStart)
		}
		return out[i].StudentID < out[j].StudentID
	})
	return out, nil
}
