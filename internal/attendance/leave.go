package attendance

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rollcall/internal/apperr"
)

// ApplyLeaveInput is a student's leave request.
type ApplyLeaveInput struct {
	SessionID string `json:"sessionId" validate:"required,max=64"`
	Reason    string `json:"reason" validate:"required,max=1000"`
}

// ReviewLeaveInput is a teacher's decision on a request.
type ReviewLeaveInput struct {
	Approve bool   `json:"approve"`
	Comment string `json:"comment" validate:"max=500"`
}

// LeaveService files and reviews leave requests.
type LeaveService struct {
	base
}

// NewLeaveService builds a LeaveService.
func NewLeaveService(store Store, logger *zap.Logger, opts Options) *LeaveService {
	return &LeaveService{base: newBase(store, logger, opts)}
}

// Apply files a pending leave request for the calling student.
func (l *LeaveService) Apply(ctx context.Context, actor Actor, in ApplyLeaveInput) (LeaveRequest, error) {
	if actor.Role != RoleStudent {
		return LeaveRequest{}, apperr.Clone(apperr.ErrForbidden, "only students apply for leave")
	}
	if err := validateStruct(in); err != nil {
		return LeaveRequest{}, err
	}
	s, err := l.session(ctx, in.SessionID)
	if err != nil {
		return LeaveRequest{}, err
	}
	if s.Status == SessionCancelled {
		return LeaveRequest{}, apperr.Clone(apperr.ErrSessionClosed, "session was cancelled")
	}
	member, ok, err := l.enrolled(ctx, s.CourseID, actor.ID)
	if err != nil {
		return LeaveRequest{}, err
	}
	if !ok {
		return LeaveRequest{}, apperr.ErrNotEnrolled
	}
	rec, err := l.store.GetRecord(ctx, s.ID, actor.ID)
	switch {
	case err == nil && rec.Status.Attended():
		return LeaveRequest{}, apperr.Clone(apperr.ErrAlreadyCheckedIn, "already attended this session")
	case err != nil && !errors.Is(err, apperr.ErrNotFound):
		return LeaveRequest{}, l.internal(err, "load record failed", zap.String("session_id", s.ID))
	}

	name := member.StudentName
	if name == "" {
		name = actor.Name
	}
	now := l.now()
	req := LeaveRequest{
		ID:          uuid.NewString(),
		CourseID:    s.CourseID,
		SessionID:   s.ID,
		StudentID:   actor.ID,
		StudentName: name,
		Reason:      in.Reason,
		Status:      LeavePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := l.store.CreateLeave(ctx, req); err != nil {
		return LeaveRequest{}, l.internal(err, "create leave request failed", zap.String("session_id", s.ID))
	}
	l.logger.Info("leave requested", zap.String("leave_id", req.ID), zap.String("session_id", s.ID), zap.String("student_id", actor.ID))
	return req, nil
}

// Review approves or rejects a pending request. Approval writes a leave
// record in the same transaction as the review.
func (l *LeaveService) Review(ctx context.Context, actor Actor, id string, in ReviewLeaveInput) (LeaveRequest, error) {
	if err := validateStruct(in); err != nil {
		return LeaveRequest{}, err
	}
	req, err := l.store.GetLeave(ctx, id)
	if err != nil {
		return LeaveRequest{}, l.internal(err, "load leave request failed", zap.String("leave_id", id))
	}
	if _, err := l.ownedCourse(ctx, actor, req.CourseID); err != nil {
		return LeaveRequest{}, err
	}
	if req.Status != LeavePending {
		return LeaveRequest{}, apperr.Clone(apperr.ErrInvalidTransition, "leave request already reviewed")
	}

	now := l.now()
	req.Status = LeaveRejected
	req.ReviewerID = actor.ID
	req.ReviewComment = in.Comment
	req.ReviewedAt = &now
	req.UpdatedAt = now

	var rec *Record
	if in.Approve {
		req.Status = LeaveApproved
		s, err := l.session(ctx, req.SessionID)
		if err != nil {
			return LeaveRequest{}, err
		}
		if s.Status == SessionCancelled {
			return LeaveRequest{}, apperr.Clone(apperr.ErrSessionClosed, "session was cancelled")
		}
		rec = &Record{
			SessionID:   s.ID,
			CourseID:    s.CourseID,
			StudentID:   req.StudentID,
			StudentName: req.StudentName,
			Status:      StatusLeave,
			Method:      s.Method,
			Comment:     req.Reason,
			RecordedBy:  actor.ID,
			UpdatedAt:   now,
		}
	}
	if err := l.store.ReviewLeave(ctx, req, rec); err != nil {
		return LeaveRequest{}, l.internal(err, "review leave request failed", zap.String("leave_id", id))
	}
	l.logger.Info("leave reviewed", zap.String("leave_id", id), zap.String("status", string(req.Status)), zap.String("reviewer", actor.ID))
	return req, nil
}

// List lists leave requests. Students see their own; teachers must name a
// course or session they teach.
func (l *LeaveService) List(ctx context.Context, actor Actor, f LeaveFilter) ([]LeaveRequest, int, Page, error) {
	f.Page = l.page(f.Page)
	switch actor.Role {
	case RoleStudent:
		f.StudentID = actor.ID
	case RoleTeacher:
		courseID := f.CourseID
		if f.SessionID != "" {
			s, err := l.session(ctx, f.SessionID)
			if err != nil {
				return nil, 0, f.Page, err
			}
			courseID = s.CourseID
		}
		if courseID == "" {
			return nil, 0, f.Page, apperr.Clone(apperr.ErrValidation, "courseId or sessionId is required")
		}
		if _, err := l.ownedCourse(ctx, actor, courseID); err != nil {
			return nil, 0, f.Page, err
		}
	default:
		return nil, 0, f.Page, apperr.ErrForbidden
	}
	leaves, total, err := l.store.ListLeaves(ctx, f)
	if err != nil {
		return nil, 0, f.Page, l.internal(err, "list leave requests failed")
	}
	return leaves, total, f.Page, nil
}
