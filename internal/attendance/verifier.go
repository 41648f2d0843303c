package attendance

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"rollcall/internal/apperr"
	"rollcall/internal/metrics"
)

// Outcome is the result of a check-in. Duplicate is set when the student
// already had a record; the stored record is returned unchanged.
type Outcome struct {
	Record    Record `json:"record"`
	Duplicate bool   `json:"duplicate"`
}

// CheckInVerifier validates check-in evidence and writes records.
type CheckInVerifier struct {
	base
	sessions *SessionManager
}

// NewCheckInVerifier builds a verifier. sessions rotates QR payloads after they are consumed.
func NewCheckInVerifier(store Store, sessions *SessionManager, logger *zap.Logger, opts Options) *CheckInVerifier {
	return &CheckInVerifier{base: newBase(store, logger, opts), sessions: sessions}
}

func checkInResult(err error) string {
	if err == nil {
		return "accepted"
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return strings.ToLower(appErr.Code)
	}
	return "error"
}

// Verify runs the check-in rules in order, the first failure wins:
// the session must be open, an existing record is returned as a duplicate,
// the student must be enrolled, the method must match, the evidence must hold,
// and finally the late threshold picks present or late.
func (v *CheckInVerifier) Verify(ctx context.Context, actor Actor, in CheckInInput) (out Outcome, err error) {
	defer func() {
		result := checkInResult(err)
		if err == nil && out.Duplicate {
			result = "duplicate"
		}
		metrics.CheckIns().WithLabelValues(string(in.Method), result).Inc()
	}()

	if err := validateStruct(in); err != nil {
		return Outcome{}, err
	}
	studentID := strings.TrimSpace(in.StudentID)
	if actor.Role == RoleStudent {
		if studentID == "" {
			studentID = actor.ID
		}
		if studentID != actor.ID {
			return Outcome{}, apperr.Clone(apperr.ErrForbidden, "students may only check themselves in")
		}
	}
	if studentID == "" {
		return Outcome{}, apperr.Clone(apperr.ErrValidation, "studentId is required")
	}

	s, err := v.session(ctx, in.SessionID)
	if err != nil {
		return Outcome{}, err
	}
	now := v.now()

	if !s.AcceptsCheckIns(now) {
		return Outcome{}, apperr.ErrSessionClosed
	}

	existing, err := v.store.GetRecord(ctx, s.ID, studentID)
	switch {
	case err == nil:
		return Outcome{Record: existing, Duplicate: true}, nil
	case !errors.Is(err, apperr.ErrNotFound):
		return Outcome{}, v.internal(err, "load record failed", zap.String("session_id", s.ID))
	}

	member, ok, err := v.enrolled(ctx, s.CourseID, studentID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, apperr.ErrNotEnrolled
	}

	if in.Method != s.Method {
		return Outcome{}, apperr.ErrMethodMismatch
	}

	rec := Record{
		SessionID:   s.ID,
		StudentID:   studentID,
		StudentName: member.StudentName,
		Method:      s.Method,
		CheckInTime: &now,
		Comment:     in.Comment,
		RecordedBy:  actor.ID,
	}
	if rec.StudentName == "" {
		rec.StudentName = in.StudentName
	}
	var claim *QRClaim

	if s.Method == MethodManual {
		if actor.Role != RoleTeacher || s.TeacherID != actor.ID {
			return Outcome{}, apperr.Clone(apperr.ErrForbidden, "manual check-in is reserved to the course teacher")
		}
	} else if actor.Role != RoleStudent {
		return Outcome{}, apperr.Clone(apperr.ErrForbidden, "only the student may submit this check-in")
	}

	switch s.Method {
	case MethodQRCode:
		payload := strings.TrimSpace(in.QRPayload)
		if payload == "" {
			return Outcome{}, apperr.ErrInvalidQRPayload
		}
		rec.Evidence.QRPayload = payload
		claim = &QRClaim{Payload: payload, StudentID: studentID}
	case MethodLocation:
		if in.Location == nil {
			return Outcome{}, apperr.Clone(apperr.ErrValidation, "location is required")
		}
		if err := validateStruct(in.Location); err != nil {
			return Outcome{}, err
		}
		if s.Params.Location == nil {
			return Outcome{}, apperr.Clone(apperr.ErrInvalidVerifyParams, "session has no location fence")
		}
		loc := *in.Location
		distance, within := s.Params.Location.Within(loc)
		if !within {
			return Outcome{}, apperr.ErrOutOfRange
		}
		rec.Evidence.Location = &loc
		rec.Evidence.Distance = &distance
	case MethodWiFi:
		if in.WiFiSSID != s.Params.WiFiSSID {
			return Outcome{}, apperr.ErrWrongNetwork
		}
		rec.Evidence.WiFiSSID = in.WiFiSSID
	}

	rec.Status = StatusPresent
	if now.Sub(s.StartTime) > v.opts.LateThreshold {
		rec.Status = StatusLate
	}
	if s.Method == MethodManual && in.Status != "" {
		rec.Status = in.Status
	}

	stored, created, err := v.store.UpsertIfAbsent(ctx, rec, claim, now)
	if err != nil {
		return Outcome{}, v.internal(err, "write record failed", zap.String("session_id", s.ID))
	}
	if !created {
		return Outcome{Record: stored, Duplicate: true}, nil
	}
	if claim != nil && v.sessions != nil {
		v.sessions.rotateAfterConsume(ctx, s.ID)
	}

	v.logger.Info("check-in recorded",
		zap.String("session_id", s.ID),
		zap.String("student_id", studentID),
		zap.String("method", string(s.Method)),
		zap.String("status", string(stored.Status)))
	return Outcome{Record: stored}, nil
}
