package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rollcall/internal/apperr"
	"rollcall/internal/metrics"
)

// sweepBatch caps how many sessions one timer tick touches.
const sweepBatch = 500

// SessionManager owns the session lifecycle and the rotating QR payload.
type SessionManager struct {
	base
}

// NewSessionManager builds a SessionManager.
func NewSessionManager(store Store, logger *zap.Logger, opts Options) *SessionManager {
	return &SessionManager{base: newBase(store, logger, opts)}
}

func (m *SessionManager) newToken(s Session, now time.Time) QRToken {
	interval := s.RotationInterval()
	if interval <= 0 {
		interval = m.opts.QRRotationInterval
	}
	return QRToken{
		Payload:   uuid.NewString(),
		SessionID: s.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(interval),
	}
}

// CreateSession opens a session for a course the actor teaches. Sessions start active.
func (m *SessionManager) CreateSession(ctx context.Context, actor Actor, in CreateSessionInput) (Session, error) {
	if err := validateStruct(in); err != nil {
		return Session{}, err
	}
	course, err := m.ownedCourse(ctx, actor, in.CourseID)
	if err != nil {
		return Session{}, err
	}

	now := m.now()
	start := now
	if in.StartTime != nil {
		start = in.StartTime.UTC()
	}
	var end time.Time
	switch {
	case in.EndTime != nil:
		end = in.EndTime.UTC()
	case in.DurationMinutes > 0:
		end = start.Add(time.Duration(in.DurationMinutes) * time.Minute)
	default:
		end = start.Add(m.opts.DefaultSessionDuration)
	}
	if !end.After(start) {
		return Session{}, apperr.ErrInvalidWindow
	}

	params, err := NormalizeParams(in.Method, in.Params, m.opts.QRRotationInterval)
	if err != nil {
		return Session{}, err
	}

	s := Session{
		ID:        uuid.NewString(),
		CourseID:  course.ID,
		TeacherID: course.TeacherID,
		Title:     in.Title,
		Method:    in.Method,
		StartTime: start,
		EndTime:   end,
		Params:    params,
		Status:    SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if s.Title == "" {
		s.Title = course.Name + " " + start.Format("2006-01-02 15:04")
	}
	var first *QRToken
	if s.Method == MethodQRCode {
		tok := m.newToken(s, now)
		first = &tok
	}
	if err := m.store.CreateSession(ctx, s, first); err != nil {
		return Session{}, m.internal(err, "create session failed", zap.String("course_id", course.ID))
	}

	metrics.SessionTransitions().WithLabelValues(string(SessionActive)).Inc()
	m.logger.Info("session created",
		zap.String("session_id", s.ID),
		zap.String("course_id", s.CourseID),
		zap.String("method", string(s.Method)),
		zap.Time("start", s.StartTime),
		zap.Time("end", s.EndTime))
	return s, nil
}

// GetSession returns a session the actor may see.
func (m *SessionManager) GetSession(ctx context.Context, actor Actor, id string) (Session, error) {
	s, err := m.session(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if _, err := m.viewCourse(ctx, actor, s.CourseID); err != nil {
		return Session{}, err
	}
	return s, nil
}

// ListSessions lists sessions visible to the actor: teachers see their own,
// students see those of courses they are enrolled in.
func (m *SessionManager) ListSessions(ctx context.Context, actor Actor, f SessionFilter) ([]Session, int, Page, error) {
	switch actor.Role {
	case RoleTeacher:
		f.TeacherID = actor.ID
	case RoleStudent:
		f.StudentID = actor.ID
	}
	f.Page = m.page(f.Page)
	sessions, total, err := m.store.ListSessions(ctx, f)
	if err != nil {
		return nil, 0, f.Page, m.internal(err, "list sessions failed")
	}
	return sessions, total, f.Page, nil
}

// ActiveSessionsForStudent lists active sessions of the student's courses that have not ended yet.
func (m *SessionManager) ActiveSessionsForStudent(ctx context.Context, actor Actor) ([]Session, error) {
	if actor.Role != RoleStudent {
		return nil, apperr.Clone(apperr.ErrForbidden, "only students have active sessions")
	}
	sessions, _, err := m.store.ListSessions(ctx, SessionFilter{StudentID: actor.ID, Status: SessionActive})
	if err != nil {
		return nil, m.internal(err, "list active sessions failed", zap.String("student_id", actor.ID))
	}
	now := m.now()
	out := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		if !now.After(s.EndTime) {
			out = append(out, s)
		}
	}
	return out, nil
}

// EndSession completes an active session; unrecorded members become absent.
func (m *SessionManager) EndSession(ctx context.Context, actor Actor, id string) (Session, error) {
	s, err := m.session(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if _, err := m.ownedCourse(ctx, actor, s.CourseID); err != nil {
		return Session{}, err
	}
	ended, marked, err := m.store.EndSession(ctx, id, m.now())
	if err != nil {
		return Session{}, m.internal(err, "end session failed", zap.String("session_id", id))
	}
	metrics.SessionTransitions().WithLabelValues(string(SessionCompleted)).Inc()
	m.logger.Info("session completed",
		zap.String("session_id", id),
		zap.String("actor", actor.ID),
		zap.Int("marked_absent", marked))
	return ended, nil
}

// CancelSession cancels an active session and discards its records.
func (m *SessionManager) CancelSession(ctx context.Context, actor Actor, id string) (Session, error) {
	s, err := m.session(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if _, err := m.ownedCourse(ctx, actor, s.CourseID); err != nil {
		return Session{}, err
	}
	cancelled, err := m.store.CancelSession(ctx, id, m.now())
	if err != nil {
		return Session{}, m.internal(err, "cancel session failed", zap.String("session_id", id))
	}
	metrics.SessionTransitions().WithLabelValues(string(SessionCancelled)).Inc()
	m.logger.Info("session cancelled", zap.String("session_id", id), zap.String("actor", actor.ID))
	return cancelled, nil
}

func (m *SessionManager) rotate(ctx context.Context, s Session, trigger string) (QRToken, error) {
	if s.Method != MethodQRCode {
		return QRToken{}, apperr.ErrMethodMismatch
	}
	now := m.now()
	if !s.AcceptsCheckIns(now) {
		return QRToken{}, apperr.ErrSessionClosed
	}
	tok := m.newToken(s, now)
	if err := m.store.IssueQRToken(ctx, tok); err != nil {
		return QRToken{}, m.internal(err, "issue qr payload failed", zap.String("session_id", s.ID))
	}
	metrics.QRRotations().WithLabelValues(trigger).Inc()
	m.logger.Debug("qr payload rotated", zap.String("session_id", s.ID), zap.String("trigger", trigger))
	return tok, nil
}

// RotateQRPayload expires outstanding payloads of a QR session and issues a fresh one.
func (m *SessionManager) RotateQRPayload(ctx context.Context, actor Actor, id string) (QRToken, error) {
	s, err := m.session(ctx, id)
	if err != nil {
		return QRToken{}, err
	}
	if _, err := m.ownedCourse(ctx, actor, s.CourseID); err != nil {
		return QRToken{}, err
	}
	return m.rotate(ctx, s, "manual")
}

// CurrentQRPayload returns the live payload, issuing one when none is valid.
func (m *SessionManager) CurrentQRPayload(ctx context.Context, actor Actor, id string) (QRToken, error) {
	s, err := m.session(ctx, id)
	if err != nil {
		return QRToken{}, err
	}
	if _, err := m.ownedCourse(ctx, actor, s.CourseID); err != nil {
		return QRToken{}, err
	}
	if s.Method != MethodQRCode {
		return QRToken{}, apperr.ErrMethodMismatch
	}
	if !s.AcceptsCheckIns(m.now()) {
		return QRToken{}, apperr.ErrSessionClosed
	}
	tok, err := m.store.LiveQRToken(ctx, id, m.now())
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return QRToken{}, m.internal(err, "load qr payload failed", zap.String("session_id", id))
	}
	return m.rotate(ctx, s, "on_demand")
}

// rotateAfterConsume replaces a payload a check-in just used up.
func (m *SessionManager) rotateAfterConsume(ctx context.Context, sessionID string) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		m.logger.Warn("reload session for rotation failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if _, err := m.rotate(ctx, s, "consumed"); err != nil && !errors.Is(err, apperr.ErrSessionClosed) {
		m.logger.Warn("rotate after consume failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Roster lists the session's students with their current status. While the
// session is active, members without a record show as pending.
func (m *SessionManager) Roster(ctx context.Context, actor Actor, id string) ([]RosterRow, error) {
	s, err := m.session(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := m.ownedCourse(ctx, actor, s.CourseID); err != nil {
		return nil, err
	}
	rows, err := m.store.Roster(ctx, RosterQuery{SessionID: id})
	if err != nil {
		return nil, m.internal(err, "read roster failed", zap.String("session_id", id))
	}
	out := make([]RosterRow, 0, len(rows))
	for _, row := range rows {
		status, ok := effectiveStatus(row)
		if !ok {
			continue
		}
		row.Status = status
		out = append(out, row)
	}
	return out, nil
}

// RotateDue issues payloads for open QR sessions whose payload expired or was consumed.
func (m *SessionManager) RotateDue(ctx context.Context) (int, error) {
	sessions, err := m.store.QRSessionsNeedingRotation(ctx, m.now(), sweepBatch)
	if err != nil {
		metrics.Sweeps().WithLabelValues("qr_rotation", "error").Inc()
		return 0, m.internal(err, "list qr sessions failed")
	}
	rotated := 0
	for _, s := range sessions {
		if ctx.Err() != nil {
			break
		}
		if _, err := m.rotate(ctx, s, "timer"); err != nil {
			m.logger.Warn("timed rotation failed", zap.String("session_id", s.ID), zap.Error(err))
			continue
		}
		rotated++
	}
	metrics.Sweeps().WithLabelValues("qr_rotation", "ok").Inc()
	return rotated, nil
}

// ExpiredSessions lists active sessions whose window has closed.
func (m *SessionManager) ExpiredSessions(ctx context.Context) ([]Session, error) {
	sessions, err := m.store.ExpiredSessions(ctx, m.now(), sweepBatch)
	if err != nil {
		metrics.Sweeps().WithLabelValues("expiry", "error").Inc()
		return nil, m.internal(err, "list expired sessions failed")
	}
	metrics.Sweeps().WithLabelValues("expiry", "ok").Inc()
	return sessions, nil
}

// Expire ends an overdue session on behalf of the system. A session that is
// already terminal is left alone.
func (m *SessionManager) Expire(ctx context.Context, id string) (bool, error) {
	s, err := m.session(ctx, id)
	if err != nil {
		return false, err
	}
	if s.Status.Terminal() {
		return false, nil
	}
	if !m.now().After(s.EndTime) {
		return false, nil
	}
	if _, err := m.EndSession(ctx, SystemActor, id); err != nil {
		if errors.Is(err, apperr.ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
