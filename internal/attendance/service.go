package attendance

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"rollcall/internal/apperr"
	"rollcall/internal/config"
)

// Options tunes the attendance services.
type Options struct {
	LateThreshold          time.Duration
	DefaultSessionDuration time.Duration
	QRRotationInterval     time.Duration
	MaxPageSize            int
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// OptionsFromConfig maps runtime config onto Options.
func OptionsFromConfig(cfg config.Attendance) Options {
	return Options{
		LateThreshold:          cfg.LateThreshold,
		DefaultSessionDuration: cfg.DefaultSessionDuration,
		QRRotationInterval:     cfg.QRRotationInterval,
		MaxPageSize:            cfg.MaxPageSize,
	}
}

func (o Options) withDefaults() Options {
	if o.LateThreshold < 0 {
		o.LateThreshold = 0
	}
	if o.DefaultSessionDuration <= 0 {
		o.DefaultSessionDuration = 10 * time.Minute
	}
	if o.QRRotationInterval <= 0 {
		o.QRRotationInterval = 30 * time.Second
	}
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = 200
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// base carries what every service needs.
type base struct {
	store  Store
	logger *zap.Logger
	opts   Options
}

func newBase(store Store, logger *zap.Logger, opts Options) base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{store: store, logger: logger, opts: opts.withDefaults()}
}

func (b base) now() time.Time {
	return b.opts.Now().UTC()
}

func (b base) page(p Page) Page {
	return p.Normalize(b.opts.MaxPageSize)
}

// internal hides storage failures behind INTERNAL_ERROR while keeping domain errors intact.
func (b base) internal(err error, msg string, fields ...zap.Field) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	b.logger.Error(msg, append(fields, zap.Error(err))...)
	return apperr.Wrap(err, apperr.ErrInternal.Code, apperr.ErrInternal.Status, apperr.ErrInternal.Message)
}

// ownedCourse loads a course and checks the actor teaches it. The system actor passes.
func (b base) ownedCourse(ctx context.Context, actor Actor, courseID string) (Course, error) {
	course, err := b.store.GetCourse(ctx, courseID)
	if err != nil {
		return Course{}, b.internal(err, "load course failed", zap.String("course_id", courseID))
	}
	if actor.Role == RoleSystem {
		return course, nil
	}
	if actor.Role != RoleTeacher || course.TeacherID != actor.ID {
		return Course{}, apperr.Clone(apperr.ErrForbidden, "only the course teacher may do this")
	}
	return course, nil
}

// enrolled reports whether studentID is an active member of courseID.
func (b base) enrolled(ctx context.Context, courseID, studentID string) (Member, bool, error) {
	m, err := b.store.GetMember(ctx, courseID, studentID)
	if errors.Is(err, apperr.ErrNotFound) {
		return Member{}, false, nil
	}
	if err != nil {
		return Member{}, false, b.internal(err, "load member failed", zap.String("course_id", courseID))
	}
	return m, m.Status == MemberActive, nil
}

// viewCourse lets the owning teacher or an enrolled student through.
func (b base) viewCourse(ctx context.Context, actor Actor, courseID string) (Course, error) {
	course, err := b.store.GetCourse(ctx, courseID)
	if err != nil {
		return Course{}, b.internal(err, "load course failed", zap.String("course_id", courseID))
	}
	switch actor.Role {
	case RoleSystem:
		return course, nil
	case RoleTeacher:
		if course.TeacherID == actor.ID {
			return course, nil
		}
	case RoleStudent:
		_, ok, err := b.enrolled(ctx, courseID, actor.ID)
		if err != nil {
			return Course{}, err
		}
		if ok {
			return course, nil
		}
	}
	return Course{}, apperr.Clone(apperr.ErrForbidden, "not a member of this course")
}

func (b base) session(ctx context.Context, id string) (Session, error) {
	s, err := b.store.GetSession(ctx, id)
	if err != nil {
		return Session{}, b.internal(err, "load session failed", zap.String("session_id", id))
	}
	return s, nil
}
