package attendance

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rollcall/internal/apperr"
)

// CreateCourseInput is what a teacher submits to open a course.
type CreateCourseInput struct {
	Code        string `json:"code" validate:"omitempty,alphanum,min=4,max=16"`
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=2000"`
	Semester    string `json:"semester" validate:"max=50"`
}

// StudentInput names a student to enrol.
type StudentInput struct {
	ID   string `json:"studentId" validate:"required,max=64"`
	Name string `json:"studentName" validate:"max=100"`
}

// CourseService manages courses and their rosters.
type CourseService struct {
	base
}

// NewCourseService builds a CourseService.
func NewCourseService(store Store, logger *zap.Logger, opts Options) *CourseService {
	return &CourseService{base: newBase(store, logger, opts)}
}

// joinCode derives a short upper-case join code.
func joinCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// CreateCourse opens a course owned by the calling teacher. A join code is
// generated when none is given.
func (c *CourseService) CreateCourse(ctx context.Context, actor Actor, in CreateCourseInput) (Course, error) {
	if actor.Role != RoleTeacher {
		return Course{}, apperr.Clone(apperr.ErrForbidden, "only teachers create courses")
	}
	if err := validateStruct(in); err != nil {
		return Course{}, err
	}
	now := c.now()
	course := Course{
		ID:          uuid.NewString(),
		Code:        strings.ToUpper(in.Code),
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Semester:    in.Semester,
		TeacherID:   actor.ID,
		TeacherName: actor.Name,
		Status:      CourseActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if course.Code == "" {
		course.Code = joinCode()
	}
	if err := c.store.CreateCourse(ctx, course); err != nil {
		return Course{}, c.internal(err, "create course failed")
	}
	c.logger.Info("course created", zap.String("course_id", course.ID), zap.String("teacher_id", actor.ID))
	return course, nil
}

// GetCourse returns a course to its teacher or an enrolled student.
func (c *CourseService) GetCourse(ctx context.Context, actor Actor, id string) (Course, error) {
	return c.viewCourse(ctx, actor, id)
}

// ListCourses lists the teacher's own courses or the student's enrolled ones.
func (c *CourseService) ListCourses(ctx context.Context, actor Actor, page Page) ([]Course, int, Page, error) {
	page = c.page(page)
	var teacherID, studentID string
	switch actor.Role {
	case RoleTeacher:
		teacherID = actor.ID
	case RoleStudent:
		studentID = actor.ID
	default:
		return nil, 0, page, apperr.ErrForbidden
	}
	courses, total, err := c.store.ListCourses(ctx, teacherID, studentID, page)
	if err != nil {
		return nil, 0, page, c.internal(err, "list courses failed")
	}
	return courses, total, page, nil
}

// AddStudents enrols students into a course the actor teaches.
func (c *CourseService) AddStudents(ctx context.Context, actor Actor, courseID string, students []StudentInput) ([]Member, error) {
	if _, err := c.ownedCourse(ctx, actor, courseID); err != nil {
		return nil, err
	}
	if len(students) == 0 {
		return nil, apperr.Clone(apperr.ErrValidation, "students must not be empty")
	}
	now := c.now()
	members := make([]Member, 0, len(students))
	seen := make(map[string]bool, len(students))
	for _, st := range students {
		if err := validateStruct(st); err != nil {
			return nil, err
		}
		if seen[st.ID] {
			continue
		}
		seen[st.ID] = true
		members = append(members, Member{
			CourseID:    courseID,
			StudentID:   st.ID,
			StudentName: st.Name,
			Status:      MemberActive,
			JoinedAt:    now,
		})
	}
	if err := c.store.AddMembers(ctx, members); err != nil {
		return nil, c.internal(err, "add members failed", zap.String("course_id", courseID))
	}
	c.logger.Info("students enrolled", zap.String("course_id", courseID), zap.Int("count", len(members)))
	return members, nil
}

// RemoveStudent drops a student from the roster. Existing records are kept.
func (c *CourseService) RemoveStudent(ctx context.Context, actor Actor, courseID, studentID string) error {
	if _, err := c.ownedCourse(ctx, actor, courseID); err != nil {
		return err
	}
	if err := c.store.SetMemberStatus(ctx, courseID, studentID, MemberDropped); err != nil {
		return c.internal(err, "drop member failed", zap.String("course_id", courseID))
	}
	c.logger.Info("student dropped", zap.String("course_id", courseID), zap.String("student_id", studentID))
	return nil
}

// JoinCourse enrols the calling student through a join code.
func (c *CourseService) JoinCourse(ctx context.Context, actor Actor, code string) (Course, error) {
	if actor.Role != RoleStudent {
		return Course{}, apperr.Clone(apperr.ErrForbidden, "only students join courses")
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return Course{}, apperr.Clone(apperr.ErrValidation, "code is required")
	}
	course, err := c.store.GetCourseByCode(ctx, code)
	if err != nil {
		return Course{}, c.internal(err, "find course by code failed")
	}
	if course.Status != CourseActive {
		return Course{}, apperr.Clone(apperr.ErrConflict, "course is archived")
	}
	err = c.store.AddMembers(ctx, []Member{{
		CourseID:    course.ID,
		StudentID:   actor.ID,
		StudentName: actor.Name,
		Status:      MemberActive,
		JoinedAt:    c.now(),
	}})
	if err != nil {
		return Course{}, c.internal(err, "join course failed", zap.String("course_id", course.ID))
	}
	c.logger.Info("student joined course", zap.String("course_id", course.ID), zap.String("student_id", actor.ID))
	return course, nil
}

// ListMembers lists active members to the course teacher or a fellow member.
func (c *CourseService) ListMembers(ctx context.Context, actor Actor, courseID string, page Page) ([]Member, int, Page, error) {
	page = c.page(page)
	if _, err := c.viewCourse(ctx, actor, courseID); err != nil {
		return nil, 0, page, err
	}
	members, total, err := c.store.ListMembers(ctx, courseID, page)
	if err != nil {
		return nil, 0, page, c.internal(err, "list members failed", zap.String("course_id", courseID))
	}
	return members, total, page, nil
}
