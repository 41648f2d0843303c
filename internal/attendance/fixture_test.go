package attendance

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	ctx      context.Context
	store    *MemoryStore
	clock    *fakeClock
	sessions *SessionManager
	verifier *CheckInVerifier
	stats    *StatisticsAggregator
	courses  *CourseService
	leaves   *LeaveService
	records  *RecordService

	teacher Actor
	course  Course
}

func newFixture(t *testing.T, students int) *fixture {
	t.Helper()
	clock := &fakeClock{now: t0}
	store := NewMemoryStore()
	opts := Options{
		LateThreshold:          5 * time.Minute,
		DefaultSessionDuration: 10 * time.Minute,
		QRRotationInterval:     30 * time.Second,
		MaxPageSize:            100,
		Now:                    clock.Now,
	}
	logger := zap.NewNop()
	sessions := NewSessionManager(store, logger, opts)
	f := &fixture{
		ctx:      context.Background(),
		store:    store,
		clock:    clock,
		sessions: sessions,
		verifier: NewCheckInVerifier(store, sessions, logger, opts),
		stats:    NewStatisticsAggregator(store, logger, opts),
		courses:  NewCourseService(store, logger, opts),
		leaves:   NewLeaveService(store, logger, opts),
		records:  NewRecordService(store, logger, opts),
		teacher:  Actor{ID: "t-1", Name: "Prof. Li", Role: RoleTeacher},
	}

	course, err := f.courses.CreateCourse(f.ctx, f.teacher, CreateCourseInput{Code: "CS101", Name: "Algorithms"})
	require.NoError(t, err)
	f.course = course

	if students > 0 {
		in := make([]StudentInput, 0, students)
		for i := 1; i <= students; i++ {
			in = append(in, StudentInput{ID: studentID(i), Name: fmt.Sprintf("Student %d", i)})
		}
		_, err = f.courses.AddStudents(f.ctx, f.teacher, course.ID, in)
		require.NoError(t, err)
	}
	return f
}

func studentID(i int) string {
	return fmt.Sprintf("s-%d", i)
}

func student(i int) Actor {
	return Actor{ID: studentID(i), Name: fmt.Sprintf("Student %d", i), Role: RoleStudent}
}

func (f *fixture) openSession(t *testing.T, method Method, params VerifyParams) Session {
	t.Helper()
	s, err := f.sessions.CreateSession(f.ctx, f.teacher, CreateSessionInput{
		CourseID: f.course.ID,
		Title:    "Lecture",
		Method:   method,
		Params:   params,
	})
	require.NoError(t, err)
	return s
}

var campus = GeoFence{Latitude: 31.2304, Longitude: 121.4737, Range: 100}
