package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rollcall/internal/attendance"
	"rollcall/internal/config"
	"rollcall/internal/queue"
)

type harness struct {
	store    *attendance.MemoryStore
	sessions *attendance.SessionManager
	queue    *queue.InMemory
	runner   *Runner
	now      time.Time
	teacher  attendance.Actor
	course   attendance.Course
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   attendance.NewMemoryStore(),
		queue:   queue.NewInMemory(16),
		now:     time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
		teacher: attendance.Actor{ID: "t-1", Name: "Prof. Li", Role: attendance.RoleTeacher},
	}
	opts := attendance.Options{
		LateThreshold:          5 * time.Minute,
		DefaultSessionDuration: 10 * time.Minute,
		QRRotationInterval:     30 * time.Second,
		Now:                    func() time.Time { return h.now },
	}
	h.sessions = attendance.NewSessionManager(h.store, zap.NewNop(), opts)
	h.runner = New(h.sessions, h.queue, zap.NewNop(), config.Attendance{})
	h.runner.now = func() time.Time { return h.now }

	ctx := context.Background()
	courses := attendance.NewCourseService(h.store, zap.NewNop(), opts)
	course, err := courses.CreateCourse(ctx, h.teacher, attendance.CreateCourseInput{Code: "CS101", Name: "Algorithms"})
	require.NoError(t, err)
	_, err = courses.AddStudents(ctx, h.teacher, course.ID, []attendance.StudentInput{{ID: "s-1", Name: "Ada"}})
	require.NoError(t, err)
	h.course = course
	return h
}

func TestSweepExpiredPublishesAndHandleEnds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.sessions.CreateSession(ctx, h.teacher, attendance.CreateSessionInput{CourseID: h.course.ID, Method: attendance.MethodManual})
	require.NoError(t, err)

	n, err := h.runner.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.now = h.now.Add(11 * time.Minute)
	n, err = h.runner.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := h.queue.Consume(cctx)
	require.NoError(t, err)
	msg := <-ch
	assert.Equal(t, queue.TypeSessionExpire, msg.Type)
	assert.Equal(t, s.ID, msg.SessionID)

	require.NoError(t, h.runner.Handle(ctx, msg))
	got, err := h.store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, attendance.SessionCompleted, got.Status)

	rec, err := h.store.GetRecord(ctx, s.ID, "s-1")
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusAbsent, rec.Status)

	require.NoError(t, h.runner.Handle(ctx, msg), "redelivery is harmless")
	require.NoError(t, h.runner.Handle(ctx, queue.Message{Type: "unknown"}))
}

func TestRotateOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.sessions.CreateSession(ctx, h.teacher, attendance.CreateSessionInput{CourseID: h.course.ID, Method: attendance.MethodQRCode})
	require.NoError(t, err)
	first, err := h.store.LiveQRToken(ctx, s.ID, h.now)
	require.NoError(t, err)

	h.now = h.now.Add(45 * time.Second)
	h.runner.RotateOnce(ctx)

	next, err := h.store.LiveQRToken(ctx, s.ID, h.now)
	require.NoError(t, err)
	assert.NotEqual(t, first.Payload, next.Payload)
}

func TestRunStopsWithContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.runner.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}
