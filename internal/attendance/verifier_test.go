package attendance

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/apperr"
)

func TestVerifyLateThreshold(t *testing.T) {
	f := newFixture(t, 2)
	s := f.openSession(t, MethodWiFi, VerifyParams{WiFiSSID: "CS-Lab"})

	f.clock.Set(t0.Add(4 * time.Minute))
	out, err := f.verifier.Verify(f.ctx, student(1), CheckInInput{SessionID: s.ID, Method: MethodWiFi, WiFiSSID: "CS-Lab"})
	require.NoError(t, err)
	assert.Equal(t, StatusPresent, out.Record.Status)
	assert.False(t, out.Duplicate)

	f.clock.Set(t0.Add(6 * time.Minute))
	out, err = f.verifier.Verify(f.ctx, student(2), CheckInInput{SessionID: s.ID, Method: MethodWiFi, WiFiSSID: "CS-Lab"})
	require.NoError(t, err)
	assert.Equal(t, StatusLate, out.Record.Status)
}

func TestVerifyWindowEdges(t *testing.T) {
	f := newFixture(t, 3)
	s := f.openSession(t, MethodWiFi, VerifyParams{WiFiSSID: "CS-Lab"})
	in := func(i int) CheckInInput {
		return CheckInInput{SessionID: s.ID, Method: MethodWiFi, WiFiSSID: "CS-Lab", StudentID: studentID(i)}
	}

	f.clock.Set(s.EndTime)
	_, err := f.verifier.Verify(f.ctx, student(1), in(1))
	require.NoError(t, err, "end time is inclusive")

	f.clock.Set(s.EndTime.Add(time.Second))
	_, err = f.verifier.Verify(f.ctx, student(2), in(2))
	assert.ErrorIs(t, err, apperr.ErrSessionClosed)

	future := t0.Add(time.Hour)
	later, err := f.sessions.CreateSession(f.ctx, f.teacher, CreateSessionInput{
		CourseID: f.course.ID, Method: MethodManual, StartTime: &future,
	})
	require.NoError(t, err)
	_, err = f.verifier.Verify(f.ctx, f.teacher, CheckInInput{SessionID: later.ID, StudentID: studentID(3), Method: MethodManual})
	assert.ErrorIs(t, err, apperr.ErrSessionClosed, "not started yet")
}

func TestVerifyNoCheckInAfterTerminal(t *testing.T) {
	f := newFixture(t, 2)
	done := f.openSession(t, MethodManual, VerifyParams{})
	_, err := f.sessions.EndSession(f.ctx, f.teacher, done.ID)
	require.NoError(t, err)

	gone := f.openSession(t, MethodManual, VerifyParams{})
	_, err = f.sessions.CancelSession(f.ctx, f.teacher, gone.ID)
	require.NoError(t, err)

	for _, id := range []string{done.ID, gone.ID} {
		_, err := f.verifier.Verify(f.ctx, f.teacher, CheckInInput{SessionID: id, StudentID: studentID(2), Method: MethodManual})
		assert.ErrorIs(t, err, apperr.ErrSessionClosed)
	}
}

func TestVerifyLocation(t *testing.T) {
	f := newFixture(t, 2)
	point := Coordinates{Latitude: campus.Latitude + 0.0005, Longitude: campus.Longitude}
	d := Distance(campus.Center(), point)

	fence := campus
	fence.Range = d
	s := f.openSession(t, MethodLocation, VerifyParams{Location: &fence})

	out, err := f.verifier.Verify(f.ctx, student(1), CheckInInput{SessionID: s.ID, Method: MethodLocation, Location: &point})
	require.NoError(t, err, "distance equal to range is accepted")
	require.NotNil(t, out.Record.Evidence.Distance)
	assert.InDelta(t, d, *out.Record.Evidence.Distance, 1e-6)

	tight := campus
	tight.Range = d - 1
	s2 := f.openSession(t, MethodLocation, VerifyParams{Location: &tight})
	_, err = f.verifier.Verify(f.ctx, student(2), CheckInInput{SessionID: s2.ID, Method: MethodLocation, Location: &point})
	assert.ErrorIs(t, err, apperr.ErrOutOfRange)

	_, err = f.verifier.Verify(f.ctx, student(2), CheckInInput{SessionID: s2.ID, Method: MethodLocation})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestVerifyWiFiExactMatch(t *testing.T) {
	f := newFixture(t, 1)
	s := f.openSession(t, MethodWiFi, VerifyParams{WiFiSSID: "CS-Lab"})

	_, err := f.verifier.Verify(f.ctx, student(1), CheckInInput{SessionID: s.ID, Method: MethodWiFi, WiFiSSID: "cs-lab"})
	assert.ErrorIs(t, err, apperr.ErrWrongNetwork)
}

func TestVerifyQRSingleUse(t *testing.T) {
	f := newFixture(t, 2)
	s := f.openSession(t, MethodQRCode, VerifyParams{RotationIntervalSeconds: 30})
	tok, err := f.sessions.CurrentQRPayload(f.ctx, f.teacher, s.ID)
	require.NoError(t, err)

	out, err := f.verifier.Verify(f.ctx, student(1), CheckInInput{SessionID: s.ID, Method: MethodQRCode, QRPayload: tok.Payload})
	require.NoError(t, err)
	assert.Equal(t, tok.Payload, out.Record.Evidence.QRPayload)

	_, err = f.verifier.Verify(f.ctx, student(2), CheckInInput{SessionID: s.ID, Method: MethodQRCode, QRPayload: tok.Payload})
	assert.ErrorIs(t, err, apperr.ErrInvalidQRPayload, "consumed payload replay")

	next, err := f.sessions.CurrentQRPayload(f.ctx, f.teacher, s.ID)
	require.NoError(t, err)
	assert.NotEqual(t, tok.Payload, next.Payload, "consumption rotates the payload")

	f.clock.Advance(31 * time.Second)
	_, err = f.verifier.Verify(f.ctx, student(2), CheckInInput{SessionID: s.ID, Method: MethodQRCode, QRPayload: next.Payload})
	assert.ErrorIs(t, err, apperr.ErrInvalidQRPayload, "expired payload")

	_, err = f.verifier.Verify(f.ctx, student(2), CheckInInput{SessionID: s.ID, Method: MethodQRCode, QRPayload: "forged"})
	assert.ErrorIs(t, err, apperr.ErrInvalidQRPayload)
}

func TestVerifyOrdering(t *testing.T) {
	f := newFixture(t, 1)
	s := f.openSession(t, MethodWiFi, VerifyParams{WiFiSSID: "CS-Lab"})

	_, err := f.verifier.Verify(f.ctx, student(1), CheckInInput{SessionID: s.ID, Method: MethodQRCode, QRPayload: "x"})
	assert.ErrorIs(t, err, apperr.ErrMethodMismatch)

	outsider := Actor{ID: "s-404", Role: RoleStudent}
	_, err = f.verifier.Verify(f.ctx, outsider, CheckInInput{SessionID: s.ID, Method: MethodQRCode})
	assert.ErrorIs(t, err, apperr.ErrNotEnrolled, "enrolment is checked before the method")

	first, err := f.verifier.Verify(f.ctx, student(1), CheckInInput{SessionID: s.ID, Method: MethodWiFi, WiFiSSID: "CS-Lab"})
	require.NoError(t, err)

	dup, err := f.verifier.Verify(f.ctx, student(1), CheckInInput{SessionID: s.ID, Method: MethodQRCode})
	require.NoError(t, err, "an existing record wins over a method mismatch")
	assert.True(t, dup.Duplicate)
	assert.Equal(t, first.Record.ID, dup.Record.ID)

	_, err = f.verifier.Verify(f.ctx, student(1), CheckInInput{SessionID: s.ID, StudentID: "s-2", Method: MethodWiFi})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.verifier.Verify(f.ctx, student(1), CheckInInput{SessionID: "missing", Method: MethodWiFi})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestVerifyManual(t *testing.T) {
	f := newFixture(t, 3)
	s := f.openSession(t, MethodManual, VerifyParams{})

	_, err := f.verifier.Verify(f.ctx, student(1), CheckInInput{SessionID: s.ID, Method: MethodManual})
	assert.ErrorIs(t, err, apperr.ErrForbidden, "students cannot self-certify")

	_, err = f.verifier.Verify(f.ctx, Actor{ID: "t-2", Role: RoleTeacher}, CheckInInput{SessionID: s.ID, StudentID: studentID(1), Method: MethodManual})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	out, err := f.verifier.Verify(f.ctx, f.teacher, CheckInInput{SessionID: s.ID, StudentID: studentID(1), Method: MethodManual, Comment: "proxy"})
	require.NoError(t, err)
	assert.Equal(t, StatusPresent, out.Record.Status)
	assert.Equal(t, f.teacher.ID, out.Record.RecordedBy)
	assert.Equal(t, "Student 1", out.Record.StudentName)

	out, err = f.verifier.Verify(f.ctx, f.teacher, CheckInInput{SessionID: s.ID, StudentID: studentID(2), Method: MethodManual, Status: StatusLate})
	require.NoError(t, err)
	assert.Equal(t, StatusLate, out.Record.Status)

	_, err = f.verifier.Verify(f.ctx, f.teacher, CheckInInput{SessionID: s.ID, StudentID: studentID(3), Method: MethodManual, Status: StatusAbsent})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestVerifyConcurrentSameStudent(t *testing.T) {
	f := newFixture(t, 1)
	s := f.openSession(t, MethodWiFi, VerifyParams{WiFiSSID: "CS-Lab"})

	const n = 32
	var wg sync.WaitGroup
	outs := make([]Outcome, n)
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			outs[i], errs[i] = f.verifier.Verify(f.ctx, student(1), CheckInInput{SessionID: s.ID, Method: MethodWiFi, WiFiSSID: "CS-Lab"})
		}(i)
	}
	close(start)
	wg.Wait()

	created := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if !outs[i].Duplicate {
			created++
		}
		assert.Equal(t, outs[0].Record.ID, outs[i].Record.ID)
		assert.Equal(t, outs[0].Record.Status, outs[i].Record.Status)
	}
	assert.Equal(t, 1, created)

	_, total, err := f.store.ListRecords(f.ctx, RecordFilter{SessionID: s.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}
