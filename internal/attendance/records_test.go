package attendance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/apperr"
)

func TestRecordsListScopes(t *testing.T) {
	f := newFixture(t, 2)
	s := f.openSession(t, MethodManual, VerifyParams{})
	for i := 1; i <= 2; i++ {
		_, err := f.verifier.Verify(f.ctx, f.teacher, CheckInInput{SessionID: s.ID, StudentID: studentID(i), Method: MethodManual})
		require.NoError(t, err)
	}

	list, total, page, err := f.records.List(f.ctx, f.teacher, RecordFilter{SessionID: s.ID, Page: Page{Page: 1, Limit: 1}})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, list, 1)
	assert.Equal(t, 1, page.Limit)

	list, total, _, err = f.records.List(f.ctx, student(2), RecordFilter{SessionID: s.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, studentID(2), list[0].StudentID)

	_, _, _, err = f.records.List(f.ctx, f.teacher, RecordFilter{})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, _, _, err = f.records.ListByStudent(f.ctx, student(1), studentID(2), Page{})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, total, _, err = f.records.ListByStudent(f.ctx, student(1), studentID(1), Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	_, total, _, err = f.records.ListBySession(f.ctx, f.teacher, s.ID, Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	rec := list[0]
	got, err := f.records.Get(f.ctx, student(2), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	_, err = f.records.Get(f.ctx, student(1), rec.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestRecordsUpdateStatus(t *testing.T) {
	f := newFixture(t, 1)
	s := f.openSession(t, MethodManual, VerifyParams{})
	out, err := f.verifier.Verify(f.ctx, f.teacher, CheckInInput{SessionID: s.ID, StudentID: studentID(1), Method: MethodManual})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	updated, err := f.records.UpdateStatus(f.ctx, f.teacher, out.Record.ID, StatusAbsent, "left early")
	require.NoError(t, err)
	assert.Equal(t, out.Record.ID, updated.ID)
	assert.Equal(t, StatusAbsent, updated.Status)
	assert.Equal(t, "left early", updated.Comment)
	require.NotNil(t, updated.CheckInTime, "the original check-in time survives")
	assert.Equal(t, t0, *updated.CheckInTime)

	_, err = f.records.UpdateStatus(f.ctx, f.teacher, out.Record.ID, StatusPending, "")
	assert.ErrorIs(t, err, apperr.ErrValidation, "pending is derived, never set")

	_, err = f.records.UpdateStatus(f.ctx, student(1), out.Record.ID, StatusPresent, "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestRecordsBatchUpdate(t *testing.T) {
	f := newFixture(t, 3)
	s := f.openSession(t, MethodQRCode, VerifyParams{})

	out, err := f.records.BatchUpdate(f.ctx, f.teacher, BatchUpdateInput{
		SessionID: s.ID,
		Records: []MarkInput{
			{StudentID: studentID(1), Status: StatusPresent},
			{StudentID: studentID(2), Status: StatusLeave, Comment: "sports day"},
		},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, MethodManual, out[0].Method)
	assert.NotNil(t, out[0].CheckInTime)
	assert.Nil(t, out[1].CheckInTime)

	_, err = f.records.BatchUpdate(f.ctx, f.teacher, BatchUpdateInput{
		SessionID: s.ID,
		Records:   []MarkInput{{StudentID: "s-404", Status: StatusPresent}},
	})
	assert.ErrorIs(t, err, apperr.ErrNotEnrolled)

	_, err = f.records.BatchUpdate(f.ctx, f.teacher, BatchUpdateInput{SessionID: s.ID})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestExportRows(t *testing.T) {
	f := newFixture(t, 2)
	first := f.openSession(t, MethodManual, VerifyParams{})
	_, err := f.verifier.Verify(f.ctx, f.teacher, CheckInInput{SessionID: first.ID, StudentID: studentID(1), Method: MethodManual})
	require.NoError(t, err)
	_, err = f.sessions.EndSession(f.ctx, f.teacher, first.ID)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	second := f.openSession(t, MethodManual, VerifyParams{})

	rows, err := f.records.ExportRows(f.ctx, f.teacher, f.course.ID, nil, nil)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, first.ID, rows[0].SessionID)
	assert.Equal(t, StatusPresent, rows[0].Status)
	assert.Equal(t, StatusAbsent, rows[1].Status)
	assert.Equal(t, second.ID, rows[2].SessionID)
	assert.Equal(t, StatusPending, rows[2].Status)
	assert.Equal(t, "Lecture", rows[2].SessionTitle)

	_, err = f.records.ExportRows(f.ctx, student(1), f.course.ID, nil, nil)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}
