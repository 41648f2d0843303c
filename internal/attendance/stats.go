package attendance

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"rollcall/internal/apperr"
)

// StudentRef names a student in a summary list.
type StudentRef struct {
	ID   string `json:"studentId"`
	Name string `json:"studentName"`
}

// Summary is the attendance count over a set of roster slots.
//
// AttendanceRate is (present + late) / (present + late + absent). Leave and
// pending slots are excluded from the denominator, and the rate is 0 when the
// denominator is 0.
type Summary struct {
	Sessions        int          `json:"sessions"`
	Total           int          `json:"total"`
	Present         int          `json:"present"`
	Late            int          `json:"late"`
	Absent          int          `json:"absent"`
	Leave           int          `json:"leave"`
	Pending         int          `json:"pending"`
	AttendanceRate  float64      `json:"attendanceRate"`
	PresentStudents []StudentRef `json:"presentStudents"`
	LateStudents    []StudentRef `json:"lateStudents"`
	AbsentStudents  []StudentRef `json:"absentStudents"`
	LeaveStudents   []StudentRef `json:"leaveStudents"`
}

// StudentSummary is one student's counts over a course range.
type StudentSummary struct {
	StudentID      string  `json:"studentId"`
	StudentName    string  `json:"studentName"`
	Present        int     `json:"present"`
	Late           int     `json:"late"`
	Absent         int     `json:"absent"`
	Leave          int     `json:"leave"`
	Pending        int     `json:"pending"`
	AttendanceRate float64 `json:"attendanceRate"`
}

// Report is what the statistics endpoint returns.
type Report struct {
	Summary
	Students []StudentSummary `json:"students,omitempty"`
}

// Rate returns attended / (attended + absent), or 0 when nobody was counted.
func Rate(present, late, absent int) float64 {
	denom := present + late + absent
	if denom == 0 {
		return 0
	}
	return float64(present+late) / float64(denom)
}

// effectiveStatus resolves a roster slot. An unrecorded member is pending while
// the session is active; on a completed session the member joined after it
// ended and the slot does not count.
func effectiveStatus(row RosterRow) (Status, bool) {
	if row.Status != "" {
		return row.Status, true
	}
	if row.SessionStatus == SessionActive {
		return StatusPending, true
	}
	return "", false
}

// Summarize counts a roster snapshot. It is pure and does no I/O.
func Summarize(rows []RosterRow) Summary {
	s := Summary{
		PresentStudents: []StudentRef{},
		LateStudents:    []StudentRef{},
		AbsentStudents:  []StudentRef{},
		LeaveStudents:   []StudentRef{},
	}
	sessions := make(map[string]struct{})
	for _, row := range rows {
		sessions[row.SessionID] = struct{}{}
		status, ok := effectiveStatus(row)
		if !ok {
			continue
		}
		s.Total++
		ref := StudentRef{ID: row.StudentID, Name: row.StudentName}
		switch status {
		case StatusPresent:
			s.Present++
			s.PresentStudents = append(s.PresentStudents, ref)
		case StatusLate:
			s.Late++
			s.LateStudents = append(s.LateStudents, ref)
		case StatusAbsent:
			s.Absent++
			s.AbsentStudents = append(s.AbsentStudents, ref)
		case StatusLeave:
			s.Leave++
			s.LeaveStudents = append(s.LeaveStudents, ref)
		case StatusPending:
			s.Pending++
		}
	}
	s.Sessions = len(sessions)
	s.AttendanceRate = Rate(s.Present, s.Late, s.Absent)
	return s
}

// Breakdown groups a roster snapshot per student, ordered by student id.
func Breakdown(rows []RosterRow) []StudentSummary {
	byStudent := make(map[string]*StudentSummary)
	for _, row := range rows {
		status, ok := effectiveStatus(row)
		if !ok {
			continue
		}
		ss, found := byStudent[row.StudentID]
		if !found {
			ss = &StudentSummary{StudentID: row.StudentID, StudentName: row.StudentName}
			byStudent[row.StudentID] = ss
		}
		switch status {
		case StatusPresent:
			ss.Present++
		case StatusLate:
			ss.Late++
		case StatusAbsent:
			ss.Absent++
		case StatusLeave:
			ss.Leave++
		case StatusPending:
			ss.Pending++
		}
	}
	out := make([]StudentSummary, 0, len(byStudent))
	for _, ss := range byStudent {
		ss.AttendanceRate = Rate(ss.Present, ss.Late, ss.Absent)
		out = append(out, *ss)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out
}

// StatsQuery scopes a statistics request.
type StatsQuery struct {
	SessionID string
	CourseID  string
	StudentID string
	From      *time.Time
	To        *time.Time
}

// StatisticsAggregator reads roster snapshots and summarises them.
type StatisticsAggregator struct {
	base
}

// NewStatisticsAggregator builds a StatisticsAggregator.
func NewStatisticsAggregator(store Store, logger *zap.Logger, opts Options) *StatisticsAggregator {
	return &StatisticsAggregator{base: newBase(store, logger, opts)}
}

// SessionStats summarises one session for its teacher.
func (a *StatisticsAggregator) SessionStats(ctx context.Context, actor Actor, sessionID string) (Summary, error) {
	s, err := a.session(ctx, sessionID)
	if err != nil {
		return Summary{}, err
	}
	if _, err := a.ownedCourse(ctx, actor, s.CourseID); err != nil {
		return Summary{}, err
	}
	rows, err := a.store.Roster(ctx, RosterQuery{SessionID: sessionID})
	if err != nil {
		return Summary{}, a.internal(err, "read roster failed", zap.String("session_id", sessionID))
	}
	return Summarize(rows), nil
}

// Statistics answers the statistics endpoint. Students only ever see their own
// slots; a teacher asking for a whole course also gets a per-student breakdown.
func (a *StatisticsAggregator) Statistics(ctx context.Context, actor Actor, q StatsQuery) (Report, error) {
	if actor.Role == RoleStudent {
		q.StudentID = actor.ID
	}

	rq := RosterQuery{StudentID: q.StudentID, From: q.From, To: q.To}
	switch {
	case q.SessionID != "":
		s, err := a.session(ctx, q.SessionID)
		if err != nil {
			return Report{}, err
		}
		if err := a.authorize(ctx, actor, s.CourseID); err != nil {
			return Report{}, err
		}
		rq.SessionID = s.ID
	case q.CourseID != "":
		if err := a.authorize(ctx, actor, q.CourseID); err != nil {
			return Report{}, err
		}
		rq.CourseID = q.CourseID
	default:
		return Report{}, apperr.Clone(apperr.ErrValidation, "sessionId or courseId is required")
	}

	rows, err := a.store.Roster(ctx, rq)
	if err != nil {
		return Report{}, a.internal(err, "read roster failed")
	}
	report := Report{Summary: Summarize(rows)}
	if actor.Role != RoleStudent && q.SessionID == "" && q.StudentID == "" {
		report.Students = Breakdown(rows)
	}
	return report, nil
}

func (a *StatisticsAggregator) authorize(ctx context.Context, actor Actor, courseID string) error {
	if actor.Role == RoleStudent {
		_, err := a.viewCourse(ctx, actor, courseID)
		return err
	}
	_, err := a.ownedCourse(ctx, actor, courseID)
	return err
}
