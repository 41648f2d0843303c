package attendance

import (
	"context"
	"time"
)

// SessionStore persists sessions and their lifecycle transitions.
type SessionStore interface {
	// CreateSession inserts s, and first when the session is a QR session.
	CreateSession(ctx context.Context, s Session, first *QRToken) error
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]Session, int, error)
	// EndSession moves an active session to completed and materialises absent
	// records for unrecorded members in the same transaction.
	EndSession(ctx context.Context, id string, now time.Time) (Session, int, error)
	// CancelSession moves an active session to cancelled and drops its records and tokens.
	CancelSession(ctx context.Context, id string, now time.Time) (Session, error)
	// ExpiredSessions lists active sessions whose end time has passed.
	ExpiredSessions(ctx context.Context, now time.Time, limit int) ([]Session, error)
	// QRSessionsNeedingRotation lists open QR sessions without a live payload.
	QRSessionsNeedingRotation(ctx context.Context, now time.Time, limit int) ([]Session, error)
}

// QRStore holds rotating QR payloads.
type QRStore interface {
	// IssueQRToken expires every outstanding payload of the session and stores tok.
	IssueQRToken(ctx context.Context, tok QRToken) error
	// LiveQRToken returns the newest unconsumed, unexpired payload.
	LiveQRToken(ctx context.Context, sessionID string, now time.Time) (QRToken, error)
}

// Ledger is the durable attendance record store. Uniqueness of
// (session, student) is enforced here, never by callers.
type Ledger interface {
	// UpsertIfAbsent inserts rec unless a record for the pair exists, in which case the
	// existing record is returned with created=false. The insert only happens while the
	// session accepts check-ins at now; a claim, when given, is consumed atomically.
	UpsertIfAbsent(ctx context.Context, rec Record, claim *QRClaim, now time.Time) (Record, bool, error)
	GetRecord(ctx context.Context, sessionID, studentID string) (Record, error)
	GetRecordByID(ctx context.Context, id string) (Record, error)
	ListRecords(ctx context.Context, f RecordFilter) ([]Record, int, error)
	// MarkAbsentForUnrecorded writes absent rows for active members without a record
	// and turns pending rows into absent ones.
	MarkAbsentForUnrecorded(ctx context.Context, sessionID string, now time.Time) (int, error)
	// SetStatus writes a teacher decision, inserting the record when missing.
	SetStatus(ctx context.Context, rec Record) (Record, error)
	// ApplyLeave writes a leave record unless the student already attended.
	ApplyLeave(ctx context.Context, rec Record) (Record, error)
	// Roster reads members joined with their stored status in one statement.
	Roster(ctx context.Context, q RosterQuery) ([]RosterRow, error)
}

// CourseStore persists courses and their rosters.
type CourseStore interface {
	CreateCourse(ctx context.Context, c Course) error
	GetCourse(ctx context.Context, id string) (Course, error)
	GetCourseByCode(ctx context.Context, code string) (Course, error)
	// ListCourses returns courses owned by teacherID or joined by studentID.
	ListCourses(ctx context.Context, teacherID, studentID string, page Page) ([]Course, int, error)
	// AddMembers enrols students, reactivating dropped memberships.
	AddMembers(ctx context.Context, members []Member) error
	SetMemberStatus(ctx context.Context, courseID, studentID string, status MemberStatus) error
	GetMember(ctx context.Context, courseID, studentID string) (Member, error)
	// ListMembers returns active members.
	ListMembers(ctx context.Context, courseID string, page Page) ([]Member, int, error)
	// MemberCourseIDs returns the courses a student is active in.
	MemberCourseIDs(ctx context.Context, studentID string) ([]string, error)
}

// LeaveStore persists leave requests.
type LeaveStore interface {
	CreateLeave(ctx context.Context, l LeaveRequest) error
	GetLeave(ctx context.Context, id string) (LeaveRequest, error)
	// ReviewLeave closes a pending request; an approval carries the leave record
	// written in the same transaction.
	ReviewLeave(ctx context.Context, l LeaveRequest, rec *Record) error
	ListLeaves(ctx context.Context, f LeaveFilter) ([]LeaveRequest, int, error)
}

// Store is everything the services need from a backend.
type Store interface {
	SessionStore
	QRStore
	Ledger
	CourseStore
	LeaveStore
}
