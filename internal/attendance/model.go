package attendance

import (
	"time"
)

// Method is how a student proves presence.
type Method string

const (
	MethodQRCode   Method = "qrcode"
	MethodLocation Method = "location"
	MethodWiFi     Method = "wifi"
	MethodManual   Method = "manual"
)

// Valid reports whether m is a supported method.
func (m Method) Valid() bool {
	switch m {
	case MethodQRCode, MethodLocation, MethodWiFi, MethodManual:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no transition may leave s.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

// Status is the attendance outcome of one student in one session.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusAbsent  Status = "absent"
	StatusLeave   Status = "leave"
	StatusPending Status = "pending"
)

// Valid reports whether s is a known record status.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusLate, StatusAbsent, StatusLeave, StatusPending:
		return true
	}
	return false
}

// Attended reports whether s counts as showing up.
func (s Status) Attended() bool {
	return s == StatusPresent || s == StatusLate
}

// Role is what an actor may do.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
	RoleSystem  Role = "system"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string
	Name string
	Role Role
}

// SystemActor runs timer-driven work in the worker.
var SystemActor = Actor{ID: "system", Name: "system", Role: RoleSystem}

// Coordinates is a WGS84 point in degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

// GeoFence is a circle of Range metres around a centre.
type GeoFence struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Range     float64 `json:"range"`
}

// Center returns the fence centre.
func (g GeoFence) Center() Coordinates {
	return Coordinates{Latitude: g.Latitude, Longitude: g.Longitude}
}

// VerifyParams holds the method-specific verification parameters of a session.
type VerifyParams struct {
	Location                *GeoFence `json:"location,omitempty"`
	WiFiSSID                string    `json:"wifiSSID,omitempty"`
	RotationIntervalSeconds int       `json:"rotationIntervalSeconds,omitempty"`
}

// Session is a time-boxed attendance window of one course.
type Session struct {
	ID        string        `json:"id"`
	CourseID  string        `json:"courseId"`
	TeacherID string        `json:"teacherId"`
	Title     string        `json:"title"`
	Method    Method        `json:"method"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Params    VerifyParams  `json:"verifyParams"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// AcceptsCheckIns reports whether a check-in at now falls inside the open window.
func (s Session) AcceptsCheckIns(now time.Time) bool {
	return s.Status == SessionActive && !now.Before(s.StartTime) && !now.After(s.EndTime)
}

// RotationInterval returns the QR rotation period.
func (s Session) RotationInterval() time.Duration {
	return time.Duration(s.Params.RotationIntervalSeconds) * time.Second
}

// Evidence is what the student submitted to prove presence.
type Evidence struct {
	Location  *Coordinates `json:"location,omitempty"`
	Distance  *float64     `json:"distance,omitempty"`
	WiFiSSID  string       `json:"wifiSSID,omitempty"`
	QRPayload string       `json:"qrPayload,omitempty"`
}

// Record is the attendance of one student in one session.
type Record struct {
	ID          string     `db:"id" json:"id"`
	SessionID   string     `db:"session_id" json:"sessionId"`
	CourseID    string     `db:"course_id" json:"courseId"`
	StudentID   string     `db:"student_id" json:"studentId"`
	StudentName string     `db:"student_name" json:"studentName"`
	Status      Status     `db:"status" json:"status"`
	Method      Method     `db:"method" json:"method"`
	CheckInTime *time.Time `db:"check_in_time" json:"checkInTime,omitempty"`
	Evidence    Evidence   `db:"evidence" json:"evidence"`
	Comment     string     `db:"comment" json:"comment,omitempty"`
	RecordedBy  string     `db:"recorded_by" json:"recordedBy,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updatedAt"`
}

// QRToken is a single-use rotating payload for a QR session.
type QRToken struct {
	Payload    string     `db:"payload" json:"payload"`
	SessionID  string     `db:"session_id" json:"sessionId"`
	IssuedAt   time.Time  `db:"issued_at" json:"issuedAt"`
	ExpiresAt  time.Time  `db:"expires_at" json:"expiresAt"`
	ConsumedBy string     `db:"consumed_by" json:"-"`
	ConsumedAt *time.Time `db:"consumed_at" json:"-"`
}

// Live reports whether the payload may still be consumed at now.
func (t QRToken) Live(now time.Time) bool {
	return t.ConsumedBy == "" && !now.Before(t.IssuedAt) && now.Before(t.ExpiresAt)
}

// QRClaim asks the ledger to consume a payload atomically with the record insert.
type QRClaim struct {
	Payload   string
	StudentID string
}

// CourseStatus marks whether a course is in use.
type CourseStatus string

const (
	CourseActive   CourseStatus = "active"
	CourseArchived CourseStatus = "archived"
)

// Course owns sessions and a roster.
type Course struct {
	ID          string       `db:"id" json:"id"`
	Code        string       `db:"code" json:"code"`
	Name        string       `db:"name" json:"name"`
	Description string       `db:"description" json:"description,omitempty"`
	Semester    string       `db:"semester" json:"semester,omitempty"`
	TeacherID   string       `db:"teacher_id" json:"teacherId"`
	TeacherName string       `db:"teacher_name" json:"teacherName,omitempty"`
	Status      CourseStatus `db:"status" json:"status"`
	CreatedAt   time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updatedAt"`
}

// MemberStatus is the enrolment state of a student.
type MemberStatus string

const (
	MemberActive  MemberStatus = "active"
	MemberDropped MemberStatus = "dropped"
)

// Member is a student on a course roster.
type Member struct {
	CourseID    string       `db:"course_id" json:"courseId"`
	StudentID   string       `db:"student_id" json:"studentId"`
	StudentName string       `db:"student_name" json:"studentName"`
	Status      MemberStatus `db:"status" json:"status"`
	JoinedAt    time.Time    `db:"joined_at" json:"joinDate"`
}

// LeaveStatus is the review state of a leave request.
type LeaveStatus string

const (
	LeavePending  LeaveStatus = "pending"
	LeaveApproved LeaveStatus = "approved"
	LeaveRejected LeaveStatus = "rejected"
)

// LeaveRequest asks to be excused from a session.
type LeaveRequest struct {
	ID            string      `db:"id" json:"id"`
	CourseID      string      `db:"course_id" json:"courseId"`
	SessionID     string      `db:"session_id" json:"sessionId"`
	StudentID     string      `db:"student_id" json:"studentId"`
	StudentName   string      `db:"student_name" json:"studentName"`
	Reason        string      `db:"reason" json:"reason"`
	Status        LeaveStatus `db:"status" json:"status"`
	ReviewerID    string      `db:"reviewer_id" json:"reviewerId,omitempty"`
	ReviewComment string      `db:"review_comment" json:"reviewComment,omitempty"`
	ReviewedAt    *time.Time  `db:"reviewed_at" json:"reviewedAt,omitempty"`
	CreatedAt     time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updatedAt"`
}

// Page is a 1-based page request.
type Page struct {
	Page  int
	Limit int
}

// Offset returns the row offset of the page.
func (p Page) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Normalize clamps the page into [1, maxLimit], defaulting Limit to 50.
func (p Page) Normalize(maxLimit int) Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if maxLimit <= 0 {
		maxLimit = 200
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	return p
}

// SessionFilter scopes session listings.
type SessionFilter struct {
	CourseID  string
	TeacherID string
	// StudentID limits the listing to courses the student is active in.
	StudentID string
	Status    SessionStatus
	From      *time.Time
	To        *time.Time
	Page      Page
}

// RecordFilter scopes record listings.
type RecordFilter struct {
	SessionID string
	CourseID  string
	StudentID string
	Status    Status
	From      *time.Time
	To        *time.Time
	Page      Page
}

// LeaveFilter scopes leave listings.
type LeaveFilter struct {
	CourseID  string
	SessionID string
	StudentID string
	Status    LeaveStatus
	Page      Page
}

// RosterRow is one enrolled student (or recorded former student) of a session,
// with the stored record status or empty when nothing is stored yet.
type RosterRow struct {
	SessionID     string        `db:"session_id" json:"sessionId"`
	SessionStatus SessionStatus `db:"session_status" json:"-"`
	StudentID     string        `db:"student_id" json:"studentId"`
	StudentName   string        `db:"student_name" json:"studentName"`
	Status        Status        `db:"status" json:"status"`
	CheckInTime   *time.Time    `db:"check_in_time" json:"checkInTime,omitempty"`
}

// RosterQuery selects roster rows for statistics: one session, or a course over a date range.
type RosterQuery struct {
	SessionID string
	CourseID  string
	StudentID string
	From      *time.Time
	To        *time.Time
}
