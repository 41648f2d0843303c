package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/apperr"
)

type recordKey struct {
	sessionID string
	studentID string
}

// MemoryStore keeps everything in process memory. A single mutex is the
// transaction boundary, so every method is atomic with respect to the others.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	tokens   map[string]QRToken
	records  map[recordKey]Record
	recordID map[string]recordKey
	courses  map[string]Course
	codes    map[string]string
	members  map[string]map[string]Member
	leaves   map[string]LeaveRequest
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		tokens:   make(map[string]QRToken),
		records:  make(map[recordKey]Record),
		recordID: make(map[string]recordKey),
		courses:  make(map[string]Course),
		codes:    make(map[string]string),
		members:  make(map[string]map[string]Member),
		leaves:   make(map[string]LeaveRequest),
	}
}

var _ Store = (*MemoryStore)(nil)

func paginate[T any](items []T, p Page) []T {
	if p.Limit <= 0 {
		return items
	}
	start := p.Offset()
	if start < 0 {
		start = 0
	}
	if start >= len(items) {
		return []T{}
	}
	end := start + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func inRange(t time.Time, from, to *time.Time) bool {
	if from != nil && t.Before(*from) {
		return false
	}
	if to != nil && t.After(*to) {
		return false
	}
	return true
}

func (m *MemoryStore) activeMember(courseID, studentID string) bool {
	mem, ok := m.members[courseID][studentID]
	return ok && mem.Status == MemberActive
}

// CreateSession implements SessionStore.
func (m *MemoryStore) CreateSession(_ context.Context, s Session, first *QRToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return apperr.Clone(apperr.ErrConflict, "session already exists")
	}
	if _, ok := m.courses[s.CourseID]; !ok {
		return apperr.Clone(apperr.ErrNotFound, "course not found")
	}
	m.sessions[s.ID] = s
	if first != nil {
		m.tokens[first.Payload] = *first
	}
	return nil
}

// GetSession implements SessionStore.
func (m *MemoryStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, apperr.Clone(apperr.ErrNotFound, "session not found")
	}
	return s, nil
}

// ListSessions implements SessionStore, newest first.
func (m *MemoryStore) ListSessions(_ context.Context, f SessionFilter) ([]Session, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if f.CourseID != "" && s.CourseID != f.CourseID {
			continue
		}
		if f.TeacherID != "" && s.TeacherID != f.TeacherID {
			continue
		}
		if f.StudentID != "" && !m.activeMember(s.CourseID, f.StudentID) {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		if !inRange(s.StartTime, f.From, f.To) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	return paginate(out, f.Page), len(out), nil
}

func (m *MemoryStore) transition(id string, to SessionStatus, now time.Time) (Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, apperr.Clone(apperr.ErrNotFound, "session not found")
	}
	if s.Status != SessionActive {
		return Session{}, apperr.Clone(apperr.ErrInvalidTransition, "session is already "+string(s.Status))
	}
	s.Status = to
	s.UpdatedAt = now
	m.sessions[id] = s
	return s, nil
}

// EndSession implements SessionStore.
func (m *MemoryStore) EndSession(_ context.Context, id string, now time.Time) (Session, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.transition(id, SessionCompleted, now)
	if err != nil {
		return Session{}, 0, err
	}
	return s, m.markAbsent(s, now), nil
}

// CancelSession implements SessionStore.
func (m *MemoryStore) CancelSession(_ context.Context, id string, now time.Time) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.transition(id, SessionCancelled, now)
	if err != nil {
		return Session{}, err
	}
	for key, rec := range m.records {
		if key.sessionID == id {
			delete(m.records, key)
			delete(m.recordID, rec.ID)
		}
	}
	for payload, tok := range m.tokens {
		if tok.SessionID == id {
			delete(m.tokens, payload)
		}
	}
	return s, nil
}

// ExpiredSessions implements SessionStore.
func (m *MemoryStore) ExpiredSessions(_ context.Context, now time.Time, limit int) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.Status == SessionActive && now.After(s.EndTime) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// QRSessionsNeedingRotation implements SessionStore.
func (m *MemoryStore) QRSessionsNeedingRotation(_ context.Context, now time.Time, limit int) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := make(map[string]bool)
	for _, tok := range m.tokens {
		if tok.Live(now) {
			live[tok.SessionID] = true
		}
	}
	var out []Session
	for _, s := range m.sessions {
		if s.Method == MethodQRCode && s.AcceptsCheckIns(now) && !live[s.ID] {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// IssueQRToken implements QRStore.
func (m *MemoryStore) IssueQRToken(_ context.Context, tok QRToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for payload, old := range m.tokens {
		if old.SessionID == tok.SessionID && old.ConsumedBy == "" && old.ExpiresAt.After(tok.IssuedAt) {
			old.ExpiresAt = tok.IssuedAt
			m.tokens[payload] = old
		}
	}
	m.tokens[tok.Payload] = tok
	return nil
}

// LiveQRToken implements QRStore.
func (m *MemoryStore) LiveQRToken(_ context.Context, sessionID string, now time.Time) (QRToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best QRToken
	found := false
	for _, tok := range m.tokens {
		if tok.SessionID != sessionID || !tok.Live(now) {
			continue
		}
		if !found || tok.IssuedAt.After(best.IssuedAt) {
			best, found = tok, true
		}
	}
	if !found {
		return QRToken{}, apperr.Clone(apperr.ErrNotFound, "no live qr payload")
	}
	return best, nil
}

// UpsertIfAbsent implements Ledger.
func (m *MemoryStore) UpsertIfAbsent(_ context.Context, rec Record, claim *QRClaim, now time.Time) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{rec.SessionID, rec.StudentID}
	if existing, ok := m.records[key]; ok {
		return existing, false, nil
	}
	s, ok := m.sessions[rec.SessionID]
	if !ok || !s.AcceptsCheckIns(now) {
		return Record{}, false, apperr.ErrSessionClosed
	}
	if claim != nil {
		tok, ok := m.tokens[claim.Payload]
		if !ok || tok.SessionID != rec.SessionID || !tok.Live(now) {
			return Record{}, false, apperr.ErrInvalidQRPayload
		}
		consumedAt := now
		tok.ConsumedBy = claim.StudentID
		tok.ConsumedAt = &consumedAt
		m.tokens[claim.Payload] = tok
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CourseID = s.CourseID
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.records[key] = rec
	m.recordID[rec.ID] = key
	return rec, true, nil
}

// GetRecord implements Ledger.
func (m *MemoryStore) GetRecord(_ context.Context, sessionID, studentID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordKey{sessionID, studentID}]
	if !ok {
		return Record{}, apperr.Clone(apperr.ErrNotFound, "record not found")
	}
	return rec, nil
}

// GetRecordByID implements Ledger.
func (m *MemoryStore) GetRecordByID(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.recordID[id]
	if !ok {
		return Record{}, apperr.Clone(apperr.ErrNotFound, "record not found")
	}
	return m.records[key], nil
}

// ListRecords implements Ledger, newest first.
func (m *MemoryStore) ListRecords(_ context.Context, f RecordFilter) ([]Record, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if f.SessionID != "" && rec.SessionID != f.SessionID {
			continue
		}
		if f.CourseID != "" && rec.CourseID != f.CourseID {
			continue
		}
		if f.StudentID != "" && rec.StudentID != f.StudentID {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.From != nil || f.To != nil {
			s := m.sessions[rec.SessionID]
			if !inRange(s.StartTime, f.From, f.To) {
				continue
			}
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, f.Page), len(out), nil
}

func (m *MemoryStore) markAbsent(s Session, now time.Time) int {
	changed := 0
	for key, rec := range m.records {
		if key.sessionID == s.ID && rec.Status == StatusPending {
			rec.Status = StatusAbsent
			rec.UpdatedAt = now
			m.records[key] = rec
			changed++
		}
	}
	for studentID, mem := range m.members[s.CourseID] {
		if mem.Status != MemberActive {
			continue
		}
		key := recordKey{s.ID, studentID}
		if _, ok := m.records[key]; ok {
			continue
		}
		rec := Record{
			ID:          uuid.NewString(),
			SessionID:   s.ID,
			CourseID:    s.CourseID,
			StudentID:   studentID,
			StudentName: mem.StudentName,
			Status:      StatusAbsent,
			Method:      s.Method,
			RecordedBy:  SystemActor.ID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		m.records[key] = rec
		m.recordID[rec.ID] = key
		changed++
	}
	return changed
}

// MarkAbsentForUnrecorded implements Ledger.
func (m *MemoryStore) MarkAbsentForUnrecorded(_ context.Context, sessionID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return 0, apperr.Clone(apperr.ErrNotFound, "session not found")
	}
	return m.markAbsent(s, now), nil
}

func (m *MemoryStore) write(rec Record, allow func(existing Record) bool) (Record, bool) {
	key := recordKey{rec.SessionID, rec.StudentID}
	existing, ok := m.records[key]
	if ok {
		if !allow(existing) {
			return existing, false
		}
		existing.Status = rec.Status
		existing.Comment = rec.Comment
		existing.RecordedBy = rec.RecordedBy
		if existing.CheckInTime == nil {
			existing.CheckInTime = rec.CheckInTime
		}
		existing.UpdatedAt = rec.UpdatedAt
		m.records[key] = existing
		return existing, true
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = rec.UpdatedAt
	m.records[key] = rec
	m.recordID[rec.ID] = key
	return rec, true
}

// SetStatus implements Ledger.
func (m *MemoryStore) SetStatus(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[rec.SessionID]; !ok {
		return Record{}, apperr.Clone(apperr.ErrNotFound, "session not found")
	}
	out, _ := m.write(rec, func(Record) bool { return true })
	return out, nil
}

func (m *MemoryStore) applyLeave(rec Record) (Record, error) {
	out, ok := m.write(rec, func(existing Record) bool { return !existing.Status.Attended() })
	if !ok {
		return Record{}, apperr.Clone(apperr.ErrAlreadyCheckedIn, "student already attended this session")
	}
	return out, nil
}

// ApplyLeave implements Ledger.
func (m *MemoryStore) ApplyLeave(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLeave(rec)
}

// Roster implements Ledger.
func (m *MemoryStore) Roster(_ context.Context, q RosterQuery) ([]RosterRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sessions []Session
	for _, s := range m.sessions {
		if s.Status == SessionCancelled {
			continue
		}
		if q.SessionID != "" && s.ID != q.SessionID {
			continue
		}
		if q.CourseID != "" && s.CourseID != q.CourseID {
			continue
		}
		if !inRange(s.StartTime, q.From, q.To) {
			continue
		}
		sessions = append(sessions, s)
	}

	var rows []RosterRow
	for _, s := range sessions {
		seen := make(map[string]bool)
		for studentID, mem := range m.members[s.CourseID] {
			if mem.Status != MemberActive || (q.StudentID != "" && studentID != q.StudentID) {
				continue
			}
			row := RosterRow{SessionID: s.ID, SessionStatus: s.Status, StudentID: studentID, StudentName: mem.StudentName}
			if rec, ok := m.records[recordKey{s.ID, studentID}]; ok {
				row.Status = rec.Status
				row.CheckInTime = rec.CheckInTime
			}
			rows = append(rows, row)
			seen[studentID] = true
		}
		for key, rec := range m.records {
			if key.sessionID != s.ID || seen[key.studentID] || (q.StudentID != "" && key.studentID != q.StudentID) {
				continue
			}
			rows = append(rows, RosterRow{
				SessionID:     s.ID,
				SessionStatus: s.Status,
				StudentID:     rec.StudentID,
				StudentName:   rec.StudentName,
				Status:        rec.Status,
				CheckInTime:   rec.CheckInTime,
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].SessionID != rows[j].SessionID {
			return rows[i].SessionID < rows[j].SessionID
		}
		return rows[i].StudentID < rows[j].StudentID
	})
	return rows, nil
}

// CreateCourse implements CourseStore.
func (m *MemoryStore) CreateCourse(_ context.Context, c Course) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.codes[c.Code]; ok {
		return apperr.Clone(apperr.ErrConflict, "course code already exists")
	}
	if _, ok := m.courses[c.ID]; ok {
		return apperr.Clone(apperr.ErrConflict, "course already exists")
	}
	m.courses[c.ID] = c
	m.codes[c.Code] = c.ID
	return nil
}

// GetCourse implements CourseStore.
func (m *MemoryStore) GetCourse(_ context.Context, id string) (Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.courses[id]
	if !ok {
		return Course{}, apperr.Clone(apperr.ErrNotFound, "course not found")
	}
	return c, nil
}

// GetCourseByCode implements CourseStore.
func (m *MemoryStore) GetCourseByCode(_ context.Context, code string) (Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.codes[code]
	if !ok {
		return Course{}, apperr.Clone(apperr.ErrNotFound, "course not found")
	}
	return m.courses[id], nil
}

// ListCourses implements CourseStore.
func (m *MemoryStore) ListCourses(_ context.Context, teacherID, studentID string, page Page) ([]Course, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Course
	for _, c := range m.courses {
		if teacherID != "" && c.TeacherID != teacherID {
			continue
		}
		if studentID != "" && !m.activeMember(c.ID, studentID) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return paginate(out, page), len(out), nil
}

// AddMembers implements CourseStore.
func (m *MemoryStore) AddMembers(_ context.Context, members []Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range members {
		if _, ok := m.courses[mem.CourseID]; !ok {
			return apperr.Clone(apperr.ErrNotFound, "course not found")
		}
	}
	for _, mem := range members {
		roster, ok := m.members[mem.CourseID]
		if !ok {
			roster = make(map[string]Member)
			m.members[mem.CourseID] = roster
		}
		if existing, ok := roster[mem.StudentID]; ok {
			existing.Status = MemberActive
			if mem.StudentName != "" {
				existing.StudentName = mem.StudentName
			}
			roster[mem.StudentID] = existing
			continue
		}
		mem.Status = MemberActive
		roster[mem.StudentID] = mem
	}
	return nil
}

// SetMemberStatus implements CourseStore.
func (m *MemoryStore) SetMemberStatus(_ context.Context, courseID, studentID string, status MemberStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[courseID][studentID]
	if !ok {
		return apperr.Clone(apperr.ErrNotFound, "member not found")
	}
	mem.Status = status
	m.members[courseID][studentID] = mem
	return nil
}

// GetMember implements CourseStore.
func (m *MemoryStore) GetMember(_ context.Context, courseID, studentID string) (Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[courseID][studentID]
	if !ok {
		return Member{}, apperr.Clone(apperr.ErrNotFound, "member not found")
	}
	return mem, nil
}

// ListMembers implements CourseStore.
func (m *MemoryStore) ListMembers(_ context.Context, courseID string, page Page) ([]Member, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Member
	for _, mem := range m.members[courseID] {
		if mem.Status == MemberActive {
			out = append(out, mem)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return paginate(out, page), len(out), nil
}

// CreateLeave implements LeaveStore.
func (m *MemoryStore) CreateLeave(_ context.Context, l LeaveRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.leaves {
		if existing.SessionID == l.SessionID && existing.StudentID == l.StudentID && existing.Status == LeavePending {
			return apperr.Clone(apperr.ErrConflict, "a pending leave request already exists")
		}
	}
	m.leaves[l.ID] = l
	return nil
}

// GetLeave implements LeaveStore.
func (m *MemoryStore) GetLeave(_ context.Context, id string) (LeaveRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leaves[id]
	if !ok {
		return LeaveRequest{}, apperr.Clone(apperr.ErrNotFound, "leave request not found")
	}
	return l, nil
}

// ReviewLeave implements LeaveStore.
func (m *MemoryStore) ReviewLeave(_ context.Context, l LeaveRequest, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.leaves[l.ID]
	if !ok {
		return apperr.Clone(apperr.ErrNotFound, "leave request not found")
	}
	if existing.Status != LeavePending {
		return apperr.Clone(apperr.ErrInvalidTransition, "leave request already reviewed")
	}
	if rec != nil {
		if _, err := m.applyLeave(*rec); err != nil {
			return err
		}
	}
	m.leaves[l.ID] = l
	return nil
}

// ListLeaves implements LeaveStore, newest first.
func (m *MemoryStore) ListLeaves(_ context.Context, f LeaveFilter) ([]LeaveRequest, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LeaveRequest
	for _, l := range m.leaves {
		if f.CourseID != "" && l.CourseID != f.CourseID {
			continue
		}
		if f.SessionID != "" && l.SessionID != f.SessionID {
			continue
		}
		if f.StudentID != "" && l.StudentID != f.StudentID {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, f.Page), len(out), nil
}
