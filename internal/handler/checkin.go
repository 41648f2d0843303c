package handler

import (
	"github.com/gin-gonic/gin"

	"rollcall/internal/attendance"
	"rollcall/internal/response"
)

func respondOutcome(c *gin.Context, out attendance.Outcome) {
	if out.Duplicate {
		response.OK(c, out)
		return
	}
	response.Created(c, out)
}

// CheckIn handles POST /attendance/check-in. A repeated check-in answers 200
// with the stored record and duplicate=true.
func (h *Handler) CheckIn(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req attendance.CheckInInput
	if !bindJSON(c, &req) {
		return
	}
	out, err := h.svc.Verifier.Verify(c.Request.Context(), a, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	respondOutcome(c, out)
}

type manualCheckInRequest struct {
	SessionID string            `json:"sessionId"`
	StudentID string            `json:"studentId"`
	Status    attendance.Status `json:"status"`
	Comment   string            `json:"comment"`
}

// ManualCheckIn handles POST /attendance/manual-check-in. Manual sessions go
// through the verifier; on other sessions the teacher overrides the record.
func (h *Handler) ManualCheckIn(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req manualCheckInRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	s, err := h.svc.Sessions.GetSession(ctx, a, req.SessionID)
	if err != nil {
		response.Error(c, err)
		return
	}

	if s.Method == attendance.MethodManual {
		out, err := h.svc.Verifier.Verify(ctx, a, attendance.CheckInInput{
			SessionID: s.ID,
			StudentID: req.StudentID,
			Method:    attendance.MethodManual,
			Status:    req.Status,
			Comment:   req.Comment,
		})
		if err != nil {
			response.Error(c, err)
			return
		}
		respondOutcome(c, out)
		return
	}

	status := req.Status
	if status == "" {
		status = attendance.StatusPresent
	}
	rec, err := h.svc.Records.Mark(ctx, a, s.ID, attendance.MarkInput{StudentID: req.StudentID, Status: status, Comment: req.Comment})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, attendance.Outcome{Record: rec})
}
