package handler

import (
	"github.com/gin-gonic/gin"

	"rollcall/internal/attendance"
	"rollcall/internal/response"
)

// ApplyLeave handles POST /attendance/leave.
func (h *Handler) ApplyLeave(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req attendance.ApplyLeaveInput
	if !bindJSON(c, &req) {
		return
	}
	l, err := h.svc.Leaves.Apply(c.Request.Context(), a, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, l)
}

// ListLeaves handles GET /attendance/leave.
func (h *Handler) ListLeaves(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	f := attendance.LeaveFilter{
		CourseID:  c.Query("courseId"),
		SessionID: c.Query("sessionId"),
		StudentID: c.Query("studentId"),
		Status:    attendance.LeaveStatus(c.Query("status")),
		Page:      pageQuery(c),
	}
	list, total, page, err := h.svc.Leaves.List(c.Request.Context(), a, f)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Page(c, list, total, page.Page, page.Limit)
}

// ReviewLeave handles PUT /attendance/leave/:id/review.
func (h *Handler) ReviewLeave(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req attendance.ReviewLeaveInput
	if !bindJSON(c, &req) {
		return
	}
	l, err := h.svc.Leaves.Review(c.Request.Context(), a, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, l)
}
