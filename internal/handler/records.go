package handler

import (
	"github.com/gin-gonic/gin"

	"rollcall/internal/attendance"
	"rollcall/internal/response"
)

// ListRecords handles GET /attendance/records.
func (h *Handler) ListRecords(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	from, to, ok := dateRange(c)
	if !ok {
		return
	}
	f := attendance.RecordFilter{
		SessionID: c.Query("sessionId"),
		CourseID:  c.Query("courseId"),
		StudentID: c.Query("studentId"),
		Status:    attendance.Status(c.Query("status")),
		From:      from,
		To:        to,
		Page:      pageQuery(c),
	}
	list, total, page, err := h.svc.Records.List(c.Request.Context(), a, f)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Page(c, list, total, page.Page, page.Limit)
}

// GetRecord handles GET /attendance/records/:id.
func (h *Handler) GetRecord(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	rec, err := h.svc.Records.Get(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, rec)
}

type statusRequest struct {
	Status  attendance.Status `json:"status"`
	Comment string            `json:"comment"`
}

// UpdateRecordStatus handles PUT /attendance/records/:id/status.
func (h *Handler) UpdateRecordStatus(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req statusRequest
	if !bindJSON(c, &req) {
		return
	}
	rec, err := h.svc.Records.UpdateStatus(c.Request.Context(), a, c.Param("id"), req.Status, req.Comment)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, rec)
}

// BatchUpdate handles PUT /attendance/batch-update.
func (h *Handler) BatchUpdate(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req attendance.BatchUpdateInput
	if !bindJSON(c, &req) {
		return
	}
	out, err := h.svc.Records.BatchUpdate(c.Request.Context(), a, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"updated": len(out), "records": out})
}
