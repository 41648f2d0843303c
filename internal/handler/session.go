package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"rollcall/internal/apperr"
	"rollcall/internal/attendance"
	"rollcall/internal/response"
)

const qrImageSize = 320

// CreateSession handles POST /attendance/sessions.
func (h *Handler) CreateSession(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req attendance.CreateSessionInput
	if !bindJSON(c, &req) {
		return
	}
	s, err := h.svc.Sessions.CreateSession(c.Request.Context(), a, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, s)
}

// ListSessions handles GET /attendance/sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	from, to, ok := dateRange(c)
	if !ok {
		return
	}
	f := attendance.SessionFilter{
		CourseID: c.Query("courseId"),
		Status:   attendance.SessionStatus(c.Query("status")),
		From:     from,
		To:       to,
		Page:     pageQuery(c),
	}
	list, total, page, err := h.svc.Sessions.ListSessions(c.Request.Context(), a, f)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Page(c, list, total, page.Page, page.Limit)
}

// ActiveSessions handles GET /attendance/sessions/active.
func (h *Handler) ActiveSessions(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	list, err := h.svc.Sessions.ActiveSessionsForStudent(c.Request.Context(), a)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, list)
}

// GetSession handles GET /attendance/sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	s, err := h.svc.Sessions.GetSession(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, s)
}

// EndSession handles PUT /attendance/sessions/:id/end.
func (h *Handler) EndSession(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	s, err := h.svc.Sessions.EndSession(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, s)
}

// CancelSession handles PUT /attendance/sessions/:id/cancel.
func (h *Handler) CancelSession(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	s, err := h.svc.Sessions.CancelSession(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, s)
}

// Roster handles GET /attendance/sessions/:id/roster.
func (h *Handler) Roster(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	rows, err := h.svc.Sessions.Roster(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, rows)
}

// QRCode handles GET /attendance/sessions/:id/qrcode. With format=png the
// live payload is served as an image for projection.
func (h *Handler) QRCode(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	tok, err := h.svc.Sessions.CurrentQRPayload(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if c.Query("format") != "png" {
		response.OK(c, tok)
		return
	}
	png, err := qrcode.Encode(tok.Payload, qrcode.Medium, qrImageSize)
	if err != nil {
		response.Error(c, apperr.Wrap(err, apperr.ErrInternal.Code, http.StatusInternalServerError, "render qr code failed"))
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("X-QR-Expires-At", tok.ExpiresAt.UTC().Format(http.TimeFormat))
	c.Data(http.StatusOK, "image/png", png)
}

// RotateQRCode handles POST /attendance/sessions/:id/qrcode/rotate.
func (h *Handler) RotateQRCode(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	tok, err := h.svc.Sessions.RotateQRPayload(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, tok)
}
