package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rollcall/internal/apperr"
	"rollcall/internal/attendance"
	"rollcall/internal/export"
	"rollcall/internal/response"
)

// Statistics handles GET /attendance/statistics.
func (h *Handler) Statistics(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	from, to, ok := dateRange(c)
	if !ok {
		return
	}
	report, err := h.svc.Stats.Statistics(c.Request.Context(), a, attendance.StatsQuery{
		SessionID: c.Query("sessionId"),
		CourseID:  c.Query("courseId"),
		StudentID: c.Query("studentId"),
		From:      from,
		To:        to,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, report)
}

// Export handles GET /attendance/export and streams the file as an attachment.
func (h *Handler) Export(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		response.Error(c, apperr.Wrap(err, apperr.ErrValidation.Code, http.StatusBadRequest, "format must be excel, csv or pdf"))
		return
	}
	from, to, ok := dateRange(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	courseID := c.Query("courseId")
	rows, err := h.svc.Records.ExportRows(ctx, a, courseID, from, to)
	if err != nil {
		response.Error(c, err)
		return
	}
	course, err := h.svc.Courses.GetCourse(ctx, a, courseID)
	if err != nil {
		response.Error(c, err)
		return
	}

	body, err := export.Render(format, export.AttendanceDataset(course.Name+" attendance", rows))
	if err != nil {
		h.logger.Error("render export failed", zap.String("course_id", courseID), zap.String("format", string(format)), zap.Error(err))
		response.Error(c, apperr.Wrap(err, apperr.ErrInternal.Code, http.StatusInternalServerError, "export failed"))
		return
	}
	name := export.Filename(course.Code, format, h.now())
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	c.Data(http.StatusOK, format.ContentType(), body)
}
