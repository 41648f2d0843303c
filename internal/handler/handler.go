package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rollcall/internal/apperr"
	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/response"
)

// Services bundles the attendance services the routes call.
type Services struct {
	Sessions *attendance.SessionManager
	Verifier *attendance.CheckInVerifier
	Stats    *attendance.StatisticsAggregator
	Courses  *attendance.CourseService
	Leaves   *attendance.LeaveService
	Records  *attendance.RecordService
}

// NewServices wires every service over one store.
func NewServices(store attendance.Store, logger *zap.Logger, opts attendance.Options) Services {
	sessions := attendance.NewSessionManager(store, logger, opts)
	return Services{
		Sessions: sessions,
		Verifier: attendance.NewCheckInVerifier(store, sessions, logger, opts),
		Stats:    attendance.NewStatisticsAggregator(store, logger, opts),
		Courses:  attendance.NewCourseService(store, logger, opts),
		Leaves:   attendance.NewLeaveService(store, logger, opts),
		Records:  attendance.NewRecordService(store, logger, opts),
	}
}

// Handler serves the JSON API.
type Handler struct {
	svc    Services
	logger *zap.Logger
	now    func() time.Time
}

// New builds a Handler.
func New(svc Services, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger, now: time.Now}
}

// Routes mounts every authenticated route on rg. rg must already run auth.Bearer.
func (h *Handler) Routes(rg *gin.RouterGroup) {
	teacher := auth.RequireRole(auth.RoleTeacher)
	student := auth.RequireRole(auth.RoleStudent)

	courses := rg.Group("/courses")
	courses.POST("", teacher, h.CreateCourse)
	courses.GET("", h.ListCourses)
	courses.POST("/join", student, h.JoinCourse)
	courses.GET("/:id", h.GetCourse)
	courses.GET("/:id/students", h.ListMembers)
	courses.POST("/:id/students", teacher, h.AddStudents)
	courses.DELETE("/:id/students/:studentId", teacher, h.RemoveStudent)

	att := rg.Group("/attendance")
	sessions := att.Group("/sessions")
	sessions.POST("", teacher, h.CreateSession)
	sessions.GET("", h.ListSessions)
	sessions.GET("/active", student, h.ActiveSessions)
	sessions.GET("/:id", h.GetSession)
	sessions.PUT("/:id/end", teacher, h.EndSession)
	sessions.PUT("/:id/cancel", teacher, h.CancelSession)
	sessions.GET("/:id/roster", teacher, h.Roster)
	sessions.GET("/:id/qrcode", teacher, h.QRCode)
	sessions.POST("/:id/qrcode/rotate", teacher, h.RotateQRCode)

	att.POST("/check-in", student, h.CheckIn)
	att.POST("/manual-check-in", teacher, h.ManualCheckIn)

	att.GET("/records", h.ListRecords)
	att.GET("/records/:id", h.GetRecord)
	att.PUT("/records/:id/status", teacher, h.UpdateRecordStatus)
	att.PUT("/batch-update", teacher, h.BatchUpdate)

	att.GET("/statistics", h.Statistics)

	att.POST("/leave", student, h.ApplyLeave)
	att.GET("/leave", h.ListLeaves)
	att.PUT("/leave/:id/review", teacher, h.ReviewLeave)

	att.GET("/export", teacher, h.Export)
}

// actor maps the bearer claims onto the caller of a service.
func actor(c *gin.Context) (attendance.Actor, bool) {
	claims, ok := auth.FromContext(c)
	if !ok || !auth.ValidRole(claims.Role) {
		response.Abort(c, apperr.ErrUnauthorized)
		return attendance.Actor{}, false
	}
	return attendance.Actor{ID: claims.Subject, Name: claims.Name, Role: attendance.Role(claims.Role)}, true
}

func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		response.Error(c, apperr.Wrap(err, apperr.ErrValidation.Code, http.StatusBadRequest, "invalid request body"))
		return false
	}
	return true
}

// pageQuery reads page and limit; bad numbers fall back to defaults.
func pageQuery(c *gin.Context) attendance.Page {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	return attendance.Page{Page: page, Limit: limit}
}

const dateLayout = "2006-01-02"

// timeQuery parses an RFC 3339 timestamp or a plain date. A plain date used as
// an upper bound covers the whole day.
func timeQuery(c *gin.Context, key string, endOfDay bool) (*time.Time, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, apperr.Clone(apperr.ErrValidation, key+" must be a date (YYYY-MM-DD) or RFC 3339 time")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func dateRange(c *gin.Context) (from, to *time.Time, ok bool) {
	from, err := timeQuery(c, "startDate", false)
	if err == nil {
		to, err = timeQuery(c, "endDate", true)
	}
	if err != nil {
		response.Error(c, err)
		return nil, nil, false
	}
	return from, to, true
}
