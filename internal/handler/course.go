package handler

import (
	"github.com/gin-gonic/gin"

	"rollcall/internal/attendance"
	"rollcall/internal/response"
)

// CreateCourse handles POST /courses.
func (h *Handler) CreateCourse(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req attendance.CreateCourseInput
	if !bindJSON(c, &req) {
		return
	}
	course, err := h.svc.Courses.CreateCourse(c.Request.Context(), a, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, course)
}

// ListCourses handles GET /courses.
func (h *Handler) ListCourses(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	list, total, page, err := h.svc.Courses.ListCourses(c.Request.Context(), a, pageQuery(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Page(c, list, total, page.Page, page.Limit)
}

// GetCourse handles GET /courses/:id.
func (h *Handler) GetCourse(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	course, err := h.svc.Courses.GetCourse(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, course)
}

type joinRequest struct {
	Code string `json:"code"`
}

// JoinCourse handles POST /courses/join.
func (h *Handler) JoinCourse(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req joinRequest
	if !bindJSON(c, &req) {
		return
	}
	course, err := h.svc.Courses.JoinCourse(c.Request.Context(), a, req.Code)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, course)
}

// ListMembers handles GET /courses/:id/students.
func (h *Handler) ListMembers(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	list, total, page, err := h.svc.Courses.ListMembers(c.Request.Context(), a, c.Param("id"), pageQuery(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Page(c, list, total, page.Page, page.Limit)
}

type addStudentsRequest struct {
	Students []attendance.StudentInput `json:"students"`
}

// AddStudents handles POST /courses/:id/students.
func (h *Handler) AddStudents(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req addStudentsRequest
	if !bindJSON(c, &req) {
		return
	}
	members, err := h.svc.Courses.AddStudents(c.Request.Context(), a, c.Param("id"), req.Students)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, members)
}

// RemoveStudent handles DELETE /courses/:id/students/:studentId.
func (h *Handler) RemoveStudent(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	if err := h.svc.Courses.RemoveStudent(c.Request.Context(), a, c.Param("id"), c.Param("studentId")); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"courseId": c.Param("id"), "studentId": c.Param("studentId")})
}
