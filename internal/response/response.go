package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rollcall/internal/apperr"
)

// APIVersion is the single canonical schema version served.
const APIVersion = "v1"

// Envelope is the {code, message, data} contract the clients consume.
// Code mirrors the HTTP status; Reason carries the machine-readable error code.
type Envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// Pagination describes a page of a list result.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// PageData is the list payload shape: {total, list, pagination}.
type PageData struct {
	Total      int         `json:"total"`
	List       interface{} `json:"list"`
	Pagination Pagination  `json:"pagination"`
}

func write(c *gin.Context, status int, env Envelope) {
	c.Header("Cache-Control", "no-store")
	c.Header("X-API-Version", APIVersion)
	c.JSON(status, env)
}

// OK sends 200 with data.
func OK(c *gin.Context, data interface{}) {
	write(c, http.StatusOK, Envelope{Code: http.StatusOK, Message: "success", Data: data})
}

// Created sends 201 with data.
func Created(c *gin.Context, data interface{}) {
	write(c, http.StatusCreated, Envelope{Code: http.StatusCreated, Message: "success", Data: data})
}

// Page sends 200 with a paginated list.
func Page(c *gin.Context, list interface{}, total, page, limit int) {
	if limit <= 0 {
		limit = 1
	}
	totalPages := total / limit
	if total%limit > 0 {
		totalPages++
	}
	OK(c, PageData{
		Total: total,
		List:  list,
		Pagination: Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages,
		},
	})
}

// Error converts err into the envelope with the matching HTTP status.
func Error(c *gin.Context, err error) {
	appErr := apperr.FromError(err)
	write(c, appErr.Status, Envelope{Code: appErr.Status, Message: appErr.Message, Reason: appErr.Code})
}

// Abort writes the error and stops the handler chain.
func Abort(c *gin.Context, err error) {
	Error(c, err)
	c.Abort()
}
