package response

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Body is the standard API response envelope.
type Body struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// Meta describes a page of a list response.
type Meta struct {
	Count int `json:"count"`
	Limit int `json:"limit"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// Page sends a 200 list response. count is the number of items in data.
func Page(c *gin.Context, data interface{}, count, limit int) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data, Meta: &Meta{Count: count, Limit: limit}})
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Fail sends an error envelope. Code is the snake_cased status text, e.g. "not_found".
func Fail(c *gin.Context, status int, err string) {
	c.JSON(status, Body{Success: false, Error: err, Code: codeFor(status)})
}

func BadRequest(c *gin.Context, err string)         { Fail(c, http.StatusBadRequest, err) }
func Unauthorized(c *gin.Context, err string)       { Fail(c, http.StatusUnauthorized, err) }
func Forbidden(c *gin.Context, err string)          { Fail(c, http.StatusForbidden, err) }
func NotFound(c *gin.Context, err string)           { Fail(c, http.StatusNotFound, err) }
func Conflict(c *gin.Context, err string)           { Fail(c, http.StatusConflict, err) }
func ServiceUnavailable(c *gin.Context, err string) { Fail(c, http.StatusServiceUnavailable, err) }
func Internal(c *gin.Context, err string)           { Fail(c, http.StatusInternalServerError, err) }

func codeFor(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "error"
	}
	return strings.ReplaceAll(strings.ToLower(text), " ", "_")
}
