package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ontask/dataengine/internal/errs"
)

// ProblemDetails is an RFC 7807 error body. Kind, Column and Table carry
// the engine error fields.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Column   string `json:"column,omitempty"`
	Table    string `json:"table,omitempty"`
}

// statusOf maps an error kind to its HTTP status.
func statusOf(k errs.Kind) int {
	switch k {
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Conflict, errs.DuplicateColumn, errs.Cancelled:
		return http.StatusConflict
	case errs.InvalidName, errs.InvalidValue, errs.BadSignature:
		return http.StatusBadRequest
	case errs.MissingField, errs.AmbiguousKey, errs.TypeMismatch,
		errs.CategoryViolation, errs.EmptyMergeResult:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// handleError writes every handler error as problem+json.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	p := ProblemDetails{Type: "about:blank", Instance: c.Request().URL.Path}

	var he *echo.HTTPError
	var ee *errs.Error
	switch {
	case errors.As(err, &ee):
		p.Status = statusOf(ee.Kind)
		p.Kind = string(ee.Kind)
		p.Detail = ee.Error()
		p.Column = ee.Column
		p.Table = ee.Table
	case errors.As(err, &he):
		p.Status = he.Code
		if msg, ok := he.Message.(string); ok {
			p.Detail = msg
		} else {
			p.Detail = http.StatusText(he.Code)
		}
	default:
		p.Status = http.StatusInternalServerError
		p.Detail = err.Error()
	}
	p.Title = http.StatusText(p.Status)
	if p.Status >= http.StatusInternalServerError {
		s.log.Error("request failed", "path", p.Instance, "error", err)
	} else {
		s.log.Debug("request rejected", "path", p.Instance, "status", p.Status, "error", err)
	}

	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(p.Status)
		return
	}
	_ = c.JSON(p.Status, p)
}
