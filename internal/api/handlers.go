package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ontask/dataengine/internal/archive"
	"github.com/ontask/dataengine/internal/engine"
	"github.com/ontask/dataengine/internal/errs"
	"github.com/ontask/dataengine/internal/formula"
	"github.com/ontask/dataengine/internal/frame"
	"github.com/ontask/dataengine/internal/merge"
	"github.com/ontask/dataengine/internal/source"
	"github.com/ontask/dataengine/internal/store"
	"github.com/ontask/dataengine/internal/tracking"
)

type workflowRequest struct {
	Owner       string `json:"owner"`
	Name        string `json:"name"`
	Description string `json:"description_text"`
}

type workflowResponse struct {
	ID               int64             `json:"id"`
	Owner            string            `json:"owner"`
	Name             string            `json:"name"`
	Description      string            `json:"description_text"`
	NRows            int               `json:"nrows"`
	NCols            int               `json:"ncols"`
	Attributes       map[string]string `json:"attributes"`
	LuserEmailColumn string            `json:"luser_email_column"`
	LusersHash       string            `json:"lusers_hash"`
}

func toWorkflowResponse(wf *store.Workflow) workflowResponse {
	return workflowResponse{
		ID:               wf.ID,
		Owner:            wf.Owner,
		Name:             wf.Name,
		Description:      wf.Description,
		NRows:            wf.NRows,
		NCols:            wf.NCols,
		Attributes:       wf.Attributes,
		LuserEmailColumn: wf.LuserEmailColumn,
		LusersHash:       wf.LusersHash,
	}
}

// tableRequest is the body of the table upload routes.
type tableRequest struct {
	DataFrame json.RawMessage `json:"data_frame"`
	Keys      []string        `json:"keys"`
}

// mergeRequest is the body of the merge route. left_on and right_on name
// the destination and source keys.
type mergeRequest struct {
	SrcDF        json.RawMessage   `json:"src_df"`
	How          merge.How         `json:"how"`
	LeftOn       string            `json:"left_on"`
	RightOn      string            `json:"right_on"`
	InitialNames []string          `json:"initial_column_names"`
	Rename       map[string]string `json:"rename"`
	Keep         map[string]bool   `json:"keep"`
	Override     []string          `json:"override"`
}

type renderRequest struct {
	IncludeAllRows     bool   `json:"include_all_rows"`
	ExcludeBlankOutput bool   `json:"exclude_blank_output"`
	TrackColumn        string `json:"track_column"`
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid id %q", c.Param("id")))
	}
	return id, nil
}

func async(c echo.Context) bool {
	v, _ := strconv.ParseBool(c.QueryParam("async"))
	return v
}

// records decodes a records payload through the JSON source adapter.
func records(c echo.Context, raw json.RawMessage) (*frame.Frame, error) {
	if len(raw) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "missing data frame")
	}
	f, _, err := (&source.JSONRecords{Data: raw}).Fetch(c.Request().Context())
	return f, err
}

func (s *Server) createWorkflow(c echo.Context) error {
	var req workflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	wf, err := s.engine.CreateWorkflow(c.Request().Context(), req.Owner, req.Name, req.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toWorkflowResponse(wf))
}

func (s *Server) getWorkflow(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	wf, err := s.engine.Workflow(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toWorkflowResponse(wf))
}

func (s *Server) uploadTable(c echo.Context) error {
	return s.storeTable(c, false)
}

func (s *Server) replaceTable(c echo.Context) error {
	return s.storeTable(c, true)
}

func (s *Server) storeTable(c echo.Context, replace bool) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req tableRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	f, err := records(c, req.DataFrame)
	if err != nil {
		return err
	}
	sum, err := s.engine.Upload(c.Request().Context(), id, f, engine.UploadOptions{Replace: replace, Keys: req.Keys})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

func (s *Server) flushTable(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := s.engine.Flush(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getTable(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var q engine.TableQuery
	if v := c.QueryParam("view"); v != "" {
		if q.ViewID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid view %q", v))
		}
	}
	if f := c.QueryParam("filter"); f != "" {
		if q.Filter, err = formula.Parse([]byte(f)); err != nil {
			return errs.Wrap(errs.InvalidValue, err, "filter is not a valid formula")
		}
	}
	data, err := s.engine.Table(c.Request().Context(), id, q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, data)
}

func (s *Server) merge(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req mergeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	src, err := records(c, req.SrcDF)
	if err != nil {
		return err
	}
	d := merge.Descriptor{
		InitialNames: req.InitialNames,
		Rename:       req.Rename,
		Keep:         req.Keep,
		DstKey:       req.LeftOn,
		SrcKey:       req.RightOn,
		How:          req.How,
		Override:     req.Override,
	}
	if async(c) {
		job, err := s.engine.SubmitMerge(id, src, d)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusAccepted, job)
	}
	report, err := s.engine.Merge(c.Request().Context(), id, src, d)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) render(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req renderRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
		}
	}
	opts := engine.RenderOptions{
		IncludeAllRows:     req.IncludeAllRows,
		ExcludeBlankOutput: req.ExcludeBlankOutput,
		TrackColumn:        req.TrackColumn,
	}
	ctx := c.Request().Context()
	if async(c) {
		job, err := s.engine.SubmitRender(ctx, id, opts)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusAccepted, job)
	}
	report, err := s.engine.Render(ctx, id, opts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) getJob(c echo.Context) error {
	job, err := s.engine.Job(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) cancelJob(c echo.Context) error {
	job, err := s.engine.CancelJob(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) exportWorkflow(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	a, err := s.engine.Export(c.Request().Context(), id)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := archive.Write(&buf, a); err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("ontask_workflow_%d.gz", id)))
	return c.Blob(http.StatusOK, "application/gzip", buf.Bytes())
}

// importWorkflow restores the archive in the request body. The owner and
// an optional new name come from the query string.
func (s *Server) importWorkflow(c echo.Context) error {
	a, err := archive.Read(io.LimitReader(c.Request().Body, 512<<20))
	if err != nil {
		return err
	}
	wf, err := s.engine.Import(c.Request().Context(), a, c.QueryParam("owner"), c.QueryParam("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toWorkflowResponse(wf))
}

// track always answers with the pixel. Bad tokens and failed updates are
// only logged so the response reveals nothing about the token.
func (s *Server) track(c echo.Context) error {
	if token := c.QueryParam("v"); token != "" {
		if _, err := s.engine.RegisterHit(c.Request().Context(), token); err != nil {
			s.log.Debug("tracking hit dropped", "error", err)
		}
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.Blob(http.StatusOK, tracking.ContentType, tracking.Pixel())
}
