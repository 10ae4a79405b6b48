package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/deepresearch/internal/auth"
	"github.com/mohammad-safakhou/deepresearch/internal/research"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
)

// ResearchService is the slice of the session manager the handlers drive.
type ResearchService interface {
	Start(ctx context.Context, query string, opts research.Options) (research.Session, error)
	Stop(ctx context.Context, id string) (string, error)
	Status(ctx context.Context, id string) (research.Session, error)
	List(ctx context.Context) ([]research.Session, error)
	Delete(ctx context.Context, id string) error
}

// DocumentStore reads the artifacts persisted for completed sessions.
type DocumentStore interface {
	ListDocuments(ctx context.Context, sessionID string) ([]store.Document, error)
	GetDocument(ctx context.Context, sessionID, documentID string) (store.Document, error)
}

// EventStreamer bridges the event log to a live channel.
type EventStreamer interface {
	Tail(ctx context.Context, sessionID string, from int64) <-chan research.Event
}

type ResearchHandler struct {
	Manager  ResearchService
	Docs     DocumentStore
	Streamer EventStreamer
}

func (h *ResearchHandler) Register(g *echo.Group, secret []byte) {
	g.Use(auth.EchoAuthMiddleware(secret))
	g.POST("/start", h.start)
	g.POST("/:id/stop", h.stop)
	g.GET("/:id/status", h.status)
	g.GET("/:id/events", h.events)
	g.GET("/sessions", h.list)
	g.GET("/sessions/:id/report", h.report)
	g.GET("/sessions/:id/documents", h.documents)
	g.GET("/sessions/:id/documents/:doc_id", h.document)
	g.DELETE("/sessions/:id", h.remove)
}

// mapError translates domain errors into HTTP status codes.
func mapError(err error) error {
	var inv *research.InvalidOptionsError
	switch {
	case errors.As(err, &inv):
		return echo.NewHTTPError(http.StatusBadRequest, inv.Error())
	case errors.Is(err, store.ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrSessionActive):
		return echo.NewHTTPError(http.StatusConflict, "session is still running")
	case errors.Is(err, store.ErrDocumentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// Start
//
//	@Summary		Start a research session
//	@Description	Accepts a query plus optional tuning and begins a pipeline run
//	@Tags			research
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		StartResearchRequest	true	"Research request"
//	@Success		202		{object}	StartResearchResponse
//	@Failure		400		{object}	HTTPError
//	@Failure		500		{object}	HTTPError
//	@Router			/api/research/start [post]
func (h *ResearchHandler) start(c echo.Context) error {
	// Seed documented defaults before binding: JSON unmarshal only touches
	// fields present in the body, so omitted options keep their defaults
	// while an explicit false or 0 still sticks.
	req := StartResearchRequest{Options: research.DefaultOptions()}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	sess, err := h.Manager.Start(c.Request().Context(), req.Query, req.Options)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusAccepted, StartResearchResponse{
		Status:    sess.Status,
		SessionID: sess.ID,
		Query:     sess.Query,
		Options:   sess.Options,
		StreamURL: fmt.Sprintf("/api/research/%s/events", sess.ID),
		StopURL:   fmt.Sprintf("/api/research/%s/stop", sess.ID),
		StatusURL: fmt.Sprintf("/api/research/%s/status", sess.ID),
	})
}

// Stop
//
//	@Summary	Stop a running session
//	@Tags		research
//	@Produce	json
//	@Param		id	path		string	true	"Session ID"
//	@Success	200	{object}	StopResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/research/{id}/stop [post]
func (h *ResearchHandler) stop(c echo.Context) error {
	id := c.Param("id")
	result, err := h.Manager.Stop(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, StopResponse{SessionID: id, Status: result})
}

// Status
//
//	@Summary	Session status
//	@Tags		research
//	@Produce	json
//	@Param		id	path		string	true	"Session ID"
//	@Success	200	{object}	research.Session
//	@Failure	404	{object}	HTTPError
//	@Router		/api/research/{id}/status [get]
func (h *ResearchHandler) status(c echo.Context) error {
	sess, err := h.Manager.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// List
//
//	@Summary	List sessions
//	@Tags		research
//	@Produce	json
//	@Success	200	{object}	SessionListResponse
//	@Router		/api/research/sessions [get]
func (h *ResearchHandler) list(c echo.Context) error {
	sessions, err := h.Manager.List(c.Request().Context())
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, SessionListResponse{Status: "ok", Count: len(sessions), Sessions: sessions})
}

// Events
//
//	@Summary		Stream session events
//	@Description	Server-sent events; replays the log from the cursor then follows live
//	@Tags			research
//	@Produce		text/event-stream
//	@Param			id		path	string	true	"Session ID"
//	@Param			from	query	int		false	"Replay events with sequence_no greater than this"
//	@Success		200
//	@Failure		404	{object}	HTTPError
//	@Router			/api/research/{id}/events [get]
func (h *ResearchHandler) events(c echo.Context) error {
	id := c.Param("id")
	var from int64
	if v := c.QueryParam("from"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "from must be a non-negative integer")
		}
		from = parsed
	}
	// Reject unknown sessions before committing the stream response.
	if _, err := h.Manager.Status(c.Request().Context(), id); err != nil {
		return mapError(err)
	}

	resp := c.Response()
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request().Context()
	for ev := range h.Streamer.Tail(ctx, id, from) {
		b, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(resp, "data: %s\n\n", b); err != nil {
			return nil
		}
		flusher.Flush()
	}
	return nil
}

// Report
//
//	@Summary	Fetch the final report of a completed session
//	@Tags		research
//	@Produce	json
//	@Param		id	path		string	true	"Session ID"
//	@Success	200	{object}	research.Report
//	@Failure	404	{object}	HTTPError
//	@Failure	409	{object}	HTTPError
//	@Router		/api/research/sessions/{id}/report [get]
func (h *ResearchHandler) report(c echo.Context) error {
	id := c.Param("id")
	sess, err := h.Manager.Status(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	if sess.Status != research.StatusCompleted {
		return echo.NewHTTPError(http.StatusConflict, fmt.Sprintf("session is %s, report is only available once completed", sess.Status))
	}
	doc, err := h.Docs.GetDocument(c.Request().Context(), id, id+"-json")
	if err != nil {
		return mapError(err)
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, []byte(doc.Content))
}

// Documents
//
//	@Summary	List documents persisted for a session
//	@Tags		research
//	@Produce	json
//	@Param		id	path	string	true	"Session ID"
//	@Success	200	{array}	store.Document
//	@Failure	404	{object}	HTTPError
//	@Router		/api/research/sessions/{id}/documents [get]
func (h *ResearchHandler) documents(c echo.Context) error {
	id := c.Param("id")
	if _, err := h.Manager.Status(c.Request().Context(), id); err != nil {
		return mapError(err)
	}
	docs, err := h.Docs.ListDocuments(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, docs)
}

// Document
//
//	@Summary	Fetch one document of a session
//	@Tags		research
//	@Produce	json
//	@Param		id		path		string	true	"Session ID"
//	@Param		doc_id	path		string	true	"Document ID"
//	@Success	200		{object}	store.Document
//	@Failure	404		{object}	HTTPError
//	@Router		/api/research/sessions/{id}/documents/{doc_id} [get]
func (h *ResearchHandler) document(c echo.Context) error {
	doc, err := h.Docs.GetDocument(c.Request().Context(), c.Param("id"), c.Param("doc_id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, doc)
}

// Delete
//
//	@Summary		Delete a terminal session
//	@Description	Removes the session row, its event log and documents; running sessions are refused
//	@Tags			research
//	@Param			id	path	string	true	"Session ID"
//	@Success		204
//	@Failure		404	{object}	HTTPError
//	@Failure		409	{object}	HTTPError
//	@Router			/api/research/sessions/{id} [delete]
func (h *ResearchHandler) remove(c echo.Context) error {
	if err := h.Manager.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
