package web

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/minasoft/lis-gateway/internal/db"
	"github.com/minasoft/lis-gateway/internal/inbox"
)

func (s *Server) handleListMessages(c echo.Context) error {
	instrumentID, err := queryID(c, "instrument_id")
	if err != nil {
		return err
	}
	limit := queryInt(c, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	messages, err := s.deps.Store.ListMessages(c.Request().Context(), db.MessageFilter{
		InstrumentID: instrumentID,
		Direction:    db.Direction(c.QueryParam("direction")),
		Status:       db.MessageStatus(c.QueryParam("status")),
		Limit:        limit,
	})
	if err != nil {
		return err
	}
	if messages == nil {
		messages = []*db.InstrumentMessage{}
	}
	return c.JSON(http.StatusOK, messages)
}

func (s *Server) handleGetMessage(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	m, err := s.deps.Store.GetMessage(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) handleListUnmatched(c echo.Context) error {
	instrumentID, err := queryID(c, "instrument_id")
	if err != nil {
		return err
	}
	page, err := s.deps.Inbox.List(c.Request().Context(), db.UnmatchedFilter{
		Status:       db.UnmatchedStatus(c.QueryParam("status")),
		Reason:       db.UnmatchedReason(c.QueryParam("reason")),
		InstrumentID: instrumentID,
		Limit:        queryInt(c, "limit", 50),
		Offset:       queryInt(c, "offset", 0),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) handleUnmatchedStats(c echo.Context) error {
	stats, err := s.deps.Inbox.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleGetUnmatched(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	u, err := s.deps.Inbox.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func (s *Server) handleResolveUnmatched(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var r inbox.Resolution
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	u, err := s.deps.Inbox.Resolve(c.Request().Context(), id, r)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}
