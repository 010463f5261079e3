package web

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/minasoft/lis-gateway/internal/db"
)

type mappingRequest struct {
	InstrumentTestCode string    `json:"instrument_test_code"`
	InstrumentTestName string    `json:"instrument_test_name"`
	TestID             uuid.UUID `json:"test_id"`
	Multiplier         *float64  `json:"multiplier"`
	IsActive           *bool     `json:"is_active"`
}

func (r *mappingRequest) apply(m *db.InstrumentTestMapping) error {
	code := strings.TrimSpace(r.InstrumentTestCode)
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "instrument_test_code is required")
	}
	if r.TestID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "test_id is required")
	}
	if r.Multiplier != nil && *r.Multiplier == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "multiplier must not be zero")
	}
	m.InstrumentTestCode = code
	m.InstrumentTestName = r.InstrumentTestName
	m.TestID = r.TestID
	m.Multiplier = r.Multiplier
	m.IsActive = r.IsActive == nil || *r.IsActive
	return nil
}

func (s *Server) handleListMappings(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	mappings, err := s.deps.Mappings.ListMappings(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if mappings == nil {
		mappings = []*db.InstrumentTestMapping{}
	}
	return c.JSON(http.StatusOK, mappings)
}

func (s *Server) handleCreateMapping(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, err := s.deps.Store.GetInstrument(ctx, id); err != nil {
		return err
	}
	var req mappingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	m := &db.InstrumentTestMapping{InstrumentID: id}
	if err := req.apply(m); err != nil {
		return err
	}
	if err := s.deps.Mappings.CreateMapping(ctx, m); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, m)
}

func (s *Server) handleUpdateMapping(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	m, err := s.deps.Mappings.GetMapping(ctx, id)
	if err != nil {
		return err
	}
	var req mappingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.apply(m); err != nil {
		return err
	}
	if err := s.deps.Mappings.UpdateMapping(ctx, m); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) handleDeleteMapping(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := s.deps.Mappings.DeleteMapping(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
