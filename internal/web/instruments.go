package web

import (
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/minasoft/lis-gateway/internal/db"
	"github.com/minasoft/lis-gateway/internal/hl7"
)

const maxIngestBytes = 4 << 20

// instrumentRequest is the writable part of an instrument. Frame markers
// travel as hex strings, e.g. "0b" and "1c0d".
type instrumentRequest struct {
	LabID                uuid.UUID         `json:"lab_id"`
	Code                 string            `json:"code"`
	Name                 string            `json:"name"`
	Protocol             db.Protocol       `json:"protocol"`
	ConnectionType       db.ConnectionType `json:"connection_type"`
	Host                 string            `json:"host"`
	Port                 int               `json:"port"`
	SerialPort           string            `json:"serial_port"`
	BaudRate             int               `json:"baud_rate"`
	DataBits             int               `json:"data_bits"`
	Parity               string            `json:"parity"`
	StopBits             int               `json:"stop_bits"`
	StartMarker          string            `json:"start_marker"`
	EndMarker            string            `json:"end_marker"`
	SendingApplication   string            `json:"sending_application"`
	SendingFacility      string            `json:"sending_facility"`
	ReceivingApplication string            `json:"receiving_application"`
	ReceivingFacility    string            `json:"receiving_facility"`
	SampleIDSource       string            `json:"sample_id_source"`
	EscapeCharacter      string            `json:"escape_character"`
	AutoPost             bool              `json:"auto_post"`
	RequireVerification  bool              `json:"require_verification"`
	BidirectionalEnabled bool              `json:"bidirectional_enabled"`
	IsActive             bool              `json:"is_active"`
}

func (r *instrumentRequest) apply(inst *db.Instrument) error {
	r.Code = strings.TrimSpace(r.Code)
	if r.LabID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "lab_id is required")
	}
	if r.Code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}
	switch r.Protocol {
	case db.ProtocolHL7, db.ProtocolASTM, db.ProtocolPOCT1A, db.ProtocolCustom:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown protocol")
	}
	switch r.ConnectionType {
	case db.ConnectionTCPServer, db.ConnectionFileWatch:
	case db.ConnectionTCPClient:
		if r.Host == "" || r.Port <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "host and port are required for TCP_CLIENT")
		}
	case db.ConnectionSerial:
		if r.SerialPort == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "serial_port is required for SERIAL")
		}
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown connection_type")
	}
	if r.Port < 0 || r.Port > 65535 {
		return echo.NewHTTPError(http.StatusBadRequest, "port out of range")
	}
	switch r.SampleIDSource {
	case "", db.SampleIDFromOBR3, db.SampleIDFromOBR2, db.SampleIDFromPID3:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown sample_id_source")
	}
	if len(r.EscapeCharacter) > 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "escape_character must be a single character")
	}
	start, err := hex.DecodeString(r.StartMarker)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "start_marker must be hex")
	}
	end, err := hex.DecodeString(r.EndMarker)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "end_marker must be hex")
	}

	inst.LabID = r.LabID
	inst.Code = r.Code
	inst.Name = r.Name
	inst.Protocol = r.Protocol
	inst.ConnectionType = r.ConnectionType
	inst.Host = r.Host
	inst.Port = r.Port
	inst.SerialPort = r.SerialPort
	inst.BaudRate = r.BaudRate
	inst.DataBits = r.DataBits
	inst.Parity = r.Parity
	inst.StopBits = r.StopBits
	inst.StartMarker = start
	inst.EndMarker = end
	inst.SendingApplication = r.SendingApplication
	inst.SendingFacility = r.SendingFacility
	inst.ReceivingApplication = r.ReceivingApplication
	inst.ReceivingFacility = r.ReceivingFacility
	inst.SampleIDSource = r.SampleIDSource
	inst.EscapeCharacter = r.EscapeCharacter
	inst.AutoPost = r.AutoPost
	inst.RequireVerification = r.RequireVerification
	inst.BidirectionalEnabled = r.BidirectionalEnabled
	inst.IsActive = r.IsActive
	return nil
}

func (s *Server) handleListInstruments(c echo.Context) error {
	instruments, err := s.deps.Store.ListInstruments(c.Request().Context(), c.QueryParam("active") == "true")
	if err != nil {
		return err
	}
	if instruments == nil {
		instruments = []*db.Instrument{}
	}
	return c.JSON(http.StatusOK, instruments)
}

func (s *Server) handleGetInstrument(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	inst, err := s.deps.Store.GetInstrument(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inst)
}

func (s *Server) handleCreateInstrument(c echo.Context) error {
	var req instrumentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	inst := &db.Instrument{Status: db.InstrumentOffline}
	if err := req.apply(inst); err != nil {
		return err
	}
	if err := s.deps.Store.CreateInstrument(c.Request().Context(), inst); err != nil {
		return err
	}
	s.logger.Info("instrument created", zap.String("instrument_id", inst.ID.String()), zap.String("instrument_code", inst.Code))

	if inst.IsActive {
		s.deps.Connections.Reload(inst.ID)
	}
	return c.JSON(http.StatusCreated, inst)
}

// handleUpdateInstrument replaces the configuration and reconnects the
// instrument with it.
func (s *Server) handleUpdateInstrument(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	inst, err := s.deps.Store.GetInstrument(ctx, id)
	if err != nil {
		return err
	}
	var req instrumentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.apply(inst); err != nil {
		return err
	}
	if err := s.deps.Store.UpdateInstrument(ctx, inst); err != nil {
		return err
	}

	if inst.IsActive {
		s.deps.Connections.Reload(id)
	} else {
		s.deps.Connections.Disconnect(id)
	}
	return c.JSON(http.StatusOK, inst)
}

func (s *Server) handleDeleteInstrument(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, err := s.deps.Store.GetInstrument(ctx, id); err != nil {
		return err
	}
	if s.deps.Connections.Status(id).Connected {
		return echo.NewHTTPError(http.StatusConflict, "instrument has an open connection")
	}
	s.deps.Connections.Disconnect(id)
	if err := s.deps.Store.DeleteInstrument(ctx, id); err != nil {
		return err
	}
	s.logger.Info("instrument deleted", zap.String("instrument_id", id.String()))
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleConnectionStatus(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if _, err := s.deps.Store.GetInstrument(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.deps.Connections.Status(id))
}

func (s *Server) handleRestart(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ok, err := s.deps.Connections.Restart(c.Request().Context(), id)
	resp := map[string]interface{}{"restarted": ok}
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return err
		}
		resp["error"] = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

// handleIngest feeds one raw message, as an instrument would send it,
// through the ingestion pipeline.
func (s *Server) handleIngest(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxIngestBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	if len(raw) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "empty message")
	}
	out, err := s.deps.Ingester.IngestMessage(c.Request().Context(), id, raw)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

type orderRequest struct {
	ControlID   string `json:"control_id"`
	OrderNumber string `json:"order_number"`
	SampleID    string `json:"sample_id"`
	Priority    string `json:"priority"`
	Patient     struct {
		ID        string `json:"id"`
		LastName  string `json:"last_name"`
		FirstName string `json:"first_name"`
		BirthDate string `json:"birth_date"` // YYYY-MM-DD
		Sex       string `json:"sex"`
	} `json:"patient"`
	Tests []struct {
		Code string `json:"code"`
		Name string `json:"name"`
	} `json:"tests"`
}

func (s *Server) handleSendOrder(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body orderRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	req := hl7.OrderRequest{
		ControlID:   body.ControlID,
		OrderNumber: body.OrderNumber,
		SampleID:    body.SampleID,
		Priority:    body.Priority,
		Patient: hl7.Patient{
			ID:        body.Patient.ID,
			LastName:  body.Patient.LastName,
			FirstName: body.Patient.FirstName,
			Sex:       body.Patient.Sex,
		},
	}
	if body.Patient.BirthDate != "" {
		dob, err := time.Parse("2006-01-02", body.Patient.BirthDate)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "birth_date must be YYYY-MM-DD")
		}
		req.Patient.BirthDate = &dob
	}
	for _, t := range body.Tests {
		req.Tests = append(req.Tests, hl7.OrderedTest{Code: t.Code, Name: t.Name})
	}
	if req.SampleID == "" && req.OrderNumber == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sample_id or order_number is required")
	}

	sent, err := s.deps.Connections.SendOrder(c.Request().Context(), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"sent": sent})
}
