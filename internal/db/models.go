package db

import (
	"time"

	"github.com/google/uuid"
)

type Protocol string

const (
	ProtocolHL7    Protocol = "HL7_V2"
	ProtocolASTM   Protocol = "ASTM"
	ProtocolPOCT1A Protocol = "POCT1A"
	ProtocolCustom Protocol = "CUSTOM"
)

type ConnectionType string

const (
	ConnectionTCPServer ConnectionType = "TCP_SERVER"
	ConnectionTCPClient ConnectionType = "TCP_CLIENT"
	ConnectionSerial    ConnectionType = "SERIAL"
	ConnectionFileWatch ConnectionType = "FILE_WATCH"
)

type InstrumentStatus string

const (
	InstrumentOffline    InstrumentStatus = "OFFLINE"
	InstrumentOnline     InstrumentStatus = "ONLINE"
	InstrumentError      InstrumentStatus = "ERROR"
	InstrumentConnecting InstrumentStatus = "CONNECTING"
)

// Sample identifier sources for HL7 instruments.
const (
	SampleIDFromOBR3 = "OBR-3"
	SampleIDFromOBR2 = "OBR-2"
	SampleIDFromPID3 = "PID-3"
)

var (
	// HL7 MLLP defaults: VT ... FS CR
	DefaultHL7StartMarker = []byte{0x0B}
	DefaultHL7EndMarker   = []byte{0x1C, 0x0D}

	// ASTM transmissions run from ENQ to EOT
	DefaultASTMStartMarker = []byte{0x05}
	DefaultASTMEndMarker   = []byte{0x04}
)

type Instrument struct {
	ID                   uuid.UUID        `json:"id"`
	LabID                uuid.UUID        `json:"lab_id"`
	Code                 string           `json:"code"`
	Name                 string           `json:"name"`
	Protocol             Protocol         `json:"protocol"`
	ConnectionType       ConnectionType   `json:"connection_type"`
	Host                 string           `json:"host"`
	Port                 int              `json:"port"`
	SerialPort           string           `json:"serial_port,omitempty"`
	BaudRate             int              `json:"baud_rate,omitempty"`
	DataBits             int              `json:"data_bits,omitempty"`
	Parity               string           `json:"parity,omitempty"`
	StopBits             int              `json:"stop_bits,omitempty"`
	StartMarker          []byte           `json:"start_marker,omitempty"`
	EndMarker            []byte           `json:"end_marker,omitempty"`
	SendingApplication   string           `json:"sending_application"`
	SendingFacility      string           `json:"sending_facility"`
	ReceivingApplication string           `json:"receiving_application"`
	ReceivingFacility    string           `json:"receiving_facility"`
	SampleIDSource       string           `json:"sample_id_source,omitempty"`
	EscapeCharacter      string           `json:"escape_character,omitempty"`
	AutoPost             bool             `json:"auto_post"`
	RequireVerification  bool             `json:"require_verification"`
	BidirectionalEnabled bool             `json:"bidirectional_enabled"`
	IsActive             bool             `json:"is_active"`
	Status               InstrumentStatus `json:"status"`
	LastError            *string          `json:"last_error,omitempty"`
	LastErrorAt          *time.Time       `json:"last_error_at,omitempty"`
	LastContactAt        *time.Time       `json:"last_contact_at,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// Markers returns the frame markers for the instrument, falling back to the
// protocol defaults when none are configured.
func (i *Instrument) Markers() (start, end []byte) {
	start, end = i.StartMarker, i.EndMarker
	if len(start) == 0 {
		if i.Protocol == ProtocolASTM {
			start = DefaultASTMStartMarker
		} else {
			start = DefaultHL7StartMarker
		}
	}
	if len(end) == 0 {
		if i.Protocol == ProtocolASTM {
			end = DefaultASTMEndMarker
		} else {
			end = DefaultHL7EndMarker
		}
	}
	return start, end
}

type InstrumentTestMapping struct {
	ID                 uuid.UUID `json:"id"`
	InstrumentID       uuid.UUID `json:"instrument_id"`
	InstrumentTestCode string    `json:"instrument_test_code"`
	InstrumentTestName string    `json:"instrument_test_name,omitempty"`
	TestID             uuid.UUID `json:"test_id"`
	Multiplier         *float64  `json:"multiplier,omitempty"`
	IsActive           bool      `json:"is_active"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

type MessageStatus string

const (
	MessageReceived     MessageStatus = "RECEIVED"
	MessageProcessed    MessageStatus = "PROCESSED"
	MessageError        MessageStatus = "ERROR"
	MessageSent         MessageStatus = "SENT"
	MessageAcknowledged MessageStatus = "ACKNOWLEDGED"
)

// Terminal reports whether no further status change is allowed.
func (s MessageStatus) Terminal() bool {
	return s != MessageReceived && s != MessageSent
}

type InstrumentMessage struct {
	ID           uuid.UUID     `json:"id"`
	InstrumentID uuid.UUID     `json:"instrument_id"`
	Direction    Direction     `json:"direction"`
	MessageType  string        `json:"message_type,omitempty"`
	ControlID    string        `json:"control_id,omitempty"`
	RawMessage   string        `json:"raw_message"`
	Summary      Fields        `json:"summary,omitempty"`
	Status       MessageStatus `json:"status"`
	ErrorMessage *string       `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	ProcessedAt  *time.Time    `json:"processed_at,omitempty"`
}

// MessageUpdate carries the post-processing fields of an InstrumentMessage.
type MessageUpdate struct {
	Status      MessageStatus
	MessageType string
	ControlID   string
	Summary     Fields
	Error       string
}

type Order struct {
	ID          uuid.UUID `json:"id"`
	LabID       uuid.UUID `json:"lab_id"`
	OrderNumber string    `json:"order_number"`
	Status      string    `json:"status"`
}

const OrderCancelled = "CANCELLED"

type SampleStatus string

const (
	SampleRejected SampleStatus = "REJECTED"
)

type Sample struct {
	ID          uuid.UUID    `json:"id"`
	LabID       uuid.UUID    `json:"lab_id"`
	OrderID     uuid.UUID    `json:"order_id"`
	Barcode     string       `json:"barcode"`
	OrderNumber string       `json:"order_number"`
	Status      SampleStatus `json:"status"`
}

type Test struct {
	ID   uuid.UUID `json:"id"`
	Code string    `json:"code"`
	Name string    `json:"name"`
}

type OrderTest struct {
	ID                uuid.UUID       `json:"id"`
	OrderID           uuid.UUID       `json:"order_id"`
	SampleID          *uuid.UUID      `json:"sample_id,omitempty"`
	TestID            uuid.UUID       `json:"test_id"`
	ParentOrderTestID *uuid.UUID      `json:"parent_order_test_id,omitempty"`
	Status            OrderTestStatus `json:"status"`
	ResultValue       *float64        `json:"result_value,omitempty"`
	ResultText        *string         `json:"result_text,omitempty"`
	ResultUnit        *string         `json:"result_unit,omitempty"`
	ReferenceRange    *string         `json:"reference_range,omitempty"`
	Flag              ResultFlag      `json:"flag,omitempty"`
	Comments          *string         `json:"comments,omitempty"`
	ResultedAt        *time.Time      `json:"resulted_at,omitempty"`
	InstrumentID      *uuid.UUID      `json:"instrument_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// HasResult reports whether a value was ever written to the order test.
func (o *OrderTest) HasResult() bool {
	return o.ResultValue != nil || o.ResultText != nil
}

// ResultUpdate is the set of fields an instrument or reconciliation write
// changes on an OrderTest.
type ResultUpdate struct {
	OrderTestID    uuid.UUID
	ResultValue    *float64
	ResultText     *string
	Unit           string
	ReferenceRange string
	Flag           ResultFlag
	AppendComment  string
	ResultedAt     time.Time
	InstrumentID   *uuid.UUID
	Status         OrderTestStatus
}

type OrderTestResultHistory struct {
	ID             uuid.UUID  `json:"id"`
	OrderTestID    uuid.UUID  `json:"order_test_id"`
	InstrumentID   *uuid.UUID `json:"instrument_id,omitempty"`
	MessageID      *uuid.UUID `json:"message_id,omitempty"`
	Sequence       int        `json:"sequence"`
	ResultValue    *float64   `json:"result_value,omitempty"`
	ResultText     *string    `json:"result_text,omitempty"`
	Unit           string     `json:"unit,omitempty"`
	Flag           ResultFlag `json:"flag,omitempty"`
	ReferenceRange string     `json:"reference_range,omitempty"`
	ReceivedAt     time.Time  `json:"received_at"`
}

type UnmatchedReason string

const (
	ReasonUnorderedTest       UnmatchedReason = "UNORDERED_TEST"
	ReasonUnmatchedSample     UnmatchedReason = "UNMATCHED_SAMPLE"
	ReasonNoMapping           UnmatchedReason = "NO_MAPPING"
	ReasonInvalidSampleStatus UnmatchedReason = "INVALID_SAMPLE_STATUS"
	ReasonDuplicateResult     UnmatchedReason = "DUPLICATE_RESULT"
)

type UnmatchedStatus string

const (
	UnmatchedPending   UnmatchedStatus = "PENDING"
	UnmatchedResolved  UnmatchedStatus = "RESOLVED"
	UnmatchedDiscarded UnmatchedStatus = "DISCARDED"
)

type UnmatchedInstrumentResult struct {
	ID                  uuid.UUID       `json:"id"`
	LabID               uuid.UUID       `json:"lab_id"`
	InstrumentID        uuid.UUID       `json:"instrument_id"`
	MessageID           *uuid.UUID      `json:"message_id,omitempty"`
	SampleIdentifier    string          `json:"sample_identifier"`
	InstrumentTestCode  string          `json:"instrument_test_code"`
	InstrumentTestName  string          `json:"instrument_test_name,omitempty"`
	ResultValue         string          `json:"result_value"`
	Unit                string          `json:"unit,omitempty"`
	Flag                ResultFlag      `json:"flag,omitempty"`
	ReferenceRange      string          `json:"reference_range,omitempty"`
	ResultedAt          *time.Time      `json:"resulted_at,omitempty"`
	Reason              UnmatchedReason `json:"reason"`
	Detail              string          `json:"detail,omitempty"`
	Status              UnmatchedStatus `json:"status"`
	ResolvedBy          *string         `json:"resolved_by,omitempty"`
	ResolvedAt          *time.Time      `json:"resolved_at,omitempty"`
	ResolvedOrderTestID *uuid.UUID      `json:"resolved_order_test_id,omitempty"`
	ResolutionNotes     *string         `json:"resolution_notes,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

type UnmatchedFilter struct {
	Status       UnmatchedStatus
	InstrumentID *uuid.UUID
	Reason       UnmatchedReason
	Limit        int
	Offset       int
}

type UnmatchedStats struct {
	Total    int                     `json:"total"`
	ByStatus map[UnmatchedStatus]int `json:"by_status"`
	ByReason map[UnmatchedReason]int `json:"by_reason"`
}

type MessageFilter struct {
	InstrumentID *uuid.UUID
	Direction    Direction
	Status       MessageStatus
	Limit        int
}

// Audit actions emitted by the integration engine.
const (
	AuditResultEnter      = "RESULT_ENTER"
	AuditResultUpdate     = "RESULT_UPDATE"
	AuditUnmatchedAttach  = "UNMATCHED_ATTACH"
	AuditUnmatchedDiscard = "UNMATCHED_DISCARD"
	AuditPanelStatus      = "PANEL_STATUS"
)

type AuditEvent struct {
	ID          uuid.UUID  `json:"id"`
	Action      string     `json:"action"`
	EntityType  string     `json:"entity_type"`
	EntityID    uuid.UUID  `json:"entity_id"`
	Actor       string     `json:"actor"`
	Before      Fields     `json:"before,omitempty"`
	After       Fields     `json:"after,omitempty"`
	Metadata    Fields     `json:"metadata,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}
