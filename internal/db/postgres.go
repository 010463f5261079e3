package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Schema is the DDL applied by the migrate command.
//
//go:embed schema.sql
var Schema string

// Open connects to Postgres and verifies the connection.
func Open(dsn string, maxConns, maxIdle int) (*sql.DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxConns > 0 {
		conn.SetMaxOpenConns(maxConns)
	}
	if maxIdle > 0 {
		conn.SetMaxIdleConns(maxIdle)
	}
	conn.SetConnMaxLifetime(30 * time.Minute)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return conn, nil
}

// Migrate applies Schema inside a single transaction.
func Migrate(ctx context.Context, conn *sql.DB) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return tx.Commit()
}

// queryable is satisfied by both *sql.DB and *sql.Tx.
type queryable interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStore(conn *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: conn, logger: logger.With(zap.String("component", "postgres_store"))}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func expectRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// =========== Instruments ===========

const instrumentColumns = `id, lab_id, code, name, protocol, connection_type, host, port,
	serial_port, baud_rate, data_bits, parity, stop_bits, start_marker, end_marker,
	sending_application, sending_facility, receiving_application, receiving_facility,
	sample_id_source, escape_character, auto_post, require_verification, bidirectional_enabled, is_active,
	status, last_error, last_error_at, last_contact_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanInstrument(row scanner) (*Instrument, error) {
	var i Instrument
	err := row.Scan(&i.ID, &i.LabID, &i.Code, &i.Name, &i.Protocol, &i.ConnectionType, &i.Host, &i.Port,
		&i.SerialPort, &i.BaudRate, &i.DataBits, &i.Parity, &i.StopBits, &i.StartMarker, &i.EndMarker,
		&i.SendingApplication, &i.SendingFacility, &i.ReceivingApplication, &i.ReceivingFacility,
		&i.SampleIDSource, &i.EscapeCharacter, &i.AutoPost, &i.RequireVerification, &i.BidirectionalEnabled, &i.IsActive,
		&i.Status, &i.LastError, &i.LastErrorAt, &i.LastContactAt, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *PostgresStore) GetInstrument(ctx context.Context, id uuid.UUID) (*Instrument, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instrumentColumns+` FROM instruments WHERE id = $1`, id)
	inst, err := scanInstrument(row)
	if err != nil {
		return nil, notFound(err)
	}
	return inst, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context, activeOnly bool) ([]*Instrument, error) {
	query := `SELECT ` + instrumentColumns + ` FROM instruments`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY code`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	defer rows.Close()

	var out []*Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateInstrument(ctx context.Context, inst *Instrument) error {
	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	if inst.Status == "" {
		inst.Status = InstrumentOffline
	}
	now := time.Now().UTC()
	inst.CreatedAt, inst.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `INSERT INTO instruments (`+instrumentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31)`,
		inst.ID, inst.LabID, inst.Code, inst.Name, inst.Protocol, inst.ConnectionType, inst.Host, inst.Port,
		inst.SerialPort, inst.BaudRate, inst.DataBits, inst.Parity, inst.StopBits, inst.StartMarker, inst.EndMarker,
		inst.SendingApplication, inst.SendingFacility, inst.ReceivingApplication, inst.ReceivingFacility,
		inst.SampleIDSource, inst.EscapeCharacter, inst.AutoPost, inst.RequireVerification, inst.BidirectionalEnabled, inst.IsActive,
		inst.Status, inst.LastError, inst.LastErrorAt, inst.LastContactAt, inst.CreatedAt, inst.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert instrument: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateInstrument(ctx context.Context, inst *Instrument) error {
	inst.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE instruments SET
		code = $2, name = $3, protocol = $4, connection_type = $5, host = $6, port = $7,
		serial_port = $8, baud_rate = $9, data_bits = $10, parity = $11, stop_bits = $12,
		start_marker = $13, end_marker = $14, sending_application = $15, sending_facility = $16,
		receiving_application = $17, receiving_facility = $18, sample_id_source = $19,
		escape_character = $20, auto_post = $21, require_verification = $22, bidirectional_enabled = $23,
		is_active = $24, updated_at = $25
		WHERE id = $1`,
		inst.ID, inst.Code, inst.Name, inst.Protocol, inst.ConnectionType, inst.Host, inst.Port,
		inst.SerialPort, inst.BaudRate, inst.DataBits, inst.Parity, inst.StopBits,
		inst.StartMarker, inst.EndMarker, inst.SendingApplication, inst.SendingFacility,
		inst.ReceivingApplication, inst.ReceivingFacility, inst.SampleIDSource,
		inst.EscapeCharacter, inst.AutoPost, inst.RequireVerification, inst.BidirectionalEnabled, inst.IsActive,
		inst.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return expectRow(res, err)
}

func (s *PostgresStore) DeleteInstrument(ctx context.Context, id uuid.UUID) error {
	return expectRow(s.db.ExecContext(ctx, `DELETE FROM instruments WHERE id = $1`, id))
}

func (s *PostgresStore) UpdateInstrumentStatus(ctx context.Context, id uuid.UUID, status InstrumentStatus, lastError *string, at time.Time) error {
	var res sql.Result
	var err error
	switch {
	case lastError != nil:
		res, err = s.db.ExecContext(ctx, `UPDATE instruments
			SET status = $2, last_error = $3, last_error_at = $4, updated_at = $4 WHERE id = $1`,
			id, status, *lastError, at)
	case status == InstrumentOnline:
		res, err = s.db.ExecContext(ctx, `UPDATE instruments
			SET status = $2, last_contact_at = $3, updated_at = $3 WHERE id = $1`,
			id, status, at)
	default:
		res, err = s.db.ExecContext(ctx, `UPDATE instruments SET status = $2, updated_at = $3 WHERE id = $1`,
			id, status, at)
	}
	return expectRow(res, err)
}

func (s *PostgresStore) TouchInstrumentContact(ctx context.Context, id uuid.UUID, at time.Time) error {
	return expectRow(s.db.ExecContext(ctx, `UPDATE instruments SET last_contact_at = $2 WHERE id = $1`, id, at))
}

// =========== Mappings ===========

const mappingColumns = `id, instrument_id, instrument_test_code, instrument_test_name, test_id,
	multiplier, is_active, created_at, updated_at`

func scanMapping(row scanner) (*InstrumentTestMapping, error) {
	var m InstrumentTestMapping
	if err := row.Scan(&m.ID, &m.InstrumentID, &m.InstrumentTestCode, &m.InstrumentTestName, &m.TestID,
		&m.Multiplier, &m.IsActive, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) FindActiveMapping(ctx context.Context, instrumentID uuid.UUID, code string) (*InstrumentTestMapping, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mappingColumns+` FROM instrument_test_mappings
		WHERE instrument_id = $1 AND upper(instrument_test_code) = $2 AND is_active`,
		instrumentID, strings.ToUpper(strings.TrimSpace(code)))
	m, err := scanMapping(row)
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (s *PostgresStore) GetMapping(ctx context.Context, id uuid.UUID) (*InstrumentTestMapping, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mappingColumns+` FROM instrument_test_mappings WHERE id = $1`, id)
	m, err := scanMapping(row)
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (s *PostgresStore) ListMappings(ctx context.Context, instrumentID uuid.UUID) ([]*InstrumentTestMapping, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+mappingColumns+` FROM instrument_test_mappings
		WHERE instrument_id = $1 ORDER BY instrument_test_code`, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var out []*InstrumentTestMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateMapping(ctx context.Context, m *InstrumentTestMapping) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.InstrumentTestCode = strings.ToUpper(strings.TrimSpace(m.InstrumentTestCode))
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `INSERT INTO instrument_test_mappings (`+mappingColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		m.ID, m.InstrumentID, m.InstrumentTestCode, m.InstrumentTestName, m.TestID,
		m.Multiplier, m.IsActive, m.CreatedAt, m.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert mapping: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateMapping(ctx context.Context, m *InstrumentTestMapping) error {
	m.InstrumentTestCode = strings.ToUpper(strings.TrimSpace(m.InstrumentTestCode))
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE instrument_test_mappings SET
		instrument_test_code = $2, instrument_test_name = $3, test_id = $4, multiplier = $5,
		is_active = $6, updated_at = $7
		WHERE id = $1`,
		m.ID, m.InstrumentTestCode, m.InstrumentTestName, m.TestID, m.Multiplier, m.IsActive, m.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return expectRow(res, err)
}

func (s *PostgresStore) DeleteMapping(ctx context.Context, id uuid.UUID) error {
	return expectRow(s.db.ExecContext(ctx, `DELETE FROM instrument_test_mappings WHERE id = $1`, id))
}

// =========== Messages ===========

const messageColumns = `id, instrument_id, direction, message_type, control_id, raw_message,
	summary, status, error_message, created_at, processed_at`

func scanMessage(row scanner) (*InstrumentMessage, error) {
	var m InstrumentMessage
	if err := row.Scan(&m.ID, &m.InstrumentID, &m.Direction, &m.MessageType, &m.ControlID, &m.RawMessage,
		&m.Summary, &m.Status, &m.ErrorMessage, &m.CreatedAt, &m.ProcessedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) CreateMessage(ctx context.Context, m *InstrumentMessage) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO instrument_messages (`+messageColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		m.ID, m.InstrumentID, m.Direction, m.MessageType, m.ControlID, m.RawMessage,
		m.Summary, m.Status, m.ErrorMessage, m.CreatedAt, m.ProcessedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// UpdateMessage leaves status, type and summary of terminal rows untouched
// and only appends error text to them.
func (s *PostgresStore) UpdateMessage(ctx context.Context, id uuid.UUID, u MessageUpdate, at time.Time) error {
	var errText *string
	if u.Error != "" {
		errText = &u.Error
	}
	terminal := []string{string(MessageProcessed), string(MessageError), string(MessageAcknowledged)}
	res, err := s.db.ExecContext(ctx, `UPDATE instrument_messages SET
		status        = CASE WHEN status = ANY($7::text[]) OR $2 = '' THEN status ELSE $2 END,
		message_type  = CASE WHEN status = ANY($7::text[]) OR $3 = '' THEN message_type ELSE $3 END,
		control_id    = CASE WHEN status = ANY($7::text[]) OR $4 = '' THEN control_id ELSE $4 END,
		summary       = CASE WHEN status = ANY($7::text[]) OR $5::jsonb IS NULL THEN summary ELSE $5::jsonb END,
		error_message = CASE
			WHEN $6::text IS NULL THEN error_message
			WHEN error_message IS NULL OR error_message = '' THEN $6
			ELSE error_message || '; ' || $6 END,
		processed_at  = CASE WHEN status <> ALL($7::text[]) AND $2 = ANY($7::text[]) THEN $8 ELSE processed_at END
		WHERE id = $1`,
		id, string(u.Status), u.MessageType, u.ControlID, u.Summary, errText, pq.Array(terminal), at)
	return expectRow(res, err)
}

func (s *PostgresStore) GetMessage(ctx context.Context, id uuid.UUID) (*InstrumentMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM instrument_messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, f MessageFilter) ([]*InstrumentMessage, error) {
	var where []string
	var args []any
	if f.InstrumentID != nil {
		args = append(args, *f.InstrumentID)
		where = append(where, fmt.Sprintf("instrument_id = $%d", len(args)))
	}
	if f.Direction != "" {
		args = append(args, f.Direction)
		where = append(where, fmt.Sprintf("direction = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + messageColumns + ` FROM instrument_messages`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*InstrumentMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// =========== Samples & order tests ===========

// FindSample tries sample id, then barcode, then order number. The order
// of preference is encoded in the rank column.
func (s *PostgresStore) FindSample(ctx context.Context, labID uuid.UUID, identifier string) (*Sample, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT s.id, s.lab_id, s.order_id, s.barcode, o.order_number, s.status
		FROM samples s
		JOIN orders o ON o.id = s.order_id
		WHERE s.lab_id = $1 AND o.status <> $3
		  AND (s.id::text = $2 OR s.barcode = $2 OR o.order_number = $2)
		ORDER BY CASE WHEN s.id::text = $2 THEN 0 WHEN s.barcode = $2 THEN 1 ELSE 2 END, s.created_at
		LIMIT 1`, labID, identifier, OrderCancelled)

	var smp Sample
	if err := row.Scan(&smp.ID, &smp.LabID, &smp.OrderID, &smp.Barcode, &smp.OrderNumber, &smp.Status); err != nil {
		return nil, notFound(err)
	}
	return &smp, nil
}

const orderTestColumns = `id, order_id, sample_id, test_id, parent_order_test_id, status,
	result_value, result_text, result_unit, reference_range, flag, comments, resulted_at,
	instrument_id, created_at, updated_at`

func scanOrderTest(row scanner) (*OrderTest, error) {
	var o OrderTest
	if err := row.Scan(&o.ID, &o.OrderID, &o.SampleID, &o.TestID, &o.ParentOrderTestID, &o.Status,
		&o.ResultValue, &o.ResultText, &o.ResultUnit, &o.ReferenceRange, &o.Flag, &o.Comments, &o.ResultedAt,
		&o.InstrumentID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func getOrderTest(ctx context.Context, q queryable, id uuid.UUID, lock bool) (*OrderTest, error) {
	query := `SELECT ` + orderTestColumns + ` FROM order_tests WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	ot, err := scanOrderTest(q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err)
	}
	return ot, nil
}

func listChildOrderTests(ctx context.Context, q queryable, parentID uuid.UUID) ([]*OrderTest, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+orderTestColumns+` FROM order_tests
		WHERE parent_order_test_id = $1 ORDER BY created_at`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list child order tests: %w", err)
	}
	defer rows.Close()

	var out []*OrderTest
	for rows.Next() {
		ot, err := scanOrderTest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ot)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetOrderTest(ctx context.Context, id uuid.UUID) (*OrderTest, error) {
	return getOrderTest(ctx, s.db, id, false)
}

func (s *PostgresStore) FindOrderTestForSample(ctx context.Context, sampleID, testID uuid.UUID) (*OrderTest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderTestColumns+` FROM order_tests
		WHERE sample_id = $1 AND test_id = $2 ORDER BY created_at LIMIT 1`, sampleID, testID)
	ot, err := scanOrderTest(row)
	if err != nil {
		return nil, notFound(err)
	}
	return ot, nil
}

func (s *PostgresStore) FindOrderTestForOrder(ctx context.Context, orderID, testID uuid.UUID) (*OrderTest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderTestColumns+` FROM order_tests
		WHERE order_id = $1 AND test_id = $2 ORDER BY created_at LIMIT 1`, orderID, testID)
	ot, err := scanOrderTest(row)
	if err != nil {
		return nil, notFound(err)
	}
	return ot, nil
}

func (s *PostgresStore) ListChildOrderTests(ctx context.Context, parentID uuid.UUID) ([]*OrderTest, error) {
	return listChildOrderTests(ctx, s.db, parentID)
}

func (s *PostgresStore) ListPanelParentsForSamples(ctx context.Context, sampleIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(sampleIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT parent_order_test_id FROM order_tests
		WHERE sample_id = ANY($1::uuid[]) AND parent_order_test_id IS NOT NULL
		ORDER BY parent_order_test_id`, pq.Array(uuidStrings(sampleIDs)))
	if err != nil {
		return nil, fmt.Errorf("list panel parents: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// =========== Unmatched ===========

const unmatchedColumns = `id, lab_id, instrument_id, message_id, sample_identifier, instrument_test_code,
	instrument_test_name, result_value, unit, flag, reference_range, resulted_at, reason, detail,
	status, resolved_by, resolved_at, resolved_order_test_id, resolution_notes, created_at`

func scanUnmatched(row scanner) (*UnmatchedInstrumentResult, error) {
	var u UnmatchedInstrumentResult
	if err := row.Scan(&u.ID, &u.LabID, &u.InstrumentID, &u.MessageID, &u.SampleIdentifier, &u.InstrumentTestCode,
		&u.InstrumentTestName, &u.ResultValue, &u.Unit, &u.Flag, &u.ReferenceRange, &u.ResultedAt, &u.Reason, &u.Detail,
		&u.Status, &u.ResolvedBy, &u.ResolvedAt, &u.ResolvedOrderTestID, &u.ResolutionNotes, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func getUnmatched(ctx context.Context, q queryable, id uuid.UUID, lock bool) (*UnmatchedInstrumentResult, error) {
	query := `SELECT ` + unmatchedColumns + ` FROM unmatched_instrument_results WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	u, err := scanUnmatched(q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err)
	}
	return u, nil
}

func (s *PostgresStore) CreateUnmatched(ctx context.Context, u *UnmatchedInstrumentResult) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Status == "" {
		u.Status = UnmatchedPending
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO unmatched_instrument_results (`+unmatchedColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		u.ID, u.LabID, u.InstrumentID, u.MessageID, u.SampleIdentifier, u.InstrumentTestCode,
		u.InstrumentTestName, u.ResultValue, u.Unit, u.Flag, u.ReferenceRange, u.ResultedAt, u.Reason, u.Detail,
		u.Status, u.ResolvedBy, u.ResolvedAt, u.ResolvedOrderTestID, u.ResolutionNotes, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert unmatched result: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUnmatched(ctx context.Context, id uuid.UUID) (*UnmatchedInstrumentResult, error) {
	return getUnmatched(ctx, s.db, id, false)
}

func (s *PostgresStore) ListUnmatched(ctx context.Context, f UnmatchedFilter) ([]*UnmatchedInstrumentResult, int, error) {
	var where []string
	var args []any
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.InstrumentID != nil {
		args = append(args, *f.InstrumentID)
		where = append(where, fmt.Sprintf("instrument_id = $%d", len(args)))
	}
	if f.Reason != "" {
		args = append(args, f.Reason)
		where = append(where, fmt.Sprintf("reason = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = ` WHERE ` + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM unmatched_instrument_results`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count unmatched results: %w", err)
	}

	query := `SELECT ` + unmatchedColumns + ` FROM unmatched_instrument_results` + clause + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list unmatched results: %w", err)
	}
	defer rows.Close()

	var out []*UnmatchedInstrumentResult
	for rows.Next() {
		u, err := scanUnmatched(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, u)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) UnmatchedStats(ctx context.Context) (*UnmatchedStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, reason, count(*) FROM unmatched_instrument_results
		GROUP BY status, reason`)
	if err != nil {
		return nil, fmt.Errorf("unmatched stats: %w", err)
	}
	defer rows.Close()

	st := &UnmatchedStats{
		ByStatus: make(map[UnmatchedStatus]int),
		ByReason: make(map[UnmatchedReason]int),
	}
	for rows.Next() {
		var status UnmatchedStatus
		var reason UnmatchedReason
		var n int
		if err := rows.Scan(&status, &reason, &n); err != nil {
			return nil, err
		}
		st.Total += n
		st.ByStatus[status] += n
		st.ByReason[reason] += n
	}
	return st, rows.Err()
}

// =========== Audit outbox ===========

const auditColumns = `id, action, entity_type, entity_id, actor, before_data, after_data, metadata, created_at, published_at`

func (s *PostgresStore) PendingAuditEvents(ctx context.Context, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_outbox
		WHERE published_at IS NULL ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending audit events: %w", err)
	}
	defer rows.Close()

	var out []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.Action, &e.EntityType, &e.EntityID, &e.Actor,
			&e.Before, &e.After, &e.Metadata, &e.CreatedAt, &e.PublishedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkAuditEventsPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE audit_outbox SET published_at = $2
		WHERE id = ANY($1::uuid[]) AND published_at IS NULL`, pq.Array(uuidStrings(ids)), at)
	if err != nil {
		return fmt.Errorf("mark audit events published: %w", err)
	}
	return nil
}

// =========== Transactions ===========

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetOrderTest(ctx context.Context, id uuid.UUID) (*OrderTest, error) {
	return getOrderTest(ctx, t.tx, id, true)
}

func (t *pgTx) ListChildOrderTests(ctx context.Context, parentID uuid.UUID) ([]*OrderTest, error) {
	return listChildOrderTests(ctx, t.tx, parentID)
}

func (t *pgTx) AppendResultHistory(ctx context.Context, h *OrderTestResultHistory) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO order_test_result_history
		(id, order_test_id, instrument_id, message_id, sequence, result_value, result_text, unit, flag, reference_range, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		h.ID, h.OrderTestID, h.InstrumentID, h.MessageID, h.Sequence, h.ResultValue, h.ResultText,
		h.Unit, h.Flag, h.ReferenceRange, h.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert result history: %w", err)
	}
	return nil
}

// checkStatus locks the order test and verifies the status move.
func (t *pgTx) checkStatus(ctx context.Context, id uuid.UUID, to OrderTestStatus, can func(from, to OrderTestStatus) bool) error {
	var from OrderTestStatus
	err := t.tx.QueryRowContext(ctx, `SELECT status FROM order_tests WHERE id = $1 FOR UPDATE`, id).Scan(&from)
	if err != nil {
		return notFound(err)
	}
	if !can(from, to) {
		return &TransitionError{OrderTestID: id, From: from, To: to}
	}
	return nil
}

func (t *pgTx) ApplyResult(ctx context.Context, u ResultUpdate) error {
	if err := t.checkStatus(ctx, u.OrderTestID, u.Status, CanTransition); err != nil {
		return err
	}
	var comment *string
	if u.AppendComment != "" {
		comment = &u.AppendComment
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE order_tests SET
		result_value = $2, result_text = $3, result_unit = NULLIF($4, ''), reference_range = NULLIF($5, ''),
		flag = $6,
		comments = CASE
			WHEN $7::text IS NULL THEN comments
			WHEN comments IS NULL OR comments = '' THEN $7
			ELSE comments || E'\n' || $7 END,
		resulted_at = $8, instrument_id = COALESCE($9, instrument_id), status = $10, updated_at = now()
		WHERE id = $1`,
		u.OrderTestID, u.ResultValue, u.ResultText, u.Unit, u.ReferenceRange, u.Flag, comment,
		u.ResultedAt, u.InstrumentID, u.Status)
	return expectRow(res, err)
}

func (t *pgTx) SetPanelStatus(ctx context.Context, id uuid.UUID, status OrderTestStatus, at time.Time) error {
	if err := t.checkStatus(ctx, id, status, CanRollup); err != nil {
		return err
	}
	return expectRow(t.tx.ExecContext(ctx, `UPDATE order_tests SET status = $2, updated_at = $3 WHERE id = $1`, id, status, at))
}

func (t *pgTx) GetUnmatched(ctx context.Context, id uuid.UUID) (*UnmatchedInstrumentResult, error) {
	return getUnmatched(ctx, t.tx, id, true)
}

func (t *pgTx) ResolveUnmatched(ctx context.Context, u *UnmatchedInstrumentResult) error {
	return expectRow(t.tx.ExecContext(ctx, `UPDATE unmatched_instrument_results SET
		status = $2, resolved_by = $3, resolved_at = $4, resolved_order_test_id = $5, resolution_notes = $6
		WHERE id = $1`,
		u.ID, u.Status, u.ResolvedBy, u.ResolvedAt, u.ResolvedOrderTestID, u.ResolutionNotes))
}

func (t *pgTx) AppendAuditEvent(ctx context.Context, e *AuditEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO audit_outbox (`+auditColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.Action, e.EntityType, e.EntityID, e.Actor, e.Before, e.After, e.Metadata, e.CreatedAt, e.PublishedAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
