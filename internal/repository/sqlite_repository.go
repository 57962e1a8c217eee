package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"card-grading-service/internal/model"
)

// SQLiteRepository stores orders, records and history in three tables.
// Every write runs in a single transaction.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const recordColumns = `id, order_id, certificate_code,
  card_name, year, set_name, card_number, variant,
  customer_name, customer_email, customer_phone,
  address_line1, address_city, address_postal, address_province, address_country,
  service_type, shipping_method, status,
  centering, surfaces, edges, corners, final_grade, front_image_url, back_image_url,
  created_at_ms, graded_at_ms, graded_by, version`

const orderColumns = `id, service_type, shipping_method, card_count, total_amount,
  payment_status, payment_reference, needs_reconciliation, reconciliation_note, created_at_ms`

func (s *SQLiteRepository) InsertOrder(ctx context.Context, order model.Order, records []model.GradingRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO orders(`+orderColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		order.ID, order.ServiceType, order.ShippingMethod, order.CardCount, order.TotalAmount,
		order.PaymentStatus, order.PaymentReference, boolToInt(order.NeedsReconciliation),
		nullString(order.ReconciliationNote), order.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err, "orders.payment_reference") {
			return 0, ErrDuplicatePayment
		}
		return 0, fmt.Errorf("insert order: %w", err)
	}

	for i, r := range records {
		if err := insertRecord(ctx, tx, r); err != nil {
			return 0, fmt.Errorf("insert record %d of %d: %w", i+1, len(records), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit order: %w", err)
	}
	return len(records), nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, r model.GradingRecord) error {
	var (
		centering, surfaces, edges, corners sql.NullFloat64
		finalGrade                          sql.NullString
		gradedAt                            sql.NullInt64
	)
	if d := r.GradingDetails; d != nil {
		centering = sql.NullFloat64{Float64: d.Centering, Valid: true}
		surfaces = sql.NullFloat64{Float64: d.Surfaces, Valid: true}
		edges = sql.NullFloat64{Float64: d.Edges, Valid: true}
		corners = sql.NullFloat64{Float64: d.Corners, Valid: true}
		finalGrade = nullString(string(d.FinalGrade))
	}
	if r.GradedAt != nil {
		gradedAt = sql.NullInt64{Int64: r.GradedAt.UTC().UnixMilli(), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
INSERT INTO grading_records(`+recordColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		r.ID, r.OrderID, nullString(r.CertificateCode),
		r.CardName, r.Year, r.SetName, nullString(r.CardNumber), nullString(r.Variant),
		r.Customer.Name, r.Customer.Email, r.Customer.Phone,
		r.Customer.Address.Line1, r.Customer.Address.City, r.Customer.Address.PostalCode,
		r.Customer.Address.Province, r.Customer.Address.Country,
		r.ServiceType, r.ShippingMethod, r.Status,
		centering, surfaces, edges, corners, finalGrade,
		nullString(r.FrontImageURL), nullString(r.BackImageURL),
		r.CreatedAt.UTC().UnixMilli(), gradedAt, nullString(r.GradedBy), r.Version,
	)
	if isUniqueViolation(err, "grading_records.certificate_code") {
		return ErrDuplicateCertificate
	}
	return err
}

func (s *SQLiteRepository) FlagOrder(ctx context.Context, orderID, note string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET needs_reconciliation = 1, reconciliation_note = ? WHERE id = ?;`,
		nullString(note), orderID,
	)
	if err != nil {
		return fmt.Errorf("flag order: %w", err)
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

func (s *SQLiteRepository) GetOrder(ctx context.Context, orderID string) (model.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?;`, orderID)
	return scanOrder(row)
}

func (s *SQLiteRepository) FindOrderByPayment(ctx context.Context, ref string) (model.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_reference = ?;`, ref)
	return scanOrder(row)
}

func (s *SQLiteRepository) ListOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at_ms, id;`)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	out := []model.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteRepository) GetRecord(ctx context.Context, id string) (model.GradingRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM grading_records WHERE id = ?;`, id)
	return scanRecord(row)
}

func (s *SQLiteRepository) GetRecordByCode(ctx context.Context, code string) (model.GradingRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM grading_records WHERE certificate_code = ?;`, code)
	return scanRecord(row)
}

func (s *SQLiteRepository) ListRecords(ctx context.Context, f RecordFilter) ([]model.GradingRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.OrderID != "" {
		where = append(where, "order_id = ?")
		args = append(args, f.OrderID)
	}
	q := `SELECT ` + recordColumns + ` FROM grading_records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at_ms, id;"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := []model.GradingRecord{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteRepository) CertificateCodes(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT certificate_code FROM grading_records WHERE certificate_code IS NOT NULL;`)
	if err != nil {
		return nil, fmt.Errorf("list certificate codes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		out[code] = struct{}{}
	}
	return out, rows.Err()
}

// CommitTransition updates the record only if its version still matches and
// inserts the history row in the same transaction.
func (s *SQLiteRepository) CommitTransition(ctx context.Context, rec model.GradingRecord, expectedVersion int64, event model.HistoryEvent) (model.GradingRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.GradingRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		centering, surfaces, edges, corners sql.NullFloat64
		finalGrade                          sql.NullString
		gradedAt                            sql.NullInt64
	)
	if d := rec.GradingDetails; d != nil {
		centering = sql.NullFloat64{Float64: d.Centering, Valid: true}
		surfaces = sql.NullFloat64{Float64: d.Surfaces, Valid: true}
		edges = sql.NullFloat64{Float64: d.Edges, Valid: true}
		corners = sql.NullFloat64{Float64: d.Corners, Valid: true}
		finalGrade = nullString(string(d.FinalGrade))
	}
	if rec.GradedAt != nil {
		gradedAt = sql.NullInt64{Int64: rec.GradedAt.UTC().UnixMilli(), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
UPDATE grading_records SET
  status = ?,
  certificate_code = COALESCE(?, certificate_code),
  centering = ?, surfaces = ?, edges = ?, corners = ?, final_grade = ?,
  front_image_url = ?, back_image_url = ?,
  graded_at_ms = ?, graded_by = ?,
  version = version + 1
WHERE id = ? AND version = ?;`,
		rec.Status, nullString(rec.CertificateCode),
		centering, surfaces, edges, corners, finalGrade,
		nullString(rec.FrontImageURL), nullString(rec.BackImageURL),
		gradedAt, nullString(rec.GradedBy),
		rec.ID, expectedVersion,
	)
	if err != nil {
		if isUniqueViolation(err, "grading_records.certificate_code") {
			return model.GradingRecord{}, ErrDuplicateCertificate
		}
		return model.GradingRecord{}, fmt.Errorf("update record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.GradingRecord{}, err
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM grading_records WHERE id = ?;`, rec.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return model.GradingRecord{}, ErrNotFound
		}
		if err != nil {
			return model.GradingRecord{}, err
		}
		return model.GradingRecord{}, ErrVersionConflict
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO history_events(id, record_id, status, changed_at_ms, changed_by, notes)
VALUES (?, ?, ?, ?, ?, ?);`,
		event.ID, event.RecordID, event.Status, event.ChangedAt.UTC().UnixMilli(),
		nullString(event.ChangedBy), nullString(event.Notes),
	); err != nil {
		return model.GradingRecord{}, fmt.Errorf("insert history event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.GradingRecord{}, fmt.Errorf("commit transition: %w", err)
	}

	out := cloneRecord(rec)
	out.Version = expectedVersion + 1
	return out, nil
}

func (s *SQLiteRepository) History(ctx context.Context, recordID string) ([]model.HistoryEvent, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM grading_records WHERE id = ?;`, recordID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.queryHistory(ctx, `WHERE record_id = ?`, recordID)
}

func (s *SQLiteRepository) AllHistory(ctx context.Context) ([]model.HistoryEvent, error) {
	return s.queryHistory(ctx, "")
}

func (s *SQLiteRepository) queryHistory(ctx context.Context, where string, args ...any) ([]model.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, record_id, status, changed_at_ms, changed_by, notes
FROM history_events `+where+`
ORDER BY changed_at_ms, id;`, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := []model.HistoryEvent{}
	for rows.Next() {
		var (
			ev        model.HistoryEvent
			changedAt int64
			by, notes sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.RecordID, &ev.Status, &changedAt, &by, &notes); err != nil {
			return nil, err
		}
		ev.ChangedAt = time.UnixMilli(changedAt).UTC()
		ev.ChangedBy = by.String
		ev.Notes = notes.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteRepository) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(sc scanner) (model.Order, error) {
	var (
		o         model.Order
		flagged   int
		note      sql.NullString
		createdAt int64
	)
	err := sc.Scan(&o.ID, &o.ServiceType, &o.ShippingMethod, &o.CardCount, &o.TotalAmount,
		&o.PaymentStatus, &o.PaymentReference, &flagged, &note, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, ErrNotFound
	}
	if err != nil {
		return model.Order{}, fmt.Errorf("scan order: %w", err)
	}
	o.NeedsReconciliation = flagged != 0
	o.ReconciliationNote = note.String
	o.CreatedAt = time.UnixMilli(createdAt).UTC()
	return o, nil
}

func scanRecord(sc scanner) (model.GradingRecord, error) {
	var (
		r                                   model.GradingRecord
		code, cardNumber, variant           sql.NullString
		centering, surfaces, edges, corners sql.NullFloat64
		finalGrade, front, back, gradedBy   sql.NullString
		createdAt                           int64
		gradedAt                            sql.NullInt64
	)
	err := sc.Scan(
		&r.ID, &r.OrderID, &code,
		&r.CardName, &r.Year, &r.SetName, &cardNumber, &variant,
		&r.Customer.Name, &r.Customer.Email, &r.Customer.Phone,
		&r.Customer.Address.Line1, &r.Customer.Address.City, &r.Customer.Address.PostalCode,
		&r.Customer.Address.Province, &r.Customer.Address.Country,
		&r.ServiceType, &r.ShippingMethod, &r.Status,
		&centering, &surfaces, &edges, &corners, &finalGrade, &front, &back,
		&createdAt, &gradedAt, &gradedBy, &r.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.GradingRecord{}, ErrNotFound
	}
	if err != nil {
		return model.GradingRecord{}, fmt.Errorf("scan record: %w", err)
	}

	r.CertificateCode = code.String
	r.CardNumber = cardNumber.String
	r.Variant = variant.String
	r.FrontImageURL = front.String
	r.BackImageURL = back.String
	r.GradedBy = gradedBy.String
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	if gradedAt.Valid {
		t := time.UnixMilli(gradedAt.Int64).UTC()
		r.GradedAt = &t
	}
	if finalGrade.Valid {
		r.GradingDetails = &model.GradingDetails{
			Centering:  centering.Float64,
			Surfaces:   surfaces.Float64,
			Edges:      edges.Float64,
			Corners:    corners.Float64,
			FinalGrade: model.Grade(finalGrade.String),
		}
	}
	return r, nil
}

func isUniqueViolation(err error, column string) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		if code != sqlite3.SQLITE_CONSTRAINT_UNIQUE && code != sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return false
		}
	} else if !strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return false
	}
	return strings.Contains(err.Error(), column)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
