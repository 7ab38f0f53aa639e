package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"github.com/yardworks/pipeyard/internal/core/domain"
	"github.com/yardworks/pipeyard/internal/port"
)

const mysqlDuplicateEntry = 1062

// MySQLStore is the authoritative store. All multi-row operations run inside
// one sql.Tx; reservation is a conditional UPDATE whose rows-affected count
// is the success signal, so capacity is re-validated at the moment of write
// no matter what the caller saw earlier.
type MySQLStore struct {
	db *sql.DB
}

func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

func (s *MySQLStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &mysqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type mysqlTx struct {
	tx *sql.Tx
}

const locationColumns = `id, name, mode, capacity, occupied, version, created_at, updated_at`

func scanLocation(row interface{ Scan(...any) error }) (domain.StorageLocation, error) {
	var loc domain.StorageLocation
	err := row.Scan(&loc.ID, &loc.Name, &loc.Mode, &loc.Capacity, &loc.Occupied,
		&loc.Version, &loc.CreatedAt, &loc.UpdatedAt)
	return loc, err
}

func (t *mysqlTx) GetLocationsForUpdate(ctx context.Context, ids []string) ([]domain.StorageLocation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + locationColumns + ` FROM storage_locations WHERE id IN (` +
		placeholders(len(ids)) + `) ORDER BY id FOR UPDATE`
	rows, err := t.tx.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("lock locations: %w", err)
	}
	defer rows.Close()

	var locations []domain.StorageLocation
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}

func (t *mysqlTx) ReserveCapacity(ctx context.Context, locationID string, amount decimal.Decimal) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE storage_locations
		SET occupied = occupied + ?, version = version + 1, updated_at = NOW(6)
		WHERE id = ? AND occupied + ? <= capacity`,
		amount, locationID, amount,
	)
	if err != nil {
		return fmt.Errorf("reserve capacity: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 1 {
		return nil
	}

	// Distinguish an unknown location from a genuine shortfall, reporting
	// the availability visible to this transaction.
	row := t.tx.QueryRowContext(ctx,
		`SELECT capacity - occupied FROM storage_locations WHERE id = ? FOR UPDATE`, locationID)
	var available decimal.Decimal
	switch err := row.Scan(&available); {
	case errors.Is(err, sql.ErrNoRows):
		return &domain.InvalidLocationError{LocationID: locationID}
	case err != nil:
		return fmt.Errorf("read availability: %w", err)
	}
	return &domain.InsufficientCapacityError{LocationID: locationID, Required: amount, Available: available}
}

func (t *mysqlTx) ReleaseCapacity(ctx context.Context, locationID string, amount decimal.Decimal) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE storage_locations
		SET occupied = occupied - ?, version = version + 1, updated_at = NOW(6)
		WHERE id = ? AND occupied >= ?`,
		amount, locationID, amount,
	)
	if err != nil {
		return fmt.Errorf("release capacity: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("release %s on %s would drop occupied below zero", amount, locationID)
	}
	return nil
}

const requestColumns = `id, tenant_id, quantity, status, approved_by, approved_at, notes, created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (domain.StorageRequest, error) {
	var req domain.StorageRequest
	var approvedBy sql.NullString
	var approvedAt sql.NullTime
	err := row.Scan(&req.ID, &req.TenantID, &req.Quantity, &req.Status,
		&approvedBy, &approvedAt, &req.Notes, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return req, err
	}
	req.ApprovedBy = approvedBy.String
	if approvedAt.Valid {
		at := approvedAt.Time
		req.ApprovedAt = &at
	}
	return req, nil
}

func (t *mysqlTx) CreateRequest(ctx context.Context, req domain.StorageRequest) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO storage_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.TenantID, req.Quantity, req.Status,
		nullString(req.ApprovedBy), req.ApprovedAt, req.Notes, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (t *mysqlTx) GetRequestForUpdate(ctx context.Context, id string) (*domain.StorageRequest, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM storage_requests WHERE id = ? FOR UPDATE`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query request: %w", err)
	}
	return &req, nil
}

func (t *mysqlTx) UpdateRequest(ctx context.Context, req domain.StorageRequest) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE storage_requests
		SET quantity = ?, status = ?, approved_by = ?, approved_at = ?, notes = ?, updated_at = ?
		WHERE id = ?`,
		req.Quantity, req.Status, nullString(req.ApprovedBy), req.ApprovedAt,
		req.Notes, req.UpdatedAt, req.ID,
	)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	return nil
}

func (t *mysqlTx) SaveAllocations(ctx context.Context, requestID string, allocs []domain.Allocation) error {
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM request_allocations WHERE request_id = ?`, requestID); err != nil {
		return fmt.Errorf("clear allocations: %w", err)
	}
	for i, as := range allocs {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO request_allocations (request_id, location_id, amount, position)
			VALUES (?, ?, ?, ?)`,
			requestID, as.LocationID, as.Amount, i,
		); err != nil {
			return fmt.Errorf("insert allocation: %w", err)
		}
	}
	return nil
}

func (t *mysqlTx) GetAllocations(ctx context.Context, requestID string) ([]domain.Allocation, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT location_id, amount FROM request_allocations
		WHERE request_id = ? ORDER BY position`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	var allocs []domain.Allocation
	for rows.Next() {
		var as domain.Allocation
		if err := rows.Scan(&as.LocationID, &as.Amount); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		allocs = append(allocs, as)
	}
	return allocs, rows.Err()
}

const loadColumns = `id, request_id, direction, sequence, status, planned_quantity, actual_quantity, created_at, updated_at`

func scanLoad(row interface{ Scan(...any) error }) (domain.TruckingLoad, error) {
	var load domain.TruckingLoad
	var actual decimal.NullDecimal
	err := row.Scan(&load.ID, &load.RequestID, &load.Direction, &load.Sequence,
		&load.Status, &load.PlannedQuantity, &actual, &load.CreatedAt, &load.UpdatedAt)
	if err != nil {
		return load, err
	}
	if actual.Valid {
		load.ActualQuantity = &actual.Decimal
	}
	return load, nil
}

func (t *mysqlTx) CreateLoad(ctx context.Context, load domain.TruckingLoad) (domain.TruckingLoad, error) {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO trucking_loads (`+loadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		load.ID, load.RequestID, load.Direction, load.Sequence, load.Status,
		load.PlannedQuantity, nullDecimal(load.ActualQuantity), load.CreatedAt, load.UpdatedAt,
	)
	if err == nil {
		return load, nil
	}
	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) || mysqlErr.Number != mysqlDuplicateEntry {
		return load, fmt.Errorf("insert load: %w", err)
	}

	// (request, direction, sequence) already exists: a retried create
	// resolves to the existing load.
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+loadColumns+` FROM trucking_loads
		WHERE request_id = ? AND direction = ? AND sequence = ? FOR UPDATE`,
		load.RequestID, load.Direction, load.Sequence)
	existing, err := scanLoad(row)
	if err != nil {
		return load, fmt.Errorf("fetch existing load: %w", err)
	}
	return existing, nil
}

func (t *mysqlTx) GetLoadForUpdate(ctx context.Context, id string) (*domain.TruckingLoad, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+loadColumns+` FROM trucking_loads WHERE id = ? FOR UPDATE`, id)
	load, err := scanLoad(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query load: %w", err)
	}
	return &load, nil
}

func (t *mysqlTx) ListLoadsByRequest(ctx context.Context, requestID string) ([]domain.TruckingLoad, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+loadColumns+` FROM trucking_loads
		WHERE request_id = ? ORDER BY direction, sequence FOR UPDATE`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query loads: %w", err)
	}
	defer rows.Close()

	var loads []domain.TruckingLoad
	for rows.Next() {
		load, err := scanLoad(rows)
		if err != nil {
			return nil, fmt.Errorf("scan load: %w", err)
		}
		loads = append(loads, load)
	}
	return loads, rows.Err()
}

func (t *mysqlTx) UpdateLoad(ctx context.Context, load domain.TruckingLoad) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE trucking_loads
		SET status = ?, planned_quantity = ?, actual_quantity = ?, updated_at = ?
		WHERE id = ?`,
		load.Status, load.PlannedQuantity, nullDecimal(load.ActualQuantity),
		load.UpdatedAt, load.ID,
	)
	if err != nil {
		return fmt.Errorf("update load: %w", err)
	}
	return nil
}

const inventoryColumns = `id, tenant_id, location_id, quantity, status, origin_load_id, removed_by_load_id, created_at, updated_at`

func scanInventory(row interface{ Scan(...any) error }) (domain.InventoryRecord, error) {
	var rec domain.InventoryRecord
	var removedBy sql.NullString
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.LocationID, &rec.Quantity,
		&rec.Status, &rec.OriginLoadID, &removedBy, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return rec, err
	}
	if removedBy.Valid {
		id := removedBy.String
		rec.RemovedByLoadID = &id
	}
	return rec, nil
}

func (t *mysqlTx) CreateInventory(ctx context.Context, rec domain.InventoryRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory_records (`+inventoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TenantID, rec.LocationID, rec.Quantity, rec.Status,
		rec.OriginLoadID, rec.RemovedByLoadID, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert inventory: %w", err)
	}
	return nil
}

func (t *mysqlTx) UpdateInventory(ctx context.Context, rec domain.InventoryRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE inventory_records
		SET status = ?, removed_by_load_id = ?, updated_at = ?
		WHERE id = ?`,
		rec.Status, rec.RemovedByLoadID, rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update inventory: %w", err)
	}
	return nil
}

func (t *mysqlTx) listInventory(ctx context.Context, where string, args ...any) ([]domain.InventoryRecord, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+inventoryColumns+` FROM inventory_records `+where+` ORDER BY created_at, id FOR UPDATE`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}
	defer rows.Close()

	var records []domain.InventoryRecord
	for rows.Next() {
		rec, err := scanInventory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inventory: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (t *mysqlTx) ListInventoryByOriginLoad(ctx context.Context, loadID string) ([]domain.InventoryRecord, error) {
	return t.listInventory(ctx, `WHERE origin_load_id = ?`, loadID)
}

func (t *mysqlTx) ListInventoryByRemovingLoad(ctx context.Context, loadID string) ([]domain.InventoryRecord, error) {
	return t.listInventory(ctx, `WHERE removed_by_load_id = ?`, loadID)
}

func (t *mysqlTx) ListInventoryByRequest(ctx context.Context, requestID string, statuses ...domain.InventoryStatus) ([]domain.InventoryRecord, error) {
	where := `WHERE origin_load_id IN (SELECT id FROM trucking_loads WHERE request_id = ?)`
	args := []any{requestID}
	if len(statuses) > 0 {
		where += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	return t.listInventory(ctx, where, args...)
}

func (t *mysqlTx) AppendNotification(ctx context.Context, n domain.NotificationRecord) error {
	payload, err := domain.EncodePayload(n.Payload)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO notifications (id, type, payload, processed, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		n.ID, n.Type, payload, n.Processed, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *MySQLStore) GetRequest(ctx context.Context, id string) (*domain.StorageRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM storage_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query request: %w", err)
	}
	return &req, nil
}

func (s *MySQLStore) GetLoad(ctx context.Context, id string) (*domain.TruckingLoad, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+loadColumns+` FROM trucking_loads WHERE id = ?`, id)
	load, err := scanLoad(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query load: %w", err)
	}
	return &load, nil
}

func (s *MySQLStore) GetLocation(ctx context.Context, id string) (*domain.StorageLocation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+locationColumns+` FROM storage_locations WHERE id = ?`, id)
	loc, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query location: %w", err)
	}
	return &loc, nil
}

func (s *MySQLStore) ListLocations(ctx context.Context) ([]domain.StorageLocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+locationColumns+` FROM storage_locations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query locations: %w", err)
	}
	defer rows.Close()

	var locations []domain.StorageLocation
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}

func (s *MySQLStore) ListUnprocessedNotifications(ctx context.Context, limit int) ([]domain.NotificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, payload, processed, created_at FROM notifications
		WHERE processed = 0 ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var records []domain.NotificationRecord
	for rows.Next() {
		var n domain.NotificationRecord
		var raw []byte
		if err := rows.Scan(&n.ID, &n.Type, &raw, &n.Processed, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		payload, err := domain.DecodePayload(n.Type, raw)
		if err != nil {
			return nil, err
		}
		n.Payload = payload
		records = append(records, n)
	}
	return records, rows.Err()
}

func (s *MySQLStore) MarkNotificationProcessed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET processed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark notification: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
