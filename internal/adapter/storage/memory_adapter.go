package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/yardworks/pipeyard/internal/core/domain"
	"github.com/yardworks/pipeyard/internal/port"
)

// Memory is an in-process Store and CacheRepository with the same visible
// semantics as the MySQL adapter: WithinTx serializes writers the way row
// locks do and rolls the whole state back on error. It backs the unit tests
// and the loadgen tool; production uses MySQL.
type Memory struct {
	mu sync.Mutex

	locations     map[string]domain.StorageLocation
	requests      map[string]domain.StorageRequest
	allocations   map[string][]domain.Allocation
	loads         map[string]domain.TruckingLoad
	loadKeys      map[string]string // "request/direction/sequence" -> load id
	inventory     map[string]domain.InventoryRecord
	notifications []domain.NotificationRecord

	idempotency  map[string]bool
	availability map[string]decimal.Decimal
}

func NewMemory() *Memory {
	return &Memory{
		locations:    make(map[string]domain.StorageLocation),
		requests:     make(map[string]domain.StorageRequest),
		allocations:  make(map[string][]domain.Allocation),
		loads:        make(map[string]domain.TruckingLoad),
		loadKeys:     make(map[string]string),
		inventory:    make(map[string]domain.InventoryRecord),
		idempotency:  make(map[string]bool),
		availability: make(map[string]decimal.Decimal),
	}
}

// AddLocation seeds a location. Test and tool setup only.
func (m *Memory) AddLocation(loc domain.StorageLocation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[loc.ID] = loc
}

func (m *Memory) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.clone()
	if err := fn(ctx, &memoryTx{m: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memoryState struct {
	locations     map[string]domain.StorageLocation
	requests      map[string]domain.StorageRequest
	allocations   map[string][]domain.Allocation
	loads         map[string]domain.TruckingLoad
	loadKeys      map[string]string
	inventory     map[string]domain.InventoryRecord
	notifications []domain.NotificationRecord
}

func (m *Memory) clone() memoryState {
	st := memoryState{
		locations:     make(map[string]domain.StorageLocation, len(m.locations)),
		requests:      make(map[string]domain.StorageRequest, len(m.requests)),
		allocations:   make(map[string][]domain.Allocation, len(m.allocations)),
		loads:         make(map[string]domain.TruckingLoad, len(m.loads)),
		loadKeys:      make(map[string]string, len(m.loadKeys)),
		inventory:     make(map[string]domain.InventoryRecord, len(m.inventory)),
		notifications: append([]domain.NotificationRecord(nil), m.notifications...),
	}
	for k, v := range m.locations {
		st.locations[k] = v
	}
	for k, v := range m.requests {
		st.requests[k] = v
	}
	for k, v := range m.allocations {
		st.allocations[k] = append([]domain.Allocation(nil), v...)
	}
	for k, v := range m.loads {
		st.loads[k] = v
	}
	for k, v := range m.loadKeys {
		st.loadKeys[k] = v
	}
	for k, v := range m.inventory {
		st.inventory[k] = v
	}
	return st
}

func (m *Memory) restore(st memoryState) {
	m.locations = st.locations
	m.requests = st.requests
	m.allocations = st.allocations
	m.loads = st.loads
	m.loadKeys = st.loadKeys
	m.inventory = st.inventory
	m.notifications = st.notifications
}

type memoryTx struct {
	m *Memory
}

func loadKey(requestID string, direction domain.LoadDirection, sequence int) string {
	return fmt.Sprintf("%s/%s/%d", requestID, direction, sequence)
}

func (t *memoryTx) GetLocationsForUpdate(ctx context.Context, ids []string) ([]domain.StorageLocation, error) {
	var out []domain.StorageLocation
	for _, id := range ids {
		if loc, ok := t.m.locations[id]; ok {
			out = append(out, loc)
		}
	}
	return out, nil
}

func (t *memoryTx) ReserveCapacity(ctx context.Context, locationID string, amount decimal.Decimal) error {
	loc, ok := t.m.locations[locationID]
	if !ok {
		return &domain.InvalidLocationError{LocationID: locationID}
	}
	if loc.Occupied.Add(amount).GreaterThan(loc.Capacity) {
		return &domain.InsufficientCapacityError{
			LocationID: locationID, Required: amount, Available: loc.Available(),
		}
	}
	loc.Occupied = loc.Occupied.Add(amount)
	loc.Version++
	t.m.locations[locationID] = loc
	return nil
}

func (t *memoryTx) ReleaseCapacity(ctx context.Context, locationID string, amount decimal.Decimal) error {
	loc, ok := t.m.locations[locationID]
	if !ok {
		return &domain.InvalidLocationError{LocationID: locationID}
	}
	if loc.Occupied.LessThan(amount) {
		return fmt.Errorf("release %s on %s would drop occupied below zero", amount, locationID)
	}
	loc.Occupied = loc.Occupied.Sub(amount)
	loc.Version++
	t.m.locations[locationID] = loc
	return nil
}

func (t *memoryTx) CreateRequest(ctx context.Context, req domain.StorageRequest) error {
	if _, exists := t.m.requests[req.ID]; exists {
		return fmt.Errorf("request %s already exists", req.ID)
	}
	t.m.requests[req.ID] = req
	return nil
}

func (t *memoryTx) GetRequestForUpdate(ctx context.Context, id string) (*domain.StorageRequest, error) {
	req, ok := t.m.requests[id]
	if !ok {
		return nil, nil
	}
	return &req, nil
}

func (t *memoryTx) UpdateRequest(ctx context.Context, req domain.StorageRequest) error {
	if _, ok := t.m.requests[req.ID]; !ok {
		return fmt.Errorf("request %s does not exist", req.ID)
	}
	t.m.requests[req.ID] = req
	return nil
}

func (t *memoryTx) SaveAllocations(ctx context.Context, requestID string, allocs []domain.Allocation) error {
	t.m.allocations[requestID] = append([]domain.Allocation(nil), allocs...)
	return nil
}

func (t *memoryTx) GetAllocations(ctx context.Context, requestID string) ([]domain.Allocation, error) {
	return append([]domain.Allocation(nil), t.m.allocations[requestID]...), nil
}

func (t *memoryTx) CreateLoad(ctx context.Context, load domain.TruckingLoad) (domain.TruckingLoad, error) {
	key := loadKey(load.RequestID, load.Direction, load.Sequence)
	if existingID, ok := t.m.loadKeys[key]; ok {
		return t.m.loads[existingID], nil
	}
	t.m.loads[load.ID] = load
	t.m.loadKeys[key] = load.ID
	return load, nil
}

func (t *memoryTx) GetLoadForUpdate(ctx context.Context, id string) (*domain.TruckingLoad, error) {
	load, ok := t.m.loads[id]
	if !ok {
		return nil, nil
	}
	return &load, nil
}

func (t *memoryTx) ListLoadsByRequest(ctx context.Context, requestID string) ([]domain.TruckingLoad, error) {
	var out []domain.TruckingLoad
	for _, load := range t.m.loads {
		if load.RequestID == requestID {
			out = append(out, load)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Direction != out[j].Direction {
			return out[i].Direction < out[j].Direction
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func (t *memoryTx) UpdateLoad(ctx context.Context, load domain.TruckingLoad) error {
	if _, ok := t.m.loads[load.ID]; !ok {
		return fmt.Errorf("load %s does not exist", load.ID)
	}
	t.m.loads[load.ID] = load
	return nil
}

func (t *memoryTx) CreateInventory(ctx context.Context, rec domain.InventoryRecord) error {
	if _, exists := t.m.inventory[rec.ID]; exists {
		return fmt.Errorf("inventory record %s already exists", rec.ID)
	}
	t.m.inventory[rec.ID] = rec
	return nil
}

func (t *memoryTx) UpdateInventory(ctx context.Context, rec domain.InventoryRecord) error {
	if _, ok := t.m.inventory[rec.ID]; !ok {
		return fmt.Errorf("inventory record %s does not exist", rec.ID)
	}
	t.m.inventory[rec.ID] = rec
	return nil
}

func (t *memoryTx) listInventory(match func(domain.InventoryRecord) bool) []domain.InventoryRecord {
	var out []domain.InventoryRecord
	for _, rec := range t.m.inventory {
		if match(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *memoryTx) ListInventoryByOriginLoad(ctx context.Context, loadID string) ([]domain.InventoryRecord, error) {
	return t.listInventory(func(rec domain.InventoryRecord) bool {
		return rec.OriginLoadID == loadID
	}), nil
}

func (t *memoryTx) ListInventoryByRemovingLoad(ctx context.Context, loadID string) ([]domain.InventoryRecord, error) {
	return t.listInventory(func(rec domain.InventoryRecord) bool {
		return rec.RemovedByLoadID != nil && *rec.RemovedByLoadID == loadID
	}), nil
}

func (t *memoryTx) ListInventoryByRequest(ctx context.Context, requestID string, statuses ...domain.InventoryStatus) ([]domain.InventoryRecord, error) {
	wanted := make(map[domain.InventoryStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}
	return t.listInventory(func(rec domain.InventoryRecord) bool {
		load, ok := t.m.loads[rec.OriginLoadID]
		if !ok || load.RequestID != requestID {
			return false
		}
		return len(wanted) == 0 || wanted[rec.Status]
	}), nil
}

func (t *memoryTx) AppendNotification(ctx context.Context, n domain.NotificationRecord) error {
	t.m.notifications = append(t.m.notifications, n)
	return nil
}

func (m *Memory) GetRequest(ctx context.Context, id string) (*domain.StorageRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, nil
	}
	return &req, nil
}

func (m *Memory) GetLoad(ctx context.Context, id string) (*domain.TruckingLoad, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	load, ok := m.loads[id]
	if !ok {
		return nil, nil
	}
	return &load, nil
}

func (m *Memory) GetLocation(ctx context.Context, id string) (*domain.StorageLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.locations[id]
	if !ok {
		return nil, nil
	}
	return &loc, nil
}

func (m *Memory) ListLocations(ctx context.Context) ([]domain.StorageLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.StorageLocation, 0, len(m.locations))
	for _, loc := range m.locations {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListUnprocessedNotifications(ctx context.Context, limit int) ([]domain.NotificationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.NotificationRecord
	for _, n := range m.notifications {
		if n.Processed {
			continue
		}
		out = append(out, n)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkNotificationProcessed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.notifications {
		if m.notifications[i].ID == id {
			m.notifications[i].Processed = true
			return nil
		}
	}
	return fmt.Errorf("notification %s does not exist", id)
}

func (m *Memory) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.idempotency[key] {
		return false, nil
	}
	m.idempotency[key] = true
	return true, nil
}

func (m *Memory) SetAvailability(ctx context.Context, locationID string, available decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.availability[locationID] = available
	return nil
}

func (m *Memory) GetAvailability(ctx context.Context, locationID string) (decimal.Decimal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.availability[locationID]
	return value, ok, nil
}
