package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/yardworks/pipeyard/internal/adapter/storage"
	"github.com/yardworks/pipeyard/internal/core/domain"
	"github.com/yardworks/pipeyard/internal/port"
)

var (
	admin  = domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}
	tenant = domain.Actor{ID: "tenant-1", Role: domain.RoleTenant}
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newEnv(t *testing.T, cfg Config) (*storage.Memory, *Workflow) {
	t.Helper()
	mem := storage.NewMemory()
	return mem, NewWorkflow(mem, mem, cfg)
}

func linearLocation(id, capacity, occupied string) domain.StorageLocation {
	return domain.StorageLocation{
		ID:       id,
		Mode:     domain.ModeLinear,
		Capacity: dec(capacity),
		Occupied: dec(occupied),
	}
}

func slotLocation(id string, occupied bool) domain.StorageLocation {
	occ := decimal.Zero
	if occupied {
		occ = decimal.NewFromInt(1)
	}
	return domain.StorageLocation{
		ID:       id,
		Mode:     domain.ModeSlot,
		Capacity: decimal.NewFromInt(1),
		Occupied: occ,
	}
}

func mustSubmit(t *testing.T, w *Workflow, quantity string) SubmitRequestResult {
	t.Helper()
	result, err := w.SubmitRequest(context.Background(), SubmitRequestCommand{
		TenantID: tenant.ID,
		Quantity: dec(quantity),
		Actor:    tenant,
	})
	if err != nil {
		t.Fatalf("submit request: %v", err)
	}
	return result
}

func mustApprove(t *testing.T, w *Workflow, requestID string, quantity string, locationIDs ...string) ApprovalResult {
	t.Helper()
	result, err := w.Approve(context.Background(), ApproveCommand{
		RequestID:   requestID,
		LocationIDs: locationIDs,
		Quantity:    dec(quantity),
		Actor:       admin,
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return result
}

func mustTransition(t *testing.T, w *Workflow, loadID string, target domain.LoadStatus) {
	t.Helper()
	if _, err := w.TransitionLoad(context.Background(), TransitionLoadCommand{
		LoadID: loadID,
		Target: target,
		Actor:  admin,
	}); err != nil {
		t.Fatalf("transition to %s: %v", target, err)
	}
}

// driveInboundToArrived submits, approves against the given locations and
// walks the inbound load to ARRIVED.
func driveInboundToArrived(t *testing.T, w *Workflow, quantity string, locationIDs ...string) SubmitRequestResult {
	t.Helper()
	submitted := mustSubmit(t, w, quantity)
	mustApprove(t, w, submitted.RequestID, quantity, locationIDs...)
	mustTransition(t, w, submitted.LoadID, domain.LoadStatusInTransit)
	mustTransition(t, w, submitted.LoadID, domain.LoadStatusArrived)
	return submitted
}

// inTx runs read-only assertions against the store's transactional view.
func inTx(t *testing.T, mem *storage.Memory, fn func(tx port.Tx)) {
	t.Helper()
	err := mem.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		fn(tx)
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func assertCapacityInvariant(t *testing.T, mem *storage.Memory) {
	t.Helper()
	locations, err := mem.ListLocations(context.Background())
	if err != nil {
		t.Fatalf("list locations: %v", err)
	}
	for _, loc := range locations {
		if loc.Occupied.IsNegative() || loc.Occupied.GreaterThan(loc.Capacity) {
			t.Errorf("location %s violates 0 <= occupied <= capacity: occupied=%s capacity=%s",
				loc.ID, loc.Occupied, loc.Capacity)
		}
	}
}

func locationOccupied(t *testing.T, mem *storage.Memory, id string) decimal.Decimal {
	t.Helper()
	loc, err := mem.GetLocation(context.Background(), id)
	if err != nil || loc == nil {
		t.Fatalf("get location %s: %v", id, err)
	}
	return loc.Occupied
}
