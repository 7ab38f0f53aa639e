package service

import (
	"context"
	"errors"
	"testing"

	"github.com/yardworks/pipeyard/internal/core/domain"
	"github.com/yardworks/pipeyard/internal/port"
)

func TestCompleteLoad_Inbound(t *testing.T) {
	mem, w := newEnv(t, DefaultConfig())
	mem.AddLocation(linearLocation("rack-a", "100", "0"))
	submitted := driveInboundToArrived(t, w, "50", "rack-a")

	result, err := w.CompleteLoad(context.Background(), CompleteLoadCommand{
		LoadID:         submitted.LoadID,
		ActualQuantity: dec("50"),
		Actor:          admin,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(result.InventoryRecordIDs) != 1 {
		t.Fatalf("expected one inventory record, got %d", len(result.InventoryRecordIDs))
	}
	if result.Warning != nil {
		t.Errorf("unexpected warning: %v", result.Warning)
	}

	load, _ := mem.GetLoad(context.Background(), submitted.LoadID)
	if load.Status != domain.LoadStatusCompleted {
		t.Errorf("load status %s, want COMPLETED", load.Status)
	}
	if load.ActualQuantity == nil || !load.ActualQuantity.Equal(dec("50")) {
		t.Errorf("actual quantity not recorded: %v", load.ActualQuantity)
	}

	inTx(t, mem, func(tx port.Tx) {
		records, err := tx.ListInventoryByOriginLoad(context.Background(), submitted.LoadID)
		if err != nil || len(records) != 1 {
			t.Fatalf("inventory by origin load: %v (%d records)", err, len(records))
		}
		rec := records[0]
		if rec.Status != domain.InventoryInStorage || !rec.Quantity.Equal(dec("50")) || rec.LocationID != "rack-a" {
			t.Errorf("unexpected inventory record: %+v", rec)
		}
		if rec.TenantID != tenant.ID {
			t.Errorf("record tenant %s, want %s", rec.TenantID, tenant.ID)
		}
	})
	assertCapacityInvariant(t, mem)
}

func TestCompleteLoad_MismatchWarning(t *testing.T) {
	mem, w := newEnv(t, DefaultConfig())
	mem.AddLocation(linearLocation("rack-a", "100", "0"))
	submitted := driveInboundToArrived(t, w, "50", "rack-a")

	result, err := w.CompleteLoad(context.Background(), CompleteLoadCommand{
		LoadID:         submitted.LoadID,
		ActualQuantity: dec("48"),
		Actor:          admin,
	})
	if err != nil {
		t.Fatalf("short delivery must not fail: %v", err)
	}
	if result.Warning == nil {
		t.Fatal("expected a mismatch warning")
	}
	if !result.Warning.Delta.Abs().Equal(dec("2")) {
		t.Errorf("warning delta %s, want 2", result.Warning.Delta.Abs())
	}

	// The real quantity, not the plan, is what lands in inventory and on
	// the ledger: the unused 2 units of reserve are released.
	inTx(t, mem, func(tx port.Tx) {
		records, _ := tx.ListInventoryByOriginLoad(context.Background(), submitted.LoadID)
		if len(records) != 1 || !records[0].Quantity.Equal(dec("48")) {
			t.Errorf("inventory quantity should be actual (48), got %v", records)
		}
	})
	if occ := locationOccupied(t, mem, "rack-a"); !occ.Equal(dec("48")) {
		t.Errorf("occupied=%s after settlement, want 48", occ)
	}
}

func TestCompleteLoad_WithinTolerance(t *testing.T) {
	mem, w := newEnv(t, Config{MismatchTolerance: dec("2"), UtilizationWarnRatio: dec("0.9")})
	mem.AddLocation(linearLocation("rack-a", "100", "0"))
	submitted := driveInboundToArrived(t, w, "50", "rack-a")

	result, err := w.CompleteLoad(context.Background(), CompleteLoadCommand{
		LoadID:         submitted.LoadID,
		ActualQuantity: dec("48"),
		Actor:          admin,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if result.Warning != nil {
		t.Errorf("delta 2 within tolerance 2 must not warn: %v", result.Warning)
	}
}

func TestCompleteLoad_OverDelivery(t *testing.T) {
	mem, w := newEnv(t, DefaultConfig())
	mem.AddLocation(linearLocation("rack-a", "100", "0"))
	submitted := driveInboundToArrived(t, w, "50", "rack-a")

	result, err := w.CompleteLoad(context.Background(), CompleteLoadCommand{
		LoadID:         submitted.LoadID,
		ActualQuantity: dec("55"),
		Actor:          admin,
	})
	if err != nil {
		t.Fatalf("over-delivery within capacity must succeed: %v", err)
	}
	if result.Warning == nil {
		t.Error("expected a mismatch warning for over-delivery")
	}
	if occ := locationOccupied(t, mem, "rack-a"); !occ.Equal(dec("55")) {
		t.Errorf("occupied=%s, want 55", occ)
	}
	assertCapacityInvariant(t, mem)
}

func TestCompleteLoad_OverDeliveryExceedingCapacity(t *testing.T) {
	mem, w := newEnv(t, DefaultConfig())
	mem.AddLocation(linearLocation("rack-a", "100", "40"))
	submitted := driveInboundToArrived(t, w, "50", "rack-a")

	// 40 occupied + 50 reserved leaves 10 free; 65 actual needs 15 more.
	_, err := w.CompleteLoad(context.Background(), CompleteLoadCommand{
		LoadID:         submitted.LoadID,
		ActualQuantity: dec("65"),
		Actor:          admin,
	})
	var insufficient *domain.InsufficientCapacityError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCapacityError, got %v", err)
	}

	// The whole completion rolled back: load still ARRIVED, no inventory.
	load, _ := mem.GetLoad(context.Background(), submitted.LoadID)
	if load.Status != domain.LoadStatusArrived {
		t.Errorf("load status %s after aborted completion, want ARRIVED", load.Status)
	}
	if occ := locationOccupied(t, mem, "rack-a"); !occ.Equal(dec("90")) {
		t.Errorf("occupied=%s, want the reserved 90", occ)
	}
	assertCapacityInvariant(t, mem)
}

func TestCompleteLoad_FromNewFails(t *testing.T) {
	mem, w := newEnv(t, DefaultConfig())
	mem.AddLocation(linearLocation("rack-a", "100", "0"))
	submitted := mustSubmit(t, w, "10")

	_, err := w.CompleteLoad(context.Background(), CompleteLoadCommand{
		LoadID:         submitted.LoadID,
		ActualQuantity: dec("10"),
		Actor:          admin,
	})
	var transition *domain.InvalidStateTransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected InvalidStateTransitionError, got %v", err)
	}
	if transition.From != domain.LoadStatusNew || transition.To != domain.LoadStatusCompleted {
		t.Errorf("error names %s -> %s, want NEW -> COMPLETED", transition.From, transition.To)
	}
}

func TestCompleteLoad_IdempotentReplay(t *testing.T) {
	mem, w := newEnv(t, DefaultConfig())
	mem.AddLocation(linearLocation("rack-a", "100", "0"))
	submitted := driveInboundToArrived(t, w, "50", "rack-a")

	first, err := w.CompleteLoad(context.Background(), CompleteLoadCommand{
		LoadID:         submitted.LoadID,
		ActualQuantity: dec("50"),
		Actor:          admin,
	})
	if err != nil {
		t.Fatalf("first complete: %v", err)
	}
	occupiedAfterFirst := locationOccupied(t, mem, "rack-a")

	second, err := w.CompleteLoad(context.Background(), CompleteLoadCommand{
		LoadID:         submitted.LoadID,
		ActualQuantity: dec("50"),
		Actor:          admin,
	})
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if !second.Replayed {
		t.Error("second completion should be a replay")
	}
	if len(second.InventoryRecordIDs) != len(first.InventoryRecordIDs) ||
		second.InventoryRecordIDs[0] != first.InventoryRecordIDs[0] {
		t.Errorf("replay returned different inventory ids: %v vs %v",
			second.InventoryRecordIDs, first.InventoryRecordIDs)
	}
	if occ := locationOccupied(t, mem, "rack-a"); !occ.Equal(occupiedAfterFirst) {
		t.Errorf("replay mutated the ledger: %s vs %s", occ, occupiedAfterFirst)
	}
}

func TestCompleteLoad_OutboundPickup(t *testing.T) {
	mem, w := newEnv(t, DefaultConfig())
	mem.AddLocation(linearLocation("rack-a", "100", "0"))
	submitted := driveInboundToArrived(t, w, "50", "rack-a")

	if _, err := w.CompleteLoad(context.Background(), CompleteLoadCommand{
		LoadID:         submitted.LoadID,
		ActualQuantity: dec("50"),
		Actor:          admin,
	}); err != nil {
		t.Fatalf("complete inbound: %v", err)
	}

	pickup, err := w.RequestPickup(context.Background(), PickupCommand{
		RequestID: submitted.RequestID,
		Actor:     tenant,
	})
	if err != nil {
		t.Fatalf("request pickup: %v", err)
	}
	mustTransition(t, w, pickup.LoadID, domain.LoadStatusApproved)
	mustTransition(t, w, pickup.LoadID, domain.LoadStatusInTransit)
	mustTransition(t, w, pickup.LoadID, domain.LoadStatusDelivered)

	result, err := w.CompleteLoad(context.Background(), CompleteLoadCommand{
		LoadID:         pickup.LoadID,
		ActualQuantity: dec("50"),
		Actor:          admin,
	})
	if err != nil {
		t.Fatalf("complete outbound: %v", err)
	}
	if len(result.InventoryRecordIDs) != 1 {
		t.Fatalf("expected one picked-up record, got %d", len(result.InventoryRecordIDs))
	}

	if occ := locationOccupied(t, mem, "rack-a"); !occ.IsZero() {
		t.Errorf("occupied=%s after pickup, want 0", occ)
	}
	req, _ := mem.GetRequest(context.Background(), submitted.RequestID)
	if req.Status != domain.RequestStatusComplete {
		t.Errorf("request status %s, want COMPLETE", req.Status)
	}

	inTx(t, mem, func(tx port.Tx) {
		records, err := tx.ListInventoryByRemovingLoad(context.Background(), pickup.LoadID)
		if err != nil || len(records) != 1 {
			t.Fatalf("inventory by removing load: %v (%d records)", err, len(records))
		}
		rec := records[0]
		if rec.Status != domain.InventoryPickedUp {
			t.Errorf("inventory status %s, want PICKED_UP", rec.Status)
		}
		if rec.RemovedByLoadID == nil || *rec.RemovedByLoadID != pickup.LoadID {
			t.Error("removing load id not stamped")
		}
	})
	assertCapacityInvariant(t, mem)
}

func TestCompleteLoad_OutboundArriveRefused(t *testing.T) {
	mem, w := newEnv(t, DefaultConfig())
	mem.AddLocation(linearLocation("rack-a", "100", "0"))
	submitted := driveInboundToArrived(t, w, "50", "rack-a")

	if _, err := w.CompleteLoad(context.Background(), CompleteLoadCommand{
		LoadID:         submitted.LoadID,
		ActualQuantity: dec("50"),
		Actor:          admin,
	}); err != nil {
		t.Fatalf("complete inbound: %v", err)
	}
	pickup, err := w.RequestPickup(context.Background(), PickupCommand{
		RequestID: submitted.RequestID,
		Actor:     tenant,
	})
	if err != nil {
		t.Fatalf("request pickup: %v", err)
	}
	mustTransition(t, w, pickup.LoadID, domain.LoadStatusApproved)
	mustTransition(t, w, pickup.LoadID, domain.LoadStatusInTransit)

	// Only DELIVERED is legal for an outbound load in transit.
	_, err = w.TransitionLoad(context.Background(), TransitionLoadCommand{
		LoadID: pickup.LoadID,
		Target: domain.LoadStatusArrived,
		Actor:  admin,
	})
	var transition *domain.InvalidStateTransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected InvalidStateTransitionError, got %v", err)
	}
	mustTransition(t, w, pickup.LoadID, domain.LoadStatusDelivered)
}

func TestCompleteLoad_SplitAllocationSettlement(t *testing.T) {
	mem, w := newEnv(t, DefaultConfig())
	mem.AddLocation(linearLocation("rack-a", "60", "0"))
	mem.AddLocation(linearLocation("rack-b", "60", "0"))
	submitted := driveInboundToArrived(t, w, "100", "rack-a", "rack-b")

	// Approved split: 60 on rack-a, 40 on rack-b. Only 90 showed up.
	result, err := w.CompleteLoad(context.Background(), CompleteLoadCommand{
		LoadID:         submitted.LoadID,
		ActualQuantity: dec("90"),
		Actor:          admin,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(result.InventoryRecordIDs) != 2 {
		t.Fatalf("expected two inventory records, got %d", len(result.InventoryRecordIDs))
	}
	if occ := locationOccupied(t, mem, "rack-a"); !occ.Equal(dec("60")) {
		t.Errorf("rack-a occupied=%s, want 60", occ)
	}
	if occ := locationOccupied(t, mem, "rack-b"); !occ.Equal(dec("30")) {
		t.Errorf("rack-b occupied=%s, want 30 after releasing the shortfall", occ)
	}
	assertCapacityInvariant(t, mem)
}
