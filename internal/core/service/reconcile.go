package service

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yardworks/pipeyard/internal/core/domain"
	"github.com/yardworks/pipeyard/internal/port"
)

type CompleteLoadCommand struct {
	LoadID string
	// ActualQuantity comes from the manifest the document-extraction
	// collaborator produced; it is what gets written, not the plan.
	ActualQuantity decimal.Decimal
	// LocationID picks the assigned location receiving the material when
	// the approval split it across several; optional when there is one.
	LocationID string
	Actor      domain.Actor
}

type CompleteLoadResult struct {
	InventoryRecordIDs []string
	Warning            *domain.ReconciliationMismatchWarning
	// Replayed is set when the load was already COMPLETED and the prior
	// inventory ids were returned without any mutation.
	Replayed bool
}

// CompleteLoad converts a physically-completed load into durable inventory
// and settles the capacity ledger, exactly once. An inbound load must be
// ARRIVED, an outbound load DELIVERED; anything else fails the transition
// check. Calling it again on a COMPLETED load is a no-op that returns the
// previously created inventory ids.
func (w *Workflow) CompleteLoad(ctx context.Context, cmd CompleteLoadCommand) (CompleteLoadResult, error) {
	var result CompleteLoadResult
	if !cmd.ActualQuantity.IsPositive() {
		return result, errNonPositiveAmount
	}

	var touched []string
	err := w.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		load, err := tx.GetLoadForUpdate(ctx, cmd.LoadID)
		if err != nil {
			return err
		}
		if load == nil {
			return &domain.NotFoundError{Entity: "load", ID: cmd.LoadID}
		}

		if load.Status == domain.LoadStatusCompleted {
			replay, err := w.replayCompletion(ctx, tx, *load)
			if err != nil {
				return err
			}
			result = replay
			return nil
		}
		if err := load.Transition(domain.LoadStatusCompleted); err != nil {
			return err
		}

		switch load.Direction {
		case domain.DirectionInbound:
			result, touched, err = w.completeInbound(ctx, tx, load, cmd)
		case domain.DirectionOutbound:
			result, touched, err = w.completeOutbound(ctx, tx, load, cmd)
		default:
			err = fmt.Errorf("load %s has unknown direction %q", load.ID, load.Direction)
		}
		return err
	})
	countOp("complete_load", err)
	if err != nil {
		return CompleteLoadResult{}, err
	}
	if result.Warning != nil {
		reconciliationMismatches.Inc()
		log.Printf("complete %s: %s", cmd.LoadID, result.Warning)
	}
	w.refreshAvailability(ctx, touched)
	return result, nil
}

// completeInbound distributes the actual quantity across the approval's
// allocations in allocator order and settles each location: unused reserve is
// released, overage is reserved subject to the usual capacity re-validation.
func (w *Workflow) completeInbound(ctx context.Context, tx port.Tx, load *domain.TruckingLoad, cmd CompleteLoadCommand) (CompleteLoadResult, []string, error) {
	var result CompleteLoadResult

	req, err := tx.GetRequestForUpdate(ctx, load.RequestID)
	if err != nil {
		return result, nil, err
	}
	if req == nil {
		return result, nil, &domain.NotFoundError{Entity: "request", ID: load.RequestID}
	}
	allocs, err := tx.GetAllocations(ctx, req.ID)
	if err != nil {
		return result, nil, err
	}
	if len(allocs) == 0 {
		return result, nil, &domain.InvalidStateError{
			Entity: "request", ID: req.ID,
			Status: "no capacity assigned", Want: "approved with assigned locations",
		}
	}
	touched := allocationLocationIDs(allocs)
	if cmd.LocationID != "" {
		// The manifest says everything landed at one location: release the
		// reserve held on the other assigned locations in full.
		target, others := splitAllocations(allocs, cmd.LocationID)
		if target == nil {
			return result, nil, &domain.InvalidLocationError{LocationID: cmd.LocationID, Reason: "not assigned to this request"}
		}
		for _, as := range others {
			if err := tx.ReleaseCapacity(ctx, as.LocationID, as.Amount); err != nil {
				return result, nil, err
			}
		}
		allocs = []domain.Allocation{*target}
	}

	now := w.now()
	remaining := cmd.ActualQuantity
	for i, as := range allocs {
		take := decimal.Min(remaining, as.Amount)
		if i == len(allocs)-1 {
			take = remaining // last leg absorbs any overage
		}
		remaining = remaining.Sub(take)

		// Settle the ledger for the planned-vs-actual delta on this leg.
		switch {
		case take.LessThan(as.Amount):
			if err := tx.ReleaseCapacity(ctx, as.LocationID, as.Amount.Sub(take)); err != nil {
				return result, nil, err
			}
		case take.GreaterThan(as.Amount):
			if err := tx.ReserveCapacity(ctx, as.LocationID, take.Sub(as.Amount)); err != nil {
				return result, nil, err
			}
		}
		if !take.IsPositive() {
			continue
		}
		rec := domain.InventoryRecord{
			ID:           uuid.New().String(),
			TenantID:     req.TenantID,
			LocationID:   as.LocationID,
			Quantity:     take,
			Status:       domain.InventoryInStorage,
			OriginLoadID: load.ID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.CreateInventory(ctx, rec); err != nil {
			return result, nil, err
		}
		result.InventoryRecordIDs = append(result.InventoryRecordIDs, rec.ID)
	}

	actual := cmd.ActualQuantity
	load.ActualQuantity = &actual
	load.UpdatedAt = now
	if err := tx.UpdateLoad(ctx, *load); err != nil {
		return result, nil, err
	}

	result.Warning = w.mismatch(load.ID, load.PlannedQuantity, actual)
	delta := actual.Sub(load.PlannedQuantity)
	if err := w.enqueue(ctx, tx, domain.LoadCompletedPayload{
		TenantID:  req.TenantID,
		RequestID: req.ID,
		LoadID:    load.ID,
		Direction: load.Direction,
		Quantity:  actual,
		Delta:     delta,
	}); err != nil {
		return result, nil, err
	}
	return result, touched, nil
}

// completeOutbound flips the request's PENDING_PICKUP inventory to PICKED_UP,
// stamps the removing load, releases the freed capacity and closes the
// request once nothing remains in the yard.
func (w *Workflow) completeOutbound(ctx context.Context, tx port.Tx, load *domain.TruckingLoad, cmd CompleteLoadCommand) (CompleteLoadResult, []string, error) {
	var result CompleteLoadResult

	req, err := tx.GetRequestForUpdate(ctx, load.RequestID)
	if err != nil {
		return result, nil, err
	}
	if req == nil {
		return result, nil, &domain.NotFoundError{Entity: "request", ID: load.RequestID}
	}

	pending, err := tx.ListInventoryByRequest(ctx, req.ID, domain.InventoryPendingPickup)
	if err != nil {
		return result, nil, err
	}
	if len(pending) == 0 {
		return result, nil, &domain.InvalidStateError{
			Entity: "load", ID: load.ID,
			Status: "no inventory pending pickup", Want: string(domain.InventoryPendingPickup),
		}
	}

	now := w.now()
	total := decimal.Zero
	var touched []string
	for _, rec := range pending {
		if cmd.LocationID != "" && rec.LocationID != cmd.LocationID {
			continue
		}
		rec.Status = domain.InventoryPickedUp
		rec.RemovedByLoadID = &load.ID
		rec.UpdatedAt = now
		if err := tx.UpdateInventory(ctx, rec); err != nil {
			return result, nil, err
		}
		if err := tx.ReleaseCapacity(ctx, rec.LocationID, rec.Quantity); err != nil {
			return result, nil, err
		}
		total = total.Add(rec.Quantity)
		touched = append(touched, rec.LocationID)
		result.InventoryRecordIDs = append(result.InventoryRecordIDs, rec.ID)
	}
	if len(result.InventoryRecordIDs) == 0 {
		return result, nil, &domain.InvalidLocationError{LocationID: cmd.LocationID, Reason: "no pending inventory at this location"}
	}

	actual := cmd.ActualQuantity
	load.ActualQuantity = &actual
	load.UpdatedAt = now
	if err := tx.UpdateLoad(ctx, *load); err != nil {
		return result, nil, err
	}

	// The request closes once the yard holds nothing for it.
	left, err := tx.ListInventoryByRequest(ctx, req.ID, domain.InventoryInStorage, domain.InventoryPendingPickup)
	if err != nil {
		return result, nil, err
	}
	if len(left) == 0 && req.Status == domain.RequestStatusPickupRequested {
		req.Status = domain.RequestStatusComplete
		req.UpdatedAt = now
		if err := tx.UpdateRequest(ctx, *req); err != nil {
			return result, nil, err
		}
	}

	result.Warning = w.mismatch(load.ID, total, actual)
	if err := w.enqueue(ctx, tx, domain.LoadCompletedPayload{
		TenantID:  req.TenantID,
		RequestID: req.ID,
		LoadID:    load.ID,
		Direction: load.Direction,
		Quantity:  actual,
		Delta:     actual.Sub(total),
	}); err != nil {
		return result, nil, err
	}
	return result, touched, nil
}

// replayCompletion returns the inventory created by an earlier completion of
// the same load, performing no ledger mutation.
func (w *Workflow) replayCompletion(ctx context.Context, tx port.Tx, load domain.TruckingLoad) (CompleteLoadResult, error) {
	var (
		records []domain.InventoryRecord
		err     error
	)
	switch load.Direction {
	case domain.DirectionInbound:
		records, err = tx.ListInventoryByOriginLoad(ctx, load.ID)
	case domain.DirectionOutbound:
		records, err = tx.ListInventoryByRemovingLoad(ctx, load.ID)
	}
	if err != nil {
		return CompleteLoadResult{}, err
	}
	result := CompleteLoadResult{Replayed: true}
	for _, rec := range records {
		result.InventoryRecordIDs = append(result.InventoryRecordIDs, rec.ID)
	}
	return result, nil
}

func (w *Workflow) mismatch(loadID string, planned, actual decimal.Decimal) *domain.ReconciliationMismatchWarning {
	delta := actual.Sub(planned)
	if delta.Abs().LessThanOrEqual(w.cfg.MismatchTolerance) {
		return nil
	}
	return &domain.ReconciliationMismatchWarning{
		LoadID:  loadID,
		Planned: planned,
		Actual:  actual,
		Delta:   delta,
	}
}

func splitAllocations(allocs []domain.Allocation, locationID string) (*domain.Allocation, []domain.Allocation) {
	var target *domain.Allocation
	var others []domain.Allocation
	for i := range allocs {
		if allocs[i].LocationID == locationID {
			target = &allocs[i]
		} else {
			others = append(others, allocs[i])
		}
	}
	return target, others
}
