package service

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/yardworks/pipeyard/internal/core/domain"
	"github.com/yardworks/pipeyard/internal/port"
)

var one = decimal.NewFromInt(1)

// Allocator validates a required quantity against candidate locations and
// computes a deterministic greedy split, reserving each leg on the ledger.
type Allocator struct {
	// WarnRatio is the utilization above which a location is flagged on
	// the result. Flagging never blocks the allocation.
	WarnRatio decimal.Decimal
}

type AllocationResult struct {
	Assignments []domain.Allocation
	// HighUtilization lists locations whose post-reservation utilization
	// exceeds WarnRatio.
	HighUtilization []string
}

// Allocate runs inside the caller's transaction: the fetch locks the
// candidate rows, and every reservation re-validates at write time, so a
// failure anywhere rolls back all prior legs with the surrounding unit.
//
// Fill order: SLOT locations first (all-or-nothing, each contributes one
// unit), then LINEAR locations by available descending, id ascending as the
// tie-break. The split is reproducible for a given capacity snapshot.
func (a Allocator) Allocate(ctx context.Context, tx port.Tx, required decimal.Decimal, candidateIDs []string) (AllocationResult, error) {
	var result AllocationResult

	seen := make(map[string]bool, len(candidateIDs))
	ids := make([]string, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	locations, err := tx.GetLocationsForUpdate(ctx, ids)
	if err != nil {
		return result, err
	}
	byID := make(map[string]domain.StorageLocation, len(locations))
	for _, loc := range locations {
		byID[loc.ID] = loc
	}
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return result, &domain.InvalidLocationError{LocationID: id}
		}
	}

	var slots, linear []domain.StorageLocation
	available := decimal.Zero
	for _, loc := range locations {
		available = available.Add(loc.Available())
		switch loc.Mode {
		case domain.ModeSlot:
			if loc.Available().IsPositive() {
				slots = append(slots, loc)
			}
		case domain.ModeLinear:
			linear = append(linear, loc)
		default:
			return result, &domain.InvalidLocationError{LocationID: loc.ID, Reason: "unknown allocation mode"}
		}
	}
	if available.LessThan(required) {
		return result, &domain.InsufficientCapacityError{Required: required, Available: available}
	}

	sort.Slice(slots, func(i, j int) bool { return slots[i].ID < slots[j].ID })
	sort.Slice(linear, func(i, j int) bool {
		if !linear[i].Available().Equal(linear[j].Available()) {
			return linear[i].Available().GreaterThan(linear[j].Available())
		}
		return linear[i].ID < linear[j].ID
	})

	remaining := required
	var assignments []domain.Allocation

	// A slot is binary: it absorbs exactly one unit and is never left
	// partially consumed.
	for _, loc := range slots {
		if remaining.LessThan(one) {
			break
		}
		assignments = append(assignments, domain.Allocation{LocationID: loc.ID, Amount: one})
		remaining = remaining.Sub(one)
	}
	for _, loc := range linear {
		if !remaining.IsPositive() {
			break
		}
		amount := decimal.Min(remaining, loc.Available())
		if !amount.IsPositive() {
			continue
		}
		assignments = append(assignments, domain.Allocation{LocationID: loc.ID, Amount: amount})
		remaining = remaining.Sub(amount)
	}
	// A fractional tail that no linear location can hold still fits in a
	// free slot, at the cost of the slot's unused remainder.
	if remaining.IsPositive() {
		used := make(map[string]bool, len(assignments))
		for _, as := range assignments {
			used[as.LocationID] = true
		}
		for _, loc := range slots {
			if !used[loc.ID] {
				assignments = append(assignments, domain.Allocation{LocationID: loc.ID, Amount: one})
				remaining = decimal.Zero
				break
			}
		}
	}
	if remaining.IsPositive() {
		return result, &domain.InsufficientCapacityError{Required: required, Available: available}
	}

	for _, as := range assignments {
		if err := tx.ReserveCapacity(ctx, as.LocationID, as.Amount); err != nil {
			return result, err
		}
		loc := byID[as.LocationID]
		if !loc.Capacity.IsZero() && !a.WarnRatio.IsZero() {
			utilization := loc.Occupied.Add(as.Amount).Div(loc.Capacity)
			if utilization.GreaterThan(a.WarnRatio) {
				result.HighUtilization = append(result.HighUtilization, as.LocationID)
			}
		}
	}

	result.Assignments = assignments
	return result, nil
}
