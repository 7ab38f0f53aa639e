package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yardworks/pipeyard/internal/core/domain"
	"github.com/yardworks/pipeyard/internal/port"
)

var (
	ErrDuplicateRequest          = errors.New("duplicate request in flight")
	errNonPositiveAmount         = errors.New("quantity must be positive")
	errNoCandidates              = errors.New("at least one candidate location is required")
	errCompleteViaReconciliation = errors.New("loads are completed through reconciliation, not a bare transition")
)

type Config struct {
	// MismatchTolerance is the absolute planned-vs-actual delta above which
	// a completion carries a ReconciliationMismatchWarning.
	MismatchTolerance decimal.Decimal
	// UtilizationWarnRatio is the occupancy ratio above which an allocation
	// is logged as running hot. Non-blocking.
	UtilizationWarnRatio decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		MismatchTolerance:    decimal.Zero,
		UtilizationWarnRatio: decimal.RequireFromString("0.9"),
	}
}

// Workflow is the approval orchestrator: each exported method is one atomic
// unit combining allocation, state transitions, request status changes and
// notification enqueue.
type Workflow struct {
	store port.Store
	cache port.CacheRepository
	alloc Allocator
	cfg   Config
	now   func() time.Time
}

func NewWorkflow(store port.Store, cache port.CacheRepository, cfg Config) *Workflow {
	return &Workflow{
		store: store,
		cache: cache,
		alloc: Allocator{WarnRatio: cfg.UtilizationWarnRatio},
		cfg:   cfg,
		now:   time.Now,
	}
}

type SubmitRequestCommand struct {
	TenantID string
	Quantity decimal.Decimal
	Notes    string
	Actor    domain.Actor
}

type SubmitRequestResult struct {
	RequestID string
	LoadID    string
	Status    domain.RequestStatus
}

// SubmitRequest creates a PENDING request together with its first inbound
// load (sequence 1, planned at the requested quantity).
func (w *Workflow) SubmitRequest(ctx context.Context, cmd SubmitRequestCommand) (SubmitRequestResult, error) {
	var result SubmitRequestResult
	if !cmd.Quantity.IsPositive() {
		return result, errNonPositiveAmount
	}
	if cmd.TenantID == "" {
		return result, fmt.Errorf("tenant id is required")
	}

	now := w.now()
	req := domain.StorageRequest{
		ID:        uuid.New().String(),
		TenantID:  cmd.TenantID,
		Quantity:  cmd.Quantity,
		Status:    domain.RequestStatusPending,
		Notes:     cmd.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	load := domain.TruckingLoad{
		ID:              uuid.New().String(),
		RequestID:       req.ID,
		Direction:       domain.DirectionInbound,
		Sequence:        1,
		Status:          domain.LoadStatusNew,
		PlannedQuantity: cmd.Quantity,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := w.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		if err := tx.CreateRequest(ctx, req); err != nil {
			return err
		}
		created, err := tx.CreateLoad(ctx, load)
		if err != nil {
			return err
		}
		load = created
		return nil
	})
	countOp("submit_request", err)
	if err != nil {
		return result, err
	}
	return SubmitRequestResult{RequestID: req.ID, LoadID: load.ID, Status: req.Status}, nil
}

type ApproveCommand struct {
	RequestID   string
	LocationIDs []string
	Quantity    decimal.Decimal
	Notes       string
	Actor       domain.Actor
}

type ApprovalResult struct {
	Assignments []domain.Allocation
	Status      domain.RequestStatus
	// Replayed is set when the request was already APPROVED with matching
	// parameters and no ledger work was performed.
	Replayed bool
}

// Approve runs the whole approval as one unit: status gate, capacity
// allocation, request and load transitions, approver stamp, outbox enqueue.
// An allocation failure aborts with no side effects. Retrying an identical
// call on an already-approved request returns the stored assignment.
func (w *Workflow) Approve(ctx context.Context, cmd ApproveCommand) (ApprovalResult, error) {
	var result ApprovalResult
	if cmd.Actor.Role != domain.RoleAdmin {
		return result, domain.ErrPermissionDenied
	}
	if !cmd.Quantity.IsPositive() {
		return result, errNonPositiveAmount
	}
	if len(cmd.LocationIDs) == 0 {
		return result, errNoCandidates
	}

	inFlight := false
	if w.cache != nil {
		ok, err := w.cache.SetIdempotency(ctx, approveIdempotencyKey(cmd))
		if err != nil {
			log.Printf("approve %s: idempotency check unavailable: %v", cmd.RequestID, err)
		} else if !ok {
			// An identical call was made recently. The database decides
			// below whether this is a replay of a committed approval or a
			// still-in-flight duplicate.
			inFlight = true
		}
	}

	var highUtilization []string
	err := w.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		req, err := tx.GetRequestForUpdate(ctx, cmd.RequestID)
		if err != nil {
			return err
		}
		if req == nil {
			return &domain.NotFoundError{Entity: "request", ID: cmd.RequestID}
		}

		switch req.Status {
		case domain.RequestStatusPending:
			// fall through to allocation
		case domain.RequestStatusApproved:
			replay, err := w.replayApproval(ctx, tx, *req, cmd)
			if err != nil {
				return err
			}
			result = replay
			return nil
		default:
			return &domain.InvalidStateError{
				Entity: "request", ID: req.ID,
				Status: string(req.Status), Want: string(domain.RequestStatusPending),
			}
		}
		if inFlight {
			return ErrDuplicateRequest
		}

		allocated, err := w.alloc.Allocate(ctx, tx, cmd.Quantity, cmd.LocationIDs)
		if err != nil {
			return err
		}
		highUtilization = allocated.HighUtilization

		now := w.now()
		req.Status = domain.RequestStatusApproved
		req.Quantity = cmd.Quantity
		req.ApprovedBy = cmd.Actor.ID
		req.ApprovedAt = &now
		if cmd.Notes != "" {
			req.Notes = cmd.Notes
		}
		req.UpdatedAt = now
		if err := tx.UpdateRequest(ctx, *req); err != nil {
			return err
		}
		if err := tx.SaveAllocations(ctx, req.ID, allocated.Assignments); err != nil {
			return err
		}

		loads, err := tx.ListLoadsByRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		for _, ld := range loads {
			if ld.Status != domain.LoadStatusNew || ld.Direction != domain.DirectionInbound {
				continue
			}
			if err := ld.Transition(domain.LoadStatusApproved); err != nil {
				return err
			}
			ld.UpdatedAt = now
			if err := tx.UpdateLoad(ctx, ld); err != nil {
				return err
			}
		}

		if err := w.enqueue(ctx, tx, domain.RequestApprovedPayload{
			TenantID:    req.TenantID,
			RequestID:   req.ID,
			Assignments: allocated.Assignments,
			Quantity:    cmd.Quantity,
		}); err != nil {
			return err
		}

		result = ApprovalResult{Assignments: allocated.Assignments, Status: req.Status}
		return nil
	})
	countOp("approve", err)
	if err != nil {
		var insufficient *domain.InsufficientCapacityError
		if errors.As(err, &insufficient) {
			capacityConflicts.Inc()
		}
		return ApprovalResult{}, err
	}

	for _, id := range highUtilization {
		log.Printf("approve %s: location %s above %s utilization", cmd.RequestID, id, w.cfg.UtilizationWarnRatio)
	}
	w.refreshAvailability(ctx, allocationLocationIDs(result.Assignments))
	return result, nil
}

// replayApproval decides whether an approve against an APPROVED request is an
// idempotent retry (same quantity, assigned locations drawn from the same
// candidate set) or genuine misuse.
func (w *Workflow) replayApproval(ctx context.Context, tx port.Tx, req domain.StorageRequest, cmd ApproveCommand) (ApprovalResult, error) {
	misuse := &domain.InvalidStateError{
		Entity: "request", ID: req.ID,
		Status: string(req.Status), Want: string(domain.RequestStatusPending),
	}
	if !req.Quantity.Equal(cmd.Quantity) {
		return ApprovalResult{}, misuse
	}
	allocs, err := tx.GetAllocations(ctx, req.ID)
	if err != nil {
		return ApprovalResult{}, err
	}
	candidates := make(map[string]bool, len(cmd.LocationIDs))
	for _, id := range cmd.LocationIDs {
		candidates[id] = true
	}
	for _, as := range allocs {
		if !candidates[as.LocationID] {
			return ApprovalResult{}, misuse
		}
	}
	return ApprovalResult{Assignments: allocs, Status: req.Status, Replayed: true}, nil
}

type RejectCommand struct {
	RequestID string
	Reason    string
	Actor     domain.Actor
}

type RejectResult struct {
	Status domain.RequestStatus
}

// Reject is the mirror of Approve: legal only from PENDING, touches no
// capacity, moves NEW loads to REJECTED and enqueues a rejection notice.
// Repeating an identical rejection returns the current status.
func (w *Workflow) Reject(ctx context.Context, cmd RejectCommand) (RejectResult, error) {
	var result RejectResult
	if cmd.Actor.Role != domain.RoleAdmin {
		return result, domain.ErrPermissionDenied
	}

	err := w.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		req, err := tx.GetRequestForUpdate(ctx, cmd.RequestID)
		if err != nil {
			return err
		}
		if req == nil {
			return &domain.NotFoundError{Entity: "request", ID: cmd.RequestID}
		}
		if req.Status == domain.RequestStatusRejected {
			result = RejectResult{Status: req.Status}
			return nil
		}
		if req.Status != domain.RequestStatusPending {
			return &domain.InvalidStateError{
				Entity: "request", ID: req.ID,
				Status: string(req.Status), Want: string(domain.RequestStatusPending),
			}
		}

		now := w.now()
		req.Status = domain.RequestStatusRejected
		if cmd.Reason != "" {
			req.Notes = cmd.Reason
		}
		req.UpdatedAt = now
		if err := tx.UpdateRequest(ctx, *req); err != nil {
			return err
		}

		loads, err := tx.ListLoadsByRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		for _, ld := range loads {
			if ld.Status != domain.LoadStatusNew {
				continue
			}
			if err := ld.Transition(domain.LoadStatusRejected); err != nil {
				return err
			}
			ld.UpdatedAt = now
			if err := tx.UpdateLoad(ctx, ld); err != nil {
				return err
			}
		}

		if err := w.enqueue(ctx, tx, domain.RequestRejectedPayload{
			TenantID:  req.TenantID,
			RequestID: req.ID,
			Reason:    cmd.Reason,
		}); err != nil {
			return err
		}
		result = RejectResult{Status: req.Status}
		return nil
	})
	countOp("reject", err)
	return result, err
}

type CreateLoadCommand struct {
	RequestID       string
	Direction       domain.LoadDirection
	Sequence        int
	PlannedQuantity decimal.Decimal
	Actor           domain.Actor
}

// CreateLoad registers a truck movement for a request. The (request,
// direction, sequence) uniqueness turns a retried create into a fetch of the
// existing load.
func (w *Workflow) CreateLoad(ctx context.Context, cmd CreateLoadCommand) (domain.TruckingLoad, error) {
	var load domain.TruckingLoad
	if !cmd.PlannedQuantity.IsPositive() {
		return load, errNonPositiveAmount
	}
	if cmd.Sequence <= 0 {
		return load, fmt.Errorf("sequence must be positive")
	}
	if cmd.Direction != domain.DirectionInbound && cmd.Direction != domain.DirectionOutbound {
		return load, fmt.Errorf("unknown direction %q", cmd.Direction)
	}

	err := w.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		req, err := tx.GetRequestForUpdate(ctx, cmd.RequestID)
		if err != nil {
			return err
		}
		if req == nil {
			return &domain.NotFoundError{Entity: "request", ID: cmd.RequestID}
		}
		if req.Status.Terminal() {
			return &domain.InvalidStateError{
				Entity: "request", ID: req.ID,
				Status: string(req.Status), Want: "non-terminal",
			}
		}
		now := w.now()
		load, err = tx.CreateLoad(ctx, domain.TruckingLoad{
			ID:              uuid.New().String(),
			RequestID:       req.ID,
			Direction:       cmd.Direction,
			Sequence:        cmd.Sequence,
			Status:          domain.LoadStatusNew,
			PlannedQuantity: cmd.PlannedQuantity,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		return err
	})
	countOp("create_load", err)
	return load, err
}

type TransitionLoadCommand struct {
	LoadID string
	Target domain.LoadStatus
	Actor  domain.Actor
}

// TransitionLoad applies an admin-driven lifecycle move. COMPLETED is
// reserved for CompleteLoad, which reconciles quantities.
func (w *Workflow) TransitionLoad(ctx context.Context, cmd TransitionLoadCommand) (domain.TruckingLoad, error) {
	var load domain.TruckingLoad
	if cmd.Actor.Role != domain.RoleAdmin {
		return load, domain.ErrPermissionDenied
	}
	if cmd.Target == domain.LoadStatusCompleted {
		return load, errCompleteViaReconciliation
	}

	err := w.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		ld, err := tx.GetLoadForUpdate(ctx, cmd.LoadID)
		if err != nil {
			return err
		}
		if ld == nil {
			return &domain.NotFoundError{Entity: "load", ID: cmd.LoadID}
		}
		if err := ld.Transition(cmd.Target); err != nil {
			return err
		}
		ld.UpdatedAt = w.now()
		if err := tx.UpdateLoad(ctx, *ld); err != nil {
			return err
		}
		load = *ld
		return nil
	})
	countOp("transition_load", err)
	return load, err
}

type PickupCommand struct {
	RequestID string
	Actor     domain.Actor
}

type PickupResult struct {
	LoadID   string
	Quantity decimal.Decimal
	Status   domain.RequestStatus
}

// RequestPickup moves an APPROVED request to PICKUP_REQUESTED: it creates the
// outbound load planned at the in-storage quantity and marks the request's
// inventory PENDING_PICKUP. Capacity is released later, when the load
// completes.
func (w *Workflow) RequestPickup(ctx context.Context, cmd PickupCommand) (PickupResult, error) {
	var result PickupResult

	err := w.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		req, err := tx.GetRequestForUpdate(ctx, cmd.RequestID)
		if err != nil {
			return err
		}
		if req == nil {
			return &domain.NotFoundError{Entity: "request", ID: cmd.RequestID}
		}
		if cmd.Actor.Role != domain.RoleAdmin && cmd.Actor.ID != req.TenantID {
			return domain.ErrPermissionDenied
		}
		if req.Status != domain.RequestStatusApproved {
			return &domain.InvalidStateError{
				Entity: "request", ID: req.ID,
				Status: string(req.Status), Want: string(domain.RequestStatusApproved),
			}
		}

		stored, err := tx.ListInventoryByRequest(ctx, req.ID, domain.InventoryInStorage)
		if err != nil {
			return err
		}
		if len(stored) == 0 {
			return &domain.InvalidStateError{
				Entity: "request", ID: req.ID,
				Status: "no stored inventory", Want: "material in storage",
			}
		}
		total := decimal.Zero
		for _, rec := range stored {
			total = total.Add(rec.Quantity)
		}

		loads, err := tx.ListLoadsByRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		sequence := 1
		for _, ld := range loads {
			if ld.Direction == domain.DirectionOutbound && ld.Sequence >= sequence {
				sequence = ld.Sequence + 1
			}
		}

		now := w.now()
		load, err := tx.CreateLoad(ctx, domain.TruckingLoad{
			ID:              uuid.New().String(),
			RequestID:       req.ID,
			Direction:       domain.DirectionOutbound,
			Sequence:        sequence,
			Status:          domain.LoadStatusNew,
			PlannedQuantity: total,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		if err != nil {
			return err
		}

		for _, rec := range stored {
			rec.Status = domain.InventoryPendingPickup
			rec.UpdatedAt = now
			if err := tx.UpdateInventory(ctx, rec); err != nil {
				return err
			}
		}

		req.Status = domain.RequestStatusPickupRequested
		req.UpdatedAt = now
		if err := tx.UpdateRequest(ctx, *req); err != nil {
			return err
		}

		if err := w.enqueue(ctx, tx, domain.PickupRequestedPayload{
			TenantID:  req.TenantID,
			RequestID: req.ID,
			LoadID:    load.ID,
			Quantity:  total,
		}); err != nil {
			return err
		}
		result = PickupResult{LoadID: load.ID, Quantity: total, Status: req.Status}
		return nil
	})
	countOp("request_pickup", err)
	return result, err
}

// GetAvailability serves the UI read path from the cache snapshot, falling
// through to the store on a miss. Non-authoritative: reservations always
// re-validate inside their transaction.
func (w *Workflow) GetAvailability(ctx context.Context, locationID string) (decimal.Decimal, error) {
	if w.cache != nil {
		if value, ok, err := w.cache.GetAvailability(ctx, locationID); err == nil && ok {
			return value, nil
		}
	}
	loc, err := w.store.GetLocation(ctx, locationID)
	if err != nil {
		return decimal.Zero, err
	}
	if loc == nil {
		return decimal.Zero, &domain.NotFoundError{Entity: "location", ID: locationID}
	}
	available := loc.Available()
	if w.cache != nil {
		if err := w.cache.SetAvailability(ctx, locationID, available); err != nil {
			log.Printf("availability cache refresh failed for %s: %v", locationID, err)
		}
	}
	return available, nil
}

func (w *Workflow) enqueue(ctx context.Context, tx port.Tx, payload domain.NotificationPayload) error {
	return tx.AppendNotification(ctx, domain.NotificationRecord{
		ID:        uuid.New().String(),
		Type:      payload.NotificationType(),
		Payload:   payload,
		CreatedAt: w.now(),
	})
}

// refreshAvailability updates the cache snapshot after a commit, best effort.
func (w *Workflow) refreshAvailability(ctx context.Context, locationIDs []string) {
	if w.cache == nil {
		return
	}
	seen := make(map[string]bool, len(locationIDs))
	for _, id := range locationIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		loc, err := w.store.GetLocation(ctx, id)
		if err != nil || loc == nil {
			continue
		}
		if err := w.cache.SetAvailability(ctx, id, loc.Available()); err != nil {
			log.Printf("availability cache refresh failed for %s: %v", id, err)
		}
	}
}

func allocationLocationIDs(allocs []domain.Allocation) []string {
	ids := make([]string, 0, len(allocs))
	for _, as := range allocs {
		ids = append(ids, as.LocationID)
	}
	return ids
}

func approveIdempotencyKey(cmd ApproveCommand) string {
	ids := append([]string(nil), cmd.LocationIDs...)
	sort.Strings(ids)
	return fmt.Sprintf("approve:%s:%s:%s", cmd.RequestID, cmd.Quantity, strings.Join(ids, ","))
}
