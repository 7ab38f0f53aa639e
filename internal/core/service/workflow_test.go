package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/yardworks/pipeyard/internal/core/domain"
	"github.com/yardworks/pipeyard/internal/port"
)

func TestApprove_Success(t *testing.T) {
	mem, w := newEnv(t, DefaultConfig())
	mem.AddLocation(linearLocation("rack-a", "100", "80"))
	submitted := mustSubmit(t, w, "15")

	result := mustApprove(t, w, submitted.RequestID, "15", "rack-a")

	if result.Status != domain.RequestStatusApproved {
		t.Errorf("status %s, want APPROVED", result.Status)
	}
	if len(result.Assignments) != 1 || !result.Assignments[0].Amount.Equal(dec("15")) {
		t.Errorf("unexpected assignments %v", result.Assignments)
	}
	if occ := locationOccupied(t, mem, "rack-a"); !occ.Equal(dec("95")) {
		t.Errorf("occupied=%s, want 95", occ)
	}

	req, err := mem.GetRequest(context.Background(), submitted.RequestID)
	if err != nil || req == nil {
		t.Fatalf("get request: %v", err)
	}
	if req.ApprovedBy != admin.ID || req.ApprovedAt == nil {
		t.Error("approver identity or timestamp not stamped")
	}

	load, err := mem.GetLoad(context.Background(), submitted.LoadID)
	if err != nil || load == nil {
		t.Fatalf("get load: %v", err)
	}
	if load.Status != domain.LoadStatusApproved {
		t.Errorf("load status %s, want APPROVED", load.Status)
	}

	pending, err := mem.ListUnprocessedNotifications(context.Background(), 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(pending) != 1 || pending[0].Type != domain.NotificationRequestApproved {
		t.Fatalf("expected one request_approved outbox entry, got %v", pending)
	}
	payload, ok := pending[0].Payload.(domain.RequestApprovedPayload)
	if !ok {
		t.Fatalf("payload is %T", pending[0].Payload)
	}
	if payload.TenantID != tenant.ID || payload.RequestID != submitted.RequestID {
		t.Errorf("payload misaddressed: %+v", payload)
	}
	assertCapacityInvariant(t, mem)
}

func TestApprove_InsufficientCapacityNoSideEffects(t *testing.T) {
	mem, w := newEnv(t, DefaultConfig())
	mem.AddLocation(linearLocation("rack-a", "100", "80"))
	submitted := mustSubmit(t, w, "30")

	_, err := w.Approve(context.Background(), ApproveCommand{
		RequestID:   submitted.RequestID,
		LocationIDs: []string{"rack-a"},
		Quantity:    dec("30"),
		Actor:       admin,
	})
	var insufficient *domain.InsufficientCapacityError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCapacityError, got %v", err)
	}
	if !insufficient.Required.Equal(dec("30")) || !insufficient.Available.Equal(dec("20")) {
		t.Errorf("reported required=%s available=%s, want 30/20",
			insufficient.Required, insufficient.Available)
	}

	if occ := locationOccupied(t, mem, "rack-a"); !occ.Equal(dec("80")) {
		t.Errorf("occupied=%s after aborted approve, want 80", occ)
	}
	req, _ := mem.GetRequest(context.Background(), submitted.RequestID)
	if req.Status != domain.RequestStatusPending {
		t.Errorf("request status %s after aborted approve, want PENDING", req.Status)
	}
	pending, _ := mem.ListUnprocessedNotifications(context.Background(), 10)
	if len(pending) != 0 {
		t.Errorf("outbox not empty after aborted approve: %v", pending)
	}
}

func TestApprove_ConcurrentExactlyOneWinner(t *testing.T) {
	mem, w := newEnv(t, DefaultConfig())
	mem.AddLocation(linearLocation("rack-a", "100", "80"))

	first := mustSubmit(t, w, "15")
	second := mustSubmit(t, w, "15")

	var successCount, capacityFailCount atomic.Int32
	var wg sync.WaitGroup
	for _, requestID := range []string{first.RequestID, second.RequestID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := w.Approve(context.Background(), ApproveCommand{
				RequestID:   id,
				LocationIDs: []string{"rack-a"},
				Quantity:    dec("15"),
				Actor:       admin,
			})
			var insufficient *domain.InsufficientCapacityError
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.As(err, &insufficient):
				if insufficient.Available.GreaterThanOrEqual(dec("15")) {
					t.Errorf("loser saw stale availability %s", insufficient.Available)
				}
				capacityFailCount.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(requestID)
	}
	wg.Wait()

	if successCount.Load() != 1 || capacityFailCount.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d winners / %d capacity failures",
			successCount.Load(), capacityFailCount.Load())
	}
	if occ := locationOccupied(t, mem, "rack-a"); !occ.Equal(dec("95")) {
		t.Errorf("occupied=%s, want 95", occ)
	}
	assertCapacityInvariant(t, mem)
}

func TestApprove_IdempotentReplay(t *testing.T) {
	mem, w := newEnv(t, DefaultConfig())
	mem.AddLocation(linearLocation("rack-a", "100", "0"))
	submitted := mustSubmit(t, w, "10")

	first := mustApprove(t, w, submitted.RequestID, "10", "rack-a")
	second := mustApprove(t, w, submitted.RequestID, "10", "rack-a")

	if !second.Replayed {
		t.Error("second identical approve should be a replay")
	}
	assertAssignments(t, second.Assignments, first.Assignments)
	if occ := locationOccupied(t, mem, "rack-a"); !occ.Equal(dec("10")) {
		t.Errorf("occupied=%s after replay, want 10 (no double allocation)", occ)
	}
	pending, _ := mem.ListUnprocessedNotifications(context.Background(), 10)
	if len(pending) != 1 {
		t.Errorf("replay enqueued another notification: %d entries", len(pending))
	}
}

func TestApprove_MismatchedRetryIsMisuse(t *testing.T) {
	mem, w := newEnv(t, DefaultConfig())
	mem.AddLocation(linearLocation("rack-a", "100", "0"))
	mem.AddLocation(linearLocation("rack-b", "100", "0"))
	submitted := mustSubmit(t, w, "10")
	mustApprove(t, w, submitted.RequestID, "10", "rack-a")

	_, err := w.Approve(context.Background(), ApproveCommand{
		RequestID:   submitted.RequestID,
		LocationIDs: []string{"rack-b"},
		Quantity:    dec("25"),
		Actor:       admin,
	})
	var state *domain.InvalidStateError
	if !errors.As(err, &state) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestApprove_PermissionDenied(t *testing.T) {
	mem, w := newEnv(t, DefaultConfig())
	mem.AddLocation(linearLocation("rack-a", "100", "0"))
	submitted := mustSubmit(t, w, "10")

	_, err := w.Approve(context.Background(), ApproveCommand{
		RequestID:   submitted.RequestID,
		LocationIDs: []string{"rack-a"},
		Quantity:    dec("10"),
		Actor:       tenant,
	})
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestReject_Pending(t *testing.T) {
	mem, w := newEnv(t, DefaultConfig())
	submitted := mustSubmit(t, w, "10")

	result, err := w.Reject(context.Background(), RejectCommand{
		RequestID: submitted.RequestID,
		Reason:    "no space this week",
		Actor:     admin,
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if result.Status != domain.RequestStatusRejected {
		t.Errorf("status %s, want REJECTED", result.Status)
	}

	load, _ := mem.GetLoad(context.Background(), submitted.LoadID)
	if load.Status != domain.LoadStatusRejected {
		t.Errorf("load status %s, want REJECTED", load.Status)
	}
	pending, _ := mem.ListUnprocessedNotifications(context.Background(), 10)
	if len(pending) != 1 || pending[0].Type != domain.NotificationRequestRejected {
		t.Fatalf("expected one request_rejected outbox entry, got %v", pending)
	}
}

func TestReject_TerminalGuard(t *testing.T) {
	mem, w := newEnv(t, DefaultConfig())
	mem.AddLocation(linearLocation("rack-a", "100", "0"))
	submitted := mustSubmit(t, w, "10")
	mustApprove(t, w, submitted.RequestID, "10", "rack-a")

	_, err := w.Reject(context.Background(), RejectCommand{
		RequestID: submitted.RequestID,
		Reason:    "changed my mind",
		Actor:     admin,
	})
	var state *domain.InvalidStateError
	if !errors.As(err, &state) {
		t.Fatalf("reject on APPROVED must fail with InvalidStateError, got %v", err)
	}
}

func TestReject_RepeatIsIdempotent(t *testing.T) {
	_, w := newEnv(t, DefaultConfig())
	submitted := mustSubmit(t, w, "10")

	for i := 0; i < 2; i++ {
		result, err := w.Reject(context.Background(), RejectCommand{
			RequestID: submitted.RequestID,
			Reason:    "site flooded",
			Actor:     admin,
		})
		if err != nil {
			t.Fatalf("reject attempt %d: %v", i+1, err)
		}
		if result.Status != domain.RequestStatusRejected {
			t.Errorf("attempt %d status %s, want REJECTED", i+1, result.Status)
		}
	}
}

func TestCreateLoad_RetryReturnsExisting(t *testing.T) {
	_, w := newEnv(t, DefaultConfig())
	submitted := mustSubmit(t, w, "10")

	cmd := CreateLoadCommand{
		RequestID:       submitted.RequestID,
		Direction:       domain.DirectionInbound,
		Sequence:        2,
		PlannedQuantity: dec("5"),
		Actor:           admin,
	}
	first, err := w.CreateLoad(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create load: %v", err)
	}
	second, err := w.CreateLoad(context.Background(), cmd)
	if err != nil {
		t.Fatalf("retried create load: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("retry created a new load: %s vs %s", first.ID, second.ID)
	}
}

func TestTransitionLoad_CompletedReserved(t *testing.T) {
	mem, w := newEnv(t, DefaultConfig())
	mem.AddLocation(linearLocation("rack-a", "100", "0"))
	submitted := driveInboundToArrived(t, w, "10", "rack-a")

	_, err := w.TransitionLoad(context.Background(), TransitionLoadCommand{
		LoadID: submitted.LoadID,
		Target: domain.LoadStatusCompleted,
		Actor:  admin,
	})
	if !errors.Is(err, errCompleteViaReconciliation) {
		t.Fatalf("bare transition to COMPLETED must be refused, got %v", err)
	}
}

func TestRequestPickup(t *testing.T) {
	mem, w := newEnv(t, DefaultConfig())
	mem.AddLocation(linearLocation("rack-a", "100", "0"))
	submitted := driveInboundToArrived(t, w, "10", "rack-a")

	if _, err := w.CompleteLoad(context.Background(), CompleteLoadCommand{
		LoadID:         submitted.LoadID,
		ActualQuantity: dec("10"),
		Actor:          admin,
	}); err != nil {
		t.Fatalf("complete inbound: %v", err)
	}

	result, err := w.RequestPickup(context.Background(), PickupCommand{
		RequestID: submitted.RequestID,
		Actor:     tenant,
	})
	if err != nil {
		t.Fatalf("request pickup: %v", err)
	}
	if result.Status != domain.RequestStatusPickupRequested {
		t.Errorf("status %s, want PICKUP_REQUESTED", result.Status)
	}
	if !result.Quantity.Equal(dec("10")) {
		t.Errorf("pickup quantity %s, want 10", result.Quantity)
	}

	inTx(t, mem, func(tx port.Tx) {
		pending, err := tx.ListInventoryByRequest(context.Background(), submitted.RequestID, domain.InventoryPendingPickup)
		if err != nil {
			t.Fatalf("list pending inventory: %v", err)
		}
		if len(pending) != 1 {
			t.Fatalf("expected one PENDING_PICKUP record, got %d", len(pending))
		}
	})

	// A second pickup against the now PICKUP_REQUESTED request is misuse.
	_, err = w.RequestPickup(context.Background(), PickupCommand{
		RequestID: submitted.RequestID,
		Actor:     tenant,
	})
	var state *domain.InvalidStateError
	if !errors.As(err, &state) {
		t.Fatalf("expected InvalidStateError on repeated pickup, got %v", err)
	}
}

func TestGetAvailability_FallsThroughToStore(t *testing.T) {
	mem, w := newEnv(t, DefaultConfig())
	mem.AddLocation(linearLocation("rack-a", "100", "30"))

	available, err := w.GetAvailability(context.Background(), "rack-a")
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if !available.Equal(dec("70")) {
		t.Errorf("available=%s, want 70", available)
	}

	// Second read is served by the snapshot the first one populated.
	if _, ok, _ := mem.GetAvailability(context.Background(), "rack-a"); !ok {
		t.Error("snapshot not populated after fallthrough")
	}
}
