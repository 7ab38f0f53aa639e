package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yardworks/pipeyard/internal/adapter/storage"
	"github.com/yardworks/pipeyard/internal/core/domain"
	"github.com/yardworks/pipeyard/internal/core/service"
)

const (
	locationID    = "rack-a1"
	capacityUnits = 20
	totalRequests = 50
)

// loadgen races totalRequests one-joint approvals against a single location
// with capacityUnits free, and checks that exactly capacityUnits win.
func main() {
	ctx := context.Background()

	store := storage.NewMemory()
	store.AddLocation(domain.StorageLocation{
		ID:       locationID,
		Name:     "Rack A1",
		Mode:     domain.ModeLinear,
		Capacity: decimal.NewFromInt(capacityUnits),
		Occupied: decimal.Zero,
	})

	workflow := service.NewWorkflow(store, store, service.DefaultConfig())
	admin := domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}

	requestIDs := make([]string, totalRequests)
	for i := range requestIDs {
		result, err := workflow.SubmitRequest(ctx, service.SubmitRequestCommand{
			TenantID: fmt.Sprintf("tenant-%d", i),
			Quantity: decimal.NewFromInt(1),
		})
		if err != nil {
			log.Fatalf("submit request %d: %v", i, err)
		}
		requestIDs[i] = result.RequestID
	}

	var successCount atomic.Int32
	var capacityFailCount atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for _, id := range requestIDs {
		wg.Add(1)
		go func(requestID string) {
			defer wg.Done()
			_, err := workflow.Approve(ctx, service.ApproveCommand{
				RequestID:   requestID,
				LocationIDs: []string{locationID},
				Quantity:    decimal.NewFromInt(1),
				Actor:       admin,
			})
			var insufficient *domain.InsufficientCapacityError
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.As(err, &insufficient):
				capacityFailCount.Add(1)
			default:
				log.Printf("unexpected error: %v", err)
			}
		}(id)
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	fail := capacityFailCount.Load()

	fmt.Println("========== CONTENTION RESULTS ==========")
	fmt.Printf("Free capacity:    %d\n", capacityUnits)
	fmt.Printf("Total approvals:  %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Capacity refused: %d\n", fail)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("========================================")

	if success == capacityUnits && fail == totalRequests-capacityUnits {
		fmt.Printf("PASS: exactly %d approvals won\n", capacityUnits)
	} else {
		fmt.Printf("FAIL: expected %d/%d, got %d/%d\n",
			capacityUnits, totalRequests-capacityUnits, success, fail)
	}

	locations, _ := store.ListLocations(ctx)
	for _, loc := range locations {
		fmt.Printf("Final occupancy:  %s / %s\n", loc.Occupied, loc.Capacity)
		if loc.Occupied.GreaterThan(loc.Capacity) || loc.Occupied.IsNegative() {
			fmt.Println("FAIL: capacity invariant violated")
		}
	}
}
