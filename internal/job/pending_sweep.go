package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"dukapay/internal/config"
	"dukapay/internal/model"
	"dukapay/internal/repository"

	"gorm.io/gorm"
)

// PendingOrderSweep cancels mobile-money orders whose callback never
// arrived. Without it an order abandoned at the PIN prompt stays PENDING
// forever. The transition is the same conditional update the callback
// path uses, so a late callback and the sweep can race safely: whichever
// lands first wins and the loser matches zero rows.
type PendingOrderSweep struct {
	db         *gorm.DB
	orderRepo  *repository.OrderRepository
	outboxRepo *repository.OutboxRepository
	cfg        *config.Config
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewPendingOrderSweep(db *gorm.DB, cfg *config.Config) *PendingOrderSweep {
	return &PendingOrderSweep{
		db:         db,
		orderRepo:  repository.NewOrderRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		interval:   time.Minute,
		batchSize:  100,
	}
}

func (j *PendingOrderSweep) Start(ctx context.Context) {
	log.Println("[PendingOrderSweep] started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[PendingOrderSweep] shutting down")
			return
		case <-j.stopCh:
			log.Println("[PendingOrderSweep] stopped")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *PendingOrderSweep) Stop() {
	close(j.stopCh)
}

func (j *PendingOrderSweep) sweep(ctx context.Context) {
	ttl := time.Duration(j.cfg.Business.PendingOrderTTLMinutes) * time.Minute
	cutoff := time.Now().Add(-ttl)

	orders, err := j.orderRepo.GetStalePending(ctx, model.PaymentMethodMpesa, cutoff, j.batchSize)
	if err != nil {
		log.Printf("[PendingOrderSweep] query failed: %v", err)
		return
	}

	if len(orders) == 0 {
		return
	}

	log.Printf("[PendingOrderSweep] found %d stale pending orders", len(orders))

	cancelled := 0
	for _, order := range orders {
		if err := j.cancelOrder(ctx, order); err != nil {
			log.Printf("[PendingOrderSweep] cancel failed: order=%s err=%v", order.OrderID, err)
			continue
		}
		cancelled++
		log.Printf("[PendingOrderSweep] order cancelled: order=%s amount=%s age=%s",
			order.OrderID, order.TotalAmount, time.Since(order.CreatedAt).Round(time.Second))
	}

	log.Printf("[PendingOrderSweep] cancelled %d orders this pass", cancelled)
}

func (j *PendingOrderSweep) cancelOrder(ctx context.Context, order *model.Order) error {
	return j.db.Transaction(func(tx *gorm.DB) error {
		err := j.orderRepo.UpdateStatus(ctx, tx, order.OrderID,
			model.OrderStatusPending, model.OrderStatusCancelled)
		if err != nil {
			return err
		}

		payload, err := json.Marshal(map[string]interface{}{
			"order_id":     order.OrderID,
			"amount":       order.TotalAmount.String(),
			"reason":       "payment callback never arrived",
			"cancelled_at": time.Now().Format(time.RFC3339),
		})
		if err != nil {
			return fmt.Errorf("marshal cancel event: %w", err)
		}

		return j.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
			MessageKey: order.OrderID,
			Topic:      j.cfg.Kafka.Topic.OrderCancelled,
			Payload:    string(payload),
			Status:     model.OutboxStatusPending,
		})
	})
}
