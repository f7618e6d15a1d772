package job

import (
	"context"
	"fmt"
	"testing"
	"time"

	"dukapay/internal/config"
	"dukapay/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupSweep(t *testing.T) (*PendingOrderSweep, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Order{}, &model.Payment{}, &model.OutboxMessage{}))

	cfg := &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{OrderPaid: "order.paid", OrderCancelled: "order.cancelled"},
		},
		Business: config.BusinessConfig{PendingOrderTTLMinutes: 60},
	}
	return NewPendingOrderSweep(db, cfg), db
}

func seedOrder(t *testing.T, db *gorm.DB, orderID, method, status string, age time.Duration) {
	t.Helper()

	order := &model.Order{
		OrderID:         orderID,
		FullName:        "Jane Wanjiku",
		Email:           "jane@example.com",
		Phone:           "254700000000",
		Country:         "Kenya",
		State:           "Nairobi",
		PaymentMethod:   method,
		TotalAmount:     decimal.NewFromInt(500),
		ShippingAddress: "P.O. Box 100, Nairobi",
		Status:          status,
	}
	require.NoError(t, db.Create(order).Error)
	require.NoError(t, db.Model(&model.Order{}).
		Where("order_id = ?", orderID).
		Update("created_at", time.Now().Add(-age)).Error)
}

func TestSweepCancelsStaleMpesaOrders(t *testing.T) {
	sweep, db := setupSweep(t)
	ctx := context.Background()

	seedOrder(t, db, "ord-stale", model.PaymentMethodMpesa, model.OrderStatusPending, 2*time.Hour)
	seedOrder(t, db, "ord-fresh", model.PaymentMethodMpesa, model.OrderStatusPending, time.Minute)
	seedOrder(t, db, "ord-paid", model.PaymentMethodMpesa, model.OrderStatusPaid, 2*time.Hour)
	seedOrder(t, db, "ord-card", "card", model.OrderStatusPending, 2*time.Hour)

	sweep.sweep(ctx)

	var order model.Order
	require.NoError(t, db.Where("order_id = ?", "ord-stale").First(&order).Error)
	assert.Equal(t, model.OrderStatusCancelled, order.Status)

	for _, id := range []string{"ord-fresh", "ord-card"} {
		// Fresh destination struct: reusing one would carry the previous
		// row's primary key into the next query's conditions.
		var order model.Order
		require.NoError(t, db.Where("order_id = ?", id).First(&order).Error)
		assert.Equal(t, model.OrderStatusPending, order.Status, id)
	}

	order = model.Order{}
	require.NoError(t, db.Where("order_id = ?", "ord-paid").First(&order).Error)
	assert.Equal(t, model.OrderStatusPaid, order.Status)

	// Cancellation event enqueued for the notification side.
	var outbox model.OutboxMessage
	require.NoError(t, db.Where("message_key = ?", "ord-stale").First(&outbox).Error)
	assert.Equal(t, "order.cancelled", outbox.Topic)
	assert.Equal(t, model.OutboxStatusPending, outbox.Status)
}

func TestSweepRaceWithLateCallback(t *testing.T) {
	sweep, db := setupSweep(t)
	ctx := context.Background()

	seedOrder(t, db, "ord-1", model.PaymentMethodMpesa, model.OrderStatusPending, 2*time.Hour)

	// A late callback settles the order between the sweep's read and its
	// conditional write.
	orders, err := sweep.orderRepo.GetStalePending(ctx, model.PaymentMethodMpesa,
		time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)

	require.NoError(t, sweep.orderRepo.UpdateStatus(ctx, nil, "ord-1",
		model.OrderStatusPending, model.OrderStatusPaid))

	// The sweep's conditional transition loses the race cleanly.
	err = sweep.cancelOrder(ctx, orders[0])
	assert.Error(t, err)

	var order model.Order
	require.NoError(t, db.Where("order_id = ?", "ord-1").First(&order).Error)
	assert.Equal(t, model.OrderStatusPaid, order.Status)
}
