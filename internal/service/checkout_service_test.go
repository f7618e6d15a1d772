package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"dukapay/internal/config"
	"dukapay/internal/model"
	"dukapay/internal/mpesa"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&model.Order{},
		&model.Payment{},
		&model.OutboxMessage{},
	))
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{
				OrderPaid:      "order.paid",
				OrderCancelled: "order.cancelled",
			},
		},
		Business: config.BusinessConfig{
			PendingOrderTTLMinutes: 60,
			MaxRetryCount:          5,
		},
	}
}

// noopLocker satisfies Locker without Redis.
type noopLocker struct{}

func (noopLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	return func() {}, nil
}

// mutexLocker serializes critical sections in-process, standing in for
// the Redis lock.
type mutexLocker struct {
	mu sync.Mutex
}

func (l *mutexLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	return func() { l.mu.Unlock() }, nil
}

// stubGateway returns a canned acknowledgment or error and records the
// last push it received. Calls happen inside the checkout lock, so the
// counter needs no extra synchronization.
type stubGateway struct {
	resp     *mpesa.STKPushResponse
	err      error
	delay    time.Duration
	lastPush mpesa.STKPushRequest
	calls    int
}

func (g *stubGateway) STKPush(ctx context.Context, req mpesa.STKPushRequest) (*mpesa.STKPushResponse, error) {
	g.calls++
	g.lastPush = req
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.err != nil {
		return nil, g.err
	}
	return g.resp, nil
}

func validCheckout(method string) *CreateOrderRequest {
	return &CreateOrderRequest{
		FullName:        "Jane Wanjiku",
		Email:           "jane@example.com",
		Phone:           "254700000000",
		Country:         "Kenya",
		State:           "Nairobi",
		PaymentMethod:   method,
		TotalAmount:     decimal.NewFromInt(500),
		ShippingAddress: "P.O. Box 100, Nairobi",
	}
}

func TestCreateOrderNonMpesa(t *testing.T) {
	db := setupTestDB(t)
	gateway := &stubGateway{}
	svc := NewCheckoutService(db, testConfig(), gateway, noopLocker{})

	resp, err := svc.CreateOrder(context.Background(), validCheckout("card"), "http://localhost/cb")
	require.NoError(t, err)

	assert.NotEmpty(t, resp.OrderID)
	assert.Equal(t, model.OrderStatusPending, resp.Status)
	assert.Zero(t, gateway.calls)

	var orderCount, paymentCount int64
	db.Model(&model.Order{}).Count(&orderCount)
	db.Model(&model.Payment{}).Count(&paymentCount)
	assert.Equal(t, int64(1), orderCount)
	assert.Equal(t, int64(0), paymentCount)
}

func TestCreateOrderMpesa(t *testing.T) {
	db := setupTestDB(t)
	gateway := &stubGateway{
		resp: &mpesa.STKPushResponse{
			MerchantRequestID: "mr-1",
			CheckoutRequestID: "ws_CO_123",
			ResponseCode:      "0",
			CustomerMessage:   "Success. Request accepted for processing",
		},
	}
	svc := NewCheckoutService(db, testConfig(), gateway, noopLocker{})

	resp, err := svc.CreateOrder(context.Background(), validCheckout(model.PaymentMethodMpesa), "https://shop.example.com/api/v1/mpesa/callback")
	require.NoError(t, err)

	assert.Equal(t, "ws_CO_123", resp.CheckoutRequestID)
	assert.Equal(t, model.OrderStatusPending, resp.Status)

	// The push payload is order-derived.
	assert.Equal(t, resp.OrderID, gateway.lastPush.AccountReference)
	assert.Equal(t, "254700000000", gateway.lastPush.PhoneNumber)
	assert.Equal(t, "https://shop.example.com/api/v1/mpesa/callback", gateway.lastPush.CallbackURL)
	assert.Contains(t, gateway.lastPush.TransactionDesc, resp.OrderID)

	var order model.Order
	require.NoError(t, db.Where("order_id = ?", resp.OrderID).First(&order).Error)
	assert.Equal(t, model.OrderStatusPending, order.Status)

	var payment model.Payment
	require.NoError(t, db.Where("transaction_id = ?", "ws_CO_123").First(&payment).Error)
	assert.Equal(t, resp.OrderID, payment.OrderID)
	assert.Equal(t, model.PaymentStatusPending, payment.Status)
	assert.True(t, payment.Amount.Equal(decimal.NewFromInt(500)))
}

func TestCreateOrderMpesaGatewayError(t *testing.T) {
	db := setupTestDB(t)
	gateway := &stubGateway{err: mpesa.ErrInvalidAck}
	svc := NewCheckoutService(db, testConfig(), gateway, noopLocker{})

	_, err := svc.CreateOrder(context.Background(), validCheckout(model.PaymentMethodMpesa), "http://localhost/cb")
	assert.ErrorIs(t, err, mpesa.ErrInvalidAck)

	// Nothing persisted on a failed initiation.
	var orderCount, paymentCount int64
	db.Model(&model.Order{}).Count(&orderCount)
	db.Model(&model.Payment{}).Count(&paymentCount)
	assert.Equal(t, int64(0), orderCount)
	assert.Equal(t, int64(0), paymentCount)
}

func TestCreateOrderMpesaGatewayTimeout(t *testing.T) {
	db := setupTestDB(t)
	gateway := &stubGateway{err: mpesa.ErrGatewayTimeout}
	svc := NewCheckoutService(db, testConfig(), gateway, noopLocker{})

	_, err := svc.CreateOrder(context.Background(), validCheckout(model.PaymentMethodMpesa), "http://localhost/cb")
	assert.ErrorIs(t, err, mpesa.ErrGatewayTimeout)

	var orderCount int64
	db.Model(&model.Order{}).Count(&orderCount)
	assert.Equal(t, int64(0), orderCount)
}

func TestCreateOrderClientSuppliedID(t *testing.T) {
	db := setupTestDB(t)
	svc := NewCheckoutService(db, testConfig(), &stubGateway{}, noopLocker{})
	ctx := context.Background()

	req := validCheckout("card")
	req.OrderID = "client-chosen-id"

	resp, err := svc.CreateOrder(ctx, req, "http://localhost/cb")
	require.NoError(t, err)
	assert.Equal(t, "client-chosen-id", resp.OrderID)

	// Reusing it is a client error, not a silent overwrite.
	req2 := validCheckout("card")
	req2.OrderID = "client-chosen-id"
	_, err = svc.CreateOrder(ctx, req2, "http://localhost/cb")
	assert.ErrorIs(t, err, ErrDuplicateOrderID)

	var orderCount int64
	db.Model(&model.Order{}).Count(&orderCount)
	assert.Equal(t, int64(1), orderCount)
}

func TestCreateOrderNonPositiveAmount(t *testing.T) {
	db := setupTestDB(t)
	svc := NewCheckoutService(db, testConfig(), &stubGateway{}, noopLocker{})

	req := validCheckout("card")
	req.TotalAmount = decimal.Zero

	_, err := svc.CreateOrder(context.Background(), req, "http://localhost/cb")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	var orderCount int64
	db.Model(&model.Order{}).Count(&orderCount)
	assert.Equal(t, int64(0), orderCount)
}

func TestCreateOrderConcurrentDuplicateID(t *testing.T) {
	db := setupTestDB(t)
	gateway := &stubGateway{
		resp: &mpesa.STKPushResponse{
			CheckoutRequestID: "ws_CO_123",
			CustomerMessage:   "Success. Request accepted for processing",
		},
		// Slow gateway widens the window between the two submissions.
		delay: 50 * time.Millisecond,
	}
	svc := NewCheckoutService(db, testConfig(), gateway, &mutexLocker{})
	ctx := context.Background()

	// Two concurrent submissions reusing the same client-supplied id.
	// Only the winner may reach the gateway: a second push would prompt
	// the customer's phone for a charge that can never be recorded.
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := validCheckout(model.PaymentMethodMpesa)
			req.OrderID = "client-chosen-id"
			_, err := svc.CreateOrder(ctx, req, "http://localhost/cb")
			results[i] = err
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, gateway.calls)

	failures := 0
	for _, err := range results {
		if err != nil {
			failures++
			assert.ErrorIs(t, err, ErrDuplicateOrderID)
		}
	}
	assert.Equal(t, 1, failures)

	var orderCount, paymentCount int64
	db.Model(&model.Order{}).Count(&orderCount)
	db.Model(&model.Payment{}).Count(&paymentCount)
	assert.Equal(t, int64(1), orderCount)
	assert.Equal(t, int64(1), paymentCount)
}
