package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"dukapay/internal/config"
	"dukapay/internal/model"
	"dukapay/internal/mpesa"
	"dukapay/internal/repository"
	"dukapay/pkg/idgen"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Locker serializes work on a single key across service instances. The
// release function must be called (deferred) once the critical section is
// done; the TTL bounds the lock if the process dies holding it.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Gateway is the outbound push-payment contract. Satisfied by
// *mpesa.Client; tests substitute a stub.
type Gateway interface {
	STKPush(ctx context.Context, req mpesa.STKPushRequest) (*mpesa.STKPushResponse, error)
}

var (
	ErrDuplicateOrderID = repository.ErrDuplicateOrderID
	ErrInvalidAmount    = errors.New("total_amount must be positive")
)

type CheckoutService struct {
	db          *gorm.DB
	cfg         *config.Config
	gateway     Gateway
	locker      Locker
	orderRepo   *repository.OrderRepository
	paymentRepo *repository.PaymentRepository
}

func NewCheckoutService(db *gorm.DB, cfg *config.Config, gateway Gateway, locker Locker) *CheckoutService {
	return &CheckoutService{
		db:          db,
		cfg:         cfg,
		gateway:     gateway,
		locker:      locker,
		orderRepo:   repository.NewOrderRepository(db),
		paymentRepo: repository.NewPaymentRepository(db),
	}
}

// CreateOrderRequest is a checkout submission. Every field except OrderID
// is required; OrderID lets a client retry checkout with a stable id but
// is verified against prior use rather than trusted blindly.
type CreateOrderRequest struct {
	FullName        string          `json:"full_name" binding:"required"`
	Email           string          `json:"email" binding:"required,email"`
	Phone           string          `json:"phone" binding:"required"`
	Country         string          `json:"country" binding:"required"`
	State           string          `json:"state" binding:"required"`
	PaymentMethod   string          `json:"payment_method" binding:"required"`
	TotalAmount     decimal.Decimal `json:"total_amount" binding:"required"`
	ShippingAddress string          `json:"shipping_address" binding:"required"`
	OrderID         string          `json:"order_id"`
}

type CreateOrderResponse struct {
	OrderID           string `json:"order_id"`
	Status            string `json:"status"`
	CheckoutRequestID string `json:"checkout_request_id,omitempty"`
	CustomerMessage   string `json:"customer_message,omitempty"`
}

// CreateOrder validates the submission, allocates the order id, and
// branches on payment method: mobile money goes through the gateway
// synchronously before anything is persisted, every other method persists
// the order directly in PENDING.
//
// For mobile money the Order and Payment rows are committed in one
// transaction only after a well-formed gateway acknowledgment. If the
// gateway call fails nothing is persisted; the push may still reach the
// customer's phone (network partition after send), which is the documented
// consistency gap of this flow.
func (s *CheckoutService) CreateOrder(ctx context.Context, req *CreateOrderRequest, callbackURL string) (*CreateOrderResponse, error) {
	if !req.TotalAmount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	orderID := req.OrderID
	if orderID == "" {
		orderID = uuid.NewString()
		log.Printf("[Checkout] generated order id %s", orderID)
	}

	release, err := s.locker.Lock(ctx, "checkout:"+orderID, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("acquire checkout lock: %w", err)
	}
	defer release()

	// The reuse check must sit inside the critical section: two
	// concurrent submissions sharing a client-supplied id would both
	// pass a pre-lock check, and the loser would still fire a push to
	// the gateway before failing on the unique index.
	if req.OrderID != "" {
		exists, err := s.orderRepo.ExistsByOrderID(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("check order id: %w", err)
		}
		if exists {
			return nil, ErrDuplicateOrderID
		}
	}

	order := &model.Order{
		OrderID:         orderID,
		FullName:        req.FullName,
		Email:           req.Email,
		Phone:           req.Phone,
		Country:         req.Country,
		State:           req.State,
		PaymentMethod:   req.PaymentMethod,
		TotalAmount:     req.TotalAmount,
		ShippingAddress: req.ShippingAddress,
		Status:          model.OrderStatusPending,
	}

	if req.PaymentMethod != model.PaymentMethodMpesa {
		if err := s.orderRepo.Create(ctx, nil, order); err != nil {
			return nil, fmt.Errorf("create order: %w", err)
		}
		log.Printf("[Checkout] order %s created, method=%s", orderID, req.PaymentMethod)
		return &CreateOrderResponse{
			OrderID: orderID,
			Status:  order.Status,
		}, nil
	}

	return s.initiateMpesa(ctx, order, callbackURL)
}

// initiateMpesa runs the synchronous leg of the settlement flow: push the
// payment request, then persist Order + Payment as a unit keyed by the
// gateway's CheckoutRequestID.
func (s *CheckoutService) initiateMpesa(ctx context.Context, order *model.Order, callbackURL string) (*CreateOrderResponse, error) {
	push := mpesa.STKPushRequest{
		PhoneNumber:      order.Phone,
		Amount:           order.TotalAmount,
		AccountReference: order.OrderID,
		TransactionDesc:  fmt.Sprintf("Payment for order %s", order.OrderID),
		CallbackURL:      callbackURL,
	}

	ack, err := s.gateway.STKPush(ctx, push)
	if err != nil {
		log.Printf("[Checkout] STK push failed for order %s: %v", order.OrderID, err)
		return nil, err
	}

	payment := &model.Payment{
		PaymentNo:     idgen.GeneratePaymentNo(),
		OrderID:       order.OrderID,
		Method:        model.PaymentMethodMpesa,
		Amount:        order.TotalAmount,
		TransactionID: ack.CheckoutRequestID,
		Status:        model.PaymentStatusPending,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.orderRepo.Create(ctx, tx, order); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		if err := s.paymentRepo.Create(ctx, tx, payment); err != nil {
			return fmt.Errorf("create payment: %w", err)
		}
		return nil
	})
	if err != nil {
		// The push already reached the gateway; there is now a pending
		// external charge with no local record. Log loudly so it can be
		// reconciled by hand.
		log.Printf("[Checkout] CRITICAL: persist failed after STK push, order=%s checkout_request_id=%s: %v",
			order.OrderID, ack.CheckoutRequestID, err)
		return nil, err
	}

	log.Printf("[Checkout] order %s initiated, checkout_request_id=%s",
		order.OrderID, ack.CheckoutRequestID)

	return &CreateOrderResponse{
		OrderID:           order.OrderID,
		Status:            order.Status,
		CheckoutRequestID: ack.CheckoutRequestID,
		CustomerMessage:   ack.CustomerMessage,
	}, nil
}
