package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"dukapay/internal/config"
	"dukapay/internal/model"
	"dukapay/internal/mpesa"
	"dukapay/internal/repository"

	"gorm.io/gorm"
)

// CallbackOutcome classifies how a gateway callback was handled. Every
// outcome is acknowledged with HTTP 200 at the handler; the distinction
// only drives logging and the acknowledgment text.
type CallbackOutcome int

const (
	OutcomeCompleted CallbackOutcome = iota
	OutcomeAlreadySettled
	OutcomePaymentNotFound
	OutcomeFailedResult
	OutcomeInvalidPayload
)

type CallbackService struct {
	db          *gorm.DB
	cfg         *config.Config
	locker      Locker
	orderRepo   *repository.OrderRepository
	paymentRepo *repository.PaymentRepository
	outboxRepo  *repository.OutboxRepository
}

func NewCallbackService(db *gorm.DB, cfg *config.Config, locker Locker) *CallbackService {
	return &CallbackService{
		db:          db,
		cfg:         cfg,
		locker:      locker,
		orderRepo:   repository.NewOrderRepository(db),
		paymentRepo: repository.NewPaymentRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

// HandleCallback reconciles an asynchronous gateway result with the stored
// order/payment pair. This is the only transition out of PENDING driven by
// the gateway, and it must be idempotent: Daraja redelivers callbacks it
// considers unacknowledged, and two deliveries may race.
//
// The guard is two layers deep. A Redis lock on the CheckoutRequestID
// serializes concurrent deliveries, and the conditional pending→completed
// update makes the second delivery a no-op even if the lock is lost (Redis
// down, TTL expiry mid-flight).
func (s *CallbackService) HandleCallback(ctx context.Context, cb *mpesa.StkCallback) (CallbackOutcome, error) {
	if cb.CheckoutRequestID == "" {
		log.Printf("[Callback] payload missing CheckoutRequestID")
		return OutcomeInvalidPayload, nil
	}

	release, err := s.locker.Lock(ctx, "callback:"+cb.CheckoutRequestID, 30*time.Second)
	if err != nil {
		return 0, fmt.Errorf("acquire callback lock: %w", err)
	}
	defer release()

	payment, err := s.paymentRepo.GetByTransactionID(ctx, cb.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			log.Printf("[Callback] no payment for checkout_request_id=%s", cb.CheckoutRequestID)
			return OutcomePaymentNotFound, nil
		}
		return 0, fmt.Errorf("lookup payment: %w", err)
	}

	if !cb.Succeeded() {
		log.Printf("[Callback] transaction failed: checkout_request_id=%s result_code=%d desc=%s",
			cb.CheckoutRequestID, cb.ResultCode, cb.ResultDesc)
		return OutcomeFailedResult, nil
	}

	alreadySettled := false
	err = s.db.Transaction(func(tx *gorm.DB) error {
		rows, err := s.paymentRepo.CompleteIfPending(ctx, tx,
			cb.CheckoutRequestID, cb.ReceiptNumber(), cb.PhoneNumber(), cb.TransactionDate())
		if err != nil {
			return fmt.Errorf("complete payment: %w", err)
		}
		if rows == 0 {
			// Duplicate delivery; the first one already settled it.
			alreadySettled = true
			return nil
		}

		if err := s.orderRepo.UpdateStatus(ctx, tx,
			payment.OrderID, model.OrderStatusPending, model.OrderStatusPaid); err != nil {
			return fmt.Errorf("mark order paid: %w", err)
		}

		return s.enqueuePaidEvent(ctx, tx, payment, cb)
	})
	if err != nil {
		return 0, err
	}

	if alreadySettled {
		log.Printf("[Callback] duplicate delivery ignored: checkout_request_id=%s", cb.CheckoutRequestID)
		return OutcomeAlreadySettled, nil
	}

	log.Printf("[Callback] order %s paid, receipt=%s", payment.OrderID, cb.ReceiptNumber())
	return OutcomeCompleted, nil
}

// enqueuePaidEvent writes the order.paid event into the outbox inside the
// settlement transaction, so the notification side never sees an event for
// a transition that rolled back.
func (s *CallbackService) enqueuePaidEvent(ctx context.Context, tx *gorm.DB, payment *model.Payment, cb *mpesa.StkCallback) error {
	payload := map[string]interface{}{
		"order_id":       payment.OrderID,
		"payment_no":     payment.PaymentNo,
		"amount":         payment.Amount.String(),
		"receipt_number": cb.ReceiptNumber(),
		"phone_number":   cb.PhoneNumber(),
		"paid_at":        time.Now().Format(time.RFC3339),
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	msg := &model.OutboxMessage{
		MessageKey: payment.OrderID,
		Topic:      s.cfg.Kafka.Topic.OrderPaid,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	return s.outboxRepo.Create(ctx, tx, msg)
}
