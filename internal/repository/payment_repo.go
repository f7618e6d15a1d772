package repository

import (
	"context"
	"errors"

	"dukapay/internal/model"

	"gorm.io/gorm"
)

var ErrPaymentNotFound = errors.New("payment not found")

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, tx *gorm.DB, payment *model.Payment) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(payment).Error
}

func (r *PaymentRepository) GetByTransactionID(ctx context.Context, transactionID string) (*model.Payment, error) {
	var payment model.Payment
	err := r.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// CompleteIfPending flips a payment from pending to completed and records
// the callback metadata. The status guard in the WHERE clause is the
// duplicate-callback protection: a redelivered success callback matches
// zero rows and the caller treats that as already settled.
func (r *PaymentRepository) CompleteIfPending(ctx context.Context, tx *gorm.DB, transactionID, receiptNumber, phoneNumber, transactionDate string) (int64, error) {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Payment{}).
		Where("transaction_id = ? AND status = ?", transactionID, model.PaymentStatusPending).
		Updates(map[string]interface{}{
			"status":           model.PaymentStatusCompleted,
			"receipt_number":   receiptNumber,
			"phone_number":     phoneNumber,
			"transaction_date": transactionDate,
		})

	if result.Error != nil {
		return 0, result.Error
	}

	return result.RowsAffected, nil
}

func (r *PaymentRepository) ListByOrderID(ctx context.Context, orderID string) ([]*model.Payment, error) {
	var payments []*model.Payment
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&payments).Error
	return payments, err
}
