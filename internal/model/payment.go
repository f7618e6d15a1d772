package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
)

// Payment is one attempt to settle an Order via a specific method. An order
// can accumulate several payments (retries, different methods); the gateway
// only ever reasons about a single payment.
//
// TransactionID stores the gateway CheckoutRequestID and is the join key
// used to locate the payment when the asynchronous callback arrives. The
// unique index doubles as the guard against recording the same gateway
// acknowledgment twice.
type Payment struct {
	ID              int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentNo       string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"payment_no"`
	OrderID         string          `gorm:"type:varchar(64);index;not null" json:"order_id"`
	Method          string          `gorm:"type:varchar(100);not null" json:"method"`
	Amount          decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	TransactionID   string          `gorm:"type:varchar(100);uniqueIndex;not null" json:"transaction_id"`
	Status          string          `gorm:"type:varchar(20);index;not null" json:"status"`
	ReceiptNumber   string          `gorm:"type:varchar(100)" json:"receipt_number"`
	PhoneNumber     string          `gorm:"type:varchar(15)" json:"phone_number"`
	TransactionDate string          `gorm:"type:varchar(20)" json:"transaction_date"`
	CreatedAt       time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}
