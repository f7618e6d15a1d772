package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	OrderStatusPending   = "PENDING"
	OrderStatusPaid      = "PAID"
	OrderStatusCancelled = "CANCELLED"
)

const PaymentMethodMpesa = "mpesa"

// ValidStatusTransitions defines the order state machine. PENDING is the
// only non-terminal state: a successful callback moves it to PAID, the
// pending sweep or an explicit cancellation moves it to CANCELLED.
var ValidStatusTransitions = map[string][]string{
	OrderStatusPending: {OrderStatusPaid, OrderStatusCancelled},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// Order is a purchase intent created at checkout. OrderID is the externally
// visible identifier: it is exposed to the customer and sent to the payment
// gateway as the account reference, and is immutable once assigned.
type Order struct {
	ID              int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID         string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_id"`
	FullName        string          `gorm:"type:varchar(100);not null" json:"full_name"`
	Email           string          `gorm:"type:varchar(100);not null" json:"email"`
	Phone           string          `gorm:"type:varchar(15);not null" json:"phone"`
	Country         string          `gorm:"type:varchar(100);not null" json:"country"`
	State           string          `gorm:"type:varchar(100);not null" json:"state"`
	PaymentMethod   string          `gorm:"type:varchar(100);not null" json:"payment_method"`
	TotalAmount     decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"total_amount"`
	ShippingAddress string          `gorm:"type:text" json:"shipping_address"`
	Status          string          `gorm:"type:varchar(20);index;not null" json:"status"`
	PaidAt          *time.Time      `json:"paid_at"`
	CreatedAt       time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}
