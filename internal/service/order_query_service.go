package service

import (
	"context"

	"dukapay/internal/model"
	"dukapay/internal/repository"

	"gorm.io/gorm"
)

// OrderQueryService is the read side: order detail with its payment
// attempts, and a paged listing.
type OrderQueryService struct {
	orderRepo   *repository.OrderRepository
	paymentRepo *repository.PaymentRepository
}

func NewOrderQueryService(db *gorm.DB) *OrderQueryService {
	return &OrderQueryService{
		orderRepo:   repository.NewOrderRepository(db),
		paymentRepo: repository.NewPaymentRepository(db),
	}
}

type OrderDetail struct {
	Order    *model.Order     `json:"order"`
	Payments []*model.Payment `json:"payments"`
}

func (s *OrderQueryService) GetOrder(ctx context.Context, orderID string) (*OrderDetail, error) {
	order, err := s.orderRepo.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	payments, err := s.paymentRepo.ListByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	return &OrderDetail{Order: order, Payments: payments}, nil
}

func (s *OrderQueryService) ListOrders(ctx context.Context, page, pageSize int) ([]*model.Order, int64, error) {
	return s.orderRepo.List(ctx, page, pageSize)
}
