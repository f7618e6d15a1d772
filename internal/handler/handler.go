package handler

import (
	"errors"
	"log"
	"strconv"

	"dukapay/internal/config"
	"dukapay/internal/mpesa"
	"dukapay/internal/repository"
	"dukapay/internal/service"
	"dukapay/pkg/response"

	"github.com/gin-gonic/gin"
)

const callbackPath = "/api/v1/mpesa/callback"

// Handler bundles the request-facing services.
type Handler struct {
	cfg             *config.Config
	checkoutService *service.CheckoutService
	callbackService *service.CallbackService
	queryService    *service.OrderQueryService
}

func NewHandler(cfg *config.Config, checkout *service.CheckoutService, callback *service.CallbackService, query *service.OrderQueryService) *Handler {
	return &Handler{
		cfg:             cfg,
		checkoutService: checkout,
		callbackService: callback,
		queryService:    query,
	}
}

// CreateOrder is the checkout entry point.
// POST /api/v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "missing required fields: "+err.Error())
		return
	}

	result, err := h.checkoutService.CreateOrder(c.Request.Context(), &req, h.callbackURL(c))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidAmount):
			response.ParamError(c, err.Error())
		case errors.Is(err, service.ErrDuplicateOrderID):
			response.BusinessError(c, response.CodeDuplicateOrderID, "order id already in use")
		case errors.Is(err, mpesa.ErrGatewayTimeout):
			// Distinct from a definite failure: the push may or may not
			// have reached the customer's phone.
			response.BusinessError(c, response.CodeGatewayTimeout, "payment gateway timed out, status unknown")
		case errors.Is(err, mpesa.ErrInvalidAck):
			response.BusinessError(c, response.CodeGatewayError, "invalid response from payment gateway")
		default:
			response.ServerError(c, err.Error())
		}
		return
	}

	response.Success(c, result)
}

// callbackAck is what the gateway receives. It must always be delivered
// with HTTP 200, including the payment-not-found case, or Daraja keeps
// retrying delivery.
type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// MpesaCallback receives the asynchronous STK push result.
// POST /api/v1/mpesa/callback
func (h *Handler) MpesaCallback(c *gin.Context) {
	var envelope mpesa.CallbackEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		c.JSON(200, callbackAck{ResultCode: 0, ResultDesc: "Rejected: malformed payload"})
		return
	}

	outcome, err := h.callbackService.HandleCallback(c.Request.Context(), &envelope.Body.StkCallback)
	if err != nil {
		// Internal failure. The 200 ack stops gateway redelivery, so
		// this log line is the only trace left for reconciling the
		// callback by hand.
		log.Printf("[Callback] internal error, acknowledging anyway: checkout_request_id=%s err=%v",
			envelope.Body.StkCallback.CheckoutRequestID, err)
		c.JSON(200, callbackAck{ResultCode: 0, ResultDesc: "Accepted"})
		return
	}

	switch outcome {
	case service.OutcomePaymentNotFound:
		c.JSON(200, callbackAck{ResultCode: 0, ResultDesc: "Payment not found"})
	case service.OutcomeAlreadySettled:
		c.JSON(200, callbackAck{ResultCode: 0, ResultDesc: "Already processed"})
	case service.OutcomeFailedResult:
		c.JSON(200, callbackAck{ResultCode: 0, ResultDesc: "Transaction failed, recorded"})
	case service.OutcomeInvalidPayload:
		c.JSON(200, callbackAck{ResultCode: 0, ResultDesc: "Rejected: malformed payload"})
	default:
		c.JSON(200, callbackAck{ResultCode: 0, ResultDesc: "Payment completed successfully"})
	}
}

// GetOrder returns an order and its payment attempts.
// GET /api/v1/orders/:order_id
func (h *Handler) GetOrder(c *gin.Context) {
	orderID := c.Param("order_id")
	if orderID == "" {
		response.ParamError(c, "order_id is required")
		return
	}

	detail, err := h.queryService.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			response.BusinessError(c, response.CodeOrderNotFound, "order not found")
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, detail)
}

// ListOrders returns a page of orders, newest first.
// GET /api/v1/orders?page=1&page_size=10
func (h *Handler) ListOrders(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}

	orders, total, err := h.queryService.ListOrders(c.Request.Context(), page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      orders,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// callbackURL picks the configured override when present (tunnelled
// development), otherwise derives the URL from the inbound request host.
func (h *Handler) callbackURL(c *gin.Context) string {
	if base := h.cfg.Mpesa.CallbackBaseURL; base != "" {
		return base + callbackPath
	}

	scheme := "http"
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host + callbackPath
}
