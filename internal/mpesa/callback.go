package mpesa

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ResultCodeSuccess is the Daraja result code for a completed push.
const ResultCodeSuccess = 0

// CallbackEnvelope is the asynchronous result Daraja posts to our callback
// URL, nested under Body.stkCallback. The payload is gateway-controlled,
// so it is decoded into explicit types and validated at the boundary
// rather than walked as a loose map.
type CallbackEnvelope struct {
	Body CallbackBody `json:"Body"`
}

type CallbackBody struct {
	StkCallback StkCallback `json:"stkCallback"`
}

type StkCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        int               `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

// CallbackMetadata is a flat name/value list. On success Daraja sends
// Amount, MpesaReceiptNumber, TransactionDate and PhoneNumber items.
type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

type MetadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

func (cb *StkCallback) Succeeded() bool {
	return cb.ResultCode == ResultCodeSuccess
}

func (cb *StkCallback) metadataValue(name string) (interface{}, bool) {
	if cb.CallbackMetadata == nil {
		return nil, false
	}
	for _, item := range cb.CallbackMetadata.Item {
		if item.Name == name {
			return item.Value, true
		}
	}
	return nil, false
}

func (cb *StkCallback) metadataString(name string) string {
	v, ok := cb.metadataValue(name)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// TransactionDate and PhoneNumber arrive as JSON numbers.
		return decimal.NewFromFloat(t).String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

func (cb *StkCallback) Amount() decimal.Decimal {
	v, ok := cb.metadataValue("Amount")
	if !ok {
		return decimal.Zero
	}
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t)
	case string:
		d, err := decimal.NewFromString(t)
		if err == nil {
			return d
		}
	}
	return decimal.Zero
}

func (cb *StkCallback) ReceiptNumber() string {
	return cb.metadataString("MpesaReceiptNumber")
}

func (cb *StkCallback) TransactionDate() string {
	return cb.metadataString("TransactionDate")
}

func (cb *StkCallback) PhoneNumber() string {
	return cb.metadataString("PhoneNumber")
}
