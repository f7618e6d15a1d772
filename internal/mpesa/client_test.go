package mpesa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dukapay/internal/config"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeDaraja(t *testing.T, pushHandler http.HandlerFunc) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)
		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "test-token",
			"expires_in":   "3599",
		})
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", pushHandler)

	return httptest.NewServer(mux)
}

func testClient(baseURL string) *Client {
	return NewClient(&config.MpesaConfig{
		BaseURL:        baseURL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "passkey",
		TimeoutSeconds: 5,
	})
}

func TestSTKPush(t *testing.T) {
	var got stkPushPayload
	server := newFakeDaraja(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(STKPushResponse{
			MerchantRequestID: "mr-1",
			CheckoutRequestID: "ws_CO_123",
			ResponseCode:      "0",
			CustomerMessage:   "Success. Request accepted for processing",
		})
	})
	defer server.Close()

	client := testClient(server.URL)
	ack, err := client.STKPush(context.Background(), STKPushRequest{
		PhoneNumber:      "254700000000",
		Amount:           decimal.NewFromFloat(499.50),
		AccountReference: "ord-1",
		TransactionDesc:  "Payment for order ord-1",
		CallbackURL:      "https://shop.example.com/api/v1/mpesa/callback",
	})
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_123", ack.CheckoutRequestID)

	assert.Equal(t, "174379", got.BusinessShortCode)
	assert.Equal(t, "CustomerPayBillOnline", got.TransactionType)
	assert.Equal(t, "500", got.Amount) // fractional amounts rounded up
	assert.Equal(t, "254700000000", got.PhoneNumber)
	assert.Equal(t, "ord-1", got.AccountReference)
	assert.Equal(t, "https://shop.example.com/api/v1/mpesa/callback", got.CallBackURL)
	assert.NotEmpty(t, got.Password)
	assert.NotEmpty(t, got.Timestamp)
}

func TestSTKPushMissingCheckoutRequestID(t *testing.T) {
	server := newFakeDaraja(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"ResponseCode": "1"})
	})
	defer server.Close()

	client := testClient(server.URL)
	_, err := client.STKPush(context.Background(), STKPushRequest{
		PhoneNumber: "254700000000",
		Amount:      decimal.NewFromInt(500),
		CallbackURL: "http://localhost/cb",
	})
	assert.ErrorIs(t, err, ErrInvalidAck)
}

func TestSTKPushGatewayError(t *testing.T) {
	server := newFakeDaraja(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"errorMessage": "Spike arrest violation"})
	})
	defer server.Close()

	client := testClient(server.URL)
	_, err := client.STKPush(context.Background(), STKPushRequest{
		PhoneNumber: "254700000000",
		Amount:      decimal.NewFromInt(500),
		CallbackURL: "http://localhost/cb",
	})
	assert.ErrorIs(t, err, ErrInvalidAck)
}

func TestSTKPushTimeout(t *testing.T) {
	server := newFakeDaraja(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	})
	defer server.Close()

	client := testClient(server.URL)
	client.httpClient.Timeout = 50 * time.Millisecond

	_, err := client.STKPush(context.Background(), STKPushRequest{
		PhoneNumber: "254700000000",
		Amount:      decimal.NewFromInt(500),
		CallbackURL: "http://localhost/cb",
	})
	assert.ErrorIs(t, err, ErrGatewayTimeout)
}

func TestCallbackMetadataAccessors(t *testing.T) {
	raw := `{
	  "Body": {
	    "stkCallback": {
	      "MerchantRequestID": "mr-1",
	      "CheckoutRequestID": "ws_CO_123",
	      "ResultCode": 0,
	      "ResultDesc": "The service request is processed successfully.",
	      "CallbackMetadata": {
	        "Item": [
	          {"Name": "Amount", "Value": 500.00},
	          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
	          {"Name": "TransactionDate", "Value": 20250115143052},
	          {"Name": "PhoneNumber", "Value": 254700000000}
	        ]
	      }
	    }
	  }
	}`

	var envelope CallbackEnvelope
	require.NoError(t, json.Unmarshal([]byte(raw), &envelope))

	cb := envelope.Body.StkCallback
	assert.True(t, cb.Succeeded())
	assert.Equal(t, "ws_CO_123", cb.CheckoutRequestID)
	assert.True(t, cb.Amount().Equal(decimal.NewFromInt(500)))
	assert.Equal(t, "NLJ7RT61SV", cb.ReceiptNumber())
	assert.Equal(t, "20250115143052", cb.TransactionDate())
	assert.Equal(t, "254700000000", cb.PhoneNumber())
}

func TestCallbackFailureHasNoMetadata(t *testing.T) {
	raw := `{
	  "Body": {
	    "stkCallback": {
	      "MerchantRequestID": "mr-1",
	      "CheckoutRequestID": "ws_CO_123",
	      "ResultCode": 1032,
	      "ResultDesc": "Request cancelled by user"
	    }
	  }
	}`

	var envelope CallbackEnvelope
	require.NoError(t, json.Unmarshal([]byte(raw), &envelope))

	cb := envelope.Body.StkCallback
	assert.False(t, cb.Succeeded())
	assert.Empty(t, cb.ReceiptNumber())
	assert.True(t, cb.Amount().IsZero())
}
