package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"dukapay/internal/config"

	"github.com/shopspring/decimal"
)

var (
	ErrGatewayTimeout = errors.New("payment gateway timed out")
	ErrInvalidAck     = errors.New("invalid acknowledgment from payment gateway")
)

// Client talks to the Safaricom Daraja API. The underlying http.Client
// carries an explicit timeout because the STK push happens synchronously
// on the checkout path; a timeout is reported as ErrGatewayTimeout, a
// distinct outcome from a definite gateway rejection, since the push may
// still have gone through.
type Client struct {
	cfg        *config.MpesaConfig
	httpClient *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewClient(cfg *config.MpesaConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// STKPushRequest carries everything the push needs. AccountReference is
// what the customer sees against the charge; we pass the order id so the
// charge can be traced back from a statement.
type STKPushRequest struct {
	PhoneNumber      string
	Amount           decimal.Decimal
	AccountReference string
	TransactionDesc  string
	CallbackURL      string
}

// STKPushResponse is the synchronous Daraja acknowledgment. Only
// CheckoutRequestID matters for reconciliation; it is the correlation key
// the asynchronous callback will carry.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

type stkPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPush asks the gateway to prompt the customer's phone for a PIN to
// authorize the charge. A well-formed acknowledgment must contain a
// CheckoutRequestID; anything else is treated as a failed initiation and
// nothing should be persisted by the caller.
func (c *Client) STKPush(ctx context.Context, req STKPushRequest) (*STKPushResponse, error) {
	token, err := c.accessTokenLocked(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString(
		[]byte(c.cfg.ShortCode + c.cfg.Passkey + timestamp))

	payload := stkPushPayload{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		// Daraja rejects fractional amounts; round up so we never
		// under-collect.
		Amount:           req.Amount.Ceil().String(),
		PartyA:           req.PhoneNumber,
		PartyB:           c.cfg.ShortCode,
		PhoneNumber:      req.PhoneNumber,
		CallBackURL:      req.CallbackURL,
		AccountReference: req.AccountReference,
		TransactionDesc:  req.TransactionDesc,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.mapTransportError(err)
	}
	defer resp.Body.Close()

	var ack STKPushResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAck, err)
	}

	if resp.StatusCode != http.StatusOK || ack.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: status=%d response_code=%q",
			ErrInvalidAck, resp.StatusCode, ack.ResponseCode)
	}

	return &ack, nil
}

// accessTokenLocked returns a cached OAuth token, refreshing it via the
// client-credentials endpoint when missing or expired.
func (c *Client) accessTokenLocked(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	httpReq.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", c.mapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed: status=%d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", errors.New("token response missing access_token")
	}

	c.accessToken = tr.AccessToken
	// ExpiresIn is seconds as a string; refresh a minute early.
	expiry := 3599 * time.Second
	if d, parseErr := time.ParseDuration(tr.ExpiresIn + "s"); parseErr == nil {
		expiry = d
	}
	c.tokenExpiry = time.Now().Add(expiry - time.Minute)

	return c.accessToken, nil
}

func (c *Client) mapTransportError(err error) error {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
	}
	return err
}
