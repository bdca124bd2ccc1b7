package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mtaani/commerce-backend/pkg/config"
	pkgerrors "github.com/mtaani/commerce-backend/pkg/errors"
	"github.com/mtaani/commerce-backend/pkg/logger"
)

const (
	sandboxEnv    = "sandbox"
	productionEnv = "production"

	transactionType = "CustomerPayBillOnline"

	tokenPath    = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath  = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath = "/mpesa/stkpushquery/v1/query"

	timestampLayout = "20060102150405"

	// Tokens live for an hour; refresh a little early.
	tokenSlack = 2 * time.Minute
)

var (
	errConsumerKeyRequired = errors.New("mpesa consumer key and secret are required")
	errShortcodeRequired   = errors.New("mpesa shortcode and passkey are required")
	errCallbackURLRequired = errors.New("mpesa callback url is required")
	errInvalidMpesaEnv     = fmt.Errorf("mpesa environment must be %q or %q", sandboxEnv, productionEnv)
	errLoggerRequired      = errors.New("mpesa logger is required")
)

var baseURLs = map[string]string{
	sandboxEnv:    "https://sandbox.safaricom.co.ke",
	productionEnv: "https://api.safaricom.co.ke",
}

// Client wraps the Daraja STK push API with centralized auth, logging, and
// error mapping. Safe for concurrent use.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	environment    string
	consumerKey    string
	consumerSecret string
	shortcode      string
	passkey        string
	callbackURL    string
	tokenTimeout   time.Duration
	logger         *logger.Logger
	now            func() time.Time

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient initializes the Daraja wrapper and validates the credentials.
func NewClient(ctx context.Context, cfg config.MpesaConfig, logg *logger.Logger) (*Client, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.ConsumerKey) == "" || strings.TrimSpace(cfg.ConsumerSecret) == "" {
		return nil, errConsumerKeyRequired
	}
	if strings.TrimSpace(cfg.Shortcode) == "" || strings.TrimSpace(cfg.Passkey) == "" {
		return nil, errShortcodeRequired
	}
	if strings.TrimSpace(cfg.CallbackURL) == "" {
		return nil, errCallbackURLRequired
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 15 * time.Second
	}
	tokenTimeout := cfg.TokenTimeout
	if tokenTimeout <= 0 {
		tokenTimeout = 10 * time.Second
	}

	c := &Client{
		httpClient:     &http.Client{Timeout: requestTimeout},
		baseURL:        baseURLs[env],
		environment:    env,
		consumerKey:    strings.TrimSpace(cfg.ConsumerKey),
		consumerSecret: strings.TrimSpace(cfg.ConsumerSecret),
		shortcode:      strings.TrimSpace(cfg.Shortcode),
		passkey:        strings.TrimSpace(cfg.Passkey),
		callbackURL:    strings.TrimSpace(cfg.CallbackURL),
		tokenTimeout:   tokenTimeout,
		logger:         logg,
		now:            time.Now,
	}

	logg.Info(ctx, "mpesa client initialized")
	return c, nil
}

// Environment reports the normalized Daraja environment.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// STKPush asks Daraja to push a payment prompt to the customer's handset.
func (c *Client) STKPush(ctx context.Context, params STKPushParams) (*STKPushResponse, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := c.now().Format(timestampLayout)
	req := stkPushRequest{
		BusinessShortCode: c.shortcode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   transactionType,
		Amount:            strconv.FormatInt(params.Amount, 10),
		PartyA:            params.Phone,
		PartyB:            c.shortcode,
		PhoneNumber:       params.Phone,
		CallBackURL:       c.callbackURL,
		AccountReference:  params.AccountReference,
		TransactionDesc:   params.Description,
	}

	c.log(ctx, "request", "stk_push", map[string]any{
		"account_reference": params.AccountReference,
		"amount":            params.Amount,
	})

	var resp STKPushResponse
	if err := c.postJSON(ctx, stkPushPath, token, req, &resp, "stk push"); err != nil {
		c.log(ctx, "error", "stk_push", map[string]any{"error": err.Error()})
		return nil, err
	}

	c.log(ctx, "response", "stk_push", map[string]any{
		"checkout_request_id": resp.CheckoutRequestID,
		"response_code":       resp.ResponseCode,
	})
	return &resp, nil
}

// QueryStatus asks Daraja for the outcome of a previously initiated push.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*STKQueryResponse, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := c.now().Format(timestampLayout)
	req := stkQueryRequest{
		BusinessShortCode: c.shortcode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	c.log(ctx, "request", "stk_query", map[string]any{
		"checkout_request_id": checkoutRequestID,
	})

	var resp STKQueryResponse
	if err := c.postJSON(ctx, stkQueryPath, token, req, &resp, "stk query"); err != nil {
		c.log(ctx, "error", "stk_query", map[string]any{"error": err.Error()})
		return nil, err
	}

	c.log(ctx, "response", "stk_query", map[string]any{
		"checkout_request_id": resp.CheckoutRequestID,
		"result_code":         resp.ResultCode,
	})
	return &resp, nil
}

// password builds base64(shortcode + passkey + timestamp) per the Daraja contract.
func (c *Client) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.shortcode + c.passkey + timestamp))
}

func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && c.now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.tokenTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+tokenPath, nil)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "building mpesa token request")
	}
	req.SetBasicAuth(c.consumerKey, c.consumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mpesa token request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reading mpesa token response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", c.providerError(resp.StatusCode, body, "mpesa token")
	}

	var payload tokenResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decoding mpesa token response")
	}
	if payload.AccessToken == "" {
		return "", pkgerrors.New(pkgerrors.CodeDependency, "mpesa token response missing access token")
	}

	ttl := time.Hour
	if secs, err := strconv.Atoi(payload.ExpiresIn); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	c.accessToken = payload.AccessToken
	c.tokenExpiry = c.now().Add(ttl - tokenSlack)
	return c.accessToken, nil
}

func (c *Client) postJSON(ctx context.Context, path, token string, body, out any, op string) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, fmt.Sprintf("encoding %s request", op))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, fmt.Sprintf("building %s request", op))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("mpesa %s request failed", op))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("reading mpesa %s response", op))
	}
	if resp.StatusCode != http.StatusOK {
		return c.providerError(resp.StatusCode, raw, "mpesa "+op)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("decoding mpesa %s response", op))
	}
	return nil
}

func (c *Client) providerError(status int, body []byte, op string) error {
	message := fmt.Sprintf("%s failed with status %d", op, status)
	var payload providerErrorBody
	if err := json.Unmarshal(body, &payload); err == nil && payload.ErrorMessage != "" {
		message = fmt.Sprintf("%s: %s (%s)", op, payload.ErrorMessage, payload.ErrorCode)
	}
	code := pkgerrors.CodeDependency
	if status >= 400 && status < 500 {
		code = pkgerrors.CodeValidation
	}
	return pkgerrors.New(code, message)
}

func (c *Client) log(ctx context.Context, phase, op string, fields map[string]any) {
	if c == nil || c.logger == nil {
		return
	}
	logFields := map[string]any{
		"operation": op,
		"phase":     phase,
	}
	for k, v := range fields {
		logFields[k] = redact(k, v)
	}
	ctx = c.logger.WithFields(ctx, logFields)
	switch phase {
	case "error":
		c.logger.Error(ctx, fmt.Sprintf("mpesa %s", op), errors.New(fmt.Sprint(fields["error"])))
	default:
		c.logger.Info(ctx, fmt.Sprintf("mpesa %s", phase))
	}
}

func redact(key string, value any) any {
	lower := strings.ToLower(key)
	for _, sensitive := range []string{"password", "passkey", "token", "secret", "phone"} {
		if strings.Contains(lower, sensitive) {
			return "[REDACTED]"
		}
	}
	return value
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = sandboxEnv
	}
	switch env {
	case sandboxEnv, productionEnv:
		return env, nil
	}
	return "", errInvalidMpesaEnv
}
