package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"escrowbet/metrics"
)

// Config holds gateway client configuration
type Config struct {
	RPCURL            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxReadRetries    uint64
	RetryInitial      time.Duration
}

// Client is the ledger gateway over a JSON-RPC node
type Client struct {
	rpc            *rpc.Client
	limiter        *rate.Limiter
	maxReadRetries uint64
	retryInitial   time.Duration
}

// NewClient creates a gateway client
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("ledger RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	retryInitial := cfg.RetryInitial
	if retryInitial == 0 {
		retryInitial = 200 * time.Millisecond
	}

	transport := jsonrpc.NewClientWithOpts(cfg.RPCURL, &jsonrpc.RPCClientOpts{
		HTTPClient: &http.Client{Timeout: timeout},
	})
	return &Client{
		rpc:            rpc.NewWithCustomRPCClient(transport),
		limiter:        rate.NewLimiter(limit, burst),
		maxReadRetries: cfg.MaxReadRetries,
		retryInitial:   retryInitial,
	}, nil
}

// Close releases idle connections held by the transport
func (c *Client) Close() error {
	return c.rpc.Close()
}

// call makes one rate-limited node call and records its latency
func (c *Client) call(ctx context.Context, method string, fn func(ctx context.Context) error) (err error) {
	start := time.Now()
	defer func() {
		metrics.RecordGatewayCall(method, time.Since(start), err)
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

// read retries an idempotent call with exponential backoff while the error is retryable
func (c *Client) read(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	op := func() error {
		err := c.call(ctx, method, fn)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.retryInitial
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, c.maxReadRetries), ctx)

	notify := func(err error, wait time.Duration) {
		log.WithFields(log.Fields{
			"method": method,
			"wait":   wait,
			"error":  err,
		}).Debug("retrying ledger read")
	}
	return backoff.RetryNotify(op, policy, notify)
}

func parseAccount(account string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(account)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: account %q: %v", ErrInvalidInput, account, err)
	}
	return pk, nil
}

// GetTransaction fetches and strictly decodes a confirmed transaction. The reference is passed
// through unparsed so the node, not the client, rejects a malformed one.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	params := []interface{}{signature, rpc.M{
		"encoding":                       solana.EncodingJSONParsed,
		"commitment":                     rpc.CommitmentConfirmed,
		"maxSupportedTransactionVersion": 0,
	}}

	var result json.RawMessage
	err := c.read(ctx, "getTransaction", func(ctx context.Context) error {
		return c.rpc.RPCCallForInto(ctx, &result, "getTransaction", params)
	})
	if err != nil {
		return nil, err
	}
	return DecodeTransaction(signature, result)
}

// GetBalance returns the native balance of account
func (c *Client) GetBalance(ctx context.Context, account string) (uint64, error) {
	pk, err := parseAccount(account)
	if err != nil {
		return 0, err
	}

	var out *rpc.GetBalanceResult
	err = c.read(ctx, "getBalance", func(ctx context.Context) (err error) {
		out, err = c.rpc.GetBalance(ctx, pk, rpc.CommitmentConfirmed)
		return err
	})
	if err != nil {
		return 0, err
	}
	if out == nil {
		return 0, fmt.Errorf("%w: getBalance returned no value", ErrMalformedResponse)
	}
	return out.Value, nil
}

// GetTokenAccountBalance returns the asset balance of an asset account.
// A missing account yields ErrAccountNotFound.
func (c *Client) GetTokenAccountBalance(ctx context.Context, account string) (uint64, error) {
	pk, err := parseAccount(account)
	if err != nil {
		return 0, err
	}

	var out *rpc.GetTokenAccountBalanceResult
	err = c.read(ctx, "getTokenAccountBalance", func(ctx context.Context) (err error) {
		out, err = c.rpc.GetTokenAccountBalance(ctx, pk, rpc.CommitmentConfirmed)
		return err
	})
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) && strings.Contains(strings.ToLower(rpcErr.Message), "could not find account") {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	if out == nil || out.Value == nil {
		return 0, ErrAccountNotFound
	}
	return parseAmount(out.Value.Amount)
}

// AccountExists reports whether account has been created
func (c *Client) AccountExists(ctx context.Context, account string) (bool, error) {
	pk, err := parseAccount(account)
	if err != nil {
		return false, err
	}

	err = c.read(ctx, "getAccountInfo", func(ctx context.Context) error {
		_, err := c.rpc.GetAccountInfoWithOpts(ctx, pk, &rpc.GetAccountInfoOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: rpc.CommitmentConfirmed,
		})
		return err
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetLatestBlockhash returns a recent blockhash and its expiry height
func (c *Client) GetLatestBlockhash(ctx context.Context) (*Blockhash, error) {
	var out *rpc.GetLatestBlockhashResult
	err := c.read(ctx, "getLatestBlockhash", func(ctx context.Context) (err error) {
		out, err = c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil || out.Value == nil || out.Value.Blockhash.IsZero() {
		return nil, fmt.Errorf("%w: getLatestBlockhash returned no value", ErrMalformedResponse)
	}
	return &Blockhash{Hash: out.Value.Blockhash, LastValidBlockHeight: out.Value.LastValidBlockHeight}, nil
}

// GetBlockHeight returns the current confirmed block height
func (c *Client) GetBlockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := c.read(ctx, "getBlockHeight", func(ctx context.Context) (err error) {
		height, err = c.rpc.GetBlockHeight(ctx, rpc.CommitmentConfirmed)
		return err
	})
	return height, err
}

// SendTransaction submits a signed transaction once. Submissions are never retried here;
// the caller reconciles through GetSignatureStatus before resubmitting.
func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction) (string, error) {
	var sig solana.Signature
	err := c.call(ctx, "sendTransaction", func(ctx context.Context) (err error) {
		sig, err = c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			PreflightCommitment: rpc.CommitmentConfirmed,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	if sig.IsZero() {
		return "", fmt.Errorf("%w: sendTransaction returned no signature", ErrMalformedResponse)
	}
	return sig.String(), nil
}

// GetSignatureStatus returns the status of signature, or nil if the ledger has no record of it
func (c *Client) GetSignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature %q: %v", ErrInvalidInput, signature, err)
	}

	var out *rpc.GetSignatureStatusesResult
	err = c.read(ctx, "getSignatureStatuses", func(ctx context.Context) (err error) {
		out, err = c.rpc.GetSignatureStatuses(ctx, true, sig)
		return err
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, fmt.Errorf("%w: getSignatureStatuses returned no value", ErrMalformedResponse)
	}
	if err != nil {
		return nil, err
	}
	if len(out.Value) != 1 {
		return nil, fmt.Errorf("%w: expected 1 signature status, got %d", ErrMalformedResponse, len(out.Value))
	}
	if out.Value[0] == nil {
		return nil, nil
	}

	status := &SignatureStatus{
		Slot:               out.Value[0].Slot,
		ConfirmationStatus: string(out.Value[0].ConfirmationStatus),
	}
	if out.Value[0].Err != nil {
		detail, err := json.Marshal(out.Value[0].Err)
		if err != nil {
			detail = []byte(fmt.Sprint(out.Value[0].Err))
		}
		status.Err = string(detail)
	}
	return status, nil
}
