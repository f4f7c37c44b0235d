package ledger

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

var (
	// ErrTransactionNotFound means the reference does not resolve to a confirmed transaction
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrMalformedResponse means the gateway returned a payload that failed schema validation
	ErrMalformedResponse = errors.New("malformed ledger response")

	// ErrAccountNotFound means the queried account does not exist
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidInput means an address or reference could not be decoded before any call was made
	ErrInvalidInput = errors.New("invalid ledger address or reference")
)

// JSON-RPC error codes with retry significance
const (
	codeInvalidParams        = -32602
	codeBlockNotAvailable    = -32004
	codeNodeUnhealthy        = -32005
	codeSlotSkipped          = -32007
	codeLongTermStorageSlot  = -32009
	codeMinContextSlotNotMet = -32016
)

// retryableMessages are node error substrings that indicate a transient condition
var retryableMessages = []string{
	"blockhash not found",
	"block height exceeded",
	"node is behind",
	"too many requests",
	"rate limit",
	"timed out",
	"try again",
}

// IsRetryable classifies a gateway error: transport failures, timeouts, throttling and
// expired blockhashes are retryable; malformed input and program errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code == http.StatusTooManyRequests || httpErr.Code >= 500
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case codeBlockNotAvailable, codeNodeUnhealthy, codeSlotSkipped, codeLongTermStorageSlot, codeMinContextSlotNotMet, http.StatusTooManyRequests:
			return true
		case codeInvalidParams:
			return false
		}
		msg := strings.ToLower(rpcErr.Message)
		for _, m := range retryableMessages {
			if strings.Contains(msg, m) {
				return true
			}
		}
		return false
	}

	if errors.Is(err, ErrMalformedResponse) || errors.Is(err, ErrInvalidInput) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Remaining errors come from the HTTP transport (connection refused, reset, EOF).
	return !errors.Is(err, ErrTransactionNotFound) &&
		!errors.Is(err, ErrAccountNotFound) &&
		!errors.Is(err, rpc.ErrNotFound)
}

// RejectedBeforeSubmit reports whether a send error proves the node never accepted the transfer.
// A node error or a client-side HTTP status means the request was refused; anything else may
// have been lost after the node took the transaction.
func RejectedBeforeSubmit(err error) bool {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return true
	}
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code < 500
	}
	return false
}
