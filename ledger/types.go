package ledger

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Gateway is the minimal ledger surface this service depends on.
// Reads are side-effect free; SendTransaction is the only write.
type Gateway interface {
	// GetTransaction fetches a confirmed transaction. Returns ErrTransactionNotFound when the
	// reference does not resolve.
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)

	// GetBalance returns the native balance of an account in base units
	GetBalance(ctx context.Context, account string) (uint64, error)

	// GetTokenAccountBalance returns the balance held by an asset account in base units
	GetTokenAccountBalance(ctx context.Context, account string) (uint64, error)

	// AccountExists reports whether the account has been created on the ledger
	AccountExists(ctx context.Context, account string) (bool, error)

	// GetLatestBlockhash returns a recent blockhash for signing
	GetLatestBlockhash(ctx context.Context) (*Blockhash, error)

	// GetBlockHeight returns the current block height
	GetBlockHeight(ctx context.Context) (uint64, error)

	// SendTransaction submits a signed transaction once and returns its signature
	SendTransaction(ctx context.Context, tx *solana.Transaction) (string, error)

	// GetSignatureStatus returns the status of a submitted transaction, or nil if unknown
	GetSignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error)
}

// Transaction is the strictly decoded form of a ledger transaction.
// All verification logic operates on this type only.
type Transaction struct {
	Signature       string
	Slot            uint64
	BlockTime       *time.Time
	Failed          bool
	FailureDetail   string
	FeePayer        string
	Signers         []string
	Accounts        []string
	NativeBalances  []BalanceChange
	TokenBalances   []TokenBalanceChange
	NativeTransfers []NativeTransfer
	TokenTransfers  []TokenTransfer
}

// BalanceChange is the native balance of one account before and after the transaction
type BalanceChange struct {
	Account string
	Pre     uint64
	Post    uint64
}

// Delta returns the signed change, clamped to int64 range by construction of native balances
func (b BalanceChange) Delta() int64 {
	return int64(b.Post) - int64(b.Pre)
}

// TokenBalanceChange is the asset balance of one asset account before and after the transaction
type TokenBalanceChange struct {
	Account  string
	Owner    string
	Mint     string
	Decimals uint8
	Pre      uint64
	Post     uint64
}

// NativeTransfer is a decoded native-asset transfer instruction
type NativeTransfer struct {
	From     string
	To       string
	Lamports uint64
}

// TokenTransfer is a decoded asset transfer instruction.
// Mint is empty for the naive transfer form, which carries no asset identity.
type TokenTransfer struct {
	Source      string
	Destination string
	Authority   string
	Mint        string
	Amount      uint64
	Decimals    *uint8
	Checked     bool
}

// HasIdentity reports whether the instruction carries its asset identity directly
func (t TokenTransfer) HasIdentity() bool {
	return t.Checked && t.Mint != ""
}

// NativeBalance returns the balance change for account, if present
func (tx *Transaction) NativeBalance(account string) (BalanceChange, bool) {
	for _, b := range tx.NativeBalances {
		if b.Account == account {
			return b, true
		}
	}
	return BalanceChange{}, false
}

// TokenBalance returns the asset balance snapshot for an asset account, if present
func (tx *Transaction) TokenBalance(account string) (TokenBalanceChange, bool) {
	for _, b := range tx.TokenBalances {
		if b.Account == account {
			return b, true
		}
	}
	return TokenBalanceChange{}, false
}

// Blockhash is a recent blockhash and the last block height it is valid for
type Blockhash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
}

// Commitment levels reported by signature status
const (
	CommitmentProcessed = string(rpc.ConfirmationStatusProcessed)
	CommitmentConfirmed = string(rpc.ConfirmationStatusConfirmed)
	CommitmentFinalized = string(rpc.ConfirmationStatusFinalized)
)

// SignatureStatus is the observed state of a submitted transaction
type SignatureStatus struct {
	Slot               uint64
	ConfirmationStatus string
	Err                string
}

// Confirmed reports whether the transaction reached at least confirmed commitment
func (s *SignatureStatus) Confirmed() bool {
	return s.ConfirmationStatus == CommitmentConfirmed || s.ConfirmationStatus == CommitmentFinalized
}

// Failed reports whether the transaction landed but failed on chain
func (s *SignatureStatus) Failed() bool {
	return s.Err != ""
}
