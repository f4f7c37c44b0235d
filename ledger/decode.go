package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Wire shapes of a jsonParsed getTransaction response. Only the fields we rely on are declared.
type rawTransactionResponse struct {
	Slot        uint64          `json:"slot"`
	BlockTime   *int64          `json:"blockTime"`
	Meta        *rawMeta        `json:"meta"`
	Transaction *rawTransaction `json:"transaction"`
}

type rawMeta struct {
	Err               json.RawMessage         `json:"err"`
	PreBalances       []uint64                `json:"preBalances"`
	PostBalances      []uint64                `json:"postBalances"`
	PreTokenBalances  []rawTokenBalance       `json:"preTokenBalances"`
	PostTokenBalances []rawTokenBalance       `json:"postTokenBalances"`
	InnerInstructions []rawInnerInstructionSet `json:"innerInstructions"`
}

type rawTokenBalance struct {
	AccountIndex  int            `json:"accountIndex"`
	Mint          string         `json:"mint"`
	Owner         string         `json:"owner"`
	UITokenAmount rawTokenAmount `json:"uiTokenAmount"`
}

type rawTokenAmount struct {
	Amount   string `json:"amount"`
	Decimals uint8  `json:"decimals"`
}

type rawInnerInstructionSet struct {
	Index        int              `json:"index"`
	Instructions []rawInstruction `json:"instructions"`
}

type rawTransaction struct {
	Signatures []string   `json:"signatures"`
	Message    rawMessage `json:"message"`
}

type rawMessage struct {
	AccountKeys  []rawAccountKey  `json:"accountKeys"`
	Instructions []rawInstruction `json:"instructions"`
}

type rawAccountKey struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

type rawInstruction struct {
	Program   string          `json:"program"`
	ProgramID string          `json:"programId"`
	Parsed    json.RawMessage `json:"parsed"`
}

type rawParsedInstruction struct {
	Type string          `json:"type"`
	Info json.RawMessage `json:"info"`
}

type systemTransferInfo struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Lamports    uint64 `json:"lamports"`
}

type tokenTransferInfo struct {
	Source            string         `json:"source"`
	Destination       string         `json:"destination"`
	Authority         string         `json:"authority"`
	MultisigAuthority string         `json:"multisigAuthority"`
	Mint              string         `json:"mint"`
	Amount            string         `json:"amount"`
	TokenAmount       rawTokenAmount `json:"tokenAmount"`
}

var jsonNull = []byte("null")

// DecodeTransaction validates a getTransaction result and converts it to the typed form.
// A null result yields ErrTransactionNotFound; any shape violation yields ErrMalformedResponse.
func DecodeTransaction(signature string, result json.RawMessage) (*Transaction, error) {
	if len(bytes.TrimSpace(result)) == 0 || bytes.Equal(bytes.TrimSpace(result), jsonNull) {
		return nil, ErrTransactionNotFound
	}

	var raw rawTransactionResponse
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if raw.Transaction == nil || raw.Meta == nil {
		return nil, fmt.Errorf("%w: transaction or meta missing", ErrMalformedResponse)
	}

	keys := raw.Transaction.Message.AccountKeys
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no account keys", ErrMalformedResponse)
	}
	if len(raw.Transaction.Signatures) == 0 {
		return nil, fmt.Errorf("%w: no signatures", ErrMalformedResponse)
	}
	if len(raw.Meta.PreBalances) != len(keys) || len(raw.Meta.PostBalances) != len(keys) {
		return nil, fmt.Errorf("%w: balance arrays do not match %d account keys", ErrMalformedResponse, len(keys))
	}
	if !keys[0].Signer {
		return nil, fmt.Errorf("%w: fee payer is not a signer", ErrMalformedResponse)
	}

	tx := &Transaction{
		Signature: signature,
		Slot:      raw.Slot,
		FeePayer:  keys[0].Pubkey,
	}
	if raw.BlockTime != nil {
		bt := time.Unix(*raw.BlockTime, 0).UTC()
		tx.BlockTime = &bt
	}
	if len(raw.Meta.Err) > 0 && !bytes.Equal(bytes.TrimSpace(raw.Meta.Err), jsonNull) {
		tx.Failed = true
		tx.FailureDetail = string(raw.Meta.Err)
	}

	for i, k := range keys {
		if k.Pubkey == "" {
			return nil, fmt.Errorf("%w: empty account key at index %d", ErrMalformedResponse, i)
		}
		tx.Accounts = append(tx.Accounts, k.Pubkey)
		if k.Signer {
			tx.Signers = append(tx.Signers, k.Pubkey)
		}
		tx.NativeBalances = append(tx.NativeBalances, BalanceChange{
			Account: k.Pubkey,
			Pre:     raw.Meta.PreBalances[i],
			Post:    raw.Meta.PostBalances[i],
		})
	}

	tokenBalances, err := decodeTokenBalances(tx.Accounts, raw.Meta.PreTokenBalances, raw.Meta.PostTokenBalances)
	if err != nil {
		return nil, err
	}
	tx.TokenBalances = tokenBalances

	instructions := append([]rawInstruction{}, raw.Transaction.Message.Instructions...)
	for _, inner := range raw.Meta.InnerInstructions {
		instructions = append(instructions, inner.Instructions...)
	}
	for _, ix := range instructions {
		if err := tx.appendInstruction(ix); err != nil {
			return nil, err
		}
	}

	return tx, nil
}

func decodeTokenBalances(accounts []string, pre, post []rawTokenBalance) ([]TokenBalanceChange, error) {
	byIndex := make(map[int]*TokenBalanceChange)
	var order []int

	load := func(entries []rawTokenBalance, isPost bool) error {
		for _, e := range entries {
			if e.AccountIndex < 0 || e.AccountIndex >= len(accounts) {
				return fmt.Errorf("%w: token balance account index %d out of range", ErrMalformedResponse, e.AccountIndex)
			}
			if e.Mint == "" {
				return fmt.Errorf("%w: token balance without mint", ErrMalformedResponse)
			}
			amount, err := parseAmount(e.UITokenAmount.Amount)
			if err != nil {
				return err
			}
			tb, ok := byIndex[e.AccountIndex]
			if !ok {
				tb = &TokenBalanceChange{
					Account:  accounts[e.AccountIndex],
					Owner:    e.Owner,
					Mint:     e.Mint,
					Decimals: e.UITokenAmount.Decimals,
				}
				byIndex[e.AccountIndex] = tb
				order = append(order, e.AccountIndex)
			} else if tb.Mint != e.Mint {
				return fmt.Errorf("%w: token account %s changed mint", ErrMalformedResponse, tb.Account)
			}
			if tb.Owner == "" {
				tb.Owner = e.Owner
			}
			if isPost {
				tb.Post = amount
			} else {
				tb.Pre = amount
			}
		}
		return nil
	}

	if err := load(pre, false); err != nil {
		return nil, err
	}
	if err := load(post, true); err != nil {
		return nil, err
	}

	out := make([]TokenBalanceChange, 0, len(order))
	for _, idx := range order {
		out = append(out, *byIndex[idx])
	}
	return out, nil
}

func (tx *Transaction) appendInstruction(ix rawInstruction) error {
	if len(ix.Parsed) == 0 || ix.Parsed[0] != '{' {
		// unparsed or string-parsed instructions (memo etc.) carry no transfers we accept
		return nil
	}

	var parsed rawParsedInstruction
	if err := json.Unmarshal(ix.Parsed, &parsed); err != nil {
		return fmt.Errorf("%w: instruction: %v", ErrMalformedResponse, err)
	}

	switch {
	case ix.ProgramID == solana.SystemProgramID.String():
		if parsed.Type != "transfer" && parsed.Type != "transferWithSeed" {
			return nil
		}
		var info systemTransferInfo
		if err := json.Unmarshal(parsed.Info, &info); err != nil {
			return fmt.Errorf("%w: system transfer: %v", ErrMalformedResponse, err)
		}
		if info.Source == "" || info.Destination == "" {
			return fmt.Errorf("%w: system transfer missing accounts", ErrMalformedResponse)
		}
		tx.NativeTransfers = append(tx.NativeTransfers, NativeTransfer{
			From:     info.Source,
			To:       info.Destination,
			Lamports: info.Lamports,
		})

	case ix.ProgramID == solana.TokenProgramID.String() || ix.ProgramID == solana.Token2022ProgramID.String():
		if parsed.Type != "transfer" && parsed.Type != "transferChecked" {
			return nil
		}
		var info tokenTransferInfo
		if err := json.Unmarshal(parsed.Info, &info); err != nil {
			return fmt.Errorf("%w: token transfer: %v", ErrMalformedResponse, err)
		}
		if info.Source == "" || info.Destination == "" {
			return fmt.Errorf("%w: token transfer missing accounts", ErrMalformedResponse)
		}

		transfer := TokenTransfer{
			Source:      info.Source,
			Destination: info.Destination,
			Authority:   info.Authority,
		}
		if transfer.Authority == "" {
			transfer.Authority = info.MultisigAuthority
		}

		if parsed.Type == "transferChecked" {
			if info.Mint == "" {
				return fmt.Errorf("%w: transferChecked without mint", ErrMalformedResponse)
			}
			amount, err := parseAmount(info.TokenAmount.Amount)
			if err != nil {
				return err
			}
			decimals := info.TokenAmount.Decimals
			transfer.Mint = info.Mint
			transfer.Amount = amount
			transfer.Decimals = &decimals
			transfer.Checked = true
		} else {
			amount, err := parseAmount(info.Amount)
			if err != nil {
				return err
			}
			transfer.Amount = amount
		}
		tx.TokenTransfers = append(tx.TokenTransfers, transfer)
	}

	return nil
}

func parseAmount(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid amount %q", ErrMalformedResponse, s)
	}
	return v, nil
}
