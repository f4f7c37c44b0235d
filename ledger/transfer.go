package ledger

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// ataCreateIdempotent is the associated-token program's CreateIdempotent discriminator
const ataCreateIdempotent = 1

// TransferChecked moves amount of mint between asset accounts, embedding the asset identity and
// decimals so the token program rejects a mismatched mint. The instruction is re-homed onto
// tokenProgram so Token-2022 mints use the same layout.
func TransferChecked(tokenProgram, source, mint, destination, owner solana.PublicKey, amount uint64, decimals uint8) (solana.Instruction, error) {
	ix, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(decimals).
		SetSourceAccount(source).
		SetMintAccount(mint).
		SetDestinationAccount(destination).
		SetOwnerAccount(owner).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("build transfer: %w", err)
	}
	data, err := ix.Data()
	if err != nil {
		return nil, fmt.Errorf("encode transfer: %w", err)
	}
	return solana.NewInstruction(tokenProgram, ix.Accounts(), data), nil
}

// CreateAssociatedAccountIdempotent creates owner's asset account for mint, paid by payer.
// It succeeds without effect if the account already exists.
func CreateAssociatedAccountIdempotent(payer, account, owner, mint, tokenProgram solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		solana.SPLAssociatedTokenAccountProgramID,
		solana.AccountMetaSlice{
			solana.Meta(payer).SIGNER().WRITE(),
			solana.Meta(account).WRITE(),
			solana.Meta(owner),
			solana.Meta(mint),
			solana.Meta(solana.SystemProgramID),
			solana.Meta(tokenProgram),
		},
		[]byte{ataCreateIdempotent},
	)
}

// SignTransfer compiles instructions against blockhash with signer as fee payer and signs them.
// The returned transaction's first signature is its reference on the ledger.
func SignTransfer(signer solana.PrivateKey, blockhash solana.Hash, instructions ...solana.Instruction) (*solana.Transaction, error) {
	if len(instructions) == 0 {
		return nil, errors.New("transfer needs at least one instruction")
	}
	payer := signer.PublicKey()
	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return nil, fmt.Errorf("compile transfer: %w", err)
	}
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &signer
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sign transfer: %w", err)
	}
	return tx, nil
}

// TransactionRef returns the reference a signed transaction will be known by
func TransactionRef(tx *solana.Transaction) string {
	if len(tx.Signatures) == 0 {
		return ""
	}
	return tx.Signatures[0].String()
}
