package transactions

import (
	"math/bits"

	"exoneum.core/exc/internal/ledger"
	"exoneum.core/exc/internal/types"
)

// Execute applies tx to fork. It returns an *ExecutionError for every
// rejection. Callers wanting all-or-nothing semantics use Apply.
func Execute(fork *ledger.Fork, tx Transaction) error {
	switch tx := tx.(type) {
	case CreateUser:
		return executeCreateUser(fork, tx)
	default:
		return &ExecutionError{Kind: UnauthorizedTransaction, Description: "unsupported transaction"}
	}
}

// Apply executes a verified transaction against fork. Writes of a failed
// transaction are rolled back. The outcome is recorded as a receipt on the
// fork and returned.
func Apply(fork *ledger.Fork, s *Signed) types.Receipt {
	fork.Checkpoint()

	receipt := types.Receipt{
		TxHash:    s.Hash(),
		ServiceID: types.ServiceID,
		MessageID: s.Tx.MessageID(),
	}
	if err := Execute(fork, s.Tx); err != nil {
		fork.Rollback()
		execErr := asExecutionError(err)
		receipt.Code = execErr.Kind.Code()
		receipt.Description = execErr.Description
	}
	return fork.Record(receipt)
}

func asExecutionError(err error) *ExecutionError {
	if execErr, ok := err.(*ExecutionError); ok {
		return execErr
	}
	return &ExecutionError{Kind: UnauthorizedTransaction, Description: err.Error()}
}

func executeCreateUser(fork *ledger.Fork, tx CreateUser) error {
	if _, ok := fork.TimeFact(); !ok {
		return NewExecutionError(TimeNotAvailable)
	}

	users := ledger.NewForkSchema(fork).UsersMut()
	if users.Contains(tx.PublicKey) {
		return NewExecutionError(UserAlreadyRegistered)
	}

	users.Put(types.User{
		PublicKey: tx.PublicKey,
		Name:      tx.Name,
		Balance:   types.IssueAmount,
	})
	return nil
}

// IncreaseBalance credits delta to the user under key and returns the
// updated record.
func IncreaseBalance(fork *ledger.Fork, key types.PublicKey, delta uint64) (types.User, error) {
	users := ledger.NewForkSchema(fork).UsersMut()
	user, ok := users.Get(key)
	if !ok {
		return types.User{}, NewExecutionError(UserNotFound)
	}
	sum, carry := bits.Add64(user.Balance, delta, 0)
	if carry != 0 {
		return types.User{}, NewExecutionError(BalanceOverflow)
	}
	user = user.WithBalance(sum)
	users.Put(user)
	return user, nil
}

// DecreaseBalance debits delta from the user under key and returns the
// updated record.
func DecreaseBalance(fork *ledger.Fork, key types.PublicKey, delta uint64) (types.User, error) {
	users := ledger.NewForkSchema(fork).UsersMut()
	user, ok := users.Get(key)
	if !ok {
		return types.User{}, NewExecutionError(UserNotFound)
	}
	if user.Balance < delta {
		return types.User{}, NewExecutionError(InsufficientFunds)
	}
	user = user.WithBalance(user.Balance - delta)
	users.Put(user)
	return user, nil
}
