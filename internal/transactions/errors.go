package transactions

import (
	"errors"
	"fmt"
	"sort"
)

// ErrorKind is a stable numeric code for a deterministic execution failure.
// Codes are persisted in receipts and reported to the consensus engine, so
// existing values never change meaning. New kinds are appended.
type ErrorKind uint8

const (
	EarlyBreeding           ErrorKind = 1
	EarlyIssue              ErrorKind = 2
	InsufficientFunds       ErrorKind = 3
	AccessViolation         ErrorKind = 4
	SelfBreeding            ErrorKind = 5
	UserAlreadyRegistered   ErrorKind = 6
	UserNotFound            ErrorKind = 7
	OwlNotFound             ErrorKind = 8
	OwlNotOwned             ErrorKind = 9
	OwlAlreadyAuctioned     ErrorKind = 10
	AuctionNotFound         ErrorKind = 11
	AuctionClosed           ErrorKind = 12
	BidTooLow               ErrorKind = 13
	UnauthorizedTransaction ErrorKind = 14
	NoSelfBidding           ErrorKind = 15
	TimeNotAvailable        ErrorKind = 16
	BalanceOverflow         ErrorKind = 17
)

var kindDescriptions = map[ErrorKind]string{
	EarlyBreeding:           "Too early for breeding.",
	EarlyIssue:              "Too early for balance refill.",
	InsufficientFunds:       "Insufficient funds.",
	AccessViolation:         "Not your property.",
	SelfBreeding:            "You need two different owls.",
	UserAlreadyRegistered:   "User is already registered",
	UserNotFound:            "Participant is not registered",
	OwlNotFound:             "Owl does not exist",
	OwlNotOwned:             "You do not own of the item",
	OwlAlreadyAuctioned:     "Owl is already auctioned",
	AuctionNotFound:         "Auction does not exist",
	AuctionClosed:           "Auction is closed",
	BidTooLow:               "Bid is below the current highest bid",
	UnauthorizedTransaction: "Transaction is not authorized.",
	NoSelfBidding:           "You may not bid on your own item.",
	TimeNotAvailable:        "Consensus time is not available",
	BalanceOverflow:         "Balance would overflow",
}

// Kinds returns every defined ErrorKind in code order.
func Kinds() []ErrorKind {
	kinds := make([]ErrorKind, 0, len(kindDescriptions))
	for k := range kindDescriptions {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Code returns the numeric code reported in receipts.
func (k ErrorKind) Code() uint32 {
	return uint32(k)
}

func (k ErrorKind) String() string {
	if d, ok := kindDescriptions[k]; ok {
		return d
	}
	return fmt.Sprintf("unknown error kind %d", uint8(k))
}

// ExecutionError is a deterministic rejection raised while executing a
// transaction. Every replica produces the same error for the same input.
type ExecutionError struct {
	Kind        ErrorKind
	Description string
}

// NewExecutionError builds an error of kind with its standard description.
func NewExecutionError(kind ErrorKind) *ExecutionError {
	return &ExecutionError{Kind: kind, Description: kind.String()}
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution error %d: %s", e.Kind, e.Description)
}

// Is matches another *ExecutionError of the same kind.
func (e *ExecutionError) Is(target error) bool {
	var other *ExecutionError
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// KindOf extracts the ErrorKind carried by err, if any.
func KindOf(err error) (ErrorKind, bool) {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind, true
	}
	return 0, false
}

// Verification failures. They are stateless and never reach execution.
var (
	ErrMalformed      = errors.New("malformed transaction")
	ErrBadSignature   = errors.New("invalid signature")
	ErrUnknownService = errors.New("unknown service")
	ErrUnknownMessage = errors.New("unknown message id")
)

// Verification codes reported under CodespaceVerification.
const (
	CodeOK             uint32 = 0
	CodeEncodingError  uint32 = 1
	CodeBadSignature   uint32 = 2
	CodeUnknownService uint32 = 3
)

const (
	// CodespaceVerification scopes verification codes in consensus responses.
	CodespaceVerification = "verification"
	// CodespaceExecution scopes ErrorKind codes in consensus responses.
	CodespaceExecution = "exoneum_core"
)

// VerificationCode maps a verification error to its response code.
func VerificationCode(err error) uint32 {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrBadSignature):
		return CodeBadSignature
	case errors.Is(err, ErrUnknownService):
		return CodeUnknownService
	default:
		return CodeEncodingError
	}
}
