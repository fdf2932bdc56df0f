// Package types defines the core domain models for the exoneum core ledger.
// It contains the User record kept in the authenticated users table, the
// fixed-size identifiers used as keys and hashes, and the service constants
// shared by the transaction, ledger and API layers.
package types

import "time"

// Version is the current version of the exoneum core node
const Version = "0.3.0"

// BuildTime is set at build time via -ldflags
var BuildTime = "dev"

const (
	// ServiceID is the unique service identifier carried by every transaction.
	ServiceID uint16 = 9999

	// ServiceName is used in the API, configuration and table names.
	ServiceName = "exoneum_core"

	// IssueAmount is the balance credited to a freshly registered user.
	IssueAmount uint64 = 100

	// IssueTimeout is the interval before a user may be issued funds again.
	// No transaction kind or schedule consumes it yet.
	IssueTimeout = 60 * time.Second
)

// User is a registered participant of the ledger. Users are immutable values:
// an update replaces the whole record in the users table.
type User struct {
	PublicKey PublicKey `json:"public_key"`        // Permanent identity and table key
	Name      string    `json:"name"`              // Display name, set once at creation
	Balance   uint64    `json:"balance"`           // Current balance, never negative
	Address   string    `json:"address,omitempty"` // host:port hint for peer-to-peer communication
}

// WithBalance returns a copy of the user carrying the given balance.
func (u User) WithBalance(balance uint64) User {
	u.Balance = balance
	return u
}

// Receipt records the outcome of a transaction that reached execution.
// Code 0 is success; any other value is an execution error code.
type Receipt struct {
	TxHash      Hash   `json:"tx_hash"`
	Height      int64  `json:"height"`
	Index       int    `json:"index"`
	ServiceID   uint16 `json:"service_id"`
	MessageID   uint16 `json:"message_id"`
	Code        uint32 `json:"code"`
	Description string `json:"description,omitempty"`
}

// Succeeded reports whether the transaction executed without error.
func (r Receipt) Succeeded() bool {
	return r.Code == 0
}

// BlockInfo describes a committed block.
type BlockInfo struct {
	Height    int64     `json:"height"`
	AppHash   Hash      `json:"app_hash"`
	StateRoot Hash      `json:"state_root"`
	Time      time.Time `json:"time"`
	TxCount   int       `json:"tx_count"`
}
