package identity

import (
	"os"
	"path/filepath"
	"testing"

	"exoneum.core/exc/internal/transactions"
)

func TestIdentityLifecycle(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "keys", "user.pem")

	identity1, err := LoadOrCreateIdentity(keyPath)
	if err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}

	identity2, err := LoadOrCreateIdentity(keyPath)
	if err != nil {
		t.Fatalf("Failed to load identity: %v", err)
	}

	if identity1.PublicKeyHex() != identity2.PublicKeyHex() {
		t.Errorf("Loaded identity differs from original. Got %s, want %s",
			identity2.PublicKeyHex(), identity1.PublicKeyHex())
	}
}

func TestEmptyKeyFileIsRegenerated(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "empty.pem")
	if err := os.WriteFile(keyPath, nil, 0600); err != nil {
		t.Fatalf("write empty key: %v", err)
	}

	id, err := LoadOrCreateIdentity(keyPath)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity: %v", err)
	}
	if id.PublicKey().String() == "" {
		t.Fatalf("expected a generated key")
	}
}

func TestCorruptKeyFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "corrupt.pem")
	if err := os.WriteFile(keyPath, []byte("not pem"), 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if _, err := LoadOrCreateIdentity(keyPath); err == nil {
		t.Fatalf("expected error for corrupt key file")
	}
}

func TestSignAndVerify(t *testing.T) {
	identity, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	message := []byte("Hello, exoneum!")
	signature := identity.Sign(message)

	if !identity.Verify(message, signature) {
		t.Error("Failed to verify signature with own public key")
	}

	otherIdentity, err := Generate()
	if err != nil {
		t.Fatalf("Generate other: %v", err)
	}
	if otherIdentity.Verify(message, signature) {
		t.Error("Incorrectly verified signature with wrong public key")
	}
}

func TestCreateUserTransaction(t *testing.T) {
	identity, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	signed, err := identity.CreateUser("Alice")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := signed.Verify(); err != nil {
		t.Fatalf("signed transaction does not verify: %v", err)
	}
	tx, ok := signed.Tx.(transactions.CreateUser)
	if !ok {
		t.Fatalf("unexpected transaction type %T", signed.Tx)
	}
	if tx.PublicKey != identity.PublicKey() || tx.Name != "Alice" {
		t.Fatalf("unexpected body %+v", tx)
	}
}

func TestPermissions(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "secure_test_key.pem")

	if _, err := LoadOrCreateIdentity(keyPath); err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("Failed to stat key file: %v", err)
	}

	if info.Mode().Perm() != 0600 {
		t.Errorf("Key file has wrong permissions. Got %v, want %v",
			info.Mode().Perm(), 0600)
	}
}
