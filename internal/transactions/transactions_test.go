package transactions

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exoneum.core/exc/internal/ledger"
	"exoneum.core/exc/internal/logger"
	"exoneum.core/exc/internal/storage"
	"exoneum.core/exc/internal/types"
)

func newKey(t *testing.T, seed byte) (types.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	s := make([]byte, ed25519.SeedSize)
	for i := range s {
		s[i] = seed
	}
	priv := ed25519.NewKeyFromSeed(s)
	pk, err := types.NewPublicKey(priv.Public().(ed25519.PublicKey))
	require.NoError(t, err)
	return pk, priv
}

func signedCreateUser(t *testing.T, seed byte, name string) *Signed {
	t.Helper()
	pk, priv := newKey(t, seed)
	s, err := Sign(CreateUser{PublicKey: pk, Name: name}, priv)
	require.NoError(t, err)
	return s
}

// setupLedger returns a ledger store, optionally with a genesis time fact.
func setupLedger(t *testing.T, withTime bool) *ledger.Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := ledger.Open(context.Background(), db, logrus.NewEntry(logger.Discard()))
	require.NoError(t, err)
	if withTime {
		require.NoError(t, store.InitChain(context.Background(), "test-chain", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	}
	return store
}

func TestWireLayout(t *testing.T) {
	s := signedCreateUser(t, 1, "Alice")
	raw := s.Bytes()

	assert.Equal(t, []byte{0x27, 0x0f}, raw[:2], "service id 9999 big-endian")
	assert.Equal(t, []byte{0x00, 0x00}, raw[2:4], "message id 0")
	pk := s.Tx.Author()
	assert.Equal(t, pk[:], raw[4:36])
	assert.Equal(t, []byte{0, 0, 0, 5}, raw[36:40])
	assert.Equal(t, "Alice", string(raw[40:45]))
	assert.Len(t, raw, 45+types.SignatureSize)

	assert.Equal(t, types.Hash(sha256.Sum256(raw)), s.Hash())
}

func TestDecodeAndVerify(t *testing.T) {
	s := signedCreateUser(t, 2, "Bob")

	decoded, err := Decode(s.Bytes())
	require.NoError(t, err)
	require.NoError(t, decoded.Verify())
	assert.Equal(t, s.Tx, decoded.Tx)
	assert.Equal(t, s.Hash(), decoded.Hash())
}

func TestVerifyRejectsTampering(t *testing.T) {
	raw := signedCreateUser(t, 3, "Carol").Bytes()

	// Change one byte of the name.
	raw[40] ^= 0x01
	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.ErrorIs(t, decoded.Verify(), ErrBadSignature)

	// Declared key differs from the signer.
	other, _ := newKey(t, 4)
	_, priv := newKey(t, 3)
	_, err = Sign(CreateUser{PublicKey: other, Name: "Carol"}, priv)
	assert.Error(t, err)
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	raw := signedCreateUser(t, 5, "Dave").Bytes()

	testCases := []struct {
		name string
		raw  []byte
		want error
	}{
		{"Empty", nil, ErrMalformed},
		{"Short", raw[:10], ErrMalformed},
		{"Truncated", raw[:len(raw)-1], ErrMalformed},
		{"Trailing", append(append([]byte{}, raw...), 0x00), ErrMalformed},
		{"WrongService", append([]byte{0x00, 0x01}, raw[2:]...), ErrUnknownService},
		{"UnknownMessage", append([]byte{0x27, 0x0f, 0x00, 0x07}, raw[4:]...), ErrUnknownMessage},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.raw)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestVerificationCodes(t *testing.T) {
	assert.Equal(t, CodeOK, VerificationCode(nil))
	assert.Equal(t, CodeBadSignature, VerificationCode(ErrBadSignature))
	assert.Equal(t, CodeUnknownService, VerificationCode(ErrUnknownService))
	assert.Equal(t, CodeEncodingError, VerificationCode(ErrUnknownMessage))
	assert.Equal(t, CodeEncodingError, VerificationCode(ErrMalformed))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	s := signedCreateUser(t, 6, "Eve")
	env, err := s.Envelope()
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"service_id":9999`)
	assert.Contains(t, string(data), `"name":"Eve"`)

	parsed, err := ParseEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, s.Bytes(), parsed.Bytes())
	assert.Equal(t, s.Hash(), parsed.Hash())
	require.NoError(t, parsed.Verify())
}

func TestParseEnvelopeErrors(t *testing.T) {
	pk, _ := newKey(t, 7)
	sig := make([]byte, 128)
	for i := range sig {
		sig[i] = 'a'
	}

	testCases := []struct {
		name string
		body string
		want error
	}{
		{"NotJSON", `{`, ErrMalformed},
		{"WrongService", `{"service_id":1,"message_id":0,"body":{"public_key":"` + pk.String() + `","name":"x"},"signature":"` + string(sig) + `"}`, ErrUnknownService},
		{"UnknownMessage", `{"service_id":9999,"message_id":3,"body":{},"signature":"` + string(sig) + `"}`, ErrUnknownMessage},
		{"MissingBody", `{"service_id":9999,"message_id":0,"signature":"` + string(sig) + `"}`, ErrMalformed},
		{"MissingName", `{"service_id":9999,"message_id":0,"body":{"public_key":"` + pk.String() + `"},"signature":"` + string(sig) + `"}`, ErrMalformed},
		{"BadKey", `{"service_id":9999,"message_id":0,"body":{"public_key":"abcd","name":"x"},"signature":"` + string(sig) + `"}`, ErrMalformed},
		{"ShortSignature", `{"service_id":9999,"message_id":0,"body":{"public_key":"` + pk.String() + `","name":"x"},"signature":"abcd"}`, ErrMalformed},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(tc.body))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCreateUser(t *testing.T) {
	store := setupLedger(t, true)
	fork := store.Fork()
	s := signedCreateUser(t, 8, "Alice")

	receipt := Apply(fork, s)
	assert.True(t, receipt.Succeeded())
	assert.Equal(t, s.Hash(), receipt.TxHash)
	assert.Equal(t, 0, receipt.Index)

	user, ok := ledger.NewSchema(fork).Users().Get(s.Tx.Author())
	require.True(t, ok)
	assert.Equal(t, types.User{PublicKey: s.Tx.Author(), Name: "Alice", Balance: types.IssueAmount}, user)
}

func TestCreateUserTwiceLeavesStateUnchanged(t *testing.T) {
	store := setupLedger(t, true)
	fork := store.Fork()

	require.True(t, Apply(fork, signedCreateUser(t, 9, "Alice")).Succeeded())
	root := ledger.NewSchema(fork).Users().RootHash()

	receipt := Apply(fork, signedCreateUser(t, 9, "Mallory"))
	assert.Equal(t, UserAlreadyRegistered.Code(), receipt.Code)
	assert.Equal(t, "User is already registered", receipt.Description)
	assert.Equal(t, 1, receipt.Index)
	assert.Equal(t, root, ledger.NewSchema(fork).Users().RootHash())

	user, _ := ledger.NewSchema(fork).Users().Get(signedCreateUser(t, 9, "x").Tx.Author())
	assert.Equal(t, "Alice", user.Name)
}

func TestCreateUserWithoutTimeFact(t *testing.T) {
	store := setupLedger(t, false)
	fork := store.Fork()

	err := Execute(fork, signedCreateUser(t, 10, "Alice").Tx)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, TimeNotAvailable, kind)
	assert.Equal(t, 0, ledger.NewSchema(fork).Users().Len())
}

func TestBalancePrimitives(t *testing.T) {
	store := setupLedger(t, true)
	fork := store.Fork()
	s := signedCreateUser(t, 11, "Alice")
	require.True(t, Apply(fork, s).Succeeded())
	key := s.Tx.Author()

	user, err := IncreaseBalance(fork, key, 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), user.Balance)

	user, err = DecreaseBalance(fork, key, 150)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), user.Balance)

	_, err = DecreaseBalance(fork, key, 1)
	assert.ErrorIs(t, err, NewExecutionError(InsufficientFunds))
	stored, _ := ledger.NewSchema(fork).Users().Get(key)
	assert.Equal(t, uint64(0), stored.Balance, "failed debit must not change the balance")

	_, err = IncreaseBalance(fork, key, ^uint64(0))
	require.NoError(t, err)
	_, err = IncreaseBalance(fork, key, 1)
	assert.ErrorIs(t, err, NewExecutionError(BalanceOverflow))

	stored, _ = ledger.NewSchema(fork).Users().Get(key)
	assert.Equal(t, ^uint64(0), stored.Balance, "failed credit must not change the balance")
	assert.Equal(t, "Alice", stored.Name)

	missing, _ := newKey(t, 12)
	_, err = IncreaseBalance(fork, missing, 1)
	assert.ErrorIs(t, err, NewExecutionError(UserNotFound))
	_, err = DecreaseBalance(fork, missing, 1)
	assert.ErrorIs(t, err, NewExecutionError(UserNotFound))
}

func TestBalanceCreditDebitRestores(t *testing.T) {
	store := setupLedger(t, true)
	fork := store.Fork()
	s := signedCreateUser(t, 13, "Bob")
	require.True(t, Apply(fork, s).Succeeded())
	key := s.Tx.Author()
	users := func() ledger.Users { return ledger.NewSchema(fork).Users() }

	start, _ := users().Get(key)
	require.Equal(t, types.IssueAmount, start.Balance)

	for _, d := range []uint64{0, 1, 37, start.Balance, 1 << 40, ^uint64(0) - start.Balance} {
		_, err := IncreaseBalance(fork, key, d)
		require.NoError(t, err, "credit %d", d)
		user, err := DecreaseBalance(fork, key, d)
		require.NoError(t, err, "debit %d", d)
		assert.Equal(t, start.Balance, user.Balance, "credit then debit of %d", d)

		stored, _ := users().Get(key)
		assert.Equal(t, start, stored)
	}

	_, err := DecreaseBalance(fork, key, start.Balance+1)
	assert.ErrorIs(t, err, NewExecutionError(InsufficientFunds))
	stored, _ := users().Get(key)
	assert.Equal(t, start.Balance, stored.Balance, "failed debit must not change the balance")
}

func TestErrorKindCodesAreStable(t *testing.T) {
	expected := map[ErrorKind]uint32{
		EarlyBreeding:           1,
		EarlyIssue:              2,
		InsufficientFunds:       3,
		AccessViolation:         4,
		SelfBreeding:            5,
		UserAlreadyRegistered:   6,
		UserNotFound:            7,
		OwlNotFound:             8,
		OwlNotOwned:             9,
		OwlAlreadyAuctioned:     10,
		AuctionNotFound:         11,
		AuctionClosed:           12,
		BidTooLow:               13,
		UnauthorizedTransaction: 14,
		NoSelfBidding:           15,
		TimeNotAvailable:        16,
		BalanceOverflow:         17,
	}
	for kind, code := range expected {
		assert.Equal(t, code, kind.Code())
		assert.NotContains(t, kind.String(), "unknown")
	}
	assert.Contains(t, ErrorKind(200).String(), "unknown")

	kinds := Kinds()
	require.Len(t, kinds, len(expected))
	for i, kind := range kinds {
		assert.Equal(t, uint32(i+1), kind.Code())
	}
}

func TestSameTransactionsSameState(t *testing.T) {
	ctx := context.Background()
	txs := []*Signed{
		signedCreateUser(t, 20, "A"),
		signedCreateUser(t, 21, "B"),
		signedCreateUser(t, 20, "A again"),
	}

	run := func() types.BlockInfo {
		store := setupLedger(t, true)
		fork := store.Fork()
		for _, s := range txs {
			decoded, err := Decode(s.Bytes())
			require.NoError(t, err)
			require.NoError(t, decoded.Verify())
			Apply(fork, decoded)
		}
		block, err := store.Commit(ctx, fork, 1, time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC))
		require.NoError(t, err)
		return block
	}

	first, second := run(), run()
	assert.Equal(t, first.AppHash, second.AppHash)
	assert.Equal(t, 3, first.TxCount)
}
