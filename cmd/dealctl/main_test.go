package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sponsorvault/core/state"
	"sponsorvault/crypto"
	"sponsorvault/native/token"
	"sponsorvault/services/dealsd/authtoken"
	"sponsorvault/storage"
)

func runCLI(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func fixedNow(t *testing.T, ts time.Time) {
	t.Helper()
	prev := dealctlNow
	dealctlNow = func() time.Time { return ts }
	t.Cleanup(func() { dealctlNow = prev })
}

func newKeystore(t *testing.T) (string, keyView) {
	t.Helper()
	t.Setenv(defaultPassEnv, "correct horse battery staple")
	path := filepath.Join(t.TempDir(), "brand.json")
	out, stderr, code := runCLI(t, "keygen", "--out", path, "--light")
	require.Equal(t, 0, code, stderr)
	var view keyView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	return path, view
}

func decodeWord(t *testing.T, raw string) [32]byte {
	t.Helper()
	b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	require.NoError(t, err)
	require.Len(t, b, 32)
	var out [32]byte
	copy(out[:], b)
	return out
}

func TestKeygenThenAddress(t *testing.T) {
	path, created := newKeystore(t)
	require.True(t, strings.HasPrefix(created.Hex, "0x"))

	out, stderr, code := runCLI(t, "address", "--keystore", path)
	require.Equal(t, 0, code, stderr)
	var loaded keyView
	require.NoError(t, json.Unmarshal([]byte(out), &loaded))
	require.Equal(t, created.Address, loaded.Address)
	require.Equal(t, created.Hex, loaded.Hex)

	_, stderr, code = runCLI(t, "keygen", "--out", path, "--light")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "already exists")
}

func TestAddressRejectsWrongPassphrase(t *testing.T) {
	path, _ := newKeystore(t)
	t.Setenv(defaultPassEnv, "wrong")
	_, _, code := runCLI(t, "address", "--keystore", path)
	require.Equal(t, 1, code)
}

func TestPermitVerifiesOnLedger(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	fixedNow(t, now)
	path, view := newKeystore(t)
	history := filepath.Join(t.TempDir(), "permits.db")

	ledger, err := token.NewLedger(state.NewManager(storage.NewMemDB()), token.Config{
		Name: "Sponsor Dollar", Symbol: "SPD", ChainID: 1337, Address: [20]byte{0xEE},
	})
	require.NoError(t, err)
	tokenAddr := crypto.Address(ledger.Address())
	vault := crypto.Address{0xAA}
	owner, err := crypto.ParseAddress(view.Hex)
	require.NoError(t, err)

	sign := func(value string) signedPermit {
		out, stderr, code := runCLI(t, "permit",
			"--keystore", path,
			"--token-name", "Sponsor Dollar",
			"--chain-id", "1337",
			"--token", tokenAddr.Hex(),
			"--spender", vault.Hex(),
			"--value", value,
			"--deadline", "+30m",
			"--history", history,
			"--deal", "launch")
		require.Equal(t, 0, code, stderr)
		var signed signedPermit
		require.NoError(t, json.Unmarshal([]byte(out), &signed))
		return signed
	}
	verify := func(signed signedPermit) error {
		value, ok := new(big.Int).SetString(signed.Permit.Value, 10)
		require.True(t, ok)
		return ledger.Permit(token.PermitRequest{
			Owner:    owner,
			Spender:  vault,
			Value:    value,
			Deadline: signed.Permit.Deadline,
			V:        signed.Permit.V,
			R:        decodeWord(t, signed.Permit.R),
			S:        decodeWord(t, signed.Permit.S),
		}, now.Unix())
	}

	first := sign("250")
	require.Equal(t, view.Hex, first.Brand)
	require.Equal(t, uint64(0), first.Nonce)
	require.Equal(t, now.Add(30*time.Minute).Unix(), first.Permit.Deadline)
	require.NoError(t, verify(first))

	second := sign("400")
	require.Equal(t, uint64(1), second.Nonce)
	require.NoError(t, verify(second))
	allowance, err := ledger.Allowance(owner, vault)
	require.NoError(t, err)
	require.Equal(t, int64(400), allowance.Int64())

	out, stderr, code := runCLI(t, "history", "--history", history, "--owner", view.Hex)
	require.Equal(t, 0, code, stderr)
	var records []permitRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 2)
	require.Equal(t, uint64(1), records[0].Nonce)
	require.Equal(t, "launch", records[0].DealID)
	require.Equal(t, "400", records[0].Value)
}

func TestPermitDomainOverride(t *testing.T) {
	cfg := token.Config{Name: "Sponsor Dollar", Version: "1", ChainID: 5, Address: [20]byte{0xEE}}
	derived, err := permitDomain("", cfg)
	require.NoError(t, err)
	require.Equal(t, token.DomainSeparatorFor(cfg), derived)

	explicit, err := permitDomain("0x"+hex.EncodeToString(derived[:]), token.Config{})
	require.NoError(t, err)
	require.Equal(t, derived, explicit)

	_, err = permitDomain("0x1234", cfg)
	require.Error(t, err)
}

func TestTokenIssuesVerifiableBearer(t *testing.T) {
	const secret = "0123456789abcdef0123456789abcdef"
	t.Setenv("DEALSD_JWT_SECRET", secret)
	custodian := crypto.Address{0xC0}

	out, stderr, code := runCLI(t, "token", "--subject", custodian.Hex(), "--ttl", "10m", "--audience", "dealsd")
	require.Equal(t, 0, code, stderr)
	tok := strings.TrimSpace(out)

	subject, err := authtoken.Verify(authtoken.Config{Secret: secret, Audience: "dealsd"}, tok, time.Now())
	require.NoError(t, err)
	require.Equal(t, custodian, subject)

	_, err = authtoken.Verify(authtoken.Config{Secret: secret, Audience: "other"}, tok, time.Now())
	require.Error(t, err)
}

func TestTokenRequiresSecret(t *testing.T) {
	t.Setenv("DEALSD_JWT_SECRET", "")
	_, stderr, code := runCLI(t, "token", "--subject", crypto.Address{0xC0}.Hex())
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "DEALSD_JWT_SECRET")
}

func TestParseDeadline(t *testing.T) {
	now := time.Unix(1_000, 0)
	got, err := parseDeadline("+1m", now)
	require.NoError(t, err)
	require.Equal(t, int64(1_060), got)
	got, err = parseDeadline("5000", now)
	require.NoError(t, err)
	require.Equal(t, int64(5_000), got)
	got, err = parseDeadline("1970-01-01T00:01:40Z", now)
	require.NoError(t, err)
	require.Equal(t, int64(100), got)
	_, err = parseDeadline("+-1m", now)
	require.Error(t, err)
	_, err = parseDeadline("tomorrow", now)
	require.Error(t, err)
}

func TestUsageAndUnknownCommand(t *testing.T) {
	out, _, code := runCLI(t, "help")
	require.Equal(t, 0, code)
	require.Contains(t, out, "Usage: dealctl")

	_, stderr, code := runCLI(t, "frobnicate")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Unknown command: frobnicate")

	_, _, code = runCLI(t)
	require.Equal(t, 1, code)
}
