package token_test

import (
	"errors"
	"math/big"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"sponsorvault/core/state"
	"sponsorvault/native/token"
	"sponsorvault/storage"
)

func addr(fill byte) [20]byte {
	var out [20]byte
	for i := range out {
		out[i] = fill
	}
	return out
}

func newLedger(t *testing.T) (*token.Ledger, *state.Manager) {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	ledger, err := token.NewLedger(manager, token.Config{Name: "Sponsor Dollar", Symbol: "spd", ChainID: 7, Address: addr(0xEE)})
	require.NoError(t, err)
	return ledger, manager
}

func TestLedgerTransfer(t *testing.T) {
	ledger, _ := newLedger(t)
	alice, bob := addr(0x01), addr(0x02)
	require.Equal(t, "SPD", ledger.Symbol())
	require.NoError(t, ledger.Mint(alice, big.NewInt(100)))

	require.NoError(t, ledger.Transfer(alice, bob, big.NewInt(40)))
	bal, err := ledger.BalanceOf(alice)
	require.NoError(t, err)
	require.Equal(t, int64(60), bal.Int64())
	bal, err = ledger.BalanceOf(bob)
	require.NoError(t, err)
	require.Equal(t, int64(40), bal.Int64())

	err = ledger.Transfer(alice, bob, big.NewInt(61))
	require.True(t, errors.Is(err, token.ErrInsufficientBalance))

	supply, err := ledger.TotalSupply()
	require.NoError(t, err)
	require.Equal(t, int64(100), supply.Int64())
}

func TestLedgerTransferFromConsumesAllowance(t *testing.T) {
	ledger, _ := newLedger(t)
	owner, spender, sink := addr(0x01), addr(0x02), addr(0x03)
	require.NoError(t, ledger.Mint(owner, big.NewInt(100)))

	err := ledger.TransferFrom(spender, owner, sink, big.NewInt(10))
	require.True(t, errors.Is(err, token.ErrInsufficientAllowance))

	require.NoError(t, ledger.Approve(owner, spender, big.NewInt(30)))
	require.NoError(t, ledger.TransferFrom(spender, owner, sink, big.NewInt(25)))
	allowance, err := ledger.Allowance(owner, spender)
	require.NoError(t, err)
	require.Equal(t, int64(5), allowance.Int64())
	bal, err := ledger.BalanceOf(sink)
	require.NoError(t, err)
	require.Equal(t, int64(25), bal.Int64())
}

func TestLedgerHookFailureRevertsWithJournal(t *testing.T) {
	ledger, manager := newLedger(t)
	alice, bob := addr(0x01), addr(0x02)
	require.NoError(t, ledger.Mint(alice, big.NewInt(50)))
	require.NoError(t, manager.Finalise())

	boom := errors.New("hook rejected")
	ledger.AddTransferHook(func(from, to [20]byte, amount *big.Int) error { return boom })
	snap := manager.Snapshot()
	err := ledger.Transfer(alice, bob, big.NewInt(20))
	require.ErrorIs(t, err, boom)
	require.NoError(t, manager.RevertToSnapshot(snap))

	bal, err := ledger.BalanceOf(alice)
	require.NoError(t, err)
	require.Equal(t, int64(50), bal.Int64())
	bal, err = ledger.BalanceOf(bob)
	require.NoError(t, err)
	require.Equal(t, 0, bal.Sign())
}

func TestPermitSetsAllowanceAndConsumesNonce(t *testing.T) {
	ledger, _ := newLedger(t)
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	var owner [20]byte
	copy(owner[:], ethcrypto.PubkeyToAddress(key.PublicKey).Bytes())
	spender := addr(0x09)

	v, r, s, err := ledger.SignPermit(key, spender, big.NewInt(500), 0, 1_000)
	require.NoError(t, err)
	req := token.PermitRequest{Owner: owner, Spender: spender, Value: big.NewInt(500), Deadline: 1_000, V: v, R: r, S: s}
	require.NoError(t, ledger.Permit(req, 900))

	allowance, err := ledger.Allowance(owner, spender)
	require.NoError(t, err)
	require.Equal(t, int64(500), allowance.Int64())
	nonce, err := ledger.Nonces(owner)
	require.NoError(t, err)
	require.Equal(t, uint64(1), nonce)

	// replay fails because the nonce moved on
	err = ledger.Permit(req, 900)
	require.ErrorIs(t, err, token.ErrInvalidSignature)
}

func TestPermitRejections(t *testing.T) {
	ledger, _ := newLedger(t)
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	var owner [20]byte
	copy(owner[:], ethcrypto.PubkeyToAddress(key.PublicKey).Bytes())
	spender := addr(0x09)

	v, r, s, err := ledger.SignPermit(key, spender, big.NewInt(500), 0, 1_000)
	require.NoError(t, err)

	expired := token.PermitRequest{Owner: owner, Spender: spender, Value: big.NewInt(500), Deadline: 1_000, V: v, R: r, S: s}
	require.ErrorIs(t, ledger.Permit(expired, 1_001), token.ErrPermitExpired)

	tampered := expired
	tampered.Value = big.NewInt(501)
	require.ErrorIs(t, ledger.Permit(tampered, 10), token.ErrInvalidSignature)

	wrongOwner := expired
	wrongOwner.Owner = addr(0x44)
	require.ErrorIs(t, ledger.Permit(wrongOwner, 10), token.ErrInvalidSignature)

	nonce, err := ledger.Nonces(owner)
	require.NoError(t, err)
	require.Zero(t, nonce)
}

func TestDomainSeparatorBindsChainAndAddress(t *testing.T) {
	manager := state.NewManager(storage.NewMemDB())
	a, err := token.NewLedger(manager, token.Config{Symbol: "SPD", ChainID: 1, Address: addr(0xEE)})
	require.NoError(t, err)
	b, err := token.NewLedger(manager, token.Config{Symbol: "SPD", ChainID: 2, Address: addr(0xEE)})
	require.NoError(t, err)
	c, err := token.NewLedger(manager, token.Config{Symbol: "SPD", ChainID: 1, Address: addr(0xEF)})
	require.NoError(t, err)
	require.NotEqual(t, a.DomainSeparator(), b.DomainSeparator())
	require.NotEqual(t, a.DomainSeparator(), c.DomainSeparator())
}

func TestOfflineSignatureVerifiesOnLedger(t *testing.T) {
	ledger, _ := newLedger(t)
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	var owner [20]byte
	copy(owner[:], ethcrypto.PubkeyToAddress(key.PublicKey).Bytes())
	spender := addr(0x09)

	domain := token.DomainSeparatorFor(ledger.Config())
	require.Equal(t, ledger.DomainSeparator(), domain)
	v, r, s, err := token.SignPermit(key, domain, spender, big.NewInt(75), 0, 2_000)
	require.NoError(t, err)
	req := token.PermitRequest{Owner: owner, Spender: spender, Value: big.NewInt(75), Deadline: 2_000, V: v, R: r, S: s}
	require.NoError(t, ledger.Permit(req, 1_000))
}
