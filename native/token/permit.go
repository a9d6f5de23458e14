package token

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	domainTypeHash = ethcrypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	permitTypeHash = ethcrypto.Keccak256Hash([]byte("Permit(address owner,address spender,uint256 value,uint256 nonce,uint256 deadline)"))
)

// PermitRequest is a signed approval for spender to pull value from owner.
type PermitRequest struct {
	Owner    [20]byte
	Spender  [20]byte
	Value    *big.Int
	Deadline int64
	V        uint8
	R        [32]byte
	S        [32]byte
}

func word(b []byte) []byte {
	return common.LeftPadBytes(b, 32)
}

func uintWord(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return word(v.Bytes())
}

// DomainSeparatorFor returns the typed-data domain hash bound to cfg.
func DomainSeparatorFor(cfg Config) [32]byte {
	return ethcrypto.Keccak256Hash(
		domainTypeHash[:],
		ethcrypto.Keccak256([]byte(cfg.Name)),
		ethcrypto.Keccak256([]byte(cfg.Version)),
		uintWord(new(big.Int).SetUint64(cfg.ChainID)),
		word(cfg.Address[:]),
	)
}

// DomainSeparator returns the typed-data domain hash bound to this token.
func (l *Ledger) DomainSeparator() [32]byte { return l.domain }

// PermitDigest returns the hash the owner signs for the given nonce.
func (l *Ledger) PermitDigest(owner, spender [20]byte, value *big.Int, nonce uint64, deadline int64) [32]byte {
	return PermitDigest(l.domain, owner, spender, value, nonce, deadline)
}

// PermitDigest builds the typed-data digest of a permit under domain.
func PermitDigest(domain [32]byte, owner, spender [20]byte, value *big.Int, nonce uint64, deadline int64) [32]byte {
	structHash := ethcrypto.Keccak256(
		permitTypeHash[:],
		word(owner[:]),
		word(spender[:]),
		uintWord(value),
		uintWord(new(big.Int).SetUint64(nonce)),
		uintWord(big.NewInt(deadline)),
	)
	return ethcrypto.Keccak256Hash([]byte("\x19\x01"), domain[:], structHash)
}

// Nonces returns the next permit nonce for owner.
func (l *Ledger) Nonces(owner [20]byte) (uint64, error) {
	return l.state.Nonce(l.cfg.Symbol, owner)
}

// Permit verifies the owner's signature and sets the allowance. The nonce is
// consumed only when the signature verifies.
func (l *Ledger) Permit(req PermitRequest, now int64) error {
	if req.Value == nil || req.Value.Sign() < 0 || req.Value.BitLen() > 256 {
		return ErrInvalidAmount
	}
	if req.Owner == ([20]byte{}) || req.Spender == ([20]byte{}) {
		return ErrZeroAddress
	}
	if now > req.Deadline {
		return ErrPermitExpired
	}
	nonce, err := l.Nonces(req.Owner)
	if err != nil {
		return err
	}
	signer, err := recoverSigner(l.PermitDigest(req.Owner, req.Spender, req.Value, nonce, req.Deadline), req.V, req.R, req.S)
	if err != nil {
		return err
	}
	if signer != req.Owner {
		return fmt.Errorf("%w: signer mismatch", ErrInvalidSignature)
	}
	if err := l.state.SetNonce(l.cfg.Symbol, req.Owner, nonce+1); err != nil {
		return err
	}
	return l.state.SetAllowance(l.cfg.Symbol, req.Owner, req.Spender, req.Value)
}

func recoverSigner(digest [32]byte, v uint8, r, s [32]byte) ([20]byte, error) {
	var out [20]byte
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return out, fmt.Errorf("%w: bad recovery id", ErrInvalidSignature)
	}
	if !ethcrypto.ValidateSignatureValues(v, new(big.Int).SetBytes(r[:]), new(big.Int).SetBytes(s[:]), true) {
		return out, fmt.Errorf("%w: malformed signature values", ErrInvalidSignature)
	}
	sig := make([]byte, 65)
	copy(sig[:32], r[:])
	copy(sig[32:64], s[:])
	sig[64] = v
	pub, err := ethcrypto.SigToPub(digest[:], sig)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	copy(out[:], ethcrypto.PubkeyToAddress(*pub).Bytes())
	return out, nil
}

// SignPermit produces the signature components for a permit using key. The
// returned V is in the 27/28 form.
func (l *Ledger) SignPermit(key *ecdsa.PrivateKey, spender [20]byte, value *big.Int, nonce uint64, deadline int64) (uint8, [32]byte, [32]byte, error) {
	return SignPermit(key, l.domain, spender, value, nonce, deadline)
}

// SignPermit signs a permit under domain without a ledger, for off-line
// signers that know the token's domain parameters.
func SignPermit(key *ecdsa.PrivateKey, domain [32]byte, spender [20]byte, value *big.Int, nonce uint64, deadline int64) (uint8, [32]byte, [32]byte, error) {
	var r, s [32]byte
	if key == nil {
		return 0, r, s, fmt.Errorf("token: signing key required")
	}
	var owner [20]byte
	copy(owner[:], ethcrypto.PubkeyToAddress(key.PublicKey).Bytes())
	digest := PermitDigest(domain, owner, spender, value, nonce, deadline)
	sig, err := ethcrypto.Sign(digest[:], key)
	if err != nil {
		return 0, r, s, err
	}
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	return sig[64] + 27, r, s, nil
}
