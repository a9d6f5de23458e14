package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strings"

	"sponsorvault/crypto"
	"sponsorvault/native/token"
)

type permitView struct {
	Value    string `json:"value"`
	Deadline int64  `json:"deadline"`
	V        uint8  `json:"v"`
	R        string `json:"r"`
	S        string `json:"s"`
}

type signedPermit struct {
	Brand  string     `json:"brand"`
	Nonce  uint64     `json:"nonce"`
	Permit permitView `json:"permit"`
}

func runPermit(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("permit", stderr)
	keystore := flags.String("keystore", "", "brand keystore")
	passEnv := flags.String("pass-env", defaultPassEnv, "environment variable holding the passphrase")
	name := flags.String("token-name", "SPD", "token domain name (defaults to the symbol on dealsd)")
	version := flags.String("token-version", "1", "token domain version")
	chainID := flags.Uint64("chain-id", 1, "token domain chain id")
	tokenAddr := flags.String("token", "", "escrow token address")
	spenderAddr := flags.String("spender", "", "vault address allowed to pull the funds")
	valueRaw := flags.String("value", "", "amount to approve in base units")
	nonceFlag := flags.Int64("nonce", -1, "permit nonce (-1 uses the next nonce from history)")
	deadlineRaw := flags.String("deadline", "+1h", "+duration, unix seconds or RFC3339")
	domainRaw := flags.String("domain", "", "hex domain separator reported by GET /v1/token")
	historyPath := flags.String("history", defaultHistoryPath(), "permit history database")
	dealID := flags.String("deal", "", "deal the permit funds, kept in history")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	tokenA, err := crypto.ParseAddress(*tokenAddr)
	if err != nil {
		return printError(stderr, "--token: %v", err)
	}
	spender, err := crypto.ParseAddress(*spenderAddr)
	if err != nil {
		return printError(stderr, "--spender: %v", err)
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(*valueRaw), 10)
	if !ok || value.Sign() <= 0 {
		return printError(stderr, "--value must be a positive integer")
	}
	now := dealctlNow()
	deadline, err := parseDeadline(*deadlineRaw, now)
	if err != nil {
		return printError(stderr, "--deadline: %v", err)
	}
	domain, err := permitDomain(*domainRaw, token.Config{
		Name:    strings.TrimSpace(*name),
		Version: strings.TrimSpace(*version),
		ChainID: *chainID,
		Address: tokenA,
	})
	if err != nil {
		return printError(stderr, "%v", err)
	}

	key, err := loadKey(*keystore, *passEnv)
	if err != nil {
		return printError(stderr, "%v", err)
	}
	owner := key.PubKey().Address()

	history, err := openHistory(*historyPath)
	if err != nil {
		return printError(stderr, "open history: %v", err)
	}
	defer history.Close()
	ctx := context.Background()
	var nonce uint64
	if *nonceFlag >= 0 {
		nonce = uint64(*nonceFlag)
	} else if nonce, err = history.NextNonce(ctx, owner.Hex(), tokenA.Hex()); err != nil {
		return printError(stderr, "read history: %v", err)
	}

	v, r, s, err := token.SignPermit(key.PrivateKey, domain, spender, value, nonce, deadline)
	if err != nil {
		return printError(stderr, "sign permit: %v", err)
	}
	view := permitView{
		Value:    value.String(),
		Deadline: deadline,
		V:        v,
		R:        "0x" + hex.EncodeToString(r[:]),
		S:        "0x" + hex.EncodeToString(s[:]),
	}
	err = history.Record(ctx, permitRecord{
		Owner:     owner.Hex(),
		Token:     tokenA.Hex(),
		Spender:   spender.Hex(),
		Value:     view.Value,
		Nonce:     nonce,
		Deadline:  deadline,
		DealID:    strings.TrimSpace(*dealID),
		Signature: fmt.Sprintf("%s%s%02x", view.R, view.S[2:], v),
		CreatedAt: now,
	})
	if err != nil {
		return printError(stderr, "record permit: %v", err)
	}
	fmt.Fprintf(stderr, "signed permit nonce %d for %s\n", nonce, owner.Hex())
	return printJSON(stdout, stderr, signedPermit{Brand: owner.Hex(), Nonce: nonce, Permit: view})
}

// permitDomain prefers an explicit separator over one derived from cfg.
func permitDomain(raw string, cfg token.Config) ([32]byte, error) {
	var out [32]byte
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		if cfg.Name == "" {
			return out, fmt.Errorf("--token-name or --domain is required")
		}
		if cfg.Version == "" {
			cfg.Version = "1"
		}
		return token.DomainSeparatorFor(cfg), nil
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) != len(out) {
		return out, fmt.Errorf("--domain must be 32 hex-encoded bytes")
	}
	copy(out[:], decoded)
	return out, nil
}
