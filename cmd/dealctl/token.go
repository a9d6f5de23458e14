package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"sponsorvault/crypto"
	"sponsorvault/services/dealsd/authtoken"
)

func runToken(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("token", stderr)
	secretEnv := flags.String("secret-env", "DEALSD_JWT_SECRET", "environment variable holding the signing secret")
	subject := flags.String("subject", "", "custodian address (bech32 or 0x hex)")
	keystore := flags.String("keystore", "", "derive the subject from this keystore instead")
	passEnv := flags.String("pass-env", defaultPassEnv, "environment variable holding the keystore passphrase")
	ttl := flags.Duration("ttl", time.Hour, "token lifetime")
	issuer := flags.String("issuer", "", "issuer claim")
	audience := flags.String("audience", "", "audience claim")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	secret := os.Getenv(*secretEnv)
	if strings.TrimSpace(secret) == "" {
		return printError(stderr, "%s is not set", *secretEnv)
	}
	var addr crypto.Address
	switch {
	case strings.TrimSpace(*subject) != "":
		parsed, err := crypto.ParseAddress(*subject)
		if err != nil {
			return printError(stderr, "--subject: %v", err)
		}
		addr = parsed
	case strings.TrimSpace(*keystore) != "":
		key, err := loadKey(*keystore, *passEnv)
		if err != nil {
			return printError(stderr, "%v", err)
		}
		addr = key.PubKey().Address()
	default:
		return printError(stderr, "--subject or --keystore is required")
	}
	tok, err := authtoken.Issue(authtoken.Config{Secret: secret, Issuer: *issuer, Audience: *audience}, addr, *ttl, dealctlNow())
	if err != nil {
		return printError(stderr, "%v", err)
	}
	fmt.Fprintln(stdout, tok)
	return 0
}
