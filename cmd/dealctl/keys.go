package main

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"

	"sponsorvault/cmd/internal/passphrase"
	"sponsorvault/crypto"
)

const defaultPassEnv = "DEALCTL_PASSPHRASE"

type keyView struct {
	Address  string `json:"address"`
	Hex      string `json:"hex"`
	Keystore string `json:"keystore,omitempty"`
}

func newKeyView(key *crypto.PrivateKey, path string) keyView {
	addr := key.PubKey().Address()
	return keyView{Address: addr.String(), Hex: addr.Hex(), Keystore: path}
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("keygen", stderr)
	out := flags.String("out", "", "keystore file to create")
	passEnv := flags.String("pass-env", defaultPassEnv, "environment variable holding the passphrase")
	light := flags.Bool("light", false, "use light scrypt parameters (development only)")
	force := flags.Bool("force", false, "overwrite an existing keystore")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	path := strings.TrimSpace(*out)
	if path == "" {
		return printError(stderr, "--out is required")
	}
	if _, err := os.Stat(path); err == nil && !*force {
		return printError(stderr, "%s already exists; pass --force to overwrite", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return printError(stderr, "%v", err)
	}
	pass, err := passphrase.NewSource(*passEnv, passphrase.WithConfirmation()).Get()
	if err != nil {
		return printError(stderr, "%v", err)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, "generate key: %v", err)
	}
	strength := crypto.KeystoreStandard
	if *light {
		strength = crypto.KeystoreLight
	}
	if err := crypto.SaveToKeystore(path, key, pass, strength); err != nil {
		return printError(stderr, "write keystore: %v", err)
	}
	return printJSON(stdout, stderr, newKeyView(key, path))
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("address", stderr)
	path := flags.String("keystore", "", "keystore file")
	passEnv := flags.String("pass-env", defaultPassEnv, "environment variable holding the passphrase")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	key, err := loadKey(*path, *passEnv)
	if err != nil {
		return printError(stderr, "%v", err)
	}
	return printJSON(stdout, stderr, newKeyView(key, *path))
}

func loadKey(path, passEnv string) (*crypto.PrivateKey, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("--keystore is required")
	}
	pass, err := passphrase.NewSource(passEnv).Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}
