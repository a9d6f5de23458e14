package crypto

import (
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressEncodings(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	addr := key.PubKey().Address()
	require.False(t, addr.IsZero())

	encoded := addr.String()
	require.True(t, strings.HasPrefix(encoded, AddressPrefix+"1"))

	fromBech, err := ParseAddress(encoded)
	require.NoError(t, err)
	require.Equal(t, addr, fromBech)

	fromHex, err := ParseAddress(addr.Hex())
	require.NoError(t, err)
	require.Equal(t, addr, fromHex)

	upper, err := ParseAddress(strings.ToUpper(encoded))
	require.NoError(t, err)
	require.Equal(t, addr, upper)
}

func TestParseAddressRejects(t *testing.T) {
	for _, raw := range []string{"", "0x1234", "0xzz", "not-an-address"} {
		_, err := ParseAddress(raw)
		require.Error(t, err, raw)
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys", "brand.json")

	require.NoError(t, SaveToKeystore(path, key, "secret", KeystoreLight))
	loaded, err := LoadFromKeystore(path, "secret")
	require.NoError(t, err)
	require.Equal(t, key.Bytes(), loaded.Bytes())

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}

func TestPrivateKeyFromHex(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	hexKey := "0x" + hex.EncodeToString(key.Bytes())
	parsed, err := PrivateKeyFromHex(hexKey)
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Address(), parsed.PubKey().Address())
}
