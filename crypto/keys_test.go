package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressBech32RoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	addr := key.PubKey().Address()
	encoded := addr.String()
	require.True(t, len(encoded) > 0)

	decoded, err := DecodeAddress(encoded)
	require.NoError(t, err)
	require.Equal(t, CyloPrefix, decoded.Prefix())
	require.Equal(t, addr.Bytes(), decoded.Bytes())
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	_, err := DecodeAddress("definitely-not-bech32")
	require.Error(t, err)
}

func TestSignRecoverRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	payload := []byte("escrow_createOrder|cylo1...|cylo1...|USDC|100|")
	sig, err := key.Sign(payload)
	require.NoError(t, err)

	recovered, err := RecoverAddress(payload, sig)
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Address().Array(), recovered.Array())
}

func TestRecoverAddressDetectsTamperedPayload(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	sig, err := key.Sign([]byte("original payload"))
	require.NoError(t, err)

	recovered, err := RecoverAddress([]byte("tampered payload"), sig)
	if err == nil {
		require.NotEqual(t, key.PubKey().Address().Array(), recovered.Array())
	}
}

func TestPrivateKeyBytesRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	restored, err := PrivateKeyFromBytes(key.Bytes())
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Address().Array(), restored.PubKey().Address().Array())
}
