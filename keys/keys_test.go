package keys

import (
	"encoding/pem"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
)

func Test_GeneratesRSAKeys(t *testing.T) {
	tests := []struct {
		keySize int
		wantErr bool
	}{
		{2048, false},
		{3072, false},
		{1024, true},
	}

	for _, tt := range tests {
		t.Run("RSAKeySize"+fmt.Sprintf("%d", tt.keySize), func(t *testing.T) {
			privateKey, publicKey, err := GeneratesRSAKeys(tt.keySize)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			block, _ := pem.Decode(privateKey)
			require.NotNil(t, block)
			assert.Equal(t, "RSA PRIVATE KEY", block.Type)
			block, _ = pem.Decode(publicKey)
			require.NotNil(t, block)
			assert.Equal(t, "PUBLIC KEY", block.Type)
		})
	}
}

func Test_GeneratesECDSAKeys(t *testing.T) {
	for _, size := range []int{256, 384, 521} {
		t.Run("ECDSAKeySize"+fmt.Sprintf("%d", size), func(t *testing.T) {
			privateKey, _, err := GeneratesECDSAKeys(size)
			require.NoError(t, err)
			signer, err := ParseSigner(privateKey, "")
			require.NoError(t, err)
			assert.Contains(t, signer.PublicKey().Type(), "ecdsa")
		})
	}

	_, _, err := GeneratesECDSAKeys(128)
	assert.Error(t, err)
}

func Test_GenerateKeys(t *testing.T) {
	for keyType, want := range map[string]string{
		"":             "ssh-ed25519",
		KeyTypeED25519: "ssh-ed25519",
		KeyTypeRSA:     "ssh-rsa",
		KeyTypeECDSA:   "ecdsa-sha2-nistp256",
	} {
		t.Run("KeyType"+keyType, func(t *testing.T) {
			privateKey, _, err := GenerateKeys(keyType)
			require.NoError(t, err)
			signer, err := ParseSigner(privateKey, "")
			require.NoError(t, err)
			assert.Equal(t, want, signer.PublicKey().Type())
		})
	}

	_, _, err := GenerateKeys("dsa")
	assert.ErrorContains(t, err, "unsupported key type")
}

func Test_LoadSigner(t *testing.T) {
	privateKey, _, err := GeneratesED25519Keys()
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(file, privateKey, 0o600))

	signer, err := LoadSigner(file, "")
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519", signer.PublicKey().Type())

	_, err = LoadSigner(filepath.Join(t.TempDir(), "missing"), "")
	assert.ErrorContains(t, err, "error reading private key file")

	_, err = ParseSigner([]byte("not a key"), "")
	assert.ErrorContains(t, err, "error parsing private key")
}
