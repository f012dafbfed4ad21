// Description: keys package
// Key material for the SFTP backend: PEM key pair generation, used for test and
// ad hoc host keys, and loading a private key as an ssh.Signer for public key auth

package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"golang.org/x/crypto/ssh"
	"os"
)

// encodePair PEM encodes the private key block and the PKIX public key
func encodePair(privateType string, privateDER []byte, pub crypto.PublicKey) (privateKeyFile, publicKeyFile []byte, err error) {
	publicDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("error marshaling public key: %w", err)
	}
	privateKeyFile = pem.EncodeToMemory(&pem.Block{Type: privateType, Bytes: privateDER})
	publicKeyFile = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	return privateKeyFile, publicKeyFile, nil
}

// GeneratesRSAKeys generates a new RSA key pair and returns the private and public keys in PEM format.
func GeneratesRSAKeys(bitSize int) (privateKeyFile, publicKeyFile []byte, err error) {
	validBitSizes := map[int]bool{2048: true, 3072: true, 4096: true}
	if !validBitSizes[bitSize] {
		return nil, nil, fmt.Errorf("invalid bit size: %d", bitSize)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, bitSize)
	if err != nil {
		return nil, nil, fmt.Errorf("error generating RSA private key: %w", err)
	}
	return encodePair("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(privateKey), &privateKey.PublicKey)
}

// GeneratesECDSAKeys generates a new ECDSA key pair and returns the private and public keys in PEM format.
func GeneratesECDSAKeys(bitSize int) (privateKeyFile, publicKeyFile []byte, err error) {
	var curve elliptic.Curve
	switch bitSize {
	case 256:
		curve = elliptic.P256()
	case 384:
		curve = elliptic.P384()
	case 521:
		curve = elliptic.P521()
	default:
		return nil, nil, fmt.Errorf("unsupported bit size: %d", bitSize)
	}

	privateKey, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("error generating ECDSA private key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("error marshaling ECDSA private key: %w", err)
	}
	return encodePair("EC PRIVATE KEY", der, &privateKey.PublicKey)
}

// GeneratesED25519Keys generates a new EdDSA key pair and returns the private and public keys in PEM format.
func GeneratesED25519Keys() (privateKeyFile, publicKeyFile []byte, err error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("error generating EdDSA private key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("error marshaling EdDSA private key: %w", err)
	}
	return encodePair("PRIVATE KEY", der, publicKey)
}

// Host key types GenerateKeys accepts
const (
	KeyTypeED25519 = "ed25519"
	KeyTypeRSA     = "rsa"
	KeyTypeECDSA   = "ecdsa"
)

// GenerateKeys generates a PEM key pair of the given type, ed25519 when keyType is empty.
// RSA keys are 3072 bits and ECDSA keys use P-256.
func GenerateKeys(keyType string) (privateKeyFile, publicKeyFile []byte, err error) {
	switch keyType {
	case "", KeyTypeED25519:
		return GeneratesED25519Keys()
	case KeyTypeRSA:
		return GeneratesRSAKeys(3072)
	case KeyTypeECDSA:
		return GeneratesECDSAKeys(256)
	}
	return nil, nil, fmt.Errorf("unsupported key type: %q", keyType)
}

// ParseSigner parses a PEM private key, passphrase is used when the key is encrypted
func ParseSigner(pemBytes []byte, passphrase string) (ssh.Signer, error) {
	var (
		signer ssh.Signer
		err    error
	)
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pemBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("error parsing private key: %w", err)
	}
	return signer, nil
}

// LoadSigner reads and parses a private key file
func LoadSigner(file, passphrase string) (ssh.Signer, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("error reading private key file: %w", err)
	}
	return ParseSigner(b, passphrase)
}
