// Package cryptutil implements PrivCount's fixed cryptographic wire
// contract: RSA keypair handling, long-term public-key identities, and the
// hybrid (RSA-OAEP + AEAD) encryption scheme used to ship blinding shares
// between data collectors and share keepers.
package cryptutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// KeyBits is the RSA modulus size used for every generated keypair, matching
// the original implementation's choice of a conservative long-term key size.
const KeyBits = 4096

// PublicExponent is the RSA public exponent used for every generated
// keypair.
const PublicExponent = 65537

// LoadPrivateKey parses a PEM-encoded PKCS#8 RSA private key.
func LoadPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("cryptutil: no PEM block found in private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: parsing private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("cryptutil: private key is not RSA")
	}
	return rsaKey, nil
}

// LoadPrivateKeyFile reads and parses a PEM-encoded PKCS#8 RSA private key
// from path.
func LoadPrivateKeyFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: reading private key file: %w", err)
	}
	return LoadPrivateKey(data)
}

// LoadPublicKey parses a PEM-encoded SubjectPublicKeyInfo RSA public key.
func LoadPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("cryptutil: no PEM block found in public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: parsing public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("cryptutil: public key is not RSA")
	}
	return rsaKey, nil
}

// LoadPublicKeyFile reads and parses a PEM-encoded public key from path.
func LoadPublicKeyFile(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: reading public key file: %w", err)
	}
	return LoadPublicKey(data)
}

// PublicKeyPEM encodes pub as a PEM-wrapped SubjectPublicKeyInfo block, the
// same encoding used for the long-term public-key digest and for
// publishing a node's identity to its peers.
func PublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: marshaling public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return pem.EncodeToMemory(block), nil
}

// PrivateKeyPEM encodes priv as a PEM-wrapped, unencrypted PKCS#8 block.
func PrivateKeyPEM(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: marshaling private key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return pem.EncodeToMemory(block), nil
}

// PublicDigest returns the hex-encoded SHA-256 digest of pub's PEM-encoded
// SubjectPublicKeyInfo bytes. This is each node's long-term identity: the
// config's client/server UID fields are this digest.
func PublicDigest(pub *rsa.PublicKey) (string, error) {
	der, err := PublicKeyPEM(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return fmt.Sprintf("%x", sum), nil
}

// GenerateKeypair creates a fresh RSA-4096 keypair and writes its PEM-PKCS8
// private key to path, matching the original's generate_keypair helper,
// used when a node starts for the first time with no key on disk (the
// SPEC_FULL.md "RSA keypair auto-generation" supplement).
func GenerateKeypair(path string) (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: generating RSA key: %w", err)
	}
	pemBytes, err := PrivateKeyPEM(priv)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("cryptutil: writing private key file: %w", err)
	}
	return priv, nil
}

// EnsureKeypair loads the private key at path, generating and persisting a
// fresh RSA-4096 keypair if the file does not exist.
func EnsureKeypair(path string) (*rsa.PrivateKey, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return GenerateKeypair(path)
	}
	return LoadPrivateKeyFile(path)
}
