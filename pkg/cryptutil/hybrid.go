package cryptutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// EncryptPK encrypts plaintext with pub using RSA-OAEP, SHA-256 for both the
// hash and the MGF1 mask function. plaintext is limited to the RSA modulus
// size minus OAEP overhead, a few hundred bytes at KeyBits=4096 — large
// enough for a single Fernet symmetric key but nothing else.
func EncryptPK(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: RSA-OAEP encrypt: %w", err)
	}
	return ciphertext, nil
}

// DecryptPK decrypts ciphertext with priv using RSA-OAEP/SHA-256.
func DecryptPK(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: RSA-OAEP decrypt: %w", err)
	}
	return plaintext, nil
}

// Envelope is the wire shape produced by Encrypt: a single-use symmetric
// key, RSA-wrapped for one recipient, plus the data it encrypts. Both
// fields are opaque base64 text and should be treated as such by callers.
type Envelope struct {
	PKEncryptedSecretKey string `json:"pk_encrypted_secret_key"`
	SymEncryptedData     string `json:"sym_encrypted_data"`
}

// EncodeData JSON-serializes value with no extraneous whitespace, then
// base64-encodes the result, so the encrypted payload is safe to carry as
// a JSON string itself.
func EncodeData(value interface{}) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("cryptutil: encoding data: %w", err)
	}
	return base64RawEncoding.EncodeToString(raw), nil
}

// DecodeData reverses EncodeData, unmarshaling the result into out.
func DecodeData(encoded string, out interface{}) error {
	raw, err := base64RawEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("cryptutil: decoding base64: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("cryptutil: decoding data: %w", err)
	}
	return nil
}

// Encrypt hybrid-encrypts an arbitrary JSON-marshalable value for pub: it is
// JSON-encoded, base64-encoded, symmetrically encrypted under a fresh
// single-use Fernet key, and that key is then RSA-OAEP wrapped for pub. The
// returned Envelope's fields are opaque and should be shipped as-is.
func Encrypt(pub *rsa.PublicKey, value interface{}) (Envelope, error) {
	encoded, err := EncodeData(value)
	if err != nil {
		return Envelope{}, err
	}
	secretKey, err := GenerateSymmetricKey()
	if err != nil {
		return Envelope{}, err
	}
	symCiphertext, err := EncryptSymmetric(secretKey, []byte(encoded))
	if err != nil {
		return Envelope{}, err
	}
	wrappedKey, err := EncryptPK(pub, secretKey)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		PKEncryptedSecretKey: base64RawEncoding.EncodeToString(wrappedKey),
		SymEncryptedData:     base64RawEncoding.EncodeToString(symCiphertext),
	}, nil
}

// Decrypt reverses Encrypt, unmarshaling the recovered value into out.
func Decrypt(priv *rsa.PrivateKey, env Envelope, out interface{}) error {
	wrappedKey, err := base64RawEncoding.DecodeString(env.PKEncryptedSecretKey)
	if err != nil {
		return fmt.Errorf("cryptutil: decoding wrapped key: %w", err)
	}
	symCiphertext, err := base64RawEncoding.DecodeString(env.SymEncryptedData)
	if err != nil {
		return fmt.Errorf("cryptutil: decoding symmetric ciphertext: %w", err)
	}
	secretKey, err := DecryptPK(priv, wrappedKey)
	if err != nil {
		return err
	}
	encoded, err := DecryptSymmetric(secretKey, symCiphertext, 0)
	if err != nil {
		return err
	}
	return DecodeData(string(encoded), out)
}
