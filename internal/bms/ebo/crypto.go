package ebo

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
)

// loginDigest computes the challenge response: SHA-256 over the
// concatenation of username, domain, password, login path and the
// server-issued nonce, hex-encoded. The concatenation order is part of
// the wire contract.
func loginDigest(username, domain, password, loginPath, nonce string) string {
	h := sha256.Sum256([]byte(username + domain + password + loginPath + nonce))
	return hex.EncodeToString(h[:])
}

// passwordEnvelope carries the AES-CBC encrypted password plus the
// RSA-OAEP wrapped session key, all base64.
type passwordEnvelope struct {
	Key        string `json:"key"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

// parsePublicKey accepts the PEM-encoded RSA public key the server hands
// out alongside the login nonce.
func parsePublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in server public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing server public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("server public key is not RSA")
	}
	return rsaKey, nil
}

// encryptPassword builds the login envelope: a fresh 256-bit AES key and
// IV encrypt the password with CBC and PKCS#7 padding; the AES key is
// wrapped with RSA-OAEP under the server's public key.
func encryptPassword(password string, serverKey *rsa.PublicKey) (passwordEnvelope, error) {
	aesKey := make([]byte, 32)
	if _, err := rand.Read(aesKey); err != nil {
		return passwordEnvelope{}, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return passwordEnvelope{}, err
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return passwordEnvelope{}, err
	}
	plaintext := pkcs7Pad([]byte(password), aes.BlockSize)
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plaintext)

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, serverKey, aesKey, nil)
	if err != nil {
		return passwordEnvelope{}, fmt.Errorf("wrapping session key: %w", err)
	}

	return passwordEnvelope{
		Key:        base64.StdEncoding.EncodeToString(wrappedKey),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padding)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padding)
	}
	return padded
}
