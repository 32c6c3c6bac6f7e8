package config

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/eugenenazirov/tsrlib/internal/document"
)

// EncryptedExtension marks sources that must be decrypted before parsing.
const EncryptedExtension = ".enc"

const keySize = 32

var (
	// ErrMissingSecret indicates that SecretEnv is not set.
	ErrMissingSecret = errors.New("decryption secret " + SecretEnv + " is not set")
	// ErrInvalidSecret indicates a secret that is not a hex-encoded 32-byte key.
	ErrInvalidSecret = errors.New("decryption secret must be a hex-encoded 32-byte key")
	// ErrMalformedEnvelope indicates the encrypted file is not "IV\nciphertext" in base64.
	ErrMalformedEnvelope = errors.New("encrypted document must contain a base64 IV line and a base64 ciphertext line")
	// ErrDecrypt indicates the ciphertext could not be decrypted, usually because of a wrong key.
	ErrDecrypt = errors.New("decryption failed")
	// ErrMalformedPlaintext indicates the decrypted content is not valid JSON.
	ErrMalformedPlaintext = errors.New("decrypted document is not valid JSON")
)

// fatalErrors abort initialization instead of being downgraded to a warning.
var fatalErrors = []error{
	ErrMissingSecret,
	ErrInvalidSecret,
	ErrMalformedEnvelope,
	ErrDecrypt,
	ErrMalformedPlaintext,
}

func isFatal(err error) bool {
	for _, target := range fatalErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ParseKey decodes a hex-encoded AES-256 key.
func ParseKey(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	key, err := hex.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidSecret, len(key))
	}
	return key, nil
}

// Decrypt opens an AES-256-CBC envelope: line one is the base64 IV, line two
// the base64 ciphertext. The plaintext must be a JSON object.
func Decrypt(envelope []byte, secret string) (document.Mapping, error) {
	key, err := ParseKey(secret)
	if err != nil {
		return nil, err
	}

	lines := nonEmptyLines(string(envelope))
	if len(lines) < 2 {
		return nil, ErrMalformedEnvelope
	}
	iv, err := base64.StdEncoding.DecodeString(lines[0])
	if err != nil {
		return nil, fmt.Errorf("%w: IV: %v", ErrMalformedEnvelope, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(lines[1])
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrMalformedEnvelope, err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: IV must be %d bytes, got %d", ErrMalformedEnvelope, aes.BlockSize, len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a whole number of blocks", ErrDecrypt)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	plaintext, err = unpad(plaintext)
	if err != nil {
		return nil, err
	}

	doc, err := document.ParseJSON(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPlaintext, err)
	}
	return doc, nil
}

// Encrypt seals plaintext into the envelope read by Decrypt using a random IV.
func Encrypt(plaintext []byte, secret string) ([]byte, error) {
	key, err := ParseKey(secret)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate IV: %w", err)
	}
	return encryptWithIV(plaintext, key, iv)
}

func encryptWithIV(plaintext, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	padded := pad(plaintext)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	var buf bytes.Buffer
	buf.WriteString(base64.StdEncoding.EncodeToString(iv))
	buf.WriteByte('\n')
	buf.WriteString(base64.StdEncoding.EncodeToString(ciphertext))
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

// unpad strips PKCS#7 padding. Invalid padding almost always means the key is wrong.
func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrDecrypt)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
		}
	}
	return data[:len(data)-n], nil
}

func nonEmptyLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
