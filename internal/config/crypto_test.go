package config

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenenazirov/tsrlib/internal/document"
)

const (
	testSecret  = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	wrongSecret = "fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210"
)

func TestDecryptRoundTrip(t *testing.T) {
	plaintext := []byte(`{"commonAll":{"db":{"password":"s3cret","port":5432},"tags":["a","b"]}}`)
	iv := []byte("0123456789012345")
	key, err := ParseKey(testSecret)
	require.NoError(t, err)

	envelope, err := encryptWithIV(plaintext, key, iv)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(envelope)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, base64.StdEncoding.EncodeToString(iv), lines[0])

	got, err := Decrypt(envelope, testSecret)
	require.NoError(t, err)

	want, err := document.ParseJSON(plaintext)
	require.NoError(t, err)
	assert.True(t, document.Equal(want, got))
}

func TestDecryptToleratesBlankLines(t *testing.T) {
	envelope, err := Encrypt([]byte(`{"a":1}`), testSecret)
	require.NoError(t, err)

	padded := "\n\n  " + strings.ReplaceAll(string(envelope), "\n", "\r\n\n") + "\n"
	got, err := Decrypt([]byte(padded), testSecret)
	require.NoError(t, err)
	assert.Equal(t, document.Mapping{"a": document.Number(1)}, got)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key, err := ParseKey(testSecret)
	require.NoError(t, err)
	envelope, err := encryptWithIV([]byte(`{"a":"b"}`), key, []byte("abcdefghijklmnop"))
	require.NoError(t, err)

	_, err = Decrypt(envelope, wrongSecret)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecrypt) || errors.Is(err, ErrMalformedPlaintext), "unexpected error: %v", err)
	assert.True(t, isFatal(err))
}

func TestDecryptErrors(t *testing.T) {
	valid, err := Encrypt([]byte(`{"a":1}`), testSecret)
	require.NoError(t, err)
	notJSON, err := Encrypt([]byte(`not json`), testSecret)
	require.NoError(t, err)

	testCases := []struct {
		name     string
		envelope string
		secret   string
		want     error
	}{
		{"missing secret", string(valid), "", ErrMissingSecret},
		{"secret not hex", string(valid), "zz", ErrInvalidSecret},
		{"secret too short", string(valid), "abcd", ErrInvalidSecret},
		{"single line", "aGVsbG8=", testSecret, ErrMalformedEnvelope},
		{"bad base64", "###\n###", testSecret, ErrMalformedEnvelope},
		{"short iv", "aGVsbG8=\naGVsbG8=", testSecret, ErrMalformedEnvelope},
		{"partial block", base64.StdEncoding.EncodeToString(make([]byte, 16)) + "\naGVsbG8=", testSecret, ErrDecrypt},
		{"plaintext not json", string(notJSON), testSecret, ErrMalformedPlaintext},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decrypt([]byte(tc.envelope), tc.secret)
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, isFatal(err))
		})
	}
}
