// Package otpcipher decodes the one-time password payload returned by the portal's
// web-start endpoint.
//
// The payload is semicolon delimited. The second field holds an 8 character DES key
// followed by the hex encoded ciphertext, which is DES-ECB encrypted and padded with NUL
// bytes to the block size.
package otpcipher

import (
	"crypto/des"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	fieldDelimiter               = ";"
	keyLength                    = 8
	nulPadding                   = "\x00"
	minimumFieldCount            = 2
	errMessageDecryption         = "otp decryption failed"
	errMessageTooFewFields       = "payload has fewer than 2 fields"
	errMessageShortKeyField      = "key field shorter than key length"
	errMessageHexDecode          = "ciphertext is not valid hex"
	errMessageEmptyCiphertext    = "ciphertext is empty"
	errMessageBlockAlignment     = "ciphertext is not a multiple of the block size"
	errMessageInvalidPlaintext   = "plaintext is not valid utf-8"
	errMessageInvalidKey         = "invalid key"
	errMessageKeyLengthMismatch  = "key must be exactly 8 bytes"
	errMessagePlaintextNulSuffix = "plaintext must not end with a NUL byte"
)

// ErrDecryption reports a malformed OTP payload or a cipher failure.
var ErrDecryption = errors.New(errMessageDecryption)

// Decrypt extracts the key and ciphertext from raw and returns the plaintext OTP.
func Decrypt(raw string) (string, error) {
	fields := strings.Split(raw, fieldDelimiter)
	if len(fields) < minimumFieldCount {
		return "", fmt.Errorf("%w: %s", ErrDecryption, errMessageTooFewFields)
	}
	keyAndCiphertext := strings.TrimSpace(fields[1])
	if len(keyAndCiphertext) < keyLength {
		return "", fmt.Errorf("%w: %s", ErrDecryption, errMessageShortKeyField)
	}

	key := []byte(keyAndCiphertext[:keyLength])
	ciphertext, err := hex.DecodeString(keyAndCiphertext[keyLength:])
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrDecryption, errMessageHexDecode, err)
	}
	if len(ciphertext) == 0 {
		return "", fmt.Errorf("%w: %s", ErrDecryption, errMessageEmptyCiphertext)
	}

	plaintext, err := decryptECB(key, ciphertext)
	if err != nil {
		return "", err
	}
	trimmed := strings.TrimRight(string(plaintext), nulPadding)
	if !utf8.ValidString(trimmed) {
		return "", fmt.Errorf("%w: %s", ErrDecryption, errMessageInvalidPlaintext)
	}
	return trimmed, nil
}

// Encrypt produces the key-prefixed hex field the portal emits for plaintext. The
// plaintext is NUL padded to the block size.
func Encrypt(key string, plaintext string) (string, error) {
	if len(key) != keyLength {
		return "", errors.New(errMessageKeyLengthMismatch)
	}
	if strings.HasSuffix(plaintext, nulPadding) {
		return "", errors.New(errMessagePlaintextNulSuffix)
	}
	block, err := des.NewCipher([]byte(key))
	if err != nil {
		return "", fmt.Errorf("%s: %w", errMessageInvalidKey, err)
	}
	blockSize := block.BlockSize()
	padded := []byte(plaintext)
	if remainder := len(padded) % blockSize; remainder != 0 || len(padded) == 0 {
		padded = append(padded, make([]byte, blockSize-remainder)...)
	}
	ciphertext := make([]byte, len(padded))
	for offset := 0; offset < len(padded); offset += blockSize {
		block.Encrypt(ciphertext[offset:offset+blockSize], padded[offset:offset+blockSize])
	}
	return key + strings.ToUpper(hex.EncodeToString(ciphertext)), nil
}

func decryptECB(key []byte, ciphertext []byte) ([]byte, error) {
	block, err := des.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecryption, errMessageInvalidKey, err)
	}
	blockSize := block.BlockSize()
	if len(ciphertext)%blockSize != 0 {
		return nil, fmt.Errorf("%w: %s", ErrDecryption, errMessageBlockAlignment)
	}
	plaintext := make([]byte, len(ciphertext))
	for offset := 0; offset < len(ciphertext); offset += blockSize {
		block.Decrypt(plaintext[offset:offset+blockSize], ciphertext[offset:offset+blockSize])
	}
	return plaintext, nil
}
