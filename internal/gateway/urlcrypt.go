package gateway

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// DecryptURL recovers the plaintext upstream URL from the encrypted field
// returned by the content API. The ciphertext is base64(iv || payload),
// AES-256-CBC with the key derived as SHA-256 of the shared secret, PKCS#7
// padded. Any anomaly is reported as ErrDecode: callers must treat a decode
// failure as a resolution failure, never as an empty URL.
func DecryptURL(cipherText, secret string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil {
		return "", fmt.Errorf("%w: base64: %v", ErrDecode, err)
	}
	if len(raw) < aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext length %d", ErrDecode, len(raw))
	}

	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}

	iv, payload := raw[:aes.BlockSize], raw[aes.BlockSize:]
	if len(payload) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrDecode)
	}

	plain := make([]byte, len(payload))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, payload)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrDecode)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecode)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecode)
		}
	}
	return b[:len(b)-n], nil
}
