// Package sessioncrypto decrypts the MTProto session blob stored by the
// external web UI under the "v1:<salt>:<iv>:<ciphertext>:<tag>" format (§6):
// scrypt-derived key, AES-256-GCM seal, each field hex-encoded.
package sessioncrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	formatVersion = "v1"
	keyLen        = 32
	scryptN       = 1 << 15
	scryptR       = 8
	scryptP       = 1
)

// Decrypt parses and decrypts an encoded session blob using secret as the
// scrypt passphrase, returning the plaintext MTProto session bytes.
func Decrypt(encoded, secret string) ([]byte, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 5 || parts[0] != formatVersion {
		return nil, fmt.Errorf("sessioncrypto: unexpected format (want %s:<salt>:<iv>:<ciphertext>:<tag>)", formatVersion)
	}

	salt, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("sessioncrypto: decode salt: %w", err)
	}
	iv, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("sessioncrypto: decode iv: %w", err)
	}
	ciphertext, err := hex.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("sessioncrypto: decode ciphertext: %w", err)
	}
	tag, err := hex.DecodeString(parts[4])
	if err != nil {
		return nil, fmt.Errorf("sessioncrypto: decode tag: %w", err)
	}

	key, err := scrypt.Key([]byte(secret), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("sessioncrypto: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sessioncrypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, fmt.Errorf("sessioncrypto: new gcm: %w", err)
	}

	sealed := append(ciphertext, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("sessioncrypto: decrypt: %w", err)
	}
	return plaintext, nil
}

// Encrypt is the inverse of Decrypt, kept for completeness/testing: it
// produces a "v1:<salt>:<iv>:<ciphertext>:<tag>" blob from plaintext.
func Encrypt(plaintext []byte, secret string, salt, iv []byte) (string, error) {
	key, err := scrypt.Key([]byte(secret), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return "", fmt.Errorf("sessioncrypto: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("sessioncrypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return "", fmt.Errorf("sessioncrypto: new gcm: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagLen := gcm.Overhead()
	ciphertext, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	return fmt.Sprintf("%s:%s:%s:%s:%s",
		formatVersion, hex.EncodeToString(salt), hex.EncodeToString(iv),
		hex.EncodeToString(ciphertext), hex.EncodeToString(tag)), nil
}
