package domain

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// Salt and context are fixed and public; they only need to match on
	// every device deriving the same user's KEK.
	kekSalt    = "FlowStudio-Envelope-Encryption-v1"
	kekContext = "KEK"

	KeySize      = 32
	NonceSize    = 12
	AlgorithmGCM = "AES-GCM"
)

var (
	ErrAuthentication      = errors.New("authentication failed")
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
	ErrEmptyUserID         = errors.New("user id is required")
)

// keyWrapIV is the RFC 3394 default initial value.
var keyWrapIV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// KEK wraps and unwraps DEKs. Its key bytes never leave the struct.
type KEK struct {
	block cipher.Block
}

// DEK encrypts room data. Callers only ever hold the opaque handle.
type DEK struct {
	raw  []byte
	aead cipher.AEAD
}

// DeriveKEK derives the user's key-wrapping key with HKDF-SHA256. The same
// user id yields the same KEK on any device.
func DeriveKEK(userID string) (*KEK, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrEmptyUserID
	}
	reader := hkdf.New(sha256.New, []byte(userID), []byte(kekSalt), []byte(kekContext))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive kek: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init kek cipher: %w", err)
	}
	return &KEK{block: block}, nil
}

func GenerateDEK() (*DEK, error) {
	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate dek: %w", err)
	}
	return newDEK(raw)
}

func newDEK(raw []byte) (*DEK, error) {
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("init dek cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &DEK{raw: raw, aead: aead}, nil
}

// Fingerprint identifies a DEK without revealing it.
func (k *DEK) Fingerprint() string {
	sum := sha256.Sum256(k.raw)
	return hex.EncodeToString(sum[:8])
}

// WrapKey encrypts the DEK under the KEK with AES key wrap (RFC 3394) and
// returns it base64 encoded.
func WrapKey(dek *DEK, kek *KEK) (string, error) {
	if dek == nil || kek == nil {
		return "", fmt.Errorf("wrap key: missing key")
	}
	return base64.StdEncoding.EncodeToString(wrapRFC3394(kek.block, dek.raw)), nil
}

func UnwrapKey(wrapped string, kek *KEK) (*DEK, error) {
	if kek == nil {
		return nil, fmt.Errorf("unwrap key: missing kek")
	}
	data, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	if len(data) != KeySize+8 {
		return nil, fmt.Errorf("%w: wrapped key is %d bytes", ErrMalformedCiphertext, len(data))
	}
	raw, ok := unwrapRFC3394(kek.block, data)
	if !ok {
		return nil, ErrAuthentication
	}
	return newDEK(raw)
}

// Seal returns nonce‖ciphertext for plaintext under dek.
func Seal(plaintext []byte, dek *DEK) ([]byte, error) {
	if dek == nil {
		return nil, fmt.Errorf("seal: missing key")
	}
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+dek.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return dek.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal. Tag mismatches return ErrAuthentication.
func Open(sealed []byte, dek *DEK) ([]byte, error) {
	if dek == nil {
		return nil, fmt.Errorf("open: missing key")
	}
	if len(sealed) < NonceSize+dek.aead.Overhead() {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedCiphertext, len(sealed))
	}
	plaintext, err := dek.aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// Encrypt is Seal with base64 transport encoding.
func Encrypt(plaintext []byte, dek *DEK) (string, error) {
	sealed, err := Seal(plaintext, dek)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func Decrypt(ciphertext string, dek *DEK) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	return Open(sealed, dek)
}

func wrapRFC3394(block cipher.Block, plaintext []byte) []byte {
	n := len(plaintext) / 8
	out := make([]byte, 8+len(plaintext))
	a := keyWrapIV
	copy(out[8:], plaintext)
	buf := make([]byte, 16)
	for j := 0; j < 6; j++ {
		for i := 1; i <= n; i++ {
			copy(buf[:8], a[:])
			copy(buf[8:], out[i*8:i*8+8])
			block.Encrypt(buf, buf)
			t := uint64(n*j + i)
			binary.BigEndian.PutUint64(a[:], binary.BigEndian.Uint64(buf[:8])^t)
			copy(out[i*8:], buf[8:])
		}
	}
	copy(out[:8], a[:])
	return out
}

func unwrapRFC3394(block cipher.Block, ciphertext []byte) ([]byte, bool) {
	n := len(ciphertext)/8 - 1
	out := make([]byte, n*8)
	var a [8]byte
	copy(a[:], ciphertext[:8])
	copy(out, ciphertext[8:])
	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := uint64(n*j + i)
			binary.BigEndian.PutUint64(buf[:8], binary.BigEndian.Uint64(a[:])^t)
			copy(buf[8:], out[(i-1)*8:i*8])
			block.Decrypt(buf, buf)
			copy(a[:], buf[:8])
			copy(out[(i-1)*8:], buf[8:])
		}
	}
	if subtle.ConstantTimeCompare(a[:], keyWrapIV[:]) != 1 {
		return nil, false
	}
	return out, true
}
