package ecash

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const minMnemonicWords = 12

var (
	sealedMagic         = []byte("v1:")
	encryptionKeyInfo   = []byte("ecash proof store v1")
	errSealedDataFormat = errors.New("sealed data malformed")
)

// Keys are derived from the seed phrase and never persisted.
type Keys struct {
	// Seed is handed to issuer services for deterministic secret derivation.
	Seed []byte
	// EncryptionKey seals proof sets at rest.
	EncryptionKey []byte
}

func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", err
	}

	return bip39.NewMnemonic(entropy)
}

func NormalizeMnemonic(phrase string) string {
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}

func ValidateMnemonic(phrase string) error {
	phrase = NormalizeMnemonic(phrase)
	if n := len(strings.Fields(phrase)); n < minMnemonicWords {
		return fmt.Errorf("%w: must be at least %d words, got %d", ErrInvalidMnemonic, minMnemonicWords, n)
	}

	if !bip39.IsMnemonicValid(phrase) {
		return fmt.Errorf("%w: checksum mismatch", ErrInvalidMnemonic)
	}

	return nil
}

// DeriveKeys is deterministic: the same phrase always yields the same keys.
func DeriveKeys(phrase string) (*Keys, error) {
	phrase = NormalizeMnemonic(phrase)
	if err := ValidateMnemonic(phrase); err != nil {
		return nil, err
	}

	seed := bip39.NewSeed(phrase, "")

	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, seed, nil, encryptionKeyInfo)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}

	return &Keys{
		Seed:          seed,
		EncryptionKey: key,
	}, nil
}

func seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := append([]byte{}, sealedMagic...)
	return append(out, aead.Seal(nonce, nonce, plaintext, nil)...), nil
}

func unseal(key, data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, sealedMagic) {
		return nil, errSealedDataFormat
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	data = data[len(sealedMagic):]
	if len(data) < aead.NonceSize()+aead.Overhead() {
		return nil, errSealedDataFormat
	}

	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}
