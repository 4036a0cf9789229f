package attachments

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const keyInfo = "studymate.attachment.v1"

var errNoKeyring = errors.New("attachments: encryption is not configured")

// Keyring derives per-reference XChaCha20-Poly1305 keys from a master secret.
// The key reference is stored with the attachment; the key itself never is.
type Keyring struct {
	master  []byte
	current string
}

// NewKeyring returns nil when master is empty, which disables encryption.
func NewKeyring(master []byte, currentRef string) (*Keyring, error) {
	if len(master) == 0 {
		return nil, nil
	}
	if len(master) < 32 {
		return nil, fmt.Errorf("attachments: master key must be at least 32 bytes, got %d", len(master))
	}
	currentRef = strings.TrimSpace(currentRef)
	if currentRef == "" {
		currentRef = "k1"
	}
	return &Keyring{master: append([]byte(nil), master...), current: currentRef}, nil
}

// Current is the key reference used when a caller does not pick one.
func (k *Keyring) Current() string { return k.current }

func (k *Keyring) key(ref string) ([]byte, error) {
	if k == nil {
		return nil, errNoKeyring
	}
	if strings.TrimSpace(ref) == "" {
		return nil, errors.New("attachments: empty key reference")
	}
	r := hkdf.New(sha256.New, k.master, []byte(ref), []byte(keyInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext bound to aad. Wire format: nonce[24] || ciphertext.
func (k *Keyring) Seal(ref string, plaintext, aad []byte) ([]byte, error) {
	key, err := k.key(ref)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out, plaintext, aad), nil
}

func (k *Keyring) Open(ref string, sealed, aad []byte) ([]byte, error) {
	key, err := k.key(ref)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("attachments: ciphertext too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, aad)
}
