package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidPublicKey = errors.New("keyring: invalid X25519 public key")
	ErrBlobTooShort     = errors.New("keyring: key update blob too short")
	ErrUnwrapFailed     = errors.New("keyring: key update blob failed to decrypt")
)

// MediaKeySize is the size of a symmetric group media key.
const MediaKeySize = 32

// RatchetKeyPair is a member's per-epoch X25519 keypair. Members hold the
// private half; the engine only ever sees the public half.
type RatchetKeyPair struct {
	PublicKey  [32]byte
	PrivateKey [32]byte
}

// GenerateRatchetKeyPair generates a new X25519 ratchet keypair.
func GenerateRatchetKeyPair() (RatchetKeyPair, error) {
	var kp RatchetKeyPair
	if _, err := io.ReadFull(rand.Reader, kp.PrivateKey[:]); err != nil {
		return RatchetKeyPair{}, err
	}
	// Clamp private key per RFC 7748.
	kp.PrivateKey[0] &= 248
	kp.PrivateKey[31] &= 127
	kp.PrivateKey[31] |= 64

	curve25519.ScalarBaseMult(&kp.PublicKey, &kp.PrivateKey)
	return kp, nil
}

// wrapInfo binds a wrapped key to its room and epoch so a blob replayed
// against a different epoch fails authentication.
func wrapInfo(roomID string, epoch uint64, ephemeralPub, recipientPub [32]byte) []byte {
	info := make([]byte, 0, len("meet-epoch-key")+len(roomID)+8+64)
	info = append(info, []byte("meet-epoch-key")...)
	info = append(info, []byte(roomID)...)
	info = append(info,
		byte(epoch>>56), byte(epoch>>48), byte(epoch>>40), byte(epoch>>32),
		byte(epoch>>24), byte(epoch>>16), byte(epoch>>8), byte(epoch))
	info = append(info, ephemeralPub[:]...)
	info = append(info, recipientPub[:]...)
	return info
}

// wrapMediaKey encapsulates mediaKey for one recipient. A fresh ephemeral
// X25519 keypair is generated per blob; the shared secret is expanded with
// HKDF-SHA256 and the media key sealed under ChaCha20-Poly1305.
//
// Blob layout: ephemeral public key (32) || nonce (12) || ciphertext+tag.
func wrapMediaKey(roomID string, epoch uint64, mediaKey [MediaKeySize]byte, recipientPub [32]byte) ([]byte, error) {
	var zero [32]byte
	if recipientPub == zero {
		return nil, ErrInvalidPublicKey
	}

	eph, err := GenerateRatchetKeyPair()
	if err != nil {
		return nil, err
	}
	defer zeroize(eph.PrivateKey[:])

	shared, err := curve25519.X25519(eph.PrivateKey[:], recipientPub[:])
	if err != nil {
		return nil, fmt.Errorf("keyring: ECDH: %w", err)
	}
	defer zeroize(shared)

	wrapKey := make([]byte, chacha20poly1305.KeySize)
	hk := hkdf.New(sha256.New, shared, nil, wrapInfo(roomID, epoch, eph.PublicKey, recipientPub))
	if _, err := io.ReadFull(hk, wrapKey); err != nil {
		return nil, err
	}
	defer zeroize(wrapKey)

	aead, err := chacha20poly1305.New(wrapKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	blob := make([]byte, 0, 32+len(nonce)+MediaKeySize+aead.Overhead())
	blob = append(blob, eph.PublicKey[:]...)
	blob = append(blob, nonce...)
	blob = aead.Seal(blob, nonce, mediaKey[:], nil)
	return blob, nil
}

// UnwrapMediaKey is the member-side decapsulation, used by clients and tests.
// It recovers the media key from a key update blob using the member's ratchet
// private key.
func UnwrapMediaKey(roomID string, epoch uint64, blob []byte, recipientPriv [32]byte) ([MediaKeySize]byte, error) {
	var key [MediaKeySize]byte
	if len(blob) < 32+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return key, ErrBlobTooShort
	}

	var ephPub [32]byte
	copy(ephPub[:], blob[:32])
	nonce := blob[32 : 32+chacha20poly1305.NonceSize]
	ct := blob[32+chacha20poly1305.NonceSize:]

	shared, err := curve25519.X25519(recipientPriv[:], ephPub[:])
	if err != nil {
		return key, fmt.Errorf("keyring: ECDH: %w", err)
	}
	defer zeroize(shared)

	var recipientPub [32]byte
	curve25519.ScalarBaseMult(&recipientPub, &recipientPriv)

	wrapKey := make([]byte, chacha20poly1305.KeySize)
	hk := hkdf.New(sha256.New, shared, nil, wrapInfo(roomID, epoch, ephPub, recipientPub))
	if _, err := io.ReadFull(hk, wrapKey); err != nil {
		return key, err
	}
	defer zeroize(wrapKey)

	aead, err := chacha20poly1305.New(wrapKey)
	if err != nil {
		return key, err
	}

	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return key, ErrUnwrapFailed
	}
	copy(key[:], pt)
	zeroize(pt)
	return key, nil
}

// zeroize overwrites sensitive byte material in place.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
