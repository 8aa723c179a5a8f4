// Package cryptoenv implements the envelope carried inside every wire
// frame: AES-256-CBC encryption, HMAC-SHA256 encrypt-then-MAC, and a
// strictly increasing sequence number for anti-replay. Keys are
// derived from a single shared secret and kept sealed in memguard
// enclaves between uses.
package cryptoenv

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

const (
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32
	// IVSize is the AES block size in bytes.
	IVSize = 16
	// TagSize is the HMAC-SHA256 output size in bytes.
	TagSize = 32
	// SeqSize is the width of the serialized sequence number.
	SeqSize = 8

	minEnvelopeSize = SeqSize + IVSize + TagSize
)

var (
	// ErrShortEnvelope is returned when an envelope is too small to
	// possibly be valid.
	ErrShortEnvelope = errors.New("cryptoenv: envelope shorter than minimum size")
	// ErrAuthFailed is returned when the HMAC tag does not verify.
	ErrAuthFailed = errors.New("cryptoenv: authentication failed")
	// ErrReplay is returned when a received sequence number is not
	// greater than or equal to the receiver's current expectation.
	ErrReplay = errors.New("cryptoenv: sequence number rejected as replay")
)

// deriveKey runs HMAC-SHA256(secret, label) and keeps the first
// KeySize bytes, matching the demo KDF the wire protocol specifies.
func deriveKey(secret []byte, label string) [KeySize]byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(label))
	sum := mac.Sum(nil)

	var key [KeySize]byte
	copy(key[:], sum[:KeySize])
	return key
}

// Context is a one-directional (send-only or receive-only) crypto
// context: an AES key, a MAC key, and a sequence number. Implementers
// SHOULD keep a separate Context per direction; see NewPair.
type Context struct {
	encKey *memguard.Enclave
	macKey *memguard.Enclave
	seq    uint64
}

// Pair bundles independent send and receive contexts derived from the
// same shared secret, so a connection's outbound sequence counter
// never collides with its inbound replay-detection counter.
type Pair struct {
	Send *Context
	Recv *Context
}

// NewPair derives K_enc and K_mac from secret via HMAC-SHA256 and
// builds an independent send/receive Context pair sharing those keys.
// The shared secret itself is never retained beyond this call.
func NewPair(secret []byte) *Pair {
	encKey := deriveKey(secret, "ENC")
	macKey := deriveKey(secret, "MAC")

	return &Pair{
		Send: newContext(encKey, macKey),
		Recv: newContext(encKey, macKey),
	}
}

func newContext(encKey, macKey [KeySize]byte) *Context {
	return &Context{
		encKey: memguard.NewBufferFromBytes(encKey[:]).Seal(),
		macKey: memguard.NewBufferFromBytes(macKey[:]).Seal(),
	}
}

// withKeys opens both sealed keys for the duration of fn and destroys
// the resulting LockedBuffers before returning, so decrypted key
// bytes never outlive a single encrypt/decrypt call.
func (c *Context) withKeys(fn func(encKey, macKey []byte) error) error {
	encBuf, err := c.encKey.Open()
	if err != nil {
		return fmt.Errorf("cryptoenv: open enc key: %w", err)
	}
	defer encBuf.Destroy()

	macBuf, err := c.macKey.Open()
	if err != nil {
		return fmt.Errorf("cryptoenv: open mac key: %w", err)
	}
	defer macBuf.Destroy()

	return fn(encBuf.Bytes(), macBuf.Bytes())
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errors.New("cryptoenv: invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, errors.New("cryptoenv: invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("cryptoenv: invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}

// Seal encrypts plaintext and returns an envelope:
// seq(8) || iv(16) || ciphertext || tag(32), with seq serialized
// little-endian. Implements wire.Sealer.
func (c *Context) Seal(plaintext []byte) ([]byte, error) {
	var envelope []byte
	err := c.withKeys(func(encKey, macKey []byte) error {
		iv := make([]byte, IVSize)
		if _, err := rand.Read(iv); err != nil {
			return fmt.Errorf("cryptoenv: generate iv: %w", err)
		}

		block, err := aes.NewCipher(encKey)
		if err != nil {
			return fmt.Errorf("cryptoenv: new cipher: %w", err)
		}

		padded := pkcs7Pad(plaintext, aes.BlockSize)
		ciphertext := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

		seq := c.seq
		c.seq++

		header := make([]byte, SeqSize+IVSize)
		binary.LittleEndian.PutUint64(header[:SeqSize], seq)
		copy(header[SeqSize:], iv)

		signed := append(header, ciphertext...)
		mac := hmac.New(sha256.New, macKey)
		mac.Write(signed)
		tag := mac.Sum(nil)

		envelope = append(signed, tag...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return envelope, nil
}

// Open verifies and decrypts an envelope produced by Seal, rejecting
// it if the HMAC tag is invalid or the sequence number is not a
// strictly non-decreasing advance on what this context has already
// accepted. Implements wire.Envelope.
func (c *Context) Open(envelope []byte) ([]byte, error) {
	if len(envelope) < minEnvelopeSize {
		return nil, ErrShortEnvelope
	}

	header := envelope[:SeqSize+IVSize]
	ciphertextLen := len(envelope) - SeqSize - IVSize - TagSize
	if ciphertextLen <= 0 {
		return nil, ErrShortEnvelope
	}
	ciphertext := envelope[SeqSize+IVSize : len(envelope)-TagSize]
	recvTag := envelope[len(envelope)-TagSize:]
	signed := envelope[:len(envelope)-TagSize]

	recvSeq := binary.LittleEndian.Uint64(header[:SeqSize])
	iv := header[SeqSize:]

	var plaintext []byte
	err := c.withKeys(func(encKey, macKey []byte) error {
		mac := hmac.New(sha256.New, macKey)
		mac.Write(signed)
		calcTag := mac.Sum(nil)

		if subtle.ConstantTimeCompare(recvTag, calcTag) != 1 {
			return ErrAuthFailed
		}

		if recvSeq < c.seq {
			return ErrReplay
		}
		c.seq = recvSeq + 1

		block, err := aes.NewCipher(encKey)
		if err != nil {
			return fmt.Errorf("cryptoenv: new cipher: %w", err)
		}
		if len(ciphertext)%aes.BlockSize != 0 {
			return errors.New("cryptoenv: ciphertext not block-aligned")
		}

		padded := make([]byte, len(ciphertext))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

		unpadded, err := pkcs7Unpad(padded)
		if err != nil {
			return err
		}
		plaintext = unpadded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}
