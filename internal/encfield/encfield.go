// Package encfield encrypts and decodes the optionally encrypted fields of a
// send request.
//
// A field is an age X25519 ciphertext (binary format) encoded as bech32m with
// human-readable part "e". Anyone holding the service recipient can produce
// one; only the service identity can open it.
package encfield

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"filippo.io/age"
	"github.com/btcsuite/btcd/btcutil/bech32"
)

// HRP is the bech32 human-readable part of every encrypted field.
const HRP = "e"

// maxPlaintext bounds how much a decrypted field may expand to.
const maxPlaintext = 64 << 10

// Kind tells apart the ways decoding can fail.
type Kind int

const (
	// KindMalformed means the text is not a valid bech32 string for HRP,
	// including any checksum mismatch from a transcription error.
	KindMalformed Kind = iota + 1
	// KindDecryption means the payload is not an age ciphertext for the
	// service identity, or it was corrupted.
	KindDecryption
	// KindInvalidText means decryption succeeded but the plaintext is not UTF-8.
	KindInvalidText
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed encoding"
	case KindDecryption:
		return "decryption failed"
	case KindInvalidText:
		return "invalid text"
	default:
		return "unknown"
	}
}

// DecodingError is returned by Decode.
type DecodingError struct {
	Kind Kind
	Err  error
}

func (e *DecodingError) Error() string {
	if e.Err == nil {
		return "encfield: " + e.Kind.String()
	}
	return fmt.Sprintf("encfield: %s: %v", e.Kind, e.Err)
}

func (e *DecodingError) Unwrap() error { return e.Err }

// Codec holds the service identity.
type Codec struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// New returns a Codec for the given identity.
func New(identity *age.X25519Identity) *Codec {
	return &Codec{identity: identity, recipient: identity.Recipient()}
}

// ParseIdentity parses an AGE-SECRET-KEY-1... string.
func ParseIdentity(s string) (*age.X25519Identity, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("encfield: parse identity: %w", err)
	}
	return id, nil
}

// Recipient returns the public age1... recipient senders encrypt to.
func (c *Codec) Recipient() string {
	return c.recipient.String()
}

// Encrypt encrypts plaintext for the service identity.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	return Encrypt(c.recipient, plaintext)
}

// Encrypt encrypts plaintext for r and returns the bech32m text form.
func Encrypt(r age.Recipient, plaintext string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, r)
	if err != nil {
		return "", fmt.Errorf("encfield: encrypt: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("encfield: encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("encfield: encrypt: %w", err)
	}

	words, err := bech32.ConvertBits(buf.Bytes(), 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("encfield: encode: %w", err)
	}
	text, err := bech32.EncodeM(HRP, words)
	if err != nil {
		return "", fmt.Errorf("encfield: encode: %w", err)
	}
	return text, nil
}

// Decode verifies the bech32 checksum of text, decrypts the payload with the
// service identity and checks that the result is UTF-8.
func (c *Codec) Decode(text string) (string, error) {
	hrp, words, err := bech32.DecodeNoLimit(strings.TrimSpace(text))
	if err != nil {
		return "", &DecodingError{Kind: KindMalformed, Err: err}
	}
	if hrp != HRP {
		return "", &DecodingError{Kind: KindMalformed, Err: fmt.Errorf("unexpected prefix %q", hrp)}
	}
	raw, err := bech32.ConvertBits(words, 5, 8, false)
	if err != nil {
		return "", &DecodingError{Kind: KindMalformed, Err: err}
	}

	r, err := age.Decrypt(bytes.NewReader(raw), c.identity)
	if err != nil {
		return "", &DecodingError{Kind: KindDecryption, Err: err}
	}
	plain, err := io.ReadAll(io.LimitReader(r, maxPlaintext+1))
	if err != nil {
		return "", &DecodingError{Kind: KindDecryption, Err: err}
	}
	if len(plain) > maxPlaintext {
		return "", &DecodingError{Kind: KindDecryption, Err: errors.New("plaintext too large")}
	}

	if !utf8.Valid(plain) {
		return "", &DecodingError{Kind: KindInvalidText}
	}
	return string(plain), nil
}
