// Package bolt11test builds syntactically valid BOLT11 invoices for tests.
// The signature is all zeroes, which bolt11.Decode does not check.
package bolt11test

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// Invoice describes the invoice to build.
type Invoice struct {
	HRP         string // defaults to "lnbc200n"
	PaymentHash [32]byte
	Timestamp   time.Time
	Expiry      time.Duration // omitted from the invoice when zero
	// ExpirySeconds, when set, is written as the x field instead of Expiry.
	// It reaches values a time.Duration cannot hold.
	ExpirySeconds uint64
	Description   string
}

// Encode returns the bech32 text of inv.
func Encode(inv Invoice) string {
	hrp := inv.HRP
	if hrp == "" {
		hrp = "lnbc200n"
	}

	words := uintToWords(uint64(inv.Timestamp.Unix()), 7)

	hash, _ := bech32.ConvertBits(inv.PaymentHash[:], 8, 5, true)
	words = appendField(words, 1, hash)

	switch {
	case inv.ExpirySeconds > 0:
		words = appendField(words, 6, minimalWords(inv.ExpirySeconds))
	case inv.Expiry > 0:
		words = appendField(words, 6, minimalWords(uint64(inv.Expiry/time.Second)))
	}
	if inv.Description != "" {
		d, _ := bech32.ConvertBits([]byte(inv.Description), 8, 5, true)
		words = appendField(words, 13, d)
	}

	words = append(words, make([]byte, 104)...)

	s, err := bech32.Encode(hrp, words)
	if err != nil {
		panic(err)
	}
	return s
}

// Preimage is a random preimage together with its payment hash.
type Preimage struct {
	Bytes [32]byte
	Hash  [32]byte
}

// Hex is the form a lightning node reports the preimage in.
func (p Preimage) Hex() string { return hex.EncodeToString(p.Bytes[:]) }

// HashHex is the payment hash the invoice carries.
func (p Preimage) HashHex() string { return hex.EncodeToString(p.Hash[:]) }

// NewPreimage draws a random preimage.
func NewPreimage() Preimage {
	var p Preimage
	if _, err := rand.Read(p.Bytes[:]); err != nil {
		panic(err)
	}
	p.Hash = sha256.Sum256(p.Bytes[:])
	return p
}

// ForPreimage builds an invoice for p expiring ttl after now.
func ForPreimage(p Preimage, now time.Time, ttl time.Duration) string {
	return Encode(Invoice{PaymentHash: p.Hash, Timestamp: now, Expiry: ttl})
}

func appendField(words []byte, typ byte, data []byte) []byte {
	words = append(words, typ, byte(len(data)>>5), byte(len(data)&31))
	return append(words, data...)
}

func uintToWords(v uint64, n int) []byte {
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(v & 31)
		v >>= 5
	}
	return out
}

func minimalWords(v uint64) []byte {
	n := 1
	for x := v >> 5; x > 0; x >>= 5 {
		n++
	}
	return uintToWords(v, n)
}
