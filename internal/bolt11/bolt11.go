// Package bolt11 reads the fields pay2email needs out of a BOLT11 lightning
// invoice: payment hash, creation time, expiry, amount and description.
//
// The node signature is not verified. Invoices reach the service only through
// the authenticated ingestion endpoint, and payment is proven later by the
// preimage, not by the invoice.
package bolt11

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// DefaultExpiry applies when the invoice carries no x field.
const DefaultExpiry = time.Hour

const uriScheme = "lightning:"

// maxExpirySeconds is the largest expiry a time.Duration can hold.
const maxExpirySeconds = uint64(math.MaxInt64 / int64(time.Second))

const (
	timestampWords = 7
	signatureWords = 104
	hashWords      = 52

	fieldPaymentHash = 1  // p
	fieldExpiry      = 6  // x
	fieldDescription = 13 // d
)

var (
	ErrNotInvoice      = errors.New("bolt11: not a lightning invoice")
	ErrMissingHash     = errors.New("bolt11: missing payment hash")
	ErrTruncated       = errors.New("bolt11: truncated data")
	ErrInvalidAmount   = errors.New("bolt11: invalid amount")
	ErrExpiryOverflows = errors.New("bolt11: expiry out of range")
)

// Invoice is the decoded subset of a BOLT11 invoice.
type Invoice struct {
	Network     string // currency prefix: bc, tb, bcrt, sb ...
	AmountMsat  uint64 // zero when the invoice does not fix an amount
	Timestamp   time.Time
	Expiry      time.Duration
	PaymentHash [32]byte
	Description string
}

// PaymentHashHex is the lowercase hex form of the payment hash.
func (i Invoice) PaymentHashHex() string {
	return hex.EncodeToString(i.PaymentHash[:])
}

// ExpiresAt is the creation time plus the expiry.
func (i Invoice) ExpiresAt() time.Time {
	return i.Timestamp.Add(i.Expiry)
}

// Normalize strips surrounding whitespace and a "lightning:" URI prefix and
// folds the invoice to lower case.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > len(uriScheme) && strings.EqualFold(s[:len(uriScheme)], uriScheme) {
		s = s[len(uriScheme):]
	}
	return strings.ToLower(s)
}

// Decode parses an encoded invoice after normalizing it.
func Decode(s string) (Invoice, error) {
	hrp, words, err := bech32.DecodeNoLimit(Normalize(s))
	if err != nil {
		return Invoice{}, fmt.Errorf("%w: %v", ErrNotInvoice, err)
	}
	if !strings.HasPrefix(hrp, "ln") {
		return Invoice{}, fmt.Errorf("%w: prefix %q", ErrNotInvoice, hrp)
	}
	if len(words) < timestampWords+signatureWords {
		return Invoice{}, ErrTruncated
	}

	var inv Invoice
	inv.Network, inv.AmountMsat, err = parseHRP(hrp[2:])
	if err != nil {
		return Invoice{}, err
	}

	words = words[:len(words)-signatureWords]
	inv.Timestamp = time.Unix(int64(wordsToUint(words[:timestampWords])), 0).UTC()
	inv.Expiry = DefaultExpiry

	var haveHash bool
	rest := words[timestampWords:]
	for len(rest) > 0 {
		if len(rest) < 3 {
			return Invoice{}, ErrTruncated
		}
		typ := rest[0]
		n := int(rest[1])<<5 | int(rest[2])
		if len(rest) < 3+n {
			return Invoice{}, ErrTruncated
		}
		data := rest[3 : 3+n]
		rest = rest[3+n:]

		switch typ {
		case fieldPaymentHash:
			// Readers must skip a p field of the wrong length.
			if haveHash || n != hashWords {
				continue
			}
			b, err := bech32.ConvertBits(data, 5, 8, false)
			if err != nil || len(b) != len(inv.PaymentHash) {
				continue
			}
			copy(inv.PaymentHash[:], b)
			haveHash = true
		case fieldExpiry:
			if n > 12 {
				return Invoice{}, ErrExpiryOverflows
			}
			secs := wordsToUint(data)
			if secs > maxExpirySeconds {
				return Invoice{}, ErrExpiryOverflows
			}
			inv.Expiry = time.Duration(secs) * time.Second
		case fieldDescription:
			if b, err := bech32.ConvertBits(data, 5, 8, false); err == nil {
				inv.Description = string(b)
			}
		}
	}

	if !haveHash {
		return Invoice{}, ErrMissingHash
	}
	return inv, nil
}

func wordsToUint(words []byte) uint64 {
	var v uint64
	for _, w := range words {
		v = v<<5 | uint64(w)
	}
	return v
}

// parseHRP splits the part after "ln" into currency prefix and amount.
func parseHRP(s string) (string, uint64, error) {
	i := strings.IndexAny(s, "0123456789")
	if i < 0 {
		return s, 0, nil
	}
	network, amount := s[:i], s[i:]

	var multiplier byte
	if last := amount[len(amount)-1]; last < '0' || last > '9' {
		multiplier = last
		amount = amount[:len(amount)-1]
	}
	n, err := strconv.ParseUint(amount, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	var mult uint64
	switch multiplier {
	case 0:
		mult = 100_000_000_000
	case 'm':
		mult = 100_000_000
	case 'u':
		mult = 100_000
	case 'n':
		mult = 100
	case 'p':
		if n%10 != 0 {
			return "", 0, fmt.Errorf("%w: sub-millisatoshi amount", ErrInvalidAmount)
		}
		return network, n / 10, nil
	default:
		return "", 0, fmt.Errorf("%w: multiplier %q", ErrInvalidAmount, multiplier)
	}
	if n > math.MaxUint64/mult {
		return "", 0, fmt.Errorf("%w: amount out of range", ErrInvalidAmount)
	}
	return network, n * mult, nil
}
