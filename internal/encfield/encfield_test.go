package encfield_test

import (
	"errors"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RCasatta/pay2email/internal/encfield"
)

const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

func newCodec(t *testing.T) *encfield.Codec {
	t.Helper()
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	return encfield.New(id)
}

func TestRoundTrip(t *testing.T) {
	c := newCodec(t)

	inputs := []string{
		"",
		"a@b.com",
		"Alice <alice@example.com>, bob@example.org",
		"Grüße aus München 👋",
		"日本語の件名",
		strings.Repeat("long subject ", 200),
	}
	for _, in := range inputs {
		text, err := c.Encrypt(in)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(text, encfield.HRP+"1"), "prefix of %q", text)

		out, err := c.Decode(text)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestDecode_AcceptsSurroundingWhitespaceAndUpperCase(t *testing.T) {
	c := newCodec(t)
	text, err := c.Encrypt("hello")
	require.NoError(t, err)

	out, err := c.Decode("  " + strings.ToUpper(text) + "\n")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestDecode_SingleCharacterFlipIsAlwaysDetected(t *testing.T) {
	c := newCodec(t)
	text, err := c.Encrypt("a@b.com")
	require.NoError(t, err)

	for i := range len(text) {
		flipped := []byte(text)
		for _, r := range charset {
			if byte(r) != flipped[i] {
				flipped[i] = byte(r)
				break
			}
		}

		_, err := c.Decode(string(flipped))
		var decErr *encfield.DecodingError
		require.Truef(t, errors.As(err, &decErr), "position %d: expected DecodingError, got %v", i, err)
	}
}

func TestDecode_Malformed(t *testing.T) {
	c := newCodec(t)

	cases := map[string]string{
		"not bech32":   "hello world",
		"empty":        "",
		"mixed case":   "e1QpzRy9x8gf2tvdw0s3jn54khce6mua7l",
		"bad checksum": "e1qpzry9x8gf2tvdw0s3jn54khce6mua7l",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decode(in)
			var decErr *encfield.DecodingError
			require.ErrorAs(t, err, &decErr)
			assert.Equal(t, encfield.KindMalformed, decErr.Kind)
		})
	}
}

func TestDecode_WrongPrefix(t *testing.T) {
	c := newCodec(t)
	text, err := c.Encrypt("hello")
	require.NoError(t, err)

	// Re-encode the same payload under another human-readable part.
	other := strings.Replace(text, "e1", "x1", 1)
	_, err = c.Decode(other)

	var decErr *encfield.DecodingError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, encfield.KindMalformed, decErr.Kind)
}

func TestDecode_EncryptedForSomeoneElse(t *testing.T) {
	ours := newCodec(t)
	theirs := newCodec(t)

	text, err := theirs.Encrypt("secret@example.com")
	require.NoError(t, err)

	_, err = ours.Decode(text)
	var decErr *encfield.DecodingError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, encfield.KindDecryption, decErr.Kind)
}

func TestDecode_InvalidUTF8(t *testing.T) {
	c := newCodec(t)
	text, err := c.Encrypt(string([]byte{0xff, 0xfe, 0x41}))
	require.NoError(t, err)

	_, err = c.Decode(text)
	var decErr *encfield.DecodingError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, encfield.KindInvalidText, decErr.Kind)
}

func TestEncrypt_ToParsedRecipient(t *testing.T) {
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	r, err := age.ParseX25519Recipient(id.Recipient().String())
	require.NoError(t, err)

	text, err := encfield.Encrypt(r, "via recipient string")
	require.NoError(t, err)

	out, err := encfield.New(id).Decode(text)
	require.NoError(t, err)
	assert.Equal(t, "via recipient string", out)
}

func TestParseIdentity(t *testing.T) {
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	parsed, err := encfield.ParseIdentity(" " + id.String() + "\n")
	require.NoError(t, err)
	assert.Equal(t, id.Recipient().String(), encfield.New(parsed).Recipient())

	_, err = encfield.ParseIdentity("AGE-SECRET-KEY-1NOTAKEY")
	assert.Error(t, err)
}
