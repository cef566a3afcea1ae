package delivery

import (
	"errors"
	"fmt"
	"net/mail"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// SendRequest is a send-request as the client submitted it. Each logical
// field arrives as a cleartext/encrypted pair; validation enforces that
// exactly one side of the pair is set (reply-to may have neither).
type SendRequest struct {
	ReplyTo    string `json:"reply_to" validate:"excluded_with=ReplyToEnc"`
	ReplyToEnc string `json:"reply_to_enc"`
	Message    string `json:"message" validate:"notblank"`
	To         string `json:"to" validate:"required_without=ToEnc,excluded_with=ToEnc"`
	ToEnc      string `json:"to_enc"`
	Subject    string `json:"subject" validate:"required_without=SubjectEnc,excluded_with=SubjectEnc"`
	SubjectEnc string `json:"subject_enc"`
}

// normalized trims the single-line fields; empty strings count as absent.
func (r SendRequest) normalized() SendRequest {
	r.ReplyTo = strings.TrimSpace(r.ReplyTo)
	r.ReplyToEnc = strings.TrimSpace(r.ReplyToEnc)
	r.To = strings.TrimSpace(r.To)
	r.ToEnc = strings.TrimSpace(r.ToEnc)
	r.Subject = strings.TrimSpace(r.Subject)
	r.SubjectEnc = strings.TrimSpace(r.SubjectEnc)
	return r
}

func (r SendRequest) replyTo() Field   { return fieldFromPair(r.ReplyTo, r.ReplyToEnc) }
func (r SendRequest) recipient() Field { return fieldFromPair(r.To, r.ToEnc) }
func (r SendRequest) subject() Field   { return fieldFromPair(r.Subject, r.SubjectEnc) }

// ─── FIELD VARIANT ───────────────────────────────────────────────────────────

type fieldKind uint8

const (
	fieldAbsent fieldKind = iota
	fieldPlaintext
	fieldEncrypted
)

// Field is one logical field, submitted either in cleartext or encrypted for
// the service key.
type Field struct {
	kind  fieldKind
	value string
}

func Plaintext(v string) Field { return Field{kind: fieldPlaintext, value: v} }
func Encrypted(c string) Field { return Field{kind: fieldEncrypted, value: c} }

func (f Field) Present() bool     { return f.kind != fieldAbsent }
func (f Field) IsEncrypted() bool { return f.kind == fieldEncrypted }

// fieldFromPair must only be called after validation ruled out both sides
// being set.
func fieldFromPair(plain, enc string) Field {
	switch {
	case enc != "":
		return Encrypted(enc)
	case plain != "":
		return Plaintext(plain)
	default:
		return Field{}
	}
}

// Decoder opens encrypted fields.
type Decoder interface {
	Decode(text string) (string, error)
}

// open returns the canonical value of f. wire names the encrypted form on
// the wire so decoding errors point at the right input.
func open(dec Decoder, wire string, f Field) (string, error) {
	if !f.IsEncrypted() {
		return f.value, nil
	}
	v, err := dec.Decode(f.value)
	if err != nil {
		return "", fmt.Errorf("%s: %w", wire, err)
	}
	return v, nil
}

// ─── VALIDATION ──────────────────────────────────────────────────────────────

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	err := v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	if err != nil {
		panic(fmt.Sprintf("delivery: register notblank validation: %v", err))
	}
	return v
}

// validationError turns the first validator failure into a ValidationError.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]

	reason := ReasonMissing
	switch fe.Tag() {
	case "excluded_with":
		reason = ReasonAmbiguous
	case "notblank":
		reason = ReasonEmpty
	}
	return &ValidationError{Field: fe.Field(), Reason: reason}
}

// composed is a send-request with every field resolved and validated.
type composed struct {
	replyTo    string
	recipients []string
	subject    string
	body       string
}

func (s *Service) resolve(req SendRequest) (composed, error) {
	req = req.normalized()
	if err := s.validate.Struct(req); err != nil {
		return composed{}, validationError(err)
	}

	var out composed
	out.body = req.Message

	to, err := open(s.decoder, "to_enc", req.recipient())
	if err != nil {
		return composed{}, err
	}
	if out.recipients, err = parseMailboxList(to); err != nil {
		return composed{}, &ValidationError{Field: "to", Reason: ReasonInvalidMailbox, Err: err}
	}

	subject, err := open(s.decoder, "subject_enc", req.subject())
	if err != nil {
		return composed{}, err
	}
	switch subject = strings.TrimSpace(subject); {
	case subject == "":
		return composed{}, &ValidationError{Field: "subject", Reason: ReasonEmpty}
	case strings.ContainsAny(subject, "\r\n"):
		return composed{}, &ValidationError{Field: "subject", Reason: ReasonInvalidHeader}
	}
	out.subject = subject

	if f := req.replyTo(); f.Present() {
		replyTo, err := open(s.decoder, "reply_to_enc", f)
		if err != nil {
			return composed{}, err
		}
		a, err := mail.ParseAddress(strings.TrimSpace(replyTo))
		if err != nil {
			return composed{}, &ValidationError{Field: "reply_to", Reason: ReasonInvalidMailbox, Err: err}
		}
		out.replyTo = formatMailbox(a)
	}

	return out, nil
}

// parseMailboxList accepts one or more comma-separated RFC 5322 mailboxes.
func parseMailboxList(s string) ([]string, error) {
	list, err := mail.ParseAddressList(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, formatMailbox(a))
	}
	return out, nil
}

// formatMailbox keeps bare addresses bare and quotes display names.
func formatMailbox(a *mail.Address) string {
	if a.Name == "" {
		return a.Address
	}
	return a.String()
}
