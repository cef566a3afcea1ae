package api

import (
	"bytes"
	"embed"
	"encoding/base64"
	"html/template"
	"net/http"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/RCasatta/pay2email/internal/delivery"
)

//go:embed static templates
var assets embed.FS

var invoicePage = template.Must(template.ParseFS(assets, "templates/invoice.html"))

// qrSize is the PNG edge in pixels.
const qrSize = 320

// invoicePageData feeds templates/invoice.html.
type invoicePageData struct {
	QR          template.URL
	Link        template.URL
	Bolt11      string
	PaymentHash string
	ExpiresAt   string
	ReplyTo     string
	To          string
	Subject     string
	Message     string
	BackTo      string
}

// renderInvoicePage answers a browser send-request with a page showing the
// invoice as a QR code and a lightning: link.
func (s *Server) renderInvoicePage(w http.ResponseWriter, r *http.Request, sub delivery.Submission) {
	qr, err := qrDataURL(strings.ToUpper(sub.Bolt11))
	if err != nil {
		s.respondInternalErr(w, r, err)
		return
	}

	data := invoicePageData{
		QR:          qr,
		Link:        template.URL("lightning:" + sub.Bolt11),
		Bolt11:      sub.Bolt11,
		PaymentHash: sub.PaymentHash,
		ExpiresAt:   sub.ExpiresAt.UTC().Format(time.RFC1123),
		ReplyTo:     sub.ReplyTo,
		To:          sub.To,
		Subject:     sub.Subject,
		Message:     sub.Message,
		BackTo:      r.Referer(),
	}

	var buf bytes.Buffer
	if err := invoicePage.Execute(&buf, data); err != nil {
		s.respondInternalErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = buf.WriteTo(w)
}

// qrDataURL encodes content as a PNG QR code in a data: URL. Upper-case
// BOLT11 fits the QR alphanumeric mode and gives a smaller code.
func qrDataURL(content string) (template.URL, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, qrSize)
	if err != nil {
		return "", err
	}
	return template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(png)), nil
}
