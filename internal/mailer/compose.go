package mailer

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"pbots/internal/storage"
)

//go:embed templates/newsletter.txt.tmpl templates/newsletter.html.tmpl
var templatesFS embed.FS

//go:embed assets/logo.png
var logoPNG []byte

var (
	textTmpl = texttemplate.Must(texttemplate.ParseFS(templatesFS, "templates/newsletter.txt.tmpl"))
	htmlTmpl = htmltemplate.Must(htmltemplate.ParseFS(templatesFS, "templates/newsletter.html.tmpl"))
)

type templateContext struct {
	Title        string
	Publications []storage.Publication
}

// Compose renders a newsletter as a single multipart/related message:
// a multipart/alternative section (plaintext + HTML renderings of the same
// publications) plus the logo as an inline image part.
//
// The logo is attached and referenced from the HTML via cid:logo because:
//  1. Linking an external image triggers email client warnings
//  2. Base64 encoded img src is not supported by Gmail
//
// From and To both carry the sender address; actual recipients belong in the
// SMTP envelope only (bcc semantics), so they never see each other.
func Compose(from, replyTo, title string, pubs []storage.Publication) ([]byte, error) {
	ctxData := templateContext{Title: title, Publications: pubs}

	var textBody bytes.Buffer
	if err := textTmpl.Execute(&textBody, ctxData); err != nil {
		return nil, fmt.Errorf("render text body: %w", err)
	}
	var htmlBody bytes.Buffer
	if err := htmlTmpl.Execute(&htmlBody, ctxData); err != nil {
		return nil, fmt.Errorf("render html body: %w", err)
	}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject("Newsletter " + title)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: from}})
	if replyTo != "" {
		h.SetAddressList("Reply-To", []*mail.Address{{Address: replyTo}})
	}
	h.SetContentType("multipart/related", nil)

	var buf bytes.Buffer
	root, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	var altHeader message.Header
	altHeader.SetContentType("multipart/alternative", nil)
	alt, err := root.CreatePart(altHeader)
	if err != nil {
		return nil, fmt.Errorf("create alternative part: %w", err)
	}

	if err := writePart(alt, "text/plain", textBody.Bytes()); err != nil {
		return nil, err
	}
	if err := writePart(alt, "text/html", htmlBody.Bytes()); err != nil {
		return nil, err
	}
	if err := alt.Close(); err != nil {
		return nil, err
	}

	var logoHeader message.Header
	logoHeader.SetContentType("image/png", nil)
	logoHeader.Set("Content-ID", "<logo>")
	logoHeader.Set("Content-Disposition", "inline; filename=logo.png")
	logoHeader.Set("Content-Transfer-Encoding", "base64")
	logo, err := root.CreatePart(logoHeader)
	if err != nil {
		return nil, fmt.Errorf("create logo part: %w", err)
	}
	if _, err := logo.Write(logoPNG); err != nil {
		return nil, err
	}
	if err := logo.Close(); err != nil {
		return nil, err
	}

	if err := root.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(parent *message.Writer, contentType string, body []byte) error {
	var ph message.Header
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	ph.Set("Content-Transfer-Encoding", "quoted-printable")
	p, err := parent.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := p.Write(body); err != nil {
		return err
	}
	return p.Close()
}
