package mailer

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/emersion/go-message"

	"pbots/internal/storage"
)

func samplePubs() []storage.Publication {
	return []storage.Publication{{
		ID:        1,
		Subject:   "Pubblicazione di matrimonio di Rossi Mario e Verdi Maria",
		Number:    "948",
		Publisher: "Ufficio Stato Civile",
		Type:      "Pubblicazione di matrimonio",
		DateStart: "2018-12-04",
		DateEnd:   "2018-12-12",
		URL:       "http://example.com/pub/1",
		Attachments: []storage.Attachment{{
			Name: "atto.pdf.p7m",
			URL:  "http://example.com/att/1",
		}},
	}}
}

func TestComposeStructure(t *testing.T) {
	t.Parallel()
	raw, err := Compose("pbots@example.com", "", "Comune A", samplePubs())
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("message.Read: %v", err)
	}

	ct, _, err := ent.Header.ContentType()
	if err != nil {
		t.Fatalf("ContentType: %v", err)
	}
	if ct != "multipart/related" {
		t.Fatalf("content type = %s, want multipart/related", ct)
	}
	if got := ent.Header.Get("Subject"); got != "Newsletter Comune A" {
		t.Fatalf("Subject = %q", got)
	}
	// Recipients live in the SMTP envelope only; From and To both carry the
	// sender so addresses never leak between subscribers.
	if from, to := ent.Header.Get("From"), ent.Header.Get("To"); from != to {
		t.Fatalf("From %q != To %q", from, to)
	}

	var types []string
	var htmlBody string
	mr := ent.MultipartReader()
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		ct, _, err := part.Header.ContentType()
		if err != nil {
			t.Fatalf("part ContentType: %v", err)
		}
		types = append(types, ct)
		if ct == "multipart/alternative" {
			inner := part.MultipartReader()
			for {
				sub, err := inner.NextPart()
				if err == io.EOF {
					break
				}
				if err != nil {
					t.Fatalf("inner NextPart: %v", err)
				}
				sct, _, _ := sub.Header.ContentType()
				types = append(types, sct)
				if sct == "text/html" {
					b, _ := io.ReadAll(sub.Body)
					htmlBody = string(b)
				}
			}
		}
	}

	want := []string{"multipart/alternative", "text/plain", "text/html", "image/png"}
	if len(types) != len(want) {
		t.Fatalf("part types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("part types = %v, want %v", types, want)
		}
	}

	if !strings.Contains(htmlBody, "cid:logo") {
		t.Fatal("html body does not reference the inline logo")
	}
	if !strings.Contains(htmlBody, "Rossi Mario e Verdi Maria") {
		t.Fatal("html body missing publication subject")
	}
}

func TestComposeReplyTo(t *testing.T) {
	t.Parallel()
	raw, err := Compose("pbots@example.com", "admin@example.com", "Comune A", samplePubs())
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("message.Read: %v", err)
	}
	if got := ent.Header.Get("Reply-To"); !strings.Contains(got, "admin@example.com") {
		t.Fatalf("Reply-To = %q", got)
	}
}

func TestComposeLogoPart(t *testing.T) {
	t.Parallel()
	raw, err := Compose("pbots@example.com", "", "Comune A", samplePubs())
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("message.Read: %v", err)
	}

	mr := ent.MultipartReader()
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		ct, _, _ := part.Header.ContentType()
		if ct != "image/png" {
			continue
		}
		if got := part.Header.Get("Content-ID"); got != "<logo>" {
			t.Fatalf("Content-ID = %q, want <logo>", got)
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			t.Fatalf("read logo: %v", err)
		}
		if !bytes.Equal(body, logoPNG) {
			t.Fatalf("logo bytes differ: got %d bytes, want %d", len(body), len(logoPNG))
		}
		return
	}
	t.Fatal("no image/png part found")
}
