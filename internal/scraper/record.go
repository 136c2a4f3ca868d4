package scraper

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Record is one entry of the scraper output protocol (v1): a JSON array of
// objects written to stdout. All fields are optional strings except subject,
// which the store requires for deduplication; subject-less entries are kept
// here and skipped at ingestion.
type Record struct {
	Subject     string          `json:"subject"`
	URL         string          `json:"url"`
	Number      string          `json:"number"`
	Publisher   string          `json:"publisher"`
	Type        string          `json:"type"`
	DateStart   string          `json:"date_start"`
	DateEnd     string          `json:"date_end"`
	Attachments []AttachmentRef `json:"attachments"`
}

type AttachmentRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ParseRecords decodes a scraper's stdout payload.
//
// Some scrapers (the PhantomJS ones in particular) print warnings around the
// JSON array, so the outermost [...] span is extracted before decoding.
// Unknown fields are rejected to catch protocol drift early.
func ParseRecords(payload []byte) ([]Record, error) {
	span, err := extractArray(payload)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(span))
	dec.DisallowUnknownFields()

	var records []Record
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("decode records: trailing data")
		}
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return records, nil
}

func extractArray(payload []byte) ([]byte, error) {
	start := bytes.IndexByte(payload, '[')
	end := bytes.LastIndexByte(payload, ']')
	if start < 0 || end < start {
		return nil, errors.New("no JSON array in scraper output")
	}
	return payload[start : end+1], nil
}
