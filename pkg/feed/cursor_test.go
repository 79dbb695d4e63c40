package feed

import (
	"errors"
	"testing"
	"time"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 30, 45, 123_000_000, time.UTC)
	cursor := FormatCursor(at, "bafyrei123")

	gotTime, gotCID, err := ParseCursor(cursor)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !gotTime.Equal(at) {
		t.Errorf("time = %v, want %v", gotTime, at)
	}
	if gotCID != "bafyrei123" {
		t.Errorf("cid = %q, want bafyrei123", gotCID)
	}
}

func TestParseCursorMalformed(t *testing.T) {
	tests := []struct {
		name   string
		cursor string
	}{
		{"empty", ""},
		{"no separator", "1714566645123"},
		{"missing cid", "1714566645123::"},
		{"missing time", "::bafyrei123"},
		{"non-numeric time", "yesterday::bafyrei123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseCursor(tt.cursor)
			if !errors.Is(err, ErrMalformedCursor) {
				t.Errorf("ParseCursor(%q) err = %v, want ErrMalformedCursor", tt.cursor, err)
			}
		})
	}
}
