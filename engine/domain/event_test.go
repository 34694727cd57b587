package domain

import (
	"errors"
	"testing"
)

func TestParseSourceEvent(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		defaultBucket string
		wantBucket    string
		wantKey       string
		wantErr       bool
	}{
		{
			name:       "notification shape",
			body:       `{"bucket":"ingest","key":"documents/road/ts-server3/m/a.pdf"}`,
			wantBucket: "ingest",
			wantKey:    "documents/road/ts-server3/m/a.pdf",
		},
		{
			name:          "scanner shape with s3Key and default bucket",
			body:          `{"s3Key":"documents/structure/ts-server6/r/b.xdw","originalPath":"ts-server6/share/b.xdw"}`,
			defaultBucket: "ingest",
			wantBucket:    "ingest",
			wantKey:       "documents/structure/ts-server6/r/b.xdw",
		},
		{
			name:       "url-encoded japanese key is decoded",
			body:       `{"bucket":"ingest","key":"documents/road/ts-server3/m/%E5%A0%B1%E5%91%8A%E6%9B%B8.pdf"}`,
			wantBucket: "ingest",
			wantKey:    "documents/road/ts-server3/m/報告書.pdf",
		},
		{
			name:       "plus stays plus in keys",
			body:       `{"bucket":"ingest","key":"docs/a%20b+c.pdf"}`,
			wantBucket: "ingest",
			wantKey:    "docs/a b c.pdf", // QueryUnescape decodes + to space
			wantErr:    false,
		},
		{name: "no key", body: `{"bucket":"ingest"}`, wantErr: true},
		{name: "no bucket anywhere", body: `{"key":"a.pdf"}`, wantErr: true},
		{name: "not json", body: `hello`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseSourceEvent([]byte(tt.body), tt.defaultBucket)
			if tt.wantErr {
				if err == nil {
					t.Fatal("want error, got none")
				}
				if !errors.Is(err, ErrValidation) {
					t.Errorf("error %v is not ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.Bucket != tt.wantBucket {
				t.Errorf("bucket = %q, want %q", ev.Bucket, tt.wantBucket)
			}
			if ev.Key != tt.wantKey {
				t.Errorf("key = %q, want %q", ev.Key, tt.wantKey)
			}
		})
	}
}

func TestParseSourceEventLiteralPercent(t *testing.T) {
	// A stray % that is not a valid escape keeps the key as-is.
	ev, err := ParseSourceEvent([]byte(`{"bucket":"b","key":"docs/100%_done.pdf"}`), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Key != "docs/100%_done.pdf" {
		t.Errorf("key = %q", ev.Key)
	}
}

func TestIsDerivedArtifactKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"thumbnails/a_12345678_thumb.jpg", true},
		{"previews/abc/page_1.jpg", true},
		{"nested/thumbnails/a.jpg", true},
		{"nested/previews/a.jpg", true},
		{"documents/road/ts-server3/m/a.pdf", false},
		{"thumbnails_backup/a.jpg", false},
	}
	for _, tt := range tests {
		if got := IsDerivedArtifactKey(tt.key); got != tt.want {
			t.Errorf("IsDerivedArtifactKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}
