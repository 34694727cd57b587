package domain

import (
	"strings"
	"testing"
	"time"
)

func TestFileIDDeterministic(t *testing.T) {
	a := FileID("ingest", "documents/a.pdf")
	b := FileID("ingest", "documents/a.pdf")
	if a != b {
		t.Errorf("FileID not deterministic: %q != %q", a, b)
	}
	if len(a) != 32 {
		t.Errorf("FileID length = %d, want 32 hex chars", len(a))
	}
	if a == FileID("other", "documents/a.pdf") {
		t.Error("FileID ignores bucket")
	}
}

func TestNewDocumentIdentity(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	doc := NewDocument("ingest", "documents/road/ts-server3/m/報告書.PDF", now)

	if doc.FileName != "報告書.PDF" {
		t.Errorf("fileName = %q", doc.FileName)
	}
	if doc.FileExtension != ".pdf" {
		t.Errorf("fileExtension = %q, want lowercase .pdf", doc.FileExtension)
	}
	if doc.FilePath != "s3://ingest/documents/road/ts-server3/m/報告書.PDF" {
		t.Errorf("filePath = %q", doc.FilePath)
	}
	if doc.IndexedAt != "2025-06-01T12:00:00Z" {
		t.Errorf("indexedAt = %q", doc.IndexedAt)
	}
	if doc.ProcessingStatus != StatusProcessing {
		t.Errorf("status = %q", doc.ProcessingStatus)
	}
}

func TestApplyPathMetadata(t *testing.T) {
	doc := NewDocument("ingest", "documents/structure/ts-server5/repairs/plan.pdf", time.Now())
	doc.ApplyPathMetadata("")

	// ts-server5 is a road server; the structure segment is corrected.
	if doc.Category != CategoryRoad {
		t.Errorf("category = %q, want road", doc.Category)
	}
	if doc.NASServer != "ts-server5" {
		t.Errorf("nasServer = %q", doc.NASServer)
	}
}

func TestDocumentValidate(t *testing.T) {
	base := func() Document {
		return NewDocument("ingest", "documents/a.pdf", time.Now())
	}

	t.Run("valid", func(t *testing.T) {
		doc := base()
		if err := doc.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
	t.Run("empty key", func(t *testing.T) {
		doc := base()
		doc.FileKey = ""
		if err := doc.Validate(); err == nil {
			t.Error("want error for empty key")
		}
	})
	t.Run("traversal", func(t *testing.T) {
		doc := base()
		doc.FileKey = "documents/../secrets.pdf"
		if err := doc.Validate(); err == nil || !strings.Contains(err.Error(), "traversal") {
			t.Errorf("want traversal error, got %v", err)
		}
	})
	t.Run("extension mismatch", func(t *testing.T) {
		doc := base()
		doc.FileExtension = ".docx"
		if err := doc.Validate(); err == nil {
			t.Error("want error for extension mismatch")
		}
	})
	t.Run("preview count mismatch", func(t *testing.T) {
		doc := base()
		doc.PreviewImages = []PreviewImage{{Page: 1}, {Page: 2}}
		doc.TotalPages = 3
		if err := doc.Validate(); err == nil {
			t.Error("want error for totalPages mismatch")
		}
	})
	t.Run("vector length mismatch", func(t *testing.T) {
		doc := base()
		doc.ImageVector = make([]float32, 512)
		doc.VectorDimension = 1024
		if err := doc.Validate(); err == nil {
			t.Error("want error for vector length mismatch")
		}
	})
}

func TestExtension(t *testing.T) {
	tests := []struct{ in, want string }{
		{"a.PDF", ".pdf"},
		{"dir/a.tar.gz", ".gz"},
		{"noext", ""},
		{"報告書.Xdw", ".xdw"},
	}
	for _, tt := range tests {
		if got := Extension(tt.in); got != tt.want {
			t.Errorf("Extension(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
