package domain

import "testing"

func TestDerivePathMetadataStagedKey(t *testing.T) {
	meta := DerivePathMetadata("documents/road/ts-server3/maintenance/2024/bridge_report.pdf", "")

	if meta.Category != CategoryRoad {
		t.Errorf("category = %q, want road", meta.Category)
	}
	if meta.CategoryDisplay != "道路" {
		t.Errorf("categoryDisplay = %q, want 道路", meta.CategoryDisplay)
	}
	if meta.NASServer != "ts-server3" {
		t.Errorf("nasServer = %q", meta.NASServer)
	}
	if meta.RootFolder != "maintenance" {
		t.Errorf("rootFolder = %q", meta.RootFolder)
	}
	if want := `\\ts-server3\share\maintenance\2024\bridge_report.pdf`; meta.NASPath != want {
		t.Errorf("nasPath = %q, want %q", meta.NASPath, want)
	}
}

func TestDerivePathMetadataCorrectsCategory(t *testing.T) {
	// ts-server6 is a structure server; the road segment in the key lies.
	meta := DerivePathMetadata("documents/road/ts-server6/repairs/a.pdf", "")
	if meta.Category != CategoryStructure {
		t.Errorf("category = %q, want structure (authoritative mapping wins)", meta.Category)
	}
	if meta.CategoryDisplay != "構造物" {
		t.Errorf("categoryDisplay = %q", meta.CategoryDisplay)
	}
}

func TestDerivePathMetadataFallbacks(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		wantCategory string
		wantServer   string
	}{
		{"category segment only", "archive/structure/misc/file.pdf", CategoryStructure, ""},
		{"server segment only", "misc/ts-server5/file.pdf", CategoryRoad, "ts-server5"},
		{"nothing derivable", "random/file.pdf", "", ""},
		{"unknown server keeps path category", "x/road/ts-server9/file.pdf", CategoryRoad, "ts-server9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := DerivePathMetadata(tt.key, "")
			if meta.Category != tt.wantCategory {
				t.Errorf("category = %q, want %q", meta.Category, tt.wantCategory)
			}
			if meta.NASServer != tt.wantServer {
				t.Errorf("nasServer = %q, want %q", meta.NASServer, tt.wantServer)
			}
		})
	}
}

func TestDerivePathMetadataPrefersOriginalPath(t *testing.T) {
	meta := DerivePathMetadata(
		"documents/road/ts-server3/maintenance/report.pdf",
		"ts-server3/docs/maintenance/report.pdf",
	)
	if want := `\\ts-server3\docs\maintenance\report.pdf`; meta.NASPath != want {
		t.Errorf("nasPath = %q, want %q", meta.NASPath, want)
	}
}

func TestAuthoritativeCategory(t *testing.T) {
	tests := []struct {
		server string
		want   string
	}{
		{"ts-server3", CategoryRoad},
		{"ts-server5", CategoryRoad},
		{"ts-server6", CategoryStructure},
		{"ts-server7", CategoryStructure},
		{"ts-server9", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := AuthoritativeCategory(tt.server); got != tt.want {
			t.Errorf("AuthoritativeCategory(%q) = %q, want %q", tt.server, got, tt.want)
		}
	}
}

func TestToUNC(t *testing.T) {
	tests := []struct{ in, want string }{
		{"server/share/file.pdf", `\\server\share\file.pdf`},
		{"/server/share/file.pdf", `\\server\share\file.pdf`},
		{`server\share\file.pdf`, `\\server\share\file.pdf`},
	}
	for _, tt := range tests {
		if got := toUNC(tt.in); got != tt.want {
			t.Errorf("toUNC(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
