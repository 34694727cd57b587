package domain

import (
	"regexp"
	"strings"
)

// PathMetadata is the set of fields derived from the object key and, when the
// scanner supplied one, the original network-share path.
type PathMetadata struct {
	Category        string
	CategoryDisplay string
	NASServer       string
	RootFolder      string
	NASPath         string
}

// keyPattern matches the staged ingest prefixes. Groups: category, server,
// root folder, remainder.
var keyPattern = regexp.MustCompile(`^(?:documents|processed|docuworks-converted)/(road|structure)/(ts-server\d+)/([^/]+)/(.*)$`)

// categoryFallback matches a category segment anywhere in the key.
var categoryFallback = regexp.MustCompile(`/(road|structure)/`)

// serverFallback matches a lone server segment anywhere in the key.
var serverFallback = regexp.MustCompile(`\b(ts-server\d+)\b`)

// serverCategory is the authoritative server-to-category mapping. A
// path-derived category that contradicts it is corrected, during both ingest
// and backfill.
var serverCategory = map[string]string{
	"ts-server3": CategoryRoad,
	"ts-server5": CategoryRoad,
	"ts-server6": CategoryStructure,
	"ts-server7": CategoryStructure,
}

// AuthoritativeCategory returns the category the server mapping dictates, or
// "" when the server is not in the mapping.
func AuthoritativeCategory(server string) string {
	return serverCategory[server]
}

// DerivePathMetadata computes NAS metadata from the decoded object key.
// originalPath, when non-empty, is the scanner-reported source path and is
// preferred for building the UNC form.
func DerivePathMetadata(key, originalPath string) PathMetadata {
	var meta PathMetadata

	if m := keyPattern.FindStringSubmatch(key); m != nil {
		meta.Category = m[1]
		meta.NASServer = m[2]
		meta.RootFolder = m[3]
		meta.NASPath = buildUNC(m[2], m[3], m[4], originalPath)
	} else {
		if m := categoryFallback.FindStringSubmatch(key); m != nil {
			meta.Category = m[1]
		}
		if m := serverFallback.FindStringSubmatch(key); m != nil {
			meta.NASServer = m[1]
		}
		if originalPath != "" {
			meta.NASPath = toUNC(originalPath)
		}
	}

	if forced := serverCategory[meta.NASServer]; forced != "" {
		meta.Category = forced
	}
	meta.CategoryDisplay = CategoryDisplay(meta.Category)
	return meta
}

// buildUNC prefers the scanner-reported path and falls back to reassembling
// \\server\share\rootFolder\remainder from the key.
func buildUNC(server, root, rest, originalPath string) string {
	if originalPath != "" {
		return toUNC(originalPath)
	}
	parts := []string{server, "share", root}
	if rest != "" {
		parts = append(parts, strings.Split(rest, "/")...)
	}
	return `\\` + strings.Join(parts, `\`)
}

// toUNC converts a POSIX or mixed path to UNC form.
func toUNC(p string) string {
	p = strings.ReplaceAll(p, "/", `\`)
	p = strings.TrimLeft(p, `\`)
	return `\\` + p
}
