package cmd

import (
	"regexp"
	"strings"
	"time"

	"github.com/airframesio/db-backup/cmd/daterange"
	"github.com/airframesio/db-backup/cmd/encryption"
)

// FilenameDateLayout formats range bounds and run times inside file names
const FilenameDateLayout = "20060102_150405"

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeComponent keeps substituted values from introducing path
// separators or characters that need escaping in S3 keys.
func sanitizeComponent(value string) string {
	cleaned := unsafeKeyChars.ReplaceAllString(value, "_")
	for strings.Contains(cleaned, "..") {
		cleaned = strings.ReplaceAll(cleaned, "..", ".")
	}
	return cleaned
}

// PathTemplate generates object keys from a prefix template and a file name
// pattern
type PathTemplate struct {
	prefix  string
	pattern string
}

// NewPathTemplate creates a new PathTemplate instance
func NewPathTemplate(prefix, pattern string) *PathTemplate {
	return &PathTemplate{prefix: prefix, pattern: pattern}
}

// KeyParams are the values a key is derived from. Identical params always
// produce identical keys.
type KeyParams struct {
	Table    string
	Range    daterange.DateRange
	RunToken string
	RunTime  time.Time
	// CompressionExt is the compressor's extension, empty for none
	CompressionExt string
}

// Prefix expands the prefix template. Supports: {table}, {date}, {datetime},
// {YYYY}, {MM}, {DD}, {HH}, all taken from the range start.
func (pt *PathTemplate) Prefix(table string, r daterange.DateRange) string {
	start := r.Start()
	result := pt.prefix

	result = strings.ReplaceAll(result, "{table}", sanitizeComponent(table))
	result = strings.ReplaceAll(result, "{date}", start.Format("2006-01-02"))
	result = strings.ReplaceAll(result, "{datetime}", start.Format(FilenameDateLayout))
	result = strings.ReplaceAll(result, "{YYYY}", start.Format("2006"))
	result = strings.ReplaceAll(result, "{MM}", start.Format("01"))
	result = strings.ReplaceAll(result, "{DD}", start.Format("02"))
	result = strings.ReplaceAll(result, "{HH}", start.Format("15"))

	return normalizePrefix(result)
}

// GenerateFilename expands the file name pattern. Supports: {table},
// {start}, {end}, {run}, {datetime}.
func (pt *PathTemplate) GenerateFilename(p KeyParams) string {
	result := pt.pattern

	result = strings.ReplaceAll(result, "{table}", sanitizeComponent(p.Table))
	result = strings.ReplaceAll(result, "{start}", p.Range.Start().Format(FilenameDateLayout))
	result = strings.ReplaceAll(result, "{end}", p.Range.End().Format(FilenameDateLayout))
	result = strings.ReplaceAll(result, "{run}", sanitizeComponent(p.RunToken))
	result = strings.ReplaceAll(result, "{datetime}", p.RunTime.Format(FilenameDateLayout))

	return sanitizeComponent(result) + ArtifactSuffix(p.CompressionExt)
}

// Generate returns the full object key
func (pt *PathTemplate) Generate(p KeyParams) string {
	return pt.Prefix(p.Table, p.Range) + pt.GenerateFilename(p)
}

// ArtifactSuffix is the extension chain of an uploaded artifact
func ArtifactSuffix(compressionExt string) string {
	return ".csv" + compressionExt + encryption.Extension
}

func normalizePrefix(prefix string) string {
	parts := strings.Split(prefix, "/")
	kept := parts[:0]
	for _, part := range parts {
		if part == "" || part == "." {
			continue
		}
		kept = append(kept, part)
	}
	if len(kept) == 0 {
		return ""
	}
	return strings.Join(kept, "/") + "/"
}
