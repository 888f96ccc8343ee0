package service

import (
	"html"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/finance-importer/internal/importer"
	"github.com/microcosm-cc/bluemonday"
)

const defaultFilename = "import.csv"

var strictPolicy = bluemonday.StrictPolicy()

// SanitizeFilename strips markup, path components and unprintable characters from a
// display-only file name and caps it at 255 characters.
func SanitizeFilename(name string) string {
	name = html.UnescapeString(strictPolicy.Sanitize(name))
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, name)
	name = strings.TrimSpace(name)

	if name == "" || name == "." || name == "/" {
		return defaultFilename
	}
	return importer.Truncate(name, importer.MaxDescriptionLength)
}
