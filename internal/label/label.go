// Package label derives identity labels from source names.
package label

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hyperjump/kao/internal/models"
)

// ParseError reports a source name with no leading alphabetic run.
type ParseError struct {
	SourceName string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot derive label from %q: name must start with a letter", e.SourceName)
}

// Unwrap classifies a ParseError as a validation error.
func (e *ParseError) Unwrap() error {
	return models.ErrValidation
}

// Derive returns the leading run of ASCII letters of the file stem, lowercased.
// "alice1.png" and "Alice_02.jpg" both yield "alice"; "123.png" fails.
func Derive(sourceName string) (string, error) {
	stem := Stem(sourceName)
	end := 0
	for end < len(stem) && isASCIILetter(stem[end]) {
		end++
	}
	if end == 0 {
		return "", &ParseError{SourceName: sourceName}
	}
	return strings.ToLower(stem[:end]), nil
}

// Stem strips any directory (either separator style) and the final extension.
func Stem(sourceName string) string {
	base := sourceName
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
