// Package importer turns raw bank-statement CSV text into transaction candidates.
// Nothing in this package performs I/O beyond reading the in-memory payload.
package importer

import (
	"bytes"
	"encoding/csv"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/finance-importer/internal/errors"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Row maps a header name to the cell value of one data record
type Row map[string]string

// ParsedCSV is a fully parsed payload: trimmed headers plus data rows in file order
type ParsedCSV struct {
	Headers []string
	Rows    []Row
}

// RowNumber converts a zero-based data row index into the 1-based number shown to users.
// The header is row 1, so the first data row is row 2.
func RowNumber(index int) int {
	return index + 2
}

// ParseCSV parses a whole CSV payload. The first non-blank record is the header.
// Blank records are skipped, short records are padded with empty cells and extra cells are ignored.
// Payloads that are not valid UTF-8 are decoded as Windows-1252, the usual encoding of bank exports.
// Stray quotes are kept as text; a quoted field left open at end of file yields a MALFORMED_CSV error.
func ParseCSV(data []byte) (*ParsedCSV, error) {
	text := bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(text) {
		decoded, _, err := transform.Bytes(charmap.Windows1252.NewDecoder(), text)
		if err != nil {
			return nil, errors.NewMalformedCSVError(err)
		}
		text = decoded
	}
	if line := openQuoteLine(text); line > 0 {
		return nil, errors.NewMalformedCSVError(&csv.ParseError{StartLine: line, Line: line, Err: csv.ErrQuote})
	}

	reader := csv.NewReader(bytes.NewReader(text))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	parsed := &ParsedCSV{}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.NewMalformedCSVError(err)
		}
		if isBlank(record) {
			continue
		}

		if parsed.Headers == nil {
			parsed.Headers = make([]string, len(record))
			for i, h := range record {
				parsed.Headers[i] = strings.TrimSpace(h)
			}
			continue
		}

		parsed.Rows = append(parsed.Rows, toRow(parsed.Headers, record))
	}

	return parsed, nil
}

// openQuoteLine returns the line where a quoted field opens without ever closing, or 0.
// Quotes follow the reader's lazy rules: only a quote at the start of a field opens one,
// and inside it a quote closes only before a separator or the end of input.
func openQuoteLine(text []byte) int {
	line, openedAt := 1, 0
	fieldStart := true
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '\n' {
			line++
		}
		if openedAt > 0 {
			if c != '"' {
				continue
			}
			if i+1 < len(text) && text[i+1] == '"' {
				i++
				continue
			}
			if i+1 == len(text) || isSeparator(text[i+1]) {
				openedAt = 0
			}
			continue
		}
		switch {
		case isSeparator(c):
			fieldStart = true
		case c == '"' && fieldStart:
			openedAt = line
			fieldStart = false
		default:
			fieldStart = false
		}
	}
	return openedAt
}

func isSeparator(c byte) bool {
	return c == ',' || c == '\n' || c == '\r'
}

func toRow(headers []string, record []string) Row {
	row := make(Row, len(headers))
	for i, h := range headers {
		if h == "" {
			continue
		}
		// first column wins when a header is repeated
		if _, seen := row[h]; seen {
			continue
		}
		if i < len(record) {
			row[h] = record[i]
		} else {
			row[h] = ""
		}
	}
	return row
}

func isBlank(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
