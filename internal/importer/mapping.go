package importer

import (
	"regexp"

	"github.com/finance-importer/internal/models"
)

// DefaultPreviewRows is how many data rows a preview shows
const DefaultPreviewRows = 5

var mappingHints = []struct {
	pattern *regexp.Regexp
	assign  func(m *models.ColumnMapping, header string)
}{
	{regexp.MustCompile(`(?i)fecha|date|day`), func(m *models.ColumnMapping, h string) { m.Date = h }},
	{regexp.MustCompile(`(?i)monto|amount|valor|value|total|importe`), func(m *models.ColumnMapping, h string) { m.Amount = h }},
	{regexp.MustCompile(`(?i)descripci[oó]n|description|concepto|note|detalle`), func(m *models.ColumnMapping, h string) { m.Description = h }},
	{regexp.MustCompile(`(?i)tipo|type`), func(m *models.ColumnMapping, h string) { m.Type = h }},
	{regexp.MustCompile(`(?i)categor`), func(m *models.ColumnMapping, h string) { m.Category = h }},
	{regexp.MustCompile(`(?i)cuenta|account`), func(m *models.ColumnMapping, h string) { m.Account = h }},
}

// GuessMapping proposes a column mapping from header names.
// Each role takes the first unclaimed header matching its hint.
func GuessMapping(headers []string) models.ColumnMapping {
	var mapping models.ColumnMapping
	claimed := make(map[string]bool, len(headers))

	for _, hint := range mappingHints {
		for _, h := range headers {
			if h == "" || claimed[h] || !hint.pattern.MatchString(h) {
				continue
			}
			hint.assign(&mapping, h)
			claimed[h] = true
			break
		}
	}

	return mapping
}

// PreviewResult is what the user sees before confirming a mapping
type PreviewResult struct {
	Headers   []string             `json:"headers"`
	Rows      []Row                `json:"rows"`
	TotalRows int                  `json:"totalRows"`
	Mapping   models.ColumnMapping `json:"mapping"`
}

// Preview parses the payload and returns the first n rows with a guessed mapping
func Preview(data []byte, n int) (*PreviewResult, error) {
	parsed, err := ParseCSV(data)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = DefaultPreviewRows
	}

	rows := parsed.Rows
	if len(rows) > n {
		rows = rows[:n]
	}
	if rows == nil {
		rows = []Row{}
	}
	headers := parsed.Headers
	if headers == nil {
		headers = []string{}
	}

	return &PreviewResult{
		Headers:   headers,
		Rows:      rows,
		TotalRows: len(parsed.Rows),
		Mapping:   GuessMapping(parsed.Headers),
	}, nil
}
