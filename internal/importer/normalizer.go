package importer

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/finance-importer/internal/models"
	"github.com/finance-importer/internal/types"
	"github.com/shopspring/decimal"
)

const (
	// MaxDescriptionLength is the stored description length in characters
	MaxDescriptionLength = 255

	msgInvalidDate   = "Fecha inválida o vacía"
	msgInvalidAmount = "Monto inválido"
)

// maxAmount is the first value that no longer fits NUMERIC(14,2)
var maxAmount = decimal.New(1, 12)

// RowError rejects a single row. It is recorded and the sweep continues.
type RowError struct {
	Message string
	Value   string
}

func (e *RowError) Error() string {
	return e.Message
}

// Candidate is a normalized row that has not been resolved against accounts yet
type Candidate struct {
	Date        time.Time
	Amount      decimal.Decimal
	Type        types.TransactionType
	Description string
	AccountRef  string
	CategoryRef string
}

var amountNoise = regexp.MustCompile(`[^0-9.-]`)

// Layouts are tried in order: ISO first, then day-first, then month-first, then named months.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2-1-2006",
	"02.01.2006",
	"02/01/06",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"2 Jan 2006",
	"02 Jan 2006",
	"2-Jan-2006",
	"02-Jan-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 January 2006",
}

var spanishMonths = strings.NewReplacer(
	"enero", "January", "febrero", "February", "marzo", "March", "abril", "April",
	"mayo", "May", "junio", "June", "julio", "July", "agosto", "August",
	"septiembre", "September", "setiembre", "September", "octubre", "October",
	"noviembre", "November", "diciembre", "December",
	"ene", "Jan", "abr", "Apr", "ago", "Aug", "dic", "Dec",
	" de ", " ",
)

// NormalizeRow validates one raw row against the mapping.
// The result depends only on its inputs.
func NormalizeRow(row Row, mapping models.ColumnMapping) (*Candidate, error) {
	rawDate := strings.TrimSpace(row[mapping.Date])
	date, ok := ParseDate(rawDate)
	if !ok {
		return nil, &RowError{Message: msgInvalidDate, Value: rawDate}
	}

	rawAmount := strings.TrimSpace(row[mapping.Amount])
	amount, ok := ParseAmount(rawAmount)
	if !ok {
		return nil, &RowError{Message: msgInvalidAmount, Value: rawAmount}
	}

	var typeText string
	if mapping.Type != "" {
		typeText = row[mapping.Type]
	}

	candidate := &Candidate{
		Date:   date,
		Amount: amount.Abs(),
		Type:   classify(amount, typeText),
	}
	if mapping.Description != "" {
		candidate.Description = Truncate(cleanText(row[mapping.Description]), MaxDescriptionLength)
	}
	if mapping.Account != "" {
		candidate.AccountRef = cleanText(row[mapping.Account])
	}
	if mapping.Category != "" {
		candidate.CategoryRef = cleanText(row[mapping.Category])
	}

	return candidate, nil
}

// ParseDate parses a statement date. Only the calendar date of date-only layouts is meaningful.
func ParseDate(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}

	translated := spanishMonths.Replace(strings.ToLower(value))
	if translated != strings.ToLower(value) {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, translated); err == nil {
				return t, true
			}
		}
	}

	return time.Time{}, false
}

// ParseAmount keeps digits, '.' and '-' and parses the rest as a decimal rounded to cents.
// Zero is rejected, and so is anything with more than 12 integer digits.
func ParseAmount(value string) (decimal.Decimal, bool) {
	cleaned := amountNoise.ReplaceAllString(value, "")
	if cleaned == "" {
		return decimal.Zero, false
	}

	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, false
	}
	amount = amount.Round(2)
	if amount.IsZero() || amount.Abs().GreaterThanOrEqual(maxAmount) {
		return decimal.Zero, false
	}
	return amount, true
}

// classify picks the direction from the amount sign and the type cell.
// INCOME wins only when nothing points to an expense.
func classify(amount decimal.Decimal, typeText string) types.TransactionType {
	text := strings.ToLower(typeText)

	income := amount.IsPositive() || strings.Contains(text, "ingreso") || strings.Contains(text, "income")
	expense := amount.IsNegative() || strings.Contains(text, "gasto") || strings.Contains(text, "expense")

	if income && !expense {
		return types.TransactionIncome
	}
	return types.TransactionExpense
}

// cleanText trims the cell and drops NUL bytes, which text columns reject
func cleanText(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
}

// Truncate cuts s to at most n characters without splitting a UTF-8 sequence
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
