package importer

import (
	"strings"
	"testing"
	"time"

	"github.com/finance-importer/internal/models"
	"github.com/finance-importer/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fullMapping = models.ColumnMapping{
	Date:        "Fecha",
	Amount:      "Monto",
	Description: "Descripcion",
	Type:        "Tipo",
	Category:    "Categoria",
	Account:     "Cuenta",
}

func TestNormalizeRow_AmountSign(t *testing.T) {
	tests := []struct {
		name       string
		amount     string
		typeText   string
		wantType   types.TransactionType
		wantAmount string
	}{
		{"negative without type", "-150.00", "", types.TransactionExpense, "150"},
		{"positive with ingreso", "1500", "ingreso", types.TransactionIncome, "1500"},
		{"positive without type", "1000", "", types.TransactionIncome, "1000"},
		{"positive tagged gasto", "200", "Gasto", types.TransactionExpense, "200"},
		{"negative tagged income is a tie", "-80", "Income", types.TransactionExpense, "80"},
		{"currency symbols stripped", "$ -1,234.56", "", types.TransactionExpense, "1234.56"},
		{"english expense", "42.10", "EXPENSE", types.TransactionExpense, "42.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := Row{"Fecha": "2024-01-15", "Monto": tt.amount, "Tipo": tt.typeText}

			got, err := NormalizeRow(row, fullMapping)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, got.Type)
			assert.True(t, decimal.RequireFromString(tt.wantAmount).Equal(got.Amount), "amount = %s", got.Amount)
			assert.False(t, got.Amount.IsNegative())
		})
	}
}

func TestNormalizeRow_InvalidAmount(t *testing.T) {
	for _, amount := range []string{"", "0", "0.00", "abc", "--5", "5-", "0.001", "1000000000000", "-999999999999.999"} {
		t.Run(amount, func(t *testing.T) {
			_, err := NormalizeRow(Row{"Fecha": "2024-01-15", "Monto": amount}, fullMapping)

			var rowErr *RowError
			require.ErrorAs(t, err, &rowErr)
			assert.Equal(t, "Monto inválido", rowErr.Message)
		})
	}
}

func TestParseAmount_LargestStorable(t *testing.T) {
	got, ok := ParseAmount("-999999999999.99")
	require.True(t, ok)
	assert.Equal(t, "-999999999999.99", got.String())
}

func TestNormalizeRow_InvalidDate(t *testing.T) {
	for _, date := range []string{"", "  ", "bad-date", "2024-13-01", "31/02/2024"} {
		t.Run(date, func(t *testing.T) {
			_, err := NormalizeRow(Row{"Fecha": date, "Monto": "10"}, fullMapping)

			var rowErr *RowError
			require.ErrorAs(t, err, &rowErr)
			assert.Equal(t, "Fecha inválida o vacía", rowErr.Message)
		})
	}
}

func TestNormalizeRow_DateIsCheckedBeforeAmount(t *testing.T) {
	_, err := NormalizeRow(Row{"Fecha": "nope", "Monto": "0"}, fullMapping)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "Fecha inválida"))
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-01-15", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"2024/01/15", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"2024-01-15 08:30:00", time.Date(2024, 1, 15, 8, 30, 0, 0, time.UTC)},
		{"15/01/2024", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"01/02/2024", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
		{"12/31/2024", time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)},
		{"5-3-2024", time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)},
		{"15 Jan 2024", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"15 de enero de 2024", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"03-Dic-2024", time.Date(2024, 12, 3, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseDate(tt.in)
			require.True(t, ok)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}

func TestNormalizeRow_Description(t *testing.T) {
	long := strings.Repeat("a", 300)

	got, err := NormalizeRow(Row{"Fecha": "2024-01-15", "Monto": "10", "Descripcion": long}, fullMapping)
	require.NoError(t, err)
	assert.Len(t, got.Description, 255)

	noDesc := models.ColumnMapping{Date: "Fecha", Amount: "Monto"}
	got, err = NormalizeRow(Row{"Fecha": "2024-01-15", "Monto": "10", "Descripcion": "ignored"}, noDesc)
	require.NoError(t, err)
	assert.Equal(t, "", got.Description)
}

func TestNormalizeRow_StripsNulBytes(t *testing.T) {
	row := Row{"Fecha": "2024-01-15", "Monto": "10", "Descripcion": "Pago\x00 tarjeta\x00", "Cuenta": "\x00Ahorros"}

	got, err := NormalizeRow(row, fullMapping)
	require.NoError(t, err)
	assert.Equal(t, "Pago tarjeta", got.Description)
	assert.Equal(t, "Ahorros", got.AccountRef)
}

func TestNormalizeRow_CarriesLookupRefs(t *testing.T) {
	row := Row{"Fecha": "2024-01-15", "Monto": "10", "Cuenta": " Ahorros ", "Categoria": "Comida"}

	got, err := NormalizeRow(row, fullMapping)
	require.NoError(t, err)
	assert.Equal(t, "Ahorros", got.AccountRef)
	assert.Equal(t, "Comida", got.CategoryRef)
}

func TestTruncate_MultiByte(t *testing.T) {
	s := strings.Repeat("ñ", 300)
	got := Truncate(s, 255)
	assert.Equal(t, 255, len([]rune(got)))
	assert.Equal(t, "abc", Truncate("abc", 255))
}
