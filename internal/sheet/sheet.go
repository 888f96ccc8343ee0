// Package sheet converts spreadsheet exports into CSV text accepted by the import API.
package sheet

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// IsSpreadsheet reports whether the file name looks like an .xlsx workbook
func IsSpreadsheet(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx", ".xlsm":
		return true
	}
	return false
}

// ToCSV renders one worksheet as CSV. An empty sheetName selects the first sheet.
// Rows are padded to the widest row so every record has the header's width.
func ToCSV(data []byte, sheetName string) (string, error) {
	xl, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to open workbook: %w", err)
	}
	defer xl.Close()

	if sheetName == "" {
		sheetName = xl.GetSheetName(0)
	}
	if idx, err := xl.GetSheetIndex(sheetName); err != nil || idx < 0 {
		return "", fmt.Errorf("worksheet %q not found", sheetName)
	}

	rows, err := xl.GetRows(sheetName)
	if err != nil {
		return "", fmt.Errorf("failed to read worksheet %q: %w", sheetName, err)
	}

	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, row := range rows {
		record := make([]string, width)
		copy(record, row)
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}

	return buf.String(), nil
}
