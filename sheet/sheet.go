// Package sheet extracts tax identifiers from uploaded spreadsheets.
// It accepts CSV and XLSX input and works out which column holds the
// CNPJs: a recognizable header first, then the column with the most
// 14-digit values, then a per-row scan as a last resort.
package sheet

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/manlek25/optantes"
	"github.com/manlek25/optantes/cnpj"
)

// headerCandidates are column names that identify the CNPJ column.
var headerCandidates = map[string]bool{
	"cnpj":      true,
	"cnpjs":     true,
	"documento": true,
	"doc":       true,
	"cpf_cnpj":  true,
	"cpfcnpj":   true,
	"cpf/cnpj":  true,
	"inscricao": true,
	"inscrição": true,
}

// ReadIdentifiers parses the upload and returns the identifier list in
// row order. Valid CNPJs are deduplicated keeping the first
// occurrence; invalid values stay in place so they surface as error
// rows downstream. Empty or unreadable files yield ErrInvalidInput.
func ReadIdentifiers(r io.Reader, filename string) ([]string, error) {
	var rows [][]string
	var err error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx", ".xlsm":
		rows, err = readXLSX(r)
	default:
		rows, err = readCSV(r)
	}
	if err != nil {
		return nil, err
	}
	return extract(rows)
}

func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable workbook: %v", optantes.ErrInvalidInput, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", optantes.ErrInvalidInput)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: read sheet: %v", optantes.ErrInvalidInput, err)
	}
	return rows, nil
}

func readCSV(r io.Reader) ([][]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read upload: %v", optantes.ErrInvalidInput, err)
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = sniffDelimiter(data)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable csv: %v", optantes.ErrInvalidInput, err)
	}
	return rows, nil
}

// sniffDelimiter picks ';' over ',' when the first line favors it,
// which is what Brazilian spreadsheet exports usually produce.
func sniffDelimiter(data []byte) rune {
	line := data
	if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
		line = data[:idx]
	}
	if bytes.Count(line, []byte{';'}) > bytes.Count(line, []byte{','}) {
		return ';'
	}
	return ','
}

func extract(rows [][]string) ([]string, error) {
	// Drop fully empty rows.
	cleaned := rows[:0]
	for _, row := range rows {
		for _, cell := range row {
			if strings.TrimSpace(cell) != "" {
				cleaned = append(cleaned, row)
				break
			}
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("%w: empty file", optantes.ErrInvalidInput)
	}

	var values []string
	if col, ok := headerColumn(cleaned[0]); ok {
		values = column(cleaned[1:], col)
	} else if col, ok := guessColumn(cleaned); ok {
		body := cleaned
		// An unrecognized header still should not become a row.
		if col >= len(body[0]) || !cnpj.Valid(body[0][col]) {
			body = body[1:]
		}
		values = column(body, col)
	} else {
		values = scanRows(cleaned)
	}

	out := dedupe(values)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no identifiers found", optantes.ErrInvalidInput)
	}
	return out, nil
}

// headerColumn matches the first row against known CNPJ column names.
func headerColumn(row []string) (int, bool) {
	for i, cell := range row {
		name := strings.ToLower(strings.TrimSpace(cell))
		if headerCandidates[name] || strings.Contains(name, "cnpj") {
			return i, true
		}
	}
	return 0, false
}

// guessColumn returns the column index with the most valid CNPJs.
func guessColumn(rows [][]string) (int, bool) {
	counts := map[int]int{}
	for _, row := range rows {
		for i, cell := range row {
			if cnpj.Valid(cell) {
				counts[i]++
			}
		}
	}
	best, bestCount := 0, 0
	for i, n := range counts {
		if n > bestCount || (n == bestCount && i < best) {
			best, bestCount = i, n
		}
	}
	return best, bestCount > 0
}

// scanRows takes the first valid cell per row, falling back to the
// first non-empty cell so the row still shows up as an error.
func scanRows(rows [][]string) []string {
	var out []string
	for _, row := range rows {
		picked := ""
		for _, cell := range row {
			trimmed := strings.TrimSpace(cell)
			if trimmed == "" {
				continue
			}
			if picked == "" {
				picked = trimmed
			}
			if cnpj.Valid(trimmed) {
				picked = trimmed
				break
			}
		}
		if picked != "" {
			out = append(out, picked)
		}
	}
	return out
}

func column(rows [][]string, col int) []string {
	var out []string
	for _, row := range rows {
		if col >= len(row) {
			continue
		}
		if value := strings.TrimSpace(row[col]); value != "" {
			out = append(out, value)
		}
	}
	return out
}

// dedupe removes repeated valid CNPJs, comparing normalized forms and
// keeping first-seen order. Invalid inputs pass through untouched.
func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if cnpj.Valid(value) {
			key := cnpj.Normalize(value)
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		out = append(out, value)
	}
	return out
}
