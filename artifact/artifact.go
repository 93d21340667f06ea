// Package artifact materializes job rows into downloadable files.
// Building is pure over the row slice, so repeated downloads of a
// terminal job carry the same content.
package artifact

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/manlek25/optantes"
	"github.com/manlek25/optantes/job"
)

// header matches the original export column order.
var header = []string{"cnpj", "razao_social", "simples_nacional", "simei", "data_consulta", "erro"}

// Build encodes rows in the given format. It returns ErrNotReady when
// there are no rows yet, so handlers can answer 409 before the first
// row lands.
func Build(rows []job.Row, format job.OutputFormat) ([]byte, error) {
	if len(rows) == 0 {
		return nil, optantes.ErrNotReady
	}
	switch format {
	case job.FormatCSV:
		return buildCSV(rows)
	case job.FormatXLSX:
		return buildXLSX(rows)
	default:
		return nil, fmt.Errorf("%w: unknown output format %q", optantes.ErrInvalidInput, format)
	}
}

// ContentType returns the MIME type for a format.
func ContentType(format job.OutputFormat) string {
	if format == job.FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// Filename returns the suggested download name for a format.
func Filename(format job.OutputFormat) string {
	if format == job.FormatXLSX {
		return "optantes.xlsx"
	}
	return "optantes.csv"
}

func cells(row job.Row) []string {
	cnpj := row.CNPJ
	if cnpj == "" {
		cnpj = row.Input
	}
	var consulted string
	if !row.ConsultedAt.IsZero() {
		consulted = row.ConsultedAt.UTC().Format(time.RFC3339)
	}
	return []string{cnpj, row.LegalName, row.Simples, row.Simei, consulted, row.Err}
}

func buildCSV(rows []job.Row) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("artifact: write header: %w", err)
	}
	for _, row := range rows {
		if err := w.Write(cells(row)); err != nil {
			return nil, fmt.Errorf("artifact: write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("artifact: flush: %w", err)
	}
	return buf.Bytes(), nil
}

func buildXLSX(rows []job.Row) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Optantes"
	f.SetSheetName("Sheet1", sheet)

	for col, name := range header {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := f.SetCellValue(sheet, cell, name); err != nil {
			return nil, fmt.Errorf("artifact: set header cell: %w", err)
		}
	}
	for i, row := range rows {
		for col, value := range cells(row) {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			// Every cell is a string; CNPJs keep leading zeros.
			if err := f.SetCellStr(sheet, cell, value); err != nil {
				return nil, fmt.Errorf("artifact: set cell: %w", err)
			}
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("artifact: write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
