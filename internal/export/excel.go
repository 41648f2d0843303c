package export

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Attendance"

// ExcelExporter renders datasets into a single-sheet xlsx workbook.
type ExcelExporter struct{}

// NewExcelExporter builds an xlsx exporter.
func NewExcelExporter() *ExcelExporter {
	return &ExcelExporter{}
}

// Render writes an optional merged title row, a styled header row and the data.
func (e *ExcelExporter) Render(data Dataset) ([]byte, error) {
	if err := requireHeaders("xlsx", data); err != nil {
		return nil, err
	}
	f := excelize.NewFile()
	defer f.Close()

	idx, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(idx)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("drop default sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#D9E1F2"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}

	row := 1
	last := colName(len(data.Headers) - 1)
	if data.Title != "" {
		_ = f.SetCellValue(sheetName, cell("A", row), data.Title)
		if len(data.Headers) > 1 {
			_ = f.MergeCell(sheetName, cell("A", row), cell(last, row))
		}
		_ = f.SetCellStyle(sheetName, cell("A", row), cell("A", row), headerStyle)
		row++
	}

	for i, h := range data.Headers {
		_ = f.SetCellValue(sheetName, cell(colName(i), row), h)
		_ = f.SetColWidth(sheetName, colName(i), colName(i), 18)
	}
	_ = f.SetCellStyle(sheetName, cell("A", row), cell(last, row), headerStyle)
	row++

	for _, r := range data.Rows {
		for i, v := range pad(r, len(data.Headers)) {
			if err := f.SetCellValue(sheetName, cell(colName(i), row), v); err != nil {
				return nil, fmt.Errorf("write cell: %w", err)
			}
		}
		row++
	}

	buf := new(bytes.Buffer)
	if err := f.Write(buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func colName(idx int) string {
	name, _ := excelize.ColumnNumberToName(idx + 1)
	return name
}

func cell(col string, row int) string {
	return fmt.Sprintf("%s%d", col, row)
}
