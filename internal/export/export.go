package export

import (
	"fmt"
	"strings"
	"time"

	"rollcall/internal/attendance"
)

// Format names an output encoding.
type Format string

const (
	FormatExcel Format = "excel"
	FormatCSV   Format = "csv"
	FormatPDF   Format = "pdf"
)

// ParseFormat accepts excel, xlsx, csv and pdf; empty means excel.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "excel", "xlsx":
		return FormatExcel, nil
	case "csv":
		return FormatCSV, nil
	case "pdf":
		return FormatPDF, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// ContentType is the MIME type served for f.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatPDF:
		return "application/pdf"
	default:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
}

// Extension is the file suffix for f, without the dot.
func (f Format) Extension() string {
	switch f {
	case FormatCSV:
		return "csv"
	case FormatPDF:
		return "pdf"
	default:
		return "xlsx"
	}
}

// Dataset defines tabular export content.
type Dataset struct {
	Title   string
	Headers []string
	Rows    [][]string
}

// Renderer turns a dataset into a document.
type Renderer interface {
	Render(data Dataset) ([]byte, error)
}

// For returns the renderer of f.
func For(f Format) Renderer {
	switch f {
	case FormatCSV:
		return NewCSVExporter()
	case FormatPDF:
		return NewPDFExporter()
	default:
		return NewExcelExporter()
	}
}

// Render encodes data as f.
func Render(f Format, data Dataset) ([]byte, error) {
	return For(f).Render(data)
}

func requireHeaders(kind string, data Dataset) error {
	if len(data.Headers) == 0 {
		return fmt.Errorf("%s requires at least one header", kind)
	}
	return nil
}

var attendanceHeaders = []string{"Session", "Start", "Student ID", "Student", "Status", "Check-in", "Method"}

const timeLayout = "2006-01-02 15:04"

// AttendanceDataset flattens export rows into a table.
func AttendanceDataset(title string, rows []attendance.ExportRow) Dataset {
	out := Dataset{Title: title, Headers: attendanceHeaders, Rows: make([][]string, 0, len(rows))}
	for _, r := range rows {
		checkIn := ""
		if r.CheckInTime != nil {
			checkIn = r.CheckInTime.UTC().Format(timeLayout)
		}
		out.Rows = append(out.Rows, []string{
			r.SessionTitle,
			r.SessionStart.UTC().Format(timeLayout),
			r.StudentID,
			r.StudentName,
			string(r.Status),
			checkIn,
			string(r.Method),
		})
	}
	return out
}

// Filename builds an attachment name such as attendance_CS101_20240304.xlsx.
func Filename(prefix string, f Format, at time.Time) string {
	return fmt.Sprintf("attendance_%s_%s.%s", prefix, at.UTC().Format("20060102"), f.Extension())
}
