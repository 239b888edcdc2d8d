package housekeeping

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// Report formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// dump writes a report to reportName plus the format's extension. csvRows
// is used for the CSV format, jsonData for JSON. Other formats write
// nothing. Write errors are logged and dropped.
func (e *Engine) dump(operation, format, reportName string, csvRows func() [][]any, jsonData func() any) {
	if reportName == "" {
		return
	}
	var err error
	var path string
	switch format {
	case FormatCSV:
		path = reportName + ".csv"
		err = writeCSV(path, csvRows())
	case FormatJSON:
		path = reportName + ".json"
		err = writeJSON(path, jsonData())
	default:
		e.logger.Info("No dump just return report", zap.String("operation", operation), zap.String("format", format))
		return
	}
	if err != nil {
		e.critical("report could not be written", zap.String("operation", operation), zap.String("path", path), zap.Error(err))
		return
	}
	e.logger.Info("Report written", zap.String("operation", operation), zap.String("path", path))
}

func writeCSV(path string, rows [][]any) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w := csv.NewWriter(f)
	record := []string{}
	for _, row := range rows {
		record = record[:0]
		for _, v := range row {
			record = append(record, fmt.Sprint(v))
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeJSON(path string, data any) error {
	b, err := json.MarshalIndent(data, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o640)
}
