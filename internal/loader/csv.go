package loader

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

type csvLoader struct{}

func init() {
	Register(".csv", csvLoader{}, "text/plain")
}

// Load renders every data row as "header: value; header: value" so each
// line stays meaningful after chunking.
func (csvLoader) Load(ctx context.Context, data []byte, filename string) ([]Unit, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var header []string
	var lines []string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if header == nil {
			header = record
			continue
		}
		fields := make([]string, 0, len(record))
		for i, value := range record {
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			name := ""
			if i < len(header) {
				name = strings.TrimSpace(header[i])
			}
			if name == "" {
				fields = append(fields, value)
				continue
			}
			fields = append(fields, name+": "+value)
		}
		if len(fields) > 0 {
			lines = append(lines, strings.Join(fields, "; "))
		}
	}
	if len(lines) == 0 && len(header) > 0 {
		lines = append(lines, strings.Join(header, "; "))
	}
	if len(lines) == 0 {
		return nil, nil
	}
	return []Unit{{Text: strings.Join(lines, "\n"), Metadata: map[string]interface{}{}}}, nil
}
