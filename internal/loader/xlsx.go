package loader

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/xxxsen/pharmrag/internal/model"
)

type xlsxLoader struct{}

func init() {
	Register(".xlsx", xlsxLoader{}, "application/zip")
}

// Load returns one unit per non-empty sheet, rows rendered as
// "cell | cell".
func (xlsxLoader) Load(ctx context.Context, data []byte, filename string) ([]Unit, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()
	var units []Unit
	for _, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		lines := make([]string, 0, len(rows))
		for _, row := range rows {
			cells := make([]string, 0, len(row))
			for _, cell := range row {
				cell = strings.TrimSpace(cell)
				if cell == "" {
					continue
				}
				cells = append(cells, cell)
			}
			if len(cells) == 0 {
				continue
			}
			lines = append(lines, strings.Join(cells, " | "))
		}
		if len(lines) == 0 {
			continue
		}
		units = append(units, Unit{
			Text:     strings.Join(lines, "\n"),
			Metadata: map[string]interface{}{model.MetaSheet: sheet},
		})
	}
	return units, nil
}
