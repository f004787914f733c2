package loader

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"

	"github.com/xxxsen/pharmrag/internal/model"
)

type pdfLoader struct{}

func init() {
	Register(".pdf", pdfLoader{}, "application/pdf")
}

// Load returns one unit per page. The pdf reader panics on some malformed
// inputs, so panics are turned into errors.
func (pdfLoader) Load(ctx context.Context, data []byte, filename string) (units []Unit, err error) {
	defer func() {
		if r := recover(); r != nil {
			units = nil
			err = fmt.Errorf("pdf reader: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("pdf reader: %w", err)
	}
	total := reader.NumPage()
	units = make([]Unit, 0, total)
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("pdf page %d: %w", i, err)
		}
		units = append(units, Unit{
			Text:     collapseWhitespace(text),
			Metadata: map[string]interface{}{model.MetaPage: i},
		})
	}
	return units, nil
}
