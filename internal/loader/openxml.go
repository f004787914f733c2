package loader

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/xxxsen/pharmrag/internal/model"
)

var slideNameRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

type docxLoader struct{}

type pptxLoader struct{}

func init() {
	Register(".docx", docxLoader{}, "application/zip")
	Register(".pptx", pptxLoader{}, "application/zip")
}

func (docxLoader) Load(ctx context.Context, data []byte, filename string) ([]Unit, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open docx container: %w", err)
	}
	f := findZipFile(zr, "word/document.xml")
	if f == nil {
		return nil, fmt.Errorf("docx has no word/document.xml")
	}
	text, err := readOpenXMLText(f)
	if err != nil {
		return nil, err
	}
	return []Unit{{Text: text, Metadata: map[string]interface{}{}}}, nil
}

func (pptxLoader) Load(ctx context.Context, data []byte, filename string) ([]Unit, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pptx container: %w", err)
	}
	type slide struct {
		num  int
		file *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		m := slideNameRe.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		num, _ := strconv.Atoi(m[1])
		slides = append(slides, slide{num: num, file: f})
	}
	if len(slides) == 0 && findZipFile(zr, "ppt/presentation.xml") == nil {
		return nil, fmt.Errorf("pptx has no slides or presentation part")
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })
	units := make([]Unit, 0, len(slides))
	for _, s := range slides {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := readOpenXMLText(s.file)
		if err != nil {
			return nil, fmt.Errorf("slide %d: %w", s.num, err)
		}
		units = append(units, Unit{
			Text:     text,
			Metadata: map[string]interface{}{model.MetaSlide: s.num},
		})
	}
	return units, nil
}

func findZipFile(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// readOpenXMLText collects <t> runs, breaking lines at paragraph ends. The
// same element names are used by WordprocessingML and DrawingML.
func readOpenXMLText(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	dec := xml.NewDecoder(rc)
	var sb strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("decode %s: %w", f.Name, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return collapseWhitespace(sb.String()), nil
}
