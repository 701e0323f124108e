package corpus

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	goexcel "github.com/VantageDataChat/GoExcel"
	"github.com/shakinm/xlsReader/xls"
)

// anchorSheetName is the reserved sheet holding negative anchor examples.
// Every other sheet is treated as one category of patterns.
const anchorSheetName = "negative_anchors"

// LoadXLSX parses an .xlsx glossary workbook. Each sheet is one category with
// a header row (term, primary_rendering, alternate_renderings,
// discouraged_renderings, context_tags, corpus_frequency); the reserved
// "negative_anchors" sheet carries (category, source_text) rows.
func LoadXLSX(data []byte) (c *Corpus, err error) {
	defer func() {
		if r := recover(); r != nil {
			c = nil
			err = fmt.Errorf("%w: xlsx parse panic: %v", ErrCorpusMalformed, r)
		}
	}()

	reader := goexcel.NewXLSXReader()
	wb, err := reader.Read(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorpusMalformed, err)
	}

	sheets := make(map[string][][]string)
	for _, name := range wb.GetSheetNames() {
		sheet, err := wb.GetSheetByName(name)
		if err != nil {
			continue
		}
		iterRows, err := sheet.RowIterator()
		if err != nil {
			continue
		}
		var rows [][]string
		for _, row := range iterRows {
			var cells []string
			for _, cell := range row {
				if cell == nil || cell.IsEmpty() {
					continue
				}
				col := cell.Col()
				for len(cells) <= col {
					cells = append(cells, "")
				}
				cells[col] = cell.GetFormattedValue()
			}
			rows = append(rows, cells)
		}
		sheets[name] = rows
	}

	return corpusFromSheets(data, sheets)
}

// LoadXLS parses a legacy .xls (BIFF) glossary workbook with the same sheet
// layout as LoadXLSX.
func LoadXLS(data []byte) (c *Corpus, err error) {
	defer func() {
		if r := recover(); r != nil {
			c = nil
			err = fmt.Errorf("%w: xls parse panic: %v", ErrCorpusMalformed, r)
		}
	}()

	wb, err := xls.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorpusMalformed, err)
	}

	sheets := make(map[string][][]string)
	numSheets := wb.GetNumberSheets()
	for i := 0; i < numSheets; i++ {
		sheet, err := wb.GetSheet(i)
		if err != nil {
			continue
		}
		var rows [][]string
		numRows := sheet.GetNumberRows()
		for rowIdx := 0; rowIdx < numRows; rowIdx++ {
			row, err := sheet.GetRow(rowIdx)
			if err != nil || row == nil {
				continue
			}
			var cells []string
			for _, cell := range row.GetCols() {
				cells = append(cells, cell.GetString())
			}
			rows = append(rows, cells)
		}
		sheets[sheet.GetName()] = rows
	}

	return corpusFromSheets(data, sheets)
}

// corpusFromSheets converts normalized sheet rows into a validated Corpus.
func corpusFromSheets(raw []byte, sheets map[string][][]string) (*Corpus, error) {
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrCorpusMalformed)
	}

	// Sorted sheet order keeps the flattened pattern order stable across runs.
	names := make([]string, 0, len(sheets))
	for name := range sheets {
		names = append(names, name)
	}
	sort.Strings(names)

	var patterns []Pattern
	var anchors []NegativeAnchor
	for _, name := range names {
		rows := sheets[name]
		if strings.EqualFold(strings.TrimSpace(name), anchorSheetName) {
			anchors = append(anchors, parseAnchorRows(rows)...)
			continue
		}
		patterns = append(patterns, parsePatternRows(name, rows)...)
	}

	if len(patterns) == 0 && len(anchors) == 0 {
		return nil, fmt.Errorf("%w: workbook contains no recognizable rows", ErrCorpusMalformed)
	}

	return validate(contentVersion(raw), patterns, anchors), nil
}

// parsePatternRows maps a category sheet's rows to Patterns via its header row.
func parsePatternRows(category string, rows [][]string) []Pattern {
	if len(rows) < 2 {
		return nil
	}
	cols := headerColumns(rows[0])
	termCol, ok := cols["term"]
	if !ok {
		return nil
	}

	var patterns []Pattern
	for _, row := range rows[1:] {
		p := Pattern{
			Category:              category,
			Term:                  cellAt(row, termCol),
			PrimaryRendering:      cellAt(row, colOf(cols, "primary_rendering")),
			AlternateRenderings:   splitList(cellAt(row, colOf(cols, "alternate_renderings"))),
			DiscouragedRenderings: splitList(cellAt(row, colOf(cols, "discouraged_renderings"))),
			ContextTags:           splitList(cellAt(row, colOf(cols, "context_tags"))),
		}
		if freq := cellAt(row, colOf(cols, "corpus_frequency")); freq != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(freq)); err == nil {
				p.CorpusFrequency = n
			}
		}
		if p.Term == "" && p.PrimaryRendering == "" {
			continue // blank row
		}
		patterns = append(patterns, p)
	}
	return patterns
}

// parseAnchorRows maps the negative_anchors sheet's rows to NegativeAnchors.
func parseAnchorRows(rows [][]string) []NegativeAnchor {
	if len(rows) < 2 {
		return nil
	}
	cols := headerColumns(rows[0])
	catCol, okCat := cols["category"]
	textCol, okText := cols["source_text"]
	if !okCat || !okText {
		return nil
	}

	var anchors []NegativeAnchor
	for _, row := range rows[1:] {
		a := NegativeAnchor{
			Category:   cellAt(row, catCol),
			SourceText: cellAt(row, textCol),
		}
		if a.Category == "" && a.SourceText == "" {
			continue
		}
		anchors = append(anchors, a)
	}
	return anchors
}

// headerColumns maps lowercased header names to column indices.
func headerColumns(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			cols[h] = i
		}
	}
	return cols
}

// colOf returns the column index for a header name, or -1 when absent.
func colOf(cols map[string]int, name string) int {
	if i, ok := cols[name]; ok {
		return i
	}
	return -1
}

// cellAt returns the trimmed cell at col, or "" when col is -1 or the row is short.
func cellAt(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}
