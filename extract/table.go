// Package extract pulls table rows out of device HTML pages.
package extract

import (
	"iter"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Cell is the text of one <td>. Href and LinkText come from the first
// anchor in the cell, if any.
type Cell struct {
	Text     string
	Href     string
	LinkText string
}

func (c Cell) HasLink() bool {
	return c.Href != ""
}

// Row is the ordered cells of one <tr>. Text is the trimmed text of the
// whole row, header cells included.
type Row struct {
	Cells []Cell
	Text  string
}

// Cell returns the cell at a 1-based column index.
func (r Row) Cell(column int) (Cell, bool) {
	if column < 1 || column > len(r.Cells) {
		return Cell{}, false
	}
	return r.Cells[column-1], true
}

func (r Row) HasLink() bool {
	for _, c := range r.Cells {
		if c.HasLink() {
			return true
		}
	}
	return false
}

// Rows yields the table rows of html in document order. The document is
// parsed on each iteration, so the sequence can be ranged over repeatedly.
func Rows(html string) iter.Seq[Row] {
	return func(yield func(Row) bool) {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			return
		}
		doc.Find("tr").EachWithBreak(func(_ int, tr *goquery.Selection) bool {
			return yield(parseRow(tr))
		})
	}
}

// Collect parses html into a slice of rows.
func Collect(html string) []Row {
	var rows []Row
	for row := range Rows(html) {
		rows = append(rows, row)
	}
	return rows
}

func parseRow(tr *goquery.Selection) Row {
	row := Row{Text: strings.TrimSpace(tr.Text())}
	tr.ChildrenFiltered("td").Each(func(_ int, td *goquery.Selection) {
		cell := Cell{Text: strings.TrimSpace(td.Text())}
		if a := td.Find("a[href]").First(); a.Length() > 0 {
			href, _ := a.Attr("href")
			cell.Href = strings.TrimSpace(href)
			cell.LinkText = strings.TrimSpace(a.Text())
		}
		row.Cells = append(row.Cells, cell)
	})
	return row
}
