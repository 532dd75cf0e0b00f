package crawler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"lab_crawler/extract"
	"lab_crawler/models"
)

const (
	listingPath = "/cgi/list.cgi?lang=1"
	cgiPrefix   = "/cgi"

	// DefaultFetch prints the fetched page to stdout on the device host.
	DefaultFetch = "wget -q -O -"
)

var bizLayouts = []string{
	"2006/01/02 15:04",
	"2006/01/02 15:04:05",
	"2006/1/2 15:04",
	"2006/1/2 15:04:05",
}

// ListingCommand builds the remote command that prints a device's listing page.
func ListingCommand(fetch, deviceAddress string) string {
	return fmt.Sprintf("%s http://%s%s", fetch, deviceAddress, listingPath)
}

// DetailCommand builds the remote command for a detail page path taken from
// a listing row.
func DetailCommand(fetch, deviceAddress, path string) string {
	return fmt.Sprintf("%s http://%s%s%s", fetch, deviceAddress, cgiPrefix, path)
}

// NormalizePath turns a listing-row link such as "./detail.cgi?id=3" into a
// path rooted at the device's cgi directory.
func NormalizePath(href string) string {
	href = strings.TrimSpace(href)
	href = strings.TrimPrefix(href, "./")
	if href != "" && !strings.HasPrefix(href, "/") {
		href = "/" + href
	}
	return href
}

// ParseBizDateTime reads a listing date. Devices print YY/MM/DD HH:MM or
// YYYY/MM/DD HH:MM; two-digit years belong to the 2000s.
func ParseBizDateTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.Join(strings.Fields(s), " ")
	if strings.IndexByte(s, '/') == 2 {
		s = "20" + s
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range bizLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// parseDailyRow maps a listing row onto a daily record. Columns: link,
// date, mode, item.
func parseDailyRow(row extract.Row, deviceID string, loc *time.Location) (models.DailyRecord, error) {
	rec := models.DailyRecord{DeviceID: deviceID}
	dated := false
	for i, cell := range row.Cells {
		switch i + 1 {
		case 1:
			if cell.HasLink() {
				rec.URL = NormalizePath(cell.Href)
			}
		case 2:
			t, err := ParseBizDateTime(cell.Text, loc)
			if err != nil {
				return rec, err
			}
			rec.BizDateTime = t
			dated = true
		case 3:
			rec.Mode = cell.Text
		case 4:
			rec.Item = cell.Text
		}
	}
	if !dated {
		return rec, fmt.Errorf("row has no date column: %q", row.Text)
	}
	return rec, nil
}

// isDetailHeader reports whether a detail-page row is the column header.
func isDetailHeader(row extract.Row) bool {
	text := strings.ToLower(row.Text)
	return strings.Contains(text, "no.") || strings.Contains(text, "kind")
}

// parseDetailRow maps a detail row onto a detail record. Columns: sequence
// number, kind, ID string, percent.
func parseDetailRow(row extract.Row) (models.DetailRecord, error) {
	var d models.DetailRecord
	numbered := false
	for i, cell := range row.Cells {
		switch i + 1 {
		case 1:
			n, err := strconv.Atoi(cell.Text)
			if err != nil {
				return d, fmt.Errorf("sequence number %q: %w", cell.Text, err)
			}
			d.SeqNo = n
			numbered = true
		case 2:
			d.Kind = cell.Text
		case 3:
			d.IDString = stripNBSP(cell.Text)
		case 4:
			d.Percent = cell.Text
		}
	}
	if !numbered {
		return d, fmt.Errorf("row has no sequence column: %q", row.Text)
	}
	return d, nil
}

// The parser decodes &nbsp; to U+00A0; some firmware double-escapes it.
func stripNBSP(s string) string {
	s = strings.ReplaceAll(s, "&nbsp;", "")
	s = strings.ReplaceAll(s, "\u00a0", "")
	return strings.TrimSpace(s)
}
