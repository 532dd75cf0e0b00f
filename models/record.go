package models

import (
	"time"

	"github.com/google/uuid"
)

// DailyRecord is one dated measurement session from a device's listing page.
// (DeviceID, BizDateTime) identifies it.
type DailyRecord struct {
	ID          uuid.UUID `json:"id" db:"id"`
	DeviceID    string    `json:"device_id" db:"device_id"`
	BizDateTime time.Time `json:"biz_datetime" db:"biz_datetime"`
	Mode        string    `json:"mode" db:"mode"`
	Item        string    `json:"item" db:"item"`
	URL         string    `json:"-" db:"-"` // detail page path, never persisted
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

func (r DailyRecord) SameSession(other DailyRecord) bool {
	return r.DeviceID == other.DeviceID && r.BizDateTime.Equal(other.BizDateTime)
}

// DetailRecord is one line of a daily record's detail page. Details are
// append-only; SeqNo orders and dedups them within a daily record.
type DetailRecord struct {
	ID        uuid.UUID `json:"id" db:"id"`
	DailyID   uuid.UUID `json:"daily_id" db:"daily_id"`
	SeqNo     int       `json:"seq_no" db:"seq_no"`
	Kind      string    `json:"kind" db:"kind"`
	IDString  string    `json:"id_string" db:"id_string"`
	Percent   string    `json:"percent" db:"percent"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// DetailsAfter returns the details whose sequence number exceeds maxSeq.
func DetailsAfter(details []DetailRecord, maxSeq int) []DetailRecord {
	var out []DetailRecord
	for _, d := range details {
		if d.SeqNo > maxSeq {
			out = append(out, d)
		}
	}
	return out
}

// TraceBackWindow is how far back existing daily records are re-examined.
// The first non-zero of Minutes, Hours, Days wins; sign is ignored.
type TraceBackWindow struct {
	Minutes int `yaml:"minutes" json:"minutes"`
	Hours   int `yaml:"hours" json:"hours"`
	Days    int `yaml:"days" json:"days"`
}

var DefaultTraceBack = TraceBackWindow{Days: 7}

func (w TraceBackWindow) IsZero() bool {
	return w.Minutes == 0 && w.Hours == 0 && w.Days == 0
}

func (w TraceBackWindow) Duration() time.Duration {
	switch {
	case w.Minutes != 0:
		return time.Duration(abs(w.Minutes)) * time.Minute
	case w.Hours != 0:
		return time.Duration(abs(w.Hours)) * time.Hour
	case w.Days != 0:
		return time.Duration(abs(w.Days)) * 24 * time.Hour
	}
	return DefaultTraceBack.Duration()
}

func (w TraceBackWindow) Cutoff(now time.Time) time.Time {
	return now.Add(-w.Duration())
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
