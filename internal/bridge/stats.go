package bridge

import (
	"context"
	"encoding/csv"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/bdemchak/jupyter-bridge/internal/store"
)

// Recorder accumulates per-day message counts and payload byte totals.
// Counter records never expire; they are the service's only long-term state.
type Recorder struct {
	store store.Store
}

// NewRecorder creates a recorder on the given store.
func NewRecorder(st store.Store) *Recorder {
	return &Recorder{store: st}
}

// statKey returns the counter record key for a date, e.g. "stat:2021-03-14".
func statKey(now time.Time) string {
	return statPrefix + ":" + now.Format("2006-01-02")
}

// Record counts one accepted message of n payload bytes under today's date.
func (r *Recorder) Record(ctx context.Context, dir Direction, n int) error {
	key := statKey(time.Now())
	if err := r.store.IncrementField(ctx, key, countPrefix+":"+string(dir), 1); err != nil {
		return storeFail(err)
	}
	if err := r.store.IncrementField(ctx, key, string(dir), int64(n)); err != nil {
		return storeFail(err)
	}
	return nil
}

// DayStats carries one day's counters. Values stay raw strings and a field
// never incremented renders as empty, preserving the CSV shape peers already
// download and chart.
type DayStats struct {
	Date         string
	RequestCount string
	RequestBytes string
	ReplyCount   string
	ReplyBytes   string
}

// Snapshot reads every day's counters, sorted by date ascending.
func (r *Recorder) Snapshot(ctx context.Context) ([]DayStats, error) {
	keys, err := r.store.Scan(ctx, statPrefix+":*")
	if err != nil {
		return nil, storeFail(err)
	}

	days := make([]DayStats, 0, len(keys))
	for _, key := range keys {
		fields, err := r.store.GetAll(ctx, key)
		if err != nil {
			return nil, storeFail(err)
		}
		days = append(days, DayStats{
			Date:         strings.TrimPrefix(key, statPrefix+":"),
			RequestCount: fields[countPrefix+":"+string(Request)],
			RequestBytes: fields[string(Request)],
			ReplyCount:   fields[countPrefix+":"+string(Reply)],
			ReplyBytes:   fields[string(Reply)],
		})
	}
	// ISO dates sort correctly as strings.
	sort.Slice(days, func(i, j int) bool { return days[i].Date < days[j].Date })
	return days, nil
}

// WriteCSV renders counters in the fixed download format.
func WriteCSV(w io.Writer, days []DayStats) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"date", "count(request)", "request bytes", "count(reply)", "reply bytes"}); err != nil {
		return err
	}
	for _, day := range days {
		record := []string{day.Date, day.RequestCount, day.RequestBytes, day.ReplyCount, day.ReplyBytes}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
