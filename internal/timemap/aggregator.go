package timemap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/chronosync/internal/events"
	"go.uber.org/zap"
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// ErrInvalidDate indicates a malformed calendar query.
var ErrInvalidDate = errors.New("timemap: invalid date")

// Log is the read side of the event store used for aggregation.
type Log interface {
	AllEvents(ctx context.Context) ([]events.Event, error)
	EventsBetween(ctx context.Context, from, to int64) ([]events.Event, error)
}

// DateRange spans the first and last committed events.
type DateRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Summary is the calendar histogram of the whole log.
type Summary struct {
	Years          []int          `json:"years"`
	PerYearCounts  map[int]int    `json:"perYearCounts"`
	PerMonthCounts map[string]int `json:"perMonthCounts"`
	PerDayCounts   map[string]int `json:"perDayCounts"`
	TotalEvents    int            `json:"totalEvents"`
	DateRange      *DateRange     `json:"dateRange"`
}

// DayDetail lists the events of one calendar day with hourly counts.
type DayDetail struct {
	Date          string         `json:"date"`
	Events        []events.Event `json:"events"`
	PerHourCounts [24]int        `json:"perHourCounts"`
}

type histogram struct {
	lastEventID int64
	total       int
	years       map[int]int
	months      map[string]int
	days        map[string]int
	first       int64
	last        int64
}

func newHistogram() *histogram {
	return &histogram{
		years:  make(map[int]int),
		months: make(map[string]int),
		days:   make(map[string]int),
	}
}

func (h *histogram) add(event events.Event, location *time.Location) {
	if event.ID <= h.lastEventID {
		return
	}
	h.lastEventID = event.ID
	moment := event.Time().In(location)
	h.years[moment.Year()]++
	h.months[moment.Format(monthLayout)]++
	h.days[moment.Format(dayLayout)]++
	if h.total == 0 || event.Timestamp < h.first {
		h.first = event.Timestamp
	}
	if event.Timestamp > h.last {
		h.last = event.Timestamp
	}
	h.total++
}

// Config describes the dependencies of the aggregator.
type Config struct {
	Log      Log
	Location *time.Location
	Logger   *zap.Logger
}

// Aggregator derives calendar and hourly activity from the event log. The
// summary histogram is built lazily and kept current through Observe.
type Aggregator struct {
	log      Log
	location *time.Location
	logger   *zap.Logger

	mu    sync.Mutex
	cache *histogram
}

// NewAggregator constructs the aggregator.
func NewAggregator(cfg Config) (*Aggregator, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("timemap: event log is required")
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{log: cfg.Log, location: location, logger: logger}, nil
}

// Location reports the time zone buckets are computed in.
func (a *Aggregator) Location() *time.Location {
	return a.location
}

// Observe folds a freshly committed event into the cached histogram.
// Events already counted are ignored.
func (a *Aggregator) Observe(event events.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cache == nil {
		return
	}
	a.cache.add(event, a.location)
}

// Invalidate drops the cached histogram; the next query rebuilds it.
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	a.cache = nil
	a.mu.Unlock()
}

// Summary returns per-year, per-month and per-day counts for the whole log.
func (a *Aggregator) Summary(ctx context.Context) (Summary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cache == nil {
		all, err := a.log.AllEvents(ctx)
		if err != nil {
			a.logger.Error("timemap rebuild failed", zap.Error(err))
			return Summary{}, fmt.Errorf("timemap: summary: %w", err)
		}
		cache := newHistogram()
		for _, event := range all {
			cache.add(event, a.location)
		}
		a.cache = cache
	}
	return a.cache.summary(), nil
}

func (h *histogram) summary() Summary {
	summary := Summary{
		Years:          make([]int, 0, len(h.years)),
		PerYearCounts:  make(map[int]int, len(h.years)),
		PerMonthCounts: make(map[string]int, len(h.months)),
		PerDayCounts:   make(map[string]int, len(h.days)),
		TotalEvents:    h.total,
	}
	for year, count := range h.years {
		summary.Years = append(summary.Years, year)
		summary.PerYearCounts[year] = count
	}
	sort.Ints(summary.Years)
	for month, count := range h.months {
		summary.PerMonthCounts[month] = count
	}
	for day, count := range h.days {
		summary.PerDayCounts[day] = count
	}
	if h.total > 0 {
		summary.DateRange = &DateRange{Start: h.first, End: h.last}
	}
	return summary
}

// DayDetail returns the events committed on the calendar day (YYYY-MM-DD).
func (a *Aggregator) DayDetail(ctx context.Context, date string) (DayDetail, error) {
	start, err := time.ParseInLocation(dayLayout, date, a.location)
	if err != nil {
		return DayDetail{}, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	dayEvents, err := a.between(ctx, start, start.AddDate(0, 0, 1))
	if err != nil {
		return DayDetail{}, err
	}
	detail := DayDetail{Date: start.Format(dayLayout), Events: dayEvents}
	for _, event := range dayEvents {
		detail.PerHourCounts[event.Time().In(a.location).Hour()]++
	}
	return detail, nil
}

// EventsInMonth returns the events committed in the calendar month.
func (a *Aggregator) EventsInMonth(ctx context.Context, year int, month time.Month) ([]events.Event, error) {
	if month < time.January || month > time.December {
		return nil, fmt.Errorf("%w: month %d", ErrInvalidDate, month)
	}
	start := time.Date(year, month, 1, 0, 0, 0, 0, a.location)
	return a.between(ctx, start, start.AddDate(0, 1, 0))
}

// EventsInYear returns the events committed in the calendar year.
func (a *Aggregator) EventsInYear(ctx context.Context, year int) ([]events.Event, error) {
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, a.location)
	return a.between(ctx, start, start.AddDate(1, 0, 0))
}

func (a *Aggregator) between(ctx context.Context, from, to time.Time) ([]events.Event, error) {
	result, err := a.log.EventsBetween(ctx, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		a.logger.Error("timemap range query failed",
			zap.Time("from", from),
			zap.Time("to", to),
			zap.Error(err))
		return nil, fmt.Errorf("timemap: range: %w", err)
	}
	if result == nil {
		result = []events.Event{}
	}
	return result, nil
}
