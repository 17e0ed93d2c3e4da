package timemap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/chronosync/internal/events"
)

type memoryLog struct {
	events   []events.Event
	allCalls int
}

func (m *memoryLog) AllEvents(context.Context) ([]events.Event, error) {
	m.allCalls++
	return append([]events.Event(nil), m.events...), nil
}

func (m *memoryLog) EventsBetween(_ context.Context, from, to int64) ([]events.Event, error) {
	var result []events.Event
	for _, event := range m.events {
		if event.Timestamp >= from && event.Timestamp < to {
			result = append(result, event)
		}
	}
	return result, nil
}

func (m *memoryLog) add(moment time.Time) events.Event {
	event := events.Event{
		ID:        int64(len(m.events) + 1),
		Type:      events.TypeTextChange,
		Payload:   events.TextChange{Index: 0, Content: "x"},
		Timestamp: moment.UnixMilli(),
	}
	m.events = append(m.events, event)
	return event
}

func TestSummaryCountsByCalendarBucket(testContext *testing.T) {
	log := &memoryLog{}
	log.add(time.Date(2023, time.December, 31, 23, 30, 0, 0, time.UTC))
	log.add(time.Date(2024, time.March, 5, 9, 0, 0, 0, time.UTC))
	log.add(time.Date(2024, time.March, 5, 17, 0, 0, 0, time.UTC))
	aggregator := mustAggregator(testContext, log, time.UTC)

	summary, err := aggregator.Summary(context.Background())
	if err != nil {
		testContext.Fatalf("summary failed: %v", err)
	}
	if summary.TotalEvents != 3 {
		testContext.Fatalf("expected 3 events, got %d", summary.TotalEvents)
	}
	if len(summary.Years) != 2 || summary.Years[0] != 2023 || summary.Years[1] != 2024 {
		testContext.Fatalf("unexpected years %v", summary.Years)
	}
	if summary.PerMonthCounts["2024-03"] != 2 || summary.PerDayCounts["2024-03-05"] != 2 {
		testContext.Fatalf("unexpected buckets %#v", summary)
	}
	if summary.DateRange == nil || summary.DateRange.Start != log.events[0].Timestamp || summary.DateRange.End != log.events[2].Timestamp {
		testContext.Fatalf("unexpected date range %#v", summary.DateRange)
	}
}

func TestSummaryUsesConfiguredLocation(testContext *testing.T) {
	log := &memoryLog{}
	log.add(time.Date(2023, time.December, 31, 23, 30, 0, 0, time.UTC))
	aggregator := mustAggregator(testContext, log, time.FixedZone("UTC+2", 2*60*60))

	summary, err := aggregator.Summary(context.Background())
	if err != nil {
		testContext.Fatalf("summary failed: %v", err)
	}
	if summary.PerDayCounts["2024-01-01"] != 1 {
		testContext.Fatalf("expected event bucketed into local new year, got %#v", summary.PerDayCounts)
	}
}

func TestObserveUpdatesCacheWithoutRescan(testContext *testing.T) {
	log := &memoryLog{}
	log.add(time.Date(2024, time.May, 1, 8, 0, 0, 0, time.UTC))
	aggregator := mustAggregator(testContext, log, time.UTC)

	if _, err := aggregator.Summary(context.Background()); err != nil {
		testContext.Fatalf("summary failed: %v", err)
	}
	next := log.add(time.Date(2024, time.May, 2, 8, 0, 0, 0, time.UTC))
	aggregator.Observe(next)
	aggregator.Observe(next)

	summary, err := aggregator.Summary(context.Background())
	if err != nil {
		testContext.Fatalf("summary failed: %v", err)
	}
	if summary.TotalEvents != 2 {
		testContext.Fatalf("expected 2 events after observe, got %d", summary.TotalEvents)
	}
	if log.allCalls != 1 {
		testContext.Fatalf("expected a single full scan, got %d", log.allCalls)
	}

	aggregator.Invalidate()
	if _, err := aggregator.Summary(context.Background()); err != nil {
		testContext.Fatalf("summary failed: %v", err)
	}
	if log.allCalls != 2 {
		testContext.Fatalf("expected rebuild after invalidate, got %d scans", log.allCalls)
	}
}

func TestDayDetailAndRanges(testContext *testing.T) {
	log := &memoryLog{}
	log.add(time.Date(2024, time.March, 4, 23, 59, 0, 0, time.UTC))
	log.add(time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC))
	log.add(time.Date(2024, time.March, 5, 13, 15, 0, 0, time.UTC))
	log.add(time.Date(2024, time.March, 5, 13, 45, 0, 0, time.UTC))
	log.add(time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC))
	log.add(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC))
	aggregator := mustAggregator(testContext, log, time.UTC)

	detail, err := aggregator.DayDetail(context.Background(), "2024-03-05")
	if err != nil {
		testContext.Fatalf("day detail failed: %v", err)
	}
	if len(detail.Events) != 3 || detail.PerHourCounts[0] != 1 || detail.PerHourCounts[13] != 2 {
		testContext.Fatalf("unexpected day detail %#v", detail)
	}

	month, err := aggregator.EventsInMonth(context.Background(), 2024, time.March)
	if err != nil {
		testContext.Fatalf("events in month failed: %v", err)
	}
	if len(month) != 4 {
		testContext.Fatalf("expected 4 events in March, got %d", len(month))
	}

	year, err := aggregator.EventsInYear(context.Background(), 2024)
	if err != nil {
		testContext.Fatalf("events in year failed: %v", err)
	}
	if len(year) != 5 {
		testContext.Fatalf("expected 5 events in 2024, got %d", len(year))
	}

	if _, err := aggregator.DayDetail(context.Background(), "March 5"); !errors.Is(err, ErrInvalidDate) {
		testContext.Fatalf("expected invalid date error, got %v", err)
	}
	if _, err := aggregator.EventsInMonth(context.Background(), 2024, 13); !errors.Is(err, ErrInvalidDate) {
		testContext.Fatalf("expected invalid month error, got %v", err)
	}
}

func TestEmptyLogSummary(testContext *testing.T) {
	aggregator := mustAggregator(testContext, &memoryLog{}, nil)
	summary, err := aggregator.Summary(context.Background())
	if err != nil {
		testContext.Fatalf("summary failed: %v", err)
	}
	if summary.TotalEvents != 0 || summary.DateRange != nil || len(summary.Years) != 0 {
		testContext.Fatalf("unexpected empty summary %#v", summary)
	}
}

func mustAggregator(testContext *testing.T, log Log, location *time.Location) *Aggregator {
	testContext.Helper()
	aggregator, err := NewAggregator(Config{Log: log, Location: location})
	if err != nil {
		testContext.Fatalf("failed to create aggregator: %v", err)
	}
	return aggregator
}
