package server

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/chronosync/internal/envelope"
	"github.com/MarcoPoloResearchLab/chronosync/internal/events"
	"github.com/MarcoPoloResearchLab/chronosync/internal/search"
	"github.com/MarcoPoloResearchLab/chronosync/internal/timeline"
	"github.com/MarcoPoloResearchLab/chronosync/internal/timemap"
)

// timemapQuery is a parsed timemap_request, whichever transport carried it.
type timemapQuery struct {
	Action string
	Date   string
	Year   int
	Month  int
	At     timeline.Cut
	From   timeline.Cut
	To     timeline.Cut
}

type searchQuery struct {
	Action  string
	Query   string
	Prefix  string
	Limit   int
	Options search.Options
}

type periodEvents struct {
	Year   int            `json:"year"`
	Month  int            `json:"month,omitempty"`
	Events []events.Event `json:"events"`
}

type searchResults struct {
	Query        string          `json:"query"`
	Results      []search.Result `json:"results"`
	IndexVersion uint64          `json:"indexVersion"`
}

type suggestionResults struct {
	Prefix      string   `json:"prefix"`
	Suggestions []string `json:"suggestions"`
}

func newTimemapQuery(action string, body timemapBody) (timemapQuery, error) {
	query := timemapQuery{Action: action, Date: body.Date, Year: body.Year, Month: body.Month}
	var err error
	switch action {
	case ActionGetState:
		query.At, err = body.cutBody.cut()
	case ActionGetDiff:
		if body.From == nil || body.To == nil {
			return timemapQuery{}, errMissingCut
		}
		if query.From, err = body.From.cut(); err != nil {
			return timemapQuery{}, err
		}
		query.To, err = body.To.cut()
	}
	if err != nil {
		return timemapQuery{}, err
	}
	return query, nil
}

func newSearchQuery(action string, body searchBody) searchQuery {
	query := searchQuery{
		Action: action,
		Query:  body.Query,
		Prefix: body.Prefix,
		Limit:  body.Limit,
		Options: search.Options{
			Limit: body.Limit,
			Type:  body.Type,
		},
	}
	if body.TimeRange != nil {
		query.Options.From = body.TimeRange.From
		query.Options.To = body.TimeRange.To
	}
	return query
}

func (co *Coordinator) runTimemap(ctx context.Context, query timemapQuery) (any, error) {
	switch query.Action {
	case ActionGetMap:
		return co.timemap.Summary(ctx)
	case ActionGetDay:
		return co.timemap.DayDetail(ctx, query.Date)
	case ActionGetMonth:
		monthEvents, err := co.timemap.EventsInMonth(ctx, query.Year, time.Month(query.Month))
		if err != nil {
			return nil, err
		}
		return periodEvents{Year: query.Year, Month: query.Month, Events: monthEvents}, nil
	case ActionGetYear:
		yearEvents, err := co.timemap.EventsInYear(ctx, query.Year)
		if err != nil {
			return nil, err
		}
		return periodEvents{Year: query.Year, Events: yearEvents}, nil
	case ActionGetState:
		return co.timeline.StateAt(ctx, query.At)
	case ActionGetDiff:
		return co.timeline.Diff(ctx, query.From, query.To)
	default:
		return nil, errUnknownAction
	}
}

func (co *Coordinator) runSearch(query searchQuery) (any, error) {
	switch query.Action {
	case ActionGetBundle:
		return co.search.SmartBundle()
	case ActionSearch:
		return searchResults{
			Query:        query.Query,
			Results:      co.search.Search(query.Query, query.Options),
			IndexVersion: co.search.Version(),
		}, nil
	case ActionSuggest:
		return suggestionResults{
			Prefix:      query.Prefix,
			Suggestions: co.search.Suggestions(query.Prefix, query.Limit),
		}, nil
	case ActionStats:
		return co.search.Stats(), nil
	default:
		return nil, errUnknownAction
	}
}

func timemapNeedsBody(action string) bool {
	switch action {
	case ActionGetDay, ActionGetMonth, ActionGetYear, ActionGetDiff:
		return true
	default:
		return false
	}
}

func searchNeedsBody(action string) bool {
	switch action {
	case ActionSearch, ActionSuggest:
		return true
	default:
		return false
	}
}

// isRequestError reports errors caused by the caller's input rather than the server.
func isRequestError(err error) bool {
	return errors.Is(err, errUnknownAction) ||
		errors.Is(err, errAmbiguousCut) ||
		errors.Is(err, errMissingCut) ||
		errors.Is(err, errMalformedMessage) ||
		errors.Is(err, timemap.ErrInvalidDate) ||
		errors.Is(err, envelope.ErrMalformedEnvelope) ||
		errors.Is(err, envelope.ErrEnvelopeTooLarge)
}
