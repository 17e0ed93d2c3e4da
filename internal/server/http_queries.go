package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/chronosync/internal/search"
	"github.com/MarcoPoloResearchLab/chronosync/internal/timeline"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleTimemapSummary(c *gin.Context) {
	h.serveTimemap(c, timemapQuery{Action: ActionGetMap})
}

func (h *httpHandler) handleTimemapDay(c *gin.Context) {
	h.serveTimemap(c, timemapQuery{Action: ActionGetDay, Date: c.Param("date")})
}

func (h *httpHandler) handleTimemapMonth(c *gin.Context) {
	year, yearErr := strconv.Atoi(c.Param("year"))
	month, monthErr := strconv.Atoi(c.Param("month"))
	if yearErr != nil || monthErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date"})
		return
	}
	h.serveTimemap(c, timemapQuery{Action: ActionGetMonth, Year: year, Month: month})
}

func (h *httpHandler) handleTimemapYear(c *gin.Context) {
	year, err := strconv.Atoi(c.Param("year"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date"})
		return
	}
	h.serveTimemap(c, timemapQuery{Action: ActionGetYear, Year: year})
}

func (h *httpHandler) handleState(c *gin.Context) {
	cut, err := cutFromQuery(c, "eventId", "timestamp")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.serveTimemap(c, timemapQuery{Action: ActionGetState, At: cut})
}

func (h *httpHandler) handleDiff(c *gin.Context) {
	from, err := cutFromQuery(c, "fromEventId", "fromTimestamp")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	to, err := cutFromQuery(c, "toEventId", "toTimestamp")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.serveTimemap(c, timemapQuery{Action: ActionGetDiff, From: from, To: to})
}

func (h *httpHandler) serveTimemap(c *gin.Context, query timemapQuery) {
	data, err := h.coordinator.runTimemap(c.Request.Context(), query)
	if err != nil {
		status := errorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("timemap query failed", zap.String("action", query.Action), zap.Error(err))
			c.JSON(status, gin.H{"error": "query_failed"})
			return
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, data)
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	limit, limitErr := queryInt64(c, "limit")
	from, fromErr := queryInt64(c, "from")
	to, toErr := queryInt64(c, "to")
	if limitErr != nil || fromErr != nil || toErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.serveSearch(c, searchQuery{
		Action: ActionSearch,
		Query:  c.Query("q"),
		Limit:  int(limit),
		Options: search.Options{
			Limit: int(limit),
			From:  from,
			To:    to,
			Type:  search.DocumentType(c.Query("type")),
		},
	})
}

func (h *httpHandler) handleSearchBundle(c *gin.Context) {
	h.serveSearch(c, searchQuery{Action: ActionGetBundle})
}

func (h *httpHandler) handleSearchSuggest(c *gin.Context) {
	limit, err := queryInt64(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.serveSearch(c, searchQuery{Action: ActionSuggest, Prefix: c.Query("prefix"), Limit: int(limit)})
}

func (h *httpHandler) handleSearchStats(c *gin.Context) {
	h.serveSearch(c, searchQuery{Action: ActionStats})
}

func (h *httpHandler) serveSearch(c *gin.Context, query searchQuery) {
	data, err := h.coordinator.runSearch(query)
	if err != nil {
		h.logger.Error("search query failed", zap.String("action", query.Action), zap.Error(err))
		c.JSON(errorStatus(err), gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, data)
}

func cutFromQuery(c *gin.Context, eventKey, timeKey string) (timeline.Cut, error) {
	var body cutBody
	if raw, ok := c.GetQuery(eventKey); ok {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return timeline.Cut{}, fmt.Errorf("invalid %s", eventKey)
		}
		body.EventID = &value
	}
	if raw, ok := c.GetQuery(timeKey); ok {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return timeline.Cut{}, fmt.Errorf("invalid %s", timeKey)
		}
		body.Timestamp = &value
	}
	return body.cut()
}

func queryInt64(c *gin.Context, key string) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
