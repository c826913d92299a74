package management

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"dutyassign/internal/assignment"
	"dutyassign/internal/audit"
	"dutyassign/internal/constants"
	"dutyassign/pkg/errors"
	"dutyassign/pkg/models"
)

type RunResponse struct {
	Result *assignment.Result         `json:"result"`
	Events []assignment.ProgressEvent `json:"events,omitempty"`
}

// ListHistory godoc
// @Summary      List owner changes
// @Tags         history
// @Produce      json
// @Param        entity_type  query     string  false  "deal, contact, company or lead"
// @Param        entity_id    query     int     false  "Entity ID"
// @Param        source       query     string  false  "scheduled, webhook or manual"
// @Param        rule_id      query     int     false  "Rule ID"
// @Param        from         query     string  false  "From date (YYYY-MM-DD)"
// @Param        to           query     string  false  "To date (YYYY-MM-DD), inclusive"
// @Param        limit        query     int     false  "Page size (1-1000)" default(100)
// @Param        offset       query     int     false  "Offset"
// @Success      200          {object}  HistoryResponse
// @Failure      400          {object}  errors.ErrorResponse
// @Router       /history [get]
func (h *Handler) ListHistory(c *gin.Context) {
	filter, err := h.parseHistoryFilter(c)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	entries, err := h.history.List(c.Request.Context(), filter)
	if err != nil {
		h.HandleError(c, errors.Wrap(err, errors.ErrInternal))
		return
	}
	total, err := h.history.Count(c.Request.Context(), filter)
	if err != nil {
		h.HandleError(c, errors.Wrap(err, errors.ErrInternal))
		return
	}
	c.JSON(http.StatusOK, HistoryResponse{Items: entries, Total: total})
}

// CountHistory godoc
// @Summary      Count owner changes
// @Tags         history
// @Produce      json
// @Param        entity_type  query     string  false  "deal, contact, company or lead"
// @Param        source       query     string  false  "scheduled, webhook or manual"
// @Param        rule_id      query     int     false  "Rule ID"
// @Param        from         query     string  false  "From date (YYYY-MM-DD)"
// @Param        to           query     string  false  "To date (YYYY-MM-DD), inclusive"
// @Success      200          {object}  map[string]int
// @Router       /history/count [get]
func (h *Handler) CountHistory(c *gin.Context) {
	filter, err := h.parseHistoryFilter(c)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	total, err := h.history.Count(c.Request.Context(), filter)
	if err != nil {
		h.HandleError(c, errors.Wrap(err, errors.ErrInternal))
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": total})
}

// UpdateNow godoc
// @Summary      Reassign owners for a date now
// @Description  Runs every enabled rule as a manual run. With progress set the response also carries the progress events.
// @Tags         runs
// @Accept       json
// @Produce      json
// @Param        body  body      RunRequest  false  "Date (defaults to today) and progress flag"
// @Success      200   {object}  RunResponse
// @Failure      409   {object}  errors.ErrorResponse
// @Router       /runs/update-now [post]
func (h *Handler) UpdateNow(c *gin.Context) {
	var req RunRequest
	if c.Request.ContentLength > 0 && !h.bind(c, &req) {
		return
	}
	date, err := h.runDate(req.Date)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	ctx := c.Request.Context()
	if !req.Progress {
		result, err := h.runner.RunForDate(ctx, date, models.SourceManual, nil)
		if err != nil {
			h.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, RunResponse{Result: result})
		return
	}

	reporter := assignment.NewReporter(h.progress.ProgressBuffer, h.progress.ProgressSendTimeout)
	var (
		result *assignment.Result
		runErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, runErr = h.runner.RunForDate(ctx, date, models.SourceManual, reporter)
	}()

	events, collectErr := reporter.Collect(ctx, h.progress.ProgressReceiveTimeout)
	<-done

	if runErr != nil {
		h.HandleError(c, runErr)
		return
	}
	if collectErr != nil {
		h.Logger.WarnwCtx(ctx, "Progress collection stopped early", "error", collectErr)
	}
	c.JSON(http.StatusOK, RunResponse{Result: result, Events: events})
}

// CountChanges godoc
// @Summary      Count the records a run would reassign
// @Tags         runs
// @Produce      json
// @Param        date  query     string  false  "Date (YYYY-MM-DD), defaults to today"
// @Success      200   {object}  assignment.CountResult
// @Router       /runs/count [get]
func (h *Handler) CountChanges(c *gin.Context) {
	date, err := h.runDate(c.Query("date"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	result, err := h.runner.Count(c.Request.Context(), date)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// PreviewChanges godoc
// @Summary      List the records a run would reassign
// @Description  Includes cascaded contacts and companies
// @Tags         runs
// @Produce      json
// @Param        date  query     string  false  "Date (YYYY-MM-DD), defaults to today"
// @Success      200   {object}  assignment.PreviewResult
// @Router       /runs/preview [get]
func (h *Handler) PreviewChanges(c *gin.Context) {
	date, err := h.runDate(c.Query("date"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	result, err := h.runner.Preview(c.Request.Context(), date)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) runDate(s string) (time.Time, error) {
	if s == "" {
		return h.runner.Today(), nil
	}
	date, err := time.ParseInLocation(constants.DateLayout, s, h.location)
	if err != nil {
		return time.Time{}, errors.ErrValidation.WithCause(err).WithDetail("message", "date must be YYYY-MM-DD")
	}
	return date, nil
}

// parseHistoryFilter reads from/to as calendar days in the handler's zone;
// to is inclusive.
func (h *Handler) parseHistoryFilter(c *gin.Context) (audit.Filter, error) {
	filter := audit.Filter{
		EntityType: c.Query("entity_type"),
		Source:     c.Query("source"),
		Limit:      parseLimit(c.Query("limit")),
	}

	if v := c.Query("entity_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return filter, errors.ErrValidation.WithDetail("message", "entity_id must be an integer")
		}
		filter.EntityID = &id
	}
	if v := c.Query("rule_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return filter, errors.ErrValidation.WithDetail("message", "rule_id must be an integer")
		}
		filter.RuleID = &id
	}
	if v := c.Query("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return filter, errors.ErrValidation.WithDetail("message", "offset must be a non-negative integer")
		}
		filter.Offset = offset
	}
	if v := c.Query("from"); v != "" {
		from, err := time.ParseInLocation(constants.DateLayout, v, h.location)
		if err != nil {
			return filter, errors.ErrValidation.WithDetail("message", "from must be YYYY-MM-DD")
		}
		filter.From = &from
	}
	if v := c.Query("to"); v != "" {
		to, err := time.ParseInLocation(constants.DateLayout, v, h.location)
		if err != nil {
			return filter, errors.ErrValidation.WithDetail("message", "to must be YYYY-MM-DD")
		}
		end := to.AddDate(0, 0, 1)
		filter.To = &end
	}

	switch filter.Source {
	case "", models.SourceScheduled, models.SourceWebhook, models.SourceManual:
	default:
		return filter, errors.ErrValidation.WithDetail("message", "source must be scheduled, webhook or manual")
	}
	return filter, nil
}
