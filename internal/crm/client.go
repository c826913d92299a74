// Package crm is a Bitrix24 REST client for the entities and users the
// assignment flow touches.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"dutyassign/internal/config"
	"dutyassign/internal/constants"
	"dutyassign/internal/logger"
	"dutyassign/internal/rules"
	"dutyassign/pkg/circuitbreaker"
	"dutyassign/pkg/metrics"
	"dutyassign/pkg/retry"
	"dutyassign/pkg/tracing"
)

type Client struct {
	baseURL   string
	http      *http.Client
	limiter   *rate.Limiter
	policy    retry.Policy
	batchSize int
	cb        *circuitbreaker.Wrapper
	logger    logger.Logger
}

type ClientOption func(*Client)

func WithCircuitBreaker(cfg config.CircuitBreakerConfig) ClientOption {
	return func(c *Client) {
		if !cfg.Enabled {
			return
		}
		cbConfig := circuitbreaker.DefaultConfig("crm")
		if cfg.MaxRequests > 0 {
			cbConfig.MaxRequests = cfg.MaxRequests
		}
		if cfg.Interval > 0 {
			cbConfig.Interval = cfg.Interval
		}
		if cfg.Timeout > 0 {
			cbConfig.Timeout = cfg.Timeout
		}
		if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
			cbConfig.ReadyToTrip = func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.MinRequests {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
			}
		}
		c.cb = circuitbreaker.NewWrapper(cbConfig)
	}
}

func NewClient(cfg config.CRMConfig, log logger.Logger, opts ...ClientOption) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("crm base_url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid crm base_url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultHTTPTimeout
	}

	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 || batchSize > constants.CRMBatchLimit {
		batchSize = constants.CRMBatchLimit
	}

	policy := retry.DefaultPolicy()
	if cfg.Retry.MaxAttempts > 0 {
		policy = retry.Policy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			Multiplier:      cfg.Retry.Multiplier,
			MaxElapsedTime:  cfg.Retry.MaxElapsedTime,
		}
	}

	c := &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		http:      &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(limit, burst),
		policy:    policy,
		batchSize: batchSize,
		logger:    log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BreakerState is "disabled" when no circuit breaker is configured.
func (c *Client) BreakerState() string {
	if c.cb == nil {
		return "disabled"
	}
	return c.cb.State().String()
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	ctx, span := tracing.GetTracer("crm-client").Start(ctx, "crm."+method)
	defer span.End()

	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode %s params: %w", method, err)
	}

	return retry.Retry(ctx, c.policy, func() error {
		if c.cb == nil {
			return c.do(ctx, method, body, out)
		}
		_, err := c.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
			return nil, c.do(ctx, method, body, out)
		})
		c.cb.RecordRequest(err == nil)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return retry.NewFatalError(fmt.Errorf("circuit breaker is open for crm: %w", err))
		}
		return err
	})
}

func (c *Client) do(ctx context.Context, method string, body []byte, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return retry.NewFatalError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method+".json", bytes.NewReader(body))
	if err != nil {
		return retry.NewFatalError(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveCRMRequest(method, "error", time.Since(start))
		if ctx.Err() != nil {
			return retry.NewFatalError(ctx.Err())
		}
		return fmt.Errorf("crm request %s failed: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	metrics.ObserveCRMRequest(method, strconv.Itoa(resp.StatusCode), time.Since(start))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var apiErr APIError
	_ = json.Unmarshal(data, &apiErr)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("crm %s returned status %d", method, resp.StatusCode)
	case apiErr.Code == "QUERY_LIMIT_EXCEEDED":
		return &apiErr
	case apiErr.Code != "":
		return retry.NewFatalError(&apiErr)
	case resp.StatusCode < constants.HTTPStatusOKMin || resp.StatusCode >= constants.HTTPStatusOKMax:
		return retry.NewFatalError(fmt.Errorf("crm %s returned status %d", method, resp.StatusCode))
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return retry.NewFatalError(fmt.Errorf("failed to decode %s response: %w", method, err))
	}
	return nil
}

// List fetches every page of crm.<entity>.list ordered by ID.
func (c *Client) List(ctx context.Context, entityType string, selectFields []string, filter map[string]interface{}) ([]rules.Record, error) {
	if len(selectFields) == 0 {
		selectFields = []string{"ID", rules.FieldAssignedBy}
	}

	method := fmt.Sprintf("crm.%s.list", entityType)
	records := make([]rules.Record, 0)
	start := 0

	for {
		params := map[string]interface{}{
			"select": selectFields,
			"order":  map[string]string{"ID": "ASC"},
			"start":  start,
		}
		if len(filter) > 0 {
			params["filter"] = filter
		}

		var resp response
		if err := c.call(ctx, method, params, &resp); err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", entityType, err)
		}

		var page []map[string]interface{}
		if err := decodeNumbers(resp.Result, &page); err != nil {
			return nil, fmt.Errorf("failed to decode %s page: %w", entityType, err)
		}
		for _, fields := range page {
			records = append(records, rules.NewRecord(fields))
		}

		if resp.Next == nil || *resp.Next <= start {
			break
		}
		start = *resp.Next
	}

	c.logger.DebugwCtx(ctx, "Listed CRM entities",
		"entity_type", entityType,
		"count", len(records),
	)
	return records, nil
}

// Get returns nil when the entity does not exist.
func (c *Client) Get(ctx context.Context, entityType string, id int64, selectFields []string) (*rules.Record, error) {
	records, err := c.List(ctx, entityType, selectFields, map[string]interface{}{"ID": id})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// ListByIDs fetches entities in chunks keyed by id.
func (c *Client) ListByIDs(ctx context.Context, entityType string, ids []int64, selectFields []string) (map[int64]rules.Record, error) {
	out := make(map[int64]rules.Record, len(ids))
	for _, chunk := range chunkIDs(ids, c.batchSize) {
		records, err := c.List(ctx, entityType, selectFields, map[string]interface{}{"@ID": chunk})
		if err != nil {
			return out, err
		}
		for _, r := range records {
			if id, ok := r.GetInt("ID"); ok {
				out[id] = r
			}
		}
	}
	return out, nil
}

func (c *Client) GetRelatedContacts(ctx context.Context, dealID int64) ([]int64, error) {
	var resp response
	if err := c.call(ctx, "crm.deal.contact.items.get", map[string]interface{}{"id": dealID}, &resp); err != nil {
		return nil, fmt.Errorf("failed to get contacts of deal %d: %w", dealID, err)
	}

	var items []map[string]interface{}
	if err := decodeNumbers(resp.Result, &items); err != nil {
		return nil, fmt.Errorf("failed to decode contacts of deal %d: %w", dealID, err)
	}

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		if id, ok := rules.NewRecord(item).GetInt("CONTACT_ID"); ok && id > 0 {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// GetRelatedCompany returns ok=false when the deal has no company.
func (c *Client) GetRelatedCompany(ctx context.Context, dealID int64) (int64, bool, error) {
	deal, err := c.Get(ctx, "deal", dealID, []string{"ID", "COMPANY_ID"})
	if err != nil || deal == nil {
		return 0, false, err
	}
	id, ok := deal.GetInt("COMPANY_ID")
	return id, ok && id > 0, nil
}

// GetRelatedCompanies maps each deal with a company to its company id.
func (c *Client) GetRelatedCompanies(ctx context.Context, dealIDs []int64) (map[int64]int64, error) {
	deals, err := c.ListByIDs(ctx, "deal", dealIDs, []string{"ID", "COMPANY_ID"})
	if err != nil {
		return nil, err
	}
	out := make(map[int64]int64, len(deals))
	for id, deal := range deals {
		if companyID, ok := deal.GetInt("COMPANY_ID"); ok && companyID > 0 {
			out[id] = companyID
		}
	}
	return out, nil
}

// BatchUpdate sends updates through batch.json in chunks. A transport
// failure stops at the failing chunk; earlier chunks stay in the result.
func (c *Client) BatchUpdate(ctx context.Context, entityType string, updates []Update) (BatchResult, error) {
	var result BatchResult
	method := fmt.Sprintf("crm.%s.update", entityType)

	for start := 0; start < len(updates); start += c.batchSize {
		end := start + c.batchSize
		if end > len(updates) {
			end = len(updates)
		}

		chunk, err := c.batchChunk(ctx, method, updates[start:end])
		result = result.merge(chunk)
		if err != nil {
			return result, fmt.Errorf("failed to update %s batch: %w", entityType, err)
		}
	}
	return result, nil
}

func (c *Client) batchChunk(ctx context.Context, method string, updates []Update) (BatchResult, error) {
	cmd := make(map[string]string, len(updates))
	byKey := make(map[string]int64, len(updates))
	for _, u := range updates {
		key := "u" + strconv.FormatInt(u.ID, 10)
		values := url.Values{}
		values.Set("id", strconv.FormatInt(u.ID, 10))
		for field, value := range u.Fields {
			values.Set("fields["+field+"]", rules.Normalize(value))
		}
		cmd[key] = method + "?" + values.Encode()
		byKey[key] = u.ID
	}

	var resp response
	if err := c.call(ctx, "batch", map[string]interface{}{"halt": 0, "cmd": cmd}, &resp); err != nil {
		return BatchResult{}, err
	}

	var inner batchResponse
	if err := json.Unmarshal(resp.Result, &inner); err != nil {
		return BatchResult{}, fmt.Errorf("failed to decode batch response: %w", err)
	}

	var results map[string]json.RawMessage
	if err := objectOrEmpty(inner.Result, &results); err != nil {
		return BatchResult{}, fmt.Errorf("failed to decode batch results: %w", err)
	}
	var failures map[string]APIError
	if err := objectOrEmpty(inner.ResultError, &failures); err != nil {
		return BatchResult{}, fmt.Errorf("failed to decode batch errors: %w", err)
	}

	out := BatchResult{}
	for _, u := range updates {
		key := "u" + strconv.FormatInt(u.ID, 10)
		if apiErr, failed := failures[key]; failed {
			if out.Failed == nil {
				out.Failed = make(map[int64]string)
			}
			out.Failed[u.ID] = apiErr.Error()
			continue
		}
		if raw, ok := results[key]; ok && strings.TrimSpace(string(raw)) != "false" {
			out.Updated = append(out.Updated, u.ID)
			continue
		}
		if out.Failed == nil {
			out.Failed = make(map[int64]string)
		}
		out.Failed[u.ID] = "no result"
	}
	return out, nil
}

// ListUsers pages through user.get.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	users := make([]User, 0)
	start := 0

	for {
		var resp response
		if err := c.call(ctx, "user.get", map[string]interface{}{"start": start}, &resp); err != nil {
			return nil, fmt.Errorf("failed to list users: %w", err)
		}

		var page []map[string]interface{}
		if err := decodeNumbers(resp.Result, &page); err != nil {
			return nil, fmt.Errorf("failed to decode users: %w", err)
		}
		for _, fields := range page {
			r := rules.NewRecord(fields)
			id, ok := r.GetInt("ID")
			if !ok {
				continue
			}
			users = append(users, User{
				ID:       id,
				Name:     r.GetString("NAME"),
				LastName: r.GetString("LAST_NAME"),
				Email:    r.GetString("EMAIL"),
				Active:   parseActive(fields["ACTIVE"]),
			})
		}

		if resp.Next == nil || *resp.Next <= start {
			break
		}
		start = *resp.Next
	}
	return users, nil
}

// Ping checks that the webhook answers. A failure carries the breaker state
// and counts so the health report shows how far the breaker is from opening.
func (c *Client) Ping(ctx context.Context) error {
	var resp response
	err := c.call(ctx, "profile", map[string]interface{}{}, &resp)
	if err == nil || c.cb == nil {
		return err
	}
	counts := c.cb.Counts()
	return fmt.Errorf("%w (breaker %s: %d/%d requests failed, %d consecutive)",
		err, c.BreakerState(), counts.TotalFailures, counts.Requests, counts.ConsecutiveFailures)
}

func decodeNumbers(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	return decoder.Decode(out)
}

func chunkIDs(ids []int64, size int) [][]int64 {
	chunks := make([][]int64, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
