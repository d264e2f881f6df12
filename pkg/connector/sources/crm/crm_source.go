// Package crm implements a SaaS CRM source connector speaking the HubSpot
// style objects API: each stream is an object collection (contacts, deals,
// companies) returned as {results: [...], paging: {next: {after: ...}}}
// envelopes. Records carry flattened properties plus the object id and
// updatedAt stamp, which doubles as the incremental cursor.
package crm

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/strataflow/strataflow/pkg/config"
	"github.com/strataflow/strataflow/pkg/connector/base"
	"github.com/strataflow/strataflow/pkg/connector/core"
	"github.com/strataflow/strataflow/pkg/errors"
	"github.com/strataflow/strataflow/pkg/models"
	"github.com/strataflow/strataflow/pkg/pool"
)

const defaultBaseURL = "https://api.hubapi.com"

// CRMSource implements core.Source for HubSpot-compatible CRM APIs.
type CRMSource struct {
	*base.BaseConnector

	baseURL    string
	batchSize  int
	pageSize   int
	httpClient *http.Client
	limiter    *rate.Limiter

	mu            sync.RWMutex
	isInitialized bool
	recordsRead   int64
}

// objectPage mirrors the CRM list envelope.
type objectPage struct {
	Results []crmObject `json:"results"`
	Paging  *struct {
		Next *struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

type crmObject struct {
	ID         string                 `json:"id"`
	Properties map[string]interface{} `json:"properties"`
	CreatedAt  time.Time              `json:"createdAt"`
	UpdatedAt  time.Time              `json:"updatedAt"`
	Archived   bool                   `json:"archived"`
}

// NewCRMSource creates a new CRM source connector.
func NewCRMSource(cfg *config.ConnectorConfig) (core.Source, error) {
	return &CRMSource{
		BaseConnector: base.NewBaseConnector("crm"),
		baseURL:       defaultBaseURL,
		batchSize:     1000,
		pageSize:      100,
	}, nil
}

// Initialize validates the access token and builds the HTTP client.
func (s *CRMSource) Initialize(ctx context.Context, cfg *config.ConnectorConfig) error {
	if err := s.BaseConnector.Initialize(ctx, cfg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isInitialized {
		return errors.New(errors.ErrorTypeValidation, "source already initialized")
	}

	params := cfg.Connection.Params
	token := params["access_token"]
	if token == "" {
		return errors.New(errors.ErrorTypeConfig, "access_token is required in connection.params")
	}
	if v := params["base_url"]; v != "" {
		s.baseURL = strings.TrimRight(v, "/")
	}
	if v := params["page_size"]; v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size <= 0 || size > 100 {
			return errors.Newf(errors.ErrorTypeConfig, "page_size must be 1-100, got %q", v)
		}
		s.pageSize = size
	}
	if cfg.Performance.BatchSize > 0 {
		s.batchSize = cfg.Performance.BatchSize
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	s.httpClient = oauth2.NewClient(ctx, ts)
	s.httpClient.Timeout = cfg.Timeouts.Request
	if n := cfg.Reliability.RateLimitPerSec; n > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(n), n)
	}
	s.isInitialized = true

	s.GetLogger().Info("CRM source initialized", zap.String("base_url", s.baseURL))
	return nil
}

// TestConnection lists one object from the first configured stream to
// verify credentials and scope.
func (s *CRMSource) TestConnection(ctx context.Context) error {
	s.mu.RLock()
	client := s.httpClient
	s.mu.RUnlock()

	if client == nil {
		return errors.New(errors.ErrorTypeConnection, "HTTP client not initialized")
	}

	streams := s.GetConfig().StreamNames()
	if len(streams) == 0 {
		return errors.New(errors.ErrorTypeConfig, "no streams configured")
	}

	ctx, cancel := context.WithTimeout(ctx, s.GetConfig().ConnectionTimeout())
	defer cancel()

	_, err := s.fetchObjectPage(ctx, streams[0], "", 1)
	return err
}

// GetSchema samples a page of objects and infers property types. CRM
// properties arrive as strings; the id and timestamps get fixed types.
func (s *CRMSource) GetSchema(ctx context.Context, stream string) (*core.Schema, error) {
	page, err := s.fetchObjectPage(ctx, stream, "", 10)
	if err != nil {
		return nil, err
	}
	if len(page.Results) == 0 {
		return nil, errors.Newf(errors.ErrorTypeSchema, "object collection %s returned no sample records", stream)
	}

	fields := []core.Field{
		{Name: "id", Type: core.FieldTypeString, Nullable: false},
		{Name: "createdAt", Type: core.FieldTypeTimestamp, Nullable: false},
		{Name: "updatedAt", Type: core.FieldTypeTimestamp, Nullable: false},
		{Name: "archived", Type: core.FieldTypeBool, Nullable: false},
	}
	for name, value := range page.Results[0].Properties {
		fields = append(fields, core.Field{
			Name:     name,
			Type:     core.InferFieldType(value),
			Nullable: true,
		})
	}

	return &core.Schema{
		Stream:       stream,
		Fields:       fields,
		DiscoveredAt: time.Now(),
	}, nil
}

// Fetch pages through the object collection. The list endpoint has no
// server-side modified-since filter, so incremental runs page everything
// and drop objects at or below the cursor client-side.
func (s *CRMSource) Fetch(ctx context.Context, stream string, cursor core.Cursor) (*core.BatchStream, error) {
	s.mu.RLock()
	if !s.isInitialized {
		s.mu.RUnlock()
		return nil, errors.New(errors.ErrorTypeValidation, "source not initialized")
	}
	s.mu.RUnlock()

	batchChan := make(chan []*models.Record, s.GetConfig().Performance.BufferSize)
	errorChan := make(chan error, 1)

	go func() {
		defer close(batchChan)
		defer close(errorChan)

		if err := s.streamObjects(ctx, stream, cursor, batchChan); err != nil {
			errorChan <- err
		}
	}()

	return &core.BatchStream{
		Batches: batchChan,
		Errors:  errorChan,
	}, nil
}

func (s *CRMSource) streamObjects(ctx context.Context, stream string, cursor core.Cursor, batchChan chan<- []*models.Record) error {
	after := ""
	batch := pool.GetBatchSlice(s.batchSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var page *objectPage
		if err := s.ExecuteWithRetry(ctx, func() error {
			var err error
			page, err = s.fetchObjectPage(ctx, stream, after, s.pageSize)
			return err
		}); err != nil {
			return err
		}

		for _, obj := range page.Results {
			cursorValue := core.CursorValueString(obj.UpdatedAt)
			if !cursor.IsZero() && core.CompareCursors(core.Cursor(cursorValue), cursor) <= 0 {
				continue
			}

			record := models.NewRecord("crm")
			record.Metadata.Stream = stream
			record.SetTimestamp(time.Now())
			record.Metadata.CursorValue = cursorValue
			record.ID = obj.ID
			record.SetData("id", obj.ID)
			record.SetData("createdAt", obj.CreatedAt)
			record.SetData("updatedAt", obj.UpdatedAt)
			record.SetData("archived", obj.Archived)
			for k, v := range obj.Properties {
				record.SetData(k, v)
			}

			batch = append(batch, record)
			s.mu.Lock()
			s.recordsRead++
			s.mu.Unlock()

			if len(batch) >= s.batchSize {
				select {
				case batchChan <- batch:
					batch = pool.GetBatchSlice(s.batchSize)
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}

		if page.Paging == nil || page.Paging.Next == nil || page.Paging.Next.After == "" {
			break
		}
		after = page.Paging.Next.After
	}

	if len(batch) > 0 {
		select {
		case batchChan <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (s *CRMSource) fetchObjectPage(ctx context.Context, stream, after string, limit int) (*objectPage, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "rate limit wait interrupted")
		}
	}

	u := s.baseURL + "/crm/v3/objects/" + url.PathEscape(stream)
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if after != "" {
		q.Set("after", after)
	}
	u += "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "request failed")
	}
	defer resp.Body.Close()

	if err := responseError(resp.StatusCode, stream); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read response body")
	}

	var page objectPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode CRM response")
	}
	return &page, nil
}

func responseError(status int, stream string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.Newf(errors.ErrorTypeAuthentication, "CRM rejected credentials for %s with status %d", stream, status)
	case status == http.StatusNotFound:
		return errors.Newf(errors.ErrorTypeSchema, "object collection %s not found", stream)
	case status == http.StatusTooManyRequests:
		return errors.Newf(errors.ErrorTypeRateLimit, "rate limited while reading %s", stream)
	case status >= 500:
		return errors.Newf(errors.ErrorTypeConnection, "CRM server error %d while reading %s", status, stream)
	default:
		return errors.Newf(errors.ErrorTypeData, "unexpected status %d while reading %s", status, stream)
	}
}

// MaxCursor scans the batch for the highest updatedAt value. Objects come
// back in insertion order, not modification order, so the whole batch is
// scanned.
func (s *CRMSource) MaxCursor(stream string, batch []*models.Record) core.Cursor {
	return core.MaxCursorOfBatch(batch)
}

// SupportsIncremental reports cursor support.
func (s *CRMSource) SupportsIncremental() bool {
	return true
}

// Close releases the HTTP client.
func (s *CRMSource) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpClient != nil {
		s.httpClient.CloseIdleConnections()
		s.httpClient = nil
	}
	s.isInitialized = false

	s.GetLogger().Info("CRM source closed", zap.Int64("records_read", s.recordsRead))
	return s.BaseConnector.Close(ctx)
}
