package api

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/finance-importer/internal/config"
	"github.com/finance-importer/internal/errors"
	"github.com/finance-importer/internal/importer"
	"github.com/finance-importer/internal/models"
	"github.com/finance-importer/internal/queue"
	"github.com/finance-importer/internal/service"
	"github.com/finance-importer/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockImportService struct {
	submitFunc  func(ctx context.Context, userID string, req service.SubmitRequest) (*models.ImportJob, error)
	getFunc     func(ctx context.Context, userID, jobID string) (*models.ImportJobView, error)
	listFunc    func(ctx context.Context, userID string) ([]*models.ImportJobView, error)
	deleteFunc  func(ctx context.Context, userID, jobID string) error
	previewFunc func(ctx context.Context, csvData string, rows int) (*importer.PreviewResult, error)
}

func (m *mockImportService) Submit(ctx context.Context, userID string, req service.SubmitRequest) (*models.ImportJob, error) {
	if m.submitFunc != nil {
		return m.submitFunc(ctx, userID, req)
	}
	return &models.ImportJob{ID: "job-123", UserID: userID, Filename: req.Filename, Status: types.ImportStatusPending}, nil
}

func (m *mockImportService) GetJob(ctx context.Context, userID, jobID string) (*models.ImportJobView, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, userID, jobID)
	}
	return nil, nil
}

func (m *mockImportService) ListJobs(ctx context.Context, userID string) ([]*models.ImportJobView, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, userID)
	}
	return nil, nil
}

func (m *mockImportService) DeleteJob(ctx context.Context, userID, jobID string) error {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, userID, jobID)
	}
	return nil
}

func (m *mockImportService) Preview(ctx context.Context, csvData string, rows int) (*importer.PreviewResult, error) {
	if m.previewFunc != nil {
		return m.previewFunc(ctx, csvData, rows)
	}
	return importer.Preview([]byte(csvData), rows)
}

func createTestServer(svc ImportServiceInterface, checks map[string]HealthCheck) *Server {
	return NewServer(&ServerConfig{
		Host:             "localhost",
		Port:             "0",
		MaxBodyBytes:     1 << 20,
		SubmitsPerMinute: 60,
		SubmitBurst:      2,
	}, svc, checks)
}

func doRequest(t *testing.T, s *Server, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ServiceError {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestHealth(t *testing.T) {
	s := createTestServer(&mockImportService{}, map[string]HealthCheck{
		"postgres": func(ctx context.Context) error { return nil },
	})
	w := doRequest(t, s, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)

	s = createTestServer(&mockImportService{}, map[string]HealthCheck{
		"redis": func(ctx context.Context) error { return stderrors.New("dial tcp: connection refused") },
	})
	w = doRequest(t, s, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestSubmitImport_Accepted(t *testing.T) {
	var gotUser string
	var gotReq service.SubmitRequest
	svc := &mockImportService{
		submitFunc: func(ctx context.Context, userID string, req service.SubmitRequest) (*models.ImportJob, error) {
			gotUser, gotReq = userID, req
			return &models.ImportJob{ID: "job-123", Status: types.ImportStatusPending}, nil
		},
	}
	s := createTestServer(svc, nil)

	w := doRequest(t, s, "POST", "/api/imports", "user-1", map[string]interface{}{
		"filename": "enero.csv",
		"csvData":  "Fecha,Monto\n2024-01-15,10\n",
		"mapping":  map[string]string{"date": "Fecha", "amount": "Monto"},
	})

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp SubmitImportResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, SubmitImportResponse{JobID: "job-123", Status: "PENDING"}, resp)
	assert.Equal(t, "/api/imports/job-123", w.Header().Get("Location"))
	assert.Equal(t, "user-1", gotUser)
	assert.Equal(t, "Fecha", gotReq.Mapping.Date)
	assert.Equal(t, "enero.csv", gotReq.Filename)
}

func TestSubmitImport_RequiresUser(t *testing.T) {
	s := createTestServer(&mockImportService{}, nil)
	w := doRequest(t, s, "POST", "/api/imports", "", map[string]string{"csvData": "a"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, ErrCodeUnauthorized, decodeError(t, w).Code)
}

func TestSubmitImport_InvalidBody(t *testing.T) {
	s := createTestServer(&mockImportService{}, nil)

	w := doRequest(t, s, "POST", "/api/imports", "user-1", "not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, s, "POST", "/api/imports", "user-1", map[string]string{"unknown": "field"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitImport_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid mapping", errors.NewInvalidMappingError("amount"), http.StatusBadRequest, "INVALID_MAPPING"},
		{"too large", errors.NewPayloadTooLargeError(20, 10), http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
		{"queue down", errors.NewQueueError("enqueue", stderrors.New("EOF")), http.StatusServiceUnavailable, "QUEUE_ERROR"},
		{"database", errors.NewDatabaseError("create import job", stderrors.New("timeout")), http.StatusInternalServerError, "DATABASE_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockImportService{
				submitFunc: func(ctx context.Context, userID string, req service.SubmitRequest) (*models.ImportJob, error) {
					return nil, tt.err
				},
			}
			s := createTestServer(svc, nil)

			w := doRequest(t, s, "POST", "/api/imports", "user-1", map[string]string{"csvData": "x"})
			assert.Equal(t, tt.wantStatus, w.Code)
			got := decodeError(t, w)
			assert.Equal(t, tt.wantCode, got.Code)
			if tt.wantStatus >= 500 {
				assert.NotContains(t, got.Message, "timeout")
			}
		})
	}
}

func TestSubmitImport_BodyTooLarge(t *testing.T) {
	s := NewServer(&ServerConfig{MaxBodyBytes: 64}, &mockImportService{}, nil)

	w := doRequest(t, s, "POST", "/api/imports", "user-1", map[string]string{"csvData": strings.Repeat("a", 200)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, ErrCodePayloadTooLarge, decodeError(t, w).Code)
}

func TestSubmitImport_RateLimitedPerUser(t *testing.T) {
	s := createTestServer(&mockImportService{}, nil)
	body := map[string]string{"csvData": "x"}

	assert.Equal(t, http.StatusAccepted, doRequest(t, s, "POST", "/api/imports", "user-1", body).Code)
	assert.Equal(t, http.StatusAccepted, doRequest(t, s, "POST", "/api/imports", "user-1", body).Code)

	w := doRequest(t, s, "POST", "/api/imports", "user-1", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", decodeError(t, w).Code)

	assert.Equal(t, http.StatusAccepted, doRequest(t, s, "POST", "/api/imports", "user-2", body).Code)

	// reads are not throttled
	assert.Equal(t, http.StatusOK, doRequest(t, s, "GET", "/api/imports", "user-1", nil).Code)
}

func TestGetImport(t *testing.T) {
	svc := &mockImportService{
		getFunc: func(ctx context.Context, userID, jobID string) (*models.ImportJobView, error) {
			if jobID != "job-123" || userID != "user-1" {
				return nil, nil
			}
			return &models.ImportJobView{
				ImportJob:  models.ImportJob{ID: jobID, Status: types.ImportStatusProcessing, TotalRows: 4, ProcessedRows: 1},
				Progress:   50,
				QueueState: "active",
			}, nil
		},
	}
	s := createTestServer(svc, nil)

	w := doRequest(t, s, "GET", "/api/imports/job-123", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "PROCESSING", view["status"])
	assert.Equal(t, float64(50), view["progress"])
	assert.Equal(t, "active", view["queueState"])

	w = doRequest(t, s, "GET", "/api/imports/job-123", "user-2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// uuidColumnRepo rejects every lookup the way Postgres rejects a malformed UUID
type uuidColumnRepo struct {
	service.JobRepository
}

func (uuidColumnRepo) GetForUser(ctx context.Context, jobID, userID string) (*models.ImportJob, error) {
	return nil, errors.NewDatabaseError("get import job", stderrors.New("invalid input syntax for type uuid"))
}

func (uuidColumnRepo) DeleteForUser(ctx context.Context, jobID, userID string) (bool, error) {
	return false, errors.NewDatabaseError("delete import job", stderrors.New("invalid input syntax for type uuid"))
}

func TestImportByMalformedID_NotFound(t *testing.T) {
	svc := service.NewImportService(uuidColumnRepo{}, queue.NewMemoryQueue(queue.DefaultPolicy()), config.ImportConfig{})
	s := createTestServer(svc, nil)

	w := doRequest(t, s, "GET", "/api/imports/not-a-uuid", "user-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, w).Code)

	w = doRequest(t, s, "DELETE", "/api/imports/not-a-uuid", "user-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, w).Code)
}

func TestListImports_EmptyIsArray(t *testing.T) {
	s := createTestServer(&mockImportService{}, nil)

	w := doRequest(t, s, "GET", "/api/imports", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"jobs":[]}`, w.Body.String())
}

func TestDeleteImport(t *testing.T) {
	svc := &mockImportService{
		deleteFunc: func(ctx context.Context, userID, jobID string) error {
			if jobID == "job-123" {
				return nil
			}
			return errors.NewNotFoundError("import job", jobID)
		},
	}
	s := createTestServer(svc, nil)

	assert.Equal(t, http.StatusNoContent, doRequest(t, s, "DELETE", "/api/imports/job-123", "user-1", nil).Code)

	w := doRequest(t, s, "DELETE", "/api/imports/other", "user-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, w).Code)
}

func TestPreviewImport(t *testing.T) {
	s := createTestServer(&mockImportService{}, nil)

	w := doRequest(t, s, "POST", "/api/imports/preview", "user-1", PreviewImportRequest{
		CSVData: "Fecha,Monto,Descripción\n2024-01-15,-500,Super\n2024-01-16,20,Bar\n",
		Rows:    1,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var preview importer.PreviewResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &preview))
	assert.Equal(t, []string{"Fecha", "Monto", "Descripción"}, preview.Headers)
	assert.Len(t, preview.Rows, 1)
	assert.Equal(t, 2, preview.TotalRows)
	assert.Equal(t, "Fecha", preview.Mapping.Date)
	assert.Equal(t, "Monto", preview.Mapping.Amount)
	assert.Equal(t, "Descripción", preview.Mapping.Description)

	w = doRequest(t, s, "POST", "/api/imports/preview", "user-1", PreviewImportRequest{CSVData: "a,b\n\"open"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "MALFORMED_CSV", decodeError(t, w).Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	svc := &mockImportService{
		listFunc: func(ctx context.Context, userID string) ([]*models.ImportJobView, error) {
			panic("boom")
		},
	}
	s := createTestServer(svc, nil)

	w := doRequest(t, s, "GET", "/api/imports", "user-1", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestCORSPreflight(t *testing.T) {
	s := createTestServer(&mockImportService{}, nil)

	req := httptest.NewRequest("OPTIONS", "/api/imports", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
