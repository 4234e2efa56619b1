package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bissquit/notification-distributor/internal/domain"
	"github.com/bissquit/notification-distributor/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishCall struct {
	subject string
	id      string
	data    []byte
}

type fakePublisher struct {
	calls []publishCall
	err   error
}

func (p *fakePublisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.PublishWithID(ctx, subject, "", data)
}

func (p *fakePublisher) PublishWithID(_ context.Context, subject, id string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.calls = append(p.calls, publishCall{subject: subject, id: id, data: data})
	return nil
}

func (p *fakePublisher) Close() error { return nil }

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

const testSecret = "test-secret"

func newRouter(publisher *fakePublisher) http.Handler {
	h := NewHandler(publisher)
	h.now = func() time.Time { return fixedNow }

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(httputil.NewJWTValidator(testSecret, "")))
		h.RegisterRoutes(r)
	})
	return r
}

func token(t *testing.T, queues ...string) string {
	t.Helper()
	signed, err := httputil.NewJWTValidator(testSecret, "").IssueToken(
		httputil.Producer{ID: "billing", Queues: queues},
		jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	)
	require.NoError(t, err)
	return signed
}

func post(t *testing.T, router http.Handler, path, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Publish(t *testing.T) {
	publisher := &fakePublisher{}
	router := newRouter(publisher)

	rec := post(t, router, "/api/v1/queues/orders/messages", token(t, "orders"),
		`{"type":"order.created","payload":{"total":42},"metadata":{"region":"eu"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		Data PublishResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "orders", resp.Data.Queue)
	assert.NotEmpty(t, resp.Data.ID)

	require.Len(t, publisher.calls, 1)
	call := publisher.calls[0]
	assert.Equal(t, "orders", call.subject)
	assert.Equal(t, resp.Data.ID, call.id)

	var published domain.DistributionMessage
	require.NoError(t, json.Unmarshal(call.data, &published))
	assert.Equal(t, resp.Data.ID, published.ID)
	assert.Equal(t, "order.created", published.Type)
	assert.True(t, fixedNow.Equal(published.AddedAt))
	assert.Equal(t, "eu", published.Metadata["region"])
}

func TestHandler_Publish_KeepsProducerFields(t *testing.T) {
	publisher := &fakePublisher{}
	router := newRouter(publisher)

	body := `{"id":"6f1c2b9a-3f43-4a8e-9a62-0d5b1c7c8e11","type":"t","addedAt":"2024-01-02T03:04:05Z"}`
	rec := post(t, router, "/api/v1/queues/orders/messages", token(t, httputil.AnyQueue), body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, publisher.calls, 1)
	assert.Equal(t, "6f1c2b9a-3f43-4a8e-9a62-0d5b1c7c8e11", publisher.calls[0].id)

	var published domain.DistributionMessage
	require.NoError(t, json.Unmarshal(publisher.calls[0].data, &published))
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), published.AddedAt.UTC())
}

func TestHandler_Publish_Rejected(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		bearer     func(t *testing.T) string
		body       string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "missing token",
			path:       "/api/v1/queues/orders/messages",
			bearer:     func(*testing.T) string { return "" },
			body:       `{"type":"t"}`,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "garbage token",
			path:       "/api/v1/queues/orders/messages",
			bearer:     func(*testing.T) string { return "not-a-jwt" },
			body:       `{"type":"t"}`,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "queue not granted",
			path:       "/api/v1/queues/payments/messages",
			bearer:     func(t *testing.T) string { return token(t, "orders") },
			body:       `{"type":"t"}`,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "invalid queue name",
			path:       "/api/v1/queues/or.ders/messages",
			bearer:     func(t *testing.T) string { return token(t, httputil.AnyQueue) },
			body:       `{"type":"t"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid json",
			path:       "/api/v1/queues/orders/messages",
			bearer:     func(t *testing.T) string { return token(t, "orders") },
			body:       `{`,
			wantStatus: http.StatusBadRequest,
			wantBody:   "invalid json",
		},
		{
			name:       "missing type",
			path:       "/api/v1/queues/orders/messages",
			bearer:     func(t *testing.T) string { return token(t, "orders") },
			body:       `{"payload":{}}`,
			wantStatus: http.StatusBadRequest,
			wantBody:   `"field":"type"`,
		},
		{
			name:       "invalid recipient email",
			path:       "/api/v1/queues/orders/messages",
			bearer:     func(t *testing.T) string { return token(t, "orders") },
			body:       `{"type":"t","recipients":[{"email":"nope"}]}`,
			wantStatus: http.StatusBadRequest,
			wantBody:   `"field":"recipients[0].email"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			publisher := &fakePublisher{}
			rec := post(t, newRouter(publisher), tt.path, tt.bearer(t), tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
			assert.Empty(t, publisher.calls)
		})
	}
}

func TestHandler_Publish_StreamUnavailable(t *testing.T) {
	publisher := &fakePublisher{err: errors.New("nats: no responders available for request")}

	rec := post(t, newRouter(publisher), "/api/v1/queues/orders/messages", token(t, "orders"), `{"type":"t"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
