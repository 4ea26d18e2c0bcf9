package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loftpress/newsletter-engine/internal/compiler"
	"github.com/loftpress/newsletter-engine/internal/delivery"
	"github.com/loftpress/newsletter-engine/internal/newsletter"
	"github.com/loftpress/newsletter-engine/internal/reconciler"
	"github.com/loftpress/newsletter-engine/internal/template"

	"github.com/google/uuid"
)

type fakeAPIStore struct {
	newsletters map[uuid.UUID]*newsletter.Newsletter
	blocks      map[uuid.UUID][]*newsletter.Block
	sendRecords map[uuid.UUID]*newsletter.SendRecord
	subscribers map[uuid.UUID]*newsletter.Subscriber

	savedHTML     string
	savedWarnings []string
	unsubscribed  []string
}

func newFakeAPIStore() *fakeAPIStore {
	return &fakeAPIStore{
		newsletters: map[uuid.UUID]*newsletter.Newsletter{},
		blocks:      map[uuid.UUID][]*newsletter.Block{},
		sendRecords: map[uuid.UUID]*newsletter.SendRecord{},
		subscribers: map[uuid.UUID]*newsletter.Subscriber{},
	}
}

func (f *fakeAPIStore) GetNewsletter(_ context.Context, id uuid.UUID) (*newsletter.Newsletter, error) {
	return f.newsletters[id], nil
}

func (f *fakeAPIStore) GetBlocksForNewsletter(_ context.Context, id uuid.UUID) ([]*newsletter.Block, error) {
	return f.blocks[id], nil
}

func (f *fakeAPIStore) SaveCompiledOutput(_ context.Context, _ uuid.UUID, html, _ string, warnings []string) error {
	f.savedHTML = html
	f.savedWarnings = warnings
	return nil
}

func (f *fakeAPIStore) GetSendRecord(_ context.Context, id uuid.UUID) (*newsletter.SendRecord, error) {
	return f.sendRecords[id], nil
}

func (f *fakeAPIStore) MarkUnsubscribed(_ context.Context, email, _ string, _ *uuid.UUID) error {
	f.unsubscribed = append(f.unsubscribed, email)
	return nil
}

func (f *fakeAPIStore) GetSubscriberByID(_ context.Context, id uuid.UUID) (*newsletter.Subscriber, error) {
	return f.subscribers[id], nil
}

type fakeSender struct {
	lastOpts delivery.SendOptions
	record   *newsletter.SendRecord
	err      error
}

func (f *fakeSender) Send(_ context.Context, _ uuid.UUID, opts delivery.SendOptions) (*newsletter.SendRecord, error) {
	f.lastOpts = opts
	return f.record, f.err
}

type fakeAPITransport struct {
	calls int
	err   error
}

func (f *fakeAPITransport) SendBatch(_ context.Context, _ *delivery.Message, persons []delivery.Personalization) (*delivery.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &delivery.Result{Accepted: len(persons), MessageID: "msg-test"}, nil
}

func (f *fakeAPITransport) MaxBatchSize() int { return 1000 }

type fakeAPILimiter struct {
	allowed bool
}

func (f *fakeAPILimiter) IsAllowed(context.Context, string) (bool, error) { return f.allowed, nil }
func (f *fakeAPILimiter) Remaining(context.Context, string) (int, error) {
	if f.allowed {
		return 1, nil
	}
	return 0, nil
}
func (f *fakeAPILimiter) ResetAt() time.Time { return time.Now().Add(30 * time.Minute) }

type passthroughConverter struct{}

func (passthroughConverter) Convert(_ context.Context, mjml string) (string, []string, error) {
	return mjml, nil, nil
}

func newTestHandlers(store *fakeAPIStore, sender *fakeSender, transport *fakeAPITransport, limiter RateLimiter) *Handlers {
	comp := compiler.New(template.NewEngine(), passthroughConverter{})
	signer := delivery.NewLinkSigner("https://news.example.com", "test-key")
	return NewHandlers(store, comp, sender, transport, limiter, signer, reconciler.New(noopReconcilerStore{}), "")
}

// noopReconcilerStore satisfies the reconciler's store for handler
// construction in tests that never exercise the webhook path.
type noopReconcilerStore struct{}

func (noopReconcilerStore) RecordDeliveryEvent(context.Context, *newsletter.DeliveryEvent) (bool, error) {
	return true, nil
}
func (noopReconcilerStore) IncrementNewsletterCounter(context.Context, uuid.UUID, string) error {
	return nil
}
func (noopReconcilerStore) IncrementSendRecordCounter(context.Context, uuid.UUID, string) error {
	return nil
}
func (noopReconcilerStore) RecordOpen(context.Context, string) error       { return nil }
func (noopReconcilerStore) RecordClick(context.Context, string) error      { return nil }
func (noopReconcilerStore) RecordHardBounce(context.Context, string) error { return nil }
func (noopReconcilerStore) RecordSoftBounce(context.Context, string) error { return nil }
func (noopReconcilerStore) RecordComplaint(context.Context, string) error  { return nil }
func (noopReconcilerStore) MarkUnsubscribed(context.Context, string, string, *uuid.UUID) error {
	return nil
}

func router(h *Handlers) http.Handler {
	return SetupRoutes(h, NewHealthChecker(nil, nil), nil)
}

func TestCompileEndpoint(t *testing.T) {
	store := newFakeAPIStore()
	id := uuid.New()
	store.newsletters[id] = &newsletter.Newsletter{
		ID:      id,
		Title:   "Weekly Digest",
		Subject: "This Week",
	}
	bt := &newsletter.BlockType{Slug: "text", Template: "<mj-text>{{ content }}</mj-text>"}
	store.blocks[id] = []*newsletter.Block{
		{ID: uuid.New(), Sort: 1, Type: bt, FieldData: newsletter.JSON{"content": "hello"}},
	}

	h := newTestHandlers(store, &fakeSender{}, &fakeAPITransport{}, nil)
	req := httptest.NewRequest("POST", fmt.Sprintf("/api/newsletters/%s/compile", id), nil)
	rr := httptest.NewRecorder()
	router(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, store.savedHTML, "hello")

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, newsletter.StatusReadyToSend, resp["status"])
}

func TestCompileUnknownNewsletter(t *testing.T) {
	h := newTestHandlers(newFakeAPIStore(), &fakeSender{}, &fakeAPITransport{}, nil)

	req := httptest.NewRequest("POST", fmt.Sprintf("/api/newsletters/%s/compile", uuid.New()), nil)
	rr := httptest.NewRecorder()
	router(h).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestValidateEndpointReportsMissingVariables(t *testing.T) {
	store := newFakeAPIStore()
	id := uuid.New()
	store.newsletters[id] = &newsletter.Newsletter{ID: id, Title: "Weekly"}
	bt := &newsletter.BlockType{Slug: "text", Template: "<mj-text>{{ content }} {{ missing }}</mj-text>"}
	store.blocks[id] = []*newsletter.Block{
		{ID: uuid.New(), Sort: 1, Type: bt, FieldData: newsletter.JSON{"content": "hello"}},
	}

	h := newTestHandlers(store, &fakeSender{}, &fakeAPITransport{}, nil)
	req := httptest.NewRequest("GET", fmt.Sprintf("/api/newsletters/%s/validate", id), nil)
	rr := httptest.NewRecorder()
	router(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp struct {
		Valid    bool                    `json:"valid"`
		Warnings []compiler.BlockWarning `json:"warnings"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Valid)
	require.Len(t, resp.Warnings, 1)
	assert.Equal(t, "missing", resp.Warnings[0].Variable)
	assert.Equal(t, "text", resp.Warnings[0].BlockType)
}

func TestValidateEndpointCleanNewsletter(t *testing.T) {
	store := newFakeAPIStore()
	id := uuid.New()
	store.newsletters[id] = &newsletter.Newsletter{ID: id, Title: "Weekly"}
	bt := &newsletter.BlockType{Slug: "text", Template: "<mj-text>{{ content }}</mj-text>"}
	store.blocks[id] = []*newsletter.Block{
		{ID: uuid.New(), Sort: 1, Type: bt, FieldData: newsletter.JSON{"content": "hello"}},
	}

	h := newTestHandlers(store, &fakeSender{}, &fakeAPITransport{}, nil)
	req := httptest.NewRequest("GET", fmt.Sprintf("/api/newsletters/%s/validate", id), nil)
	rr := httptest.NewRecorder()
	router(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["valid"])
}

func TestSendEndpointAccepted(t *testing.T) {
	store := newFakeAPIStore()
	id := uuid.New()
	recID := uuid.New()
	sender := &fakeSender{record: &newsletter.SendRecord{ID: recID, Status: newsletter.SendSending}}

	h := newTestHandlers(store, sender, &fakeAPITransport{}, nil)

	body, _ := json.Marshal(map[string]interface{}{
		"list_ids": []string{uuid.NewString()},
		"ab_test":  map[string]interface{}{"enabled": true, "split_percentage": 20, "variant_subject": "B"},
	})
	req := httptest.NewRequest("POST", fmt.Sprintf("/api/newsletters/%s/send", id), bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.True(t, sender.lastOpts.ABTest.Enabled)
	assert.Equal(t, 20, sender.lastOpts.ABTest.SplitPercentage)
}

func TestSendEndpointErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{delivery.ErrNotFound, http.StatusNotFound},
		{delivery.ErrNotCompiled, http.StatusConflict},
		{delivery.ErrNotSendable, http.StatusConflict},
		{delivery.ErrNoRecipients, http.StatusConflict},
		{delivery.ErrSendInProgress, http.StatusTooManyRequests},
	}

	for _, tc := range cases {
		h := newTestHandlers(newFakeAPIStore(), &fakeSender{err: tc.err}, &fakeAPITransport{}, nil)
		body, _ := json.Marshal(map[string]interface{}{"list_ids": []string{uuid.NewString()}})
		req := httptest.NewRequest("POST", fmt.Sprintf("/api/newsletters/%s/send", uuid.New()), bytes.NewReader(body))
		rr := httptest.NewRecorder()
		router(h).ServeHTTP(rr, req)
		assert.Equal(t, tc.code, rr.Code, tc.err.Error())
	}
}

func TestSendRequiresListIDs(t *testing.T) {
	h := newTestHandlers(newFakeAPIStore(), &fakeSender{}, &fakeAPITransport{}, nil)

	req := httptest.NewRequest("POST", fmt.Sprintf("/api/newsletters/%s/send", uuid.New()), bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()
	router(h).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTestSendHappyPath(t *testing.T) {
	store := newFakeAPIStore()
	id := uuid.New()
	store.newsletters[id] = &newsletter.Newsletter{
		ID:           id,
		Subject:      "Hello",
		CompiledHTML: "<html>ready</html>",
	}
	transport := &fakeAPITransport{}
	h := newTestHandlers(store, &fakeSender{}, transport, &fakeAPILimiter{allowed: true})

	body, _ := json.Marshal(map[string]string{"email": "proof@example.com"})
	req := httptest.NewRequest("POST", fmt.Sprintf("/api/newsletters/%s/test-send", id), bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 1, transport.calls)
	assert.Equal(t, "1", rr.Header().Get("X-RateLimit-Remaining"))
}

func TestTestSendRateLimited(t *testing.T) {
	store := newFakeAPIStore()
	id := uuid.New()
	store.newsletters[id] = &newsletter.Newsletter{ID: id, CompiledHTML: "<html></html>"}
	transport := &fakeAPITransport{}
	h := newTestHandlers(store, &fakeSender{}, transport, &fakeAPILimiter{allowed: false})

	body, _ := json.Marshal(map[string]string{"email": "proof@example.com"})
	req := httptest.NewRequest("POST", fmt.Sprintf("/api/newsletters/%s/test-send", id), bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router(h).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Zero(t, transport.calls)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestTestSendRejectsMalformedEmail(t *testing.T) {
	transport := &fakeAPITransport{}
	h := newTestHandlers(newFakeAPIStore(), &fakeSender{}, transport, nil)

	body, _ := json.Marshal(map[string]string{"email": "not-an-address"})
	req := httptest.NewRequest("POST", fmt.Sprintf("/api/newsletters/%s/test-send", uuid.New()), bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router(h).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Zero(t, transport.calls)
}

func TestTestSendRequiresCompiledNewsletter(t *testing.T) {
	store := newFakeAPIStore()
	id := uuid.New()
	store.newsletters[id] = &newsletter.Newsletter{ID: id}
	h := newTestHandlers(store, &fakeSender{}, &fakeAPITransport{}, nil)

	body, _ := json.Marshal(map[string]string{"email": "proof@example.com"})
	req := httptest.NewRequest("POST", fmt.Sprintf("/api/newsletters/%s/test-send", id), bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router(h).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestSendProgressEndpoint(t *testing.T) {
	store := newFakeAPIStore()
	recID := uuid.New()
	store.sendRecords[recID] = &newsletter.SendRecord{
		ID:                 recID,
		Status:             newsletter.SendSending,
		ProgressPercentage: 40,
		SentCount:          100,
	}
	h := newTestHandlers(store, &fakeSender{}, &fakeAPITransport{}, nil)

	req := httptest.NewRequest("GET", fmt.Sprintf("/api/sends/%s", recID), nil)
	rr := httptest.NewRecorder()
	router(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var rec newsletter.SendRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, 40, rec.ProgressPercentage)
	assert.Equal(t, 100, rec.SentCount)
}

func TestUnsubscribeLinkRoundTrip(t *testing.T) {
	store := newFakeAPIStore()
	nlID := uuid.New()
	subID := uuid.New()
	store.subscribers[subID] = &newsletter.Subscriber{ID: subID, Email: "reader@example.com", Status: newsletter.SubscriberActive}

	h := newTestHandlers(store, &fakeSender{}, &fakeAPITransport{}, nil)
	signer := delivery.NewLinkSigner("https://news.example.com", "test-key")

	url := signer.UnsubscribeURL(nlID, subID)
	path := url[len("https://news.example.com"):]

	req := httptest.NewRequest("GET", path, nil)
	rr := httptest.NewRecorder()
	router(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []string{"reader@example.com"}, store.unsubscribed)
}

func TestUnsubscribeRejectsTamperedSignature(t *testing.T) {
	store := newFakeAPIStore()
	subID := uuid.New()
	store.subscribers[subID] = &newsletter.Subscriber{ID: subID, Email: "reader@example.com"}

	h := newTestHandlers(store, &fakeSender{}, &fakeAPITransport{}, nil)
	signer := delivery.NewLinkSigner("https://news.example.com", "test-key")

	url := signer.UnsubscribeURL(uuid.New(), subID)
	path := url[len("https://news.example.com"):]
	path = path[:len(path)-4] + "0000"

	req := httptest.NewRequest("GET", path, nil)
	rr := httptest.NewRecorder()
	router(h).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, store.unsubscribed)
}

func TestPreferencesLink(t *testing.T) {
	store := newFakeAPIStore()
	subID := uuid.New()
	store.subscribers[subID] = &newsletter.Subscriber{ID: subID, Email: "reader@example.com", Status: newsletter.SubscriberActive}

	h := newTestHandlers(store, &fakeSender{}, &fakeAPITransport{}, nil)
	signer := delivery.NewLinkSigner("https://news.example.com", "test-key")

	url := signer.PreferencesURL(subID)
	path := url[len("https://news.example.com"):]

	req := httptest.NewRequest("GET", path, nil)
	rr := httptest.NewRecorder()
	router(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, newsletter.SubscriberActive, resp["status"])
}

func TestNewsletterStatsEndpoint(t *testing.T) {
	store := newFakeAPIStore()
	id := uuid.New()
	store.newsletters[id] = &newsletter.Newsletter{
		ID:             id,
		TotalSent:      200,
		TotalDelivered: 100,
		TotalOpens:     25,
		TotalClicks:    10,
		TotalBounces:   4,
	}
	h := newTestHandlers(store, &fakeSender{}, &fakeAPITransport{}, nil)

	req := httptest.NewRequest("GET", fmt.Sprintf("/api/newsletters/%s/stats", id), nil)
	rr := httptest.NewRecorder()
	router(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, float64(25), resp["total_opens"])
	assert.Equal(t, float64(25), resp["open_rate"])
	assert.Equal(t, float64(10), resp["click_rate"])
	assert.Equal(t, float64(2), resp["bounce_rate"])
}

func TestNewsletterStatsZeroDelivered(t *testing.T) {
	store := newFakeAPIStore()
	id := uuid.New()
	store.newsletters[id] = &newsletter.Newsletter{ID: id, TotalOpens: 3}
	h := newTestHandlers(store, &fakeSender{}, &fakeAPITransport{}, nil)

	req := httptest.NewRequest("GET", fmt.Sprintf("/api/newsletters/%s/stats", id), nil)
	rr := httptest.NewRecorder()
	router(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, float64(0), resp["open_rate"])
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHandlers(newFakeAPIStore(), &fakeSender{}, &fakeAPITransport{}, nil)

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	router(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "not_configured", status.Checks["database"].Status)
}

func TestScheduledSendPassthrough(t *testing.T) {
	at := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)
	sender := &fakeSender{record: &newsletter.SendRecord{ID: uuid.New(), Status: newsletter.SendScheduled}}
	h := newTestHandlers(newFakeAPIStore(), sender, &fakeAPITransport{}, nil)

	body, _ := json.Marshal(map[string]interface{}{
		"list_ids":    []string{uuid.NewString()},
		"schedule_at": at.Format(time.RFC3339),
	})
	req := httptest.NewRequest("POST", fmt.Sprintf("/api/newsletters/%s/send", uuid.New()), bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.NotNil(t, sender.lastOpts.ScheduleAt)
	assert.Equal(t, at, sender.lastOpts.ScheduleAt.UTC())
}
