package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/backups"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/blob"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/blob/blobtest"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/enhance"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/mailer"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/media"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/photos"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/rsvps"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/store"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/wishes"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const testAdminKey = "test-admin-key"

type capturingMailer struct {
	mutex    sync.Mutex
	messages []mailer.Message
}

func (m *capturingMailer) Send(_ context.Context, message mailer.Message) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.messages = append(m.messages, message)
	return nil
}

type testServer struct {
	handler  http.Handler
	mailer   *capturingMailer
	realtime *RealtimeDispatcher
}

type testServerOptions struct {
	blob          blob.Store
	adminKey      string
	mediaMaxBytes int64
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, testServerOptions{blob: blobtest.NewSQLStore(t), adminKey: testAdminKey})
}

func newTestServerWith(t *testing.T, options testServerOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	collections, err := store.New(store.Config{Blob: options.blob})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte("test-secret"), TokenTTL: time.Minute})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	mediaService, err := media.NewService(media.Config{Blob: options.blob, MaxBytes: options.mediaMaxBytes})
	if err != nil {
		t.Fatalf("failed to build media service: %v", err)
	}

	server := &testServer{mailer: &capturingMailer{}, realtime: NewRealtimeDispatcher()}
	pinSequence := []string{"1234", "5678", "9012"}
	var pinMutex sync.Mutex
	rsvpService, err := rsvps.NewService(rsvps.ServiceConfig{
		Store:  collections,
		Mailer: server.mailer,
		Tokens: tokens,
		PINGenerator: func() (string, error) {
			pinMutex.Lock()
			defer pinMutex.Unlock()
			pin := pinSequence[0]
			pinSequence = append(pinSequence[1:], pin)
			return pin, nil
		},
	})
	if err != nil {
		t.Fatalf("failed to build rsvp service: %v", err)
	}
	wishService, err := wishes.NewService(wishes.ServiceConfig{Store: collections, Media: mediaService})
	if err != nil {
		t.Fatalf("failed to build wish service: %v", err)
	}
	photoService, err := photos.NewService(photos.ServiceConfig{Store: collections, Media: mediaService})
	if err != nil {
		t.Fatalf("failed to build photo service: %v", err)
	}
	backupManager, err := backups.NewManager(backups.Config{Blob: options.blob, Store: collections})
	if err != nil {
		t.Fatalf("failed to build backup manager: %v", err)
	}
	enhancer, err := enhance.NewService(context.Background(), enhance.Config{})
	if err != nil {
		t.Fatalf("failed to build enhancer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		RSVPs:    rsvpService,
		Wishes:   wishService,
		Photos:   photoService,
		Media:    mediaService,
		Backups:  backupManager,
		Enhancer: enhancer,
		AdminKey: auth.NewAdminKeyVerifier(options.adminKey),
		Realtime: server.realtime,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server.handler = handler
	return server
}

type requestOption func(*http.Request)

func withHeader(name, value string) requestOption {
	return func(request *http.Request) {
		request.Header.Set(name, value)
	}
}

func withAdminKey() requestOption {
	return withHeader(auth.AdminKeyHeader, testAdminKey)
}

func (s *testServer) do(t *testing.T, method, target, body string, options ...requestOption) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, target, nil)
	} else {
		request = httptest.NewRequest(method, target, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	for _, option := range options {
		option(request)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeArray(t *testing.T, recorder *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var items []map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &items); err != nil {
		t.Fatalf("expected JSON array, got %s: %v", recorder.Body.String(), err)
	}
	return items
}

func decodeObject(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON object, got %s: %v", recorder.Body.String(), err)
	}
	return payload
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, status int) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, recorder.Code, recorder.Body.String())
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected missing dependencies to be rejected")
	}
}

func TestEmptyCollectionsBootstrapAsEmptyArrays(t *testing.T) {
	server := newTestServer(t)
	for _, target := range []string{"/rsvps", "/wishes", "/photos"} {
		recorder := server.do(t, http.MethodGet, target, "")
		expectStatus(t, recorder, http.StatusOK)
		if strings.TrimSpace(recorder.Body.String()) != "[]" {
			t.Fatalf("expected %s to return [], got %s", target, recorder.Body.String())
		}
	}
}

func TestRSVPCreateThenReplaceWithEmptyCollection(t *testing.T) {
	server := newTestServer(t)

	created := server.do(t, http.MethodPost, "/rsvps", `{"name":"A","email":"a@x.com","attending":true,"guests":2}`)
	expectStatus(t, created, http.StatusCreated)
	payload := decodeObject(t, created)
	if payload["success"] != true {
		t.Fatalf("expected success flag, got %v", payload)
	}
	record, _ := payload["rsvp"].(map[string]any)
	if record["id"] == nil || record["timestamp"] == nil {
		t.Fatalf("expected server-assigned id and timestamp, got %v", record)
	}

	listed := server.do(t, http.MethodGet, "/rsvps", "")
	expectStatus(t, listed, http.StatusOK)
	items := decodeArray(t, listed)
	if len(items) != 1 || items[0]["attending"] != true || items[0]["guests"] != float64(2) {
		t.Fatalf("unexpected rsvps after create: %v", items)
	}
	if listed.Header().Get(headerETag) == "" {
		t.Fatalf("expected ETag header on list")
	}

	replaced := server.do(t, http.MethodPost, "/rsvps?action=replace", `[]`)
	expectStatus(t, replaced, http.StatusOK)
	if result := decodeObject(t, replaced); result["success"] != true || result["count"] != float64(0) {
		t.Fatalf("unexpected replace response: %v", result)
	}

	after := server.do(t, http.MethodGet, "/rsvps", "")
	if strings.TrimSpace(after.Body.String()) != "[]" {
		t.Fatalf("expected empty collection after replace, got %s", after.Body.String())
	}
}

func TestRSVPCreateRejectsMissingFields(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(t, http.MethodPost, "/rsvps", `{"name":"A","email":"a@x.com"}`)
	expectStatus(t, recorder, http.StatusBadRequest)
	if decodeObject(t, recorder)["error"] == "" {
		t.Fatalf("expected error message")
	}
}

func TestRSVPLookupByEmail(t *testing.T) {
	server := newTestServer(t)
	expectStatus(t, server.do(t, http.MethodPost, "/rsvps", `{"name":"A","email":"a@x.com","attending":false}`), http.StatusCreated)

	found := server.do(t, http.MethodGet, "/rsvps?email=A@X.com", "")
	expectStatus(t, found, http.StatusOK)
	if decodeObject(t, found)["name"] != "A" {
		t.Fatalf("unexpected lookup result: %s", found.Body.String())
	}

	expectStatus(t, server.do(t, http.MethodGet, "/rsvps?email=missing@x.com", ""), http.StatusNotFound)
}

func TestReplaceIsIdempotent(t *testing.T) {
	server := newTestServer(t)
	body := `[{"id":"1","timestamp":1,"url":"https://img.example/a.jpg","custom":{"nested":true}}]`

	for attempt := 0; attempt < 2; attempt++ {
		expectStatus(t, server.do(t, http.MethodPost, "/photos?action=replace", body), http.StatusOK)
		listed := server.do(t, http.MethodGet, "/photos", "")
		var got []json.RawMessage
		if err := json.Unmarshal(listed.Body.Bytes(), &got); err != nil {
			t.Fatalf("failed to decode photos: %v", err)
		}
		var want []json.RawMessage
		_ = json.Unmarshal([]byte(body), &want)
		if len(got) != 1 || compactJSON(t, got[0]) != compactJSON(t, want[0]) {
			t.Fatalf("attempt %d: expected replaced content verbatim, got %s", attempt, listed.Body.String())
		}
	}
}

func TestReplaceHonoursIfMatch(t *testing.T) {
	server := newTestServer(t)
	expectStatus(t, server.do(t, http.MethodPost, "/rsvps?action=replace", `[]`), http.StatusOK)

	listed := server.do(t, http.MethodGet, "/rsvps", "")
	etag := listed.Header().Get(headerETag)
	if etag == "" {
		t.Fatalf("expected ETag header")
	}

	fresh := server.do(t, http.MethodPost, "/rsvps?action=replace", `[{"id":"1","name":"A"}]`, withHeader(headerIfMatch, etag))
	expectStatus(t, fresh, http.StatusOK)
	if fresh.Header().Get(headerETag) == etag {
		t.Fatalf("expected a new version after replace")
	}

	stale := server.do(t, http.MethodPost, "/rsvps?action=replace", `[]`, withHeader(headerIfMatch, etag))
	expectStatus(t, stale, http.StatusConflict)

	current := decodeArray(t, server.do(t, http.MethodGet, "/rsvps", ""))
	if len(current) != 1 {
		t.Fatalf("expected stale replace to leave collection untouched, got %v", current)
	}
}

func TestQuotedStorageETagsRoundTripThroughIfMatch(t *testing.T) {
	server := newTestServerWith(t, testServerOptions{
		blob:     blobtest.QuotingStore{Store: blobtest.NewSQLStore(t)},
		adminKey: testAdminKey,
	})
	expectStatus(t, server.do(t, http.MethodPost, "/rsvps?action=replace", `[]`), http.StatusOK)

	listed := server.do(t, http.MethodGet, "/rsvps", "")
	expectStatus(t, listed, http.StatusOK)
	etag := listed.Header().Get(headerETag)
	if len(etag) < 3 || strings.HasPrefix(etag, `""`) || strings.HasSuffix(etag, `""`) {
		t.Fatalf("expected a single pair of quotes around the ETag, got %s", etag)
	}

	fresh := server.do(t, http.MethodPost, "/rsvps?action=replace", `[{"id":"1","name":"A"}]`, withHeader(headerIfMatch, etag))
	expectStatus(t, fresh, http.StatusOK)
	freshTag := fresh.Header().Get(headerETag)
	if freshTag == etag || strings.HasPrefix(freshTag, `""`) {
		t.Fatalf("expected a new single-quoted version, got %s", freshTag)
	}

	expectStatus(t, server.do(t, http.MethodPost, "/rsvps?action=replace", `[]`, withHeader(headerIfMatch, etag)), http.StatusConflict)
	expectStatus(t, server.do(t, http.MethodPost, "/rsvps?action=replace", `[]`, withHeader(headerIfMatch, freshTag)), http.StatusOK)
}

func TestReplaceRejectsNonArrayBody(t *testing.T) {
	server := newTestServer(t)
	expectStatus(t, server.do(t, http.MethodPost, "/wishes?action=replace", `{"id":"1"}`), http.StatusBadRequest)
	expectStatus(t, server.do(t, http.MethodPost, "/wishes?action=replace", `[{"id":`), http.StatusBadRequest)
}

func TestMalformedJSONIsBadRequest(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(t, http.MethodPost, "/rsvps", `{"name":`)
	expectStatus(t, recorder, http.StatusBadRequest)
	if decodeObject(t, recorder)["error"] != "Invalid JSON body" {
		t.Fatalf("unexpected error body: %s", recorder.Body.String())
	}
}

func TestUnknownActionIsBadRequest(t *testing.T) {
	server := newTestServer(t)
	expectStatus(t, server.do(t, http.MethodPost, "/rsvps?action=merge", `[]`), http.StatusBadRequest)
}

func TestUnsupportedMethodIsMethodNotAllowed(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(t, http.MethodPatch, "/wishes", `{}`)
	expectStatus(t, recorder, http.StatusMethodNotAllowed)
	if decodeObject(t, recorder)["error"] != "Method not allowed" {
		t.Fatalf("unexpected error body: %s", recorder.Body.String())
	}
}

func TestUnconfiguredStorageIsConfigurationError(t *testing.T) {
	server := newTestServerWith(t, testServerOptions{blob: blob.Unconfigured{Reason: "storage.backend is empty"}, adminKey: testAdminKey})

	recorder := server.do(t, http.MethodGet, "/rsvps", "")
	expectStatus(t, recorder, http.StatusInternalServerError)
	message, _ := decodeObject(t, recorder)["error"].(string)
	if !strings.Contains(message, "not configured") {
		t.Fatalf("expected configuration error message, got %q", message)
	}
	expectStatus(t, server.do(t, http.MethodPost, "/wishes", `{"name":"B","message":"hi","email":"b@x.com"}`), http.StatusInternalServerError)
}

func TestWishModerationFlow(t *testing.T) {
	server := newTestServer(t)

	created := server.do(t, http.MethodPost, "/wishes", `{"name":"B","message":"hi","email":"b@x.com"}`)
	expectStatus(t, created, http.StatusCreated)
	if decodeObject(t, created)["approved"] != false {
		t.Fatalf("expected new wish to be pending, got %s", created.Body.String())
	}

	public := server.do(t, http.MethodGet, "/wishes", "")
	if strings.TrimSpace(public.Body.String()) != "[]" {
		t.Fatalf("expected pending wish to be hidden, got %s", public.Body.String())
	}

	adminList := decodeArray(t, server.do(t, http.MethodGet, "/wishes", "", withAdminKey()))
	if len(adminList) != 1 {
		t.Fatalf("expected admin to see pending wish, got %v", adminList)
	}

	adminList[0]["approved"] = true
	approved, err := json.Marshal(adminList)
	if err != nil {
		t.Fatalf("failed to encode replacement: %v", err)
	}
	expectStatus(t, server.do(t, http.MethodPost, "/wishes?action=replace", string(approved)), http.StatusOK)

	visible := decodeArray(t, server.do(t, http.MethodGet, "/wishes", ""))
	if len(visible) != 1 || visible[0]["message"] != "hi" {
		t.Fatalf("expected approved wish to be public, got %v", visible)
	}
}

func TestWishListShowsGrandfatheredWishes(t *testing.T) {
	server := newTestServer(t)
	body := `[{"id":"1","name":"Legacy","message":"old"},{"id":"2","name":"Rejected","message":"no","approved":false},{"id":"3","name":"Yes","message":"ok","approved":true}]`
	expectStatus(t, server.do(t, http.MethodPost, "/wishes?action=replace", body), http.StatusOK)

	visible := decodeArray(t, server.do(t, http.MethodGet, "/wishes", ""))
	if len(visible) != 2 || visible[0]["id"] != "1" || visible[1]["id"] != "3" {
		t.Fatalf("expected grandfathered and approved wishes, got %v", visible)
	}
}

func TestWishDuplicateEmailIsConflict(t *testing.T) {
	server := newTestServer(t)
	expectStatus(t, server.do(t, http.MethodPost, "/wishes", `{"name":"A","message":"first","email":"a@x.com"}`), http.StatusCreated)
	before := server.do(t, http.MethodGet, "/wishes", "", withAdminKey()).Body.String()

	duplicate := server.do(t, http.MethodPost, "/wishes", `{"name":"A2","message":"second","email":"A@X.com "}`)
	expectStatus(t, duplicate, http.StatusConflict)

	after := server.do(t, http.MethodGet, "/wishes", "", withAdminKey()).Body.String()
	if before != after {
		t.Fatalf("expected duplicate wish to leave collection unchanged:\nbefore %s\nafter  %s", before, after)
	}
}

func TestWishApprovalEndpointRequiresAdmin(t *testing.T) {
	server := newTestServer(t)
	created := decodeObject(t, server.do(t, http.MethodPost, "/wishes", `{"name":"B","message":"hi","email":"b@x.com"}`))
	id, _ := created["id"].(string)

	expectStatus(t, server.do(t, http.MethodPut, "/wishes/"+id+"/approval", `{"approved":true}`), http.StatusUnauthorized)
	expectStatus(t, server.do(t, http.MethodPut, "/wishes/"+id+"/approval", `{"approved":true}`, withHeader(auth.AdminKeyHeader, "wrong")), http.StatusUnauthorized)
	expectStatus(t, server.do(t, http.MethodPut, "/wishes/"+id+"/approval", `{}`, withAdminKey()), http.StatusBadRequest)

	approved := server.do(t, http.MethodPut, "/wishes/"+id+"/approval", `{"approved":true}`, withAdminKey())
	expectStatus(t, approved, http.StatusOK)
	if len(decodeArray(t, server.do(t, http.MethodGet, "/wishes", ""))) != 1 {
		t.Fatalf("expected approved wish to be public")
	}

	expectStatus(t, server.do(t, http.MethodDelete, "/wishes/"+id, "", withAdminKey()), http.StatusOK)
	expectStatus(t, server.do(t, http.MethodDelete, "/wishes/"+id, "", withAdminKey()), http.StatusNotFound)
}

func TestPINRoundTrip(t *testing.T) {
	server := newTestServer(t)
	created := decodeObject(t, server.do(t, http.MethodPost, "/rsvps", `{"name":"A","email":"a@x.com","attending":true,"guests":1}`))
	rsvpID, _ := created["rsvp"].(map[string]any)["id"].(string)

	search := server.do(t, http.MethodPost, "/rsvps?action=search&email=A@x.com", "")
	expectStatus(t, search, http.StatusOK)
	result := decodeObject(t, search)
	if result["found"] != true || result["emailSent"] != true {
		t.Fatalf("unexpected search result: %v", result)
	}
	if strings.Contains(search.Body.String(), "1234") {
		t.Fatalf("search response must not expose the PIN: %s", search.Body.String())
	}
	if len(server.mailer.messages) != 1 || !strings.Contains(server.mailer.messages[0].Body, "1234") {
		t.Fatalf("expected PIN email, got %v", server.mailer.messages)
	}

	listed := server.do(t, http.MethodGet, "/rsvps", "")
	if strings.Contains(listed.Body.String(), `"pin"`) {
		t.Fatalf("list must not expose PIN fields: %s", listed.Body.String())
	}

	expectStatus(t, server.do(t, http.MethodPost, "/rsvps?action=verify", `{"email":"a@x.com","pin":"0000"}`), http.StatusUnauthorized)

	verified := server.do(t, http.MethodPost, "/rsvps?action=verify", `{"email":"a@x.com","pin":"1234"}`)
	expectStatus(t, verified, http.StatusOK)
	verification := decodeObject(t, verified)
	token, _ := verification["token"].(string)
	if verification["verified"] != true || token == "" {
		t.Fatalf("unexpected verification: %v", verification)
	}

	expectStatus(t, server.do(t, http.MethodPost, "/rsvps?action=verify", `{"email":"a@x.com","pin":"1234"}`), http.StatusUnauthorized)

	updated := server.do(t, http.MethodPut, "/rsvps/"+rsvpID, `{"guests":3}`, withHeader("Authorization", "Bearer "+token))
	expectStatus(t, updated, http.StatusOK)
	if decodeObject(t, updated)["rsvp"].(map[string]any)["guests"] != float64(3) {
		t.Fatalf("unexpected update response: %s", updated.Body.String())
	}

	expectStatus(t, server.do(t, http.MethodDelete, "/rsvps/other-id", "", withHeader("Authorization", "Bearer "+token)), http.StatusUnauthorized)
	expectStatus(t, server.do(t, http.MethodDelete, "/rsvps/"+rsvpID, ""), http.StatusUnauthorized)
	expectStatus(t, server.do(t, http.MethodDelete, "/rsvps/"+rsvpID, "", withHeader("Authorization", "Bearer "+token)), http.StatusOK)
}

func TestAdminReplaceClearsPendingPINs(t *testing.T) {
	server := newTestServer(t)
	expectStatus(t, server.do(t, http.MethodPost, "/rsvps", `{"name":"A","email":"a@x.com","attending":true}`), http.StatusCreated)
	expectStatus(t, server.do(t, http.MethodPost, "/rsvps?action=search&email=a@x.com", ""), http.StatusOK)

	listed := server.do(t, http.MethodGet, "/rsvps", "")
	expectStatus(t, server.do(t, http.MethodPost, "/rsvps?action=replace", listed.Body.String()), http.StatusOK)

	expectStatus(t, server.do(t, http.MethodPost, "/rsvps?action=verify", `{"email":"a@x.com","pin":"1234"}`), http.StatusUnauthorized)

	expectStatus(t, server.do(t, http.MethodPost, "/rsvps?action=search&email=a@x.com", ""), http.StatusOK)
	expectStatus(t, server.do(t, http.MethodPost, "/rsvps?action=verify", `{"email":"a@x.com","pin":"5678"}`), http.StatusOK)
}

func TestPINSearchUnknownEmailIsNotFound(t *testing.T) {
	server := newTestServer(t)
	expectStatus(t, server.do(t, http.MethodPost, "/rsvps?action=search", `{"email":"nobody@x.com"}`), http.StatusNotFound)
	expectStatus(t, server.do(t, http.MethodPost, "/rsvps?action=search", `{"email":"not-an-email"}`), http.StatusBadRequest)
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	server := newTestServer(t)
	expectStatus(t, server.do(t, http.MethodGet, "/missing", ""), http.StatusNotFound)
}

func compactJSON(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		t.Fatalf("invalid JSON %s: %v", raw, err)
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("failed to encode JSON: %v", err)
	}
	return string(encoded)
}
