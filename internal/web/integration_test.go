package web_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vbonduro/reunite/internal/backend"
	"github.com/vbonduro/reunite/internal/db"
	"github.com/vbonduro/reunite/internal/metrics"
	"github.com/vbonduro/reunite/internal/previewstore/local"
	"github.com/vbonduro/reunite/internal/service"
	"github.com/vbonduro/reunite/internal/session"
	"github.com/vbonduro/reunite/internal/store"
	"github.com/vbonduro/reunite/internal/web"
	"github.com/vbonduro/reunite/internal/web/templates"
)

// minimalJPEG is 512 bytes with the JPEG magic bytes header followed by zeros.
var minimalJPEG = func() []byte {
	b := make([]byte, 512)
	b[0] = 0xFF
	b[1] = 0xD8
	b[2] = 0xFF
	b[3] = 0xE0
	return b
}()

// identifyCall is one identification request seen by the fake backend.
type identifyCall struct {
	endpoint string
	fields   map[string]string
	filename string
	image    []byte
}

// fakeBackend plays the identification service: credentials, stats, the
// missing person listing and both identify endpoints.
type fakeBackend struct {
	mu         sync.Mutex
	identifies []identifyCall
	logins     int
	response   map[string]any
}

func (f *fakeBackend) calls() []identifyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]identifyCall(nil), f.identifies...)
}

func (f *fakeBackend) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON := func(status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	switch r.URL.Path {
	case "/login", "/signup":
		f.mu.Lock()
		f.logins++
		f.mu.Unlock()
		_ = r.ParseForm()
		if r.PostForm.Get("username") == "alice" && r.PostForm.Get("password") == "secret" {
			writeJSON(http.StatusOK, map[string]string{"token": "tok-1"})
			return
		}
		writeJSON(http.StatusUnauthorized, map[string]string{"error": "bad credentials"})
	case "/api/stats":
		if auth := r.Header.Get("Authorization"); auth != "" && auth != "Bearer tok-1" {
			writeJSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		writeJSON(http.StatusOK, map[string]int{"totalIdentifications": 12, "foundCount": 5, "activeCases": 7})
	case "/missing-persons":
		writeJSON(http.StatusOK, []map[string]any{
			{"_id": "1", "name": "Older Report", "age": 40, "lost_location": "Harbour", "timestamp": "2026-01-01T10:00:00Z"},
			{"_id": "2", "name": "Newer Report", "age": "9", "lost_location": "Station", "timestamp": "2026-03-01T10:00:00Z"},
		})
	case "/identify_missing_person", "/identify_missingPerson":
		call := identifyCall{endpoint: r.URL.Path, fields: map[string]string{}}
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			writeJSON(http.StatusBadRequest, map[string]string{"error": "not multipart"})
			return
		}
		mr := multipart.NewReader(r.Body, params["boundary"])
		for {
			p, err := mr.NextPart()
			if err != nil {
				break
			}
			data, _ := io.ReadAll(p)
			if p.FormName() == "image" {
				call.filename = p.FileName()
				call.image = data
				continue
			}
			call.fields[p.FormName()] = string(data)
		}
		f.mu.Lock()
		f.identifies = append(f.identifies, call)
		resp := f.response
		f.mu.Unlock()
		writeJSON(http.StatusOK, resp)
	default:
		http.NotFound(w, r)
	}
}

type testEnv struct {
	srv         *httptest.Server
	backend     *fakeBackend
	submissions *store.SubmissionStore
	client      *http.Client
}

// newTestEnv wires a real web.Server to in-memory SQLite, a temp preview
// directory and a fake backend.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	fake := &fakeBackend{response: map[string]any{
		"message":      "Match found",
		"image_base64": base64.StdEncoding.EncodeToString(minimalJPEG),
	}}
	backendSrv := httptest.NewServer(fake)
	t.Cleanup(backendSrv.Close)

	database, err := db.OpenForTesting()
	if err != nil {
		t.Fatalf("OpenForTesting: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	previews, err := local.New(t.TempDir())
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	api := backend.New(backendSrv.URL, logger)
	m := metrics.New()
	submissions := store.NewSubmissionStore(database)

	gate := session.NewGate(api, store.NewTokenStore(database), m, logger)
	reports := service.NewReportService(api, 5*time.Second, submissions, previews, api, nil, m, logger)
	srv := httptest.NewServer(web.NewServer(reports, gate, m.Handler(), templates.FS, 5*time.Second, logger))
	t.Cleanup(srv.Close)

	return &testEnv{
		srv:         srv,
		backend:     fake,
		submissions: submissions,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

func (e *testEnv) do(t *testing.T, method, path, contentType string, body io.Reader) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(raw)
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	return e.do(t, http.MethodGet, path, "", nil)
}

func (e *testEnv) postForm(t *testing.T, path string, form url.Values) (*http.Response, string) {
	t.Helper()
	return e.do(t, http.MethodPost, path, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
}

func (e *testEnv) login(t *testing.T) {
	t.Helper()
	resp, body := e.postForm(t, "/login", url.Values{"username": {"alice"}, "password": {"secret"}})
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("login: expected 303, got %d: %s", resp.StatusCode, body)
	}
}

func expectRedirect(t *testing.T, resp *http.Response, location string) {
	t.Helper()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != location {
		t.Fatalf("expected redirect to %q, got %q", location, got)
	}
}

// buildMultipartBody creates a multipart/form-data body with the given text
// fields and, when imageData is non-nil, an "image" file part.
func buildMultipartBody(t *testing.T, imageData []byte, fields map[string]string) (body *bytes.Buffer, contentType string) {
	t.Helper()
	body = &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if imageData != nil {
		fw, err := w.CreateFormFile("image", "photo.jpg")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write(imageData); err != nil {
			t.Fatalf("write image data: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return body, w.FormDataContentType()
}

func TestIntegration_ProtectedViewsRedirectToLogin(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)

	for _, path := range []string{"/", "/report", "/dashboard", "/previews/upload_x.jpg"} {
		resp, _ := env.get(t, path)
		expectRedirect(t, resp, "/login")
	}
	if n := len(env.backend.calls()); n != 0 {
		t.Errorf("expected no identification requests, got %d", n)
	}
}

func TestIntegration_LoginForm(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)

	resp, body := env.get(t, "/login")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "Switch to Sign Up") {
		t.Errorf("login form does not offer sign up:\n%s", body)
	}

	resp, _ = env.postForm(t, "/login/toggle", nil)
	expectRedirect(t, resp, "/login")

	_, body = env.get(t, "/login")
	if !strings.Contains(body, "Switch to Login") {
		t.Errorf("toggled form does not offer login:\n%s", body)
	}
}

func TestIntegration_LoginRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)

	resp, body := env.postForm(t, "/login", url.Values{"username": {"alice"}, "password": {"wrong"}})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "Invalid username or password.") {
		t.Errorf("missing failure message:\n%s", body)
	}

	resp, _ = env.get(t, "/report")
	expectRedirect(t, resp, "/login")
}

func TestIntegration_LoginMissingCredentials(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)

	resp, body := env.postForm(t, "/login", url.Values{"username": {"alice"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "Username and password are required.") {
		t.Errorf("missing validation message:\n%s", body)
	}
	if n := env.backend.loginCount(); n != 0 {
		t.Errorf("expected no backend login, got %d", n)
	}
}

func TestIntegration_LoginThenLogout(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)

	resp, _ := env.postForm(t, "/login", url.Values{"username": {"alice"}, "password": {"secret"}})
	expectRedirect(t, resp, "/dashboard")

	resp, _ = env.get(t, "/login")
	expectRedirect(t, resp, "/dashboard")

	resp, _ = env.get(t, "/")
	expectRedirect(t, resp, "/report")

	resp, _ = env.postForm(t, "/logout", nil)
	expectRedirect(t, resp, "/login")

	resp, _ = env.get(t, "/report")
	expectRedirect(t, resp, "/login")
}

func TestIntegration_Dashboard(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.login(t)

	resp, body := env.get(t, "/dashboard")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	for _, want := range []string{"12", "Harbour", "Station"} {
		if !strings.Contains(body, want) {
			t.Errorf("dashboard does not contain %q", want)
		}
	}
	newer := strings.Index(body, "Newer Report")
	older := strings.Index(body, "Older Report")
	if newer < 0 || older < 0 || newer > older {
		t.Errorf("expected newest report first, got newer=%d older=%d", newer, older)
	}
}

func TestIntegration_UploadSubmission(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.login(t)

	body, ct := buildMultipartBody(t, minimalJPEG, map[string]string{"name": "Sam", "age": "7"})
	resp, _ := env.do(t, http.MethodPost, "/report/upload", ct, body)
	expectRedirect(t, resp, "/report#upload")

	calls := env.backend.calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 identification request, got %d", len(calls))
	}
	call := calls[0]
	if call.endpoint != "/identify_missing_person" {
		t.Errorf("endpoint = %q", call.endpoint)
	}
	if call.filename != "photo.jpg" {
		t.Errorf("filename = %q", call.filename)
	}
	if !bytes.Equal(call.image, minimalJPEG) {
		t.Errorf("image bytes were altered in transit")
	}
	if call.fields["name"] != "Sam" || call.fields["age"] != "7" {
		t.Errorf("fields = %v", call.fields)
	}

	_, page := env.get(t, "/report")
	if !strings.Contains(page, "Match found") {
		t.Errorf("result message not shown:\n%s", page)
	}
	if !strings.Contains(page, "data:image/jpeg;base64,") {
		t.Errorf("matched image preview not shown")
	}

	resp, raw := env.get(t, "/report/upload/preview")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/jpeg" {
		t.Fatalf("preview: status %d, type %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if raw != string(minimalJPEG) {
		t.Errorf("preview bytes differ from the matched image")
	}
}

func TestIntegration_UploadWithoutImage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.login(t)

	body, ct := buildMultipartBody(t, nil, map[string]string{"name": "Sam"})
	resp, page := env.do(t, http.MethodPost, "/report/upload", ct, body)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	if !strings.Contains(page, "Please select an image.") {
		t.Errorf("missing notice:\n%s", page)
	}
	if n := len(env.backend.calls()); n != 0 {
		t.Errorf("expected no identification requests, got %d", n)
	}
}

func TestIntegration_CameraSubmission(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.login(t)

	frame := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(minimalJPEG)
	resp, _ := env.postForm(t, "/report/camera/capture", url.Values{"frame": {frame}})
	expectRedirect(t, resp, "/report#camera")

	_, page := env.get(t, "/report")
	if !strings.Contains(page, "Retake") {
		t.Errorf("captured frame not offered for retake:\n%s", page)
	}

	resp, _ = env.postForm(t, "/report/camera", url.Values{"lost_location": {"Market"}})
	expectRedirect(t, resp, "/report#camera")

	calls := env.backend.calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 identification request, got %d", len(calls))
	}
	call := calls[0]
	if call.endpoint != "/identify_missingPerson" {
		t.Errorf("endpoint = %q", call.endpoint)
	}
	if call.filename != "captured_image.jpeg" {
		t.Errorf("filename = %q", call.filename)
	}
	if !bytes.Equal(call.image, minimalJPEG) {
		t.Errorf("frame was not decoded to its original bytes")
	}
	want := map[string]string{
		"name": "Unknown", "age": "0", "lost_location": "Market",
		"description": "Unknown", "contact": "Unknown",
	}
	for k, v := range want {
		if call.fields[k] != v {
			t.Errorf("field %s = %q, want %q", k, call.fields[k], v)
		}
	}
}

func TestIntegration_CameraWithoutFrame(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.login(t)

	resp, _ := env.postForm(t, "/report/camera/capture", url.Values{"frame": {""}})
	expectRedirect(t, resp, "/report#camera")

	resp, page := env.postForm(t, "/report/camera", url.Values{"name": {"Sam"}})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	if !strings.Contains(page, "Please capture an image first.") {
		t.Errorf("missing notice:\n%s", page)
	}
	if n := len(env.backend.calls()); n != 0 {
		t.Errorf("expected no identification requests, got %d", n)
	}
}

func TestIntegration_FailureResultKeepsDraft(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.backend.response = map[string]any{"error": "No face detected"}
	env.login(t)

	body, ct := buildMultipartBody(t, minimalJPEG, map[string]string{"name": "Sam"})
	resp, _ := env.do(t, http.MethodPost, "/report/upload", ct, body)
	expectRedirect(t, resp, "/report#upload")

	_, page := env.get(t, "/report")
	if !strings.Contains(page, "No face detected") {
		t.Errorf("failure reason not shown:\n%s", page)
	}

	resp, _ = env.postForm(t, "/report/upload/dismiss", nil)
	expectRedirect(t, resp, "/report#upload")

	_, page = env.get(t, "/report")
	if strings.Contains(page, "No face detected") {
		t.Errorf("dismissed result still shown")
	}
	if !strings.Contains(page, "Attached: photo.jpg") {
		t.Errorf("draft image dropped after dismissing a failure")
	}

	resp, _ = env.postForm(t, "/report/upload/retake", nil)
	expectRedirect(t, resp, "/report#upload")
	_, page = env.get(t, "/report")
	if strings.Contains(page, "Attached: photo.jpg") {
		t.Errorf("retake did not clear the draft")
	}
}

func TestIntegration_UnknownSource(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.login(t)

	for _, path := range []string{"/report/fax/retake", "/report/fax/dismiss"} {
		resp, _ := env.postForm(t, path, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, resp.StatusCode)
		}
	}
	resp, _ := env.get(t, "/report/upload/preview")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("preview without result: expected 404, got %d", resp.StatusCode)
	}
}

func TestIntegration_StoredPreview(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.login(t)

	body, ct := buildMultipartBody(t, minimalJPEG, map[string]string{"name": "Sam"})
	resp, _ := env.do(t, http.MethodPost, "/report/upload", ct, body)
	expectRedirect(t, resp, "/report#upload")

	recent, err := env.submissions.ListRecent(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(recent) != 1 || recent[0].PreviewKey == "" {
		t.Fatalf("expected one logged submission with a preview, got %+v", recent)
	}

	_, page := env.get(t, "/dashboard")
	if !strings.Contains(page, "/previews/"+recent[0].PreviewKey) {
		t.Errorf("dashboard does not link the stored preview")
	}

	resp, raw := env.get(t, "/previews/"+recent[0].PreviewKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if raw != string(minimalJPEG) {
		t.Errorf("stored preview bytes differ")
	}

	resp, _ = env.get(t, "/previews/upload_missing.jpg")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown key, got %d", resp.StatusCode)
	}
}

func TestIntegration_DeleteSubmission(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.login(t)

	body, ct := buildMultipartBody(t, minimalJPEG, map[string]string{"name": "Sam"})
	resp, _ := env.do(t, http.MethodPost, "/report/upload", ct, body)
	expectRedirect(t, resp, "/report#upload")

	recent, err := env.submissions.ListRecent(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected one logged submission, got %d", len(recent))
	}
	rec := recent[0]

	_, page := env.get(t, "/dashboard")
	if !strings.Contains(page, "Matched: 1") {
		t.Errorf("dashboard does not tally the match")
	}
	if !strings.Contains(page, "/submissions/"+rec.ID+"/delete") {
		t.Errorf("dashboard has no delete form for %s", rec.ID)
	}

	resp, _ = env.postForm(t, "/submissions/"+rec.ID+"/delete", nil)
	expectRedirect(t, resp, "/dashboard")

	resp, _ = env.get(t, "/previews/"+rec.PreviewKey)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("preview of deleted submission: expected 404, got %d", resp.StatusCode)
	}
	_, page = env.get(t, "/dashboard")
	if !strings.Contains(page, "Matched: 0") {
		t.Errorf("tally not updated after delete")
	}

	resp, _ = env.postForm(t, "/submissions/"+rec.ID+"/delete", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", resp.StatusCode)
	}
}

func TestIntegration_MetricsAndHeaders(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.login(t)

	body, ct := buildMultipartBody(t, minimalJPEG, nil)
	resp, _ := env.do(t, http.MethodPost, "/report/upload", ct, body)
	expectRedirect(t, resp, "/report#upload")

	resp, page := env.get(t, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	for _, want := range []string{
		`reunite_submissions_total{outcome="success",source="upload"} 1`,
		`reunite_auth_attempts_total{intent="login",outcome="success"} 1`,
	} {
		if !strings.Contains(page, want) {
			t.Errorf("metrics missing %s", want)
		}
	}

	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if csp := resp.Header.Get("Content-Security-Policy"); !strings.Contains(csp, "img-src 'self' data:") {
		t.Errorf("CSP does not allow data: images: %q", csp)
	}
}
