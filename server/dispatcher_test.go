package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
)

func doRequest(t *testing.T, ts *testServer, method, path, body string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func post(t *testing.T, ts *testServer, path, body string) (int, string) {
	t.Helper()
	resp, data := doRequest(t, ts, http.MethodPost, path, body, map[string]string{"Content-Type": ContentTypeJSON})
	return resp.StatusCode, strings.TrimSpace(string(data))
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t, counterScript)
	resp, data := doRequest(t, ts, http.MethodGet, StatusPath, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if string(data) != `"OK"` {
		t.Errorf("body = %s, want \"OK\"", data)
	}
	if resp.Header.Get(RequestIDHeader) == "" {
		t.Error("missing request id header")
	}
}

func TestRouteNotFound(t *testing.T) {
	ts := newTestServer(t, counterScript)
	code, body := post(t, ts, "/Counter/nope", "")
	if code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
	if body != `{"error":{"message":"route not found"}}` {
		t.Errorf("body = %s", body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, counterScript)
	resp, _ := doRequest(t, ts, http.MethodOptions, "/Counter/increment", "", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
	resp, _ = doRequest(t, ts, http.MethodPost, StatusPath, "", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST status = %d, want 405", resp.StatusCode)
	}
}

func TestInvocationPersists(t *testing.T) {
	ts := newTestServer(t, counterScript)
	for _, want := range []string{"1", "2", "3"} {
		code, body := post(t, ts, "/Counter/increment", "")
		if code != http.StatusOK || body != want {
			t.Fatalf("increment = %d %s, want 200 %s", code, body, want)
		}
	}
	code, body := post(t, ts, "/Counter/increment", "10")
	if code != http.StatusOK || body != "13" {
		t.Fatalf("increment(10) = %d %s, want 200 13", code, body)
	}

	// Every HTTP method reaches the route.
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		resp, data := doRequest(t, ts, method, "/Counter/increment", "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d body %s", method, resp.StatusCode, data)
		}
	}
}

func TestArgumentShapes(t *testing.T) {
	ts := newTestServer(t, counterScript)

	if code, body := post(t, ts, "/Counter/add", "[2, 3]"); code != http.StatusOK || body != "5" {
		t.Errorf("array spread = %d %s, want 5", code, body)
	}
	if code, body := post(t, ts, "/Counter/echo", `{"a":[1,2]}`); code != http.StatusOK || body != `{"a":[1,2]}` {
		t.Errorf("single object = %d %s", code, body)
	}
	if code, body := post(t, ts, "/Counter/echo", `"text"`); code != http.StatusOK || body != `"text"` {
		t.Errorf("single string = %d %s", code, body)
	}
	if code, body := post(t, ts, "/Counter/echo", ""); code != http.StatusOK || body != "null" {
		t.Errorf("no body = %d %s, want null", code, body)
	}
	if code, _ := post(t, ts, "/Counter/echo", "{not json"); code != http.StatusBadRequest {
		t.Errorf("bad json status = %d, want 400", code)
	}
}

func TestScriptErrorIsContained(t *testing.T) {
	ts := newTestServer(t, counterScript)
	code, body := post(t, ts, "/Counter/fail", "")
	if code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", code)
	}
	var out struct {
		Error struct {
			Message string `json:"message"`
			Stack   string `json:"stack"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("body %s: %v", body, err)
	}
	if out.Error.Message != "counter failed" {
		t.Errorf("message = %q", out.Error.Message)
	}

	// The server keeps serving.
	if code, body := post(t, ts, "/Counter/increment", ""); code != http.StatusOK || body != "1" {
		t.Errorf("after failure = %d %s", code, body)
	}
}

func TestNamespaceHeader(t *testing.T) {
	ts := newTestServer(t, counterScript)
	header := map[string]string{NamespaceHeader: "tenant-a"}

	doRequest(t, ts, http.MethodPost, "/Notes/add", `"a1"`, header)
	doRequest(t, ts, http.MethodPost, "/Notes/add", `"a2"`, header)
	post(t, ts, "/Notes/add", `"default"`)

	_, data := doRequest(t, ts, http.MethodPost, "/Notes/list", "", header)
	if got := strings.TrimSpace(string(data)); got != `["a1","a2"]` {
		t.Errorf("tenant-a notes = %s", got)
	}
	if _, body := post(t, ts, "/Notes/list", ""); body != `["default"]` {
		t.Errorf("default notes = %s", body)
	}

	resp, _ := doRequest(t, ts, http.MethodPost, "/Notes/list", "", map[string]string{NamespaceHeader: "bad:ns"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad namespace status = %d, want 400", resp.StatusCode)
	}
}

func TestCBORRoundTrip(t *testing.T) {
	ts := newTestServer(t, counterScript)
	body, err := cbor.Marshal([]interface{}{20, 22})
	if err != nil {
		t.Fatal(err)
	}
	resp, data := doRequest(t, ts, http.MethodPost, "/Counter/add", string(body), map[string]string{
		"Content-Type": ContentTypeCBOR,
		"Accept":       ContentTypeCBOR,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body %x", resp.StatusCode, data)
	}
	if ct := resp.Header.Get("Content-Type"); ct != ContentTypeCBOR {
		t.Errorf("content type = %q", ct)
	}
	var n int
	if err := cbor.Unmarshal(data, &n); err != nil {
		t.Fatalf("decode %x: %v", data, err)
	}
	if n != 42 {
		t.Errorf("result = %d, want 42", n)
	}
}

func TestBodyLimit(t *testing.T) {
	ts := newTestServer(t, counterScript, WithBodyLimit(16))
	code, _ := post(t, ts, "/Counter/echo", `"`+strings.Repeat("x", 64)+`"`)
	if code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", code)
	}
	if code, _ := post(t, ts, "/Counter/echo", `"small"`); code != http.StatusOK {
		t.Errorf("small body status = %d", code)
	}
}

func TestInvocationTimeout(t *testing.T) {
	ts := newTestServer(t, counterScript, WithTimeout(300*time.Millisecond))
	code, _ := post(t, ts, "/Counter/spin", "")
	if code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", code)
	}
	if code, body := post(t, ts, "/Counter/increment", ""); code != http.StatusOK || body != "1" {
		t.Errorf("after timeout = %d %s", code, body)
	}
}

func TestNoStateLoaded(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Stop()
	d := NewDispatcher(NewSlot(nil), newTestBridge(t), pool, time.Second, 0)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/Counter/increment", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	rec = httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, StatusPath, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d, want 200", rec.Code)
	}
}

func TestReloadSwapsRoutes(t *testing.T) {
	ts := newTestServer(t, counterScript)
	post(t, ts, "/Counter/increment", "")

	rewriteScript(t, ts.reloader.Path(), `
export class Counter {
  constructor() { this.count = 0; }
  current() { return this.count; }
}
`)
	if _, err := ts.reloader.Reload(t.Context()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if code, _ := post(t, ts, "/Counter/increment", ""); code != http.StatusNotFound {
		t.Errorf("removed route status = %d, want 404", code)
	}
	if code, body := post(t, ts, "/Counter/current", ""); code != http.StatusOK || body != "1" {
		t.Errorf("current = %d %s, want stored count 1", code, body)
	}

	rewriteScript(t, ts.reloader.Path(), "export class Counter { broken( }")
	if _, err := ts.reloader.Reload(t.Context()); err == nil {
		t.Fatal("expected reload error")
	}
	if code, _ := post(t, ts, "/Counter/current", ""); code != http.StatusOK {
		t.Errorf("previous state not retained: status %d", code)
	}
}

func TestStoreFailureIs503(t *testing.T) {
	ts := newTestServer(t, counterScript)
	ts.bridge.Store().Close()
	code, body := post(t, ts, "/Counter/increment", "")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d body %s, want 503", code, body)
	}
	if !bytes.Contains([]byte(body), []byte(`"error"`)) {
		t.Errorf("body = %s", body)
	}
}
