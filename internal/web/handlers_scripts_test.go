package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TiagoJoseMS/script-manager/internal/events"
	"github.com/TiagoJoseMS/script-manager/internal/sandbox"
	"github.com/TiagoJoseMS/script-manager/internal/scripts"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeOpener struct{ opened string }

func (f *fakeOpener) Open(dir string) error {
	f.opened = dir
	return nil
}

type testContext struct {
	srv    *Server
	svc    *scripts.Service
	dir    string
	opener *fakeOpener
}

func setupTestServer(t *testing.T, apiKey string, opts ...ServerOption) *testContext {
	t.Helper()
	dir := t.TempDir()
	logger := testLogger()

	reg, err := scripts.Open(dir, scripts.WithoutExample(), scripts.WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus(logger)
	opener := &fakeOpener{}
	svc := scripts.NewService(reg, sandbox.NewLuaExecutor(2*time.Second, logger), bus, logger,
		scripts.WithOpener(opener), scripts.WithVersion("test"))
	t.Cleanup(func() { svc.Close() })

	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	opts = append(opts, WithVersion("test"))
	srv := NewServer(svc, bus, logger, opts...)
	t.Cleanup(srv.Stop)

	return &testContext{srv: srv, svc: svc, dir: dir, opener: opener}
}

func writeScript(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func (tc *testContext) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	tc.srv.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestAPIListScripts(t *testing.T) {
	tc := setupTestServer(t, "")
	writeScript(t, tc.dir, "b_tool.lua", "-- Bravo\nprint(1)\n")
	writeScript(t, tc.dir, "a_tool.lua", "-- Alpha\n-- Description: first\nprint(1)\n")
	writeScript(t, tc.dir, "notes.txt", "ignored")
	if _, err := tc.svc.Refresh(); err != nil {
		t.Fatal(err)
	}

	w := tc.do(t, "GET", "/api/scripts", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var list []scripts.Descriptor
	decode(t, w, &list)
	if len(list) != 2 {
		t.Fatalf("script count = %d, want 2", len(list))
	}
	if list[0].Title != "Alpha" || list[0].Description != "first" {
		t.Errorf("first = %+v", list[0])
	}
}

func TestAPIListScriptsEmpty(t *testing.T) {
	tc := setupTestServer(t, "")
	w := tc.do(t, "GET", "/api/scripts", "")
	if got := w.Body.String(); got != "[]\n" {
		t.Errorf("body = %q, want empty array", got)
	}
}

func TestAPIScriptSource(t *testing.T) {
	tc := setupTestServer(t, "")
	path := writeScript(t, tc.dir, "hello.lua", "print('hi')\n")
	tc.svc.Refresh()

	w := tc.do(t, "GET", "/api/scripts/source?path="+url.QueryEscape(path), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	decode(t, w, &resp)
	if resp["lua_code"] != "print('hi')\n" {
		t.Errorf("lua_code = %q", resp["lua_code"])
	}

	tests := []struct {
		target string
		want   int
	}{
		{"/api/scripts/source", http.StatusBadRequest},
		{"/api/scripts/source?path=missing.lua", http.StatusNotFound},
		{"/api/scripts/source?path=" + url.QueryEscape(filepath.Join(t.TempDir(), "x.lua")), http.StatusNotFound},
	}
	for _, tt := range tests {
		if w := tc.do(t, "GET", tt.target, ""); w.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.target, w.Code, tt.want)
		}
	}
}

func TestAPIRunScript(t *testing.T) {
	tc := setupTestServer(t, "")
	path := writeScript(t, tc.dir, "hello.lua", "print('hello ' .. host.version)\n")
	tc.svc.Refresh()

	body, _ := json.Marshal(runScriptRequest{Path: path})
	w := tc.do(t, "POST", "/api/scripts/run", string(body))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var res sandbox.Result
	decode(t, w, &res)
	if !res.OK || res.Stdout != "hello test\n" {
		t.Errorf("result = %+v", res)
	}
}

func TestAPIRunScriptFaults(t *testing.T) {
	tc := setupTestServer(t, "")
	writeScript(t, tc.dir, "broken.lua", "print('before')\nerror('boom')\n")
	tc.svc.Refresh()

	tests := []struct {
		name string
		path string
		kind sandbox.FaultKind
	}{
		{"runtime", "broken", sandbox.FaultRuntime},
		{"unknown", "nope.lua", sandbox.FaultNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(runScriptRequest{Path: tt.path})
			w := tc.do(t, "POST", "/api/scripts/run", string(body))
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d", w.Code)
			}
			var res sandbox.Result
			decode(t, w, &res)
			if res.OK || res.Fault == nil || res.Fault.Kind != tt.kind {
				t.Errorf("result = %+v, want fault %s", res, tt.kind)
			}
		})
	}

	if w := tc.do(t, "POST", "/api/scripts/run", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty path status = %d, want 400", w.Code)
	}
	if w := tc.do(t, "POST", "/api/scripts/run", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", w.Code)
	}
}

func TestAPIRunInline(t *testing.T) {
	tc := setupTestServer(t, "")
	body := `{"name":"scratch","lua_code":"os.execute('ls')"}`
	w := tc.do(t, "POST", "/api/scripts/run-inline", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var res sandbox.Result
	decode(t, w, &res)
	if res.Script != "scratch" {
		t.Errorf("script = %q", res.Script)
	}
	if res.OK || res.Fault == nil || res.Fault.Kind != sandbox.FaultRuntime {
		t.Errorf("os.execute should fail at runtime: %+v", res)
	}
	if len(res.Report.Findings) != 1 || res.Report.Findings[0].Label != "os command execution" {
		t.Errorf("findings = %+v", res.Report.Findings)
	}
}

func TestAPIValidate(t *testing.T) {
	tc := setupTestServer(t, "")
	w := tc.do(t, "POST", "/api/scripts/validate", `{"lua_code":"print(1)\nio.popen('x')"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Findings []sandbox.Finding `json:"findings"`
		Warnings []string          `json:"warnings"`
	}
	decode(t, w, &resp)
	if len(resp.Findings) != 1 || resp.Findings[0].Line != 2 {
		t.Fatalf("findings = %+v", resp.Findings)
	}
	if len(resp.Warnings) != 1 {
		t.Errorf("warnings = %v", resp.Warnings)
	}

	w = tc.do(t, "POST", "/api/scripts/validate", `{"lua_code":""}`)
	decode(t, w, &resp)
	if len(resp.Findings) != 0 {
		t.Errorf("empty source findings = %+v", resp.Findings)
	}
}

func TestAPISaveAndDeleteScript(t *testing.T) {
	tc := setupTestServer(t, "")

	w := tc.do(t, "POST", "/api/scripts", `{"name":"Night Lights","lua_code":"-- Night Lights\nprint(1)\n"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var d scripts.Descriptor
	decode(t, w, &d)
	if filepath.Base(d.Path) != "night_lights.lua" || d.Title != "Night Lights" {
		t.Errorf("saved = %+v", d)
	}

	if w := tc.do(t, "POST", "/api/scripts", `{"name":"///","lua_code":""}`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid name status = %d, want 400", w.Code)
	}
	if w := tc.do(t, "POST", "/api/scripts", `{"lua_code":"x"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing name status = %d, want 400", w.Code)
	}

	w = tc.do(t, "DELETE", "/api/scripts?path="+url.QueryEscape(d.Path), "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body = %s", w.Code, w.Body.String())
	}
	if _, err := os.Stat(d.Path); !os.IsNotExist(err) {
		t.Errorf("file still present: %v", err)
	}
	if w := tc.do(t, "DELETE", "/api/scripts?path="+url.QueryEscape(d.Path), ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestAPIRefresh(t *testing.T) {
	tc := setupTestServer(t, "")
	writeScript(t, tc.dir, "one.lua", "print(1)\n")

	w := tc.do(t, "POST", "/api/scripts/refresh", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var res scripts.ScanResult
	decode(t, w, &res)
	if len(res.Added) != 1 || res.Total != 1 {
		t.Errorf("scan = %+v", res)
	}
}

func TestAPIOpenFolder(t *testing.T) {
	tc := setupTestServer(t, "")
	w := tc.do(t, "POST", "/api/scripts/open-folder", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if tc.opener.opened != tc.svc.Status().Dir {
		t.Errorf("opened %q, want %q", tc.opener.opened, tc.svc.Status().Dir)
	}
}

func TestAPIStatusAndSettings(t *testing.T) {
	tc := setupTestServer(t, "")

	w := tc.do(t, "GET", "/api/status", "")
	var st scripts.Status
	decode(t, w, &st)
	if st.Locale != scripts.LocaleEN || st.Monitoring != scripts.MonitoringUnavailable {
		t.Errorf("status = %+v", st)
	}

	w = tc.do(t, "PUT", "/api/settings/locale", `{"locale":"pt-BR"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("set locale status = %d, body = %s", w.Code, w.Body.String())
	}
	var loc map[string]string
	decode(t, w, &loc)
	if loc["locale"] != scripts.LocalePT {
		t.Errorf("locale = %q", loc["locale"])
	}

	w = tc.do(t, "GET", "/api/settings", "")
	var settings struct {
		Locale  string   `json:"locale"`
		Locales []string `json:"locales"`
	}
	decode(t, w, &settings)
	if settings.Locale != scripts.LocalePT || len(settings.Locales) != len(scripts.Locales()) {
		t.Errorf("settings = %+v", settings)
	}

	if w := tc.do(t, "PUT", "/api/settings/locale", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty locale status = %d, want 400", w.Code)
	}
}

func TestAPIVersion(t *testing.T) {
	tc := setupTestServer(t, "")
	w := tc.do(t, "GET", "/api/version", "")
	var resp map[string]string
	decode(t, w, &resp)
	if resp["version"] != "test" {
		t.Errorf("version = %q", resp["version"])
	}
}

func TestAPIKeyRequired(t *testing.T) {
	tc := setupTestServer(t, "secret")

	w := tc.do(t, "GET", "/api/scripts", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no key status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/scripts", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	tc.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with key status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/scripts", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	tc.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d, want 401", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	tc := setupTestServer(t, "secret", WithAllowedOrigins([]string{"http://allowed.example"}))

	tests := []struct {
		origin    string
		wantAllow string
	}{
		{"http://allowed.example", "http://allowed.example"},
		{"http://evil.example", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodOptions, "/api/scripts/run", nil)
		req.Header.Set("Origin", tt.origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "X-API-Key")
		rec := httptest.NewRecorder()
		tc.srv.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
			t.Errorf("origin %s: allow-origin = %q, want %q", tt.origin, got, tt.wantAllow)
		}
		if rec.Code == http.StatusUnauthorized {
			t.Errorf("origin %s: preflight hit the API key check", tt.origin)
		}
	}
}

func TestRunUsesRequestContext(t *testing.T) {
	tc := setupTestServer(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest("POST", "/api/scripts/run-inline", bytes.NewBufferString(`{"lua_code":"while true do end"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	tc.srv.ServeHTTP(rec, req)

	var res sandbox.Result
	decode(t, rec, &res)
	if res.Fault == nil || res.Fault.Kind != sandbox.FaultTimeout {
		t.Errorf("fault = %+v, want timeout", res.Fault)
	}
}
