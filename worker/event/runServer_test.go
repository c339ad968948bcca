package event

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/open-lambda/wdog/common"
	"github.com/open-lambda/wdog/worker/sandbox"
	"github.com/open-lambda/wdog/worker/sandbox/ipc"
)

const testToken = "s3cret"

// mockInvoker returns a canned result and remembers what it was given
type mockInvoker struct {
	result  *sandbox.Result
	panics  bool
	calls   int
	lastReq *ipc.Request
	lastTmo time.Duration
}

func (m *mockInvoker) Call(req *ipc.Request, timeout time.Duration) *sandbox.Result {
	m.calls++
	m.lastReq = req
	m.lastTmo = timeout
	if m.panics {
		panic("boom")
	}
	return m.result
}

func setupConf(t *testing.T) {
	t.Helper()
	prev := common.Conf
	common.Conf = common.GetDefaultWorkerConfig(t.TempDir())
	common.Conf.Pod_token = testToken
	t.Cleanup(func() { common.Conf = prev })
}

func post(s *RunServer, path string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func TestRunServer_Success(t *testing.T) {
	setupConf(t)
	inv := &mockInvoker{result: &sandbox.Result{Return: `"hi"`, Code: 0, Stdout: "out\n", Time: 12}}
	s := NewRunServer(inv, 2*time.Second)

	w := post(s, "/v1/run", `{"token": "s3cret", "args": {"name": "x"}, "content-type": "text/plain", "body": "raw", "claims": {"sub": "u1"}}`)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("bad response body %q: %v", w.Body.String(), err)
	}
	for _, key := range []string{"return", "code", "stdout", "stderr", "time", "ctime"} {
		if _, ok := got[key]; !ok {
			t.Errorf("response lacks %q: %v", key, got)
		}
	}
	if got["return"] != `"hi"` || got["stdout"] != "out\n" {
		t.Errorf("unexpected response %v", got)
	}

	if inv.lastTmo != 2*time.Second {
		t.Errorf("expected configured timeout, got %v", inv.lastTmo)
	}
	req := inv.lastReq
	if req.ContentType != "text/plain" || req.Body != "raw" || req.Claims["sub"] != "u1" || req.Method != "POST" || req.Path != "/v1/run" {
		t.Errorf("unexpected request view %+v", req)
	}
	if req.Args.(map[string]any)["name"] != "x" {
		t.Errorf("unexpected args %v", req.Args)
	}
}

func TestRunServer_StatusMapping(t *testing.T) {
	setupConf(t)

	tests := []struct {
		name   string
		result *sandbox.Result
		status int
	}{
		{"ok default", &sandbox.Result{Code: 0, Return: "1"}, 200},
		{"ok custom", &sandbox.Result{Code: 0, Return: "1", Status: 201}, 201},
		{"timeout", &sandbox.Result{Code: 524, Return: "timeout"}, 524},
		{"degraded", &sandbox.Result{Code: 503, Return: "cannot load"}, 503},
		{"exited", &sandbox.Result{Code: 500, Return: "exited"}, 500},
		{"exception", &sandbox.Result{Code: 500, Return: "exception"}, 500},
		{"other", &sandbox.Result{Code: 42}, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewRunServer(&mockInvoker{result: tt.result}, time.Second)
			w := post(s, "/v1/run", `{"token": "s3cret", "args": []}`)
			if w.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, w.Code)
			}
		})
	}
}

func TestRunServer_Rejections(t *testing.T) {
	setupConf(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"wrong token", "POST", "/v1/run", `{"token": "nope", "args": {}}`, 400},
		{"missing token", "POST", "/v1/run", `{"args": {}}`, 400},
		{"missing args", "POST", "/v1/run", `{"token": "s3cret"}`, 400},
		{"null args", "POST", "/v1/run", `{"token": "s3cret", "args": null}`, 400},
		{"scalar args", "POST", "/v1/run", `{"token": "s3cret", "args": 5}`, 400},
		{"string args", "POST", "/v1/run", `{"token": "s3cret", "args": "x"}`, 400},
		{"bad json", "POST", "/v1/run", `{"token": `, 400},
		{"get", "GET", "/v1/run", "", 404},
		{"put", "PUT", "/v1/run", `{"token": "s3cret"}`, 404},
		{"other path", "POST", "/v1/other", `{"token": "s3cret"}`, 404},
		{"try disabled", "POST", "/v1/run/try/x", `{"token": "s3cret"}`, 404},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &mockInvoker{result: &sandbox.Result{}}
			s := NewRunServer(inv, time.Second)

			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			s.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, w.Code)
			}
			if inv.calls != 0 {
				t.Errorf("supervisor must not be reached")
			}
			if tt.status == 400 && w.Body.Len() != 0 {
				t.Errorf("expected no body on 400, got %q", w.Body.String())
			}
		})
	}
}

func TestRunServer_PanicBecomes400(t *testing.T) {
	setupConf(t)
	s := NewRunServer(&mockInvoker{panics: true}, time.Second)

	w := post(s, "/v1/run", `{"token": "s3cret", "args": {}}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func signHS256(t *testing.T, key string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRunServer_BearerClaims(t *testing.T) {
	setupConf(t)
	common.Conf.Jwt_key = "hmac-key"

	inv := &mockInvoker{result: &sandbox.Result{Return: "null"}}
	s := NewRunServer(inv, time.Second)

	body := `{"token": "s3cret", "args": {}, "claims": {"sub": "forged"}}`

	req := httptest.NewRequest(http.MethodPost, "/v1/run", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signHS256(t, "hmac-key", jwt.MapClaims{"sub": "alice"}))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if inv.lastReq.Claims["sub"] != "alice" {
		t.Errorf("verified claims must win, got %v", inv.lastReq.Claims)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/run", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signHS256(t, "other-key", jwt.MapClaims{"sub": "mallory"}))
	w = httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad signature, got %d", w.Code)
	}
}

func TestRunServer_Dispatch(t *testing.T) {
	setupConf(t)
	inv := &mockInvoker{result: &sandbox.Result{Return: `"ok"`}}
	s := NewRunServer(inv, time.Second)

	status, body := s.Dispatch(map[string]any{"n": 1}, "application/json", `{"a":1}`, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if !bytes.Contains(body, []byte(`"return":"\"ok\""`)) {
		t.Errorf("unexpected body %s", body)
	}
	if inv.lastReq.Body != `{"a":1}` || inv.lastReq.ContentType != "application/json" {
		t.Errorf("unexpected request %+v", inv.lastReq)
	}

	// triggers without args still pass the args check
	status, _ = s.Dispatch(nil, "", "", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200 for nil args, got %d", status)
	}
	if args, ok := inv.lastReq.Args.(map[string]any); !ok || len(args) != 0 {
		t.Errorf("expected empty object args, got %#v", inv.lastReq.Args)
	}
}

func TestRunServer_TryRun(t *testing.T) {
	setupConf(t)
	common.Conf.Transport = "queue"

	dir := t.TempDir()
	module := dir + "/main.expr"
	if err := writeFile(module+".v2", `"try:" + args.x`); err != nil {
		t.Fatal(err)
	}

	s := NewRunServer(&mockInvoker{}, time.Second)
	var built []string
	s.EnableTry(module, func(path string) (*sandbox.Supervisor, error) {
		built = append(built, path)
		return NewSupervisor("try", path)
	})

	w := post(s, "/v1/run/try/v2", `{"token": "s3cret", "args": {"x": "y"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res sandbox.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Return != `"try:y"` {
		t.Errorf("unexpected return %q", res.Return)
	}
	if len(built) != 1 || built[0] != module+".v2" {
		t.Errorf("unexpected modules built: %v", built)
	}

	w = post(s, "/v1/run/try/..", `{"token": "s3cret", "args": {}}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad suffix, got %d", w.Code)
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}
