package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/open-lambda/wdog/common"
	"github.com/open-lambda/wdog/worker/lambda"
	"github.com/open-lambda/wdog/worker/sandbox"
	"github.com/open-lambda/wdog/worker/sandbox/ipc"
)

// TRY_PREFIX follows the run path: POST <run path>/try/<suffix>
const TRY_PREFIX = "/try/"

// Invoker is what the front-end needs from a Supervisor.
type Invoker interface {
	Call(req *ipc.Request, timeout time.Duration) *sandbox.Result
}

// SupervisorFactory builds a started Supervisor for a module file.
type SupervisorFactory func(modulePath string) (*sandbox.Supervisor, error)

// RunServer is the invocation front-end. It authenticates requests,
// hands them to the Supervisor and maps results to HTTP statuses.
type RunServer struct {
	runPath string
	token   string
	jwtKey  []byte
	timeout time.Duration
	sup     Invoker

	// try runs build a throwaway Supervisor each; one at a time
	tryLock   sync.Mutex
	tryModule string
	newTrySup SupervisorFactory
}

// runRequest is the body of POST <run path>.
type runRequest struct {
	Token       string          `json:"token"`
	Args        json.RawMessage `json:"args"`
	ContentType string          `json:"content-type,omitempty"`
	Body        string          `json:"body,omitempty"`
	Claims      map[string]any  `json:"claims,omitempty"`
}

// decodeArgs accepts only a JSON object or list.
func decodeArgs(raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, fmt.Errorf("args must be an object or a list")
	}

	var args any
	if err := json.Unmarshal(trimmed, &args); err != nil {
		return nil, fmt.Errorf("bad args: %w", err)
	}
	return args, nil
}

func NewRunServer(sup Invoker, timeout time.Duration) *RunServer {
	s := &RunServer{
		runPath: strings.TrimRight(common.Conf.Run_path, "/"),
		token:   common.Conf.Pod_token,
		timeout: timeout,
		sup:     sup,
	}
	if common.Conf.Jwt_key != "" {
		s.jwtKey = []byte(common.Conf.Jwt_key)
	}
	return s
}

// EnableTry turns on POST <run path>/try/<suffix>, which runs
// <modulePath>.<suffix> once in a Supervisor of its own.
func (s *RunServer) EnableTry(modulePath string, factory SupervisorFactory) {
	s.tryModule = modulePath
	s.newTrySup = factory
}

// RunPath is where invocations are accepted.
func (s *RunServer) RunPath() string {
	return s.runPath
}

func (s *RunServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic while serving invocation", "path", r.URL.Path, "panic", rec)
			w.WriteHeader(http.StatusBadRequest)
		}
	}()

	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	switch {
	case r.URL.Path == s.runPath:
		s.handleRun(w, r)
	case s.newTrySup != nil && strings.HasPrefix(r.URL.Path, s.runPath+TRY_PREFIX):
		s.handleTry(w, r, strings.TrimPrefix(r.URL.Path, s.runPath+TRY_PREFIX))
	default:
		http.NotFound(w, r)
	}
}

func (s *RunServer) handleRun(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseRequest(r)
	if err != nil {
		slog.Info("rejected invocation", "remote", r.RemoteAddr, "err", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.respond(w, s.sup.Call(req, s.timeout))
}

func (s *RunServer) handleTry(w http.ResponseWriter, r *http.Request, suffix string) {
	if err := lambda.ValidateModuleName(suffix); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	req, err := s.parseRequest(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.tryLock.Lock()
	defer s.tryLock.Unlock()

	sup, err := s.newTrySup(s.tryModule + "." + suffix)
	if err != nil {
		slog.Error("try run failed to start", "suffix", suffix, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sup.Stop()

	s.respond(w, sup.Call(req, s.timeout))
}

// parseRequest authenticates and decodes an invocation. Any error here
// means 400 and the Supervisor is never reached.
func (s *RunServer) parseRequest(r *http.Request) (*ipc.Request, error) {
	defer r.Body.Close()

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	var rr runRequest
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, fmt.Errorf("bad json: %w", err)
	}

	if s.token == "" || rr.Token != s.token {
		return nil, fmt.Errorf("token mismatch")
	}

	args, err := decodeArgs(rr.Args)
	if err != nil {
		return nil, err
	}

	claims := rr.Claims
	if bearer := r.Header.Get("Authorization"); bearer != "" && s.jwtKey != nil {
		verified, err := s.verifyBearer(bearer)
		if err != nil {
			return nil, err
		}
		claims = verified
	}

	return &ipc.Request{
		Args:        args,
		ContentType: rr.ContentType,
		Body:        rr.Body,
		Claims:      claims,
		Method:      r.Method,
		Path:        r.URL.Path,
	}, nil
}

// verifyBearer checks an HMAC-signed token and returns its claims.
func (s *RunServer) verifyBearer(header string) (map[string]any, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, fmt.Errorf("unsupported authorization scheme")
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("bad bearer token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("bad bearer token")
	}
	return claims, nil
}

// Dispatch sends a synthetic invocation through the regular handler,
// so triggers authenticate and serialize exactly like HTTP callers.
func (s *RunServer) Dispatch(args any, contentType, body string, header http.Header) (int, []byte) {
	if args == nil {
		args = map[string]any{}
	}
	argsj, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	raw, err := json.Marshal(&runRequest{
		Token:       s.token,
		Args:        argsj,
		ContentType: contentType,
		Body:        body,
	})
	if err != nil {
		panic(err)
	}

	req := httptest.NewRequest(http.MethodPost, s.runPath, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w.Code, w.Body.Bytes()
}

// HTTPStatus maps a Supervisor result code to a response status.
func HTTPStatus(res *sandbox.Result) int {
	switch res.Code {
	case common.CodeOK:
		if res.Status != 0 {
			return res.Status
		}
		return http.StatusOK
	case common.CodeTimeout:
		return common.CodeTimeout
	case common.CodeDegraded:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *RunServer) respond(w http.ResponseWriter, res *sandbox.Result) {
	b, err := json.Marshal(res)
	if err != nil {
		panic(err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(res))
	if _, err := w.Write(b); err != nil {
		slog.Warn("could not write invocation response", "err", err)
	}
}
