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

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/sandpit/executor"
	"github.com/caffeineduck/sandpit/internal/metrics"
	"github.com/caffeineduck/sandpit/ratelimit"
	"github.com/caffeineduck/sandpit/sandbox"
)

func testBase() executor.Config {
	cfg := executor.DefaultConfig()
	cfg.Limits.MaxExecutionTime = 2 * time.Second
	cfg.Limits.MaxIterations = -1
	return cfg
}

func newTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	opts = append([]Option{WithSandboxOptions(sandbox.WithRateLimiter(nil))}, opts...)
	s := New(testBase(), cfg, opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func post(t *testing.T, url, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeExecute(t *testing.T, resp *http.Response) executeResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out executeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestExecute(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	out := decodeExecute(t, post(t, ts.URL+"/v1/execute", `{"code":"console.log(\"hi\")","language":"js"}`, nil))

	assert.True(t, out.Success)
	assert.Equal(t, executor.StatusCompleted, out.Status)
	require.Len(t, out.Outputs, 1)
	assert.Equal(t, "hi", out.Outputs[0].Content)
	assert.Equal(t, executor.OutputLog, out.Outputs[0].Type)
}

func TestExecuteValidationFailure(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	out := decodeExecute(t, post(t, ts.URL+"/v1/execute", `{"code":"eval(\"1\")"}`, nil))

	assert.False(t, out.Success)
	assert.Equal(t, executor.StatusError, out.Status)
	assert.NotEmpty(t, out.Outputs)
}

func TestExecuteBadRequests(t *testing.T) {
	_, ts := newTestServer(t, Config{MaxBodyBytes: 64})

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"code":`},
		{"empty code", `{"code":"  "}`},
		{"unknown language", `{"code":"1","language":"ruby"}`},
		{"unknown field", `{"code":"1","lang":"js"}`},
		{"negative timeout", `{"code":"1","config":{"timeout_ms":-1}}`},
		{"too large", `{"code":"` + strings.Repeat("x", 100) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, ts.URL+"/v1/execute", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestExecuteSessionQuota(t *testing.T) {
	limiter := ratelimit.New(ratelimit.WithLimit(1))
	_, ts := newTestServer(t, Config{}, WithSandboxOptions(sandbox.WithRateLimiter(limiter)))

	header := http.Header{SessionHeader: []string{"session_a"}}
	first := decodeExecute(t, post(t, ts.URL+"/v1/execute", `{"code":"console.log(1)"}`, header))
	second := decodeExecute(t, post(t, ts.URL+"/v1/execute", `{"code":"console.log(1)"}`, header))
	other := decodeExecute(t, post(t, ts.URL+"/v1/execute", `{"code":"console.log(1)","session_id":"session_b"}`, header))

	assert.True(t, first.Success)
	assert.False(t, second.Success)
	require.NotEmpty(t, second.Outputs)
	assert.Contains(t, second.Outputs[0].Content, "Rate limit exceeded")
	assert.True(t, other.Success, "body session wins over header")
}

func TestConfigFor(t *testing.T) {
	s := New(testBase(), Config{}, WithSandboxOptions(sandbox.WithRateLimiter(nil)))

	req := httptest.NewRequest(http.MethodPost, "/v1/execute", nil)
	req.RemoteAddr = "10.0.0.7:4242"

	cfg, err := s.configFor(req, "py", "", nil)
	require.NoError(t, err)
	assert.Equal(t, executor.Python, cfg.Language)
	assert.Equal(t, "ip_10.0.0.7", cfg.SessionID)

	long := int64(60_000)
	short := int64(100)
	out := 10
	iters := 5

	cfg, err = s.configFor(req, "", "", &limitsOverride{TimeoutMs: &long, MaxOutputSize: &out, MaxIterations: &iters})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Limits.MaxExecutionTime, "cannot exceed the server limit")
	assert.Equal(t, 10, cfg.Limits.MaxOutputSize)
	assert.Equal(t, 5, cfg.Limits.MaxIterations, "tightens an unlimited base")

	cfg, err = s.configFor(req, "", "", &limitsOverride{TimeoutMs: &short})
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, cfg.Limits.MaxExecutionTime)
	assert.Equal(t, executor.JavaScript, cfg.Language)
}

func TestValidate(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp := post(t, ts.URL+"/v1/validate", `{"code":"import subprocess","language":"python"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res executor.ValidationResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.False(t, res.IsValid)
	assert.NotEmpty(t, res.Errors)
}

func TestSession(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + "/v1/session")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, strings.HasPrefix(body["session_id"], "session_"))
}

func TestClientRateLimit(t *testing.T) {
	_, ts := newTestServer(t, Config{RequestsPerSecond: 0.001, Burst: 1})

	first, err := http.Get(ts.URL + "/v1/session")
	require.NoError(t, err)
	first.Body.Close()
	second, err := http.Get(ts.URL + "/v1/session")
	require.NoError(t, err)
	second.Body.Close()
	health, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	health.Body.Close()

	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, http.StatusOK, health.StatusCode, "health is not limited")
}

func TestClientLimiterSweep(t *testing.T) {
	l := newClientLimiter(1, 1)
	now := time.Now()
	l.allow("a", now.Add(-time.Hour))
	l.allow("b", now)

	assert.Equal(t, 1, l.sweep(now.Add(-time.Minute)))
	assert.Len(t, l.clients, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New(nil)
	_, ts := newTestServer(t, Config{}, WithMetrics(m))

	decodeExecute(t, post(t, ts.URL+"/v1/execute", `{"code":"console.log(1)"}`, nil))

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "sandpit_executions_total")
	assert.Contains(t, string(body), `route="/v1/execute"`)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("javascript", "completed")))
}

func TestCheckOrigin(t *testing.T) {
	s := New(testBase(), Config{AllowedOrigins: []string{"https://play.example.com"}}, WithSandboxOptions(sandbox.WithRateLimiter(nil)))

	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil)
	assert.True(t, s.checkOrigin(req), "no origin header")

	req.Header.Set("Origin", "https://play.example.com")
	assert.True(t, s.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, s.checkOrigin(req))
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) []streamFrame {
	t.Helper()
	var frames []streamFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	for {
		var f streamFrame
		require.NoError(t, conn.ReadJSON(&f))
		frames = append(frames, f)
		if f.Type == typ {
			return frames
		}
	}
}

func TestStream(t *testing.T) {
	m := metrics.New(nil)
	_, ts := newTestServer(t, Config{}, WithMetrics(m))
	conn := dial(t, ts)

	first := readUntil(t, conn, frameStatus)
	assert.Equal(t, executor.StatusIdle, first[0].Status)
	assert.Eventually(t, func() bool { return testutil.ToFloat64(m.WSConnections) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]string{"code": `console.log("ws")`, "language": "javascript"}))
	frames := readUntil(t, conn, frameResult)

	var outputs []string
	var statuses []executor.Status
	for _, f := range frames {
		switch f.Type {
		case frameOutput:
			outputs = append(outputs, f.Output.Content)
		case frameStatus:
			statuses = append(statuses, f.Status)
		}
	}
	assert.Equal(t, []string{"ws"}, outputs)
	assert.Contains(t, statuses, executor.StatusExecuting)

	last := frames[len(frames)-1]
	require.NotNil(t, last.Result)
	assert.True(t, last.Result.Success)
}

func TestStreamStop(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	conn := dial(t, ts)
	readUntil(t, conn, frameStatus)

	require.NoError(t, conn.WriteJSON(map[string]string{"code": `while (true) {}`}))
	for {
		frames := readUntil(t, conn, frameStatus)
		if frames[len(frames)-1].Status == executor.StatusExecuting {
			break
		}
	}
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "stop"}))

	frames := readUntil(t, conn, frameResult)
	res := frames[len(frames)-1].Result
	require.NotNil(t, res)
	assert.Equal(t, executor.StatusStopped, res.Status)
}

func TestStreamBadMessages(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	conn := dial(t, ts)
	readUntil(t, conn, frameStatus)

	for _, msg := range [][]byte{
		[]byte(`{"code":`),
		[]byte(`{"action":"pause"}`),
		[]byte(`{}`),
		[]byte(`{"code":"1","language":"cobol"}`),
	} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))
		frames := readUntil(t, conn, frameError)
		assert.NotEmpty(t, frames[len(frames)-1].Error, string(msg))
	}
}

func TestExecuteClientGone(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	client := &http.Client{Timeout: 200 * time.Millisecond}
	body := bytes.NewBufferString(`{"code":"while (true) {}"}`)
	_, err := client.Post(ts.URL+"/v1/execute", "application/json", body)
	require.Error(t, err)
}
