package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiCall struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   map[string]any
}

// fakeAPI answers every request with the canned response for its path and
// records what it received.
type fakeAPI struct {
	mu        sync.Mutex
	calls     []apiCall
	responses map[string]string
	statuses  map[string]int
}

func newFakeAPI(t *testing.T, responses map[string]string) (*httptest.Server, *fakeAPI) {
	t.Helper()
	f := &fakeAPI{responses: responses, statuses: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		call := apiCall{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Auth: r.Header.Get("Authorization")}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &call.Body)
		}
		f.mu.Lock()
		f.calls = append(f.calls, call)
		status, ok := f.statuses[r.URL.Path]
		f.mu.Unlock()
		if !ok {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, f.responses[r.URL.Path])
	}))
	t.Cleanup(srv.Close)
	return srv, f
}

func (f *fakeAPI) last() apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// runCLI executes the root command with an isolated HOME and environment.
func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("LINEAGE_HOST", "")
	t.Setenv("LINEAGE_TOKEN", "")
	t.Setenv("LINEAGE_OUTPUT", "")
	t.Setenv(configPathEnv, "")
}

func TestRunStart(t *testing.T) {
	isolate(t)
	srv, api := newFakeAPI(t, map[string]string{
		"/v1/runs": `{"run_id":"r1","job":{"namespace":"spark","name":"etl"},"started_at":"2024-05-01T12:00:00Z"}`,
	})

	out, err := runCLI(t, "", "--host", srv.URL, "run", "start", "r1", "--job", "spark/etl", "--started-at", "2024-05-01T12:00:00Z")
	require.NoError(t, err)

	call := api.last()
	assert.Equal(t, http.MethodPost, call.Method)
	assert.Equal(t, "r1", call.Body["run_id"])
	assert.Equal(t, map[string]any{"namespace": "spark", "name": "etl"}, call.Body["job"])
	assert.Equal(t, "2024-05-01T12:00:00Z", call.Body["started_at"])
	assert.Contains(t, out, "run_id:")
	assert.Contains(t, out, "r1")
}

func TestRunStart_Errors(t *testing.T) {
	isolate(t)
	srv, _ := newFakeAPI(t, nil)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "missing job", args: []string{"run", "start"}, wantErr: "job"},
		{name: "empty job name", args: []string{"run", "start", "--job", "spark/"}, wantErr: "has no name"},
		{name: "bad start time", args: []string{"run", "start", "--job", "etl", "--started-at", "yesterday"}, wantErr: "RFC 3339"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, "", append([]string{"--host", srv.URL}, tt.args...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRunComplete(t *testing.T) {
	isolate(t)
	srv, api := newFakeAPI(t, map[string]string{
		"/v1/runs/r1/complete": `{"event_id":"e1","event_type":"FAIL","run_id":"r1","inputs":1,"outputs":0}`,
	})

	out, err := runCLI(t, "", "--host", srv.URL, "-o", "json", "run", "complete", "r1", "--event-type", "fail")
	require.NoError(t, err)
	assert.Equal(t, "/v1/runs/r1/complete", api.last().Path)
	assert.Equal(t, "FAIL", api.last().Body["event_type"])

	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "e1", res["event_id"])
}

func TestRunComplete_APIError(t *testing.T) {
	isolate(t)
	srv, api := newFakeAPI(t, map[string]string{
		"/v1/runs/r1/complete": `{"code":409,"message":"run \"r1\" is closed"}`,
	})
	api.statuses["/v1/runs/r1/complete"] = http.StatusConflict

	_, err := runCLI(t, "", "--host", srv.URL, "run", "complete", "r1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.HTTPStatus)
}

func TestReportSend_Flags(t *testing.T) {
	isolate(t)
	srv, api := newFakeAPI(t, map[string]string{
		"/v1/reports": `{"accepted":1,"rejected":0,"results":[{"index":0,"status":"accepted","version":"42"}]}`,
	})

	out, err := runCLI(t, "", "--host", srv.URL, "report", "send",
		"--kind", "scan", "--run-id", "r1", "--dataset", "s3://wh/db/flights",
		"--version", "42", "--payload", `{"snapshotId":42}`)
	require.NoError(t, err)

	body := api.last().Body
	assert.Equal(t, "scan", body["kind"])
	assert.Equal(t, "42", body["version"])
	assert.Equal(t, map[string]any{"namespace": "s3://wh/db", "name": "flights"}, body["dataset"])
	assert.Equal(t, map[string]any{"snapshotId": 42.0}, body["payload"])
	assert.NotContains(t, body, "role")

	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "accepted")
	assert.Contains(t, out, "accepted: 1  rejected: 0")
}

func TestReportSend_File(t *testing.T) {
	isolate(t)
	srv, api := newFakeAPI(t, map[string]string{"/v1/reports": `{"accepted":2,"rejected":0,"results":[]}`})

	batch := `{"reports":[{"kind":"basic-io","run_id":"r1"},{"kind":"scan","run_id":"r1"}]}`
	path := filepath.Join(t.TempDir(), "batch.json")
	require.NoError(t, os.WriteFile(path, []byte(batch), 0o600))

	_, err := runCLI(t, "", "--host", srv.URL, "report", "send", "--file", path)
	require.NoError(t, err)
	assert.Len(t, api.last().Body["reports"], 2)

	_, err = runCLI(t, batch, "--host", srv.URL, "report", "send", "-f", "-")
	require.NoError(t, err)
	assert.Len(t, api.last().Body["reports"], 2)
}

func TestReportBody_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		kind    string
		runID   string
		dataset string
		payload string
		wantErr string
	}{
		{name: "no kind", runID: "r1", wantErr: "--kind and --run-id"},
		{name: "no dataset name", kind: "scan", runID: "r1", dataset: "s3://wh/", wantErr: "--dataset"},
		{name: "dataset without namespace", kind: "scan", runID: "r1", dataset: "flights", wantErr: "--dataset"},
		{name: "bad payload", kind: "scan", runID: "r1", dataset: "ns/name", payload: "{", wantErr: "--payload"},
		{name: "missing file", file: filepath.Join(os.TempDir(), "does-not-exist.json"), wantErr: "read reports"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reportBody(strings.NewReader(""), tt.file, tt.kind, tt.runID, tt.dataset, "", "", tt.payload)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := reportBody(strings.NewReader("not json"), "-", "", "", "", "", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "valid JSON")
}

func TestEventsList(t *testing.T) {
	isolate(t)
	srv, api := newFakeAPI(t, map[string]string{
		"/v1/events": `{"total":3,"next_page_token":"Mg","events":[
			{"event_id":"e1","event_type":"COMPLETE","event_time":"2024-05-01T12:00:00Z","run_id":"r1","job":{"namespace":"spark","name":"etl"}}
		]}`,
	})

	out, err := runCLI(t, "", "--host", srv.URL, "events", "list", "--run-id", "r1", "--max-results", "1")
	require.NoError(t, err)
	assert.Equal(t, "max_results=1&run_id=r1", api.last().Query)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Contains(t, lines[0], "EVENT_ID")
	assert.Contains(t, lines[0], "JOB.NAME")
	assert.Contains(t, lines[1], "e1")
	assert.Contains(t, lines[1], "etl")
	assert.Contains(t, out, "--page-token Mg")
}

func TestEventsList_All(t *testing.T) {
	isolate(t)
	pages := map[string]string{
		"":   `{"total":2,"next_page_token":"MQ","events":[{"event_id":"e1"}]}`,
		"MQ": `{"total":2,"events":[{"event_id":"e2"}]}`,
	}
	var (
		mu     sync.Mutex
		tokens []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := r.URL.Query().Get("page_token")
		mu.Lock()
		tokens = append(tokens, tok)
		mu.Unlock()
		_, _ = io.WriteString(w, pages[tok])
	}))
	t.Cleanup(srv.Close)

	out, err := runCLI(t, "", "--host", srv.URL, "-o", "json", "events", "list", "--all")
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, []string{"", "MQ"}, tokens)
	mu.Unlock()

	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Len(t, res["events"], 2)
	assert.NotContains(t, res, "next_page_token")
}

func TestEventsGet(t *testing.T) {
	isolate(t)
	srv, api := newFakeAPI(t, map[string]string{"/v1/events/e1": `{"eventType":"COMPLETE","run":{"runId":"r1"}}`})

	out, err := runCLI(t, "", "--host", srv.URL, "events", "get", "e1")
	require.NoError(t, err)
	assert.Equal(t, "/v1/events/e1", api.last().Path)
	assert.JSONEq(t, `{"eventType":"COMPLETE","run":{"runId":"r1"}}`, out)
}

func TestStats(t *testing.T) {
	isolate(t)
	srv, _ := newFakeAPI(t, map[string]string{"/v1/stats": `{"emitted":3,"index":{"runs":1}}`})

	out, err := runCLI(t, "", "--host", srv.URL, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "emitted:  3")
	assert.Contains(t, out, `{"runs":1}`)
}

func TestPrecedence(t *testing.T) {
	isolate(t)
	flagSrv, flagAPI := newFakeAPI(t, map[string]string{"/v1/stats": `{}`})
	envSrv, envAPI := newFakeAPI(t, map[string]string{"/v1/stats": `{}`})
	profSrv, profAPI := newFakeAPI(t, map[string]string{"/v1/stats": `{}`})

	require.NoError(t, SaveUserConfig(&UserConfig{
		CurrentProfile: "default",
		Profiles: map[string]Profile{
			"default": {Host: profSrv.URL, Token: "profile-token"},
		},
	}))

	_, err := runCLI(t, "", "stats")
	require.NoError(t, err)
	assert.Equal(t, "Bearer profile-token", profAPI.last().Auth, "profile applies without flags or env")

	t.Setenv("LINEAGE_HOST", envSrv.URL)
	t.Setenv("LINEAGE_TOKEN", "env-token")
	_, err = runCLI(t, "", "stats")
	require.NoError(t, err)
	assert.Equal(t, "Bearer env-token", envAPI.last().Auth, "env beats profile")

	_, err = runCLI(t, "", "--host", flagSrv.URL, "--token", "flag-token", "stats")
	require.NoError(t, err)
	assert.Equal(t, "Bearer flag-token", flagAPI.last().Auth, "flags beat env")
}

func TestInvalidOutputFormat(t *testing.T) {
	isolate(t)
	_, err := runCLI(t, "", "-o", "yaml", "version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output format")
}

func TestVersion(t *testing.T) {
	isolate(t)
	out, err := runCLI(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "lineagectl version dev (commit: none)\n", out)
}

func TestErrorHint(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"unauthorized", &APIError{HTTPStatus: http.StatusUnauthorized}, "LINEAGE_TOKEN"},
		{"no archive", &APIError{HTTPStatus: http.StatusNotImplemented}, "LINEAGE_TRANSPORTS"},
		{"not found", &APIError{HTTPStatus: http.StatusNotFound}, ""},
		{"connection refused", fmt.Errorf("execute request: %w", &net.OpError{Op: "dial", Err: errors.New("refused")}), "LINEAGE_HOST"},
		{"other", errors.New("boom"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := errorHint(tt.err)
			if tt.want == "" {
				assert.Empty(t, got)
				return
			}
			assert.Contains(t, got, tt.want)
		})
	}
}
