package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/whoop-insight-bot/internal/sync"
	"github.com/xaenox/whoop-insight-bot/internal/whoop"
	"go.uber.org/zap"
)

type fakeRunner struct {
	report *sync.Report
	err    error
	last   *sync.Report
	rng    whoop.DateRange
	calls  int
	ctxErr error
}

func (f *fakeRunner) Run(ctx context.Context, rng whoop.DateRange, _ ...sync.JobName) (*sync.Report, error) {
	f.calls++
	f.rng = rng
	f.ctxErr = ctx.Err()
	if f.err != nil {
		return nil, f.err
	}
	f.last = f.report
	return f.report, nil
}

func (f *fakeRunner) Last() *sync.Report { return f.last }

var testRange = whoop.DateRange{
	Start: time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 12, 12, 0, 0, 0, 0, time.UTC),
}

func newTestServer(runner SyncRunner) *httptest.Server {
	h := NewHandler(runner, func(time.Time) (whoop.DateRange, error) { return testRange, nil }, zap.NewNop())
	return httptest.NewServer(NewRouter(h, "", zap.NewNop()))
}

func get(t *testing.T, url string) (int, string, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, resp.Header.Get("Content-Type"), string(body)
}

func TestSync_Success(t *testing.T) {
	runner := &fakeRunner{report: &sync.Report{Jobs: []sync.Status{
		{Job: sync.JobCycles, Fetched: 3, Stored: 3},
		{Job: sync.JobRecovery, Err: errors.New("status 500"), Error: "status 500"},
	}}}
	srv := newTestServer(runner)
	defer srv.Close()

	status, contentType, body := get(t, srv.URL+"/")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, contentType, "text/plain")
	assert.Equal(t, syncSuccessMessage, body)
	assert.Equal(t, testRange, runner.rng)
}

func TestSync_Failure(t *testing.T) {
	srv := newTestServer(&fakeRunner{err: errors.New("authentication failed: invalid_grant")})
	defer srv.Close()

	status, _, body := get(t, srv.URL+"/")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "Error: authentication failed: invalid_grant", body)
}

func TestSync_DateRangeError(t *testing.T) {
	runner := &fakeRunner{}
	h := NewHandler(runner, func(time.Time) (whoop.DateRange, error) {
		return whoop.DateRange{}, errors.New("invalid start date")
	}, zap.NewNop())
	srv := httptest.NewServer(NewRouter(h, "", zap.NewNop()))
	defer srv.Close()

	status, _, body := get(t, srv.URL+"/")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "Error: invalid start date", body)
	assert.Equal(t, 0, runner.calls)
}

func TestStatus(t *testing.T) {
	runner := &fakeRunner{report: &sync.Report{Jobs: []sync.Status{{Job: sync.JobSleep, Fetched: 2, Stored: 1}}}}
	srv := newTestServer(runner)
	defer srv.Close()

	status, _, _ := get(t, srv.URL+"/status")
	assert.Equal(t, http.StatusNotFound, status)

	get(t, srv.URL+"/")

	status, contentType, body := get(t, srv.URL+"/status")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "application/json", contentType)

	var report sync.Report
	require.NoError(t, json.Unmarshal([]byte(body), &report))
	require.Len(t, report.Jobs, 1)
	assert.Equal(t, sync.JobSleep, report.Jobs[0].Job)
	assert.Equal(t, 1, report.Jobs[0].Stored)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&fakeRunner{})
	defer srv.Close()

	status, _, body := get(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, body)
}

func TestSync_RunSurvivesClientDisconnect(t *testing.T) {
	runner := &fakeRunner{report: &sync.Report{}}
	h := NewHandler(runner, func(time.Time) (whoop.DateRange, error) { return testRange, nil }, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/sync", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	h.Sync(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, runner.calls)
	assert.NoError(t, runner.ctxErr)
}

func TestTriggerRequiresToken(t *testing.T) {
	const secret = "trigger-secret"
	runner := &fakeRunner{report: &sync.Report{}}
	h := NewHandler(runner, func(time.Time) (whoop.DateRange, error) { return testRange, nil }, zap.NewNop())
	srv := httptest.NewServer(NewRouter(h, secret, zap.NewNop()))
	defer srv.Close()

	sign := func(key string, method jwt.SigningMethod) string {
		tok, err := jwt.NewWithClaims(method, jwt.MapClaims{
			"sub": "scheduler",
			"exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte(key))
		require.NoError(t, err)
		return tok
	}

	request := func(token string) int {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, request(""))
	assert.Equal(t, http.StatusUnauthorized, request(sign("wrong", jwt.SigningMethodHS256)))
	assert.Equal(t, http.StatusUnauthorized, request(sign(secret, jwt.SigningMethodHS512)))
	assert.Equal(t, 0, runner.calls)

	assert.Equal(t, http.StatusOK, request(sign(secret, jwt.SigningMethodHS256)))
	assert.Equal(t, 1, runner.calls)

	status, _, _ := get(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, status)
}

type blockingRunner struct {
	fakeRunner
	started chan struct{}
	release chan struct{}
}

func (b *blockingRunner) Run(ctx context.Context, rng whoop.DateRange, only ...sync.JobName) (*sync.Report, error) {
	close(b.started)
	<-b.release
	return b.fakeRunner.Run(ctx, rng, only...)
}

func TestSync_ConcurrentRunRejected(t *testing.T) {
	runner := &blockingRunner{
		fakeRunner: fakeRunner{report: &sync.Report{}},
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	srv := newTestServer(runner)
	defer srv.Close()

	done := make(chan int)
	go func() {
		resp, err := http.Get(srv.URL + "/")
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	<-runner.started
	status, _, body := get(t, srv.URL+"/")
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, body, "already running")

	close(runner.release)
	assert.Equal(t, http.StatusOK, <-done)
}
