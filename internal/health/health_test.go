package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(context.Context) CheckResult { return CheckResult{Status: StatusHealthy} }

func TestOverallStatus(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("ipc", true, healthy)
	c.RegisterFunc("collector", false, func(context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy}
	})

	assert.Equal(t, StatusUnknown, c.OverallStatus(), "critical component not checked yet")

	c.Check(context.Background())
	assert.Equal(t, StatusDegraded, c.OverallStatus(), "non-critical failure degrades")

	c.RegisterFunc("capture", true, func(context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy}
	})
	c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())
}

func TestCheckRecoversPanicsAndTimeouts(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("panics", false, func(context.Context) CheckResult { panic("kaboom") })
	c.Register(&Component{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})

	res := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res["panics"].Status)
	assert.Equal(t, "kaboom", res["panics"].Error)
	assert.Equal(t, StatusUnhealthy, res["slow"].Status)
	assert.Equal(t, "check timed out", res["slow"].Message)
	assert.Equal(t, res, c.Results())
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("ipc", true, healthy)

	rec := httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	c.SetReady(true)
	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	c := NewChecker()
	c.SetReady(true)
	c.RegisterFunc("ipc", true, FuncCheck("listening", func(context.Context) error { return nil }))
	c.RegisterFunc("capture", false, FuncCheck("running", func(context.Context) error {
		return errors.New("hub stopped")
	}))

	rec := httptest.NewRecorder()
	c.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.True(t, resp.Ready)
	assert.Equal(t, "listening", resp.Components["ipc"].Message)
	assert.Equal(t, "hub stopped", resp.Components["capture"].Error)
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChecker().LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}

func TestEndpointCheck(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	res := EndpointCheck(func() string { return srv.URL + "/v1/violations" })(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)

	res = EndpointCheck(func() string { return "" })(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)

	res = EndpointCheck(func() string { return "::not a url" })(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)

	closed := httptest.NewServer(http.NotFoundHandler())
	addr := closed.URL
	closed.Close()
	res = EndpointCheck(func() string { return addr })(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
}
