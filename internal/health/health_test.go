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

func healthy(ctx context.Context) CheckResult   { return CheckResult{Status: StatusHealthy} }
func unhealthy(ctx context.Context) CheckResult { return CheckResult{Status: StatusUnhealthy} }

func TestOverallUnknownBeforeRun(t *testing.T) {
	c := NewChecker(nil)
	c.RegisterFunc("store", true, healthy)
	assert.Equal(t, StatusUnknown, c.Overall())

	c.Run(context.Background())
	assert.Equal(t, StatusHealthy, c.Overall())
}

func TestOverallCriticalVsOptional(t *testing.T) {
	c := NewChecker(nil)
	c.RegisterFunc("store", true, healthy)
	c.RegisterFunc("disk", false, unhealthy)
	c.Run(context.Background())
	assert.Equal(t, StatusDegraded, c.Overall())

	c.RegisterFunc("listener", true, unhealthy)
	c.Run(context.Background())
	assert.Equal(t, StatusUnhealthy, c.Overall())
}

func TestRunRecoversPanicAndTimeout(t *testing.T) {
	c := NewChecker(nil)
	c.RegisterFunc("boom", false, func(ctx context.Context) CheckResult { panic("bad") })
	c.Register(&Component{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})

	res := c.Run(context.Background())
	assert.Equal(t, StatusUnhealthy, res["boom"].Status)
	assert.Equal(t, "bad", res["boom"].Error)
	assert.Equal(t, StatusUnhealthy, res["slow"].Status)
	assert.Equal(t, "check timed out", res["slow"].Message)
}

func TestPingAndFuncChecks(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, StatusHealthy, PingCheck("store", func(context.Context) error { return nil })(ctx).Status)

	res := PingCheck("store", func(context.Context) error { return errors.New("locked") })(ctx)
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "store unreachable", res.Message)

	assert.Equal(t, StatusUnhealthy, FuncCheck(func() error { return errors.New("x") })(ctx).Status)
}

func TestDiskSpaceCheck(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, StatusHealthy, DiskSpaceCheck(dir, 1)(context.Background()).Status)
	assert.Equal(t, StatusDegraded, DiskSpaceCheck(dir, ^uint64(0))(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, DiskSpaceCheck(dir+"/missing", 1)(context.Background()).Status)
}

func TestHandler(t *testing.T) {
	c := NewChecker(nil)
	c.RegisterFunc("store", true, healthy)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready yet")

	c.SetReady(true)
	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz?full=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.True(t, resp.Ready)
	assert.Contains(t, resp.Components, "store")
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker(nil)
	c.RegisterFunc("store", true, unhealthy)

	rec := httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	c.SetReady(true)
	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "readiness ignores component health")
	assert.Contains(t, rec.Body.String(), `"ready":true`)
}
