package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func up(context.Context) error   { return nil }
func down(context.Context) error { return errors.New("connection refused") }

func TestChecker_Routes(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		ready      bool
		database   PingFunc
		redis      PingFunc
		wantStatus int
		wantHealth Status
	}{
		{name: "live", path: "/api/v1/health/live", database: down, redis: down, wantStatus: http.StatusOK, wantHealth: StatusHealthy},
		{name: "not ready yet", path: "/api/v1/health/ready", database: up, redis: up, wantStatus: http.StatusServiceUnavailable, wantHealth: StatusUnhealthy},
		{name: "ready", path: "/api/v1/health/ready", ready: true, database: up, redis: up, wantStatus: http.StatusOK, wantHealth: StatusHealthy},
		{name: "optional down degrades", path: "/api/v1/health", ready: true, database: up, redis: down, wantStatus: http.StatusOK, wantHealth: StatusDegraded},
		{name: "required down", path: "/api/v1/health/ready", ready: true, database: down, redis: up, wantStatus: http.StatusServiceUnavailable, wantHealth: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewChecker("test")
			checker.Require("database", tt.database)
			checker.Optional("redis", tt.redis)
			checker.SetReady(tt.ready)

			e := echo.New()
			checker.RegisterRoutes(e)

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body Response
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantHealth, body.Status)
		})
	}
}
