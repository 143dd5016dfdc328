package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/context"
)

func newEcho() *echo.Echo {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	e := echo.New()
	e.HTTPErrorHandler = Error(logger)
	e.Use(Context(), Logger(logger))
	return e
}

func TestContext(t *testing.T) {
	e := newEcho()
	var requestID, trigger string
	e.GET("/ping", func(c echo.Context) error {
		requestID = context.GetRequestID(c.Request().Context())
		trigger = context.GetTrigger(c.Request().Context())
		return c.NoContent(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(echo.HeaderXRequestID, "req-1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "req-1", requestID)
	assert.Equal(t, context.TriggerHTTP, trigger)
	assert.Equal(t, "req-1", rec.Header().Get(echo.HeaderXRequestID))

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantMessage string
		wantMeta    map[string]any
	}{
		{
			name:        "http error",
			err:         httperror.NewHTTPError(http.StatusConflict, "users is already running").AddMetaValue("kind", "users"),
			wantStatus:  http.StatusConflict,
			wantMessage: "users is already running",
			wantMeta:    map[string]any{"kind": "users"},
		},
		{
			name:        "echo error",
			err:         echo.NewHTTPError(http.StatusMethodNotAllowed, "nope"),
			wantStatus:  http.StatusMethodNotAllowed,
			wantMessage: "nope",
			wantMeta:    map[string]any{},
		},
		{
			name:        "plain error is hidden",
			err:         errors.New("pq: password authentication failed"),
			wantStatus:  http.StatusInternalServerError,
			wantMessage: "Internal Server Error",
			wantMeta:    map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEcho()
			e.GET("/fail", func(echo.Context) error { return tt.err })

			req := httptest.NewRequest(http.MethodGet, "/fail", nil)
			req.Header.Set(echo.HeaderXRequestID, "req-2")
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Contains(t, body.Message, tt.wantMessage)
			assert.Equal(t, "req-2", body.RequestID)
			assert.Equal(t, tt.wantMeta, body.Meta)
		})
	}
}
