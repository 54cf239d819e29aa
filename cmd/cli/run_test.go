package cli

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"handoff/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = "file:cli_" + t.Name() + "?mode=memory&cache=shared"
	cfg.Database.MaxOpenConns = 1
	return cfg
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestNewApp_ServesRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := newApp(testConfig(t), quietLogger())
	defer a.close(context.Background())
	require.NotNil(t, a.db, "sqlite store is used when the database opens")

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)

	body := strings.NewReader(`{"user_id":"u1","content":"quiero hablar con un agente"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/c1/messages", body)
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/support/tickets/pending", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)
}

func TestNewApp_FallsBackToMemory(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)
	cfg.Database.Driver = "oracle"

	a := newApp(cfg, quietLogger())
	defer a.close(context.Background())
	assert.Nil(t, a.db)

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code, "a disabled database does not block readiness")
}

func TestCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(corsMiddleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/x", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Agent-ID")
}
