package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOperatorSession(t *testing.T) {
	var got struct {
		id, name, device string
		ok               bool
	}
	h := OperatorSession("term-1")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, ok := GetSession(r.Context())
		got.id, got.name, got.device, got.ok = s.OperatorID, s.OperatorName, s.DeviceID, ok
	}))

	t.Run("missing operator", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("name defaults to id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderOperatorID, "op-7")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, got.ok)
		assert.Equal(t, "op-7", got.id)
		assert.Equal(t, "op-7", got.name)
		assert.Equal(t, "term-1", got.device)
	})
}

func TestRequestIDEchoed(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc", GetRequestID(r.Context()))
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestRecover(t *testing.T) {
	h := Recover(nopLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func nopLogger() *zap.Logger { return zap.NewNop() }
