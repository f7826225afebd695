package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func render(t *testing.T, err error) (int, map[string]interface{}) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/test", nil)

	HandleError(c, err)

	var body map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body["error"]
}

func TestHandleError(t *testing.T) {
	t.Run("Limit error carries details", func(t *testing.T) {
		code, body := render(t, New429Error("Limit reached.", fmt.Errorf("questions"), gin.H{"kind": "questions"}))
		assert.Equal(t, http.StatusTooManyRequests, code)
		assert.Equal(t, "LIMIT_EXCEEDED", body["type"])
		assert.Equal(t, "Limit reached.", body["message"])
		assert.Equal(t, "questions", body["kind"])
	})

	t.Run("Upstream error hides internals", func(t *testing.T) {
		code, body := render(t, New503Error("Try again.", fmt.Errorf("connection reset")))
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "Try again.", body["message"])
	})

	t.Run("Plain error becomes internal server error", func(t *testing.T) {
		code, body := render(t, fmt.Errorf("boom"))
		assert.Equal(t, http.StatusInternalServerError, code)
		assert.Equal(t, "INTERNAL_SERVER_ERROR", body["type"])
		assert.Equal(t, "An unexpected error occurred", body["message"])
	})
}

func TestCustomErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := NewPersistenceError("Could not save.", cause, nil)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "Could not save.", err.Error())
}
