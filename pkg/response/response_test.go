package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestResponses(t *testing.T) {
	tests := []struct {
		name       string
		write      func(c *gin.Context)
		wantStatus int
		wantCode   int
		wantData   bool
	}{
		{name: "success", write: func(c *gin.Context) { Success(c, "ok", gin.H{"id": 1}) }, wantStatus: http.StatusOK, wantCode: CodeSuccess, wantData: true},
		{name: "param", write: func(c *gin.Context) { ParamError(c, "bad") }, wantStatus: http.StatusBadRequest, wantCode: CodeParamError},
		{name: "server", write: func(c *gin.Context) { ServerError(c, "boom") }, wantStatus: http.StatusInternalServerError, wantCode: CodeServerError},
		{name: "business", write: func(c *gin.Context) { BusinessError(c, CodeOverCeiling, "over", gin.H{"current_total": 1000}) }, wantStatus: http.StatusBadRequest, wantCode: CodeOverCeiling, wantData: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			tt.write(c)

			assert.Equal(t, tt.wantStatus, w.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, float64(tt.wantCode), body["code"])
			_, hasData := body["data"]
			assert.Equal(t, tt.wantData, hasData)
		})
	}
}
