package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess     = 0
	CodeParamError  = 400
	CodeServerError = 500
)

// 业务错误码
const (
	CodeOverCeiling      = 1003
	CodeDuplicateRequest = 1004
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: message,
		Data:    data,
	})
}

// Error HTTP 状态码与业务码分开，客户端可以只看 HTTP 状态
func Error(c *gin.Context, status, code int, message string) {
	c.JSON(status, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, CodeServerError, message)
}

// BusinessError 业务拒绝属于客户端错误
func BusinessError(c *gin.Context, code int, message string, data interface{}) {
	c.JSON(http.StatusBadRequest, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}
