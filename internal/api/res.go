package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 是失败时返回的统一结构
type Response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func OkWithData(data any, c *gin.Context) {
	c.JSON(http.StatusOK, data)
}

func FailWithMsg(code int, msg string, c *gin.Context) {
	c.JSON(code, Response{Code: code, Msg: msg})
}

// FailWithError 用于请求参数错误
func FailWithError(err error, c *gin.Context) {
	FailWithMsg(http.StatusBadRequest, err.Error(), c)
}
