package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, data)
}

// Fail writes the JSON error envelope: {code, message, details?}.
func Fail(c *gin.Context, status int, code string, msg string) {
	c.AbortWithStatusJSON(status, AppError{Code: code, Message: msg})
}

// FailErr writes err as the error envelope, mapping unknown errors to a
// generic internal error so detail never leaks to the caller.
func FailErr(c *gin.Context, err error) {
	if ae, ok := AsAppError(err); ok {
		c.AbortWithStatusJSON(HTTPStatus(ae.Code), ae)
		return
	}
	Fail(c, http.StatusInternalServerError, CodeInternal, "internal error")
}
