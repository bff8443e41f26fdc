package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/botdeskhq/botdesk/internal/common"
)

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"message": "pong"})
}
