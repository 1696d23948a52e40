package server

import (
	"context"

	"github.com/gin-gonic/gin"
)

// CfgService 定义挂载到gin引擎上的HTTP服务
type CfgService interface {
	Start(ctx context.Context, engine *gin.Engine, apiGroup *gin.RouterGroup) error
}
