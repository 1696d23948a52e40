package bridge

import (
	_ "embed"
	"strings"
)

//go:embed agent.js
var agentScript string

// AgentScript 返回页面代理脚本，wsPath为桥接的websocket路径
func AgentScript(wsPath string) []byte {
	if wsPath == "" {
		wsPath = "/ws/page"
	}
	return []byte(strings.ReplaceAll(agentScript, "__BRIDGE_PATH__", wsPath))
}
