// Package cmd 提供 interceptor 命令行工具的所有子命令实现。
// 本文件根据 viper 配置构造管理 API 客户端。
package cmd

import (
	"context"

	"github.com/oriys/interceptor/internal/gatewayclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewClient 创建管理 API 客户端。
// 从 viper 配置中读取 api_url、api_key 与 token。
func NewClient() *gatewayclient.Client {
	return gatewayclient.New(viper.GetString("api_url"),
		gatewayclient.WithAPIKey(viper.GetString("api_key")),
		gatewayclient.WithToken(viper.GetString("token")),
	)
}

// commandContext 返回命令的上下文，未通过 ExecuteContext 启动时使用 Background
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
