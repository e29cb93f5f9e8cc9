// Package main 是 interceptor 命令行工具的入口点
// interceptor 用于管理拦截网关：代理配置、流量记录、脚本和注入响应
package main

import (
	"os"

	"github.com/oriys/interceptor/cmd/interceptor/cmd"
)

// main 是 CLI 工具的主函数
func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
