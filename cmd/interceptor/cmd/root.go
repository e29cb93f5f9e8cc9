// Package cmd 包含 interceptor CLI 工具的所有命令实现
// 使用 cobra 框架构建命令行接口
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// 全局命令行标志变量
var (
	cfgFile   string // 配置文件路径
	apiURL    string // 管理 API 地址
	outputFmt string // 输出格式（table/json/yaml）
	apiKey    string // API Key
	token     string // JWT Bearer Token
)

// rootCmd 是 CLI 的根命令
// 所有子命令都挂载在这个根命令下
var rootCmd = &cobra.Command{
	Use:   "interceptor",
	Short: "Interceptor - HTTP traffic interception CLI",
	Long: `interceptor 是用于管理 HTTP 流量拦截网关的命令行工具。

使用示例:
  # 查看当前代理配置
  interceptor config get

  # 修改代理目标并添加请求头规则
  interceptor config set --hostname api.internal --port 9000 --request-rule 'headers.X-Trace="on"'

  # 查询今天的流量记录
  interceptor traffic list --start 2026-10-15 --end 2026-10-15

  # 注入一个响应
  interceptor inject --data '{"statusCode":200,"headers":{},"body":{"ok":true}}'

  # 执行脚本
  interceptor scripts exec <id> --context '{"value":41}'`,
	SilenceUsage: true,
}

// Execute 执行根命令
// 这是 CLI 的入口函数，由 main 包调用
func Execute() error {
	return rootCmd.Execute()
}

// init 注册全局标志和配置初始化函数
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径（默认为 $HOME/.interceptor.yaml）")
	rootCmd.PersistentFlags().StringVarP(&apiURL, "api-url", "u", "http://localhost:8080", "管理 API 地址")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "输出格式（table、json、yaml）")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API Key")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "JWT Bearer Token")

	// 将标志绑定到 viper 配置
	viper.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	viper.BindPFlag("api_key", rootCmd.PersistentFlags().Lookup("api-key"))
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

// initConfig 初始化配置
// 按优先级加载配置：命令行标志 > 环境变量 > 配置文件
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".interceptor")
	}

	// 环境变量格式：INTERCEPTOR_<KEY>，如 INTERCEPTOR_API_URL
	viper.SetEnvPrefix("INTERCEPTOR")
	viper.AutomaticEnv()

	// 配置文件不存在时忽略
	_ = viper.ReadInConfig()
}
