// Package cmd 提供 interceptor 命令行工具的所有子命令实现。
// 本文件实现 config 命令，用于查看和修改代理配置。
package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oriys/interceptor/internal/domain"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change the proxy configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the current proxy configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update the proxy configuration",
	Long: `Update the proxy configuration. Unspecified fields keep their current values.

Rules are given as key=value, where value is JSON; a value that is not valid
JSON is sent as a string.

Examples:
  # Change the target
  interceptor config set --hostname api.internal --port 9000

  # Add a request header and override the response status
  interceptor config set --request-rule headers.X-Trace=on --response-rule statusCode=503

  # Replace all request rules
  interceptor config set --replace --request-rule 'body.user={"id":1}'`,
	Args: cobra.NoArgs,
	RunE: runConfigSet,
}

var (
	setHostname      string
	setPort          int
	setRequestRules  []string
	setResponseRules []string
	setReplace       bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)

	configSetCmd.Flags().StringVar(&setHostname, "hostname", "", "Target hostname")
	configSetCmd.Flags().IntVar(&setPort, "port", 0, "Target port")
	configSetCmd.Flags().StringArrayVar(&setRequestRules, "request-rule", nil, "Request rule key=value (repeatable)")
	configSetCmd.Flags().StringArrayVar(&setResponseRules, "response-rule", nil, "Response rule key=value (repeatable)")
	configSetCmd.Flags().BoolVar(&setReplace, "replace", false, "Replace existing rules instead of merging")
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	cfg, err := NewClient().GetConfig(commandContext(cmd))
	if err != nil {
		return err
	}
	return NewPrinter(cmd.OutOrStdout()).PrintConfig(cfg)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	client := NewClient()
	cfg, err := client.GetConfig(commandContext(cmd))
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("hostname") {
		cfg.TargetHostname = setHostname
	}
	if cmd.Flags().Changed("port") {
		cfg.TargetPort = setPort
	}
	if cfg.RequestModifications, err = mergeRules(cfg.RequestModifications, setRequestRules, setReplace); err != nil {
		return err
	}
	if cfg.ResponseModifications, err = mergeRules(cfg.ResponseModifications, setResponseRules, setReplace); err != nil {
		return err
	}

	if err := client.UpdateConfig(commandContext(cmd), cfg); err != nil {
		return err
	}
	cmd.Println("Configuration updated.")
	return NewPrinter(cmd.OutOrStdout()).PrintConfig(cfg)
}

// mergeRules 把 key=value 形式的规则合并进已有规则。
// replace 为真且给出了新规则时，已有规则被整体替换。
func mergeRules(current domain.Rules, specs []string, replace bool) (domain.Rules, error) {
	out := domain.Rules{}
	if !replace || len(specs) == 0 {
		for k, v := range current {
			out[k] = v
		}
	}
	for _, spec := range specs {
		key, value, ok := strings.Cut(spec, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid rule %q, expected key=value", spec)
		}
		if json.Valid([]byte(value)) {
			out[key] = json.RawMessage(value)
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		out[key] = encoded
	}
	return out, nil
}
