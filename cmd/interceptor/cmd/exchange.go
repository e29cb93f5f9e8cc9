// Package cmd 提供 interceptor 命令行工具的所有子命令实现。
// 本文件实现 modify 与 inject 命令。
package cmd

import (
	"fmt"
	"os"

	"github.com/oriys/interceptor/internal/domain"
	"github.com/oriys/interceptor/internal/gatewayclient"
	"github.com/spf13/cobra"
)

var modifyCmd = &cobra.Command{
	Use:   "modify",
	Short: "Preview the configured modification rules on a request or response",
}

var modifyRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Apply request rules to a request",
	Long: `Apply the configured request rules to a request and print the result.

Example:
  interceptor modify request --data '{"method":"GET","url":"/users","headers":{}}'`,
	Args: cobra.NoArgs,
	RunE: runModifyRequest,
}

var modifyResponseCmd = &cobra.Command{
	Use:   "response",
	Short: "Apply response rules to a response",
	Long: `Apply the configured response rules to a response and print the result.

Example:
  interceptor modify response --data '{"statusCode":200,"headers":{},"body":{"ok":true}}'`,
	Args: cobra.NoArgs,
	RunE: runModifyResponse,
}

var injectCmd = &cobra.Command{
	Use:   "inject",
	Short: "Inject a response without contacting the target",
	Long: `Return the given response verbatim and record the exchange as injected.

The optional --request is recorded as the request side; it defaults to GET /.

Examples:
  interceptor inject --data '{"statusCode":200,"headers":{"Content-Type":"application/json"},"body":{"data":"bar"}}'
  interceptor inject --data @resp.json --request '{"method":"POST","url":"/orders","headers":{}}'`,
	Args: cobra.NoArgs,
	RunE: runInject,
}

var (
	exchangeData    string
	injectRequestJS string
)

func init() {
	rootCmd.AddCommand(modifyCmd, injectCmd)
	modifyCmd.AddCommand(modifyRequestCmd, modifyResponseCmd)

	for _, c := range []*cobra.Command{modifyRequestCmd, modifyResponseCmd, injectCmd} {
		c.Flags().StringVarP(&exchangeData, "data", "d", "", "JSON payload or @file")
		c.MarkFlagRequired("data")
	}
	injectCmd.Flags().StringVar(&injectRequestJS, "request", "", "Request to record, JSON or @file")
}

func runModifyRequest(cmd *cobra.Command, args []string) error {
	var req domain.HTTPRequest
	if err := parseJSONArg(exchangeData, os.ReadFile, &req); err != nil {
		return fmt.Errorf("--data: %w", err)
	}
	out, err := NewClient().ModifyRequest(commandContext(cmd), &req)
	if err != nil {
		return err
	}
	return NewPrinter(cmd.OutOrStdout()).PrintRequest(out)
}

func runModifyResponse(cmd *cobra.Command, args []string) error {
	var resp domain.HTTPResponse
	if err := parseJSONArg(exchangeData, os.ReadFile, &resp); err != nil {
		return fmt.Errorf("--data: %w", err)
	}
	out, err := NewClient().ModifyResponse(commandContext(cmd), &resp)
	if err != nil {
		return err
	}
	return NewPrinter(cmd.OutOrStdout()).PrintResponse(out)
}

func runInject(cmd *cobra.Command, args []string) error {
	var req gatewayclient.InjectRequest
	if err := parseJSONArg(exchangeData, os.ReadFile, &req.HTTPResponse); err != nil {
		return fmt.Errorf("--data: %w", err)
	}
	if injectRequestJS != "" {
		req.Request = &domain.HTTPRequest{}
		if err := parseJSONArg(injectRequestJS, os.ReadFile, req.Request); err != nil {
			return fmt.Errorf("--request: %w", err)
		}
	}

	res, err := NewClient().Inject(commandContext(cmd), &req)
	if err != nil {
		return err
	}
	return NewPrinter(cmd.OutOrStdout()).PrintInjectResult(res)
}
