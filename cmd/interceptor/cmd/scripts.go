// Package cmd 提供 interceptor 命令行工具的所有子命令实现。
// 本文件实现 scripts 命令，用于管理和执行脚本。
package cmd

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/oriys/interceptor/internal/domain"
	"github.com/spf13/cobra"
)

var scriptsCmd = &cobra.Command{
	Use:     "scripts",
	Aliases: []string{"script"},
	Short:   "Manage and execute scripts",
}

var scriptsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List scripts",
	Args:    cobra.NoArgs,
	RunE:    runScriptsList,
}

var scriptsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a script",
	Args:  cobra.ExactArgs(1),
	RunE:  runScriptsGet,
}

var scriptsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a script",
	Long: `Create a script from inline code or a file.

Wasm modules are read from --file and uploaded base64 encoded.

Examples:
  interceptor scripts create plusOne --code 'context.value + 1'
  interceptor scripts create tagger --file tagger.js --description "adds tags"
  interceptor scripts create fast --runtime wasm --file fast.wasm`,
	Args: cobra.ExactArgs(1),
	RunE: runScriptsCreate,
}

var scriptsUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update a script's name, description or code",
	Args:  cobra.ExactArgs(1),
	RunE:  runScriptsUpdate,
}

var scriptsDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a script",
	Args:    cobra.ExactArgs(1),
	RunE:    runScriptsDelete,
}

var scriptsExecCmd = &cobra.Command{
	Use:   "exec <id>",
	Short: "Execute a script against a JSON context",
	Long: `Execute a script. The context is a JSON object, inline or @file.

Examples:
  interceptor scripts exec <id> --context '{"value":41}'
  interceptor scripts exec <id> --context @ctx.json --timeout-ms 200`,
	Args: cobra.ExactArgs(1),
	RunE: runScriptsExec,
}

var (
	scriptName        string
	scriptDescription string
	scriptCode        string
	scriptFile        string
	scriptRuntime     string
	scriptPage        int
	scriptLimit       int
	execContext       string
	execTimeoutMs     int
)

func init() {
	rootCmd.AddCommand(scriptsCmd)
	scriptsCmd.AddCommand(scriptsListCmd, scriptsGetCmd, scriptsCreateCmd, scriptsUpdateCmd, scriptsDeleteCmd, scriptsExecCmd)

	scriptsListCmd.Flags().IntVar(&scriptPage, "page", 1, "Page number")
	scriptsListCmd.Flags().IntVar(&scriptLimit, "limit", 20, "Page size (1-100)")

	for _, c := range []*cobra.Command{scriptsCreateCmd, scriptsUpdateCmd} {
		c.Flags().StringVarP(&scriptDescription, "description", "d", "", "Script description")
		c.Flags().StringVarP(&scriptCode, "code", "c", "", "Inline script code")
		c.Flags().StringVarP(&scriptFile, "file", "f", "", "Read script code from file")
	}
	scriptsCreateCmd.Flags().StringVarP(&scriptRuntime, "runtime", "r", string(domain.RuntimeJavaScript), "Runtime (javascript, wasm)")
	scriptsUpdateCmd.Flags().StringVar(&scriptName, "name", "", "New script name")

	scriptsExecCmd.Flags().StringVar(&execContext, "context", "{}", "Execution context JSON or @file")
	scriptsExecCmd.Flags().IntVar(&execTimeoutMs, "timeout-ms", 0, "Execution budget in milliseconds (default server budget)")
}

func runScriptsList(cmd *cobra.Command, args []string) error {
	list, err := NewClient().ListScripts(commandContext(cmd), scriptPage, scriptLimit)
	if err != nil {
		return err
	}
	return NewPrinter(cmd.OutOrStdout()).PrintScripts(list)
}

func runScriptsGet(cmd *cobra.Command, args []string) error {
	s, err := NewClient().GetScript(commandContext(cmd), args[0])
	if err != nil {
		return err
	}
	return NewPrinter(cmd.OutOrStdout()).PrintScript(s)
}

func runScriptsCreate(cmd *cobra.Command, args []string) error {
	runtime := domain.ScriptRuntime(strings.ToLower(scriptRuntime))
	code, err := readScriptCode(runtime)
	if err != nil {
		return err
	}
	if code == "" {
		return fmt.Errorf("either --code or --file is required")
	}

	s, err := NewClient().CreateScript(commandContext(cmd), &domain.CreateScriptRequest{
		Name:        args[0],
		Description: scriptDescription,
		Code:        code,
		Runtime:     runtime,
	})
	if err != nil {
		return err
	}
	cmd.Printf("Script %s created with id %s.\n", s.Name, s.ID)
	return nil
}

func runScriptsUpdate(cmd *cobra.Command, args []string) error {
	client := NewClient()
	req := &domain.UpdateScriptRequest{}
	if cmd.Flags().Changed("name") {
		req.Name = &scriptName
	}
	if cmd.Flags().Changed("description") {
		req.Description = &scriptDescription
	}
	if cmd.Flags().Changed("code") || cmd.Flags().Changed("file") {
		// wasm 文件需要按现有脚本的运行时编码
		current, err := client.GetScript(commandContext(cmd), args[0])
		if err != nil {
			return err
		}
		code, err := readScriptCode(current.Runtime)
		if err != nil {
			return err
		}
		req.Code = &code
	}
	if req.IsEmpty() {
		return fmt.Errorf("nothing to update, pass --name, --description, --code or --file")
	}

	s, err := client.UpdateScript(commandContext(cmd), args[0], req)
	if err != nil {
		return err
	}
	cmd.Printf("Script %s updated.\n", s.Name)
	return nil
}

func runScriptsDelete(cmd *cobra.Command, args []string) error {
	if err := NewClient().DeleteScript(commandContext(cmd), args[0]); err != nil {
		return err
	}
	cmd.Printf("Script %s deleted.\n", args[0])
	return nil
}

func runScriptsExec(cmd *cobra.Command, args []string) error {
	req := &domain.ExecuteScriptRequest{TimeoutMs: execTimeoutMs}
	if err := parseJSONArg(execContext, os.ReadFile, &req.Context); err != nil {
		return fmt.Errorf("--context: %w", err)
	}
	if req.Context == nil {
		req.Context = domain.ExecutionContext{}
	}

	outcome, err := NewClient().ExecuteScript(commandContext(cmd), args[0], req)
	if err != nil {
		return err
	}
	return NewPrinter(cmd.OutOrStdout()).PrintOutcome(outcome)
}

// readScriptCode 从 --code 或 --file 读取代码，wasm 文件转为 base64
func readScriptCode(runtime domain.ScriptRuntime) (string, error) {
	if scriptFile == "" {
		return scriptCode, nil
	}
	data, err := os.ReadFile(scriptFile)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", scriptFile, err)
	}
	if runtime == domain.RuntimeWasm {
		return base64.StdEncoding.EncodeToString(data), nil
	}
	return string(data), nil
}
