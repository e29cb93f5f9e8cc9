// Package cmd 提供 interceptor 命令行工具的所有子命令实现。
// 本文件实现 token 命令：向网关换取 JWT，或在本地生成新的 API Key。
package cmd

import (
	"fmt"

	"github.com/oriys/interceptor/internal/auth"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a JWT or generate an API key",
	Long: `Exchange the current credentials (--api-key) for a JWT bearer token.

With --generate-key, a new API key is generated locally instead. Add the key,
or "sha256:<hash>", to auth.api_keys (or INTERCEPTOR_AUTH_API_KEYS) on the
gateway to enable it.

Examples:
  interceptor token --api-key icp_...
  interceptor token --generate-key`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

var tokenGenerateKey bool

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().BoolVar(&tokenGenerateKey, "generate-key", false, "Generate a new API key locally")
}

func runToken(cmd *cobra.Command, args []string) error {
	if tokenGenerateKey {
		key, hash, err := auth.GenerateAPIKey()
		if err != nil {
			return fmt.Errorf("failed to generate API key: %w", err)
		}
		cmd.Printf("API Key: %s\n", key)
		cmd.Printf("SHA-256: %s\n", hash)
		cmd.Println("Store the key now, it cannot be recovered.")
		return nil
	}

	res, err := NewClient().IssueToken(commandContext(cmd))
	if err != nil {
		return err
	}
	p := NewPrinter(cmd.OutOrStdout())
	return p.print(res, func() error {
		_, err := fmt.Fprintln(p.writer, res.Token)
		return err
	})
}
