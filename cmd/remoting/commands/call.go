package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/remoting/pkg/auth"
	"github.com/marmos91/remoting/pkg/client"
	"github.com/marmos91/remoting/pkg/config"
)

var (
	callService  string
	callArgsJSON string
	callUser     string
	callPassword string
)

var callCmd = &cobra.Command{
	Use:   "call <method>",
	Short: "Invoke a method on a remoting server",
	Long: `Connect to the configured server, invoke one method, and print the
result as JSON.

Arguments are passed as a JSON array and mapped positionally.

Examples:
  # Call the built-in echo service
  remoting call Echo --args '["hello"]'

  # Call another service
  remoting call Lookup --service directory --args '["alice"]'

  # Authenticated call
  remoting call Echo --args '["hi"]' --user alice --password secret`,
	Args: cobra.ExactArgs(1),
	RunE: runCall,
}

func init() {
	callCmd.Flags().StringVar(&callService, "service", "echo", "Target service name")
	callCmd.Flags().StringVar(&callArgsJSON, "args", "[]", "Arguments as a JSON array")
	callCmd.Flags().StringVar(&callUser, "user", "", "Username credential")
	callCmd.Flags().StringVar(&callPassword, "password", "", "Password credential")
}

func runCall(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	var callArgs []any
	if err := json.Unmarshal([]byte(callArgsJSON), &callArgs); err != nil {
		return fmt.Errorf("--args must be a JSON array: %w", err)
	}

	var creds []auth.Credential
	if callUser != "" {
		creds = []auth.Credential{
			{Name: "username", Value: callUser},
			{Name: "password", Value: callPassword},
		}
	}

	c, err := client.New(client.Options{Config: cfg, Credentials: creds})
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Dispose(ctx) //nolint:errcheck

	var result any
	if err := c.InvokeContext(ctx, callService, args[0], &result, callArgs...); err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
