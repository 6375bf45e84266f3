package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nvallejos/wagateway/pkg/wagateway/config"
)

// newKeyCmd manages the LLM API key in the OS keyring.
func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the LLM API key",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set",
			Short: "Store the API key in the OS keyring",
			RunE: func(_ *cobra.Command, _ []string) error {
				if !config.KeyringAvailable() {
					return fmt.Errorf("OS keyring is not available; set WAGATEWAY_API_KEY instead")
				}
				fmt.Print("API key: ")
				reader := bufio.NewReader(os.Stdin)
				line, err := reader.ReadString('\n')
				if err != nil {
					return fmt.Errorf("reading key: %w", err)
				}
				key := strings.TrimSpace(line)
				if key == "" {
					return fmt.Errorf("empty key")
				}
				if err := config.StoreKeyring("api_key", key); err != nil {
					return fmt.Errorf("storing key: %w", err)
				}
				fmt.Println("key stored in OS keyring")
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Remove the API key from the OS keyring",
			RunE: func(_ *cobra.Command, _ []string) error {
				if err := config.DeleteKeyring("api_key"); err != nil {
					return fmt.Errorf("deleting key: %w", err)
				}
				fmt.Println("key removed")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show where the API key resolves from",
			Run: func(_ *cobra.Command, _ []string) {
				if config.GetKeyring("api_key") != "" {
					fmt.Println("key present in OS keyring")
					return
				}
				for _, env := range []string{"WAGATEWAY_API_KEY", "OPENAI_API_KEY"} {
					if os.Getenv(env) != "" {
						fmt.Printf("key present in environment (%s)\n", env)
						return
					}
				}
				fmt.Println("no key configured")
			},
		},
	)
	return cmd
}
