package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nvallejos/wagateway/pkg/wagateway/adapter"
	"github.com/nvallejos/wagateway/pkg/wagateway/registry"
	"github.com/nvallejos/wagateway/pkg/wagateway/store"
)

// newAccountsCmd groups account management subcommands.
func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage gateway accounts",
	}
	cmd.AddCommand(
		newAccountsListCmd(),
		newAccountsAddCmd(),
		newAccountsDeleteCmd(),
		newAccountsPairCmd(),
		newAccountsSetCmd(),
	)
	return cmd
}

func newAccountsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts and their persisted status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			accounts, err := st.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tOWNER\tPHONE\tSTATUS\tAUTO\tAGENT\tLAST ACTIVITY")
			for _, a := range accounts {
				agent := "-"
				if a.AssignedAgentID != nil {
					agent = strconv.FormatInt(*a.AssignedAgentID, 10)
				}
				last := "-"
				if !a.LastActivityAt.IsZero() {
					last = a.LastActivityAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%v\t%s\t%s\n",
					a.ID, a.OwnerName, a.OwnerPhone, a.Status, a.AutoResponseEnabled, agent, last)
			}
			return w.Flush()
		},
	}
}

func newAccountsAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			owner, _ := cmd.Flags().GetString("owner")
			phone, _ := cmd.Flags().GetString("phone")
			desc, _ := cmd.Flags().GetString("description")

			acc := &store.Account{
				Status:      store.StatusUninitialized,
				OwnerName:   owner,
				OwnerPhone:  phone,
				Description: desc,
			}
			if err := st.CreateAccount(cmd.Context(), acc); err != nil {
				return err
			}
			fmt.Printf("account %d created\n", acc.ID)
			return nil
		},
	}
	cmd.Flags().String("owner", "", "owner display name")
	cmd.Flags().String("phone", "", "owner phone number (digits only)")
	cmd.Flags().String("description", "", "free-form description")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newAccountsDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <account-id>",
		Short: "Delete an account and its session data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid account id %q", args[0])
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := buildLogger(cmd, cfg)
			st, err := store.Open(cfg.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			// Going through the registry logs the session out and removes
			// its credential file along with the persisted row.
			factory := &adapter.WhatsmeowFactory{Logger: logger, DeviceName: cfg.DeviceName}
			reg := registry.New(cfg.ToRegistryConfig(), st, factory, logger)
			if err := reg.Delete(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("account %d deleted\n", id)
			return nil
		},
	}
	return cmd
}

// newAccountsPairCmd runs an interactive pairing session for one account:
// the registry is brought up for that account only, the QR (or phone code)
// is shown, and the command waits until the session authenticates.
func newAccountsPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair <account-id>",
		Short: "Pair an account with a phone",
		Long: `Pair an account interactively. By default a QR code PNG is written for
scanning; with --phone a pairing code to type on the phone is printed.

Examples:
  wagateway accounts pair 3
  wagateway accounts pair 3 --phone 15551234567`,
		Args: cobra.ExactArgs(1),
		RunE: runAccountsPair,
	}
	cmd.Flags().String("phone", "", "pair by phone code instead of QR")
	cmd.Flags().String("qr-out", "qr.png", "path for the rendered QR PNG")
	cmd.Flags().Duration("timeout", 3*time.Minute, "how long to wait for authentication")
	return cmd
}

func runAccountsPair(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid account id %q", args[0])
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)

	st, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	factory := &adapter.WhatsmeowFactory{Logger: logger, DeviceName: cfg.DeviceName}
	reg := registry.New(cfg.ToRegistryConfig(), st, factory, logger)

	ctx := cmd.Context()
	if err := reg.Initialize(ctx, id); err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	shutdownLater := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		reg.Close(closeCtx)
		cancel()
	}
	defer shutdownLater()

	phone, _ := cmd.Flags().GetString("phone")
	if phone != "" {
		code, err := reg.RequestPhoneCode(ctx, id, phone)
		if err != nil {
			return err
		}
		fmt.Printf("Enter this code on the phone: %s\n", code)
	} else {
		qrOut, _ := cmd.Flags().GetString("qr-out")
		png, err := waitForQR(ctx, reg, id, 30*time.Second)
		if err != nil {
			return err
		}
		if err := os.WriteFile(qrOut, png, 0o600); err != nil {
			return fmt.Errorf("writing QR image: %w", err)
		}
		fmt.Printf("Scan the QR code written to %s\n", qrOut)
	}

	return waitForStatus(ctx, reg, id, timeout)
}

// waitForQR polls until the adapter publishes the first QR code.
func waitForQR(ctx context.Context, reg *registry.Registry, id int64, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		png, err := reg.RenderQRPNG(id, 512)
		if err == nil {
			return png, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("timed out waiting for QR code")
}

// waitForStatus polls the persisted status until the account authenticates.
func waitForStatus(ctx context.Context, reg *registry.Registry, id int64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status, err := reg.AccountStatus(ctx, id)
		if err != nil {
			return err
		}
		switch status {
		case store.StatusAuthenticated, store.StatusReady:
			fmt.Println("account paired")
			return nil
		case store.StatusError:
			return fmt.Errorf("account entered error state during pairing")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("pairing timed out")
}

// newAccountsSetCmd updates per-account auto-response settings.
func newAccountsSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <account-id>",
		Short: "Update auto-response settings for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid account id %q", args[0])
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			acc, err := st.GetAccount(cmd.Context(), id)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("auto-response") {
				enabled, _ := cmd.Flags().GetBool("auto-response")
				acc.AutoResponseEnabled = enabled
			}
			if cmd.Flags().Changed("agent") {
				agentID, _ := cmd.Flags().GetInt64("agent")
				if agentID <= 0 {
					acc.AssignedAgentID = nil
				} else {
					if _, err := st.GetAgent(cmd.Context(), agentID); err != nil {
						return fmt.Errorf("agent %d: %w", agentID, err)
					}
					acc.AssignedAgentID = &agentID
				}
			}
			if cmd.Flags().Changed("delay") {
				delay, _ := cmd.Flags().GetInt("delay")
				acc.ResponseDelaySeconds = delay
			}
			if cmd.Flags().Changed("prompt") {
				prompt, _ := cmd.Flags().GetString("prompt")
				acc.CustomPromptOverride = prompt
			}

			if err := st.UpdateAccount(cmd.Context(), acc); err != nil {
				return err
			}
			fmt.Printf("account %d updated\n", id)
			return nil
		},
	}
	cmd.Flags().Bool("auto-response", false, "enable or disable auto-response")
	cmd.Flags().Int64("agent", 0, "assigned agent id (0 clears the assignment)")
	cmd.Flags().Int("delay", 0, "response delay in seconds")
	cmd.Flags().String("prompt", "", "custom system prompt override")
	return cmd
}
