package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nvallejos/wagateway/pkg/wagateway/store"
)

// newAgentsCmd groups agent management subcommands.
func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage external response agents",
	}
	cmd.AddCommand(
		newAgentsListCmd(),
		newAgentsAddCmd(),
	)
	return cmd
}

func newAgentsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured agents",
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

			agents, err := st.ListAgents(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tMODEL\tACTIVE\tTRIGGERS")
			for _, a := range agents {
				triggers := strings.Join(a.TriggerKeywords, ",")
				if triggers == "" {
					triggers = "(all)"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%v\t%s\n",
					a.ID, a.Name, a.Provider, a.Model, a.Active, triggers)
			}
			return w.Flush()
		},
	}
}

func newAgentsAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new agent",
		Long: `Register an agent backed by an OpenAI-compatible endpoint.

Examples:
  wagateway agents add --name support --model gpt-4o-mini
  wagateway agents add --name sales --base-url https://llm.internal/v1 --model llama3 --triggers "price,quote"`,
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

			name, _ := cmd.Flags().GetString("name")
			provider, _ := cmd.Flags().GetString("provider")
			baseURL, _ := cmd.Flags().GetString("base-url")
			model, _ := cmd.Flags().GetString("model")
			triggers, _ := cmd.Flags().GetString("triggers")
			delay, _ := cmd.Flags().GetInt("delay")

			agent := &store.Agent{
				Name:              name,
				Provider:          provider,
				BaseURL:           baseURL,
				Model:             model,
				Active:            true,
				ResponseDelayHint: delay,
			}
			for _, kw := range strings.Split(triggers, ",") {
				if kw = strings.TrimSpace(kw); kw != "" {
					agent.TriggerKeywords = append(agent.TriggerKeywords, kw)
				}
			}

			if err := st.SaveAgent(cmd.Context(), agent); err != nil {
				return err
			}
			fmt.Printf("agent %d (%s) created\n", agent.ID, agent.Name)
			return nil
		},
	}
	cmd.Flags().String("name", "", "agent display name")
	cmd.Flags().String("provider", "openai", "provider label")
	cmd.Flags().String("base-url", "", "OpenAI-compatible endpoint base URL")
	cmd.Flags().String("model", "", "model identifier")
	cmd.Flags().String("triggers", "", "comma-separated trigger keywords (empty matches all)")
	cmd.Flags().Int("delay", 0, "suggested response delay in seconds")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}
