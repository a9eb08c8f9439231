package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/losocloud/losocloud/pkg/client"
	"github.com/losocloud/losocloud/pkg/types"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Manage provisioning workers",
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		workers, err := c.ListWorkers(ctx)
		if err != nil {
			return fmt.Errorf("failed to list workers: %w", err)
		}

		if len(workers) == 0 {
			fmt.Println("No workers found")
			return nil
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			data, _ := json.MarshalIndent(workers, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tBASE URL\tSTATUS\tMAX SESSIONS")
		for _, worker := range workers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
				worker.ID, worker.Name, worker.BaseURL, worker.Status, worker.MaxSessions)
		}
		w.Flush()
		return nil
	},
}

var workersAddCmd = &cobra.Command{
	Use:   "add <base-url>",
	Short: "Register a new worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		name, _ := cmd.Flags().GetString("name")
		maxSessions, _ := cmd.Flags().GetInt("max-sessions")

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		worker, err := c.CreateWorker(ctx, types.WorkerRegisterRequest{
			Name:        name,
			BaseURL:     args[0],
			MaxSessions: maxSessions,
		})
		if err != nil {
			return fmt.Errorf("failed to register worker: %w", err)
		}

		fmt.Printf("Registered worker %s (%s)\n", worker.ID, worker.BaseURL)
		return nil
	},
}

var workersEnableCmd = &cobra.Command{
	Use:   "enable <worker-id>",
	Short: "Mark a worker active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setWorkerState(args[0], true)
	},
}

var workersDisableCmd = &cobra.Command{
	Use:   "disable <worker-id>",
	Short: "Mark a worker disabled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setWorkerState(args[0], false)
	},
}

func setWorkerState(id string, enable bool) error {
	if err := checkAPIKey(); err != nil {
		return err
	}

	c := client.NewClient(baseURL, apiKey)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		worker *types.Worker
		err    error
	)
	if enable {
		worker, err = c.EnableWorker(ctx, id)
	} else {
		worker, err = c.DisableWorker(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("failed to update worker: %w", err)
	}

	fmt.Printf("Worker %s is now %s\n", worker.ID, worker.Status)
	return nil
}

var workersRemoveCmd = &cobra.Command{
	Use:   "remove <worker-id>",
	Short: "Remove a worker (refused while it has active sessions)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.DeleteWorker(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to remove worker: %w", err)
		}
		fmt.Printf("Removed worker %s\n", args[0])
		return nil
	},
}

var workersHealthCmd = &cobra.Command{
	Use:   "health <worker-id>",
	Short: "Probe a worker's health and remaining capacity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		health, err := c.WorkerHealth(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to probe worker: %w", err)
		}

		data, _ := json.MarshalIndent(health, "", "  ")
		fmt.Println(string(data))
		return nil
	},
}

var workersTokensCmd = &cobra.Command{
	Use:   "tokens <worker-id>",
	Short: "Register an upstream account on a worker to add tokens",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")
		if email == "" || password == "" {
			return fmt.Errorf("--email and --password are required")
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		registered, err := c.RegisterWorkerTokens(ctx, args[0], email, password)
		if err != nil {
			return fmt.Errorf("failed to register account: %w", err)
		}
		fmt.Printf("Registered: %v\n", registered)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workersCmd)
	workersCmd.AddCommand(workersListCmd)
	workersCmd.AddCommand(workersAddCmd)
	workersCmd.AddCommand(workersEnableCmd)
	workersCmd.AddCommand(workersDisableCmd)
	workersCmd.AddCommand(workersRemoveCmd)
	workersCmd.AddCommand(workersHealthCmd)
	workersCmd.AddCommand(workersTokensCmd)

	workersListCmd.Flags().Bool("json", false, "Output as JSON")
	workersAddCmd.Flags().String("name", "", "Display name for the worker")
	workersAddCmd.Flags().Int("max-sessions", 3, "Maximum concurrent sessions (0 = uncapped)")
	workersTokensCmd.Flags().String("email", "", "Upstream account email")
	workersTokensCmd.Flags().String("password", "", "Upstream account password")
}
