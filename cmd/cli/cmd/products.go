package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/losocloud/losocloud/pkg/client"
	"github.com/losocloud/losocloud/pkg/types"
)

var productsCmd = &cobra.Command{
	Use:   "products",
	Short: "Manage the product catalog",
}

var productsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all products, including inactive ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		products, err := c.ListProducts(ctx)
		if err != nil {
			return fmt.Errorf("failed to list products: %w", err)
		}

		if len(products) == 0 {
			fmt.Println("No products found")
			return nil
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			data, _ := json.MarshalIndent(products, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPRICE\tACTION\tACTIVE")
		for _, p := range products {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%v\n",
				p.ID, p.Name, p.PriceCoins, p.ProvisionAction, p.IsActive)
		}
		w.Flush()
		return nil
	},
}

var productsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a new product",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		description, _ := cmd.Flags().GetString("description")
		price, _ := cmd.Flags().GetInt("price")
		action, _ := cmd.Flags().GetInt("action")

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		product, err := c.CreateProduct(ctx, types.ProductCreateRequest{
			Name:            args[0],
			Description:     description,
			PriceCoins:      price,
			ProvisionAction: action,
		})
		if err != nil {
			return fmt.Errorf("failed to create product: %w", err)
		}

		fmt.Printf("Created product %s (%s, %d coins)\n", product.ID, product.Name, product.PriceCoins)
		return nil
	},
}

var productsWorkersCmd = &cobra.Command{
	Use:   "workers <product-id> <worker-id>[,<worker-id>...]",
	Short: "Replace a product's worker assignment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		workerIDs := strings.Split(args[1], ",")

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.SetProductWorkers(ctx, args[0], workerIDs); err != nil {
			return fmt.Errorf("failed to assign workers: %w", err)
		}
		fmt.Printf("Product %s now uses %d worker(s)\n", args[0], len(workerIDs))
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Force-stop sessions past the stale horizon now",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		cleaned, err := c.Cleanup(ctx)
		if err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}
		fmt.Printf("Cleaned %d session(s)\n", cleaned)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(productsCmd)
	rootCmd.AddCommand(cleanupCmd)
	productsCmd.AddCommand(productsListCmd)
	productsCmd.AddCommand(productsAddCmd)
	productsCmd.AddCommand(productsWorkersCmd)

	productsListCmd.Flags().Bool("json", false, "Output as JSON")
	productsAddCmd.Flags().String("description", "", "Product description")
	productsAddCmd.Flags().Int("price", 15, "Price in coins")
	productsAddCmd.Flags().Int("action", 1, "Provision action code (1=linux, 2=windows, 3=test)")
}
