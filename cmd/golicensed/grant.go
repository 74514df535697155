package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/golicense/pkg/billing"
)

const manualProvider = "manual"

func RunGrantCommand() *cobra.Command {
	var (
		email       string
		name        string
		product     string
		txnID       string
		txnType     string
		amountCents int64
	)

	command := &cobra.Command{
		Use:   "grant",
		Short: "Apply a purchase by hand",
		Long: `Apply a verified purchase notification by hand, e.g. for a comp license or
a purchase whose webhook never arrived. Any transaction type is accepted, so
--type REFUND --transaction-id <id> revokes a license granted earlier.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			typ, err := billing.ParseTransactionType(txnType)
			if err != nil {
				return err
			}
			if strings.TrimSpace(email) == "" || strings.TrimSpace(product) == "" {
				return fmt.Errorf("--email and --product are required")
			}
			if txnID == "" {
				txnID = manualProvider + "-" + uuid.NewString()
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := NewApplication(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			processor, err := billing.NewProcessor(app.BillingConfig())
			if err != nil {
				return err
			}
			if amountCents == 0 {
				if p, err := processor.ResolveProduct(product); err == nil {
					amountCents = p.PriceCents
				}
			}

			result, err := processor.ApplyTransaction(ctx, &billing.Event{
				Provider:          manualProvider,
				TransactionID:     txnID,
				Type:              typ,
				ProviderProductID: product,
				CustomerEmail:     email,
				CustomerName:      name,
				AmountCents:       amountCents,
				Verified:          true,
			})
			if err != nil {
				return fmt.Errorf("failed to apply %s %s: %w", typ, txnID, err)
			}

			cmd.Printf("%s %s: %s\n", typ, txnID, result.Status)
			if result.UserID == "" {
				return nil
			}
			cmd.Printf("user: %s\n", result.UserID)

			licenses, err := app.manager.ListLicenses(ctx, result.UserID)
			if err != nil {
				return err
			}
			for _, lic := range licenses {
				if lic.ID == result.LicenseID {
					cmd.Printf("license: %s %s %s (%s)\n", lic.ID, lic.ProductID, lic.LicenseKey, lic.Status)
				}
			}
			return nil
		},
	}

	command.Flags().StringVar(&email, "email", "", "customer email (required)")
	command.Flags().StringVar(&name, "name", "", "customer name")
	command.Flags().StringVar(&product, "product", "", "catalog or mapped provider product id (required)")
	command.Flags().StringVar(&txnID, "transaction-id", "", "transaction id (default: generated)")
	command.Flags().StringVar(&txnType, "type", "SALE", "transaction type: SALE, BILL, REFUND, CHARGEBACK, CANCEL-REBILL, UNCANCEL-REBILL")
	command.Flags().Int64Var(&amountCents, "amount-cents", 0, "purchase amount in cents (default: catalog price)")

	return command
}
