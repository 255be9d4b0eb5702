package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/invoice-cli/internal/export"
	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/store"
)

var invoicesCmd = &cobra.Command{
	Use:   "invoices",
	Short: "Inspect extracted invoices",
}

var invoicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List invoices",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		review, _ := cmd.Flags().GetBool("review")
		history, _ := cmd.Flags().GetBool("include-history")
		limit, _ := cmd.Flags().GetInt("limit")

		invoices, err := st.ListInvoices(ctx, store.InvoiceFilter{IncludeHistory: history, Review: review, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "invoices list")
		}

		if len(invoices) == 0 {
			fmt.Fprintln(os.Stderr, "No invoices found.")
			return nil
		}

		formatInvoicesList(os.Stdout, invoices)
		return nil
	},
}

var partiesCmd = &cobra.Command{
	Use:   "parties",
	Short: "Inspect resolved suppliers and buyers",
}

var partiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List parties",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		typ, _ := cmd.Flags().GetString("type")
		t := model.PartyType(typ)
		if t != "" && !t.Valid() {
			return eris.Errorf("unknown party type %q (want supplier or buyer)", typ)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		parties, err := st.ListParties(ctx, t)
		if err != nil {
			return eris.Wrap(err, "parties list")
		}

		if len(parties) == 0 {
			fmt.Fprintln(os.Stderr, "No parties found.")
			return nil
		}

		formatPartiesList(os.Stdout, parties)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write invoices to an Excel workbook",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		out, _ := cmd.Flags().GetString("out")
		history, _ := cmd.Flags().GetBool("include-history")

		invoices, err := st.ListInvoices(ctx, store.InvoiceFilter{IncludeHistory: history})
		if err != nil {
			return eris.Wrap(err, "export")
		}
		names, err := export.DocumentNames(ctx, st, invoices)
		if err != nil {
			return eris.Wrap(err, "export")
		}

		f, err := os.Create(out)
		if err != nil {
			return eris.Wrap(err, "export: create file")
		}
		if err := export.Write(f, invoices, names); err != nil {
			f.Close() //nolint:errcheck
			return err
		}
		if err := f.Close(); err != nil {
			return eris.Wrap(err, "export: close file")
		}

		fmt.Fprintf(os.Stderr, "Wrote %d invoices to %s\n", len(invoices), out)
		return nil
	},
}

func init() {
	invoicesListCmd.Flags().Bool("review", false, "only invoices that need a rescan or review")
	invoicesListCmd.Flags().Bool("include-history", false, "include invoices from superseded uploads")
	invoicesListCmd.Flags().Int("limit", 0, "max number of invoices (0 = all)")
	invoicesCmd.AddCommand(invoicesListCmd)
	rootCmd.AddCommand(invoicesCmd)

	partiesListCmd.Flags().String("type", "", "filter by party type (supplier, buyer)")
	partiesCmd.AddCommand(partiesListCmd)
	rootCmd.AddCommand(partiesCmd)

	exportCmd.Flags().String("out", "invoices.xlsx", "output workbook path")
	exportCmd.Flags().Bool("include-history", false, "include invoices from superseded uploads")
	rootCmd.AddCommand(exportCmd)
}
