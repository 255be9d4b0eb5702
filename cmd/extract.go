package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/invoice-cli/internal/extract"
)

var extractCmd = &cobra.Command{
	Use:   "extract <file.pdf>",
	Short: "Extract invoice pages without saving them",
	Long:  "Runs the extraction pipeline on a local PDF and prints one audited result per page. Nothing is written to the store.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("extract"); err != nil {
			return err
		}
		ctx := cmd.Context()

		pagesFlag, _ := cmd.Flags().GetString("pages")
		format, _ := cmd.Flags().GetString("format")
		requested, err := parsePages(pagesFlag)
		if err != nil {
			return err
		}

		ex, r, err := initExtractor(ctx, nil)
		if err != nil {
			return err
		}

		path := args[0]
		total, err := r.PageCount(ctx, path)
		if err != nil {
			return err
		}
		pages := extract.SelectPages(requested, total)
		if len(pages) == 0 {
			return eris.Errorf("no valid pages selected (document has %d)", total)
		}
		zap.L().Info("extracting", zap.String("file", path), zap.Int("pages", len(pages)), zap.Int("total", total))

		results, err := ex.ExtractAll(ctx, path, pages)
		if err != nil {
			return err
		}
		return writeFormatted(os.Stdout, format, results)
	},
}

func init() {
	extractCmd.Flags().String("pages", "", "comma-separated 1-based pages (default all)")
	extractCmd.Flags().String("format", "json", "output format: json or yaml")
	rootCmd.AddCommand(extractCmd)
}
