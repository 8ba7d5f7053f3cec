package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"telecom-rtb/internal/catalog"
	"telecom-rtb/internal/extract"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "routingctl",
		Short: "Offline tools for call-router bid templates, response paths and catalogs",
		Long: `routingctl checks bidder configuration before it reaches production:
render a request template with sample call fields, run response paths against a
captured bid response, and validate a YAML catalog seed.`,
		SilenceUsage: true,
	}
	root.AddCommand(newRenderCmd(), newExtractCmd(), newValidateCatalogCmd())
	return root
}

func newRenderCmd() *cobra.Command {
	var (
		templateArg string
		contentType string
		vars        map[string]string
	)
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a bid request template",
		Example: `  routingctl render --template '{"caller":"{callerId}"}' --var callerId=+15550001111
  routingctl render --template @template.json --content-type application/x-www-form-urlencoded`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl, err := readArg(templateArg, cmd.InOrStdin())
			if err != nil {
				return err
			}
			out := extract.Render(tmpl, extract.Vars(vars), extract.EncodingFor(contentType))
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().StringVar(&templateArg, "template", "", "template text, @file, or - for stdin")
	cmd.Flags().StringVar(&contentType, "content-type", "application/json", "content type used to escape values")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "placeholder value as name=value (repeatable)")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

type extractOutput struct {
	BidAmount         *string `json:"bid_amount"`
	DestinationNumber *string `json:"destination_number"`
	Accepted          *bool   `json:"accepted"`
	Currency          *string `json:"currency"`
	Duration          *int    `json:"duration"`
}

func newExtractCmd() *cobra.Command {
	var (
		bodyArg string
		spec    extract.PathSpec
	)
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Apply response paths to a bid response body",
		Example: `  routingctl extract --body @response.json --bid-amount data.bids[0].price
  curl -s https://bidder/ping | routingctl extract --body - --accepted result.ok`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readArg(bodyArg, cmd.InOrStdin())
			if err != nil {
				return err
			}
			spec = spec.WithDefaults()
			if err := spec.Validate(); err != nil {
				return err
			}
			f, err := extract.Extract([]byte(body), spec)
			if err != nil {
				return err
			}
			out := extractOutput{
				DestinationNumber: f.DestinationNumber,
				Accepted:          f.Accepted,
				Currency:          f.Currency,
				Duration:          f.Duration,
			}
			if f.BidAmount != nil {
				s := f.BidAmount.String()
				out.BidAmount = &s
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&bodyArg, "body", "", "response body, @file, or - for stdin")
	cmd.Flags().StringVar(&spec.BidAmount, "bid-amount", "", "path of the bid amount")
	cmd.Flags().StringVar(&spec.DestinationNumber, "destination", "", "path of the destination number")
	cmd.Flags().StringVar(&spec.Accepted, "accepted", "", "path of the accepted flag")
	cmd.Flags().StringVar(&spec.Currency, "currency", "", "path of the currency")
	cmd.Flags().StringVar(&spec.Duration, "duration", "", "path of the minimum duration")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func newValidateCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-catalog FILE",
		Short: "Validate a YAML catalog seed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.FromFile(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "ok: %d campaigns, %d rtb targets, %d buyers, %d overrides\n",
				len(cat.Campaigns), len(cat.Targets), len(cat.Buyers), len(cat.Overrides))
			return err
		},
	}
}

// readArg resolves "@path" to the file content and "-" to stdin.
func readArg(v string, stdin io.Reader) (string, error) {
	switch {
	case v == "-":
		b, err := io.ReadAll(stdin)
		return string(b), err
	case strings.HasPrefix(v, "@"):
		b, err := os.ReadFile(strings.TrimPrefix(v, "@"))
		return string(b), err
	default:
		return v, nil
	}
}
