package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/models"
	"github.com/botpros-admin/qb-bitrix-connector/internal/qbxml"

	"github.com/spf13/cobra"
)

type requestArgs struct {
	since   time.Time
	id      string
	payload []byte
}

type requestKind struct {
	help  string
	build func(a requestArgs) (qbxml.Command, error)
}

func sinceQuery(fn func(time.Time) qbxml.Command) func(requestArgs) (qbxml.Command, error) {
	return func(a requestArgs) (qbxml.Command, error) { return fn(a.since), nil }
}

func byID(fn func(string) qbxml.Command) func(requestArgs) (qbxml.Command, error) {
	return func(a requestArgs) (qbxml.Command, error) {
		if a.id == "" {
			return qbxml.Command{}, errors.New("--id is required")
		}
		return fn(a.id), nil
	}
}

func fromPayload[T any](fn func(T) qbxml.Command) func(requestArgs) (qbxml.Command, error) {
	return func(a requestArgs) (qbxml.Command, error) {
		if len(a.payload) == 0 {
			return qbxml.Command{}, errors.New("--payload is required")
		}
		var f T
		if err := json.Unmarshal(a.payload, &f); err != nil {
			return qbxml.Command{}, fmt.Errorf("decode payload: %w", err)
		}
		return fn(f), nil
	}
}

var requestKinds = map[string]requestKind{
	"host":         {"HostQueryRq, first request of every session", func(requestArgs) (qbxml.Command, error) { return qbxml.HostQuery(), nil }},
	"company":      {"CompanyQueryRq", func(requestArgs) (qbxml.Command, error) { return qbxml.CompanyQuery(), nil }},
	"customers":    {"CustomerQueryRq, incremental with --since", sinceQuery(qbxml.CustomerQuery)},
	"vendors":      {"VendorQueryRq, incremental with --since", sinceQuery(qbxml.VendorQuery)},
	"items":        {"ItemQueryRq, incremental with --since", sinceQuery(qbxml.ItemQuery)},
	"invoices":     {"InvoiceQueryRq, incremental with --since", sinceQuery(qbxml.InvoiceQuery)},
	"estimates":    {"EstimateQueryRq, incremental with --since", sinceQuery(qbxml.EstimateQuery)},
	"accounts":     {"AccountQueryRq, incremental with --since", sinceQuery(qbxml.AccountQuery)},
	"classes":      {"ClassQueryRq, incremental with --since", sinceQuery(qbxml.ClassQuery)},
	"customer":     {"CustomerQueryRq for --id ListID", byID(qbxml.CustomerByListID)},
	"invoice":      {"InvoiceQueryRq for --id TxnID", byID(qbxml.InvoiceByTxnID)},
	"customer-del": {"ListDelRq for customer --id ListID", byID(func(id string) qbxml.Command { return qbxml.ListDel("Customer", id) })},
	"customer-add": {"CustomerAddRq from --payload", fromPayload(qbxml.CustomerAdd)},
	"vendor-add":   {"VendorAddRq from --payload", fromPayload(qbxml.VendorAdd)},
	"item-add":     {"ItemServiceAddRq from --payload", fromPayload(qbxml.ItemServiceAdd)},
	"invoice-add":  {"InvoiceAddRq from --payload", fromPayload(qbxml.InvoiceAdd)},
}

func requestKindsHelp() string {
	names := make([]string, 0, len(requestKinds))
	for name := range requestKinds {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "  %-13s %s\n", name, requestKinds[name].help)
	}
	return sb.String()
}

// parseSince accepts RFC 3339 timestamps or plain dates (UTC midnight).
func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: want RFC 3339 or YYYY-MM-DD", raw)
	}
	return t, nil
}

// readPayload takes inline JSON or @path.
func readPayload(raw string) ([]byte, error) {
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		return os.ReadFile(path)
	}
	return []byte(raw), nil
}

func buildRequest(kind string, a requestArgs, version string, continueOnError bool) (string, error) {
	k, ok := requestKinds[kind]
	if !ok {
		return "", fmt.Errorf("unknown request kind %q", kind)
	}
	cmd, err := k.build(a)
	if err != nil {
		return "", fmt.Errorf("%s: %w", kind, err)
	}

	b := qbxml.NewBuilder(version)
	if continueOnError {
		b = b.WithOnError(qbxml.ContinueOnError)
	}
	return b.Build(cmd.WithRequestID("1")), nil
}

func newRequestCmd() *cobra.Command {
	var (
		since           string
		id              string
		payload         string
		version         string
		continueOnError bool
	)

	cmd := &cobra.Command{
		Use:   "request <kind>",
		Short: "Print a qbXML request for manual testing against QuickBooks",
		Long: "Print the qbXML request the bridge would send, for use with the QuickBooks SDK test tools.\n\nKinds:\n" +
			requestKindsHelp(),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseSince(since)
			if err != nil {
				return err
			}
			var body []byte
			if payload != "" {
				if body, err = readPayload(payload); err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
			}

			out, err := buildRequest(args[0], requestArgs{since: from, id: id, payload: body}, version, continueOnError)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "FromModifiedDate for list and transaction queries")
	cmd.Flags().StringVar(&id, "id", "", "ListID or TxnID for single-record requests")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON fields for add requests, or @file")
	cmd.Flags().StringVar(&version, "qbxml-version", models.DefaultQBXMLVersion, "qbXML version in the envelope")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "use onError=continueOnError")
	return cmd
}
