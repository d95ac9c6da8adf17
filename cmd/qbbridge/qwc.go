package main

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/botpros-admin/qb-bitrix-connector/internal/config"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type qwcScheduler struct {
	RunEveryNMinutes int `xml:"RunEveryNMinutes"`
}

// qwcFile is the registration file the Web Connector imports via "Add an application".
type qwcFile struct {
	XMLName        xml.Name      `xml:"QBWCXML"`
	AppName        string        `xml:"AppName"`
	AppID          string        `xml:"AppID"`
	AppURL         string        `xml:"AppURL"`
	AppDescription string        `xml:"AppDescription"`
	AppSupport     string        `xml:"AppSupport"`
	UserName       string        `xml:"UserName"`
	OwnerID        string        `xml:"OwnerID"`
	FileID         string        `xml:"FileID"`
	QBType         string        `xml:"QBType"`
	Scheduler      *qwcScheduler `xml:"Scheduler,omitempty"`
	IsReadOnly     bool          `xml:"IsReadOnly"`
}

func braced(id string) string {
	id = strings.Trim(strings.TrimSpace(id), "{}")
	if id == "" {
		id = uuid.NewString()
	}
	return "{" + strings.ToUpper(id) + "}"
}

// buildQWC renders the .qwc document. Missing owner and file ids are generated.
func buildQWC(cfg config.WebConnectorConfig) ([]byte, error) {
	if cfg.AppURL == "" {
		return nil, errors.New("web_connector.app_url is required to generate a QWC file")
	}
	appURL := strings.TrimRight(cfg.AppURL, "/")
	if !strings.HasSuffix(appURL, "/soap") {
		appURL += "/soap"
	}
	support := strings.TrimSuffix(appURL, "/soap") + "/status"

	doc := qwcFile{
		AppName:        cfg.AppName,
		AppURL:         appURL,
		AppDescription: cfg.AppDescription,
		AppSupport:     support,
		UserName:       cfg.Username,
		OwnerID:        braced(cfg.OwnerID),
		FileID:         braced(cfg.FileID),
		QBType:         "QBFS",
	}
	if cfg.RunEveryMinutes > 0 {
		doc.Scheduler = &qwcScheduler{RunEveryNMinutes: cfg.RunEveryMinutes}
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(out, '\n')...), nil
}

func newQWCCmd(configPath *string) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "qwc",
		Short: "Generate the Web Connector registration (.qwc) file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, err := buildQWC(cfg.WebConnector)
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", output)
			if cfg.WebConnector.OwnerID == "" || cfg.WebConnector.FileID == "" {
				fmt.Fprintln(cmd.ErrOrStderr(), "Note: owner_id/file_id were generated; set them in the config to keep them stable.")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}
