// Package main is the entry point for the cascata admin CLI.
// It fingerprints indicator sets, ingests playbook bundles, and submits
// executions against a running cascata-core daemon.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cascata/cascata/pkg/domain"
	"github.com/cascata/cascata/pkg/fingerprint"
	"github.com/cascata/cascata/pkg/orchestrator"
)

const defaultServer = "http://localhost:8087"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cascata",
		Short: "Admin CLI for the cascata orchestration engine",
		Long: `Admin CLI for the cascata orchestration engine.

Fingerprints indicator sets, ingests playbook bundles into a running
cascata-core daemon, and submits executions.

Example:
  cascata fingerprint --salt prod api.internal 10.0.0.7
  cascata ingest ./playbooks --server http://localhost:8087
  cascata submit --indicator api.internal --indicator 10.0.0.7 --salt prod`,
	}

	rootCmd.PersistentFlags().StringP("server", "s", defaultServer, "cascata-core base URL")

	rootCmd.AddCommand(newFingerprintCmd())
	rootCmd.AddCommand(newIngestCmd())
	rootCmd.AddCommand(newSubmitCmd())

	return rootCmd
}

func newFingerprintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprint [indicators...]",
		Short: "Compute the fingerprint for a set of indicators",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			salt, err := cmd.Flags().GetString("salt")
			if err != nil {
				return err
			}

			fp := fingerprint.Generate(args, salt)
			fmt.Printf("hex:    %s\n", fp.String())
			fmt.Printf("base96: %s\n", fingerprint.EncodeBase96(fp))
			return nil
		},
	}
	cmd.Flags().String("salt", "", "Salt context mixed into the contextual component")
	return cmd
}

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file-or-directory>",
		Short: "Ingest playbook descriptor files into the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server, err := cmd.Flags().GetString("server")
			if err != nil {
				return err
			}

			records, err := collectRecords(args[0])
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return fmt.Errorf("no descriptor records found in %s", args[0])
			}

			var result orchestrator.IngestResult
			if err := postJSON(server+"/v1/playbooks", records, &result); err != nil {
				return err
			}

			fmt.Printf("accepted: %d\n", result.Accepted)
			for _, rej := range result.Rejected {
				fmt.Printf("rejected: %s (%s): %s\n", rej.PlaybookID, rej.Source, rej.Message)
				for _, v := range rej.Violations {
					fmt.Printf("  - %s (%s): %s\n", v.Field, v.Constraint, v.Message)
				}
			}
			if len(result.Rejected) > 0 {
				return fmt.Errorf("%d record(s) rejected", len(result.Rejected))
			}
			return nil
		},
	}
}

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an execution and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			server, err := cmd.Flags().GetString("server")
			if err != nil {
				return err
			}
			indicators, _ := cmd.Flags().GetStringArray("indicator")
			fpHex, _ := cmd.Flags().GetString("fingerprint")
			salt, _ := cmd.Flags().GetString("salt")
			mode, _ := cmd.Flags().GetString("mode")
			timeoutMS, _ := cmd.Flags().GetInt("timeout-ms")
			traceID, _ := cmd.Flags().GetString("trace-id")

			if fpHex == "" && len(indicators) == 0 {
				return fmt.Errorf("either --fingerprint or at least one --indicator is required")
			}

			req := orchestrator.SubmitRequest{
				TraceID:     traceID,
				Fingerprint: fpHex,
				Indicators:  indicators,
				SaltContext: salt,
				Mode:        mode,
				TimeoutMS:   timeoutMS,
			}

			var summary domain.ExecutionSummary
			if err := postJSON(server+"/v1/submit", req, &summary); err != nil {
				return err
			}

			out, err := json.MarshalIndent(summary, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringArray("indicator", nil, "Indicator value (repeatable)")
	cmd.Flags().String("fingerprint", "", "Hex fingerprint (alternative to indicators)")
	cmd.Flags().String("salt", "", "Salt context for indicator fingerprinting")
	cmd.Flags().String("mode", "", "Execution mode (defensive, offensive)")
	cmd.Flags().Int("timeout-ms", 0, "Execution budget in milliseconds")
	cmd.Flags().String("trace-id", "", "Explicit trace ID for idempotent submission")
	return cmd
}

// collectRecords loads descriptor records from a YAML file or every YAML file
// in a directory.
func collectRecords(path string) ([]orchestrator.IngestRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		return readRecordFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var records []orchestrator.IngestRecord
	for _, name := range names {
		fileRecords, err := readRecordFile(filepath.Join(path, name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		records = append(records, fileRecords...)
	}
	return records, nil
}

func readRecordFile(path string) ([]orchestrator.IngestRecord, error) {
	// #nosec G304 -- File path comes from the operator invocation
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var list []orchestrator.IngestRecord
	if err := yaml.Unmarshal(data, &list); err == nil && len(list) > 0 {
		return list, nil
	}

	var single orchestrator.IngestRecord
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	return []orchestrator.IngestRecord{single}, nil
}

func postJSON(url string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr domain.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Code != "" {
			return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	return json.Unmarshal(data, out)
}
