package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyfold/keyfold/internal/config"
)

// EndpointStatus holds the probe result for one listener.
type EndpointStatus struct {
	Endpoint string `json:"endpoint"`
	URL      string `json:"url,omitempty"`
	Up       bool   `json:"up"`
	Detail   string `json:"detail,omitempty"`
	Error    string `json:"error,omitempty"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	jsonOutput bool
}

// statusClient is the probe HTTP client. Probes are local, so the timeout
// is short.
var statusClient = &http.Client{Timeout: 2 * time.Second}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of a running keyfold server",
		Long:  `Probe the API health endpoint and the observability readiness endpoint of a running server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appCfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runStatus(cmd, appCfg, cfg)
		},
	}

	// Register flags
	def := config.DefaultConfig()
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().String("addr", def.Server.Addr, "API listen address to probe")
	cmd.Flags().String("metrics-addr", def.Server.MetricsAddr, "metrics/health address to probe")

	return cmd
}

// runStatus executes the status command.
func runStatus(cmd *cobra.Command, appCfg *config.Config, cfg *statusConfig) error {
	statuses := map[string]EndpointStatus{
		"api":     probeAPI(appCfg.Server.Addr),
		"metrics": probeReadiness(appCfg.Server.MetricsAddr),
	}

	var output string
	var err error

	if cfg.jsonOutput {
		output, err = formatStatusJSON(statuses)
		if err != nil {
			return fmt.Errorf("failed to format JSON: %w", err)
		}
	} else {
		output = formatStatusTable(statuses)
	}

	cmd.Println(output)
	return nil
}

// probeAPI queries the API health endpoint.
func probeAPI(addr string) EndpointStatus {
	status := EndpointStatus{
		Endpoint: "api",
		URL:      probeURL(addr, "/health"),
	}

	resp, err := statusClient.Get(status.URL)
	if err != nil {
		status.Error = fmt.Sprintf("failed to connect: %v", err)
		return status
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		status.Error = fmt.Sprintf("unexpected status: %s", resp.Status)
		return status
	}

	var health struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		status.Error = fmt.Sprintf("failed to decode health response: %v", err)
		return status
	}

	status.Up = true
	status.Detail = health.Status
	return status
}

// probeReadiness queries the observability readiness endpoint.
func probeReadiness(addr string) EndpointStatus {
	status := EndpointStatus{Endpoint: "metrics"}
	if addr == "" {
		status.Detail = "disabled"
		return status
	}
	status.URL = probeURL(addr, "/healthz/readiness")

	resp, err := statusClient.Get(status.URL)
	if err != nil {
		status.Error = fmt.Sprintf("failed to connect: %v", err)
		return status
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		status.Up = true
		status.Detail = "ready"
	case http.StatusServiceUnavailable:
		status.Up = true
		status.Detail = "not ready"
	default:
		status.Error = fmt.Sprintf("unexpected status: %s", resp.Status)
	}
	return status
}

// probeURL builds the probe URL for a listen address. Addresses without a
// host part probe localhost.
func probeURL(addr, path string) string {
	host := addr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return "http://" + host + path
}

// formatStatusTable formats the status as a human-readable table.
func formatStatusTable(statuses map[string]EndpointStatus) string {
	var buf []byte
	w := tabwriter.NewWriter((*byteWriter)(&buf), 0, 0, 2, ' ', 0)

	// Header
	_, _ = fmt.Fprintln(w, "ENDPOINT\tSTATUS\tDETAIL\tURL")
	_, _ = fmt.Fprintln(w, "--------\t------\t------\t---")

	// Process rows in consistent order
	for _, endpoint := range []string{"api", "metrics"} {
		status := statuses[endpoint]
		switch {
		case status.Up:
			_, _ = fmt.Fprintf(w, "%s\tup\t%s\t%s\n", endpoint, status.Detail, status.URL)
		case status.Error != "":
			_, _ = fmt.Fprintf(w, "%s\tdown\t%s\t%s\n", endpoint, status.Error, status.URL)
		default:
			_, _ = fmt.Fprintf(w, "%s\tdown\t%s\t%s\n", endpoint, status.Detail, status.URL)
		}
	}

	_ = w.Flush()
	return string(buf)
}

// formatStatusJSON formats the status as JSON.
func formatStatusJSON(statuses map[string]EndpointStatus) (string, error) {
	data, err := json.MarshalIndent(statuses, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal status: %w", err)
	}
	return string(data), nil
}

// byteWriter is a simple writer that appends to a byte slice.
type byteWriter []byte

func (w *byteWriter) Write(p []byte) (int, error) {
	*w = append(*w, p...)
	return len(p), nil
}
