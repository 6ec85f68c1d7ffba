package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var adminClient = &http.Client{Timeout: 30 * time.Second}

var startCmd = &cobra.Command{
	Use:   "start <deployment>",
	Short: "Ask a running node to start indexing a deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminRequest(cmd, http.MethodPost, "/deployments/"+args[0]+"/start")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <deployment>",
	Short: "Ask a running node to stop indexing a deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminRequest(cmd, http.MethodPost, "/deployments/"+args[0]+"/stop")
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the deployments a running node indexes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return adminRequest(cmd, http.MethodGet, "/deployments")
	},
}

func init() {
	for _, c := range []*cobra.Command{startCmd, stopCmd, listCmd} {
		c.Flags().String("node", "http://127.0.0.1:8000", "Base URL of the node")
	}
}

func adminRequest(cmd *cobra.Command, method, path string) error {
	base, _ := cmd.Flags().GetString("node")
	req, err := http.NewRequestWithContext(cmd.Context(), method, strings.TrimRight(base, "/")+path, nil)
	if err != nil {
		return err
	}
	resp, err := adminClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Errors []struct {
				Message string `json:"message"`
			} `json:"errors"`
		}
		if json.Unmarshal(body, &e) == nil && len(e.Errors) > 0 {
			return fmt.Errorf("%s: %s", resp.Status, e.Errors[0].Message)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	_, err = cmd.OutOrStdout().Write(body)
	return err
}
