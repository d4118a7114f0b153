package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/coderun/dispatcher/internal/output"
)

// execRequest/execResponse mirror the dataplane's POST /exec wire shapes.
// Duplicated rather than imported: the dataplane package's types are
// unexported, and this CLI talks to a daemon over HTTP exactly like any
// other client would, not through an in-process call.
type execRequest struct {
	Code        string `json:"code"`
	Lang        string `json:"lang"`
	SessionID   string `json:"session_id,omitempty"`
	TimeoutSecs int    `json:"timeout_secs,omitempty"`
}

type execResponse struct {
	SessionID string `json:"session_id"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	HasState  bool   `json:"has_state"`
	StateSize int    `json:"state_size,omitempty"`
}

func execCmd() *cobra.Command {
	var (
		addr         string
		lang         string
		sessionID    string
		timeoutSecs  int
		outputFormat string
	)

	cmd := &cobra.Command{
		Use:   "exec <code>",
		Short: "Run code against a live coderun daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(execRequest{
				Code:        args[0],
				Lang:        lang,
				SessionID:   sessionID,
				TimeoutSecs: timeoutSecs,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSecs+15)*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/exec", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("calling daemon at %s: %w", addr, err)
			}
			defer resp.Body.Close()

			var out execResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}

			printer := output.NewPrinter(output.ParseFormat(outputFormat))
			return printer.PrintExecResult(output.ExecResult{
				SessionID: out.SessionID,
				Stdout:    out.Stdout,
				Stderr:    out.Stderr,
				HasState:  out.HasState,
				StateSize: out.StateSize,
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "coderun daemon address")
	cmd.Flags().StringVar(&lang, "lang", "py", "Language runtime")
	cmd.Flags().StringVar(&sessionID, "session", "", "Existing session id to reuse")
	cmd.Flags().IntVar(&timeoutSecs, "timeout", 30, "Execution timeout in seconds")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format")

	return cmd
}
