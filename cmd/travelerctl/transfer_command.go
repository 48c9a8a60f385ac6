package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pitabwire/traveler/model"
)

type transferResult struct {
	WorkOrder struct {
		ID       string `json:"id"`
		WONumber string `json:"woNumber"`
		Stage    string `json:"stage"`
	} `json:"workOrder"`
	Transition struct {
		From     string `json:"from"`
		To       string `json:"to"`
		Terminal bool   `json:"terminal"`
	} `json:"transition"`
	Dispatch *struct {
		ID    string `json:"id"`
		Stage string `json:"stage"`
	} `json:"dispatch"`
	Warnings []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"warnings"`
}

func newTransferCommand(ctx *commandContext) *cobra.Command {
	var from, idempotencyKey string
	var raw bool

	cmd := &cobra.Command{
		Use:   "transfer <work-order-id>",
		Short: "Transfer a work order out of its current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, replayed, err := postTransfer(cmd.Context(), ctx, args[0], from, idempotencyKey)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if raw {
				_, err := out.Write(body)
				return err
			}

			var res transferResult
			if err := json.Unmarshal(body, &res); err != nil {
				return fmt.Errorf("decode transfer response: %w", err)
			}
			if res.Transition.Terminal {
				fmt.Fprintf(out, "%s released from %s\n", res.WorkOrder.WONumber, res.Transition.From)
			} else {
				fmt.Fprintf(out, "%s moved %s -> %s\n", res.WorkOrder.WONumber, res.Transition.From, res.Transition.To)
			}
			if replayed {
				fmt.Fprintln(out, "(replayed from an earlier request)")
			}
			if res.Dispatch != nil {
				fmt.Fprintf(out, "dispatch record %s created at %s\n", res.Dispatch.ID, res.Dispatch.Stage)
			}
			for _, w := range res.Warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %s\n", w.Code, w.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Stage the work order is expected to be in")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Key that makes retries of this transfer safe")
	cmd.Flags().BoolVar(&raw, "json", false, "Print the raw JSON response")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func postTransfer(parent context.Context, cc *commandContext, id, from, idempotencyKey string) ([]byte, bool, error) {
	if parent == nil {
		parent = context.Background()
	}
	reqCtx, cancel := context.WithTimeout(parent, cc.timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"fromStage": from})
	if err != nil {
		return nil, false, err
	}
	endpoint := strings.TrimRight(cc.server, "/") + "/api/work-orders/" + url.PathEscape(id) + "/transfer"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cc.actor != "" {
		req.Header.Set("X-Actor-Id", cc.actor)
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("transfer request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("read transfer response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, apiError(resp.StatusCode, body)
	}
	return body, resp.Header.Get("X-Idempotent-Replay") == "true", nil
}

func apiError(status int, body []byte) error {
	var env struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Error.Code == "" {
		return fmt.Errorf("transfer failed: HTTP %d", status)
	}
	msg := fmt.Sprintf("%s: %s", env.Error.Code, env.Error.Message)
	for _, d := range env.Error.Details {
		msg += fmt.Sprintf("\n  %s: %s", d.Field, d.Message)
	}
	return fmt.Errorf("%s", msg)
}
