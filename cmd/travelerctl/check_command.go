package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pitabwire/traveler/internal/readiness"
	"github.com/pitabwire/traveler/model"
)

func newCheckCommand(ctx *commandContext) *cobra.Command {
	var stageID string

	cmd := &cobra.Command{
		Use:   "check <file>",
		Short: "Evaluate readiness of a work order document without a server",
		Long:  "Reads a work order JSON document (\"-\" for stdin) and reports the readiness flags of its current stage.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := ctx.table()
			if err != nil {
				return err
			}
			wo, err := readWorkOrder(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			target := stageID
			if target == "" {
				target = wo.Stage
			}
			cur, err := table.Lookup(target)
			if err != nil {
				return err
			}

			flags := readiness.NewEvaluator(table).Evaluate(wo, cur.ID)
			rows := make([][]string, 0, len(cur.Readiness))
			for _, name := range cur.Readiness {
				state := "missing"
				if flags[name] {
					state = "ok"
				}
				rows = append(rows, []string{name, state})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s at %s (%s)\n", displayNumber(wo), cur.ID, cur.Label)
			fmt.Fprintln(out, renderTable([]string{"Flag", "State"}, rows))

			if !readiness.AllReady(flags) {
				return fmt.Errorf("not ready: %s", strings.Join(flags.Failing(), ", "))
			}
			switch {
			case cur.Terminal():
				fmt.Fprintln(out, "Ready to release from the terminal stage")
			case table.RequiresDispatchOnEntry(cur.Next):
				fmt.Fprintf(out, "Ready to transfer to %s (creates a dispatch record)\n", cur.Next)
			default:
				fmt.Fprintf(out, "Ready to transfer to %s\n", cur.Next)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "Evaluate against this stage instead of the document's stage")
	return cmd
}

func readWorkOrder(stdin io.Reader, path string) (model.WorkOrder, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return model.WorkOrder{}, fmt.Errorf("read work order: %w", err)
	}

	var wo model.WorkOrder
	if err := json.Unmarshal(data, &wo); err != nil {
		return model.WorkOrder{}, fmt.Errorf("parse work order %s: %w", path, err)
	}
	if wo.Stage == "" {
		return model.WorkOrder{}, fmt.Errorf("work order %s has no stage", path)
	}
	return wo, nil
}

func displayNumber(wo model.WorkOrder) string {
	switch {
	case wo.WONumber != "":
		return wo.WONumber
	case wo.ID != "":
		return wo.ID
	default:
		return "work order"
	}
}
