package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pitabwire/traveler/internal/stage"
)

func newStagesCommand(ctx *commandContext) *cobra.Command {
	var track string

	cmd := &cobra.Command{
		Use:   "stages",
		Short: "List the stage graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			table, err := ctx.table()
			if err != nil {
				return err
			}

			var ids []string
			if track != "" {
				var ok bool
				if ids, ok = table.TrackStages(track); !ok {
					return fmt.Errorf("unknown track %q", track)
				}
			} else {
				for _, s := range table.Stages() {
					ids = append(ids, s.ID)
				}
			}

			rows := make([][]string, 0, len(ids))
			for _, id := range ids {
				s, err := table.Lookup(id)
				if err != nil {
					return err
				}
				rows = append(rows, stageRow(s))
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Stage table %s (%d stages)\n", table.Version(), len(rows))
			fmt.Fprintln(out, renderTable([]string{"Stage", "Label", "Track", "Next", "Readiness", "Dispatch"}, rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&track, "track", "", "Only list stages of this track")
	return cmd
}

func stageRow(s stage.Stage) []string {
	next := s.Next
	if s.Terminal() {
		next = "(terminal)"
	}
	dispatch := ""
	if s.Dispatch != nil {
		dispatch = strings.Join(s.Dispatch.Tags, ",")
	}
	return []string{s.ID, s.Label, s.Track, next, strings.Join(s.Readiness, ","), dispatch}
}
