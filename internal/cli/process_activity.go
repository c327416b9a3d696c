package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/khalifapro/crowd.dev/internal/domain"
)

// NewProcessActivityCommand creates the process-activity command.
func NewProcessActivityCommand(rootOpts *RootOptions) *cobra.Command {
	var enqueue bool

	cmd := &cobra.Command{
		Use:   "process-activity <event.json|->",
		Short: "Resolve one activity event now, or enqueue it for the data sink worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			event, err := readEvent(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			if enqueue {
				emitter, closeEmitter, err := rootOpts.Env.OpenEmitter(rootOpts.Config)
				if err != nil {
					return err
				}
				defer closeEmitter()

				id, err := emitter.Emit(cmd.Context(), *event)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s\n", id)
				return nil
			}

			processor, closeProcessor, err := rootOpts.Env.OpenProcessor(rootOpts.Config, rootOpts.Logger)
			if err != nil {
				return err
			}
			defer closeProcessor()

			result, err := processor.ProcessActivity(cmd.Context(), *event)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "publish to the worker stream instead of processing in-process")
	return cmd
}

func readEvent(stdin io.Reader, path string) (*domain.ActivityEvent, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open event file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var event domain.ActivityEvent
	if err := json.NewDecoder(r).Decode(&event); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return &event, nil
}
