package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petal-labs/reelflow/core"
)

// NewStatusCmd creates the "status" subcommand.
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show video and artifact counts per stage",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	addConfigFlags(cmd)
	cmd.Flags().Bool("json", false, "Print the summary as JSON")
	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, err := openStore(cmd.Context(), cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	summary, err := st.Summary(cmd.Context())
	if err != nil {
		return exitError(exitRuntime, "reading summary: %v", err)
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return exitError(exitRuntime, "encoding summary: %v", err)
		}
		return nil
	}

	videos := make([]countRow, 0, len(core.Stages))
	for _, stage := range core.Stages {
		videos = append(videos, countRow{label: stage.String(), count: summary.Videos[stage]})
	}
	fmt.Fprintln(out, renderCounts("Video stage", videos, summary.TotalVideos))

	artifacts := make([]countRow, 0, len(core.PublishStates))
	for _, state := range core.PublishStates {
		artifacts = append(artifacts, countRow{label: string(state), count: summary.Artifacts[state]})
	}
	fmt.Fprintln(out, renderCounts("Publish state", artifacts, summary.TotalArtifacts))
	return nil
}
