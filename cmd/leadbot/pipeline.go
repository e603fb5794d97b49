package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"leadbot/internal/memory"
)

func pipelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Manage lead origins and their pipeline stages",
	}

	origin := &cobra.Command{Use: "origin", Short: "Manage lead origins"}
	origin.AddCommand(&cobra.Command{
		Use:   "add <name>",
		Short: "Create a lead origin",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store *memory.SQLStore, args []string) error {
			o, err := store.CreateOrigin(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "origin %q created (%s)\n", o.Name, o.ID)
			return nil
		}),
	})

	stage := &cobra.Command{Use: "stage", Short: "Manage pipeline stages"}
	stage.AddCommand(&cobra.Command{
		Use:   "add <name>",
		Short: "Create a pipeline stage",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store *memory.SQLStore, args []string) error {
			st, err := store.CreateStage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stage %q created (%s)\n", st.Name, st.ID)
			return nil
		}),
	})

	var position int
	link := &cobra.Command{
		Use:   "link <origin> <stage>",
		Short: "Add a stage to an origin's pipeline, or move it",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(func(cmd *cobra.Command, store *memory.SQLStore, args []string) error {
			ctx := cmd.Context()
			o, err := store.GetOriginByName(ctx, args[0])
			if err != nil {
				return fmt.Errorf("origin %q: %w", args[0], err)
			}
			st, err := store.GetStageByName(ctx, args[1])
			if err != nil {
				return fmt.Errorf("stage %q: %w", args[1], err)
			}
			pos := position
			if !cmd.Flags().Changed("position") {
				existing, err := store.ListStages(ctx, o.ID)
				if err != nil {
					return err
				}
				pos = len(existing) + 1
			}
			if err := store.LinkStage(ctx, o.ID, st.ID, pos); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s at position %d\n", o.Name, st.Name, pos)
			return nil
		}),
	}
	link.Flags().IntVar(&position, "position", 0, "position in the pipeline (default: last)")

	stages := &cobra.Command{
		Use:   "stages <origin>",
		Short: "List an origin's stages in pipeline order",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store *memory.SQLStore, args []string) error {
			ctx := cmd.Context()
			o, err := store.GetOriginByName(ctx, args[0])
			if err != nil {
				return fmt.Errorf("origin %q: %w", args[0], err)
			}
			list, err := store.ListStages(ctx, o.ID)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no stages linked")
			}
			for _, st := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%3d  %s\n", st.Position, st.Name)
			}
			return nil
		}),
	}

	cmd.AddCommand(origin, stage, link, stages)
	return cmd
}

// withStore opens the configured store around fn.
func withStore(fn func(cmd *cobra.Command, store *memory.SQLStore, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(cmd, store, args)
	}
}
