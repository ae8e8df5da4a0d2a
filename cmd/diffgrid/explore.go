package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/richinsley/diffgrid/client"
	"github.com/richinsley/diffgrid/grid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var exploreCmd = &cobra.Command{
	Use:   "explore",
	Short: "Compute the trunk and branch grid of a prompt",
	Long: `Loads the prompt catalog, computes the trunk of the selected prompt and every branch of
the grid, then prints a summary. Images can be written to a directory and the final state
dumped as YAML.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		offset, _ := cmd.Flags().GetInt("prompt")
		reseed, _ := cmd.Flags().GetInt("reseed")
		dump, _ := cmd.Flags().GetString("dump")
		saveDir, _ := cmd.Flags().GetString("save-dir")

		ctx := cmd.Context()
		s, err := newSession(ctx, cmd, nil)
		if err != nil {
			return err
		}
		defer s.Close()
		store := s.store

		changes, unsubscribe := store.Subscribe()
		defer unsubscribe()
		total := len(s.cfg.Grid.Timesteps)*s.cfg.Grid.Columns + 1

		// we'll provide a progress bar
		bar := progressbar.Default(int64(total), "diffusing")
		go func() {
			for range changes {
				st := store.Snapshot()
				n := st.Count(grid.SlotResolved)
				if st.Trunk.Status == grid.SlotResolved {
					n++
				}
				bar.Set(n)
			}
		}()

		if err := store.Load().Wait(ctx); err != nil {
			return err
		}
		if offset != 0 {
			if err := store.ChangePrompt(offset).Err(); err != nil {
				return err
			}
		}
		for i := 0; i < reseed; i++ {
			store.ReseedAll()
		}
		if err := store.Wait(ctx); err != nil {
			return err
		}
		bar.Finish()

		st := store.Snapshot()
		fmt.Fprintln(cmd.OutOrStdout())
		fmt.Fprintln(cmd.OutOrStdout(), renderGrid(st))
		if st.Trunk.Status != grid.SlotResolved {
			return errors.New("trunk could not be computed")
		}

		if dump != "" {
			if err := dumpState(cmd, st, dump); err != nil {
				return err
			}
		}
		if saveDir != "" {
			if err := saveImages(st, saveDir); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exploreCmd)
	exploreCmd.Flags().IntP("prompt", "p", 0, "Offset of the prompt to explore in the catalog (may be negative)")
	exploreCmd.Flags().Int("reseed", 0, "Number of times to re-roll the whole prompt before exploring")
	exploreCmd.Flags().String("dump", "", "Write the final state without images as YAML to this file (- for stdout)")
	exploreCmd.Flags().String("save-dir", "", "Directory to write the trunk and branch images to")
}

func dumpState(cmd *cobra.Command, st grid.State, path string) error {
	data, err := yaml.Marshal(st.WithoutImages())
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if path == "-" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func saveImages(st grid.State, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := saveImage(filepath.Join(dir, "trunk.png"), st.Trunk.Branch); err != nil {
		return err
	}
	for _, row := range st.Rows {
		for c, cell := range row.Cells {
			if cell.Status != grid.SlotResolved {
				continue
			}
			name := grid.SaltKey(row.Timestep, c) + ".png"
			if err := saveImage(filepath.Join(dir, name), cell.Branch); err != nil {
				return err
			}
		}
	}
	return nil
}

func saveImage(path string, branch *client.Branch) error {
	data, err := client.DecodeImage(branch.Image)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	slog.Info("Got image", "file", path)
	return nil
}
