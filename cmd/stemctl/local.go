package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/stemsplit/internal/artifact"
	"github.com/cuongbtq/stemsplit/internal/config"
	"github.com/cuongbtq/stemsplit/internal/engine"
	"github.com/cuongbtq/stemsplit/shared/logger"
)

// loadConfig reads the service config when a path is given, otherwise it
// returns the defaults.
func (c *commandContext) loadConfig() (*config.Config, error) {
	if strings.TrimSpace(c.configPath) == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// separateLocally runs the configured engine in-process on one file, the
// same way a server worker would, and prints where each track landed.
func separateLocally(cmd *cobra.Command, ctx *commandContext, inputPath string) error {
	cfg, err := ctx.loadConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(&logger.Config{
		Level:  cfg.Logging.Level,
		Format: "console",
		Output: "stderr",
	})
	if err != nil {
		return err
	}
	defer log.Close()

	store := artifact.NewStore(artifact.Config{
		InputDir:  cfg.Storage.InputDir,
		StemsDir:  cfg.Storage.StemsDir,
		OutputDir: cfg.Storage.OutputDir,
		Logger:    log.Logger,
	})
	if err := store.EnsureDirs(); err != nil {
		return err
	}

	sep := engine.NewCommandEngine(engine.Config{
		Command:   cfg.Engine.Command,
		Args:      cfg.Engine.Args,
		InitArgs:  cfg.Engine.InitArgs,
		Model:     cfg.Engine.Model,
		Tracks:    cfg.Engine.Tracks,
		OutputExt: cfg.Engine.OutputExt,
		Store:     store,
		Logger:    log.Logger,
	})

	outputs, err := sep.Separate(cmd.Context(), inputPath)
	if err != nil {
		return err
	}

	tracks := make([]string, 0, len(outputs))
	for track := range outputs {
		tracks = append(tracks, track)
	}
	slices.Sort(tracks)

	rows := make([][]string, 0, len(tracks))
	for _, track := range tracks {
		rows = append(rows, []string{track, outputs[track]})
	}
	fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Track", "Path"}, rows))
	return nil
}
