package main

import (
	"context"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/uilibs/uiprotect-go/internal/config"
	"github.com/uilibs/uiprotect-go/internal/logging"
	"github.com/uilibs/uiprotect-go/internal/protect"
)

var snapshotJSON bool

var snapshotCmd = &cobra.Command{
	Use:   "snapshot [model id]",
	Short: "Fetch the full-state document once and print a summary or one entity",
	Args:  cobra.RangeArgs(0, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSnapshot(cmd.Context(), args)
	},
}

func init() {
	snapshotCmd.Flags().BoolVar(&snapshotJSON, "json", false, "print as JSON")
}

func runSnapshot(ctx context.Context, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	client, store, err := buildClient(cfg, logger)
	if err != nil {
		return err
	}

	// Stop flushes the resume cursor, so the store must outlive it.
	if store != nil {
		defer store.Close()
	}

	defer client.Stop()

	if err := client.Bootstrap(ctx); err != nil {
		return err
	}

	if len(args) == 2 {
		return printEntity(client, args[0], args[1])
	}

	replica := client.Replica()
	nvr := replica.GetNVR()

	if snapshotJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(nvr)
	}

	fmt.Printf("controller: %s (%s)\n", nvr.Name, nvr.Version)
	fmt.Printf("cursor:     %s\n", replica.LastUpdateID())

	if user, ok := replica.AuthUser(); ok {
		fmt.Printf("user:       %s\n", user.Name)
	}

	return nil
}

func printEntity(client *protect.Client, model, id string) error {
	mt, err := protect.ParseModelType(model)
	if err != nil {
		return err
	}

	entity, ok := client.Replica().GetEntity(mt, id)
	if !ok {
		return fmt.Errorf("%s %q not found", mt, id)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(entity)
}
