package main

import (
	"fmt"

	"github.com/deepnoodle-ai/relay/automation"
	"github.com/spf13/cobra"
)

var loadCmd = &cobra.Command{
	Use:   "load [file...]",
	Short: "Load automation specs from YAML or JSON files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		for _, path := range args {
			spec, err := automation.LoadSpec(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if existing, err := st.GetAutomation(cmd.Context(), spec.ID); err == nil {
				spec.Version = existing.Version + 1
				spec.CreatedAt = existing.CreatedAt
			}
			if err := st.SaveAutomation(cmd.Context(), spec); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("Loaded %s (%s, version %d)\n", spec.ID, spec.Status, spec.Version)
		}
		return nil
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate [automation-id]",
	Short: "Activate an automation so its trigger fires",
	Args:  cobra.ExactArgs(1),
	RunE:  setStatus(automation.StatusActive),
}

var pauseCmd = &cobra.Command{
	Use:   "pause [automation-id]",
	Short: "Pause an automation without deleting it",
	Args:  cobra.ExactArgs(1),
	RunE:  setStatus(automation.StatusPaused),
}

func setStatus(status automation.Status) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		spec, err := st.GetAutomation(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if spec.Status == status {
			fmt.Printf("%s is already %s\n", spec.ID, status)
			return nil
		}
		spec.Status = status
		if status == automation.StatusActive {
			if err := spec.Validate(); err != nil {
				return fmt.Errorf("cannot activate %s: %w", spec.ID, err)
			}
		}
		if err := st.SaveAutomation(cmd.Context(), spec); err != nil {
			return err
		}
		fmt.Printf("%s is now %s\n", spec.ID, status)
		return nil
	}
}
