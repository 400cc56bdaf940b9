package main

import (
	"encoding/json"
	"fmt"

	"github.com/deepnoodle-ai/relay/automation"
	"github.com/deepnoodle-ai/relay/engine"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	runDryRun  bool
	runPayload string
)

var runCmd = &cobra.Command{
	Use:   "run [automation-id]",
	Short: "Trigger an automation manually",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		spec, err := st.GetAutomation(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		data := map[string]any{}
		if runPayload != "" {
			if err := json.Unmarshal([]byte(runPayload), &data); err != nil {
				return fmt.Errorf("invalid --data payload: %w", err)
			}
		}

		eng, err := buildEngine(cfg, st, logger, defaultConnectors(), "")
		if err != nil {
			return err
		}
		event := automation.NewTriggerEvent(automation.TriggerManual, data)
		record, err := eng.Run(cmd.Context(), spec, event, engine.RunOptions{DryRun: runDryRun})
		if err != nil {
			return err
		}
		printRecord(record)
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "resolve and report without executing side effects")
	runCmd.Flags().StringVar(&runPayload, "data", "", "JSON object made available as trigger data")
}

func printRecord(record *automation.ExecutionRecord) {
	statusColor := color.New(color.FgGreen)
	switch record.Status {
	case automation.ExecutionFailed:
		statusColor = color.New(color.FgRed)
	case automation.ExecutionPartial:
		statusColor = color.New(color.FgYellow)
	}
	fmt.Printf("Execution %s: %s\n", record.ID, statusColor.Sprint(record.Status))
	for _, result := range record.ActionResults {
		line := fmt.Sprintf("  %-20s %-18s %s", result.ActionID, result.Type, result.Status)
		if result.Error != "" {
			line += "  " + result.Error
		}
		fmt.Println(line)
	}
	if record.Error != "" {
		fmt.Printf("Error: %s\n", record.Error)
	}
}
