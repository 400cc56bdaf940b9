package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	executionsLimit int
	executionsJSON  bool
	executionsShow  string
)

var executionsCmd = &cobra.Command{
	Use:   "executions [automation-id]",
	Short: "List execution records, newest first",
	Args:  cobra.MaximumNArgs(1),
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

		if executionsShow != "" {
			record, err := st.GetExecution(cmd.Context(), executionsShow)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(record)
		}

		automationID := ""
		if len(args) == 1 {
			automationID = args[0]
		}
		records, err := st.ListExecutions(cmd.Context(), automationID, executionsLimit)
		if err != nil {
			return err
		}
		if executionsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		}
		if len(records) == 0 {
			fmt.Println("No executions")
			return nil
		}
		for _, record := range records {
			fmt.Printf("%s  %-20s %-8s %2d actions  %s\n",
				record.ID, record.AutomationID, record.Status,
				len(record.ActionResults), formatAge(record.TriggeredAt))
		}
		return nil
	},
}

func init() {
	executionsCmd.Flags().IntVar(&executionsLimit, "limit", 20, "maximum records to list")
	executionsCmd.Flags().BoolVar(&executionsJSON, "json", false, "output as JSON")
	executionsCmd.Flags().StringVar(&executionsShow, "show", "", "print one execution record in full")
}
