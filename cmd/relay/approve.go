package main

import (
	"fmt"
	"os"

	"github.com/deepnoodle-ai/relay/approval"
	"github.com/deepnoodle-ai/relay/automation"
	"github.com/spf13/cobra"
)

var approveCmd = &cobra.Command{
	Use:   "approve [automation-id]",
	Short: "Review and approve the scripts of an automation",
	Long: `approve walks every bash action of the automation, shows the stored
script body (and a diff against the previously approved version when the
content changed) and records approval tied to the exact body hash. Editing
an approved script clears its approval.`,
	Args: cobra.ExactArgs(1),
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

		gate := approval.NewGate(approval.NewTerminalPrompter(os.Stdin, os.Stdout), logger)
		reviewed := 0
		for i := range spec.Actions {
			bash := spec.Actions[i].Bash
			if bash == nil {
				continue
			}
			reviewed++
			body, err := st.GetScript(cmd.Context(), bash.ScriptID)
			if err != nil {
				return err
			}
			req := &approval.Request{
				AutomationID:   spec.ID,
				AutomationName: spec.Name,
				ScriptID:       bash.ScriptID,
				Body:           body,
				Capabilities:   bash.Capabilities,
			}
			if meta, err := st.GetScriptMetadata(cmd.Context(), bash.ScriptID); err == nil {
				req.ScriptName = meta.Name
			}
			if prev, err := st.GetPreviousScript(cmd.Context(), bash.ScriptID); err == nil {
				req.PreviousBody = prev
			}
			if err := gate.Authorize(cmd.Context(), req, bash); err != nil {
				fmt.Printf("Script %s: not approved\n", bash.ScriptID)
				continue
			}
			fmt.Printf("Script %s: approved\n", bash.ScriptID)
		}
		if reviewed == 0 {
			fmt.Printf("%s has no scripts to approve\n", spec.ID)
			return nil
		}
		return st.SaveAutomation(cmd.Context(), spec)
	},
}

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "List and resolve open review tasks",
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

		if reviewResolve != "" {
			if err := st.ResolveReviewTask(cmd.Context(), reviewResolve); err != nil {
				return err
			}
			fmt.Printf("Resolved %s\n", reviewResolve)
			return nil
		}

		tasks, err := st.ListOpenReviewTasks(cmd.Context())
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No open review tasks")
			return nil
		}
		for _, task := range tasks {
			printReviewTask(task)
		}
		return nil
	},
}

var reviewResolve string

func init() {
	reviewCmd.Flags().StringVar(&reviewResolve, "resolve", "", "mark a review task as resolved")
}

func printReviewTask(task *automation.ReviewTask) {
	fmt.Printf("%s  %-20s %s (%s)\n", task.ID, task.AutomationID, task.Message, formatAge(task.CreatedAt))
}
