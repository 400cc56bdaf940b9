package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/deepnoodle-ai/relay/automation"
	"github.com/deepnoodle-ai/relay/store"
	"github.com/spf13/cobra"
)

var scriptsCmd = &cobra.Command{
	Use:   "scripts",
	Short: "Manage stored script bodies",
}

var scriptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored scripts",
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

		metas, err := st.ListScripts(cmd.Context())
		if err != nil {
			return err
		}
		if len(metas) == 0 {
			fmt.Println("No scripts")
			return nil
		}
		for _, meta := range metas {
			refs := "unused"
			if len(meta.AutomationIDs) > 0 {
				refs = "used by " + strings.Join(meta.AutomationIDs, ", ")
			}
			fmt.Printf("%-20s %-6s %s  %s\n", meta.ID, meta.Origin, meta.ContentHash[:12], refs)
		}
		return nil
	},
}

var scriptOrigin string

var scriptsAddCmd = &cobra.Command{
	Use:   "add [script-id] [file]",
	Short: "Store or update a script body from a file",
	Args:  cobra.ExactArgs(2),
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

		body, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		origin := automation.ScriptOrigin(scriptOrigin)
		if origin != automation.ScriptOriginLLM && origin != automation.ScriptOriginUser {
			return fmt.Errorf("origin must be %q or %q", automation.ScriptOriginLLM, automation.ScriptOriginUser)
		}
		meta := &automation.ScriptMetadata{
			ID:     args[0],
			Name:   strings.TrimSuffix(filepath.Base(args[1]), filepath.Ext(args[1])),
			Origin: origin,
		}
		if existing, err := st.GetScriptMetadata(cmd.Context(), args[0]); err == nil {
			meta.Name = existing.Name
			meta.Description = existing.Description
			meta.CreatedAt = existing.CreatedAt
		}
		if err := st.SaveScript(cmd.Context(), meta, string(body)); err != nil {
			return err
		}
		fmt.Printf("Stored %s (%s)\n", meta.ID, meta.ContentHash[:12])
		return nil
	},
}

var scriptsShowCmd = &cobra.Command{
	Use:   "show [script-id]",
	Short: "Print a script body",
	Args:  cobra.ExactArgs(1),
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

		body, err := st.GetScript(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Print(body)
		return nil
	},
}

var scriptsDeleteCmd = &cobra.Command{
	Use:   "delete [script-id]",
	Short: "Delete an unreferenced script",
	Args:  cobra.ExactArgs(1),
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

		err = st.DeleteScript(cmd.Context(), args[0])
		if errors.Is(err, store.ErrScriptInUse) {
			meta, metaErr := st.GetScriptMetadata(cmd.Context(), args[0])
			if metaErr == nil {
				return fmt.Errorf("script %s is still used by %s", args[0],
					strings.Join(meta.AutomationIDs, ", "))
			}
			return err
		}
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

func init() {
	scriptsAddCmd.Flags().StringVar(&scriptOrigin, "origin", "user", "who authored the script (llm or user)")
	scriptsCmd.AddCommand(scriptsListCmd)
	scriptsCmd.AddCommand(scriptsAddCmd)
	scriptsCmd.AddCommand(scriptsShowCmd)
	scriptsCmd.AddCommand(scriptsDeleteCmd)
}
