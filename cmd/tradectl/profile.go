package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dgnsrekt/ctrader_agent/internal/browser"
	"github.com/spf13/cobra"
)

var patchProfileCmd = &cobra.Command{
	Use:   "patch-profile <identity>",
	Short: "Mark an identity's profile as cleanly exited",
	Long: `Create the identity's profile directory if needed and mark its last exit
as clean, so the browser does not offer to restore the previous session.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := browser.ProfileDir(cfg.ProfilesDir, args[0])
		if err != nil {
			return err
		}
		if err := browser.PatchCleanExit(dir); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), dir)
		return nil
	},
}

var (
	targetsCDPURL string
	targetsMatch  string
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List open page targets of a running browser",
	Long: `List the page targets of a browser reachable over CDP. Tabs matching the
platform URL are listed first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		url := targetsCDPURL
		if url == "" {
			url = cfg.SharedCDPURL
		}
		if url == "" {
			url = "http://127.0.0.1:9222"
		}
		match := targetsMatch
		if match == "" {
			match = cfg.URLMatch
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		targets, err := browser.ListPageTargets(ctx, url)
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No page targets found")
			return nil
		}
		for _, t := range browser.PreferMatching(targets, match) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s  %s  %q\n", t.TargetID, t.URL, t.Title)
		}
		return nil
	},
}

func init() {
	targetsCmd.Flags().StringVar(&targetsCDPURL, "cdp-url", "", "browser CDP endpoint (default SHARED_CDP_URL or http://127.0.0.1:9222)")
	targetsCmd.Flags().StringVar(&targetsMatch, "match", "", "URL substring listed first (default CTRADER_URL_MATCH)")
}
