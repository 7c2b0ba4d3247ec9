/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/autojoin/internal/meeting"
)

var (
	apiURL   string
	apiToken string

	settingsMinutes    int
	settingsCloseAfter bool
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Ask the daemon to re-read the calendar now",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		var resp struct {
			Status    string `json:"status"`
			Coalesced bool   `json:"coalesced"`
		}
		if err := newAPIClient(apiAddr(), apiToken).do(cmd.Context(), http.MethodPost, "/api/v1/refresh", nil, &resp); err != nil {
			return err
		}
		if resp.Coalesced {
			fmt.Fprintln(cmd.OutOrStdout(), "A refresh is already pending.")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Refresh queued.")
		return nil
	},
}

var upcomingCmd = &cobra.Command{
	Use:   "upcoming",
	Short: "List today's remaining meetings with a video link",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		var resp upcomingResponse
		err := newAPIClient(apiAddr(), apiToken).do(cmd.Context(), http.MethodGet, "/api/v1/upcoming", nil, &resp)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Code == "not_authenticated" {
			return errors.New("not signed in, run `autojoin login` first")
		}
		if err != nil {
			return err
		}
		return printUpcoming(cmd.OutOrStdout(), resp, time.Local)
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change scheduling preferences",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		var settings meeting.Settings
		if err := newAPIClient(apiAddr(), apiToken).do(cmd.Context(), http.MethodGet, "/api/v1/settings", nil, &settings); err != nil {
			return err
		}
		return printSettings(cmd.OutOrStdout(), settings)
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change settings; unspecified flags keep their value",
	Example: `  autojoin settings set --minutes 2
  autojoin settings set --close-after=false`,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{}
		if cmd.Flags().Changed("minutes") {
			body["minutesBeforeMeeting"] = settingsMinutes
		}
		if cmd.Flags().Changed("close-after") {
			body["closeAfterMeeting"] = settingsCloseAfter
		}
		if len(body) == 0 {
			return errors.New("nothing to change, pass --minutes and/or --close-after")
		}
		if err := loadConfig(); err != nil {
			return err
		}
		var settings meeting.Settings
		if err := newAPIClient(apiAddr(), apiToken).do(cmd.Context(), http.MethodPut, "/api/v1/settings", body, &settings); err != nil {
			return err
		}
		return printSettings(cmd.OutOrStdout(), settings)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "Control API address (default from config)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "api-token", os.Getenv("AUTOJOIN_API_TOKEN"), "Bearer token for the control API")

	settingsSetCmd.Flags().IntVar(&settingsMinutes, "minutes", meeting.DefaultMinutesBeforeMeeting, "Minutes before a meeting to open its link")
	settingsSetCmd.Flags().BoolVar(&settingsCloseAfter, "close-after", meeting.DefaultCloseAfterMeeting, "Close the tab when the meeting ends")

	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd)
	rootCmd.AddCommand(refreshCmd, upcomingCmd, settingsCmd)
}

type upcomingResponse struct {
	Meetings []meeting.ScheduledMeeting `json:"meetings"`
	Message  string                     `json:"message"`
}

func printUpcoming(w io.Writer, resp upcomingResponse, loc *time.Location) error {
	if len(resp.Meetings) == 0 {
		msg := resp.Message
		if msg == "" {
			msg = "No meetings with video links found today"
		}
		_, err := fmt.Fprintln(w, msg)
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTITLE\tLINK")
	for _, m := range resp.Meetings {
		fmt.Fprintf(tw, "%s - %s\t%s\t%s\n",
			m.StartTime.In(loc).Format("15:04"),
			m.EndTime.In(loc).Format("15:04"),
			m.Title, m.Link)
	}
	return tw.Flush()
}

func printSettings(w io.Writer, settings meeting.Settings) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(settings)
}
