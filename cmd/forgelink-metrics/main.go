// Command forgelink-metrics inspects and manages the local Forgelink usage
// store: view what would be uploaded, trigger a flush by hand, or toggle
// reporting without opening the editor.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"

	"github.com/forgelink/forgelink/buildinfo"
	"github.com/forgelink/forgelink/metricsclient"
	"github.com/forgelink/forgelink/settings"
	"github.com/forgelink/forgelink/tracker"
)

func main() {
	if err := root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func root() *cobra.Command {
	var (
		storePath    string
		settingsPath string
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:           "forgelink-metrics",
		Short:         "Inspect and manage local Forgelink usage metrics",
		Version:       buildinfo.Version(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&storePath, "store", defaultPath("usage.json"), "path of the usage store")
	cmd.PersistentFlags().StringVar(&settingsPath, "settings", defaultPath("settings.toml"), "path of the settings file")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	logger := func() slog.Logger {
		log := slog.Make(sloghuman.Sink(os.Stderr))
		if verbose {
			log = log.Leveled(slog.LevelDebug)
		}
		return log
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show reporting state and pending report count",
		RunE: func(cmd *cobra.Command, _ []string) error {
			prefs, err := settings.Open(settingsPath, logger())
			if err != nil {
				return err
			}
			store := tracker.NewStoreFile(storePath, "", logger()).Load(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Enabled:      %v\n", prefs.GetBool(tracker.SettingMetricsEnabled, true))
			fmt.Fprintf(cmd.OutOrStdout(), "Reports:      %d\n", len(store.Model.Reports))
			if store.LastUpdated.IsZero() {
				fmt.Fprintf(cmd.OutOrStdout(), "Last flushed: never\n")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Last flushed: %s\n", store.LastUpdated)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print the usage store as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store := tracker.NewStoreFile(storePath, "", logger()).Load(cmd.Context())
			data, err := store.Encode()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	flush := &cobra.Command{
		Use:   "flush",
		Short: "Attempt one upload of all reports dated before today",
		RunE: func(cmd *cobra.Command, _ []string) error {
			metricsURL, err := cmd.Flags().GetString("url")
			if err != nil {
				return err
			}
			client, err := metricsclient.New(metricsURL)
			if err != nil {
				return err
			}
			prefs, err := settings.Open(settingsPath, logger())
			if err != nil {
				return err
			}
			t := tracker.New(tracker.Options{
				Logger:     logger(),
				Settings:   prefs,
				Client:     client,
				StorePath:  storePath,
				AppVersion: buildinfo.Version(),
			})
			defer t.Close()
			t.Flush(cmd.Context())
			return nil
		},
	}
	flush.Flags().String("url", "https://metrics.forgelink.dev", "base URL of the metrics service")
	cmd.AddCommand(flush)

	cmd.AddCommand(&cobra.Command{
		Use:   "enable",
		Short: "Turn usage reporting on",
		RunE: func(_ *cobra.Command, _ []string) error {
			return setEnabled(settingsPath, logger(), true)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "disable",
		Short: "Turn usage reporting off",
		RunE: func(_ *cobra.Command, _ []string) error {
			return setEnabled(settingsPath, logger(), false)
		},
	})

	return cmd
}

func setEnabled(settingsPath string, log slog.Logger, enabled bool) error {
	prefs, err := settings.Open(settingsPath, log)
	if err != nil {
		return err
	}
	prefs.SetBool(tracker.SettingMetricsEnabled, enabled)
	return nil
}

// defaultPath places metrics files in the per-user Forgelink directory.
func defaultPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".forgelink", name)
}
