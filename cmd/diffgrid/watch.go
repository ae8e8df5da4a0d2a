package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/richinsley/diffgrid/config"
	"github.com/richinsley/diffgrid/server"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [url]",
	Short: "Follow the state of a running diffgrid server",
	Long: `Connects to the websocket state stream of a diffgrid server and prints the grid whenever
it changes. Without a url the server of the configured server.listen address on localhost is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var url string
		if len(args) == 1 {
			url = args[0]
		} else {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			url = localStreamURL(cfg.Server.Listen)
		}
		maxRetry, _ := cmd.Flags().GetInt("max-retry")

		out := cmd.OutOrStdout()
		w := server.NewWatcher(url, server.WatcherFunc(func(m *server.Message) {
			switch m.Type {
			case "hello":
				h := m.ToHello()
				slog.Info("Connected", "url", url, "timesteps", h.Timesteps, "columns", h.Columns)
			case "state":
				fmt.Fprintln(out, renderGrid(*m.ToState()))
			case "error":
				e := m.ToError()
				slog.Error("Action failed", "action", e.Action, "error", e.Message)
			}
		}))
		w.MaxRetry = maxRetry
		w.MaxDelay = 30 * time.Second
		return w.Run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Int("max-retry", 0, "Give up after this many failed connection attempts (0 retries forever)")
}

// localStreamURL turns a listen address into the stream url of the local server
func localStreamURL(listen string) string {
	host := listen
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return "ws://" + host + "/api/ws"
}
