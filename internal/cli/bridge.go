package cli

import (
	"context"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"quiz-session-client/internal/app"
	transport "quiz-session-client/internal/transport/http"
)

// NewBridgeCmd serves the WebSocket UI bridge.
func NewBridgeCmd(configPath, port, backend *string) *cobra.Command {
	return &cobra.Command{
		Use:   "bridge",
		Short: "Serve the WebSocket UI bridge in front of the session backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(cmd.Context(), *configPath, *port, *backend)
		},
	}
}

func runBridge(ctx context.Context, configPath, portFlag, backendFlag string) error {
	cfg, log, err := loadConfig(configPath, backendFlag)
	if err != nil {
		return err
	}
	api, err := newSessionClient(cfg, log)
	if err != nil {
		return err
	}
	journal, closeJournal, err := openJournal(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeJournal()

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	opts := cfg.Session.Options()
	wsHandler := transport.NewWSHandler(func() *app.Controller {
		return app.NewController(api, journal, opts, log)
	}, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
	}
	return serve(ctx, server, log.With().Str("service", "bridge").Logger())
}
