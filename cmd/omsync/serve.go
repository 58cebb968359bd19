package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/driver"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/files"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/status"
	v5 "github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/v5"
	v6 "github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/v6"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/ui"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "node",
	Short:   "Run the node: HTTP server, sync driver and file sync",
	Long: `Run the node until interrupted.

On the central role this serves the v5 routes under /sync/v5 and the v6
routes under /central/sync. On the remote role the v6 routes answer
NotACentralServer, and the sync driver and file synchroniser run in the
background.

Every role serves:
  /ws       sync progress and file transfers over WebSocket
  /health   health check`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "Port to listen on (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	n, err := openNode(true)
	if err != nil {
		return err
	}
	defer n.Close()

	port := n.settings.Server.Port
	if p, _ := cmd.Flags().GetInt("port"); p != 0 {
		port = p
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := status.NewHub(n.logger("status"))
	defer hub.Close()

	store, err := files.NewStore(n.settings.Files.Dir)
	if err != nil {
		return err
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"role":    n.settings.Node.Role,
			"clients": hub.ClientCount(),
		})
	})
	router.Handle("/ws", hub)
	if n.isCentral() {
		router.Handle("/sync/v5/*", v5.NewServer(n.database.Conn(), n.reader, n.engine, n.logger("v5")))
	}
	router.Handle("/central/*", v6.NewServer(n.database.Conn(), n.reader, n.engine, store, &v6.ServerConfig{
		IsCentral: n.isCentral(),
		Logger:    n.logger("v6"),
	}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if !n.isCentral() {
		if err := startSite(gctx, g, n, hub, store); err != nil {
			stop()
			_ = g.Wait()
			return err
		}
	}

	fmt.Printf("%s %s node listening on http://localhost:%d\n", ui.RenderAccent("▶"), n.settings.Node.Role, port)
	fmt.Printf("  %s ws://localhost:%d/ws\n", ui.RenderMuted("status:"), port)
	fmt.Println("\nPress Ctrl+C to stop...")

	err = g.Wait()
	fmt.Println("\nShutting down...")
	return err
}

// startSite runs the sync driver and the file synchroniser of a remote
// site. A finished cycle triggers a file pass so newly pulled references
// download without waiting for the schedule.
func startSite(ctx context.Context, g *errgroup.Group, n *node, hub *status.Hub, store *files.Store) error {
	var worker *files.Synchroniser
	recorder := status.NewRecorder(n.database.Conn(), hub, n.logger("status"))
	drv, err := driver.New(n.database.Conn(), n.reader, n.engine, recorder, driver.Config{
		Sync:       n.settings.Sync,
		HardwareID: n.settings.Node.HardwareID,
		AfterCycle: func() { worker.Trigger() },
		Logger:     n.logger("driver"),
	})
	if err != nil {
		return err
	}

	worker = files.New(n.database.Conn(), store, drv.Direct(), &files.Config{
		Schedule:  n.settings.Files.Schedule,
		Watch:     n.settings.Files.Watch,
		Logger:    n.logger("files"),
		OnOutcome: func(o files.Outcome) { broadcastOutcome(hub, o) },
	})

	g.Go(func() error { return drv.Run(ctx) })
	g.Go(func() error { return worker.Run(ctx) })
	return nil
}

type fileTransfer struct {
	FileID    string `json:"file_id"`
	Direction string `json:"direction"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func broadcastOutcome(hub *status.Hub, o files.Outcome) {
	payload := fileTransfer{FileID: o.FileID, Direction: string(o.Direction), Status: string(o.Status)}
	if o.Err != nil {
		payload.Error = o.Err.Error()
	}
	msg, err := status.NewMessage(status.MessageFile, payload)
	if err != nil {
		return
	}
	hub.Broadcast(msg)
}
