// Command omsync runs a sync node: the central server or a remote site.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/logging"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/settings"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/db"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/changelog"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/integrate"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/translate"
)

var (
	configPath string
	dbPath     string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "omsync",
	Short:         "Multi-site record and file sync",
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `omsync keeps remote sites and a central server in sync.

A remote site pushes the records it changed, pulls what central and other
sites changed and integrates them into its database. The central server
answers both the legacy (v5) and direct (v6) sync protocols.

Settings come from omsync.yaml, a .env file and OMSYNC_ variables, e.g.
OMSYNC_SYNC_URL=http://central:8000.`,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "node", Title: "Running a node:"},
		&cobra.Group{ID: "inspect", Title: "Inspecting sync state:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./omsync.yaml or ~/.omsync/omsync.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database file (overrides database.path)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log file and line of each message")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadSettings reads settings and applies the persistent flags.
func loadSettings() (*settings.Settings, error) {
	v := settings.New(configPath)
	if err := v.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db")); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("log.verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		return nil, err
	}
	return settings.Load(v)
}

// node is an opened database with the sync components over it.
type node struct {
	settings *settings.Settings
	logs     *logging.Factory
	logFile  io.Closer
	database *db.DB
	registry *translate.Registry
	reader   *changelog.Reader
	engine   *integrate.Engine
}

// openNode opens the database. Commands that talk to other nodes pass
// validate so incomplete settings fail before any work starts.
func openNode(validate bool) (*node, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	if validate {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("invalid settings: %w", err)
		}
	}
	w, closer := logging.Writer(s.Log)
	logs := logging.NewFactory(w, s.Log.Verbose)

	database, err := db.Open(s.Database.Path)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	if err := database.InitSchema(); err != nil {
		_ = database.Close()
		_ = closer.Close()
		return nil, err
	}
	registry, err := translate.DefaultRegistry()
	if err != nil {
		_ = database.Close()
		_ = closer.Close()
		return nil, err
	}
	engine, err := integrate.New(database.Conn(), registry, logs.Logger("integrate"))
	if err != nil {
		_ = database.Close()
		_ = closer.Close()
		return nil, err
	}

	return &node{
		settings: s,
		logs:     logs,
		logFile:  closer,
		database: database,
		registry: registry,
		reader:   changelog.NewReader(database.Conn(), registry),
		engine:   engine,
	}, nil
}

func (n *node) logger(component string) *log.Logger {
	return n.logs.Logger(component)
}

func (n *node) isCentral() bool {
	return n.settings.Node.Role == settings.RoleCentral
}

// Close waits for background integrations, then closes the database.
func (n *node) Close() error {
	n.engine.Wait()
	err := n.database.Close()
	_ = n.logFile.Close()
	return err
}
