// Package loadtest drives many simulated sites against one central server
// to measure sync cycle latency under concurrent pushes.
//
// Every site and the central server get their own SQLite database under
// Config.Dir. Central listens on a loopback port and answers both
// protocols, the way omsync serve does.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/settings"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/db"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/changelog"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/driver"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/files"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/integrate"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/translate"
	v5 "github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/v5"
	v6 "github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/v6"
)

// sha256("loadtest")
const sitePassword = "823938033bec9a33a44aa40618f9d5e31ccf5625754870bc3f95510d8cbba0b0"

// Config sizes a load test.
type Config struct {
	// Dir holds the databases. It must exist.
	Dir string
	// Sites is the number of remote sites syncing concurrently.
	Sites int
	// Rounds is the number of push cycles each site runs.
	Rounds int
	// RecordsPerRound is how many records a site writes before each cycle.
	RecordsPerRound int
	// BatchSize applies to every sync step.
	BatchSize uint32
	// Logger for the sync components (default: discard).
	Logger *log.Logger
}

// LatencyStats summarises cycle durations.
type LatencyStats struct {
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	P50    time.Duration `json:"p50"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	Cycles int           `json:"cycles"`
	Errors int           `json:"errors"`
}

// Result is the outcome of Run.
type Result struct {
	Latency LatencyStats  `json:"latency"`
	Pushed  int           `json:"pushed"`
	Elapsed time.Duration `json:"elapsed"`
	// Throughput is records pushed per second of wall time.
	Throughput float64 `json:"throughput"`
}

type member struct {
	database *db.DB
	reader   *changelog.Reader
	engine   *integrate.Engine
}

func openMember(path string, logger *log.Logger) (*member, error) {
	database, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := database.InitSchema(); err != nil {
		_ = database.Close()
		return nil, err
	}
	registry, err := translate.DefaultRegistry()
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	engine, err := integrate.New(database.Conn(), registry, logger)
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	return &member{database: database, reader: changelog.NewReader(database.Conn(), registry), engine: engine}, nil
}

func (m *member) close() error {
	m.engine.Wait()
	return m.database.Close()
}

type site struct {
	*member
	id     int64
	driver *driver.Driver
}

// Cluster is a running central server and its sites.
type Cluster struct {
	cfg     Config
	central *member
	server  *http.Server
	url     string
	sites   []*site
}

// Setup creates the central database, registers the sites and starts
// serving.
func Setup(cfg Config) (*Cluster, error) {
	if cfg.Sites <= 0 || cfg.Rounds <= 0 || cfg.RecordsPerRound <= 0 || cfg.BatchSize == 0 {
		return nil, errors.New("sites, rounds, records and batch size must be positive")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}

	central, err := openMember(filepath.Join(cfg.Dir, "central.db"), cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open central: %w", err)
	}
	c := &Cluster{cfg: cfg, central: central}

	sites := repo.NewSiteRepo(central.database.Conn())
	for i := range cfg.Sites {
		id := int64(i + 2)
		err := sites.Upsert(context.Background(), repo.Site{
			ID:             fmt.Sprintf("site-%d", id),
			SiteID:         id,
			HardwareID:     hardwareID(id),
			SiteName:       siteName(id),
			HashedPassword: sitePassword,
		})
		if err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	if err := c.serve(); err != nil {
		_ = c.Close()
		return nil, err
	}

	for i := range cfg.Sites {
		s, err := c.openSite(int64(i + 2))
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		c.sites = append(c.sites, s)
	}
	return c, nil
}

func hardwareID(id int64) string { return fmt.Sprintf("loadtest-hw-%d", id) }
func siteName(id int64) string   { return fmt.Sprintf("loadtest-%d", id) }

func (c *Cluster) serve() error {
	store, err := files.NewStore(filepath.Join(c.cfg.Dir, "central-files"))
	if err != nil {
		return err
	}
	conn := c.central.database.Conn()
	mux := http.NewServeMux()
	mux.Handle("/sync/v5/", v5.NewServer(conn, c.central.reader, c.central.engine, c.cfg.Logger))
	mux.Handle("/central/", v6.NewServer(conn, c.central.reader, c.central.engine, store,
		&v6.ServerConfig{IsCentral: true, Logger: c.cfg.Logger}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	c.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	c.url = "http://" + ln.Addr().String()
	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.cfg.Logger.Printf("central server stopped: %v", err)
		}
	}()
	return nil
}

func (c *Cluster) openSite(id int64) (*site, error) {
	m, err := openMember(filepath.Join(c.cfg.Dir, fmt.Sprintf("site-%d.db", id)), c.cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open site %d: %w", id, err)
	}
	d, err := driver.New(m.database.Conn(), m.reader, m.engine, nil, driver.Config{
		Sync: settings.Sync{
			URL:             c.url,
			Username:        siteName(id),
			PasswordSHA256:  sitePassword,
			IntervalSeconds: 60,
			TimeoutSeconds:  60,
			BatchSize: settings.BatchSize{
				RemotePull:  c.cfg.BatchSize,
				RemotePush:  c.cfg.BatchSize,
				CentralPull: c.cfg.BatchSize,
			},
		},
		HardwareID: hardwareID(id),
		StatusPoll: 20 * time.Millisecond,
		Logger:     c.cfg.Logger,
	})
	if err != nil {
		_ = m.close()
		return nil, err
	}
	return &site{member: m, id: id, driver: d}, nil
}

// Run initialises every site, then has all sites write and push records
// concurrently for the configured rounds. Only push cycles are timed.
func (c *Cluster) Run(ctx context.Context) (*Result, error) {
	for _, s := range c.sites {
		if _, err := s.driver.Sync(ctx); err != nil {
			return nil, fmt.Errorf("site %d failed to initialise: %w", s.id, err)
		}
	}

	var (
		mu        sync.Mutex
		durations []time.Duration
		failures  int
		pushed    int
	)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range c.sites {
		g.Go(func() error {
			for round := range c.cfg.Rounds {
				if err := s.write(gctx, round, c.cfg.RecordsPerRound); err != nil {
					return err
				}
				began := time.Now()
				summary, err := s.driver.Sync(gctx)
				elapsed := time.Since(began)

				mu.Lock()
				if err != nil {
					failures++
					c.cfg.Logger.Printf("site %d round %d failed: %v", s.id, round, err)
				} else {
					durations = append(durations, elapsed)
					pushed += summary.Pushed
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	if len(durations) == 0 {
		return nil, errors.New("no sync cycle succeeded")
	}
	stats := computeLatencyStats(durations)
	stats.Errors = failures
	return &Result{
		Latency:    stats,
		Pushed:     pushed,
		Elapsed:    elapsed,
		Throughput: float64(pushed) / elapsed.Seconds(),
	}, nil
}

// write authors n currencies on the site.
func (s *site) write(ctx context.Context, round, n int) error {
	return db.WithTx(ctx, s.database.Conn(), func(tx *sqlx.Tx) error {
		for i := range n {
			code := fmt.Sprintf("S%dR%dC%04d", s.id, round, i)
			err := repo.UpsertTracked(ctx, tx, repo.Currency{ID: code, Code: code, Rate: 1}, repo.LocalSource)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Verify checks central holds every record the sites pushed.
func (c *Cluster) Verify(ctx context.Context) error {
	c.central.engine.Wait()
	var got int
	err := sqlx.GetContext(ctx, c.central.database.Conn(), &got,
		"SELECT COUNT(*) FROM currency WHERE id LIKE 'S%R%C%'")
	if err != nil {
		return fmt.Errorf("failed to count central records: %w", err)
	}
	want := c.cfg.Sites * c.cfg.Rounds * c.cfg.RecordsPerRound
	if got != want {
		return fmt.Errorf("central has %d of %d pushed records", got, want)
	}
	return nil
}

// Close stops the server and closes every database.
func (c *Cluster) Close() error {
	var errs []error
	if c.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, c.server.Shutdown(ctx))
		cancel()
	}
	for _, s := range c.sites {
		errs = append(errs, s.close())
	}
	if c.central != nil {
		errs = append(errs, c.central.close())
	}
	return errors.Join(errs...)
}

func computeLatencyStats(durations []time.Duration) LatencyStats {
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return LatencyStats{
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Mean:   sum / time.Duration(len(sorted)),
		P50:    sorted[len(sorted)*50/100],
		P95:    sorted[len(sorted)*95/100],
		P99:    sorted[len(sorted)*99/100],
		Cycles: len(sorted),
	}
}

// Print writes the stats as an aligned block.
func (s LatencyStats) Print(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	fmt.Fprintf(w, "Cycle latency:\n")
	fmt.Fprintf(w, "  Cycles:       %d\n", s.Cycles)
	fmt.Fprintf(w, "  Errors:       %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:          %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median): %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:         %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:          %v\n", s.P95)
	fmt.Fprintf(w, "  P99:          %v\n", s.P99)
	fmt.Fprintf(w, "  Max:          %v\n", s.Max)
}
