package v5

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/db"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/changelog"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/integrate"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/wire"
)

const (
	// DefaultLimit is used when a request has no limit.
	DefaultLimit = 500
	// MaxLimit caps the limit a site may ask for.
	MaxLimit = 5000

	queueFillPage = 1000
)

// Server answers the legacy protocol on a central node.
type Server struct {
	conn   *sqlx.DB
	reader *changelog.Reader
	engine *integrate.Engine
	logger *log.Logger
	router chi.Router
}

// NewServer creates the legacy protocol handler.
func NewServer(conn *sqlx.DB, reader *changelog.Reader, engine *integrate.Engine, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "[v5] ", log.LstdFlags)
	}
	s := &Server{
		conn:   conn,
		reader: reader,
		engine: engine,
		logger: logger,
		router: chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get(RouteCentralRecords, s.handleCentralRecords)
		r.Post(RouteQueuedRecords, s.handlePostQueuedRecords)
		r.Get(RouteQueuedRecords, s.handleGetQueuedRecords)
		r.Post(RouteAcknowledgedRecords, s.handleAcknowledgedRecords)
	})
}

type siteKey struct{}

func siteFrom(ctx context.Context) *repo.Site {
	site, _ := ctx.Value(siteKey{}).(*repo.Site)
	return site
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok {
			s.writeError(w, http.StatusUnauthorized, CodeUnauthorized, errors.New("missing credentials"))
			return
		}
		site, err := repo.NewSiteRepo(s.conn).Authenticate(r.Context(), r.Header.Get(HeaderSiteUUID), user, password)
		if errors.Is(err, repo.ErrUnknownSite) {
			s.writeError(w, http.StatusUnauthorized, CodeUnauthorized, err)
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, CodeInternal, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), siteKey{}, site)))
	})
}

func (s *Server) handleCentralRecords(w http.ResponseWriter, r *http.Request) {
	cursor, err := uintParam(r, "cursor", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeBadRequest, err)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeBadRequest, err)
		return
	}

	site := siteFrom(r.Context())
	if s.engine.IsIntegrating(&site.SiteID) {
		s.writeError(w, http.StatusConflict, CodeIntegrationInProgress,
			fmt.Errorf("site %d is integrating", site.SiteID))
		return
	}
	filter := changelog.Filter{SiteID: &site.SiteID, IsInitialised: cursor > 0, Scope: changelog.ScopeCentral}
	out := CentralBatch{Data: []wire.CentralRecord{}}

	// Rows that render nothing are skipped so an empty page always means
	// the site is up to date.
	for {
		batch, err := s.reader.Outgoing(r.Context(), cursor, limit, filter)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, CodeInternal, err)
			return
		}
		out.MaxCursor = batch.LatestCursor
		for _, rec := range batch.Records {
			out.Data = append(out.Data, wire.CentralRecord{ID: rec.Cursor, Record: rec.Record})
		}
		if len(out.Data) > 0 || batch.IsLast() {
			break
		}
		cursor = batch.EndCursor
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePostQueuedRecords(w http.ResponseWriter, r *http.Request) {
	site := siteFrom(r.Context())
	if s.engine.IsIntegrating(&site.SiteID) {
		s.writeError(w, http.StatusConflict, CodeIntegrationInProgress,
			fmt.Errorf("site %d is integrating", site.SiteID))
		return
	}

	var batch RemoteBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		s.writeError(w, http.StatusBadRequest, CodeBadRequest, fmt.Errorf("failed to decode batch: %w", err))
		return
	}

	rows := make([]repo.SyncBufferRow, 0, len(batch.Data))
	for _, rec := range batch.Data {
		rows = append(rows, rec.ToBufferRow(&site.SiteID))
	}
	err := db.WithTx(r.Context(), s.conn, func(tx *sqlx.Tx) error {
		return repo.NewBufferRepo(tx).Insert(r.Context(), rows...)
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, err)
		return
	}

	resp := PushResponse{}
	if batch.QueueLength == 0 {
		err := s.engine.Spawn(site.SiteID)
		switch {
		case errors.Is(err, integrate.ErrIntegrationInProgress):
			s.logger.Printf("site %d pushed its last batch during an integration", site.SiteID)
		case err != nil:
			s.writeError(w, http.StatusInternalServerError, CodeInternal, err)
			return
		default:
			resp.IntegrationStarted = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetQueuedRecords(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeBadRequest, err)
		return
	}
	site := siteFrom(r.Context())
	if s.engine.IsIntegrating(&site.SiteID) {
		s.writeError(w, http.StatusConflict, CodeIntegrationInProgress,
			fmt.Errorf("site %d is integrating", site.SiteID))
		return
	}

	ctx := r.Context()
	if err := s.fillQueue(ctx, site.SiteID); err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, err)
		return
	}

	queue := repo.NewSyncOutRepo(s.conn)
	rows, err := queue.Next(ctx, site.SiteID, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, err)
		return
	}

	out := RemoteBatch{Data: []wire.RemoteRecord{}}
	var stale []string
	for _, row := range rows {
		records, err := s.reader.Render(ctx, []repo.ChangelogEntry{row.Entry()})
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, CodeInternal, err)
			return
		}
		if len(records) == 0 {
			stale = append(stale, row.ID)
			continue
		}
		for _, rec := range records {
			out.Data = append(out.Data, wire.RemoteRecord{SyncOutID: row.ID, Record: rec.Record})
		}
	}
	if _, err := queue.Acknowledge(ctx, site.SiteID, stale); err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, err)
		return
	}

	remaining, err := queue.Count(ctx, site.SiteID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, err)
		return
	}
	out.QueueLength = remaining - uint64(len(rows)-len(stale))
	writeJSON(w, http.StatusOK, out)
}

// fillQueue copies changelog rows of the site's stores into its queue and
// advances the site's queue bookmark in the same transaction.
func (s *Server) fillQueue(ctx context.Context, siteID int64) error {
	return db.WithTx(ctx, s.conn, func(tx *sqlx.Tx) error {
		kv := repo.NewKeyValueStore(tx)
		key := repo.SyncOutCursorKey(siteID)
		cursor, err := kv.Cursor(ctx, key)
		if err != nil {
			return err
		}
		filter := changelog.Filter{SiteID: &siteID, IsInitialised: cursor > 0, Scope: changelog.ScopeSiteStores}

		queue := repo.NewSyncOutRepo(tx)
		for {
			entries, err := s.reader.Entries(ctx, tx, cursor, queueFillPage, filter)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				break
			}
			if err := queue.Enqueue(ctx, siteID, entries); err != nil {
				return err
			}
			cursor = uint64(entries[len(entries)-1].Cursor)
		}

		latest, err := repo.NewChangelogRepo(tx).LatestCursor(ctx)
		if err != nil {
			return err
		}
		return kv.SetCursor(ctx, key, max(cursor, latest))
	})
}

func (s *Server) handleAcknowledgedRecords(w http.ResponseWriter, r *http.Request) {
	var req AcknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, CodeBadRequest, fmt.Errorf("failed to decode acknowledgement: %w", err))
		return
	}
	site := siteFrom(r.Context())
	if _, err := repo.NewSyncOutRepo(s.conn).Acknowledge(r.Context(), site.SiteID, req.SyncIDs); err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func uintParam(r *http.Request, name string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	return v, nil
}

func limitParam(r *http.Request) (uint32, error) {
	limit, err := uintParam(r, "limit", DefaultLimit)
	if err != nil {
		return 0, err
	}
	if limit == 0 {
		return 0, errors.New("limit must be positive")
	}
	return uint32(min(limit, MaxLimit)), nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code string, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Printf("request failed (%d): %v", status, err)
	}
	writeJSON(w, status, ServerError{Code: code, Message: err.Error()})
}
