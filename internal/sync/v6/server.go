package v6

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"golang.org/x/mod/semver"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/db"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/changelog"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/files"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/integrate"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/translate"
	v5 "github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/v5"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/wire"
)

// ServerConfig controls a Server.
type ServerConfig struct {
	// IsCentral enables the routes. A remote node answers every route
	// with NotACentralServer.
	IsCentral bool
	// AppVersion is this server's version (default: wire.AppVersion).
	// Clients of an older major version are refused.
	AppVersion string
	// Logger for request failures (default: stderr logger).
	Logger *log.Logger
}

// Server answers the direct protocol on a central node.
type Server struct {
	conn      *sqlx.DB
	reader    *changelog.Reader
	engine    *integrate.Engine
	store     *files.Store
	isCentral bool
	version   string
	logger    *log.Logger
	router    chi.Router
}

// NewServer creates the direct protocol handler.
func NewServer(conn *sqlx.DB, reader *changelog.Reader, engine *integrate.Engine, store *files.Store, cfg *ServerConfig) *Server {
	if cfg == nil {
		cfg = &ServerConfig{IsCentral: true}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[v6] ", log.LstdFlags)
	}
	version := cfg.AppVersion
	if version == "" {
		version = wire.AppVersion
	}
	s := &Server{
		conn:      conn,
		reader:    reader,
		engine:    engine,
		store:     store,
		isCentral: cfg.IsCentral,
		version:   canonicalVersion(version),
		logger:    logger,
		router:    chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requireCentral)
	s.router.Post(RoutePull, s.handlePull)
	s.router.Post(RoutePush, s.handlePush)
	s.router.Post(RouteSiteStatus, s.handleSiteStatus)
	s.router.Put(RouteFiles+"/{id}", s.handleUpload)
	s.router.Get(RouteFiles+"/{id}", s.handleDownload)
}

func (s *Server) requireCentral(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.isCentral {
			s.writeErr(w, &Error{Kind: KindNotACentralServer})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req PullRequest
	if e := decodeBody(r, &req); e != nil {
		s.writeErr(w, e)
		return
	}
	site, e := s.site(r.Context(), req.Credentials)
	if e != nil {
		s.writeErr(w, e)
		return
	}
	if req.BatchSize == 0 {
		s.writeErr(w, &Error{Kind: KindOtherServerError, Message: "batch_size must be positive", Status: http.StatusBadRequest})
		return
	}
	if s.engine.IsIntegrating(&site.SiteID) {
		s.writeErr(w, newError(KindIntegrationInProgress, "site %d is integrating", site.SiteID))
		return
	}

	batch, err := s.reader.Outgoing(r.Context(), req.Cursor, req.BatchSize, changelog.Filter{
		SiteID:        &site.SiteID,
		IsInitialised: req.IsInitialised,
		Scope:         changelog.ScopeSite,
		Protocol:      translate.ProtocolDirect,
	})
	if err != nil {
		s.writeErr(w, internal(err))
		return
	}
	records := batch.Records
	if records == nil {
		records = []wire.CursorRecord{}
	}
	s.writeData(w, Batch{
		EndCursor:    batch.EndCursor,
		TotalRecords: batch.TotalRemaining,
		Records:      records,
		IsLastBatch:  batch.TotalRemaining <= uint64(req.BatchSize),
	})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	if e := decodeBody(r, &req); e != nil {
		s.writeErr(w, e)
		return
	}
	site, e := s.site(r.Context(), req.Credentials)
	if e != nil {
		s.writeErr(w, e)
		return
	}
	if s.engine.IsIntegrating(&site.SiteID) {
		s.writeErr(w, newError(KindIntegrationInProgress, "site %d is integrating", site.SiteID))
		return
	}

	rows := make([]repo.SyncBufferRow, 0, len(req.Batch.Records))
	for _, rec := range req.Batch.Records {
		rows = append(rows, rec.Record.ToBufferRow(&site.SiteID))
	}
	err := db.WithTx(r.Context(), s.conn, func(tx *sqlx.Tx) error {
		return repo.NewBufferRepo(tx).Insert(r.Context(), rows...)
	})
	if err != nil {
		s.writeErr(w, internal(err))
		return
	}

	if req.Batch.IsLastBatch {
		err := s.engine.Spawn(site.SiteID)
		if errors.Is(err, integrate.ErrIntegrationInProgress) {
			s.writeErr(w, newError(KindIntegrationInProgress, "site %d is integrating", site.SiteID))
			return
		}
		if err != nil {
			s.writeErr(w, internal(err))
			return
		}
	}
	s.writeData(w, PushResponse{RecordsPushed: uint64(len(rows))})
}

func (s *Server) handleSiteStatus(w http.ResponseWriter, r *http.Request) {
	var req SiteStatusRequest
	if e := decodeBody(r, &req); e != nil {
		s.writeErr(w, e)
		return
	}
	site, e := s.site(r.Context(), req.Credentials)
	if e != nil {
		s.writeErr(w, e)
		return
	}
	s.writeData(w, SiteStatus{IsIntegrating: s.engine.IsIntegrating(&site.SiteID)})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, e := s.site(ctx, headerCredentials(r)); e != nil {
		s.writeErr(w, e)
		return
	}
	id := chi.URLParam(r, "id")
	ref, err := repo.Find[repo.SyncFileReference](ctx, s.conn, id)
	if err != nil {
		s.writeErr(w, internal(err))
		return
	}
	if ref == nil {
		s.writeErr(w, newError(KindSyncFileNotFound, "%s", id))
		return
	}

	parts, err := r.MultipartReader()
	if err != nil {
		s.writeErr(w, &Error{Kind: KindOtherServerError, Message: err.Error(), Status: http.StatusBadRequest})
		return
	}
	saved := false
	for {
		part, err := parts.NextPart()
		if err != nil {
			break
		}
		if part.FormName() != "file" {
			continue
		}
		if _, err := s.store.Save(ref, part); err != nil {
			s.writeErr(w, internal(err))
			return
		}
		saved = true
		break
	}
	if !saved {
		s.writeErr(w, &Error{Kind: KindOtherServerError, Message: "missing file part", Status: http.StatusBadRequest})
		return
	}

	ref.UploadedBytes = ref.TotalBytes
	ref.Status = repo.FileDone
	if err := repo.NewFileRepo(s.conn).UpdateStatus(ctx, ref); err != nil {
		s.writeErr(w, internal(err))
		return
	}
	s.logger.Printf("received file %s (%s) for %s %s", ref.ID, ref.FileName, ref.TableName, ref.RecordID)
	s.writeData(w, struct{}{})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, e := s.site(ctx, headerCredentials(r)); e != nil {
		s.writeErr(w, e)
		return
	}
	id := chi.URLParam(r, "id")
	ref, err := repo.Find[repo.SyncFileReference](ctx, s.conn, id)
	if err != nil {
		s.writeErr(w, internal(err))
		return
	}
	q := r.URL.Query()
	if ref == nil ||
		(q.Get("table_name") != "" && q.Get("table_name") != ref.TableName) ||
		(q.Get("record_id") != "" && q.Get("record_id") != ref.RecordID) {
		s.writeErr(w, newError(KindSyncFileNotFound, "%s", id))
		return
	}

	f, err := s.store.Open(ref)
	if errors.Is(err, files.ErrNoLocalFile) {
		s.writeErr(w, newError(KindSyncFileNotFound, "%s has not been uploaded", id))
		return
	}
	if err != nil {
		s.writeErr(w, internal(err))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.writeErr(w, internal(err))
		return
	}

	contentType := "application/octet-stream"
	if ref.MimeType != nil && *ref.MimeType != "" {
		contentType = *ref.MimeType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", ref.FileName))
	http.ServeContent(w, r, ref.FileName, info.ModTime(), f)
}

// site authenticates a request.
func (s *Server) site(ctx context.Context, creds wire.SiteCredentials) (*repo.Site, *Error) {
	if e := s.checkVersion(creds.AppVersion); e != nil {
		return nil, e
	}
	site, err := repo.NewSiteRepo(s.conn).Authenticate(ctx, creds.HardwareID, creds.Username, creds.PasswordSHA256)
	if errors.Is(err, repo.ErrUnknownSite) {
		return nil, &Error{Kind: KindOtherServerError, Message: "site not found", Status: http.StatusUnauthorized}
	}
	if err != nil {
		return nil, internal(err)
	}
	return site, nil
}

func (s *Server) checkVersion(clientVersion string) *Error {
	v := canonicalVersion(clientVersion)
	if !semver.IsValid(v) {
		return &Error{Kind: KindOtherServerError, Status: http.StatusBadRequest,
			Message: fmt.Sprintf("invalid app version %q", clientVersion)}
	}
	if semver.Compare(semver.Major(v), semver.Major(s.version)) < 0 {
		return &Error{Kind: KindOtherServerError, Status: http.StatusBadRequest,
			Message: fmt.Sprintf("app version %s is older than central server version %s", v, s.version)}
	}
	return nil
}

func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

func headerCredentials(r *http.Request) wire.SiteCredentials {
	user, password, _ := r.BasicAuth()
	return wire.SiteCredentials{
		Username:       user,
		PasswordSHA256: password,
		HardwareID:     r.Header.Get(v5.HeaderSiteUUID),
		AppVersion:     r.Header.Get(v5.HeaderAppVersion),
		AppName:        r.Header.Get(v5.HeaderAppName),
	}
}

func decodeBody(r *http.Request, v any) *Error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &Error{Kind: KindOtherServerError, Status: http.StatusBadRequest,
			Message: fmt.Sprintf("failed to decode request: %v", err)}
	}
	return nil
}

func internal(err error) *Error {
	return &Error{Kind: KindOtherServerError, Message: err.Error(), Err: err}
}

func (s *Server) writeData(w http.ResponseWriter, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.writeErr(w, internal(err))
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func (s *Server) writeErr(w http.ResponseWriter, e *Error) {
	status := e.status()
	if status >= http.StatusInternalServerError {
		s.logger.Printf("request failed (%d): %v", status, e)
	}
	writeJSON(w, status, envelope{Error: e})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
