package repo

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ErrUnknownSite is returned when credentials match no registered site.
var ErrUnknownSite = errors.New("site not found")

// Site identifies a remote deployment to the central server.
type Site struct {
	ID             string `db:"id" toml:"id"`
	SiteID         int64  `db:"site_id" toml:"site_id"`
	HardwareID     string `db:"hardware_id" toml:"hardware_id"`
	SiteName       string `db:"site_name" toml:"site_name"`
	HashedPassword string `db:"hashed_password" toml:"hashed_password"`
}

// SiteRepo reads and registers sites.
type SiteRepo struct {
	q sqlx.ExtContext
}

// NewSiteRepo binds the repository to a db or tx.
func NewSiteRepo(q sqlx.ExtContext) *SiteRepo {
	return &SiteRepo{q: q}
}

// Upsert registers or replaces a site.
func (r *SiteRepo) Upsert(ctx context.Context, site Site) error {
	_, err := sqlx.NamedExecContext(ctx, r.q, `
		INSERT INTO site (id, site_id, hardware_id, site_name, hashed_password)
		VALUES (:id, :site_id, :hardware_id, :site_name, :hashed_password)
		ON CONFLICT(id) DO UPDATE SET
			site_id = excluded.site_id,
			hardware_id = excluded.hardware_id,
			site_name = excluded.site_name,
			hashed_password = excluded.hashed_password`, site)
	if err != nil {
		return fmt.Errorf("failed to upsert site %s: %w", site.ID, err)
	}
	return nil
}

// FindByHardwareID returns every site registered for a hardware id.
func (r *SiteRepo) FindByHardwareID(ctx context.Context, hardwareID string) ([]Site, error) {
	var sites []Site
	err := sqlx.SelectContext(ctx, r.q, &sites, `
		SELECT id, site_id, hardware_id, site_name, hashed_password
		FROM site WHERE hardware_id = ? ORDER BY site_id`, hardwareID)
	if err != nil {
		return nil, fmt.Errorf("failed to find sites for hardware %s: %w", hardwareID, err)
	}
	return sites, nil
}

// List returns all sites ordered by site id.
func (r *SiteRepo) List(ctx context.Context) ([]Site, error) {
	var sites []Site
	err := sqlx.SelectContext(ctx, r.q, &sites, `
		SELECT id, site_id, hardware_id, site_name, hashed_password
		FROM site ORDER BY site_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	return sites, nil
}

// Authenticate finds the site registered for hardwareID with the given name
// and password hash.
func (r *SiteRepo) Authenticate(ctx context.Context, hardwareID, siteName, passwordSHA256 string) (*Site, error) {
	sites, err := r.FindByHardwareID(ctx, hardwareID)
	if err != nil {
		return nil, err
	}
	for i := range sites {
		site := &sites[i]
		if site.SiteName != siteName {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(site.HashedPassword), []byte(passwordSHA256)) != 1 {
			break
		}
		return site, nil
	}
	return nil, fmt.Errorf("%w: %s on %s", ErrUnknownSite, siteName, hardwareID)
}
