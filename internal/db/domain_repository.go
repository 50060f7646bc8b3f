package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var ErrDomainNotFound = errors.New("domain not found")

// SecretSealer encrypts provider secrets before they are written and
// decrypts them when read.
type SecretSealer interface {
	Seal(plaintext string) (string, error)
	Open(value string) (string, error)
}

// DomainRepository handles domain database operations.
type DomainRepository struct {
	db     *DB
	sealer SecretSealer
}

// NewDomainRepository creates a new domain repository. sealer may be nil,
// in which case secrets are stored as given.
func NewDomainRepository(db *DB, sealer SecretSealer) *DomainRepository {
	return &DomainRepository{db: db, sealer: sealer}
}

// UpsertDomainParams contains parameters for provisioning a domain.
type UpsertDomainParams struct {
	ID          string
	Domain      string
	OTAPIKey    string
	OTSecret    string
	HLS         bool
	HTTPSupport bool
}

// Upsert creates or replaces a domain. The returned domain carries the
// plaintext secret.
func (r *DomainRepository) Upsert(ctx context.Context, params UpsertDomainParams) (*Domain, error) {
	secret := params.OTSecret
	if r.sealer != nil {
		sealed, err := r.sealer.Seal(secret)
		if err != nil {
			return nil, fmt.Errorf("seal secret: %w", err)
		}
		secret = sealed
	}

	var domain Domain
	err := r.db.pool.QueryRow(ctx, `
		INSERT INTO domains (id, domain, ot_api_key, ot_secret, hls, http_support)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET domain = EXCLUDED.domain, ot_api_key = EXCLUDED.ot_api_key, ot_secret = EXCLUDED.ot_secret,
		    hls = EXCLUDED.hls, http_support = EXCLUDED.http_support, updated_at = NOW()
		RETURNING id, domain, ot_api_key, hls, http_support, created_at, updated_at
	`, params.ID, params.Domain, params.OTAPIKey, secret, params.HLS, params.HTTPSupport).Scan(
		&domain.ID,
		&domain.Domain,
		&domain.OTAPIKey,
		&domain.HLS,
		&domain.HTTPSupport,
		&domain.CreatedAt,
		&domain.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert domain: %w", err)
	}
	domain.OTSecret = params.OTSecret
	return &domain, nil
}

// Get retrieves a domain by ID with its provider secret decrypted.
func (r *DomainRepository) Get(ctx context.Context, id string) (*Domain, error) {
	var domain Domain
	err := r.db.pool.QueryRow(ctx, `
		SELECT id, domain, ot_api_key, ot_secret, hls, http_support, created_at, updated_at
		FROM domains
		WHERE id = $1
	`, id).Scan(
		&domain.ID,
		&domain.Domain,
		&domain.OTAPIKey,
		&domain.OTSecret,
		&domain.HLS,
		&domain.HTTPSupport,
		&domain.CreatedAt,
		&domain.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDomainNotFound
		}
		return nil, fmt.Errorf("query domain: %w", err)
	}

	if r.sealer != nil {
		secret, err := r.sealer.Open(domain.OTSecret)
		if err != nil {
			return nil, fmt.Errorf("open secret for domain %s: %w", id, err)
		}
		domain.OTSecret = secret
	}
	return &domain, nil
}
