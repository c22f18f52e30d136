// Package storage defines the durable artwork store port consumed by the
// pool monitor and the fallback resolver.
package storage

import (
	"context"

	"github.com/evolvingprimate/algorhythmic/internal/core/model"
)

type EmergencyOpts struct {
	Limit       int
	Orientation string
}

// Interface lists already-generated artwork; it never generates anything.
type Interface interface {
	// FreshArtworks lists artworks never shown to this user for this session.
	FreshArtworks(ctx context.Context, sessionID, userID string, limit int) ([]model.Artwork, error)
	// CatalogCandidates lists catalog artworks matching any of the style tags.
	CatalogCandidates(ctx context.Context, userID string, styleTags []string, limit int) ([]model.Artwork, error)
	// EmergencyFallback lists the curated global emergency pool.
	EmergencyFallback(ctx context.Context, userID string, opts EmergencyOpts) ([]model.Artwork, error)
	// RecentArt lists recent artworks with no filters, the absolute last resort.
	RecentArt(ctx context.Context, limit int) ([]model.Artwork, error)
	Ping(ctx context.Context) error
}
