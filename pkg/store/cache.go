package store

import (
	"context"
	"time"

	"github.com/harun/roomsync/pkg/assignment"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSettingsTTL     = 5 * time.Minute
	DefaultCleanupInterval = 10 * time.Minute
)

// CachedSettings caches consulting type settings in front of a directory.
// Team composition is passed through untouched; it must be read live.
type CachedSettings struct {
	assignment.AgencyDirectory
	cache *gocache.Cache
}

// NewCachedSettings wraps directory with a settings cache
func NewCachedSettings(directory assignment.AgencyDirectory, ttl, cleanupInterval time.Duration) *CachedSettings {
	if ttl <= 0 {
		ttl = DefaultSettingsTTL
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	return &CachedSettings{
		AgencyDirectory: directory,
		cache:           gocache.New(ttl, cleanupInterval),
	}
}

// ConsultingTypeSettings implements assignment.AgencyDirectory
func (c *CachedSettings) ConsultingTypeSettings(ctx context.Context, typeID string) (assignment.ConsultingTypeSettings, error) {
	if value, found := c.cache.Get(typeID); found {
		if settings, ok := value.(assignment.ConsultingTypeSettings); ok {
			return settings, nil
		}
		log.Error().Str("consulting_type_id", typeID).Msg("Wrong type in settings cache")
	}

	settings, err := c.AgencyDirectory.ConsultingTypeSettings(ctx, typeID)
	if err != nil {
		return settings, err
	}
	c.cache.SetDefault(typeID, settings)
	return settings, nil
}

// Invalidate drops the cached settings of typeID
func (c *CachedSettings) Invalidate(typeID string) {
	c.cache.Delete(typeID)
}
