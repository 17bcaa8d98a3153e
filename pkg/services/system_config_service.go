package services

import (
	"context"
	"time"

	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/ent/systemconfig"
)

// GlobalForceFullReprocessingKey is the system_config key controlling the
// system-wide force-full-reprocessing override.
const GlobalForceFullReprocessingKey = "global_force_full_reprocessing"

// SystemConfigService manages runtime-tunable system configuration stored in
// the system_config table.
type SystemConfigService struct {
	client *ent.Client
}

// NewSystemConfigService creates a new SystemConfigService.
func NewSystemConfigService(client *ent.Client) *SystemConfigService {
	if client == nil {
		panic("NewSystemConfigService: client must not be nil")
	}
	return &SystemConfigService{client: client}
}

// Get returns the value stored under key, or ErrNotFound.
func (s *SystemConfigService) Get(ctx context.Context, key string) (map[string]any, error) {
	cfg, err := s.client.SystemConfig.Get(ctx, key)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, wrapDBError("get system config", err)
	}
	return cfg.Value, nil
}

// Set upserts the value stored under key.
func (s *SystemConfigService) Set(ctx context.Context, key string, value map[string]any) error {
	n, err := s.client.SystemConfig.Update().
		Where(systemconfig.ID(key)).
		SetValue(value).
		SetUpdatedAt(time.Now().UTC()).
		Save(ctx)
	if err != nil {
		return wrapDBError("update system config", err)
	}
	if n > 0 {
		return nil
	}

	_, err = s.client.SystemConfig.Create().
		SetID(key).
		SetValue(value).
		Save(ctx)
	if err != nil {
		if ent.IsConstraintError(err) {
			// Lost a create race; the other writer's value wins.
			return nil
		}
		return wrapDBError("create system config", err)
	}
	return nil
}

// GetGlobalForceFullReprocessing reports whether the global
// force-full-reprocessing override is enabled. A missing row means disabled.
func (s *SystemConfigService) GetGlobalForceFullReprocessing(ctx context.Context) (bool, error) {
	value, err := s.Get(ctx, GlobalForceFullReprocessingKey)
	if err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	enabled, _ := value["enabled"].(bool)
	return enabled, nil
}

// SetGlobalForceFullReprocessing toggles the global override. When enabled,
// every run bypasses duplicate detection until a run completes successfully.
func (s *SystemConfigService) SetGlobalForceFullReprocessing(ctx context.Context, enabled bool) error {
	return s.Set(ctx, GlobalForceFullReprocessingKey, map[string]any{"enabled": enabled})
}
