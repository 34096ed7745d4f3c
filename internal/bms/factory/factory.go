// Package factory maps an entity's connection block to a concrete BMS
// adapter.
package factory

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/heatpilot/heatpilot/internal/bms"
	"github.com/heatpilot/heatpilot/internal/bms/direct"
	"github.com/heatpilot/heatpilot/internal/bms/ebo"
	"github.com/heatpilot/heatpilot/internal/bms/portal"
	"github.com/heatpilot/heatpilot/pkg/config"
)

// New builds the adapter for the entity's connection.system. The base
// URL comes from connection.base_url, falling back to https://<host>.
func New(entity *config.Entity, creds config.Credentials, logger *zap.SugaredLogger) (bms.Adapter, error) {
	baseURL := entity.Connection.BaseURL
	if baseURL == "" {
		if entity.Connection.Host == "" {
			return nil, fmt.Errorf("entity [%s] has neither base_url nor host", entity.ID())
		}
		baseURL = "https://" + entity.Connection.Host
	}
	baseURL = strings.TrimRight(baseURL, "/")

	switch strings.ToLower(entity.Connection.System) {
	case "portal":
		return portal.New(baseURL, creds, logger), nil
	case "direct":
		return direct.New(baseURL, creds, logger), nil
	case "ebo":
		return ebo.New(baseURL, creds, logger), nil
	default:
		return nil, fmt.Errorf("entity [%s]: unknown connection.system %q", entity.ID(), entity.Connection.System)
	}
}
