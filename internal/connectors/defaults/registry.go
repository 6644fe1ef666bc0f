package defaults

import (
	"fmt"

	"github.com/dk5761/reader-sync/internal/connectors"
	"github.com/dk5761/reader-sync/internal/connectors/native/asuracomic"
	"github.com/dk5761/reader-sync/internal/connectors/native/mangadex"
	"github.com/dk5761/reader-sync/internal/connectors/yamlconnector"
)

// NewRegistry registers the native adapters and every enabled YAML adapter
// found under yamlConnectorsPath, all sharing client.
func NewRegistry(yamlConnectorsPath string, client connectors.Doer) (*connectors.Registry, error) {
	registry := connectors.NewRegistry()
	_ = registry.Register(mangadex.NewConnector(client))
	_ = registry.Register(asuracomic.NewConnector(client))

	loaded, loadErr := yamlconnector.LoadFromDir(yamlConnectorsPath, client)
	for _, connector := range loaded {
		if err := registry.Register(connector); err != nil {
			if loadErr == nil {
				loadErr = fmt.Errorf("register yaml connector %q: %w", connector.Key(), err)
			}
		}
	}

	return registry, loadErr
}
