// Package di provides dependency injection for database connections.
package di

import (
	"fmt"

	"github.com/aristath/nextaction/internal/config"
	"github.com/aristath/nextaction/internal/database"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens the core database and applies its schema
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	coreDB, err := database.New(database.Config{
		Path:    cfg.DatabasePath(),
		Profile: database.ProfileDurable, // Queue items and actions must survive a crash
		Name:    "core",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize core database: %w", err)
	}

	if err := coreDB.Migrate(); err != nil {
		coreDB.Close()
		return nil, fmt.Errorf("failed to apply core schema: %w", err)
	}

	log.Info().Str("path", coreDB.Path()).Msg("Core database initialized")

	return &Container{CoreDB: coreDB}, nil
}
