// Package di provides dependency injection for repository implementations.
package di

import (
	"fmt"

	"github.com/aristath/nextaction/internal/modules/actions"
	"github.com/aristath/nextaction/internal/modules/activities"
	"github.com/aristath/nextaction/internal/modules/opportunities"
	"github.com/aristath/nextaction/internal/queue"
	"github.com/rs/zerolog"
)

// InitializeRepositories creates every repository on the core database
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	if container == nil || container.CoreDB == nil {
		return fmt.Errorf("container has no core database")
	}
	conn := container.CoreDB.Conn()

	container.OpportunityRepo = opportunities.NewRepository(conn, log)
	container.ActionRepo = actions.NewRepository(conn, log)
	container.ScheduledEmails = activities.NewScheduledEmailStore(conn, log)
	container.QueueStore = queue.NewStore(conn, log)

	log.Info().Msg("Repositories initialized")
	return nil
}
