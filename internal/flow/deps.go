package flow

import (
	"context"

	"github.com/BTreeMap/CorpusPipe/internal/models"
	"github.com/BTreeMap/CorpusPipe/internal/store"
)

// Reloader refreshes the matcher's rule snapshot after a change.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Stager turns remote image references into local files.
type Stager interface {
	Stage(ctx context.Context, platform string, msg models.Message) (models.Message, error)
}

// Deps are the collaborators shared by every learn and forget flow.
type Deps struct {
	Repo   store.RuleRepo
	Rules  Reloader
	Stager Stager
	// Admins may forget rules they do not own.
	Admins map[string]bool
}

// IsAdmin reports whether userID holds elevated privilege.
func (d *Deps) IsAdmin(userID string) bool {
	return d.Admins[userID]
}
