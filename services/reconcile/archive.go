package reconcile

import (
	"context"
	"fmt"

	"consignment-ledger/pkg/minio"

	"go.uber.org/fx"
)

// Archiver keeps a copy of every finished report outside the database.
type Archiver interface {
	PutJSON(ctx context.Context, key string, v any) error
}

type archiverParams struct {
	fx.In
	Store *minio.Store `optional:"true"`
}

// NewArchiver returns nil when no object store is configured.
func NewArchiver(p archiverParams) Archiver {
	if p.Store == nil {
		return nil
	}
	return p.Store
}

// archiveKey is "reconcile/{job}/{yyyy}/{mm}/{dd}/{run_id}.json".
func archiveKey(rep *Report) string {
	return fmt.Sprintf("reconcile/%s/%s/%s.json", rep.Job, rep.StartedAt.Format("2006/01/02"), rep.RunID)
}
