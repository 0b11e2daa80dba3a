package models

import (
	"time"

	"github.com/pariszhuang123/kinly-backend-sub001/internal/types"
)

// ProviderBatch tracks one externally-submitted batch call, keyed by the
// identifier the provider assigned. Its lifecycle is independent of the jobs
// that reference it.
type ProviderBatch struct {
	ProviderBatchID  string            `json:"providerBatchId" db:"provider_batch_id"`
	Status           types.BatchStatus `json:"status" db:"status"`
	InputArtifactID  string            `json:"inputArtifactId" db:"input_artifact_id"`
	OutputArtifactID *string           `json:"outputArtifactId,omitempty" db:"output_artifact_id"`
	ErrorArtifactID  *string           `json:"errorArtifactId,omitempty" db:"error_artifact_id"`
	JobCount         int               `json:"jobCount" db:"job_count"`
	LastCheckedAt    *time.Time        `json:"lastCheckedAt,omitempty" db:"last_checked_at"`
	CreatedAt        time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time         `json:"updatedAt" db:"updated_at"`
}
