package provider

import (
	"context"

	"github.com/pariszhuang123/kinly-backend-sub001/internal/types"
)

// BatchItem is one job's payload inside an outbound batch.
type BatchItem struct {
	JobID        string `json:"jobId"`
	Model        string `json:"model"`
	SystemPrompt string `json:"systemPrompt"`
	UserPrompt   string `json:"userPrompt"`
}

// BatchResult is one item's outcome from a finished batch. Error is non-empty
// when the provider failed this item; the other fields are then unset.
type BatchResult struct {
	JobID          string            `json:"jobId"`
	RewrittenText  string            `json:"rewrittenText"`
	OutputLanguage string            `json:"outputLanguage"`
	Evaluation     map[string]string `json:"evaluation,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// SubmitReceipt is what a successful batch submission returns.
type SubmitReceipt struct {
	ProviderBatchID string `json:"providerBatchId"`
	InputArtifactID string `json:"inputArtifactId"`
}

// BatchStatusInfo is the polled state of a previously submitted batch.
type BatchStatusInfo struct {
	ProviderBatchID  string            `json:"providerBatchId"`
	Status           types.BatchStatus `json:"status"`
	OutputArtifactID *string           `json:"outputArtifactId,omitempty"`
	ErrorArtifactID  *string           `json:"errorArtifactId,omitempty"`
}

// BatchProvider is the outbound boundary to the AI batch service. Submission
// and collection are deliberately split so the pipeline can poll cheaply.
type BatchProvider interface {
	// SubmitBatch uploads the items and opens a batch. The returned batch ID
	// is the provider's own identifier.
	SubmitBatch(ctx context.Context, items []BatchItem) (*SubmitReceipt, error)

	// GetBatchStatus polls one batch's state.
	GetBatchStatus(ctx context.Context, providerBatchID string) (*BatchStatusInfo, error)

	// FetchResults downloads and parses a completed batch's output artifact.
	FetchResults(ctx context.Context, outputArtifactID string) ([]BatchResult, error)

	// Name identifies the provider for routing stamps.
	Name() string
}
