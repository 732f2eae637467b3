package http

import (
	"time"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

// ScanRequest is the request body for POST /api/v1/scan.
type ScanRequest struct {
	Scope string                   `json:"scope,omitempty"`
	Step  *immunity.TrajectoryStep `json:"step"`
}

// PreCommitRequest is the request body for POST /api/v1/precommit.
type PreCommitRequest struct {
	Scope string                     `json:"scope,omitempty"`
	Steps []*immunity.TrajectoryStep `json:"steps"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Vectors int    `json:"vectors"`
}

// VectorStatus is one vector as resolved for a scope.
type VectorStatus struct {
	immunity.Descriptor
	Enabled bool    `json:"enabled"`
	Weight  float64 `json:"weight"`
}

// VectorsResponse is the response body for GET /api/v1/vectors.
type VectorsResponse struct {
	Scope     string         `json:"scope,omitempty"`
	Threshold float64        `json:"confidence_threshold"`
	Vectors   []VectorStatus `json:"vectors"`
}

// ReloadResponse is the response body for POST /api/v1/doctrine/reload.
type ReloadResponse struct {
	Status   string    `json:"status"`
	LoadedAt time.Time `json:"loaded_at"`
}

// ErrorResponse is returned for rejected requests.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error codes.
const (
	CodeBadRequest  = "bad_request"
	CodeValidation  = "validation"
	CodeRegistry    = "registry"
	CodeUnavailable = "unavailable"
	CodeInternal    = "internal"
	CodeNoDoctrine  = "no_doctrine_file"
	CodeReload      = "reload_failed"
)
