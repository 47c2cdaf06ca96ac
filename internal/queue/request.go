package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/project-tktt/house-tracker/internal/domain"
)

// DefaultQueue is the Redis list run requests go through
const DefaultQueue = "tracker:runs"

// RunRequest asks a listening tracker to run batches
type RunRequest struct {
	ID          string    `json:"id"`
	Types       []string  `json:"types"`
	Create      bool      `json:"create"`
	Force       bool      `json:"force"`
	CleanCache  bool      `json:"clean_cache"`
	RequestedAt time.Time `json:"requested_at"`
}

// errMalformed marks a queue entry that is not a valid run request
var errMalformed = errors.New("malformed run request")

// NewRunRequest creates a request for types stamped with a fresh id
func NewRunRequest(types []string, create, force, cleanCache bool) *RunRequest {
	return &RunRequest{
		ID:          uuid.NewString(),
		Types:       types,
		Create:      create,
		Force:       force,
		CleanCache:  cleanCache,
		RequestedAt: time.Now().UTC(),
	}
}

// BatchTypes returns the requested types
func (r *RunRequest) BatchTypes() []domain.BatchType {
	types := make([]domain.BatchType, 0, len(r.Types))
	for _, t := range r.Types {
		types = append(types, domain.BatchType(t))
	}
	return types
}

func decodeRequest(data string) (*RunRequest, error) {
	var req RunRequest
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if len(req.Types) == 0 {
		return nil, fmt.Errorf("%w: %s has no batch type", errMalformed, req.ID)
	}
	return &req, nil
}
