package shadow

import (
	"fmt"
	"time"
)

// ShadowState is the desired and reported halves of a shadow document.
// A nil value inside an update removes the matching key.
type ShadowState struct {
	Desired  map[string]any `json:"desired,omitempty"`
	Reported map[string]any `json:"reported,omitempty"`
}

// ShadowStateWithDelta is the state returned by a get, along with the
// desired keys not yet reported.
type ShadowStateWithDelta struct {
	Delta    map[string]any `json:"delta,omitempty"`
	Desired  map[string]any `json:"desired,omitempty"`
	Reported map[string]any `json:"reported,omitempty"`
}

// ShadowMetadata holds the last update timestamps of each key.
type ShadowMetadata struct {
	Desired  map[string]any `json:"desired,omitempty"`
	Reported map[string]any `json:"reported,omitempty"`
}

type GetShadowRequest struct {
	ThingName   string `json:"-"`
	ClientToken string `json:"clientToken,omitempty"`
}

func (r *GetShadowRequest) CorrelationToken() string       { return r.ClientToken }
func (r *GetShadowRequest) SetCorrelationToken(tok string) { r.ClientToken = tok }

type GetNamedShadowRequest struct {
	GetShadowRequest
	ShadowName string `json:"-"`
}

type GetShadowResponse struct {
	ClientToken string                `json:"clientToken,omitempty"`
	Metadata    *ShadowMetadata       `json:"metadata,omitempty"`
	State       *ShadowStateWithDelta `json:"state,omitempty"`
	Timestamp   int64                 `json:"timestamp,omitempty"`
	Version     int64                 `json:"version,omitempty"`
}

func (r *GetShadowResponse) CorrelationToken() string { return r.ClientToken }

type UpdateShadowRequest struct {
	ThingName   string       `json:"-"`
	ClientToken string       `json:"clientToken,omitempty"`
	State       *ShadowState `json:"state,omitempty"`
	// Version, when set, makes the update fail unless it matches the
	// current version of the document.
	Version int64 `json:"version,omitempty"`
}

func (r *UpdateShadowRequest) CorrelationToken() string       { return r.ClientToken }
func (r *UpdateShadowRequest) SetCorrelationToken(tok string) { r.ClientToken = tok }

type UpdateNamedShadowRequest struct {
	UpdateShadowRequest
	ShadowName string `json:"-"`
}

type UpdateShadowResponse struct {
	ClientToken string          `json:"clientToken,omitempty"`
	Metadata    *ShadowMetadata `json:"metadata,omitempty"`
	State       *ShadowState    `json:"state,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`
	Version     int64           `json:"version,omitempty"`
}

func (r *UpdateShadowResponse) CorrelationToken() string { return r.ClientToken }

type DeleteShadowRequest struct {
	ThingName   string `json:"-"`
	ClientToken string `json:"clientToken,omitempty"`
}

func (r *DeleteShadowRequest) CorrelationToken() string       { return r.ClientToken }
func (r *DeleteShadowRequest) SetCorrelationToken(tok string) { r.ClientToken = tok }

type DeleteNamedShadowRequest struct {
	DeleteShadowRequest
	ShadowName string `json:"-"`
}

type DeleteShadowResponse struct {
	ClientToken string `json:"clientToken,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	Version     int64  `json:"version,omitempty"`
}

func (r *DeleteShadowResponse) CorrelationToken() string { return r.ClientToken }

// ErrorResponse is published on the rejected topic of every operation.
// It is the error a rejected future fails with.
type ErrorResponse struct {
	ClientToken string `json:"clientToken,omitempty"`
	Code        int    `json:"code"`
	Message     string `json:"message,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

func (e *ErrorResponse) CorrelationToken() string { return e.ClientToken }

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("shadow: rejected (%d): %s", e.Code, e.Message)
}

// ShadowDeltaUpdatedEvent is published when the desired state differs
// from the reported one.
type ShadowDeltaUpdatedEvent struct {
	ClientToken string         `json:"clientToken,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	State       map[string]any `json:"state,omitempty"`
	Timestamp   int64          `json:"timestamp,omitempty"`
	Version     int64          `json:"version,omitempty"`
}

// ShadowUpdatedSnapshot is a complete document at a given version.
type ShadowUpdatedSnapshot struct {
	Metadata *ShadowMetadata `json:"metadata,omitempty"`
	State    *ShadowState    `json:"state,omitempty"`
	Version  int64           `json:"version,omitempty"`
}

// ShadowUpdatedEvent is published after every accepted update.
type ShadowUpdatedEvent struct {
	Current   *ShadowUpdatedSnapshot `json:"current,omitempty"`
	Previous  *ShadowUpdatedSnapshot `json:"previous,omitempty"`
	Timestamp int64                  `json:"timestamp,omitempty"`
}

// Time converts a timestamp in seconds since the epoch.
func Time(ts int64) time.Time {
	return time.Unix(ts, 0)
}
