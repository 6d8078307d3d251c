package rpc

import (
	"time"

	"github.com/google/uuid"
)

// HaltRequest asks the distributor to exit cleanly.
type HaltRequest struct {
	RequesterID uuid.UUID `json:"requester_id"`
}

// HaltResponse acknowledges a halt.
type HaltResponse struct{}

// MetricsRequest asks for shard metrics over a key range. MidOnly returns
// only the median shard size.
type MetricsRequest struct {
	Begin      []byte `json:"begin"`
	End        []byte `json:"end"`
	ShardLimit int    `json:"shard_limit"`
	MidOnly    bool   `json:"mid_only"`
}

// ShardMetricsEntry is one shard's accounting in a metrics response.
type ShardMetricsEntry struct {
	Begin      []byte `json:"begin"`
	End        []byte `json:"end"`
	ShardBytes int64  `json:"shard_bytes"`
}

// MetricsResponse carries either the metrics list or the median size.
type MetricsResponse struct {
	Shards       []ShardMetricsEntry `json:"shards,omitempty"`
	MidShardSize int64               `json:"mid_shard_size,omitempty"`
}

// SnapRequest triggers a cluster-consistent snapshot.
type SnapRequest struct {
	UID     uuid.UUID `json:"uid"`
	Payload string    `json:"payload"`
}

// SnapResponse acknowledges a completed snapshot.
type SnapResponse struct{}

// ExclusionCheckRequest asks whether excluding the given addresses is
// safe for replica placement.
type ExclusionCheckRequest struct {
	Exclusions []string `json:"exclusions"`
}

// ExclusionCheckResponse reports the verdict.
type ExclusionCheckResponse struct {
	Safe bool `json:"safe"`
}

// WigglerStateRequest asks for the per-region wiggle-rotation state.
type WigglerStateRequest struct{}

// WigglerStateResponse reports the primary rotation and, in two-region
// configurations, the remote one.
type WigglerStateResponse struct {
	Primary           string     `json:"primary"`
	LastChangePrimary time.Time  `json:"last_change_primary"`
	Remote            *string    `json:"remote,omitempty"`
	LastChangeRemote  *time.Time `json:"last_change_remote,omitempty"`
}
