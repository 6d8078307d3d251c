// Package initread reconstructs the initial data distribution: a
// transactional snapshot of the server list, key-server range map, and
// persisted data moves into an InitialDataDistribution the rest of the
// pipeline treats as read-only.
package initread

import (
	"github.com/google/uuid"
	"github.com/kakaiu/foundationdb/internal/kvstore"
	"github.com/kakaiu/foundationdb/internal/model"
)

// IgnoreSSFailuresZone is the sentinel healthy-zone value meaning
// "ignore storage-server failures unconditionally", kept regardless of
// its expiration version.
const IgnoreSSFailuresZone = "<ignore-ss-failures>"

// modeRecord is the value stored at kvstore.DataDistributionModeKey.
type modeRecord struct {
	Mode int `json:"mode"`
}

// healthyZoneRecord is the value stored at kvstore.HealthyZoneKey.
type healthyZoneRecord struct {
	Zone              string `json:"zone"`
	ExpirationVersion uint64 `json:"expiration_version"`
}

// serverRecord is the value stored per entry under serverListPrefix.
type serverRecord struct {
	ID           uuid.UUID `json:"id"`
	DatacenterID string    `json:"datacenter_id"`
	Address      string    `json:"address"`
	Class        string    `json:"class"` // model.ProcessClass
}

// dataMoveRecord is the value stored per entry under dataMovePrefix.
type dataMoveRecord struct {
	ID       uuid.UUID   `json:"id"`
	RangeEnd []byte      `json:"range_end"`
	Src      []uuid.UUID `json:"src"`
	Dest     []uuid.UUID `json:"dest"`
	Priority int         `json:"priority"`
}

// keyServerRecord is the value stored per boundary key under
// keyServersPrefix.
type keyServerRecord struct {
	Src    []uuid.UUID `json:"src"`
	Dest   []uuid.UUID `json:"dest"`
	SrcID  uuid.UUID   `json:"src_id"`
	DestID uuid.UUID   `json:"dest_id"`
}

func toServerIDs(ids []uuid.UUID) []model.ServerID {
	out := make([]model.ServerID, len(ids))
	for i, id := range ids {
		out[i] = model.ServerID(id)
	}
	return out
}

// --- Encoders, exported for seeding the keyspace in tests and in the
// operator-facing tooling that writes the cluster-state tables this
// reader consumes. ---

// EncodeMode encodes the dataDistributionModeKey value.
func EncodeMode(mode model.Mode) ([]byte, error) {
	return kvstore.EncodeJSON(modeRecord{Mode: int(mode)})
}

// EncodeHealthyZone encodes the healthyZoneKey value.
func EncodeHealthyZone(zone string, expirationVersion uint64) ([]byte, error) {
	return kvstore.EncodeJSON(healthyZoneRecord{Zone: zone, ExpirationVersion: expirationVersion})
}

// EncodeServer encodes a serverListPrefix entry.
func EncodeServer(id model.ServerID, datacenterID, address string, class model.ProcessClass) ([]byte, error) {
	return kvstore.EncodeJSON(serverRecord{ID: uuid.UUID(id), DatacenterID: datacenterID, Address: address, Class: string(class)})
}

// EncodeDataMove encodes a dataMovePrefix entry. rangeEnd is the move's
// exclusive range end; the entry's own key (rangeBegin) is provided by the
// caller via kvstore.DataMoveKey.
func EncodeDataMove(id model.MoveID, rangeEnd []byte, src, dest []model.ServerID, priority int) ([]byte, error) {
	return kvstore.EncodeJSON(dataMoveRecord{
		ID:       uuid.UUID(id),
		RangeEnd: rangeEnd,
		Src:      fromServerIDs(src),
		Dest:     fromServerIDs(dest),
		Priority: priority,
	})
}

// EncodeKeyServer encodes a keyServersPrefix entry.
func EncodeKeyServer(src, dest []model.ServerID, srcID, destID model.MoveID) ([]byte, error) {
	return kvstore.EncodeJSON(keyServerRecord{
		Src:    fromServerIDs(src),
		Dest:   fromServerIDs(dest),
		SrcID:  uuid.UUID(srcID),
		DestID: uuid.UUID(destID),
	})
}

// DecodeMode decodes a dataDistributionModeKey value.
func DecodeMode(raw []byte) (model.Mode, error) {
	var rec modeRecord
	if err := kvstore.DecodeJSON(raw, &rec); err != nil {
		return 0, err
	}
	return model.Mode(rec.Mode), nil
}

// DecodeServerDatacenter extracts (id, datacenter) from a serverListPrefix
// entry, for callers that only need placement geometry.
func DecodeServerDatacenter(raw []byte) (model.ServerID, string, error) {
	var rec serverRecord
	if err := kvstore.DecodeJSON(raw, &rec); err != nil {
		return model.ServerID{}, "", err
	}
	return model.ServerID(rec.ID), rec.DatacenterID, nil
}

func fromServerIDs(ids []model.ServerID) []uuid.UUID {
	out := make([]uuid.UUID, len(ids))
	for i, id := range ids {
		out[i] = uuid.UUID(id)
	}
	return out
}
