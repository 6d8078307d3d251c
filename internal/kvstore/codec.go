package kvstore

import "encoding/json"

// EncodeJSON encodes a structured record value as JSON, the store's wire
// format for every record in the system keyspace.
func EncodeJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeJSON unmarshals into v. A nil/empty data with ok=false callers
// should not call this at all; it is only meaningful once a Get reports
// found=true.
func DecodeJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
