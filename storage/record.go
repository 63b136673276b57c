package storage

import (
	"encoding/json"
	"fmt"
)

// recordFormat is the current on-disk record layout version.
const recordFormat = 1

// Record is a versioned JSON document stored under (recordType, recordID).
type Record struct {
	Ver     int    `json:"ver"`
	Data    []byte `json:"data"`
	Version uint64 `json:"version,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		Ver:     r.Ver,
		Data:    append([]byte(nil), r.Data...),
		Version: r.Version,
	}
}

// EncodeRecord marshals v into a Record carrying the given version.
func EncodeRecord(v any, version uint64) (*Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return &Record{Ver: recordFormat, Data: data, Version: version}, nil
}

// DecodeRecord unmarshals the record payload into v.
func DecodeRecord(rec *Record, v any) error {
	if rec.Ver != recordFormat {
		return fmt.Errorf("unsupported record format: %d", rec.Ver)
	}
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}
