package device

import "bytes"

// Record is an immutable snapshot of one advertisement. A later Record with the
// same Address supersedes it.
type Record struct {
	Address          string
	DisplayName      string // empty when the peer did not advertise a name
	SignalStrength   int    // RSSI in dBm
	RawAdvertisement []byte
}

// NewRecord copies raw so the snapshot cannot be modified through the caller's slice.
func NewRecord(address, name string, rssi int, raw []byte) Record {
	return Record{
		Address:          address,
		DisplayName:      name,
		SignalStrength:   rssi,
		RawAdvertisement: bytes.Clone(raw),
	}
}

// HasName reports whether the peer advertised a display name.
func (r Record) HasName() bool {
	return r.DisplayName != ""
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	r.RawAdvertisement = bytes.Clone(r.RawAdvertisement)
	return r
}
