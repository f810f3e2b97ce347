package core

import (
	"encoding/binary"
	"errors"
	"time"
)

// EntryInfo is the fixed record stored in stream 0 of every entry. It
// carries the clock value recorded when the response was stored, which the
// metadata writer compares with nanosecond precision, and the truncated
// flag set when a writer was cancelled mid-write.
type EntryInfo struct {
	ResponseTime time.Time
	Truncated    bool
}

const entryInfoVersion = 1

// EntryInfoSize is the encoded size of an EntryInfo record.
const EntryInfoSize = 10

var errBadEntryInfo = errors.New("core: malformed entry info record")

// EncodeEntryInfo renders info as the stream-0 record.
func EncodeEntryInfo(info EntryInfo) []byte {
	buf := make([]byte, EntryInfoSize)
	buf[0] = entryInfoVersion
	binary.LittleEndian.PutUint64(buf[1:9], uint64(info.ResponseTime.UnixNano()))
	if info.Truncated {
		buf[9] = 1
	}
	return buf
}

// DecodeEntryInfo parses a stream-0 record.
func DecodeEntryInfo(buf []byte) (EntryInfo, error) {
	if len(buf) < EntryInfoSize || buf[0] != entryInfoVersion {
		return EntryInfo{}, errBadEntryInfo
	}
	nanos := int64(binary.LittleEndian.Uint64(buf[1:9]))
	return EntryInfo{
		ResponseTime: time.Unix(0, nanos),
		Truncated:    buf[9] == 1,
	}, nil
}
