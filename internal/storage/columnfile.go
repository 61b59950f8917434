package storage

import (
	"encoding/binary"
	"fmt"
)

// Input columns are stored one blob per (job, table, column):
//
//	u64 row_count
//	u64 offsets[row_count+1]   (byte offsets into the payload region)
//	payload bytes
//
// The offsets table lets a loader slice arbitrary row sets out of a single
// fetch. Saved output blocks use the simpler streaming framing below, since
// they are always read back whole.

// EncodeColumn serializes per-row payloads into the indexed column format.
func EncodeColumn(rows [][]byte) []byte {
	var payload int
	for _, r := range rows {
		payload += len(r)
	}
	buf := make([]byte, 0, 8+8*(len(rows)+1)+payload)

	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(rows)))
	var off uint64
	for _, r := range rows {
		buf = binary.LittleEndian.AppendUint64(buf, off)
		off += uint64(len(r))
	}
	buf = binary.LittleEndian.AppendUint64(buf, off)
	for _, r := range rows {
		buf = append(buf, r...)
	}
	return buf
}

// DecodeColumnRows extracts the payloads of the requested row indices from an
// encoded column blob.
func DecodeColumnRows(blob []byte, rowIndices []int64) ([][]byte, error) {
	if len(blob) < 8 {
		return nil, fmt.Errorf("column blob too short: %d bytes", len(blob))
	}
	count := binary.LittleEndian.Uint64(blob)
	headerLen := 8 + 8*(count+1)
	if uint64(len(blob)) < headerLen {
		return nil, fmt.Errorf("column blob truncated: %d bytes, need %d for header", len(blob), headerLen)
	}
	offsets := make([]uint64, count+1)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint64(blob[8+8*i:])
	}
	payload := blob[headerLen:]
	if uint64(len(payload)) < offsets[count] {
		return nil, fmt.Errorf("column payload truncated: %d bytes, offsets end at %d", len(payload), offsets[count])
	}

	out := make([][]byte, 0, len(rowIndices))
	for _, idx := range rowIndices {
		if idx < 0 || uint64(idx) >= count {
			return nil, fmt.Errorf("row index %d out of range [0, %d)", idx, count)
		}
		out = append(out, payload[offsets[idx]:offsets[idx+1]])
	}
	return out, nil
}

// EncodeItemBlock frames the output rows of one column for one IO item:
// u64 row_count, then (u64 len, bytes) per row.
func EncodeItemBlock(rows [][]byte) []byte {
	size := 8
	for _, r := range rows {
		size += 8 + len(r)
	}
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(rows)))
	for _, r := range rows {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(r)))
		buf = append(buf, r...)
	}
	return buf
}

// DecodeItemBlock parses a saved output block back into per-row payloads.
func DecodeItemBlock(blob []byte) ([][]byte, error) {
	if len(blob) < 8 {
		return nil, fmt.Errorf("item block too short: %d bytes", len(blob))
	}
	count := binary.LittleEndian.Uint64(blob)
	rest := blob[8:]
	rows := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		if len(rest) < 8 {
			return nil, fmt.Errorf("item block truncated at row %d", i)
		}
		n := binary.LittleEndian.Uint64(rest)
		rest = rest[8:]
		if uint64(len(rest)) < n {
			return nil, fmt.Errorf("item block row %d truncated: need %d bytes, have %d", i, n, len(rest))
		}
		rows = append(rows, rest[:n])
		rest = rest[n:]
	}
	return rows, nil
}
