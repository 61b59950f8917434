package storage

import (
	"bytes"
	"testing"
)

func TestColumnRowSelection(t *testing.T) {
	rows := [][]byte{
		[]byte("frame-0"),
		[]byte("frame-1"),
		{},
		[]byte("frame-3-longer-payload"),
	}
	blob := EncodeColumn(rows)

	got, err := DecodeColumnRows(blob, []int64{3, 0, 2})
	if err != nil {
		t.Fatalf("DecodeColumnRows failed: %v", err)
	}
	want := [][]byte{rows[3], rows[0], rows[2]}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("row %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestColumnRowOutOfRange(t *testing.T) {
	blob := EncodeColumn([][]byte{[]byte("a")})
	if _, err := DecodeColumnRows(blob, []int64{1}); err == nil {
		t.Error("expected error for out-of-range row")
	}
	if _, err := DecodeColumnRows(blob, []int64{-1}); err == nil {
		t.Error("expected error for negative row")
	}
}

func TestColumnTruncatedBlob(t *testing.T) {
	blob := EncodeColumn([][]byte{[]byte("abcdef")})
	if _, err := DecodeColumnRows(blob[:len(blob)-3], []int64{0}); err == nil {
		t.Error("expected error for truncated payload")
	}
	if _, err := DecodeColumnRows(blob[:4], nil); err == nil {
		t.Error("expected error for truncated header")
	}
}

func TestItemBlockRoundTrip(t *testing.T) {
	rows := [][]byte{[]byte("x"), {}, []byte("detection: person")}
	got, err := DecodeItemBlock(EncodeItemBlock(rows))
	if err != nil {
		t.Fatalf("DecodeItemBlock failed: %v", err)
	}
	if len(got) != len(rows) {
		t.Fatalf("got %d rows, want %d", len(got), len(rows))
	}
	for i := range rows {
		if !bytes.Equal(got[i], rows[i]) {
			t.Errorf("row %d = %q, want %q", i, got[i], rows[i])
		}
	}
}

func TestItemBlockEmpty(t *testing.T) {
	got, err := DecodeItemBlock(EncodeItemBlock(nil))
	if err != nil {
		t.Fatalf("DecodeItemBlock failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no rows, got %d", len(got))
	}
}
