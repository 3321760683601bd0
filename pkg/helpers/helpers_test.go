package helpers

import (
	"bytes"
	"testing"
)

func TestHexToBytes(t *testing.T) {
	b, err := HexToBytes("0xdeadbeef")
	if err != nil {
		t.Fatalf("HexToBytes() error = %v", err)
	}
	if !bytes.Equal(b, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Errorf("HexToBytes() = %x", b)
	}

	if _, err := HexToBytes("zz"); err == nil {
		t.Error("HexToBytes(\"zz\") should fail")
	}
}

func TestReverseBytes(t *testing.T) {
	in := []byte{1, 2, 3}
	out := ReverseBytes(in)
	if !bytes.Equal(out, []byte{3, 2, 1}) {
		t.Errorf("ReverseBytes() = %v", out)
	}
	if !bytes.Equal(in, []byte{1, 2, 3}) {
		t.Error("ReverseBytes() should not mutate its input")
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   int64
		decimals uint8
		want     string
	}{
		{100000000, 8, "1"},
		{150000000, 8, "1.5"},
		{1, 8, "0.00000001"},
		{-50000, 8, "-0.0005"},
		{42, 0, "42"},
	}
	for _, tt := range tests {
		if got := FormatAmount(tt.amount, tt.decimals); got != tt.want {
			t.Errorf("FormatAmount(%d, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
		}
	}
}
