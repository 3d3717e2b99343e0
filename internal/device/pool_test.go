package device

import "testing"

func TestGetBufferSizeBuckets(t *testing.T) {
	tests := []struct {
		name        string
		requestSize uint64
		expectCap   int
	}{
		{"64KB bucket - exact", 64 * 1024, 64 * 1024},
		{"64KB bucket - smaller", 40 * 1024, 64 * 1024},
		{"256KB bucket - exact", 256 * 1024, 256 * 1024},
		{"1MB bucket - exact", 1024 * 1024, 1024 * 1024},
		{"4MB bucket - larger than 1MB", 2 * 1024 * 1024, 4 * 1024 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := GetBuffer(tt.requestSize)
			if uint64(len(buf)) != tt.requestSize {
				t.Errorf("GetBuffer(%d) returned len=%d, want %d", tt.requestSize, len(buf), tt.requestSize)
			}
			if cap(buf) != tt.expectCap {
				t.Errorf("GetBuffer(%d) returned cap=%d, want %d", tt.requestSize, cap(buf), tt.expectCap)
			}
			PutBuffer(buf)
		})
	}
}

func TestPutBufferNonStandardCap(t *testing.T) {
	buf := make([]byte, 100*1024)
	PutBuffer(buf) // must not panic
}
