package outofproc

import (
	"io"
	"testing"

	"github.com/google/uuid"
)

func BenchmarkParsePacket(b *testing.B) {
	line := FormatPacket(&Packet{
		Type:   PacketTypeData,
		PSGuid: uuid.New(),
		Data:   []byte("some test data payload"),
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ParsePacket(line); err != nil {
			b.Fatalf("ParsePacket failed: %v", err)
		}
	}
}

func BenchmarkWriteData(b *testing.B) {
	w := NewWriter(io.Discard)
	guid := uuid.New()
	data := make([]byte, 1024) // 1KB payload

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := w.WriteData(guid, data); err != nil {
			b.Fatalf("WriteData failed: %v", err)
		}
	}
}
