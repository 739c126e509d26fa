package psrpwatch_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/smnsjas/go-psrpwatch/fragments"
	"github.com/smnsjas/go-psrpwatch/messages"
	"github.com/smnsjas/go-psrpwatch/outofproc"
	"github.com/smnsjas/go-psrpwatch/render"
	"github.com/smnsjas/go-psrpwatch/serialization"
	"github.com/smnsjas/go-psrpwatch/watch"
)

// Baseline Benchmark Suite
// Run with: go test -bench=. -benchmem -count=5 -run=^$ > baseline.txt
// Compare: benchstat baseline.txt optimized.txt

// =============================================================================
// Deserialization Benchmarks
// =============================================================================

func BenchmarkDeserializeSmallObject(b *testing.B) {
	data := serialization.Wrap([]byte(sessionCapabilityBody))
	deser := serialization.NewDeserializer()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := deser.Deserialize(data); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDeserializeMediumObject(b *testing.B) {
	var body strings.Builder
	body.WriteString(`<Obj RefId="0"><TN RefId="0"><T>System.Management.Automation.PSCustomObject</T></TN><Props>`)
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&body, `<S N="Prop%d">Value%d</S>`, i, i)
	}
	body.WriteString(`</Props></Obj>`)
	data := serialization.Wrap([]byte(body.String()))
	deser := serialization.NewDeserializer()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := deser.Deserialize(data); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkIndent(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := serialization.Indent(sessionCapabilityBody); err != nil {
			b.Fatal(err)
		}
	}
}

// =============================================================================
// Fragment Benchmarks
// =============================================================================

func BenchmarkFragmentDecode(b *testing.B) {
	frag := &fragments.Fragment{
		ObjectID:   1,
		FragmentID: 0,
		Start:      true,
		End:        true,
		Data:       make([]byte, 1024),
	}
	encoded := frag.Encode()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := fragments.Decode(encoded); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkFragmentParseMany(b *testing.B) {
	fragmenter := fragments.NewFragmenter(1024)
	var frags []*fragments.Fragment
	for i := 0; i < 16; i++ {
		frags = append(frags, fragmenter.Fragment(make([]byte, 4096))...)
	}
	data := fragments.EncodeAll(frags)

	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		got, errs := fragments.Parse(data)
		if len(errs) != 0 || len(got) != len(frags) {
			b.Fatalf("parsed %d fragments, %d errors", len(got), len(errs))
		}
	}
}

func BenchmarkFragmentReassemble(b *testing.B) {
	fragmenter := fragments.NewFragmenter(1024)
	frags := fragmenter.Fragment(make([]byte, 4096)) // 4KB data = 5 fragments

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		r := fragments.NewReassembler()
		for _, frag := range frags {
			_, complete, err := r.Feed(frag)
			if err != nil {
				b.Fatal(err)
			}
			if complete && frag != frags[len(frags)-1] {
				b.Fatal("completed too early")
			}
		}
	}
}

// =============================================================================
// Message Benchmarks
// =============================================================================

func BenchmarkMessageDecode(b *testing.B) {
	encoded := (&messages.Message{
		Destination: messages.DestinationServer,
		Type:        messages.MessageTypeSessionCapability,
		RunspaceID:  uuid.New(),
		Data:        []byte(sessionCapabilityBody),
	}).Encode(binary.BigEndian)
	dec := messages.NewDecoder()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := dec.Decode(1, encoded); err != nil {
			b.Fatal(err)
		}
	}
}

// =============================================================================
// Envelope Benchmarks
// =============================================================================

func BenchmarkParsePacketData(b *testing.B) {
	line := outofproc.FormatPacket(&outofproc.Packet{
		Type: outofproc.PacketTypeData,
		Data: make([]byte, 4096),
	})

	b.SetBytes(int64(len(line)))
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := outofproc.ParsePacket(line); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkParsePacketControl(b *testing.B) {
	line := outofproc.FormatPacket(&outofproc.Packet{Type: outofproc.PacketTypeCommandAck, PSGuid: uuid.New()})

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := outofproc.ParsePacket(line); err != nil {
			b.Fatal(err)
		}
	}
}

// =============================================================================
// Watch Benchmarks
// =============================================================================

func BenchmarkSessionProcess(b *testing.B) {
	c := newCapture(binary.BigEndian, 32*1024)
	c.message(messages.MessageTypeSessionCapability, uuid.Nil, sessionCapabilityBody)
	line := strings.TrimSpace(c.String())

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		s := watch.NewSession()
		if _, err := s.Process(line); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkWatchCapture(b *testing.B) {
	c := newCapture(binary.BigEndian, 128)
	for i := 0; i < 100; i++ {
		c.message(messages.MessageTypePipelineOutput, pipelineID, fmt.Sprintf("<S>output line %d</S>", i))
	}
	capture := c.String()

	b.SetBytes(int64(len(capture)))
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		s := watch.NewSession()
		r := render.NewRenderer(render.FormatJSONL, true, io.Discard)
		if err := s.Run(context.Background(), outofproc.NewReader(bytes.NewReader([]byte(capture))), r.Render); err != nil {
			b.Fatal(err)
		}
	}
}
