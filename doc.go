// Package psrpwatch decodes PowerShell Remoting Protocol (MS-PSRP) traffic
// from OutOfProcess captures.
//
// A host such as `pwsh -ServerMode` or the SSH subsystem exchanges PSRP
// messages as XML envelopes, one per line. Each Data envelope carries base64
// encoded fragments; fragments are reassembled into messages, and each
// message holds a 40-byte header followed by a CLIXML body. This module turns
// such a log back into readable, structured records. It never talks to a
// peer.
//
// # Architecture
//
// The module is organized into layers:
//
//   - fragments: fragment parsing and reassembly by object id
//   - messages: PSRP message header, message type catalog and Decoder
//   - serialization: CLIXML deserialization and pretty printing
//   - outofproc: OutOfProcess envelope parsing and the bounded line Reader
//   - tail: a Follower for a capture that is still being written
//   - watch: the Session that runs each record through the layers above
//   - render, config, logging: output formats and the psrp-watch CLI plumbing
//
// # Basic Usage
//
//	f, err := os.Open("host.log")
//	if err != nil {
//	    return err
//	}
//	defer f.Close()
//
//	session := watch.NewSession(watch.WithLogger(logger))
//	err = session.Run(ctx, outofproc.NewReader(f), func(p *watch.Packet) error {
//	    for _, m := range p.Messages {
//	        fmt.Println(m.MessageType, m.RawText)
//	    }
//	    return nil
//	})
//
// Use tail.Open instead of outofproc.NewReader to follow a growing log until
// ctx is cancelled.
//
// # Byte order
//
// Message header integers are read big-endian by default. Real PowerShell
// hosts write them little-endian; pass messages.WithByteOrder to the decoder
// (or --byte-order little to psrp-watch) for such captures.
package psrpwatch
