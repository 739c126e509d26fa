// Package outofproc reads the OutOfProcess transport framing for PSRP.
//
// This framing is used by:
//   - pwsh -ServerMode PSRP (stdin/stdout)
//   - SSH-based PowerShell remoting (pwsh subsystem)
//   - Named pipe connections
//
// # Protocol Overview
//
// The OutOfProcess protocol wraps PSRP fragments in XML elements and base64-encodes
// the binary data. Each packet is a single line of XML terminated by a newline,
// which makes a transcript of a session a plain line-oriented log.
//
// # Packet Types
//
// The protocol defines the following packet types:
//
//	<Data Stream='Default' PSGuid='guid'>base64</Data>     - Fragment data
//	<DataAck PSGuid='guid' />                              - Data acknowledgment
//	<Command PSGuid='pipeline-guid' />                     - Create pipeline
//	<CommandAck PSGuid='pipeline-guid' />                  - Pipeline created
//	<Close PSGuid='guid' />                                - Close request
//	<CloseAck PSGuid='guid' />                             - Close acknowledgment
//	<Signal PSGuid='guid' />                               - Signal (e.g., stop)
//	<SignalAck PSGuid='guid' />                            - Signal acknowledgment
//
// # Usage
//
// Reader yields the lines of a finished capture and ParsePacket turns each
// line into a Packet:
//
//	r := outofproc.NewReader(f)
//	for {
//		line, err := r.Next(ctx)
//		if errors.Is(err, io.EOF) {
//			break
//		}
//		packet, err := outofproc.ParsePacket(line)
//		...
//	}
//
// Writer produces lines in the same format, for building captures.
//
// # Reference
//
// The OutOfProcess protocol is implemented in PowerShell's OutOfProcTransportManager.cs
// and OutOfProcessUtils.cs. It is not formally documented in MS-PSRP.
package outofproc
