/*
Package strand implements a light-weight asynchronous TCP server/client
framework for message-oriented network applications.

Server is the accept/receive/send engine. It pre-allocates all receive
memory up front: one contiguous arena of BufferSize*MaxConns bytes
partitioned into per-connection windows, plus bounded pools of reusable I/O
op records. Memory stays constant under any connect/disconnect/send/receive
workload.

Conn represents one framed connection. Each frame on the wire is a uint32
little-endian payload length followed by the payload; complete frames are
delivered exactly once and in arrival order to the OnMessageOption callback
as inbound Packets.

1. Provides custom framing by CustomProcessorOption or Config.Processor;
2. Provides callback on connected by OnConnectOption;
3. Provides callback on message arrived by OnMessageOption;
4. Provides callback on closed by OnCloseOption;
5. Provides callback on error occurred by OnErrorOption.

Client is the outbound engine: the same framing machinery over a single
dialed connection. You can make the dial retry with ReconnectOption.

Packet is a sequential little-endian reader and writer over a pooled byte
buffer:

	p := strand.NewPacket()
	p.WriteString("hello")
	conn.Send(p) // Send owns p and releases it once written

ConnMap is a go-routine safe registry of connections keyed by their
128-bit identity, and a worker pool runs message handlers so that one
connection's handlers always execute on the same worker, in order.

RunAt, RunAfter and RunEvery schedule timed callbacks on a connection,
application heartbeats typically.
*/
package strand
