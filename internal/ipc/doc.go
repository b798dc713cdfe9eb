// Package ipc carries the synchronous request/reply traffic between tomato
// processes: net/rpc with the JSON-RPC codec over loopback TCP.
//
// The daemon serves the "Tomato" service on 127.0.0.1:<port>; each driver
// process serves the "Driver" service on an ephemeral port it announces with
// DriverHello. Domain refusals travel inside the reply (Success=false with a
// message and a kind) while transport failures surface as Go errors.
package ipc
