// Package cas defines the contracts between the Channel Access server engine and the
// application that hosts process variables (the server tool).
//
// The engine never interprets PV values. A tool implements ServerTool to answer name
// lookups and to attach PVs, and implements PV for every hosted process variable.
// Values cross the boundary as DBR encoded bytes (see Value), so type conversion,
// record processing and alarm computation stay on the tool side.
//
// Every tool entry point receives a Context. An operation that cannot finish right
// away calls Context.StartAsyncIO, returns StatusAsyncCompletion (or ExistAsync for a
// name lookup), and later hands its outcome to AsyncIO.Post from any goroutine. The
// engine keeps the client request open until then without blocking the network
// goroutines.
package cas
