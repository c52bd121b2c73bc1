// Package statebus embeds an in-memory state bus: a store engine holding
// states, config objects, FIFOs, message boxes, logs and sessions, with glob
// subscriptions, TTL expiry and debounced JSON snapshots, served over HTTP.
//
// # Running a server
//
//	cfg := statebus.Config{
//	    DataDir: "/var/lib/statebus",
//	    Listen:  ":9000",
//	}
//	srv, err := statebus.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("statebus: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// Calls are POSTed to /v1/call/{op} with a JSON array of arguments and answer
// {"result": ...}. Change notifications are streamed as newline-delimited JSON
// from GET /v1/connect; the first line names the connection, and calls that
// subscribe carry that id in the X-Statebus-Connection header.
//
// # Persistence
//
// States are written to states.json and config objects to objects.json in
// DataDir. Each save rotates the previous file to a .bak copy, and loading
// falls back to the backup when the primary is missing or corrupt. Saves are
// debounced (StateSaveDelay, ConfigSaveDelay) and flushed on shutdown. Set
// DataDir to "-" to keep everything in memory.
//
// # Embedding
//
// Server.Engine returns the engine for in-process callers, and
// Config.OnChange receives notifications matching Config.LocalSubscriptions
// without going through HTTP.
package statebus
