// Command fakeagent is a minimal stand-in for the real coding-agent binary,
// used only by controlplane package tests to exercise command handling
// without depending on a real agent installation.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
)

func main() {
	port := flag.Int("port", 0, "port to listen on")
	flag.String("workspace", "", "workspace directory")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/global/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"healthy": true, "version": "test"})
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]interface{}{})
	})
	mux.HandleFunc("/session/", func(w http.ResponseWriter, r *http.Request) {
		// Matches /session/:id/prompt_async and any other per-session path;
		// the fixture only needs to answer with 200 for the routing tests.
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{"ok": true})
	})

	addr := fmt.Sprintf("127.0.0.1:%d", *port)
	if err := http.ListenAndServe(addr, mux); err != nil {
		panic(err)
	}
}
