// Package main provides a stub downstream service for exercising the ops
// gateway locally. It answers health probes, a monitoring endpoint, and a
// Prometheus-style metrics page, with flags to simulate failure and latency.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"
)

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "stub", "service name")
	healthCode := flag.Int("health-code", 200, "status code the health endpoint returns")
	delay := flag.Duration("delay", 0, "artificial latency added to every response")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}

	started := time.Now()
	var requests atomic.Int64

	writeJSON := func(w http.ResponseWriter, code int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(v)
	}

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		time.Sleep(*delay)
		status := "healthy"
		if *healthCode >= 400 {
			status = "unhealthy"
		}
		writeJSON(w, *healthCode, map[string]any{
			"status":         status,
			"service":        *name,
			"uptime_seconds": int(time.Since(started).Seconds()),
			"timestamp":      time.Now().UTC().Format(time.RFC3339),
		})
	})

	http.HandleFunc("/api/monitoring", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		time.Sleep(*delay)
		writeJSON(w, http.StatusOK, map[string]any{
			"service":        *name,
			"requests_total": requests.Load(),
			"uptime_seconds": int(time.Since(started).Seconds()),
			"goroutines":     1,
			"auth_header":    r.Header.Get("X-API-Key") != "",
		})
	})

	http.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# TYPE stub_requests_total counter\nstub_requests_total %d\n", requests.Load())
		fmt.Fprintf(w, "# TYPE stub_uptime_seconds gauge\nstub_uptime_seconds %d\n", int(time.Since(started).Seconds()))
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s (health=%d, delay=%s)", *name, addr, *healthCode, *delay)
	log.Fatal(http.ListenAndServe(addr, nil))
}
