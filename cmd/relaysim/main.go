// Command relaysim is a development relay: enough of the real server's HTTP
// and websocket surface for a client (or a test bench) to register devices,
// exchange prekey bundles, and deliver encrypted envelopes end to end.
// State is in-memory; attachments can spill to S3-compatible blob storage.
// It is a bench tool, not a production server.
package main

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/forstalabs/librelay/internal/config"
)

func main() {
	config.Load()

	addr := config.GetString("RELAYSIM_ADDR", ":8080")
	sim := newSimulator(config.GetString("RELAYSIM_EXTERNAL_URL", "http://localhost:8080"))

	if endpoint := config.GetString("MINIO_ENDPOINT", ""); endpoint != "" {
		blobs, err := newMinioBlobStore(
			endpoint,
			config.GetString("MINIO_ACCESS_KEY", "minioadmin"),
			config.GetString("MINIO_SECRET_KEY", "minioadmin"),
			config.GetString("MINIO_BUCKET", "relaysim-attachments"),
			config.GetBool("MINIO_USE_SSL", false),
		)
		if err != nil {
			log.Fatalf("minio setup failed: %v", err)
		}
		sim.blobs = blobs
		log.Printf("[RELAYSIM] attachments backed by minio at %s", endpoint)
	}

	router := mux.NewRouter()
	sim.install(router)
	router.Handle("/metrics", promhttp.Handler())

	handler := cors.New(cors.Options{
		AllowedMethods: []string{"GET", "PUT", "POST", "DELETE"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(router)

	log.Printf("[RELAYSIM] listening on %s", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
