// Standalone mock evaluation backend for testing the CLI.
//
// Usage:
//
//	go run ./example/cmd/mockserver
//
// Then in another terminal:
//
//	go run ./cmd/evalwatch serve -c example/config.yaml
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jpalmerr/evalwatch/example/mockbackend"
)

func main() {
	fmt.Println("Mock evaluation backend starting on :9999")
	fmt.Println("Systems: acme/billing-api, acme/search-api, globex/payments")
	fmt.Println("Evaluations run: pending → in_progress → completed/cancelled")
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	mock := mockbackend.New(slog.Default(), "acme/billing-api", "acme/search-api", "globex/payments")
	if err := http.ListenAndServe(":9999", mock.Handler()); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
