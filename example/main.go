package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/evalwatch"
	"github.com/jpalmerr/evalwatch/evaluation"
	"github.com/jpalmerr/evalwatch/example/mockbackend"
)

func main() {
	// start mock backend (see mockbackend)
	mock := mockbackend.New(slog.Default(), "acme/billing-api", "acme/search-api", "globex/payments")
	go func() {
		if err := http.ListenAndServe(":9999", mock.Handler()); err != nil {
			slog.Error("mock backend error", "error", err)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	billing, _ := evalwatch.NewScope("Billing", "acme", "billing-api")
	search, _ := evalwatch.NewScope("Search", "acme", "search-api")
	payments, _ := evalwatch.NewScope("Payments", "globex", "payments")

	// start the dashboard
	w, err := evalwatch.New(
		evalwatch.WithBackendURL("http://localhost:9999"),
		evalwatch.WithScopes(billing, search, payments),
		evalwatch.WithTitle("Security reviews"),
		evalwatch.WithBackoff(evalwatch.Backoff{
			Min:    time.Second,
			Max:    10 * time.Second,
			Growth: 1.5,
			Tiers:  []evalwatch.Tier{{After: time.Minute, Interval: 3 * time.Second}},
		}),
		evalwatch.WithRefreshSchedule("@every 15s"),
		evalwatch.WithPort(8080),
		evalwatch.WithUpdateCallback(func(u evalwatch.Update) {
			if u.Evaluation.Status.IsTerminal() {
				slog.Info("evaluation finished",
					"scope", u.Scope.Name(),
					"name", u.Evaluation.Name,
					"status", u.Evaluation.Status,
				)
			}
			if u.Evaluation.Status == evaluation.StatusFailed {
				slog.Warn("evaluation failed, waiting for retry", "name", u.Evaluation.Name)
			}
		}),
	)
	if err != nil {
		slog.Error("failed to create evalwatch", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════════════════╗")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   evalwatch Demo                                      ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Open http://localhost:8080 in your browser          ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Scopes:                                             ║")
	fmt.Println("  ║   • 3 mock systems, new evaluations every ~45s        ║")
	fmt.Println("  ║   • lists refreshed every 15s                         ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Press Ctrl+C to stop                                ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ╚═══════════════════════════════════════════════════════╝")
	fmt.Println()

	// set up context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Start(ctx); err != nil {
		slog.Error("evalwatch error", "error", err)
		os.Exit(1)
	}
}
