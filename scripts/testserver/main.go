// Webhook receiver for local testing. It checks X-Signature when -secret is
// set and can simulate failures, throttling and latency.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/felipemaragno/hookly/internal/dispatch"
)

var (
	requestCount   atomic.Uint64
	successCount   atomic.Uint64
	failureCount   atomic.Uint64
	throttledCount atomic.Uint64
	badSigCount    atomic.Uint64
)

func main() {
	port := flag.Int("port", 9999, "port to listen on")
	secret := flag.String("secret", "", "endpoint secret used to verify X-Signature")
	failRate := flag.Float64("fail-rate", 0, "random 500 rate (0.0-1.0)")
	throttleRate := flag.Float64("throttle-rate", 0, "random 429 rate (0.0-1.0)")
	retryAfter := flag.Int("retry-after", 0, "Retry-After seconds sent with 429s")
	latency := flag.Int("latency", 100, "average response latency in ms")
	jitter := flag.Int("jitter", 20, "latency jitter in ms (+/-)")
	quiet := flag.Bool("quiet", false, "suppress per-request logging")
	flag.Parse()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		for range ticker.C {
			total := requestCount.Swap(0)
			if total == 0 {
				continue
			}
			fmt.Printf("[STATS] Total: %d | Success: %d | Failures: %d | Throttled: %d | Bad signature: %d | Rate: %.1f req/s\n",
				total, successCount.Swap(0), failureCount.Swap(0), throttledCount.Swap(0), badSigCount.Swap(0),
				float64(total)/5.0)
		}
	}()

	http.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)

		delay := time.Duration(*latency) * time.Millisecond
		if *jitter > 0 {
			delay += time.Duration(rand.Intn(*jitter*2)-*jitter) * time.Millisecond
		}
		time.Sleep(delay)

		body, _ := io.ReadAll(r.Body)
		sig := r.Header.Get(dispatch.SignatureHeader)

		if !*quiet {
			fmt.Printf("[REQ] %s %s | Signature: %s | Latency: %v\n", r.Method, r.URL.Path, sig, delay)
			if len(body) > 0 && len(body) < 200 {
				fmt.Printf("      Body: %s\n", string(body))
			}
		}

		if *secret != "" && !dispatch.Verify(*secret, body, sig) {
			badSigCount.Add(1)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		switch roll := rand.Float64(); {
		case roll < *throttleRate:
			throttledCount.Add(1)
			if *retryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(*retryAfter))
			}
			http.Error(w, "slow down", http.StatusTooManyRequests)
		case roll < *throttleRate+*failRate:
			failureCount.Add(1)
			http.Error(w, "simulated failure", http.StatusInternalServerError)
		default:
			successCount.Add(1)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		}
	})

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", *port)
	fmt.Printf("Webhook receiver listening on %s\n", addr)
	fmt.Printf("  Latency: %dms (+/- %dms)\n", *latency, *jitter)
	fmt.Printf("  Fail rate: %.1f%% | Throttle rate: %.1f%% | Verify signatures: %v\n",
		*failRate*100, *throttleRate*100, *secret != "")
	log.Fatal(http.ListenAndServe(addr, nil))
}
