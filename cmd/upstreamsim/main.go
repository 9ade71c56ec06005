// Package main provides a stand-in for the governed search API, useful for
// exercising the governor locally: it serves canned results with quota and
// rate headers, and can inject 429s, 500s, and latency on demand.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

var (
	requestCount atomic.Int64
	quotaUsed    atomic.Int64
	startedAt    = time.Now()
)

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	quotaLimit := flag.Int("quota-limit", 10000, "reported provider quota limit")
	failRate := flag.Float64("fail-rate", 0, "probability [0,1] of a random 500")
	limitEvery := flag.Int("rate-limit-every", 0, "return 429 on every Nth request (0 disables)")
	retryAfter := flag.Int("retry-after", 30, "Retry-After seconds sent on 429s")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}

	http.HandleFunc("/v1/search", func(w http.ResponseWriter, r *http.Request) {
		n := requestCount.Add(1)

		if d, err := time.ParseDuration(r.URL.Query().Get("slow")); err == nil && d > 0 {
			time.Sleep(d)
		}

		switch {
		case r.URL.Query().Get("fail") == "429",
			*limitEvery > 0 && n%int64(*limitEvery) == 0:
			writeRateLimited(w, *quotaLimit, *retryAfter)
			return
		case r.URL.Query().Get("fail") == "500",
			*failRate > 0 && rand.Float64() < *failRate:
			writeError(w, http.StatusInternalServerError, "simulated upstream failure")
			return
		}

		used := quotaUsed.Add(1)
		setMetaHeaders(w, used, *quotaLimit)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		q := r.URL.Query().Get("q")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"query": q,
			"results": []map[string]interface{}{
				{"id": fmt.Sprintf("doc-%d", n), "title": "Result for " + q, "score": 0.97},
				{"id": fmt.Sprintf("doc-%d", n+1), "title": "Another result for " + q, "score": 0.81},
			},
			"meta": map[string]interface{}{
				"current_rate": currentRate(),
				"quota_used":   used,
				"quota_limit":  *quotaLimit,
			},
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("upstream simulator listening on %s (quota limit %d)", addr, *quotaLimit)
	log.Fatal(http.ListenAndServe(addr, nil))
}

// currentRate reports requests per second since process start, the same
// shape a real provider exposes in its meta block.
func currentRate() float64 {
	elapsed := time.Since(startedAt).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return float64(requestCount.Load()) / elapsed
}

func setMetaHeaders(w http.ResponseWriter, used int64, limit int) {
	w.Header().Set("X-RateLimit-Current", strconv.FormatFloat(currentRate(), 'f', 2, 64))
	w.Header().Set("X-Quota-Used", strconv.FormatInt(used, 10))
	w.Header().Set("X-Quota-Limit", strconv.Itoa(limit))
}

func writeRateLimited(w http.ResponseWriter, quotaLimit, retryAfter int) {
	setMetaHeaders(w, quotaUsed.Load(), quotaLimit)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": "rate limit exceeded",
		"meta": map[string]interface{}{
			"current_rate": currentRate(),
			"quota_used":   quotaUsed.Load(),
			"quota_limit":  quotaLimit,
		},
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{"error": msg})
}
