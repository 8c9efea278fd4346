// Package e2e contains end-to-end tests that exercise the full platform
// stack: coordinator → shard manager → shard node, with real PostgreSQL and
// Kafka.
//
// Prerequisites:
//   - PostgreSQL running with schema applied
//   - Kafka (with Zookeeper) running
//   - Redis running (optional, enables query caching)
//
// Run with:
//
//	go test -v -tags=e2e -timeout=120s ./test/e2e/...
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

type e2eConfig struct {
	CoordinatorURL  string
	ShardManagerURL string
}

func loadE2EConfig() e2eConfig {
	return e2eConfig{
		CoordinatorURL:  envOrDefault("E2E_COORDINATOR_URL", "http://localhost:8082"),
		ShardManagerURL: envOrDefault("E2E_SHARDMANAGER_URL", "http://localhost:8090"),
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestPlatformHealth verifies both HTTP-facing services respond to health
// checks. Shard nodes have no HTTP surface (they speak the JSON-over-TCP RPC
// protocol directly) so they are not included here.
func TestPlatformHealth(t *testing.T) {
	cfg := loadE2EConfig()

	services := []struct {
		name string
		url  string
	}{
		{"coordinator /health/live", cfg.CoordinatorURL + "/health/live"},
		{"coordinator /health/ready", cfg.CoordinatorURL + "/health/ready"},
		{"shardmanager /health/live", cfg.ShardManagerURL + "/health/live"},
		{"shardmanager /health/ready", cfg.ShardManagerURL + "/health/ready"},
	}

	client := &http.Client{Timeout: 5 * time.Second}

	for _, svc := range services {
		t.Run(svc.name, func(t *testing.T) {
			resp, err := client.Get(svc.url)
			if err != nil {
				t.Skipf("service unavailable: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				t.Errorf("expected 200, got %d: %s", resp.StatusCode, body)
			}
		})
	}
}

// TestWriteQueryRoundTrip exercises the full document lifecycle: write a
// document through the coordinator, then recover it both by direct lookup
// and through a filtered scatter-gather query.
func TestWriteQueryRoundTrip(t *testing.T) {
	cfg := loadE2EConfig()
	client := &http.Client{Timeout: 10 * time.Second}

	if _, err := client.Get(cfg.CoordinatorURL + "/health/live"); err != nil {
		t.Skipf("coordinator unavailable: %v", err)
	}

	collection := "e2e_orders"
	id := fmt.Sprintf("order-%d", time.Now().UnixNano())
	doc := map[string]any{"status": "pending", "total": 42.5}
	body, _ := json.Marshal(doc)

	putResp, err := client.Do(mustRequest(t, http.MethodPut,
		cfg.CoordinatorURL+"/api/data/"+collection+"/"+id, body))
	if err != nil {
		t.Fatalf("put request failed: %v", err)
	}
	defer putResp.Body.Close()
	if putResp.StatusCode != http.StatusCreated && putResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(putResp.Body)
		t.Fatalf("expected 200/201, got %d: %s", putResp.StatusCode, respBody)
	}

	getResp, err := client.Get(cfg.CoordinatorURL + "/api/data/" + collection + "/" + id)
	if err != nil {
		t.Fatalf("get request failed: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(getResp.Body)
		t.Fatalf("expected 200, got %d: %s", getResp.StatusCode, respBody)
	}

	queryBody, _ := json.Marshal(map[string]any{
		"Filters": []map[string]any{{"Field": "status", "Op": "=", "Value": "pending"}},
		"Options": map[string]any{"Limit": 10},
	})
	queryResp, err := client.Do(mustRequest(t, http.MethodPost,
		cfg.CoordinatorURL+"/api/data/"+collection, queryBody))
	if err != nil {
		t.Fatalf("query request failed: %v", err)
	}
	defer queryResp.Body.Close()
	if queryResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(queryResp.Body)
		t.Fatalf("expected 200, got %d: %s", queryResp.StatusCode, respBody)
	}

	var result struct {
		Total int `json:"total"`
	}
	if err := json.NewDecoder(queryResp.Body).Decode(&result); err != nil {
		t.Fatalf("decoding query response: %v", err)
	}
	if result.Total < 1 {
		t.Errorf("expected at least 1 hit for status=pending, got %d", result.Total)
	}
}

// TestTransactionCommit exercises a full two-phase-commit transaction:
// begin, prepare, commit.
func TestTransactionCommit(t *testing.T) {
	cfg := loadE2EConfig()
	client := &http.Client{Timeout: 10 * time.Second}

	if _, err := client.Get(cfg.CoordinatorURL + "/health/live"); err != nil {
		t.Skipf("coordinator unavailable: %v", err)
	}

	collection := "e2e_accounts"
	opBody, _ := json.Marshal(map[string]any{
		"Operations": []map[string]any{
			{"op": "PUT", "collection": collection, "id": fmt.Sprintf("acct-%d", time.Now().UnixNano()), "payload": map[string]any{"balance": 100}},
		},
	})
	beginResp, err := client.Do(mustRequest(t, http.MethodPost, cfg.CoordinatorURL+"/transactions", opBody))
	if err != nil {
		t.Fatalf("begin request failed: %v", err)
	}
	defer beginResp.Body.Close()
	if beginResp.StatusCode != http.StatusCreated && beginResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(beginResp.Body)
		t.Fatalf("expected 200/201 from begin, got %d: %s", beginResp.StatusCode, respBody)
	}

	var begun struct {
		TxID string `json:"transactionId"`
	}
	if err := json.NewDecoder(beginResp.Body).Decode(&begun); err != nil {
		t.Fatalf("decoding begin response: %v", err)
	}
	if begun.TxID == "" {
		t.Fatal("begin response missing txId")
	}

	prepareResp, err := client.Do(mustRequest(t, http.MethodPost,
		cfg.CoordinatorURL+"/transactions/"+begun.TxID+"/prepare", nil))
	if err != nil {
		t.Fatalf("prepare request failed: %v", err)
	}
	prepareResp.Body.Close()
	if prepareResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from prepare, got %d", prepareResp.StatusCode)
	}

	commitResp, err := client.Do(mustRequest(t, http.MethodPost,
		cfg.CoordinatorURL+"/transactions/"+begun.TxID+"/commit", nil))
	if err != nil {
		t.Fatalf("commit request failed: %v", err)
	}
	commitResp.Body.Close()
	if commitResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from commit, got %d", commitResp.StatusCode)
	}
}

// TestAnalyticsSnapshot verifies that write/query traffic is reflected in
// the coordinator's operational analytics endpoint.
func TestAnalyticsSnapshot(t *testing.T) {
	cfg := loadE2EConfig()
	client := &http.Client{Timeout: 5 * time.Second}

	if _, err := client.Get(cfg.CoordinatorURL + "/health/live"); err != nil {
		t.Skipf("coordinator unavailable: %v", err)
	}

	id := fmt.Sprintf("doc-%d", time.Now().UnixNano())
	doc, _ := json.Marshal(map[string]any{"n": 1})
	resp, err := client.Do(mustRequest(t, http.MethodPut, cfg.CoordinatorURL+"/api/data/e2e_analytics/"+id, doc))
	if err != nil {
		t.Skipf("write request failed: %v", err)
	}
	resp.Body.Close()

	// Events are published to Kafka and consumed asynchronously, so give
	// the aggregator a moment to catch up before asserting on counters.
	time.Sleep(2 * time.Second)

	analyticsResp, err := client.Get(cfg.CoordinatorURL + "/internal/analytics")
	if err != nil {
		t.Fatalf("analytics request failed: %v", err)
	}
	defer analyticsResp.Body.Close()
	if analyticsResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(analyticsResp.Body)
		t.Fatalf("expected 200, got %d: %s", analyticsResp.StatusCode, body)
	}

	var stats map[string]any
	if err := json.NewDecoder(analyticsResp.Body).Decode(&stats); err != nil {
		t.Fatalf("decoding analytics response: %v", err)
	}
	t.Logf("analytics: total_writes=%v total_queries=%v", stats["total_writes"], stats["total_queries"])
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func mustRequest(t *testing.T, method, url string, body []byte) *http.Request {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
