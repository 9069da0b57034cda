// Package main implements a standalone end-to-end integration test for the
// Parley direct-messaging server. It validates the full user journey against
// a running Docker Compose stack: health checks, WebSocket auth handshake,
// directory listing, push-mode conversation flow, pull-mode refresh, and
// blank-input handling.
//
// Two seeded session tokens are required (use cmd/devseed to mint them):
//
//	go run ./cmd/e2etest/ -token-a <tok> -token-b <tok> [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/parley/dm-app/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	tokenA := flag.String("token-a", "", "Session token for user A (required)")
	tokenB := flag.String("token-b", "", "Session token for user B (required)")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	if *tokenA == "" || *tokenB == "" {
		fmt.Fprintln(os.Stderr, "both -token-a and -token-b are required; mint them with cmd/devseed")
		os.Exit(1)
	}

	fmt.Println("=== Parley E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult

	// Run scenarios sequentially.
	results = append(results, scenario1HealthCheck(ctx, *apiBase))
	results = append(results, scenario2ConnectAuth(ctx, *wsURL, *tokenA, *tokenB))

	// Scenarios 3-5 share the same pair of authed clients; run them as a group.
	s3, s4, s5 := scenario345DirectoryChat(ctx, *wsURL, *tokenA, *tokenB)
	results = append(results, s3, s4, s5)

	// Optional scenarios (non-fatal).
	results = append(results, scenario6BlankInput(ctx, *wsURL, *tokenA))

	// ---------------------------------------------------------------------------
	// Summary
	// ---------------------------------------------------------------------------
	fmt.Println()
	passed := 0
	failed := 0
	info := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	requiredTotal := passed + failed
	fmt.Printf("\n=== Results: %d/%d passed", passed, requiredTotal)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, apiBase string) scenarioResult {
	name := "Scenario 1: Health Check"

	// 1a. /health — expect JSON with "connections" field.
	body, err := httpGetBody(ctx, apiBase+"/health")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}
	var healthResp struct {
		Connections int `json:"connections"`
	}
	if err := json.Unmarshal(body, &healthResp); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health JSON parse: %v", err)}
	}

	// 1b. /metrics — expect Prometheus text with parley_connections_total.
	metricsBody, err := httpGetBody(ctx, apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(metricsBody), "parley_connections_total") {
		return scenarioResult{name, resultFail, "/metrics: missing parley_connections_total"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("connections=%d", healthResp.Connections)}
}

// ---------------------------------------------------------------------------
// Scenario 2: Connect and Auth Handshake
// ---------------------------------------------------------------------------

func scenario2ConnectAuth(ctx context.Context, wsURL, tokenA, tokenB string) scenarioResult {
	name := "Scenario 2: Connect and Auth Handshake"

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	clientA, err := client.New(connCtx, wsURL, tokenA)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A connect: %v", err)}
	}
	defer clientA.Close()

	clientB, err := client.New(connCtx, wsURL, tokenB)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client B connect: %v", err)}
	}
	defer clientB.Close()

	if err := clientA.WaitForAuth(connCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A auth: %v", err)}
	}
	if err := clientB.WaitForAuth(connCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client B auth: %v", err)}
	}

	uidA := clientA.UserID()
	uidB := clientB.UserID()
	if uidA == "" || uidB == "" {
		return scenarioResult{name, resultFail, "empty user ID"}
	}
	if uidA == uidB {
		return scenarioResult{name, resultFail, "both tokens resolved to the same user"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("user_a=%s, user_b=%s", truncateID(uidA), truncateID(uidB))}
}

// ---------------------------------------------------------------------------
// Scenarios 3, 4, 5: Directory, Push Conversation, Pull Refresh
// ---------------------------------------------------------------------------

func scenario345DirectoryChat(ctx context.Context, wsURL, tokenA, tokenB string) (scenarioResult, scenarioResult, scenarioResult) {
	s3Name := "Scenario 3: Directory Listing"
	s4Name := "Scenario 4: Push Conversation"
	s5Name := "Scenario 5: Pull Refresh"

	failAll := func(reason string) (scenarioResult, scenarioResult, scenarioResult) {
		return scenarioResult{s3Name, resultFail, reason},
			scenarioResult{s4Name, resultFail, "skipped: setup failed"},
			scenarioResult{s5Name, resultFail, "skipped: setup failed"}
	}

	// --- Connect and auth two clients ---
	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	clientA, err := client.New(connCtx, wsURL, tokenA)
	if err != nil {
		return failAll(fmt.Sprintf("client A connect: %v", err))
	}
	defer clientA.Close()

	clientB, err := client.New(connCtx, wsURL, tokenB)
	if err != nil {
		return failAll(fmt.Sprintf("client B connect: %v", err))
	}
	defer clientB.Close()

	if err := clientA.WaitForAuth(connCtx); err != nil {
		return failAll(fmt.Sprintf("client A auth: %v", err))
	}
	if err := clientB.WaitForAuth(connCtx); err != nil {
		return failAll(fmt.Sprintf("client B auth: %v", err))
	}
	uidA := clientA.UserID()
	uidB := clientB.UserID()

	// --- Scenario 3: Directory ---
	directoryA := make(chan []string, 1) // carries the roster IDs A received

	clientA.On(client.TypeDirectory, func(raw json.RawMessage) {
		var msg struct {
			Users []struct {
				ID string `json:"id"`
			} `json:"users"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil {
			ids := make([]string, 0, len(msg.Users))
			for _, u := range msg.Users {
				ids = append(ids, u.ID)
			}
			select {
			case directoryA <- ids:
			default:
			}
		}
	})

	if err := clientA.Send(map[string]string{"type": client.TypeListUsers}); err != nil {
		return failAll(fmt.Sprintf("client A list_users: %v", err))
	}

	dirCtx, dirCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dirCancel()

	var roster []string
	select {
	case roster = <-directoryA:
	case <-dirCtx.Done():
		return failAll("timeout waiting for directory on client A")
	}

	sawSelf := false
	sawPeer := false
	for _, id := range roster {
		if id == uidA {
			sawSelf = true
		}
		if id == uidB {
			sawPeer = true
		}
	}
	if sawSelf {
		return failAll("roster contains the requesting user")
	}
	if !sawPeer {
		return failAll("roster is missing user B")
	}
	s3Result := scenarioResult{s3Name, resultPass, fmt.Sprintf("%d users, self excluded", len(roster))}

	// --- Scenario 4: Push Conversation ---
	snapshotsA := make(chan []string, 4) // carries message bodies per snapshot
	snapshotsB := make(chan []string, 4)

	onSnapshot := func(ch chan []string) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			var msg struct {
				Messages []struct {
					Body string `json:"body"`
				} `json:"messages"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil {
				return
			}
			bodies := make([]string, 0, len(msg.Messages))
			for _, m := range msg.Messages {
				bodies = append(bodies, m.Body)
			}
			select {
			case ch <- bodies:
			default:
			}
		}
	}
	clientA.On(client.TypeSnapshot, onSnapshot(snapshotsA))
	clientB.On(client.TypeSnapshot, onSnapshot(snapshotsB))

	if err := clientA.SelectPeer(uidB, "push"); err != nil {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("client A select_peer: %v", err)},
			scenarioResult{s5Name, resultFail, "skipped: chat failed"}
	}
	if err := clientB.SelectPeer(uidA, "push"); err != nil {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("client B select_peer: %v", err)},
			scenarioResult{s5Name, resultFail, "skipped: chat failed"}
	}

	chatCtx, chatCancel := context.WithTimeout(ctx, 10*time.Second)
	defer chatCancel()

	// Both receive the initial snapshot.
	if _, err := waitSnapshot(chatCtx, snapshotsA, func([]string) bool { return true }); err != nil {
		return s3Result,
			scenarioResult{s4Name, resultFail, "timeout: client A initial snapshot"},
			scenarioResult{s5Name, resultFail, "skipped: chat failed"}
	}
	if _, err := waitSnapshot(chatCtx, snapshotsB, func([]string) bool { return true }); err != nil {
		return s3Result,
			scenarioResult{s4Name, resultFail, "timeout: client B initial snapshot"},
			scenarioResult{s5Name, resultFail, "skipped: chat failed"}
	}

	// A sends; both sides must converge on a snapshot containing the text.
	textA := fmt.Sprintf("Hello from A %d", time.Now().UnixNano())
	if err := clientA.SendText(textA); err != nil {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("client A send: %v", err)},
			scenarioResult{s5Name, resultFail, "skipped: chat failed"}
	}

	contains := func(text string) func([]string) bool {
		return func(bodies []string) bool {
			for _, b := range bodies {
				if b == text {
					return true
				}
			}
			return false
		}
	}

	if _, err := waitSnapshot(chatCtx, snapshotsB, contains(textA)); err != nil {
		return s3Result,
			scenarioResult{s4Name, resultFail, "timeout: client B never saw A's message"},
			scenarioResult{s5Name, resultFail, "skipped: chat failed"}
	}
	if _, err := waitSnapshot(chatCtx, snapshotsA, contains(textA)); err != nil {
		return s3Result,
			scenarioResult{s4Name, resultFail, "timeout: client A never saw its own message pushed back"},
			scenarioResult{s5Name, resultFail, "skipped: chat failed"}
	}

	// B replies.
	textB := fmt.Sprintf("Hello from B %d", time.Now().UnixNano())
	if err := clientB.SendText(textB); err != nil {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("client B send: %v", err)},
			scenarioResult{s5Name, resultFail, "skipped: chat failed"}
	}
	lastA, err := waitSnapshot(chatCtx, snapshotsA, contains(textB))
	if err != nil {
		return s3Result,
			scenarioResult{s4Name, resultFail, "timeout: client A never saw B's reply"},
			scenarioResult{s5Name, resultFail, "skipped: chat failed"}
	}

	// Ordering: A's message precedes B's reply in the converged snapshot.
	idxA, idxB := -1, -1
	for i, b := range lastA {
		if b == textA {
			idxA = i
		}
		if b == textB {
			idxB = i
		}
	}
	if idxA < 0 || idxB < 0 || idxA > idxB {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("snapshot out of order: a=%d b=%d", idxA, idxB)},
			scenarioResult{s5Name, resultFail, "skipped: chat failed"}
	}
	s4Result := scenarioResult{s4Name, resultPass, "2 messages exchanged, ordered"}

	// --- Scenario 5: Pull Refresh ---
	// Re-open in pull mode on A; B sends; A only sees the new message after
	// an explicit refresh.
	if err := clientA.SelectPeer(uidB, "pull"); err != nil {
		return s3Result, s4Result,
			scenarioResult{s5Name, resultFail, fmt.Sprintf("client A select_peer pull: %v", err)}
	}
	refreshCtx, refreshCancel := context.WithTimeout(ctx, 10*time.Second)
	defer refreshCancel()

	if _, err := waitSnapshot(refreshCtx, snapshotsA, func([]string) bool { return true }); err != nil {
		return s3Result, s4Result,
			scenarioResult{s5Name, resultFail, "timeout: pull-mode open snapshot"}
	}

	textPull := fmt.Sprintf("Pull me %d", time.Now().UnixNano())
	if err := clientB.SendText(textPull); err != nil {
		return s3Result, s4Result,
			scenarioResult{s5Name, resultFail, fmt.Sprintf("client B send: %v", err)}
	}

	// Give the write time to land, then refresh.
	time.Sleep(500 * time.Millisecond)
	if err := clientA.Send(map[string]string{"type": client.TypeRefresh}); err != nil {
		return s3Result, s4Result,
			scenarioResult{s5Name, resultFail, fmt.Sprintf("client A refresh: %v", err)}
	}
	if _, err := waitSnapshot(refreshCtx, snapshotsA, contains(textPull)); err != nil {
		return s3Result, s4Result,
			scenarioResult{s5Name, resultFail, "timeout: refresh snapshot missing B's message"}
	}

	return s3Result, s4Result, scenarioResult{s5Name, resultPass, "refresh picked up new message"}
}

// ---------------------------------------------------------------------------
// Scenario 6: Blank Input (optional, non-fatal)
// ---------------------------------------------------------------------------

func scenario6BlankInput(ctx context.Context, wsURL, tokenA string) scenarioResult {
	name := "Scenario 6: Blank Input"

	scenarioCtx, scenarioCancel := context.WithTimeout(ctx, 15*time.Second)
	defer scenarioCancel()

	c, err := client.New(scenarioCtx, wsURL, tokenA)
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup failed: %v", err)}
	}
	defer c.Close()

	if err := c.WaitForAuth(scenarioCtx); err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("auth failed: %v", err)}
	}

	acked := make(chan struct{}, 1)
	c.On(client.TypeMessageSent, func(_ json.RawMessage) {
		select {
		case acked <- struct{}{}:
		default:
		}
	})

	// Self-chat keeps the scenario independent of other seeded users.
	if err := c.SelectPeer(c.UserID(), "pull"); err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("select_peer failed: %v", err)}
	}

	if err := c.SendText("   "); err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("send failed: %v", err)}
	}

	select {
	case <-acked:
		return scenarioResult{name, resultFail, "blank input produced a message_sent ack"}
	case <-time.After(2 * time.Second):
		return scenarioResult{name, resultPass, "blank input silently dropped"}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// waitSnapshot drains the snapshot channel until one satisfies the predicate
// or the context expires, returning the matching snapshot's bodies.
func waitSnapshot(ctx context.Context, ch chan []string, ok func([]string) bool) ([]string, error) {
	for {
		select {
		case bodies := <-ch:
			if ok(bodies) {
				return bodies, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// httpGetBody performs an HTTP GET and returns the response body.
func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// truncateID returns the first 8 characters of an ID for display purposes.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
