package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chat-relay/internal/user"

	"github.com/gorilla/websocket"
)

type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	AckID     uint64          `json:"ack_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

type stats struct {
	sent, received, failed atomic.Int64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "server base URL")
	pairs := flag.Int("pairs", 50, "number of user pairs")
	msgCount := flag.Int("messages", 20, "messages per user")
	wait := flag.Duration("wait", 30*time.Second, "how long to wait for deliveries")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		slog.Error("JWT_SECRET is not set")
		os.Exit(1)
	}

	slog.Info("starting load test", "users", *pairs*2, "messages_per_user", *msgCount)
	start := time.Now()
	var (
		wg sync.WaitGroup
		st stats
	)
	for i := range *pairs {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(*baseURL, secret, pairID, *msgCount, *wait, &st)
		}(i)
	}
	wg.Wait()

	slog.Info("load test complete",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"sent", st.sent.Load(),
		"received", st.received.Load(),
		"failed", st.failed.Load(),
	)
}

func runPair(baseURL, secret string, pairID, msgCount int, wait time.Duration, st *stats) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)

	tokenA, errA := user.IssueToken(secret, userA, time.Hour)
	tokenB, errB := user.IssueToken(secret, userB, time.Hour)
	if errA != nil || errB != nil {
		slog.Error("token mint failed", "pair", pairID)
		return
	}

	chatID, err := createChat(baseURL, tokenA, userA, userB)
	if err != nil {
		slog.Error("create chat failed", "pair", pairID, "error", err)
		st.failed.Add(1)
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go chatter(&wsWg, baseURL, tokenA, userA, chatID, msgCount, wait, st)
	go chatter(&wsWg, baseURL, tokenB, userB, chatID, msgCount, wait, st)
	wsWg.Wait()
}

func createChat(baseURL, token, self, peer string) (string, error) {
	body, _ := json.Marshal(map[string]any{"type": "SUC", "users": []string{self, peer}})
	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/chats", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	var c struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return "", err
	}
	return c.ID, nil
}

// chatter sends msgCount messages and acknowledges every message it
// receives until it has seen the peer's full batch or wait runs out.
func chatter(wg *sync.WaitGroup, baseURL, token, self, chatID string, msgCount int, wait time.Duration, st *stats) {
	defer wg.Done()

	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		slog.Error("ws connect failed", "user", self, "error", err)
		st.failed.Add(1)
		return
	}
	defer conn.Close()

	// gorilla allows one concurrent writer.
	var writeMu sync.Mutex
	write := func(f frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(f)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		seen := make(map[string]bool)
		conn.SetReadDeadline(time.Now().Add(wait))
		for len(seen) < msgCount {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			switch f.Type {
			case "message":
				var m struct {
					ID   string `json:"id"`
					From string `json:"from"`
				}
				if json.Unmarshal(f.Payload, &m) != nil || m.From == self {
					continue
				}
				if f.AckID != 0 {
					write(frame{Type: "ack", AckID: f.AckID})
				}
				ack, _ := json.Marshal(map[string]string{"message_id": m.ID})
				write(frame{Type: "acknowledgment", Payload: ack})
				if !seen[m.ID] {
					seen[m.ID] = true
					st.received.Add(1)
				}
			case "response":
				if len(f.Error) > 0 {
					st.failed.Add(1)
				}
			}
		}
	}()

	for i := range msgCount {
		payload, _ := json.Marshal(map[string]any{
			"to":   chatID,
			"body": map[string]string{"text": fmt.Sprintf("load test msg %d from %s", i, self)},
		})
		if err := write(frame{Type: "send_message", RequestID: fmt.Sprintf("%s-%d", self, i), Payload: payload}); err != nil {
			slog.Error("send failed", "user", self, "error", err)
			st.failed.Add(1)
			break
		}
		st.sent.Add(1)
		time.Sleep(10 * time.Millisecond)
	}

	<-done
}
