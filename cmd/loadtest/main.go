package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"realtime-chat/internal/client"
	"realtime-chat/internal/protocol"
)

type settings struct {
	BaseURL   string        `envconfig:"BASE_URL" default:"http://localhost:8080"`
	WSURL     string        `envconfig:"WS_URL" default:"ws://localhost:8080/ws"`
	Pairs     int           `envconfig:"PAIRS" default:"50"`
	Messages  int           `envconfig:"MESSAGES" default:"20"` // per user, keep under the rate limit
	Interval  time.Duration `envconfig:"INTERVAL" default:"10ms"`
	Password  string        `envconfig:"PASSWORD" default:"password123"`
	DrainWait time.Duration `envconfig:"DRAIN_WAIT" default:"2s"`
}

type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
}

func main() {
	log, _ := zap.NewDevelopment()
	defer func() { _ = log.Sync() }()

	var cfg settings
	if err := envconfig.Process("LOADTEST", &cfg); err != nil {
		log.Fatal("invalid settings", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Info("starting load test", zap.Int("users", cfg.Pairs*2), zap.Int("messages", cfg.Messages))
	start := time.Now()

	var st stats
	var wg sync.WaitGroup
	// Pairs: user 0a talks to user 0b, 1a to 1b...
	for i := 0; i < cfg.Pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			if err := runPair(ctx, cfg, pairID, &st, log); err != nil {
				st.failed.Add(1)
				log.Warn("pair failed", zap.Int("pair", pairID), zap.Error(err))
			}
		}(i)
	}
	wg.Wait()

	log.Info("load test complete",
		zap.Int64("sent", st.sent.Load()),
		zap.Int64("received", st.received.Load()),
		zap.Int64("failed_pairs", st.failed.Load()),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func runPair(ctx context.Context, cfg settings, pairID int, st *stats, log *zap.Logger) error {
	userA := fmt.Sprintf("u%da", pairID)
	userB := fmt.Sprintf("u%db", pairID)

	tokenA, _, err := authenticate(ctx, cfg, userA)
	if err != nil {
		return err
	}
	tokenB, idB, err := authenticate(ctx, cfg, userB)
	if err != nil {
		return err
	}

	roomID, err := startConversation(ctx, cfg, tokenA, idB)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, u := range []struct{ name, token string }{{userA, tokenA}, {userB, tokenB}} {
		u := u
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := spamChat(ctx, cfg, u.token, roomID, u.name, st, log); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	return <-errs
}

// authenticate registers (ignoring a taken username) and logs in.
func authenticate(ctx context.Context, cfg settings, username string) (string, int64, error) {
	creds := map[string]string{"username": username, "password": cfg.Password}
	_ = postJSON(ctx, cfg.BaseURL+"/register", "", creds, nil)

	var data struct {
		AccessToken string `json:"access_token"`
		ID          int64  `json:"id"`
	}
	if err := postJSON(ctx, cfg.BaseURL+"/login", "", creds, &data); err != nil {
		return "", 0, fmt.Errorf("login %s: %w", username, err)
	}
	return data.AccessToken, data.ID, nil
}

func startConversation(ctx context.Context, cfg settings, token string, targetID int64) (string, error) {
	var data struct {
		RoomID string `json:"room_id"`
	}
	if err := postJSON(ctx, cfg.BaseURL+"/api/conversations", token, map[string]int64{"target_id": targetID}, &data); err != nil {
		return "", fmt.Errorf("start conversation: %w", err)
	}
	return data.RoomID, nil
}

// session keeps one user's connection alive across drops.
type session struct {
	mu   sync.Mutex
	conn *client.Conn
}

func (s *session) current() *client.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *session) swap(c *client.Conn) {
	s.mu.Lock()
	old := s.conn
	s.conn = c
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func spamChat(ctx context.Context, cfg settings, token, roomID, user string, st *stats, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &session{}
	connected := make(chan *client.Conn, 1)
	rc := client.NewReconnector(func(ctx context.Context) error {
		c, err := client.Dial(ctx, cfg.WSURL, token)
		if err != nil {
			return err
		}
		s.swap(c)
		select {
		case connected <- c:
		case <-ctx.Done():
		}
		return nil
	}, client.DefaultBackoff(), log.With(zap.String("user", user)))
	rc.OnGiveUp = func(err error) {
		log.Warn("giving up", zap.String("user", user), zap.Error(err))
		cancel()
	}

	if err := rc.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if c := s.current(); c != nil {
			_ = c.Close()
		}
	}()

	go func() {
		for {
			var c *client.Conn
			select {
			case c = <-connected:
			case <-ctx.Done():
				return
			}
			for {
				f, err := c.Receive()
				if err != nil {
					break
				}
				if f.Event == protocol.MessageReceived {
					st.received.Add(1)
				}
			}
			if ctx.Err() != nil {
				return
			}
			rc.OnDisconnect(ctx)
		}
	}()

	if err := s.current().Send(protocol.JoinRoom, protocol.RoomPayload{RoomID: roomID}); err != nil {
		return err
	}

	for i := 0; i < cfg.Messages; i++ {
		msg := protocol.SendMessagePayload{
			TargetPayload: protocol.TargetPayload{RoomID: roomID},
			Content:       fmt.Sprintf("load test msg %d from %s", i, user),
		}
		if err := s.current().Send(protocol.SendMessage, msg); err != nil {
			log.Debug("send failed", zap.String("user", user), zap.Error(err))
		} else {
			st.sent.Add(1)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.Interval):
		}
	}

	// Leave the reader running long enough to see the peer's tail.
	select {
	case <-ctx.Done():
	case <-time.After(cfg.DrainWait):
	}
	log.Debug("finished", zap.String("user", user), zap.Int("messages", cfg.Messages))
	return nil
}

func postJSON(ctx context.Context, url, token string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e protocol.ErrorPayload
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s: status %d %s", url, resp.StatusCode, e.Code)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
