package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aquilax/truncate"
	"github.com/spf13/cobra"
	"nhooyr.io/websocket"
)

var (
	watchServer string
	watchToken  string
	watchUser   string
	watchRole   string
	watchName   string
	watchWidth  int
)

func init() {
	watchCmd.Flags().StringVar(&watchServer, "server", "http://localhost:8080", "server base URL")
	watchCmd.Flags().StringVar(&watchToken, "token", os.Getenv("JOKKO_TOKEN"), "Firebase ID token")
	watchCmd.Flags().StringVar(&watchUser, "user", "", "user id, accepted by development servers only")
	watchCmd.Flags().StringVar(&watchRole, "role", "buyer", "session role: buyer or producer")
	watchCmd.Flags().StringVar(&watchName, "name", "", "display name")
	watchCmd.Flags().IntVar(&watchWidth, "width", 160, "truncate event payloads to this many characters (0 disables)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open a session and print its live events",
	Long:  "Start a sync session on a running server, attach to its websocket and print every event until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchToken == "" && watchUser == "" {
			return fmt.Errorf("either --token or --user is required")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c := &watchClient{
			base:  strings.TrimRight(watchServer, "/"),
			token: watchToken,
			user:  watchUser,
			http:  &http.Client{Timeout: 15 * time.Second},
		}

		sessionID, err := c.startSession(ctx, watchRole, watchName)
		if err != nil {
			return err
		}
		fmt.Printf("Session %s started as %s\n", sessionID, watchRole)
		defer func() {
			endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.endSession(endCtx, sessionID); err != nil {
				fmt.Fprintf(os.Stderr, "failed to end session: %v\n", err)
			}
		}()

		return c.watch(ctx, sessionID, os.Stdout)
	},
}

type watchClient struct {
	base  string
	token string
	user  string
	http  *http.Client
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type event struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Data           json.RawMessage `json:"data"`
	Timestamp      time.Time       `json:"timestamp"`
}

func (c *watchClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
		return
	}
	req.Header.Set("X-User-ID", c.user)
}

func (c *watchClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: unexpected response (HTTP %d): %w", method, path, resp.StatusCode, err)
	}
	if !env.Success {
		if env.Error != nil {
			return fmt.Errorf("%s %s: %s: %s", method, path, env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (c *watchClient) startSession(ctx context.Context, role, name string) (string, error) {
	var session struct {
		ID string `json:"session_id"`
	}
	body := map[string]string{"role": role, "name": name}
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", body, &session); err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	return session.ID, nil
}

func (c *watchClient) endSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(sessionID), nil, nil)
}

func (c *watchClient) wsURL(sessionID string) string {
	u := c.base
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	q := url.Values{}
	q.Set("session_id", sessionID)
	if c.token != "" {
		q.Set("token", c.token)
	} else {
		q.Set("user_id", c.user)
	}
	return u + "/v1/ws?" + q.Encode()
}

func (c *watchClient) watch(ctx context.Context, sessionID string, w io.Writer) error {
	conn, _, err := websocket.Dial(ctx, c.wsURL(sessionID), nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "client disconnect")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("websocket read failed: %w", err)
		}

		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			fmt.Fprintf(w, "?? %s\n", data)
			continue
		}
		fmt.Fprintln(w, formatEvent(ev, watchWidth))
	}
}

func formatEvent(ev event, width int) string {
	payload := string(ev.Data)
	if width > 0 {
		payload = truncate.Truncate(payload, width, "...", truncate.PositionEnd)
	}

	ts := ev.Timestamp.Local().Format("15:04:05")
	if ev.ConversationID != "" {
		return fmt.Sprintf("%s %-22s [%s] %s", ts, ev.Type, ev.ConversationID, payload)
	}
	return fmt.Sprintf("%s %-22s %s", ts, ev.Type, payload)
}
