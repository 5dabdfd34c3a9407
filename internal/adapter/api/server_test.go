package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	gorillaws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/03AlAmine/jokko-agro/internal/adapter/api/middleware"
	"github.com/03AlAmine/jokko-agro/internal/adapter/repository/memory"
	"github.com/03AlAmine/jokko-agro/internal/infrastructure/lock"
	"github.com/03AlAmine/jokko-agro/internal/infrastructure/ratelimit"
	"github.com/03AlAmine/jokko-agro/internal/infrastructure/storage"
	"github.com/03AlAmine/jokko-agro/internal/infrastructure/websocket"
	"github.com/03AlAmine/jokko-agro/internal/usecase"
	"github.com/03AlAmine/jokko-agro/pkg/config"
	"github.com/03AlAmine/jokko-agro/pkg/errors"
	"github.com/03AlAmine/jokko-agro/pkg/logger"
)

const (
	buyerID    = "buyer-1"
	producerID = "producer-1"
	waitFor    = 2 * time.Second
	tick       = 10 * time.Millisecond
)

func TestMain(m *testing.M) {
	logger.Setup("test", "error")
	os.Exit(m.Run())
}

type fakeUploader struct{}

func (fakeUploader) UploadAttachment(_ context.Context, conversationID string, file io.Reader, contentType string, size int64) (*storage.Attachment, error) {
	if _, err := io.Copy(io.Discard, file); err != nil {
		return nil, err
	}
	return &storage.Attachment{
		URL:         fmt.Sprintf("https://storage.googleapis.com/test/attachments/%s/file", conversationID),
		Type:        storage.KindOf(contentType),
		ContentType: contentType,
		Size:        size,
	}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type testServer struct {
	t       *testing.T
	echo    *echo.Echo
	limiter *ratelimit.RateLimiter
	ws      *websocket.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := memory.NewStore(clock.New())
	sessions := usecase.NewSessionManager(store.Conversations(), store.Messages(), store.Blocks(), lock.NewLocalLocker(), nil, config.SyncConfig{ReadDebounceMs: 20})

	ctx, cancel := context.WithCancel(context.Background())
	wsManager := websocket.NewManager(sessions)
	wsManager.Start(ctx)
	sessions.SetPublisher(wsManager)

	limiter := ratelimit.NewRateLimiter(nil)
	e := NewServer(ServerOptions{
		Environment: "development",
		Sessions:    sessions,
		WebSocket:   wsManager,
		Limiter:     limiter,
		Uploader:    fakeUploader{},
	})

	t.Cleanup(func() {
		sessions.CloseAll()
		cancel()
	})
	return &testServer{t: t, echo: e, limiter: limiter, ws: wsManager}
}

func (s *testServer) request(req *http.Request, userID, sessionID string) (int, envelope) {
	s.t.Helper()
	if userID != "" {
		req.Header.Set(middleware.HeaderDevUserID, userID)
	}
	if sessionID != "" {
		req.Header.Set(middleware.HeaderSessionID, sessionID)
	}

	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec.Code, env
}

func (s *testServer) do(method, path, userID, sessionID string, body interface{}) (int, envelope) {
	s.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return s.request(req, userID, sessionID)
}

func (s *testServer) session(userID, role string) string {
	s.t.Helper()
	code, env := s.do(http.MethodPost, "/v1/sessions", userID, "", map[string]string{"role": role, "name": userID})
	require.Equal(s.t, http.StatusCreated, code)

	var session struct {
		ID string `json:"session_id"`
	}
	require.NoError(s.t, json.Unmarshal(env.Data, &session))
	require.NotEmpty(s.t, session.ID)
	return session.ID
}

func (s *testServer) create(sessionID, message string) string {
	s.t.Helper()
	code, env := s.do(http.MethodPost, "/v1/conversations", buyerID, sessionID, map[string]string{
		"counterpart_id":   producerID,
		"counterpart_name": "Moussa Fall",
		"product_id":       "prod-1",
		"product_name":     "Mangues Kent",
		"message":          message,
	})
	require.Equal(s.t, http.StatusCreated, code, env.Error)

	var out struct {
		ID string `json:"conversation_id"`
	}
	require.NoError(s.t, json.Unmarshal(env.Data, &out))
	return out.ID
}

type listData struct {
	Conversations []struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		LastMessage string `json:"last_message"`
	} `json:"conversations"`
	TotalUnread uint32 `json:"total_unread"`
}

func (s *testServer) list(userID, sessionID, query string) listData {
	s.t.Helper()
	code, env := s.do(http.MethodGet, "/v1/conversations"+query, userID, sessionID, nil)
	require.Equal(s.t, http.StatusOK, code)
	var out listData
	require.NoError(s.t, json.Unmarshal(env.Data, &out))
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"sessions":0`)
}

func TestRecentLogsInDevelopment(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/debug/logs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequiresAuthentication(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(http.MethodGet, "/v1/conversations", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, errors.CodeUnauthorized, env.Error.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	req.Header.Set(echo.HeaderAuthorization, "Token abc")
	code, _ = s.request(req, "", "")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestRequiresOwnSession(t *testing.T) {
	s := newTestServer(t)
	buyerSession := s.session(buyerID, "buyer")

	code, env := s.do(http.MethodGet, "/v1/conversations", buyerID, "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, errors.CodeBadRequest, env.Error.Code)

	code, env = s.do(http.MethodGet, "/v1/conversations", producerID, buyerSession, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, errors.CodeForbidden, env.Error.Code)

	code, _ = s.do(http.MethodDelete, "/v1/sessions/"+buyerSession, buyerID, "", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = s.do(http.MethodGet, "/v1/conversations", buyerID, buyerSession, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStartSessionValidatesRole(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(http.MethodPost, "/v1/sessions", buyerID, "", map[string]string{"role": "admin"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestConversationFlow(t *testing.T) {
	s := newTestServer(t)
	buyerSession := s.session(buyerID, "buyer")
	producerSession := s.session(producerID, "producer")

	id := s.create(buyerSession, "Bonjour, les mangues sont disponibles ?")

	// the producer sees it through the store subscription
	require.Eventually(t, func() bool {
		out := s.list(producerID, producerSession, "?filter=unread")
		return len(out.Conversations) == 1 && out.TotalUnread == 1
	}, waitFor, tick)

	code, env := s.do(http.MethodGet, "/v1/conversations/"+id, producerID, producerSession, nil)
	require.Equal(t, http.StatusOK, code)
	var opened struct {
		Conversation struct {
			ID string `json:"id"`
		} `json:"conversation"`
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
		HasMore bool `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &opened))
	assert.Equal(t, id, opened.Conversation.ID)
	require.Len(t, opened.Messages, 1)
	assert.False(t, opened.HasMore)

	// opening at the bottom with focus marks it read after the debounce
	require.Eventually(t, func() bool {
		return s.list(producerID, producerSession, "").TotalUnread == 0
	}, waitFor, tick)

	code, env = s.do(http.MethodPost, "/v1/conversations/"+id+"/messages", producerID, producerSession, map[string]string{"content": "Oui, 20 kg"})
	require.Equal(t, http.StatusCreated, code, env.Error)
	var sent struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &sent))
	assert.Equal(t, "confirmed", sent.State)

	require.Eventually(t, func() bool {
		out := s.list(buyerID, buyerSession, "?q=mangues")
		return len(out.Conversations) == 1 && out.TotalUnread == 1
	}, waitFor, tick)

	code, env = s.do(http.MethodGet, "/v1/conversations/"+id+"/messages?before="+sent.ID, buyerID, buyerSession, nil)
	require.Equal(t, http.StatusOK, code)
	var page struct {
		Items   []json.RawMessage `json:"items"`
		HasMore bool              `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Len(t, page.Items, 1)
	assert.False(t, page.HasMore)

	code, _ = s.do(http.MethodPut, "/v1/conversations/"+id+"/status", buyerID, buyerSession, map[string]string{"status": "archived"})
	require.Equal(t, http.StatusOK, code)
	require.Eventually(t, func() bool {
		return len(s.list(buyerID, buyerSession, "?filter=archived").Conversations) == 1
	}, waitFor, tick)

	code, _ = s.do(http.MethodDelete, "/v1/conversations/open", producerID, producerSession, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestInvalidRequests(t *testing.T) {
	s := newTestServer(t)
	sessionID := s.session(buyerID, "buyer")

	code, env := s.do(http.MethodPost, "/v1/conversations", buyerID, sessionID, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	code, env = s.do(http.MethodGet, "/v1/conversations?filter=starred", buyerID, sessionID, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, errors.CodeBadRequest, env.Error.Code)

	code, env = s.do(http.MethodGet, "/v1/conversations/missing", buyerID, sessionID, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, errors.CodeNotFound, env.Error.Code)

	id := s.create(sessionID, "Bonjour")
	code, env = s.do(http.MethodPost, "/v1/conversations/"+id+"/messages", buyerID, sessionID, map[string]string{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, errors.CodeBadRequest, env.Error.Code)

	code, _ = s.do(http.MethodDelete, "/v1/conversations/"+id+"/messages/unknown-token", buyerID, sessionID, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestBlockedConversationRejectsSend(t *testing.T) {
	s := newTestServer(t)
	sessionID := s.session(buyerID, "buyer")
	id := s.create(sessionID, "Bonjour")

	code, _ := s.do(http.MethodPost, "/v1/blocks", buyerID, sessionID, map[string]string{"user_id": producerID})
	require.Equal(t, http.StatusOK, code)

	code, env := s.do(http.MethodPost, "/v1/conversations/"+id+"/messages", buyerID, sessionID, map[string]string{"content": "Encore là ?"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, errors.CodeConversationClosed, env.Error.Code)
}

func TestCreateIsRateLimited(t *testing.T) {
	s := newTestServer(t)
	s.limiter.SetPolicy(ratelimit.ActionCreateConversation, ratelimit.Policy{Burst: 1, Every: time.Hour})
	sessionID := s.session(buyerID, "buyer")

	s.create(sessionID, "Bonjour")

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations", strings.NewReader(`{"counterpart_id":"producer-2","message":"Salut"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(middleware.HeaderDevUserID, buyerID)
	req.Header.Set(middleware.HeaderSessionID, sessionID)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func multipartUpload(t *testing.T, contentType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="upload"`)
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.WriteField("caption", "Récolte du jour"))
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func TestAttachmentUpload(t *testing.T) {
	s := newTestServer(t)
	sessionID := s.session(buyerID, "buyer")
	id := s.create(sessionID, "Bonjour")

	body, contentType := multipartUpload(t, "image/png", []byte("\x89PNG fake"))
	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/"+id+"/attachments", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	code, env := s.request(req, buyerID, sessionID)
	require.Equal(t, http.StatusCreated, code, env.Error)

	var msg struct {
		Type          string `json:"type"`
		Content       string `json:"content"`
		AttachmentURL string `json:"attachment_url"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, "image", msg.Type)
	assert.Equal(t, "Récolte du jour", msg.Content)
	assert.Contains(t, msg.AttachmentURL, id)

	body, contentType = multipartUpload(t, "application/x-sh", []byte("#!/bin/sh"))
	req = httptest.NewRequest(http.MethodPost, "/v1/conversations/"+id+"/attachments", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	code, _ = s.request(req, buyerID, sessionID)
	assert.Equal(t, http.StatusBadRequest, code)
}

func readUntil(t *testing.T, conn *gorillaws.Conn, messageType string, match func(data map[string]interface{}) bool) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for time.Now().Before(deadline) {
		var frame map[string]interface{}
		require.NoError(t, conn.ReadJSON(&frame))
		if frame["type"] != messageType {
			continue
		}
		data, _ := frame["data"].(map[string]interface{})
		if match == nil || match(data) {
			return frame
		}
	}
	t.Fatalf("no %s frame before deadline", messageType)
	return nil
}

func TestWebSocketDeliversEngineEvents(t *testing.T) {
	s := newTestServer(t)
	server := httptest.NewServer(s.echo)
	t.Cleanup(server.Close)

	producerSession := s.session(producerID, "producer")
	buyerSession := s.session(buyerID, "buyer")

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/ws?user_id=" + producerID + "&session_id=" + producerSession
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return s.ws.Connected(producerSession) }, waitFor, tick)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": websocket.MessageTypePing}))
	readUntil(t, conn, websocket.MessageTypePong, nil)

	id := s.create(buyerSession, "Bonjour")

	// the first snapshot may be the empty one from before the create
	frame := readUntil(t, conn, string(usecase.EventConversationsChanged), func(data map[string]interface{}) bool {
		return data["total_unread"] == float64(1)
	})
	conversations := frame["data"].(map[string]interface{})["conversations"].([]interface{})
	assert.Len(t, conversations, 1)

	// typing is a websocket command, checked against the session owner
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":            websocket.MessageTypeTyping,
		"conversation_id": id,
		"data":            websocket.TypingData{Typing: true},
	}))
	require.Eventually(t, func() bool {
		code, env := s.do(http.MethodGet, "/v1/conversations/"+id, buyerID, buyerSession, nil)
		if code != http.StatusOK {
			return false
		}
		var opened struct {
			OtherTyping bool `json:"other_typing"`
		}
		return json.Unmarshal(env.Data, &opened) == nil && opened.OtherTyping
	}, waitFor, tick)
}

func TestWebSocketRejectsForeignSession(t *testing.T) {
	s := newTestServer(t)
	server := httptest.NewServer(s.echo)
	t.Cleanup(server.Close)

	buyerSession := s.session(buyerID, "buyer")

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/ws?user_id=" + producerID + "&session_id=" + buyerSession
	_, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
