// Package backend implements C8: the HTTP+WebSocket client that talks to the
// conversation backend — session lifecycle (start/commit/rollback/close),
// transcription, synthesis, and the WebSocket channel carrying asynchronous
// reply events. Grounded on the plain net/http + bearer-auth idiom of
// original_source-adjacent pkg/providers/stt/groq.go and the
// coder/websocket + wsjson reconnect idiom of pkg/providers/tts/lokutor.go.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/arch7tect/sip-gateway/pkg/logging"
)

// wsReconnectDelay is how long ListenReplies waits before redialing after a
// dropped connection, per spec §4.8.
const wsReconnectDelay = 5 * time.Second

// Client is the shared HTTP/WS configuration for talking to one backend
// instance; Session is the per-call handle derived from it.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	logger     logging.Logger
}

// NewClient builds a Client against baseURL (e.g. "https://backend.example.com"),
// authenticating with authToken as a bearer token.
func NewClient(baseURL, authToken string, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// SessionRequest describes one conversation to open against the backend.
type SessionRequest struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	DisplayName    string `json:"display_name,omitempty"`
}

// Attachment is one extra file sent alongside a SessionRequest's "body" part
// when opening a session, per spec §4.8's "multipart {body:json,
// attachments…}" wire format.
type Attachment struct {
	FieldName   string
	Filename    string
	Content     []byte
}

// NewSession opens a backend session for one call (POST /session_v2) and
// returns a handle bound to it. The request is sent as multipart/form-data
// with a "body" part holding the JSON-encoded SessionRequest, plus one file
// part per attachment, matching client_bot_base.py::open_v2. The response is
// nested under "session" (e.g. {"session":{"session_id":"..."}}).
func (c *Client) NewSession(ctx context.Context, req SessionRequest, attachments ...Attachment) (*Session, error) {
	bodyJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("backend: new session: %w", err)
	}

	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)
	if err := writer.WriteField("body", string(bodyJSON)); err != nil {
		return nil, fmt.Errorf("backend: new session: %w", err)
	}
	for _, a := range attachments {
		part, err := writer.CreateFormFile(a.FieldName, a.Filename)
		if err != nil {
			return nil, fmt.Errorf("backend: new session: %w", err)
		}
		if _, err := part.Write(a.Content); err != nil {
			return nil, fmt.Errorf("backend: new session: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("backend: new session: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session_v2", buf)
	if err != nil {
		return nil, fmt.Errorf("backend: new session: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend: new session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("backend: new session: %w", newAPIError(resp.StatusCode, string(b)))
	}

	var decoded struct {
		Session struct {
			SessionID string `json:"session_id"`
		} `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("backend: new session: %w", err)
	}
	return &Session{client: c, id: decoded.Session.SessionID}, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return newAPIError(resp.StatusCode, string(b))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) authorize(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

func (c *Client) wsURL(path string) string {
	u := c.baseURL + path
	if strings.HasPrefix(u, "https://") {
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	return "ws://" + strings.TrimPrefix(u, "http://")
}

// Session is one call's backend handle: Synthesize/Transcribe/Start/Commit/
// Rollback/Close plus ListenReplies for the backend's asynchronous WebSocket
// reply channel. Commit returns this package's CommitResult, so cmd/gateway
// wraps a Session in a small adapter to use it as a dialog.BackendSession.
type Session struct {
	client *Client
	id     string

	mu   sync.Mutex
	conn *websocket.Conn
}

// ID returns the backend-assigned session identifier.
func (s *Session) ID() string { return s.id }

// Transcribe posts the raw WAV bytes to /transcribe with
// Content-Type: audio/wav, matching client_bot_base.py::transcribe_nd's
// `data=audio, headers={'Content-Type': content_type}` (backend-mode STT,
// per spec §6 — no multipart, no session_id/language fields). lang is
// ignored: the backend determines language from the session it already
// holds. Local-mode STT (config.UseLocalSTT) instead goes through
// LocalSTTClient.Transcribe, which does use multipart + an explicit lang.
func (s *Session) Transcribe(ctx context.Context, wav []byte, lang string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.client.baseURL+"/transcribe", bytes.NewReader(wav))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "audio/wav")
	s.client.authorize(req)

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", newAPIError(resp.StatusCode, string(b))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Text, nil
}

// Synthesize posts text to /session/{id}/synthesize and returns the raw
// audio blob the backend responds with.
func (s *Session) Synthesize(ctx context.Context, text string) ([]byte, error) {
	reqBody, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/session/%s/synthesize", s.client.baseURL, url.PathEscape(s.id)),
		bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	s.client.authorize(req)

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, newAPIError(resp.StatusCode, string(b))
	}
	return io.ReadAll(resp.Body)
}

// Start posts the speculative/final transcript to /session/{id}/start, which
// kicks off backend inference without yet committing to a reply.
func (s *Session) Start(ctx context.Context, text string) error {
	return s.client.doJSON(ctx, http.MethodPost, fmt.Sprintf("/session/%s/start", url.PathEscape(s.id)),
		map[string]string{"text": text}, nil)
}

// Commit posts to /session/{id}/commit, committing to the in-flight
// inference (or starting fresh if none is in flight) and returning the
// reply text plus whether the backend considers the conversation over.
func (s *Session) Commit(ctx context.Context) (CommitResult, error) {
	var resp struct {
		Response    string `json:"response"`
		SessionEnds bool   `json:"session_ends"`
	}
	if err := s.client.doJSON(ctx, http.MethodPost, fmt.Sprintf("/session/%s/commit", url.PathEscape(s.id)), nil, &resp); err != nil {
		return CommitResult{}, err
	}
	return CommitResult{Response: resp.Response, SessionEnds: resp.SessionEnds}, nil
}

// CommitResult mirrors dialog.CommitResult; kept as a distinct type so this
// package has no import-time dependency on pkg/dialog. cmd/gateway adapts
// between the two when wiring a Session in as a dialog.BackendSession.
type CommitResult struct {
	Response    string
	SessionEnds bool
}

// Rollback posts to /session/{id}/rollback, discarding whatever the last
// Start call kicked off.
func (s *Session) Rollback(ctx context.Context) error {
	return s.client.doJSON(ctx, http.MethodPost, fmt.Sprintf("/session/%s/rollback", url.PathEscape(s.id)), nil, nil)
}

// Close notifies the backend the call ended with status (DELETE /session/{id}),
// and tears down the reply WebSocket if one is open.
func (s *Session) Close(ctx context.Context, status string) error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}

	path := fmt.Sprintf("/session/%s", url.PathEscape(s.id))
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	return s.client.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// ListenReplies dials the backend's reply WebSocket and invokes onMessage
// for every JSON object received, reconnecting with a fixed backoff until
// ctx is cancelled. Intended to run in its own goroutine for the lifetime of
// the call.
func (s *Session) ListenReplies(ctx context.Context, onMessage func(map[string]any)) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.listenOnce(ctx, onMessage); err != nil {
			s.client.logger.Warn("reply websocket disconnected", "error", err, "session_id", s.id)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wsReconnectDelay):
		}
	}
}

func (s *Session) listenOnce(ctx context.Context, onMessage func(map[string]any)) error {
	u := s.client.wsURL(fmt.Sprintf("/ws/%s", url.PathEscape(s.id)))
	header := http.Header{}
	if s.client.authToken != "" {
		header.Set("Authorization", "Bearer "+s.client.authToken)
	}
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	for {
		var msg map[string]any
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		onMessage(msg)
	}
}
