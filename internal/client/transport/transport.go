// Package transport is the client side of the Fluentia server API: the
// duplex speech socket, batch transcription, the lesson-turn event stream
// and the evaluation lookup.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/fluentia/pkg/protocol"
)

// ErrRejected is returned by [Client.OpenSpeech] when the server refuses the
// session with an error or canceled event.
var ErrRejected = errors.New("transport: speech session rejected")

// ErrEvaluationNotFound is returned by [Client.Evaluation] when the learner
// has no evaluation yet.
var ErrEvaluationNotFound = errors.New("transport: no evaluation")

// Client talks to one Fluentia server.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	provider   string
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithBatchProvider selects the batch transcription engine. Empty uses the
// server default.
func WithBatchProvider(name string) Option {
	return func(cl *Client) { cl.provider = name }
}

// New creates a Client for the server at baseURL (http or https).
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("transport: server url %q must use http or https", baseURL)
	}
	c := &Client{base: u, httpClient: http.DefaultClient}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

// OpenSpeech dials the speech socket and waits until the server reports the
// session as started. A refusal is returned as [ErrRejected].
func (c *Client) OpenSpeech(ctx context.Context, sampleRate int, language string) (*SpeechStream, error) {
	q := url.Values{}
	q.Set("sampleRate", strconv.Itoa(sampleRate))
	if language != "" {
		q.Set("language", language)
	}
	target := c.endpoint("/ws/speech", q)
	target = "ws" + strings.TrimPrefix(target, "http")

	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPClient: c.httpClient})
	if err != nil {
		return nil, fmt.Errorf("transport: dial speech socket: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	first, err := readEvent(ctx, conn)
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("transport: await session start: %w", err)
	}
	switch first.Event {
	case protocol.EventStarted:
	case protocol.EventError:
		conn.CloseNow()
		return nil, fmt.Errorf("%w: %s", ErrRejected, first.Message)
	case protocol.EventCanceled:
		conn.CloseNow()
		return nil, fmt.Errorf("%w: %s: %s", ErrRejected, first.Reason, first.Error)
	default:
		conn.CloseNow()
		return nil, fmt.Errorf("transport: unexpected first event %q", first.Event)
	}

	s := &SpeechStream{
		conn:   conn,
		events: make(chan protocol.SpeechEvent, 64),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func readEvent(ctx context.Context, conn *websocket.Conn) (protocol.SpeechEvent, error) {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return protocol.SpeechEvent{}, err
	}
	if typ != websocket.MessageText {
		return protocol.SpeechEvent{}, errors.New("binary message from server")
	}
	return protocol.DecodeSpeechEvent(data)
}

// SpeechStream is an open duplex speech session.
type SpeechStream struct {
	conn    *websocket.Conn
	events  chan protocol.SpeechEvent
	done    chan struct{}
	writeMu sync.Mutex

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// SendAudio writes one binary frame of s16le mono PCM.
func (s *SpeechStream) SendAudio(ctx context.Context, pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return fmt.Errorf("transport: send audio: %w", err)
	}
	return nil
}

// Configure sends a config control message.
func (s *SpeechStream) Configure(ctx context.Context, sampleRate int, language string) error {
	msg := protocol.ControlConfig{Type: protocol.ControlTypeConfig}
	if sampleRate > 0 {
		msg.SampleRate = &sampleRate
	}
	if language != "" {
		msg.LanguageCode = &language
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: encode control: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("transport: send control: %w", err)
	}
	return nil
}

// Events returns the downstream events. The channel is closed after a
// terminal event or when the socket closes.
func (s *SpeechStream) Events() <-chan protocol.SpeechEvent { return s.events }

// Err returns the transport failure that closed Events, or nil if the
// session ended normally or was closed by the client. Only meaningful after
// Events is closed.
func (s *SpeechStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close closes the socket with a normal closure. It is safe to call more
// than once.
func (s *SpeechStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	err := s.conn.Close(websocket.StatusNormalClosure, "client stop")
	if err != nil && !isClosed(err) {
		return fmt.Errorf("transport: close speech socket: %w", err)
	}
	return nil
}

func (s *SpeechStream) readLoop() {
	defer close(s.events)
	for {
		ev, err := readEvent(context.Background(), s.conn)
		if err != nil {
			select {
			case <-s.done:
			default:
				if !isClosed(err) {
					s.setErr(err)
				}
			}
			return
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
		if ev.Terminal() {
			return
		}
	}
}

func (s *SpeechStream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = fmt.Errorf("transport: speech socket: %w", err)
	}
}

func isClosed(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

// Transcribe uploads one recording and returns the transcript. A response
// carrying an error is returned as an error together with any partial text.
func (c *Client) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	q := url.Values{}
	q.Set("sampleRate", strconv.Itoa(sampleRate))
	if c.provider != "" {
		q.Set("provider", c.provider)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/transcribe", q), bytes.NewReader(pcm))
	if err != nil {
		return "", fmt.Errorf("transport: build transcribe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transport: transcribe: %w", err)
	}
	defer resp.Body.Close()

	var body protocol.TranscribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("transport: transcribe: decode response (status %d): %w", resp.StatusCode, err)
	}
	if body.Error != "" {
		return body.Text, fmt.Errorf("transport: transcribe: %s", body.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return body.Text, fmt.Errorf("transport: transcribe: status %d", resp.StatusCode)
	}
	return body.Text, nil
}

// SubmitTurn posts a lesson turn and returns its event stream.
func (c *Client) SubmitTurn(ctx context.Context, turn protocol.TurnRequest) (*TurnStream, error) {
	data, err := json.Marshal(turn)
	if err != nil {
		return nil, fmt.Errorf("transport: encode turn: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/chat", nil), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("transport: build turn request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: submit turn: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("transport: submit turn: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return &TurnStream{body: resp.Body, scanner: protocol.NewSSEScanner(resp.Body)}, nil
}

// TurnStream reads the events of one lesson turn.
type TurnStream struct {
	body    io.ReadCloser
	scanner *protocol.SSEScanner
}

// Next returns the next event, or io.EOF when the server ended the stream.
func (t *TurnStream) Next() (protocol.TurnEvent, error) {
	if !t.scanner.Scan() {
		if err := t.scanner.Err(); err != nil {
			return protocol.TurnEvent{}, fmt.Errorf("transport: read turn stream: %w", err)
		}
		return protocol.TurnEvent{}, io.EOF
	}
	return protocol.DecodeTurnEvent(t.scanner.Data())
}

// Close releases the response body.
func (t *TurnStream) Close() error {
	return t.body.Close()
}

// Evaluation fetches the latest evaluation of userID.
func (c *Client) Evaluation(ctx context.Context, userID string) (protocol.Evaluation, error) {
	q := url.Values{}
	q.Set("userId", userID)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/evaluation", q), nil)
	if err != nil {
		return protocol.Evaluation{}, fmt.Errorf("transport: build evaluation request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return protocol.Evaluation{}, fmt.Errorf("transport: evaluation: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return protocol.Evaluation{}, ErrEvaluationNotFound
	default:
		return protocol.Evaluation{}, fmt.Errorf("transport: evaluation: status %d", resp.StatusCode)
	}
	var ev protocol.Evaluation
	if err := json.NewDecoder(resp.Body).Decode(&ev); err != nil {
		return protocol.Evaluation{}, fmt.Errorf("transport: evaluation: decode: %w", err)
	}
	return ev, nil
}
