// Package deepgram provides a Deepgram-backed STT provider. Streaming
// sessions use the Deepgram live WebSocket API; batch recognition uses the
// pre-recorded REST API. It implements stt.Provider and stt.Transcriber.
//
// When a session names more than one language, Deepgram's multilingual
// code-switching model is used and the detected language of each final
// result is reported.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/fluentia/pkg/audio"
	"github.com/MrWong99/fluentia/pkg/provider/stt"
)

const (
	defaultBaseURL    = "https://api.deepgram.com"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// closeGrace bounds how long Close waits for Deepgram to flush final
	// results after CloseStream.
	closeGrace = 5 * time.Second
)

var (
	_ stt.Provider    = (*Provider)(nil)
	_ stt.Transcriber = (*Provider)(nil)
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the fallback language used when a request names none.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithBaseURL overrides the API base URL (default https://api.deepgram.com).
// The live endpoint uses the matching ws/wss scheme.
func WithBaseURL(base string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(base, "/")
	}
}

// WithHTTPClient overrides the client used for batch requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider and stt.Transcriber backed by Deepgram.
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	language   string
	sampleRate int
	httpClient *http.Client
}

// New creates a new Deepgram Provider. An empty apiKey yields a provider
// that reports itself as not configured.
func New(apiKey string, opts ...Option) (*Provider, error) {
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	if _, err := url.Parse(p.baseURL); err != nil {
		return nil, fmt.Errorf("deepgram: invalid base URL: %w", err)
	}
	return p, nil
}

// Name implements stt.Provider and stt.Transcriber.
func (p *Provider) Name() string { return "deepgram" }

// IsConfigured reports whether an API key is set.
func (p *Provider) IsConfigured() bool { return p.apiKey != "" }

// StartStream opens a streaming transcription session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if !p.IsConfigured() {
		return nil, stt.ErrNotConfigured
	}
	wsURL, err := p.buildURL(true, cfg.SampleRate, cfg.Channels, cfg.Languages())
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: p.authHeader(),
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		conn:      conn,
		languages: cfg.Languages(),
		partials:  make(chan stt.Transcript, 64),
		finals:    make(chan stt.Transcript, 64),
		audio:     make(chan []byte, 256),
		done:      make(chan struct{}),
		readDone:  make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// Transcribe implements stt.Transcriber using the pre-recorded API. The PCM
// is wrapped in a WAV container so Deepgram can detect the format.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, opts stt.TranscribeOptions) (stt.Result, error) {
	if !p.IsConfigured() {
		return stt.Result{}, stt.ErrNotConfigured
	}
	sr := opts.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}
	langs := opts.Languages()
	endpoint, err := p.buildURL(false, 0, 0, langs)
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: build URL: %w", err)
	}

	wav := audio.EncodeWAV(pcm, sr, max(opts.Channels, 1))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(wav))
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: create request: %w", err)
	}
	req.Header = p.authHeader()
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return stt.Result{}, fmt.Errorf("deepgram: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return parsePrerecordedResponse(body, langs)
}

func (p *Provider) authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Token "+p.apiKey)
	return h
}

// buildURL constructs the Deepgram listen endpoint. Live URLs carry the raw
// PCM encoding; pre-recorded requests send a WAV container instead.
func (p *Provider) buildURL(live bool, sampleRate, channels int, langs []string) (string, error) {
	u, err := url.Parse(p.baseURL + "/v1/listen")
	if err != nil {
		return "", err
	}
	if live {
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		case "http":
			u.Scheme = "ws"
		}
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")

	switch len(langs) {
	case 0:
		q.Set("language", stt.BaseLanguage(p.language))
	case 1:
		q.Set("language", stt.BaseLanguage(langs[0]))
	default:
		if live {
			q.Set("language", "multi")
		} else {
			q.Set("detect_language", "true")
		}
	}

	if live {
		sr := sampleRate
		if sr <= 0 {
			sr = p.sampleRate
		}
		q.Set("encoding", "linear16")
		q.Set("sample_rate", strconv.Itoa(sr))
		q.Set("interim_results", "true")
		if channels > 0 {
			q.Set("channels", strconv.Itoa(channels))
		}
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// liveResponse is the JSON structure returned by Deepgram for a Results event.
type liveResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string   `json:"transcript"`
			Confidence float64  `json:"confidence"`
			Languages  []string `json:"languages"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn      *websocket.Conn
	languages []string
	partials  chan stt.Transcript
	finals    chan stt.Transcript
	audio     chan []byte

	done     chan struct{}
	readDone chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: session is closed")
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Err returns the error that ended the session, if any.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close asks Deepgram to flush pending results, waits briefly for them, then
// closes the connection.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		select {
		case <-s.readDone:
		case <-time.After(closeGrace):
		}
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

// writeLoop forwards queued audio as binary messages. On Close it drains the
// queue and sends CloseStream so Deepgram flushes its final results.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.readDone:
			return
		case <-s.done:
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches them to the
// partials and finals channels.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.readDone)
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
					s.errMu.Lock()
					s.err = fmt.Errorf("deepgram: read: %w", err)
					s.errMu.Unlock()
				}
			}
			return
		}

		t, ok := parseLiveResponse(msg, s.languages)
		if !ok {
			continue
		}

		out := s.partials
		if t.IsFinal {
			out = s.finals
		}
		select {
		case out <- t:
		case <-ctx.Done():
			return
		}
	}
}

// parseLiveResponse parses a raw Deepgram WebSocket message into a Transcript.
// Returns (Transcript, true) on success, or (zero, false) if the message should be ignored.
// Empty interim results are dropped; empty finals are kept so the caller can
// report that no speech was recognised.
func parseLiveResponse(data []byte, langs []string) (stt.Transcript, bool) {
	var resp liveResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Transcript{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}

	alt := resp.Channel.Alternatives[0]
	if !resp.IsFinal && alt.Transcript == "" {
		return stt.Transcript{}, false
	}

	t := stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Timestamp:  seconds(resp.Start),
		Duration:   seconds(resp.Duration),
	}
	if resp.IsFinal && alt.Transcript != "" {
		switch {
		case len(alt.Languages) > 0:
			t.Language = stt.MatchLanguage(alt.Languages[0], langs)
		case len(langs) > 0:
			t.Language = langs[0]
		}
	}
	return t, true
}

// prerecordedResponse is the subset of the pre-recorded API response we use.
type prerecordedResponse struct {
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func parsePrerecordedResponse(data []byte, langs []string) (stt.Result, error) {
	var resp prerecordedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: parse response: %w", err)
	}
	if len(resp.Results.Channels) == 0 || len(resp.Results.Channels[0].Alternatives) == 0 {
		return stt.Result{}, nil
	}
	ch := resp.Results.Channels[0]
	res := stt.Result{Text: strings.TrimSpace(ch.Alternatives[0].Transcript)}
	switch {
	case ch.DetectedLanguage != "":
		res.Language = stt.MatchLanguage(ch.DetectedLanguage, langs)
	case len(langs) > 0:
		res.Language = langs[0]
	}
	return res, nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
