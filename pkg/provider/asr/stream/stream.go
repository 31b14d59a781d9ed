// Package stream provides an asr.Provider backed by a WebSocket speech
// recognition service. The wire contract is the common streaming-ASR shape:
// binary frames carry audio upstream, text frames carry JSON recognition
// results downstream, and a small JSON control message flushes the stream at
// the end of an utterance.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxmirror/voxmirror/pkg/provider/asr"
)

const (
	defaultSampleRate = 16000
	defaultLanguage   = "en-US"

	// handshakeTimeout bounds the WebSocket dial; the session itself lives on
	// the caller's context.
	handshakeTimeout = 10 * time.Second
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the recognition model requested from the service.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the provider-level default sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// Provider implements asr.Provider over a WebSocket recognition endpoint.
type Provider struct {
	endpoint   string
	apiKey     string
	model      string
	language   string
	sampleRate int
}

// New creates a new streaming ASR Provider. endpoint is the WebSocket URL of
// the recognition service; apiKey must be non-empty.
func New(endpoint, apiKey string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("asr: endpoint must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("asr: apiKey must not be empty")
	}
	p := &Provider{
		endpoint:   endpoint,
		apiKey:     apiKey,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("asr: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.apiKey)

	dialCtx, dialCancel := context.WithTimeout(ctx, handshakeTimeout)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("asr: dial: %w", err)
	}

	sess := &session{
		conn:    conn,
		results: make(chan asr.Transcript, 64),
		audio:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg asr.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	if p.model != "" {
		q.Set("model", p.model)
	}
	q.Set("language", lang)
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("interim_results", "true")
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if cfg.Encoding != "" {
		q.Set("encoding", cfg.Encoding)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ─── session ───

// recognitionResult is the JSON structure the service sends for each result.
type recognitionResult struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	Alternatives []struct {
		Transcript string  `json:"transcript"`
		Confidence float64 `json:"confidence"`
	} `json:"alternatives"`
}

// session is a live streaming recognition session. It implements
// asr.SessionHandle.
type session struct {
	conn    *websocket.Conn
	results chan asr.Transcript
	audio   chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues an audio chunk for delivery to the service.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("asr: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("asr: session is closed")
	}
}

// Finalize asks the service to flush buffered audio and commit a final result.
func (s *session) Finalize() error {
	select {
	case <-s.done:
		return errors.New("asr: session is closed")
	default:
	}
	if err := s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"Finalize"}`)); err != nil {
		return fmt.Errorf("asr: finalize: %w", err)
	}
	return nil
}

// Results returns the channel of recognition results.
func (s *session) Results() <-chan asr.Transcript { return s.results }

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Ask the service to flush pending audio before closing.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages upstream.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain the audio channel before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from the service and dispatches transcripts.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation.
			return
		}

		t, ok := parseResult(msg)
		if !ok {
			continue
		}

		select {
		case s.results <- t:
		case <-s.done:
		}
	}
}

// parseResult parses a raw service message into a Transcript. Returns
// (zero, false) for messages that should be ignored.
func parseResult(data []byte) (asr.Transcript, bool) {
	var resp recognitionResult
	if err := json.Unmarshal(data, &resp); err != nil {
		return asr.Transcript{}, false
	}
	if resp.Type != "Results" {
		return asr.Transcript{}, false
	}
	if len(resp.Alternatives) == 0 {
		return asr.Transcript{}, false
	}

	alt := resp.Alternatives[0]
	return asr.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
	}, true
}
