// Package remote provides a tts.Provider backed by a WebSocket synthesis
// service. Text fragments go upstream as JSON frames; audio comes back as
// JSON frames carrying base64-encoded chunks, so playback starts while later
// sentences are still being written.
package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/coder/websocket"

	"github.com/voxmirror/voxmirror/pkg/provider/tts"
)

const (
	defaultModel     = "flash-v2"
	defaultOutputFmt = "pcm_16000"
)

// Compile-time interface check.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the synthesis model requested from the service.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "mp3_44100").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// Provider implements tts.Provider over a WebSocket synthesis endpoint.
type Provider struct {
	endpoint     string
	apiKey       string
	model        string
	outputFormat string
}

// New creates a new remote synthesis Provider. endpoint is the WebSocket URL
// of the synthesis service; apiKey must be non-empty.
func New(endpoint, apiKey string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("tts: endpoint must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("tts: apiKey must not be empty")
	}
	p := &Provider{
		endpoint:     endpoint,
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ─── WebSocket message types ───

// startMessage is the handshake sent before any text, configuring the stream.
type startMessage struct {
	Type         string `json:"type"` // "Start"
	APIKey       string `json:"api_key"`
	VoiceID      string `json:"voice_id"`
	Model        string `json:"model"`
	OutputFormat string `json:"output_format"`
}

// textMessage carries one text fragment to synthesise. An empty Text flushes
// the stream and ends synthesis.
type textMessage struct {
	Type string `json:"type"` // "Text"
	Text string `json:"text"`
}

// audioMessage is the JSON frame received from the service.
type audioMessage struct {
	Type    string `json:"type"` // "Audio", "Done", "Error"
	Audio   string `json:"audio,omitempty"` // base64-encoded
	Message string `json:"message,omitempty"`
}

// SynthesizeStream opens a WebSocket to the synthesis service, pipes text
// fragments from the text channel, and returns a channel emitting audio
// chunks.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan tts.AudioChunk, error) {
	if voice.ID == "" {
		return nil, errors.New("tts: voice.ID must not be empty")
	}

	wsURL, err := p.buildURL(voice)
	if err != nil {
		return nil, fmt.Errorf("tts: build URL: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("tts: dial: %w", err)
	}

	start := startMessage{
		Type:         "Start",
		APIKey:       p.apiKey,
		VoiceID:      voice.ID,
		Model:        p.model,
		OutputFormat: p.outputFormat,
	}
	startBytes, _ := json.Marshal(start)
	if err := conn.Write(ctx, websocket.MessageText, startBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send start")
		return nil, fmt.Errorf("tts: send start: %w", err)
	}

	audioCh := make(chan tts.AudioChunk, 256)

	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		// Reader goroutine: decode audio frames until Done, Error, or close.
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				_, msg, err := conn.Read(ctx)
				if err != nil {
					return
				}
				var resp audioMessage
				if err := json.Unmarshal(msg, &resp); err != nil {
					continue
				}
				switch resp.Type {
				case "Audio":
					pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
					if err != nil || len(pcm) == 0 {
						continue
					}
					select {
					case audioCh <- tts.AudioChunk{Data: pcm}:
					case <-ctx.Done():
						return
					}
				case "Done":
					return
				case "Error":
					select {
					case audioCh <- tts.AudioChunk{Err: fmt.Errorf("tts: synthesis failed: %s", resp.Message)}:
					case <-ctx.Done():
					}
					return
				}
			}
		}()

		// Write text fragments to the service.
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					// Text channel closed: flush and wait for remaining audio.
					flushBytes, _ := json.Marshal(textMessage{Type: "Text", Text: ""})
					_ = conn.Write(ctx, websocket.MessageText, flushBytes)
					<-readDone
					return
				}
				if fragment == "" {
					continue
				}
				msgBytes, _ := json.Marshal(textMessage{Type: "Text", Text: fragment})
				if err := conn.Write(ctx, websocket.MessageText, msgBytes); err != nil {
					<-readDone
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// buildURL constructs the synthesis endpoint URL for the given voice.
func (p *Provider) buildURL(voice tts.Voice) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("voice_id", voice.ID)
	q.Set("model", p.model)
	q.Set("output_format", p.outputFormat)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
