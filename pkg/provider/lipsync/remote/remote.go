// Package remote provides a lipsync.Provider backed by a WebSocket avatar
// animation service. Audio goes upstream as binary frames; video comes back
// as JSON frames carrying base64-encoded image or codec data.
package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/coder/websocket"

	"github.com/voxmirror/voxmirror/pkg/provider/lipsync"
)

const defaultFormat = lipsync.FormatJPEG

// Compile-time interface check.
var _ lipsync.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithFormat sets the default frame format requested from the service.
func WithFormat(format string) Option {
	return func(p *Provider) {
		p.format = format
	}
}

// Provider implements lipsync.Provider over a WebSocket animation endpoint.
type Provider struct {
	endpoint string
	apiKey   string
	format   string
}

// New creates a new remote lipsync Provider. endpoint is the WebSocket URL
// of the animation service; apiKey must be non-empty.
func New(endpoint, apiKey string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("lipsync: endpoint must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("lipsync: apiKey must not be empty")
	}
	p := &Provider{
		endpoint: endpoint,
		apiKey:   apiKey,
		format:   defaultFormat,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// frameMessage is the JSON frame received from the service.
type frameMessage struct {
	Type    string `json:"type"` // "Frame", "Done", "Error"
	Data    string `json:"data,omitempty"` // base64-encoded
	Format  string `json:"format,omitempty"`
	Message string `json:"message,omitempty"`
}

// GenerateStream opens a WebSocket to the animation service, pipes audio
// chunks upstream, and returns a channel emitting video frames.
func (p *Provider) GenerateStream(ctx context.Context, audio <-chan []byte, opts lipsync.StreamOptions) (<-chan lipsync.VideoFrame, error) {
	if opts.AvatarID == "" {
		return nil, errors.New("lipsync: opts.AvatarID must not be empty")
	}

	wsURL, err := p.buildURL(opts)
	if err != nil {
		return nil, fmt.Errorf("lipsync: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("lipsync: dial: %w", err)
	}

	frames := make(chan lipsync.VideoFrame, 256)

	go func() {
		defer close(frames)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		// Reader goroutine: decode frames until Done, Error, or close.
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				_, msg, err := conn.Read(ctx)
				if err != nil {
					return
				}
				var resp frameMessage
				if err := json.Unmarshal(msg, &resp); err != nil {
					continue
				}
				switch resp.Type {
				case "Frame":
					data, err := base64.StdEncoding.DecodeString(resp.Data)
					if err != nil || len(data) == 0 {
						continue
					}
					format := resp.Format
					if format == "" {
						format = p.format
					}
					select {
					case frames <- lipsync.VideoFrame{Data: data, Format: format}:
					case <-ctx.Done():
						return
					}
				case "Done":
					return
				case "Error":
					select {
					case frames <- lipsync.VideoFrame{Err: fmt.Errorf("lipsync: generation failed: %s", resp.Message)}:
					case <-ctx.Done():
					}
					return
				}
			}
		}()

		// Write audio chunks to the service.
		for {
			select {
			case chunk, ok := <-audio:
				if !ok {
					// Audio done: flush and wait for remaining frames.
					_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Flush"}`))
					<-readDone
					return
				}
				if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
					<-readDone
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return frames, nil
}

// buildURL constructs the animation endpoint URL for the given options.
func (p *Provider) buildURL(opts lipsync.StreamOptions) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	format := opts.Format
	if format == "" {
		format = p.format
	}
	q := u.Query()
	q.Set("avatar_id", opts.AvatarID)
	q.Set("format", format)
	if opts.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
