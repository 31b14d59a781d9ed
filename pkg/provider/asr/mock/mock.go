// Package mock provides test doubles for the asr.Provider and
// asr.SessionHandle interfaces.
//
// A mock Session collects the audio pushed into it and replays a scripted
// sequence of transcripts when Finalize is called, which matches how the
// orchestrator drives a real session: push chunks, finalize, wait for the
// final result.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/voxmirror/voxmirror/pkg/provider/asr"
)

// Compile-time interface checks.
var (
	_ asr.Provider      = (*Provider)(nil)
	_ asr.SessionHandle = (*Session)(nil)
)

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by StartStream.
	StartErr error

	// NewSession, if set, is called to build each session returned by
	// StartStream. When nil, StartStream returns a fresh empty Session.
	NewSession func() *Session

	// StartCalls records the StreamConfig of every StartStream invocation.
	StartCalls []asr.StreamConfig

	// Sessions records every session handed out, in order.
	Sessions []*Session
}

// StartStream implements asr.Provider.
func (p *Provider) StartStream(_ context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartCalls = append(p.StartCalls, cfg)
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	var sess *Session
	if p.NewSession != nil {
		sess = p.NewSession()
	} else {
		sess = &Session{}
	}
	p.Sessions = append(p.Sessions, sess)
	return sess, nil
}

// Session is a mock implementation of asr.SessionHandle.
// Zero value is ready to use; Finalize then emits nothing, which is handy for
// driving recognition-timeout paths.
type Session struct {
	mu sync.Mutex

	// Script is the sequence of transcripts emitted on the Results channel
	// each time Finalize is called.
	Script []asr.Transcript

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// FinalizeErr, if non-nil, is returned by Finalize (nothing is emitted).
	FinalizeErr error

	// Audio accumulates every chunk passed to SendAudio.
	Audio [][]byte

	// FinalizeCalls counts Finalize invocations.
	FinalizeCalls int

	results chan asr.Transcript
	closed  bool
}

func (s *Session) channel() chan asr.Transcript {
	if s.results == nil {
		s.results = make(chan asr.Transcript, 64)
	}
	return s.results
}

// SendAudio implements asr.SessionHandle.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	s.Audio = append(s.Audio, buf)
	return nil
}

// Finalize implements asr.SessionHandle. It replays Script onto the Results
// channel.
func (s *Session) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.FinalizeCalls++
	if s.FinalizeErr != nil {
		return s.FinalizeErr
	}
	ch := s.channel()
	for _, t := range s.Script {
		ch <- t
	}
	return nil
}

// Results implements asr.SessionHandle.
func (s *Session) Results() <-chan asr.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel()
}

// Close implements asr.SessionHandle. Safe to call multiple times.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.channel())
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var errClosed = errors.New("asr mock: session is closed")
