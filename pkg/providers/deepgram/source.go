// Package deepgram implements transcript.Source on Deepgram live
// transcription.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/avatartalk/pkg/errorsx"
	"github.com/harunnryd/avatartalk/pkg/logging"
	"github.com/harunnryd/avatartalk/pkg/redact"
	"github.com/harunnryd/avatartalk/pkg/transcript"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	Interim        bool   `mapstructure:"interim"`
	VADEvents      bool   `mapstructure:"vad_events"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	// AudioPath is a raw PCM file or FIFO fed by the capture device.
	AudioPath string `mapstructure:"audio_path"`
	// Realtime paces file input at the configured sample rate.
	Realtime bool `mapstructure:"realtime"`
}

// liveClient is the part of the Deepgram websocket client this source drives.
type liveClient interface {
	Connect() bool
	Stream(r io.Reader) error
	Stop()
}

type dialFunc func(ctx context.Context, apiKey string, copts *interfaces.ClientOptions, topts *interfaces.LiveTranscriptionOptions, cb msginterfaces.LiveMessageCallback) (liveClient, error)

type openFunc func(ctx context.Context) (io.ReadCloser, error)

// Source streams microphone audio to Deepgram and reports transcripts.
type Source struct {
	cfg    Config
	logger *slog.Logger
	dial   dialFunc
	open   openFunc

	mu       sync.Mutex
	running  bool
	gen      uint64
	handlers transcript.Handlers
	dg       liveClient
	audio    io.ReadCloser
	read     *countingReader
	cancel   context.CancelFunc
	// offset is how far into a regular AudioPath earlier streams got.
	offset int64
}

func New(cfg Config) *Source {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	s := &Source{
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_transcript"),
		dial:   dialDeepgram,
	}
	s.open = s.openFile
	return s
}

func dialDeepgram(ctx context.Context, apiKey string, copts *interfaces.ClientOptions, topts *interfaces.LiveTranscriptionOptions, cb msginterfaces.LiveMessageCallback) (liveClient, error) {
	return client.NewWSUsingCallback(ctx, apiKey, copts, topts, cb)
}

func (s *Source) Name() string { return "deepgram" }

// CheckMicrophone reports whether the configured audio input exists.
func (s *Source) CheckMicrophone(ctx context.Context) (bool, error) {
	if strings.TrimSpace(s.cfg.AudioPath) == "" {
		return false, nil
	}
	if _, err := os.Stat(s.cfg.AudioPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Source) Start(ctx context.Context, h transcript.Handlers) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	audio, err := s.open(ctx)
	if err != nil {
		s.logger.Error("audio_input_open_failed",
			slog.String("path", s.cfg.AudioPath),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", transcript.ErrMicrophoneUnavailable, err)
	}

	topts := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		InterimResults: s.cfg.Interim,
		VadEvents:      s.cfg.VADEvents,
		SmartFormat:    true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		topts.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.UtteranceEndMS)
	}

	s.gen++
	streamCtx, cancel := context.WithCancel(context.Background())
	cb := &callback{parent: s, gen: s.gen}
	dg, err := s.dial(streamCtx, s.cfg.APIKey, &interfaces.ClientOptions{EnableKeepAlive: true}, topts, cb)
	if err != nil {
		cancel()
		_ = audio.Close()
		s.logger.Error("deepgram_client_create_error", slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonTranscriptStart)
	}
	if !dg.Connect() {
		cancel()
		_ = audio.Close()
		s.logger.Error("deepgram_connect_failed", slog.String("model", s.cfg.Model))
		return errorsx.Wrap(errors.New("deepgram connection failed"), errorsx.ReasonTranscriptStart)
	}

	s.running = true
	s.handlers = h
	s.dg = dg
	s.audio = audio
	s.read = &countingReader{r: audio}
	s.cancel = cancel

	var input io.Reader = s.read
	if s.cfg.Realtime {
		input = newPacedReader(streamCtx, s.read, s.bytesPerSecond())
	}
	gen := s.gen
	go func() {
		if err := dg.Stream(input); err != nil && streamCtx.Err() == nil {
			s.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
			s.deliverError(gen, errorsx.Wrap(err, errorsx.ReasonTranscriptError))
		}
	}()

	s.logger.Info("deepgram_connected",
		slog.String("model", s.cfg.Model),
		slog.String("language", s.cfg.Language),
		slog.Int("sample_rate", s.cfg.SampleRate))
	return nil
}

func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	s.gen++
	if s.cancel != nil {
		s.cancel()
	}
	if s.audio != nil {
		_ = s.audio.Close()
	}
	if s.read != nil {
		s.offset += s.read.n.Load()
	}
	if s.dg != nil {
		s.dg.Stop()
	}
	s.dg, s.audio, s.read, s.cancel = nil, nil, nil, nil
	s.logger.Info("deepgram_stopped")
	return nil
}

func (s *Source) openFile(ctx context.Context) (io.ReadCloser, error) {
	if strings.TrimSpace(s.cfg.AudioPath) == "" {
		return nil, errors.New("no audio_path configured")
	}
	f, err := os.Open(s.cfg.AudioPath)
	if err != nil {
		return nil, err
	}
	// A FIFO resumes wherever the writer is; a file resumes where the last stream stopped.
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() || s.offset == 0 {
		return f, nil
	}
	if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("resume audio at %d: %w", s.offset, err)
	}
	s.logger.Debug("audio_input_resumed", slog.Int64("offset", s.offset))
	return f, nil
}

// countingReader tracks bytes handed to the stream.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.n.Add(int64(n))
	return n, err
}

func (s *Source) bytesPerSecond() int {
	bytesPerSample := 2
	switch strings.ToLower(s.cfg.Encoding) {
	case "mulaw", "alaw":
		bytesPerSample = 1
	}
	return s.cfg.SampleRate * bytesPerSample
}

// current returns the handlers when gen is still the live stream.
func (s *Source) current(gen uint64) (transcript.Handlers, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers, s.running && s.gen == gen
}

func (s *Source) deliverError(gen uint64, err error) {
	if h, ok := s.current(gen); ok {
		h.Error(err)
	}
}

// pacedReader releases audio no faster than real time.
type pacedReader struct {
	ctx    context.Context
	r      io.Reader
	rate   int
	start  time.Time
	nbytes int64
}

func newPacedReader(ctx context.Context, r io.Reader, bytesPerSecond int) *pacedReader {
	return &pacedReader{ctx: ctx, r: r, rate: bytesPerSecond}
}

func (p *pacedReader) Read(b []byte) (int, error) {
	if p.start.IsZero() {
		p.start = time.Now()
	}
	if max := p.rate / 10; max > 0 && len(b) > max {
		b = b[:max]
	}
	n, err := p.r.Read(b)
	p.nbytes += int64(n)
	if p.rate > 0 {
		due := p.start.Add(time.Duration(p.nbytes) * time.Second / time.Duration(p.rate))
		if wait := time.Until(due); wait > 0 {
			select {
			case <-time.After(wait):
			case <-p.ctx.Done():
				return n, p.ctx.Err()
			}
		}
	}
	return n, err
}

type callback struct {
	parent *Source
	gen    uint64
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	text := strings.TrimSpace(mr.Channel.Alternatives[0].Transcript)
	if text == "" {
		return nil
	}
	h, ok := c.parent.current(c.gen)
	if !ok {
		return nil
	}
	isFinal := mr.IsFinal || mr.SpeechFinal
	c.parent.logger.Debug("transcript_received",
		slog.String("transcript", redact.Snippet(text, 120)),
		slog.Bool("is_final", isFinal))
	if isFinal {
		h.Final(text)
	} else {
		h.Interim(text)
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech_started_event")
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event", slog.Int("utterance_end_ms", c.parent.cfg.UtteranceEndMS))
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.parent.deliverError(c.gen, errorsx.Wrap(fmt.Errorf("deepgram %s: %s", er.ErrCode, er.ErrMsg), errorsx.ReasonTranscriptError))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.String("data", string(byData)))
	return nil
}

var (
	_ transcript.Source                 = (*Source)(nil)
	_ msginterfaces.LiveMessageCallback = (*callback)(nil)
)
