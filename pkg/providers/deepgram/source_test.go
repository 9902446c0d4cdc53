package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"

	"github.com/harunnryd/avatartalk/pkg/errorsx"
	"github.com/harunnryd/avatartalk/pkg/transcript"
)

type stubClient struct {
	mu        sync.Mutex
	connectOK bool
	streamed  chan struct{}
	stopped   int
}

func (c *stubClient) Connect() bool { return c.connectOK }

func (c *stubClient) Stream(r io.Reader) error {
	_, _ = io.Copy(io.Discard, r)
	close(c.streamed)
	return nil
}

func (c *stubClient) Stop() {
	c.mu.Lock()
	c.stopped++
	c.mu.Unlock()
}

type capture struct {
	mu       sync.Mutex
	interims []string
	finals   []string
	errs     []error
}

func (c *capture) handlers() transcript.Handlers {
	return transcript.Handlers{
		OnInterim: func(text string) { c.mu.Lock(); c.interims = append(c.interims, text); c.mu.Unlock() },
		OnFinal:   func(text string) { c.mu.Lock(); c.finals = append(c.finals, text); c.mu.Unlock() },
		OnError:   func(err error) { c.mu.Lock(); c.errs = append(c.errs, err); c.mu.Unlock() },
	}
}

func newTestSource(stub *stubClient) (*Source, *msginterfaces.LiveMessageCallback, *interfaces.LiveTranscriptionOptions) {
	s := New(Config{APIKey: "key", Language: "en-US", Interim: true, UtteranceEndMS: 1000})
	var cb msginterfaces.LiveMessageCallback
	var opts interfaces.LiveTranscriptionOptions
	s.dial = func(ctx context.Context, apiKey string, copts *interfaces.ClientOptions, topts *interfaces.LiveTranscriptionOptions, c msginterfaces.LiveMessageCallback) (liveClient, error) {
		cb = c
		opts = *topts
		return stub, nil
	}
	s.open = func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("pcm")), nil
	}
	return s, &cb, &opts
}

func message(t *testing.T, raw string) *msginterfaces.MessageResponse {
	t.Helper()
	var mr msginterfaces.MessageResponse
	if err := json.Unmarshal([]byte(raw), &mr); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return &mr
}

func TestSourceDeliversInterimAndFinal(t *testing.T) {
	stub := &stubClient{connectOK: true, streamed: make(chan struct{})}
	s, cb, opts := newTestSource(stub)
	got := &capture{}

	if err := s.Start(context.Background(), got.handlers()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-stub.streamed
	if opts.Model != "nova-2" || opts.UtteranceEndMs != "1000" || !opts.InterimResults {
		t.Fatalf("unexpected transcription options %+v", opts)
	}

	_ = (*cb).Message(message(t, `{"channel":{"alternatives":[{"transcript":"turn on"}]},"is_final":false}`))
	_ = (*cb).Message(message(t, `{"channel":{"alternatives":[{"transcript":"turn on the light"}]},"is_final":true}`))
	_ = (*cb).Message(message(t, `{"channel":{"alternatives":[{"transcript":"  "}]},"is_final":true}`))
	_ = (*cb).Error(&msginterfaces.ErrorResponse{ErrCode: "NET-0001", ErrMsg: "socket closed"})

	if len(got.interims) != 1 || got.interims[0] != "turn on" {
		t.Fatalf("unexpected interims %v", got.interims)
	}
	if len(got.finals) != 1 || got.finals[0] != "turn on the light" {
		t.Fatalf("unexpected finals %v", got.finals)
	}
	if len(got.errs) != 1 || !errorsx.HasReason(got.errs[0], errorsx.ReasonTranscriptError) {
		t.Fatalf("expected transcript error, got %v", got.errs)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	_ = (*cb).Message(message(t, `{"channel":{"alternatives":[{"transcript":"late"}]},"is_final":true}`))
	if len(got.finals) != 1 {
		t.Fatalf("callbacks after stop must be ignored")
	}
	if stub.stopped != 1 {
		t.Fatalf("expected client stop, got %d", stub.stopped)
	}
}

func TestSourceStartFailures(t *testing.T) {
	stub := &stubClient{connectOK: false, streamed: make(chan struct{})}
	s, _, _ := newTestSource(stub)
	err := s.Start(context.Background(), transcript.Handlers{})
	if !errorsx.HasReason(err, errorsx.ReasonTranscriptStart) {
		t.Fatalf("expected transcript_start reason, got %v", err)
	}

	s.open = func(ctx context.Context) (io.ReadCloser, error) { return nil, errors.New("no device") }
	err = s.Start(context.Background(), transcript.Handlers{})
	if !errors.Is(err, transcript.ErrMicrophoneUnavailable) {
		t.Fatalf("expected microphone error, got %v", err)
	}
}

// chunkClient forwards a fixed number of bytes per stream.
type chunkClient struct {
	size   int
	chunks chan string
}

func (c *chunkClient) Connect() bool { return true }

func (c *chunkClient) Stream(r io.Reader) error {
	buf := make([]byte, c.size)
	n, err := io.ReadFull(r, buf)
	c.chunks <- string(buf[:n])
	return err
}

func (c *chunkClient) Stop() {}

func TestSourceResumesFileAfterStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mic.pcm")
	if err := os.WriteFile(path, []byte("ABCDEFGHIJ"), 0o600); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	stub := &chunkClient{size: 3, chunks: make(chan string, 2)}
	s := New(Config{APIKey: "key", AudioPath: path})
	s.dial = func(ctx context.Context, apiKey string, copts *interfaces.ClientOptions, topts *interfaces.LiveTranscriptionOptions, c msginterfaces.LiveMessageCallback) (liveClient, error) {
		return stub, nil
	}

	var got []string
	for i := 0; i < 2; i++ {
		if err := s.Start(context.Background(), transcript.Handlers{}); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		got = append(got, <-stub.chunks)
		if err := s.Stop(context.Background()); err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
	}
	if got[0] != "ABC" || got[1] != "DEF" {
		t.Fatalf("expected audio to resume after stop, got %q", got)
	}
}

func TestCheckMicrophone(t *testing.T) {
	s := New(Config{})
	if ok, err := s.CheckMicrophone(context.Background()); ok || err != nil {
		t.Fatalf("expected unavailable without audio path, got %v %v", ok, err)
	}
	path := t.TempDir() + "/mic.pcm"
	s = New(Config{AudioPath: path})
	if ok, _ := s.CheckMicrophone(context.Background()); ok {
		t.Fatalf("expected missing file to be unavailable")
	}
}
