package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/avatartalk/pkg/avatar"
	"github.com/harunnryd/avatartalk/pkg/transcript"
)

func TestTranscriptSourcePlaysScript(t *testing.T) {
	src := NewTranscriptSource(TranscriptConfig{Script: []string{"hello", "how are you"}, Interval: 5 * time.Millisecond})
	finals := make(chan string, 4)
	err := src.Start(context.Background(), transcript.Handlers{OnFinal: func(text string) { finals <- text }})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, want := range []string{"hello", "how are you"} {
		select {
		case got := <-finals:
			if got != want {
				t.Fatalf("expected %q, got %q", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
	_ = src.Stop(context.Background())
	if src.Running() || src.Stops() != 1 {
		t.Fatalf("expected stopped source")
	}
	if src.EmitFinal("ignored") {
		t.Fatalf("stopped source must not deliver")
	}
}

func TestTranscriptSourceMicUnavailable(t *testing.T) {
	src := NewTranscriptSource(TranscriptConfig{MicUnavailable: true})
	if err := src.Start(context.Background(), transcript.Handlers{}); !errors.Is(err, transcript.ErrMicrophoneUnavailable) {
		t.Fatalf("expected mic error, got %v", err)
	}
	if ok, _ := src.CheckMicrophone(context.Background()); ok {
		t.Fatalf("expected microphone check to fail")
	}
}

func TestChatChannelEchoes(t *testing.T) {
	ch := NewChatChannel(ChatConfig{Greeting: "hi"})
	if err := ch.SendMessage(context.Background(), "x"); err == nil {
		t.Fatalf("expected error before connect")
	}
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := ch.SendMessage(context.Background(), "ping"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if r := <-ch.Replies(); r.Text != "hi" {
		t.Fatalf("expected greeting, got %q", r.Text)
	}
	if r := <-ch.Replies(); r.Text != "You said: ping" || r.ID == "" {
		t.Fatalf("unexpected reply %+v", r)
	}
	_ = ch.Close()
	if _, ok := <-ch.Replies(); ok {
		t.Fatalf("expected closed reply stream")
	}
	ch.Push("after close")
}

func TestAvatarBackendWithSession(t *testing.T) {
	backend := NewAvatarBackend(AvatarConfig{FailNegotiations: 1})
	policy := avatar.WithRetryPolicy(fastRetry())
	s := avatar.NewSession(backend, nil, policy)
	if err := s.StartSession(context.Background(), "lisa", "casual-sitting"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.StopSession(context.Background())
	if backend.Negotiations() != 2 {
		t.Fatalf("expected one retry, got %d negotiations", backend.Negotiations())
	}
	if err := s.Speak(context.Background(), "Tom & Jerry", ""); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if got := backend.Media().Spoken(); len(got) != 1 || got[0] != "Tom & Jerry" {
		t.Fatalf("unexpected spoken text %v", got)
	}
}
