package webrtcavatar

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/harunnryd/avatartalk/pkg/avatar"
	"github.com/harunnryd/avatartalk/pkg/relay"
)

// peer is the media side of one avatar session.
type peer interface {
	// Offer returns the local SDP offer with ICE candidates gathered.
	Offer(ctx context.Context) (string, error)
	Accept(answer string) error
	OnState(fn func(avatar.ConnectionState))
	Close() error
}

type peerFactory func(creds relay.Credentials, video bool, logger *slog.Logger) (peer, error)

// iceServers maps relay credentials onto the pion configuration.
func iceServers(creds relay.Credentials) []webrtc.ICEServer {
	if creds.Empty() {
		return nil
	}
	server := webrtc.ICEServer{URLs: append([]string(nil), creds.URLs...)}
	if creds.Username != "" {
		server.Username = creds.Username
		server.Credential = creds.Credential
		server.CredentialType = webrtc.ICECredentialTypePassword
	}
	return []webrtc.ICEServer{server}
}

func mapState(s webrtc.PeerConnectionState) avatar.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return avatar.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return avatar.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return avatar.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return avatar.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return avatar.ConnectionClosed
	default:
		return avatar.ConnectionNew
	}
}

// pionPeer receives the avatar's audio and video tracks.
type pionPeer struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	mu      sync.Mutex
	onState func(avatar.ConnectionState)
	packets map[string]int
}

func newPionPeer(creds relay.Credentials, video bool, logger *slog.Logger) (peer, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(creds)})
	if err != nil {
		return nil, fmt.Errorf("webrtc: new peer connection: %w", err)
	}
	p := &pionPeer{pc: pc, logger: logger, packets: make(map[string]int)}

	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if video {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range kinds {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("webrtc: add %s transceiver: %w", kind, err)
		}
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Info("avatar_track_received",
			slog.String("kind", track.Kind().String()),
			slog.String("codec", track.Codec().MimeType))
		go p.drain(track)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.mu.Lock()
		fn := p.onState
		p.mu.Unlock()
		if fn != nil {
			fn(mapState(s))
		}
	})
	return p, nil
}

// drain reads a remote track until the peer connection closes it.
func (p *pionPeer) drain(track *webrtc.TrackRemote) {
	kind := track.Kind().String()
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			p.mu.Lock()
			n := p.packets[kind]
			p.mu.Unlock()
			p.logger.Debug("avatar_track_ended", slog.String("kind", kind), slog.Int("packets", n))
			return
		}
		p.mu.Lock()
		p.packets[kind]++
		p.mu.Unlock()
	}
}

func (p *pionPeer) Offer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("webrtc: create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return p.pc.LocalDescription().SDP, nil
}

func (p *pionPeer) Accept(answer string) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("webrtc: set remote description: %w", err)
	}
	return nil
}

func (p *pionPeer) OnState(fn func(avatar.ConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
