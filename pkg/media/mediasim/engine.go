// Package mediasim — симуляция медиа-транспортного коллаборатора.
//
// Вместо реального ICE/DTLS/SRTP сессии обмениваются настоящими SDP-телами,
// сгенерированными через pion/sdp. Используется тестами и loopback-симулятором:
// ядру тела непрозрачны, поэтому подмена слоя для него неразличима.
package mediasim

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/call_engine/pkg/callid"
	"github.com/arzzra/call_engine/pkg/media"
	"github.com/arzzra/call_engine/pkg/signaling"
)

// Engine фабрика симулированных peer-сессий.
type Engine struct {
	mu       sync.Mutex
	host     string
	basePort int
	sessions []*Session
}

// NewEngine создает фабрику. host попадает в origin/connection SDP.
func NewEngine(host string) *Engine {
	return &Engine{
		host:     host,
		basePort: 50000,
	}
}

// CreateSession реализует media.Factory.
func (e *Engine) CreateSession(callID callid.CallID, outgoing bool, mediaType signaling.MediaType) (media.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &Session{
		engine:    e,
		callID:    callID,
		outgoing:  outgoing,
		mediaType: mediaType,
		port:      e.basePort + len(e.sessions)*2,
	}
	e.sessions = append(e.sessions, s)
	return s, nil
}

// Sessions возвращает все созданные сессии (для проверок в тестах).
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Session(nil), e.sessions...)
}

// Session симулированная peer-сессия.
type Session struct {
	mu        sync.Mutex
	engine    *Engine
	callID    callid.CallID
	outgoing  bool
	mediaType signaling.MediaType
	port      int

	remoteDescription []byte
	candidates        [][]byte
	outgoingEnabled   bool
	closed            bool
}

// buildDescription собирает SDP сессии.
func (s *Session) buildDescription() (*sdp.SessionDescription, error) {
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(s.callID),
			SessionVersion: uint64(time.Now().Unix()),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: s.engine.host,
		},
		SessionName: "call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: s.engine.host},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
	}

	audio := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: s.port},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{"111"},
		},
		Attributes: []sdp.Attribute{
			sdp.NewPropertyAttribute("rtpmap:111 opus/48000/2"),
			sdp.NewPropertyAttribute("sendrecv"),
		},
	}
	desc.MediaDescriptions = append(desc.MediaDescriptions, audio)

	if s.mediaType == signaling.MediaTypeVideo {
		video := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   "video",
				Port:    sdp.RangedPort{Value: s.port + 1},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{"96"},
			},
			Attributes: []sdp.Attribute{
				sdp.NewPropertyAttribute("rtpmap:96 VP8/90000"),
				sdp.NewPropertyAttribute("sendrecv"),
			},
		}
		desc.MediaDescriptions = append(desc.MediaDescriptions, video)
	}

	return desc, nil
}

// CreateOffer реализует media.Session.
func (s *Session) CreateOffer() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("сессия %s закрыта", s.callID)
	}

	desc, err := s.buildDescription()
	if err != nil {
		return nil, err
	}
	return desc.Marshal()
}

// CreateAnswer парсит offer удаленной стороны и строит answer.
func (s *Session) CreateAnswer(remoteOffer []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("сессия %s закрыта", s.callID)
	}

	var remote sdp.SessionDescription
	if err := remote.Unmarshal(remoteOffer); err != nil {
		return nil, fmt.Errorf("разбор offer: %w", err)
	}
	s.remoteDescription = remoteOffer

	desc, err := s.buildDescription()
	if err != nil {
		return nil, err
	}
	return desc.Marshal()
}

// SetRemoteAnswer применяет answer удаленной стороны.
func (s *Session) SetRemoteAnswer(remoteAnswer []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("сессия %s закрыта", s.callID)
	}

	var remote sdp.SessionDescription
	if err := remote.Unmarshal(remoteAnswer); err != nil {
		return fmt.Errorf("разбор answer: %w", err)
	}
	s.remoteDescription = remoteAnswer
	return nil
}

// AddRemoteCandidates накапливает кандидатов удаленной стороны.
func (s *Session) AddRemoteCandidates(candidates [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("сессия %s закрыта", s.callID)
	}
	s.candidates = append(s.candidates, candidates...)
	return nil
}

// SetOutgoingMediaEnabled переключает локальные треки.
func (s *Session) SetOutgoingMediaEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outgoingEnabled = enabled
	return nil
}

// Close освобождает сессию; повторный вызов — no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed true после Close (для тестов).
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// OutgoingEnabled текущее состояние локальных треков (для тестов).
func (s *Session) OutgoingEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outgoingEnabled
}

// RemoteCandidateCount количество примененных кандидатов (для тестов).
func (s *Session) RemoteCandidateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candidates)
}
