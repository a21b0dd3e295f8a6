package call

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/call_engine/pkg/callid"
	"github.com/arzzra/call_engine/pkg/logging"
	"github.com/arzzra/call_engine/pkg/signaling"
)

// fakeSession минимальная медиа-сессия для тестов машины состояний
type fakeSession struct {
	offerErr   error
	answerErr  error
	closed     int
	candidates int
}

func (f *fakeSession) CreateOffer() ([]byte, error) {
	if f.offerErr != nil {
		return nil, f.offerErr
	}
	return []byte("offer-sdp"), nil
}

func (f *fakeSession) CreateAnswer(remoteOffer []byte) ([]byte, error) {
	if f.answerErr != nil {
		return nil, f.answerErr
	}
	return []byte("answer-sdp"), nil
}

func (f *fakeSession) SetRemoteAnswer(remoteAnswer []byte) error { return nil }

func (f *fakeSession) AddRemoteCandidates(candidates [][]byte) error {
	f.candidates += len(candidates)
	return nil
}

func (f *fakeSession) SetOutgoingMediaEnabled(enabled bool) error { return nil }

func (f *fakeSession) Close() error {
	f.closed++
	return nil
}

type eventRecorder struct {
	events []Event
}

func (r *eventRecorder) sink() EventSink {
	return func(e Event) { r.events = append(r.events, e) }
}

func (r *eventRecorder) ofType(t EventType) []Event {
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newOutgoingForTest(t *testing.T, rec *eventRecorder, session *fakeSession) *Call {
	t.Helper()
	c := NewOutgoing(callid.CallID(150), "remote-user", 1, signaling.MediaTypeAudio,
		session, rec.sink(), logging.NopLogger{}, time.Now())
	require.Equal(t, StatePrering, c.State())
	return c
}

// TestOutgoingHappyPath полный жизненный цикл исходящего звонка
func TestOutgoingHappyPath(t *testing.T) {
	rec := &eventRecorder{}
	session := &fakeSession{}
	c := newOutgoingForTest(t, rec, session)

	require.NoError(t, c.Start())
	assert.Equal(t, StateRingingRemote, c.State())

	offers := rec.ofType(EventSendOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, callid.CallID(150), offers[0].Offer.CallID)
	assert.Equal(t, []byte("offer-sdp"), offers[0].Offer.Opaque)

	require.NoError(t, c.ReceivedAnswer(signaling.ReceivedAnswer{
		Answer:         signaling.Answer{CallID: 150, Opaque: []byte("answer-sdp")},
		SenderDeviceID: 7,
	}))
	assert.Equal(t, StateConnecting, c.State())
	assert.Equal(t, signaling.DeviceID(7), c.RemoteDeviceID())

	c.HandleMediaConnected()
	assert.Equal(t, StateConnected, c.State())
	assert.True(t, c.IsConnected())

	// Реконнект и восстановление
	c.HandleMediaDisconnected()
	assert.Equal(t, StateReconnecting, c.State())
	c.HandleMediaConnected()
	assert.Equal(t, StateConnected, c.State())
}

// TestIncomingHappyPath входящий звонок: proceed, accept, connect
func TestIncomingHappyPath(t *testing.T) {
	rec := &eventRecorder{}
	session := &fakeSession{}

	received := signaling.ReceivedOffer{
		Offer:            signaling.Offer{CallID: 99, MediaType: signaling.MediaTypeVideo, Opaque: []byte("offer-sdp")},
		SenderDeviceID:   3,
		ReceiverDeviceID: 1,
		Age:              time.Second,
	}
	c := NewIncoming(received, "remote-user", session, rec.sink(), logging.NopLogger{}, time.Now())

	// Приложение получило запрос на запуск звонка
	incoming := rec.ofType(EventIncomingCall)
	require.Len(t, incoming, 1)
	assert.Equal(t, callid.CallID(99), incoming[0].CallID)
	assert.Equal(t, signaling.MediaTypeVideo, incoming[0].MediaType)

	require.NoError(t, c.Proceed(received.Offer.Opaque))
	assert.Equal(t, StateRingingLocal, c.State())
	require.Len(t, rec.ofType(EventSendAnswer), 1)

	require.NoError(t, c.Accept())
	assert.Equal(t, StateConnecting, c.State())

	c.HandleMediaConnected()
	assert.Equal(t, StateConnected, c.State())
}

// TestAcceptInvalidFromRingingRemote accept валиден только из ringing_local
func TestAcceptInvalidFromRingingRemote(t *testing.T) {
	rec := &eventRecorder{}
	c := newOutgoingForTest(t, rec, &fakeSession{})
	require.NoError(t, c.Start())

	err := c.Accept()
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateRingingRemote, c.State())
}

// TestHangupIdempotent повторный hangup не дает ни сигнализации, ни переходов
func TestHangupIdempotent(t *testing.T) {
	rec := &eventRecorder{}
	session := &fakeSession{}
	c := newOutgoingForTest(t, rec, session)
	require.NoError(t, c.Start())

	c.Hangup()
	require.True(t, c.IsTerminated())
	assert.Equal(t, EndedLocalHangup, c.EndReason())
	require.Len(t, rec.ofType(EventSendHangup), 1)
	assert.Equal(t, signaling.HangupTypeNormal, rec.ofType(EventSendHangup)[0].Hangup.Type)
	assert.Equal(t, 1, session.closed)

	before := len(rec.events)
	c.Hangup()
	assert.Len(t, rec.events, before, "second hangup must not emit anything")
	assert.Equal(t, 1, session.closed, "session closed exactly once")
}

// TestDropSilent drop завершает без исходящей сигнализации
func TestDropSilent(t *testing.T) {
	rec := &eventRecorder{}
	c := newOutgoingForTest(t, rec, &fakeSession{})
	require.NoError(t, c.Start())

	c.Drop()
	assert.True(t, c.IsTerminated())
	assert.Equal(t, EndedDropped, c.EndReason())
	assert.Empty(t, rec.ofType(EventSendHangup), "drop must not signal")
}

// TestGlareLoserSendsNormalHangup проигравший glare шлет Hangup(Normal)
func TestGlareLoserSendsNormalHangup(t *testing.T) {
	rec := &eventRecorder{}
	c := newOutgoingForTest(t, rec, &fakeSession{})
	require.NoError(t, c.Start())

	c.EndWithGlare()
	assert.True(t, c.IsTerminated())
	assert.Equal(t, EndedRemoteGlare, c.EndReason())

	hangups := rec.ofType(EventSendHangup)
	require.Len(t, hangups, 1)
	assert.Equal(t, signaling.HangupTypeNormal, hangups[0].Hangup.Type)
}

// TestRemoteHangupVariants тип hangup отображается в причину завершения
func TestRemoteHangupVariants(t *testing.T) {
	cases := []struct {
		hangupType signaling.HangupType
		reason     EndReason
	}{
		{signaling.HangupTypeNormal, EndedRemoteHangup},
		{signaling.HangupTypeAccepted, EndedRemoteHangupAccepted},
		{signaling.HangupTypeDeclined, EndedRemoteHangupDeclined},
		{signaling.HangupTypeBusy, EndedRemoteHangupBusy},
		{signaling.HangupTypeNeedPermission, EndedRemoteHangupNeedPermission},
	}

	for _, tc := range cases {
		t.Run(tc.hangupType.String(), func(t *testing.T) {
			rec := &eventRecorder{}
			c := newOutgoingForTest(t, rec, &fakeSession{})
			require.NoError(t, c.Start())

			c.ReceivedHangup(signaling.ReceivedHangup{
				Hangup: signaling.Hangup{CallID: 150, Type: tc.hangupType},
			})
			assert.True(t, c.IsTerminated())
			assert.Equal(t, tc.reason, c.EndReason())
			assert.Empty(t, rec.ofType(EventSendHangup), "remote hangup must not be answered")
		})
	}
}

// TestDuplicateRemoteHangupSuppressed второй hangup после завершения — no-op
func TestDuplicateRemoteHangupSuppressed(t *testing.T) {
	rec := &eventRecorder{}
	c := newOutgoingForTest(t, rec, &fakeSession{})
	require.NoError(t, c.Start())

	hangup := signaling.ReceivedHangup{Hangup: signaling.Hangup{CallID: 150, Type: signaling.HangupTypeNormal}}
	c.ReceivedHangup(hangup)
	reason := c.EndReason()

	c.ReceivedHangup(signaling.ReceivedHangup{Hangup: signaling.Hangup{CallID: 150, Type: signaling.HangupTypeDeclined}})
	assert.Equal(t, reason, c.EndReason(), "terminal reason must not change")
}

// TestSetupTimeout звонок без соединения завершается по таймауту на Tick
func TestSetupTimeout(t *testing.T) {
	rec := &eventRecorder{}
	start := time.Now()
	c := NewOutgoing(callid.CallID(1), "remote", 1, signaling.MediaTypeAudio,
		&fakeSession{}, rec.sink(), logging.NopLogger{}, start)
	require.NoError(t, c.Start())

	c.Tick(start.Add(SetupTimeout / 2))
	assert.False(t, c.IsTerminated())

	c.Tick(start.Add(SetupTimeout + time.Second))
	assert.True(t, c.IsTerminated())
	assert.Equal(t, EndedTimeout, c.EndReason())
}

// TestConnectedCallNotTimedOut соединенный звонок не подвержен таймауту установления
func TestConnectedCallNotTimedOut(t *testing.T) {
	rec := &eventRecorder{}
	start := time.Now()
	c := NewOutgoing(callid.CallID(1), "remote", 1, signaling.MediaTypeAudio,
		&fakeSession{}, rec.sink(), logging.NopLogger{}, start)
	require.NoError(t, c.Start())
	require.NoError(t, c.ReceivedAnswer(signaling.ReceivedAnswer{Answer: signaling.Answer{CallID: 1}}))
	c.HandleMediaConnected()

	c.Tick(start.Add(time.Hour))
	assert.False(t, c.IsTerminated())
}

// TestCreateOfferFailureEndsCall ошибка медиа при создании offer завершает звонок
func TestCreateOfferFailureEndsCall(t *testing.T) {
	rec := &eventRecorder{}
	session := &fakeSession{offerErr: errors.New("no media engine")}
	c := newOutgoingForTest(t, rec, session)

	err := c.Start()
	require.Error(t, err)
	assert.True(t, c.IsTerminated())
	assert.Equal(t, EndedInternalFailure, c.EndReason())
}

// TestIceForwardedToSession кандидаты доходят до медиа-сессии
func TestIceForwardedToSession(t *testing.T) {
	rec := &eventRecorder{}
	session := &fakeSession{}
	c := newOutgoingForTest(t, rec, session)
	require.NoError(t, c.Start())

	require.NoError(t, c.ReceivedIce(signaling.ReceivedIce{
		Ice: signaling.IceCandidates{CallID: 150, Candidates: [][]byte{[]byte("a"), []byte("b")}},
	}))
	assert.Equal(t, 2, session.candidates)

	// После завершения кандидаты игнорируются
	c.Hangup()
	require.NoError(t, c.ReceivedIce(signaling.ReceivedIce{
		Ice: signaling.IceCandidates{CallID: 150, Candidates: [][]byte{[]byte("c")}},
	}))
	assert.Equal(t, 2, session.candidates)
}

// TestStateChangeEventsEmitted переходы порождают события StateChanged
func TestStateChangeEventsEmitted(t *testing.T) {
	rec := &eventRecorder{}
	c := newOutgoingForTest(t, rec, &fakeSession{})
	require.NoError(t, c.Start())
	c.Hangup()

	var states []State
	for _, e := range rec.ofType(EventStateChanged) {
		states = append(states, e.State)
	}
	assert.Equal(t, []State{StatePrering, StateRingingRemote, StateEnded}, states)
}
