package manager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/call_engine/pkg/call"
	"github.com/arzzra/call_engine/pkg/callid"
	"github.com/arzzra/call_engine/pkg/groupcall"
	"github.com/arzzra/call_engine/pkg/logging"
	"github.com/arzzra/call_engine/pkg/media"
	"github.com/arzzra/call_engine/pkg/sfu"
	"github.com/arzzra/call_engine/pkg/signaling"
)

// fakeSession медиа-сессия без реального транспорта.
type fakeSession struct {
	closed bool
}

func (s *fakeSession) CreateOffer() ([]byte, error)                { return []byte("offer"), nil }
func (s *fakeSession) CreateAnswer(_ []byte) ([]byte, error)       { return []byte("answer"), nil }
func (s *fakeSession) SetRemoteAnswer(_ []byte) error              { return nil }
func (s *fakeSession) AddRemoteCandidates(_ [][]byte) error        { return nil }
func (s *fakeSession) SetOutgoingMediaEnabled(_ bool) error        { return nil }
func (s *fakeSession) Close() error                                { s.closed = true; return nil }

// fakeFactory фабрика fake-сессий.
type fakeFactory struct {
	sessions []*fakeSession
}

func (f *fakeFactory) CreateSession(_ callid.CallID, _ bool, _ signaling.MediaType) (media.Session, error) {
	s := &fakeSession{}
	f.sessions = append(f.sessions, s)
	return s, nil
}

// fakeGroupTransport транспорт группового клиента.
type fakeGroupTransport struct{}

func (t *fakeGroupTransport) Send(_ []byte) error { return nil }

// fakeGroupMedia медиа-контроль группового клиента.
type fakeGroupMedia struct{}

func (m *fakeGroupMedia) CreateOutgoingTracks(_, _ bool) error { return nil }
func (m *fakeGroupMedia) SetOutgoingAudioMuted(_ bool) error   { return nil }
func (m *fakeGroupMedia) SetOutgoingVideoMuted(_ bool) error   { return nil }
func (m *fakeGroupMedia) Close() error                         { return nil }

type fakeGroupDeps struct{}

func (d *fakeGroupDeps) CreateTransport(_ groupcall.ClientID) (groupcall.Transport, error) {
	return &fakeGroupTransport{}, nil
}

func (d *fakeGroupDeps) CreateMediaControl(_ groupcall.ClientID) (groupcall.MediaControl, error) {
	return &fakeGroupMedia{}, nil
}

// fakeDelegate HTTP-делегат SFU.
type fakeDelegate struct {
	mu       sync.Mutex
	requests []uint64
}

func (d *fakeDelegate) SendRequest(requestID uint64, _ sfu.Request) {
	d.mu.Lock()
	d.requests = append(d.requests, requestID)
	d.mu.Unlock()
}

// recorder потокобезопасный накопитель событий.
type recorder struct {
	mu          sync.Mutex
	callEvents  []call.Event
	ringEvents  []RingEvent
	groupEvents []groupcall.Event
}

func (r *recorder) callSink(e call.Event) {
	r.mu.Lock()
	r.callEvents = append(r.callEvents, e)
	r.mu.Unlock()
}

func (r *recorder) ringSink(e RingEvent) {
	r.mu.Lock()
	r.ringEvents = append(r.ringEvents, e)
	r.mu.Unlock()
}

func (r *recorder) calls(t call.EventType) []call.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []call.Event
	for _, e := range r.callEvents {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) groupSink(e groupcall.Event) {
	r.mu.Lock()
	r.groupEvents = append(r.groupEvents, e)
	r.mu.Unlock()
}

func (r *recorder) groups(t groupcall.EventType) []groupcall.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []groupcall.Event
	for _, e := range r.groupEvents {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) rings() []RingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RingEvent(nil), r.ringEvents...)
}

// endedWith события завершения с данной причиной.
func (r *recorder) endedWith(reason call.EndReason) []call.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []call.Event
	for _, e := range r.callEvents {
		if e.Type == call.EventStateChanged && e.State == call.StateEnded && e.EndReason == reason {
			out = append(out, e)
		}
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *recorder, *fakeFactory) {
	t.Helper()
	rec := &recorder{}
	factory := &fakeFactory{}

	config := DefaultConfig()
	config.LocalDeviceID = 1
	config.MediaFactory = factory
	config.GroupDeps = &fakeGroupDeps{}
	config.HTTPDelegate = &fakeDelegate{}
	config.SFUBaseURL = "https://sfu.example"
	config.Logger = logging.NopLogger{}
	config.CallEvents = rec.callSink
	config.GroupEvents = rec.groupSink
	config.RingEvents = rec.ringSink
	// Таймауты прогоняются вручную через Tick
	config.TickInterval = time.Hour

	m, err := New(config)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, rec, factory
}

func incomingOffer(id callid.CallID, age time.Duration) signaling.ReceivedOffer {
	return signaling.ReceivedOffer{
		Offer: signaling.Offer{
			CallID:    id,
			MediaType: signaling.MediaTypeAudio,
			Opaque:    []byte("remote-offer"),
		},
		SenderDeviceID:   2,
		ReceiverDeviceID: 1,
		Age:              age,
	}
}

func TestManagerSingleActiveCall(t *testing.T) {
	m, _, _ := newTestManager(t)

	id, err := m.PlaceCall("alice", signaling.MediaTypeAudio)
	require.NoError(t, err)
	require.NotZero(t, id)

	_, err = m.PlaceCall("bob", signaling.MediaTypeAudio)
	assert.ErrorIs(t, err, ErrCallManagerBusy)
	assert.Equal(t, id, m.ActiveCallID())
}

func TestManagerExpiredOfferRejectedWithoutCall(t *testing.T) {
	m, rec, factory := newTestManager(t)

	require.NoError(t, m.ReceivedOffer("alice", incomingOffer(42, time.Hour)))

	assert.Zero(t, m.ActiveCallID())
	assert.Empty(t, factory.sessions)
	assert.Empty(t, rec.calls(call.EventIncomingCall))
	require.Len(t, rec.endedWith(call.EndedReceivedOfferExpired), 1)
	assert.Zero(t, m.RemoteRefCount())
}

func TestManagerOfferWhileActiveDifferentRemote(t *testing.T) {
	m, rec, _ := newTestManager(t)

	id, err := m.PlaceCall("alice", signaling.MediaTypeAudio)
	require.NoError(t, err)

	require.NoError(t, m.ReceivedOffer("bob", incomingOffer(id+1, 0)))

	assert.Equal(t, id, m.ActiveCallID())
	assert.Empty(t, rec.calls(call.EventIncomingCall))
	require.Len(t, rec.endedWith(call.EndedReceivedOfferWhileActive), 1)

	busy := rec.calls(call.EventSendBusy)
	require.Len(t, busy, 1)
	assert.Equal(t, id+1, busy[0].Busy.CallID)
}

func TestManagerGlareSmallerCallIDWins(t *testing.T) {
	m, rec, _ := newTestManager(t)

	localID, err := m.PlaceCall("alice", signaling.MediaTypeAudio)
	require.NoError(t, err)

	// Встречный offer с меньшим CallID: локальный звонок проигрывает
	winningID := localID - 1
	require.NoError(t, m.ReceivedOffer("alice", incomingOffer(winningID, 0)))

	require.Len(t, rec.endedWith(call.EndedRemoteGlare), 1)
	hangups := rec.calls(call.EventSendHangup)
	require.Len(t, hangups, 1)
	assert.Equal(t, localID, hangups[0].Hangup.CallID)
	assert.Equal(t, signaling.HangupTypeNormal, hangups[0].Hangup.Type)

	// Звонок удаленной стороны стал активным
	assert.Equal(t, winningID, m.ActiveCallID())
	incoming := rec.calls(call.EventIncomingCall)
	require.Len(t, incoming, 1)
	assert.Equal(t, winningID, incoming[0].CallID)
}

func TestManagerGlareLargerCallIDLoses(t *testing.T) {
	m, rec, _ := newTestManager(t)

	localID, err := m.PlaceCall("alice", signaling.MediaTypeAudio)
	require.NoError(t, err)

	// Встречный offer с большим CallID игнорируется: glare разрешит
	// удаленная сторона
	require.NoError(t, m.ReceivedOffer("alice", incomingOffer(localID+1, 0)))

	assert.Equal(t, localID, m.ActiveCallID())
	assert.Empty(t, rec.calls(call.EventIncomingCall))
	assert.Empty(t, rec.endedWith(call.EndedRemoteGlare))
}

func TestManagerGlareEqualCallIDsFails(t *testing.T) {
	m, rec, _ := newTestManager(t)

	localID, err := m.PlaceCall("alice", signaling.MediaTypeAudio)
	require.NoError(t, err)

	require.NoError(t, m.ReceivedOffer("alice", incomingOffer(localID, 0)))

	assert.Zero(t, m.ActiveCallID())
	// Обе стороны завершаются нарушением инварианта
	assert.Len(t, rec.endedWith(call.EndedGlareHandlingFailure), 2)

	// Реестр остается пригодным для следующих звонков
	_, err = m.PlaceCall("bob", signaling.MediaTypeAudio)
	assert.NoError(t, err)
}

func TestManagerRecall(t *testing.T) {
	m, rec, _ := newTestManager(t)

	oldID, err := m.PlaceCall("alice", signaling.MediaTypeAudio)
	require.NoError(t, err)

	// Доводим звонок до Connected
	require.NoError(t, m.ReceivedAnswer(signaling.ReceivedAnswer{
		Answer:         signaling.Answer{CallID: oldID, Opaque: []byte("answer")},
		SenderDeviceID: 2,
	}))
	require.NoError(t, m.MediaConnected(oldID))

	newID := oldID + 1
	require.NoError(t, m.ReceivedOffer("alice", incomingOffer(newID, 0)))

	require.Len(t, rec.endedWith(call.EndedRemoteReCall), 1)
	assert.Equal(t, newID, m.ActiveCallID())
	require.Len(t, rec.calls(call.EventIncomingCall), 1)
}

func TestManagerStaleSignalingSilentlyIgnored(t *testing.T) {
	m, rec, _ := newTestManager(t)

	id, err := m.PlaceCall("alice", signaling.MediaTypeAudio)
	require.NoError(t, err)

	before := len(rec.calls(call.EventStateChanged))
	require.NoError(t, m.ReceivedAnswer(signaling.ReceivedAnswer{
		Answer: signaling.Answer{CallID: id + 99},
	}))
	require.NoError(t, m.ReceivedHangup(signaling.ReceivedHangup{
		Hangup: signaling.Hangup{CallID: id + 99, Type: signaling.HangupTypeNormal},
	}))

	assert.Equal(t, id, m.ActiveCallID())
	assert.Len(t, rec.calls(call.EventStateChanged), before)
}

func TestManagerConcludedReleasesRemoteRefOnce(t *testing.T) {
	m, _, _ := newTestManager(t)

	id, err := m.PlaceCall("alice", signaling.MediaTypeAudio)
	require.NoError(t, err)
	require.Equal(t, 1, m.RemoteRefCount())

	require.NoError(t, m.Hangup())
	require.NoError(t, m.CallConcluded(id))
	assert.Zero(t, m.RemoteRefCount())
	assert.Zero(t, m.ActiveCallID())

	// Повторный concluded — no-op
	require.NoError(t, m.CallConcluded(id))
	assert.Zero(t, m.RemoteRefCount())
}

func TestManagerSetupTimeoutViaTick(t *testing.T) {
	m, rec, _ := newTestManager(t)

	_, err := m.PlaceCall("alice", signaling.MediaTypeAudio)
	require.NoError(t, err)

	require.NoError(t, m.Tick(time.Now().Add(call.SetupTimeout+time.Second)))
	require.Len(t, rec.endedWith(call.EndedTimeout), 1)
}

func TestManagerConnectGroupIsIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t)

	id1, err := m.ConnectGroup("group-a")
	require.NoError(t, err)
	require.NotEqual(t, groupcall.InvalidClientID, id1)

	id2, err := m.ConnectGroup("group-a")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	// Другая группа получает отдельного клиента
	id3, err := m.ConnectGroup("group-b")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestManagerDisconnectGroupUnregisters(t *testing.T) {
	m, _, _ := newTestManager(t)

	id, err := m.ConnectGroup("group-a")
	require.NoError(t, err)

	require.NoError(t, m.DisconnectGroup(id))

	// Клиент снят с регистрации: повторный connect дает нового
	id2, err := m.ConnectGroup("group-a")
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
}

// Сквозной путь телеметрии идет из чужого потока; замена снимка устройств
// при этом крутится в цикле диспетчера.
func TestManagerGroupAudioLevelsConcurrentWithDispatch(t *testing.T) {
	m, _, _ := newTestManager(t)

	id, err := m.ConnectGroup("group-a")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			m.GroupAudioLevels(id, 1, []groupcall.AudioLevel{{DemuxID: 222, Level: uint16(i)}})
		}
	}()
	for i := 0; i < 500; i++ {
		require.NoError(t, m.GroupRemoteDevicesChanged(id, []groupcall.RemoteDeviceState{
			{DemuxID: 222, UserID: "alice"},
		}))
	}
	<-done
}

func TestManagerGroupAudioLevelsFoldedIntoSnapshot(t *testing.T) {
	m, rec, _ := newTestManager(t)

	id, err := m.ConnectGroup("group-a")
	require.NoError(t, err)
	require.NoError(t, m.GroupRemoteDevicesChanged(id, []groupcall.RemoteDeviceState{
		{DemuxID: 222, UserID: "alice"},
	}))

	m.GroupAudioLevels(id, 5, []groupcall.AudioLevel{{DemuxID: 222, Level: 300}})

	// Пополнение снимка стоит в очереди перед следующей операцией, поэтому
	// свежий снимок без уровня унаследует 300
	require.NoError(t, m.GroupRemoteDevicesChanged(id, []groupcall.RemoteDeviceState{
		{DemuxID: 222, UserID: "alice"},
	}))

	events := rec.groups(groupcall.EventRemoteDevicesChanged)
	require.Len(t, events, 2)
	require.Len(t, events[1].RemoteDevices, 1)
	assert.Equal(t, uint16(300), events[1].RemoteDevices[0].AudioLevel)
}

func TestManagerUnknownGroupClientIsNoOp(t *testing.T) {
	m, _, _ := newTestManager(t)

	require.NoError(t, m.JoinGroup(999))
	require.NoError(t, m.GroupPacket(999, []byte("junk")))
	require.NoError(t, m.DisconnectGroup(999))
	m.GroupAudioLevels(999, 0, nil)
}

func TestManagerRingAllAndCancel(t *testing.T) {
	m, rec, _ := newTestManager(t)

	ringID, err := m.RingAll("group-a")
	require.NoError(t, err)

	events := rec.rings()
	require.Len(t, events, 1)
	assert.Equal(t, RingRequested, events[0].Update)
	assert.Equal(t, ringID, events[0].RingID)

	require.NoError(t, m.CancelGroupRing(ringID))
	events = rec.rings()
	require.Len(t, events, 2)
	assert.Equal(t, RingCancelledByRinger, events[1].Update)

	// Повторная отмена после терминального обновления — no-op
	require.NoError(t, m.CancelGroupRing(ringID))
	assert.Len(t, rec.rings(), 2)
}

func TestManagerRingSingleTerminalUpdate(t *testing.T) {
	m, rec, _ := newTestManager(t)

	ringID := callid.RingID(77)
	require.NoError(t, m.ReceivedRingUpdate(ringID, "group-a", "alice", RingRequested))
	require.NoError(t, m.ReceivedRingUpdate(ringID, "group-a", "alice", RingAcceptedOnAnotherDevice))
	// Второй терминал гасится
	require.NoError(t, m.ReceivedRingUpdate(ringID, "group-a", "alice", RingDeclinedOnAnotherDevice))

	events := rec.rings()
	require.Len(t, events, 2)
	assert.Equal(t, RingRequested, events[0].Update)
	assert.Equal(t, RingAcceptedOnAnotherDevice, events[1].Update)
}

func TestManagerRingExpiresViaTick(t *testing.T) {
	m, rec, _ := newTestManager(t)

	ringID, err := m.RingAll("group-a")
	require.NoError(t, err)

	require.NoError(t, m.Tick(time.Now().Add(signaling.MaxMessageAge+time.Second)))

	events := rec.rings()
	require.Len(t, events, 2)
	assert.Equal(t, ringID, events[1].RingID)
	assert.Equal(t, RingExpired, events[1].Update)

	// Истекший обзвон не истекает второй раз
	require.NoError(t, m.Tick(time.Now().Add(signaling.MaxMessageAge+2*time.Second)))
	assert.Len(t, rec.rings(), 2)
}
