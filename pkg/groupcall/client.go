package groupcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/call_engine/pkg/logging"
	"github.com/arzzra/call_engine/pkg/mrp"
	"github.com/arzzra/call_engine/pkg/sfu"
)

// Transport ненадежный канал административного RTP-потока к SFU.
// Реализуется транспортным коллаборатором.
type Transport interface {
	Send(packet []byte) error
}

// MediaControl локальные медиа-треки группового звонка.
type MediaControl interface {
	// CreateOutgoingTracks создает локальные треки с заданными mute-флагами
	CreateOutgoingTracks(audioMuted, videoMuted bool) error
	SetOutgoingAudioMuted(muted bool) error
	SetOutgoingVideoMuted(muted bool) error
	// Close освобождает треки; повторный вызов — no-op
	Close() error
}

// Config зависимости и параметры группового клиента.
type Config struct {
	ClientID ClientID
	// GroupID ключ группы/call link, к которой относится клиент
	GroupID string

	Sfu       *sfu.Client
	Transport Transport
	Media     MediaControl

	Mrp    mrp.Config
	Logger logging.StructuredLogger
	Emit   EventSink

	// Начальные mute-флаги локальных треков
	InitialAudioMuted bool
	InitialVideoMuted bool
}

// Client машина состояний одного группового звонка.
//
// Два ортогональных измерения: транспортный ConnectionState и прикладной
// JoinState. Вся мутация — из единой точки диспетчеризации реестра;
// исключение составляют уровни звука, которые передаются насквозь без
// маршалинга: сквозной путь только ретранслирует телеметрию и не трогает
// состояние клиента.
type Client struct {
	config Config
	logger logging.StructuredLogger

	machine   *fsm.FSM
	joinState JoinState
	endReason EndReason
	ended     bool

	localDemuxID DemuxID
	eraID        string

	remoteDevices map[DemuxID]*RemoteDeviceState
	raisedHands   []DemuxID
	handSeqnum    uint32

	audioMuted bool
	videoMuted bool

	stream *mrp.Stream
	framer *rtpFramer

	peekInfo   *sfu.PeekInfo
	lastPeekAt time.Time
}

// NewClient создает клиента в состоянии NotConnected/NotJoined.
func NewClient(config Config) (*Client, error) {
	if config.ClientID == InvalidClientID {
		return nil, fmt.Errorf("недопустимый client id")
	}
	if config.Sfu == nil || config.Transport == nil || config.Media == nil {
		return nil, fmt.Errorf("не заданы обязательные коллабораторы")
	}
	if config.Logger == nil {
		config.Logger = logging.GetDefaultLogger()
	}
	if config.Emit == nil {
		config.Emit = func(Event) {}
	}

	c := &Client{
		config: config,
		logger: config.Logger.WithComponent("groupcall").
			WithFields(logging.Uint64("client_id", uint64(config.ClientID))),
		joinState:     JoinNotJoined,
		remoteDevices: make(map[DemuxID]*RemoteDeviceState),
		audioMuted:    config.InitialAudioMuted,
		videoMuted:    config.InitialVideoMuted,
		stream:        mrp.NewStream(config.Mrp),
		framer:        newRTPFramer(rtpDataToSfuSSRC),
	}
	c.initStateMachine()
	return c, nil
}

// initStateMachine инициализирует автомат транспортного состояния
func (c *Client) initStateMachine() {
	c.machine = fsm.NewFSM(
		"not_connected",
		fsm.Events{
			{Name: "connect", Src: []string{"not_connected"}, Dst: "connecting"},
			{Name: "connected", Src: []string{"connecting", "reconnecting"}, Dst: "connected"},
			{Name: "reconnect", Src: []string{"connected"}, Dst: "reconnecting"},
			{Name: "disconnected", Src: []string{"connecting", "connected", "reconnecting"}, Dst: "not_connected"},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				if e.Src != e.Dst {
					c.emit(Event{Type: EventConnectionStateChanged, ConnectionState: c.ConnectionState()})
				}
			},
		},
	)
}

func (c *Client) emit(e Event) {
	e.ClientID = c.config.ClientID
	c.config.Emit(e)
}

// ID идентификатор клиента в реестре.
func (c *Client) ID() ClientID { return c.config.ClientID }

// GroupID ключ группы.
func (c *Client) GroupID() string { return c.config.GroupID }

// ConnectionState текущее транспортное состояние.
func (c *Client) ConnectionState() ConnectionState {
	switch c.machine.Current() {
	case "connecting":
		return ConnectionConnecting
	case "connected":
		return ConnectionConnected
	case "reconnecting":
		return ConnectionReconnecting
	default:
		return ConnectionNotConnected
	}
}

// JoinState текущее состояние участия.
func (c *Client) JoinState() JoinState { return c.joinState }

// LocalDemuxID назначенный demux id (0, если не назначен).
func (c *Client) LocalDemuxID() DemuxID { return c.localDemuxID }

// EndReason причина завершения; осмысленна только после Ended.
func (c *Client) EndReason() EndReason { return c.endReason }

// Ended true после HandleEnded.
func (c *Client) Ended() bool { return c.ended }

// PeekInfo последнее известное состояние конференции.
func (c *Client) PeekInfo() *sfu.PeekInfo { return c.peekInfo }

// RemoteDevices копия текущего снимка удаленных устройств,
// отсортированная по demux id.
func (c *Client) RemoteDevices() []RemoteDeviceState {
	out := make([]RemoteDeviceState, 0, len(c.remoteDevices))
	for _, d := range c.remoteDevices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DemuxID < out[j].DemuxID })
	return out
}

// Connect открывает соединение с SFU. Идемпотентен: повторный вызов при
// Connecting/Connected — no-op с тем же клиентом. Завершенный клиент
// допускает повторное подключение: HandleEnded сбрасывает переходное
// состояние именно ради этого.
func (c *Client) Connect() error {
	if c.ConnectionState() != ConnectionNotConnected {
		// Уже подключаемся или подключены
		return nil
	}
	c.ended = false

	if err := c.config.Media.CreateOutgoingTracks(c.audioMuted, c.videoMuted); err != nil {
		c.logger.LogError(context.Background(), err, "создание локальных треков не удалось")
		c.HandleEnded(EndedFailedToCreatePeerConnection)
		return err
	}

	return c.machine.Event(context.Background(), "connect")
}

// HandleTransportConnected транспорт сообщил об установлении связи.
func (c *Client) HandleTransportConnected() {
	if c.ended {
		return
	}
	_ = c.machine.Event(context.Background(), "connected")
}

// HandleTransportReconnecting транспорт сообщил о временной потере связи.
func (c *Client) HandleTransportReconnecting() {
	if c.ended {
		return
	}
	_ = c.machine.Event(context.Background(), "reconnect")
}

// HandleIceFailed фатальный сбой ICE: причина зависит от того, была ли
// связь уже установлена.
func (c *Client) HandleIceFailed() {
	if c.ended {
		return
	}
	switch c.ConnectionState() {
	case ConnectionConnected, ConnectionReconnecting:
		c.HandleEnded(EndedIceFailedAfterConnected)
	default:
		c.HandleEnded(EndedIceFailedWhileConnecting)
	}
}

// Join запрашивает назначение demux id у SFU. Идемпотентен при
// Joining/Pending/Joined: повторный вызов не дает ни сигнализации,
// ни переходов.
func (c *Client) Join() {
	if c.ended || c.joinState != JoinNotJoined {
		return
	}
	if c.ConnectionState() == ConnectionNotConnected {
		c.logger.Warn(context.Background(), "join без connect, игнорируется")
		return
	}

	c.setJoinState(JoinJoining)
	// Ответ SFU доставляется владельцем из его точки диспетчеризации,
	// поэтому коллбэк выполняется уже сериализованно
	c.config.Sfu.Join(fmt.Sprintf("ufrag-%d", c.config.ClientID), fmt.Sprintf("pwd-%d", c.config.ClientID),
		c.HandleJoinResponse)
}

// HandleJoinResponse результат join-запроса, доставленный из точки
// диспетчеризации владельца.
func (c *Client) HandleJoinResponse(resp sfu.JoinResponse, err error) {
	if c.ended || c.joinState != JoinJoining {
		return
	}

	if err != nil {
		c.logger.LogError(context.Background(), err, "join к SFU не удался")
		c.HandleEnded(EndedSfuClientFailedToJoin)
		return
	}
	if resp.Full {
		c.HandleEnded(EndedHasMaxDevices)
		return
	}
	if c.localDemuxID != 0 && c.localDemuxID != resp.DemuxID {
		// SFU сменил назначение: сессия недействительна
		c.HandleEnded(EndedServerChangedDemuxID)
		return
	}

	c.localDemuxID = resp.DemuxID
	c.eraID = resp.EraID

	if resp.PendingApproval {
		c.setJoinState(JoinPending)
		return
	}
	c.completeJoin()
}

// HandleJoinApproved администратор подтвердил заявку.
func (c *Client) HandleJoinApproved() {
	if c.ended || c.joinState != JoinPending {
		return
	}
	c.completeJoin()
}

// HandleJoinDenied администратор отклонил заявку.
func (c *Client) HandleJoinDenied() {
	if c.ended || c.joinState != JoinPending {
		return
	}
	c.HandleEnded(EndedDeniedRequestToJoinCall)
}

// completeJoin фиксирует участие и объявляет его SFU по надежному каналу.
func (c *Client) completeJoin() {
	c.setJoinState(JoinJoined)
	if err := c.sendControl(&DeviceToSfu{Join: &JoinRequest{DemuxID: c.localDemuxID}}); err != nil {
		c.logger.LogError(context.Background(), err, "отправка join не удалась")
	}
}

func (c *Client) setJoinState(state JoinState) {
	if c.joinState == state {
		return
	}
	c.joinState = state
	c.emit(Event{Type: EventJoinStateChanged, JoinState: state})
}

// Leave прекращает участие: локальные медиа выключаются до разборки
// сессии, чтобы минимизировать окно утечки медиа. Идемпотентен.
func (c *Client) Leave() {
	if c.ended || c.joinState == JoinNotJoined {
		return
	}

	// Сначала глушим медиа
	if err := c.config.Media.SetOutgoingAudioMuted(true); err != nil {
		c.logger.LogError(context.Background(), err, "выключение аудио не удалось")
	}
	if err := c.config.Media.SetOutgoingVideoMuted(true); err != nil {
		c.logger.LogError(context.Background(), err, "выключение видео не удалось")
	}

	if c.localDemuxID != 0 {
		if err := c.sendControl(&DeviceToSfu{Leave: &LeaveRequest{DemuxID: c.localDemuxID}}); err != nil {
			c.logger.LogError(context.Background(), err, "отправка leave не удалась")
		}
	}
	c.setJoinState(JoinNotJoined)
}

// Disconnect полное отключение по инициативе устройства. Идемпотентен.
func (c *Client) Disconnect() {
	if c.ended {
		return
	}
	c.Leave()
	c.HandleEnded(EndedDeviceExplicitlyDisconnected)
}

// HandleEnded завершает клиента: сбрасывает переходное состояние, чтобы
// объект можно было подключить заново, и поднимает причину наверх.
// Повторный вызов — no-op.
func (c *Client) HandleEnded(reason EndReason) {
	if c.ended {
		return
	}
	c.ended = true
	c.endReason = reason

	if err := c.config.Media.Close(); err != nil {
		c.logger.LogError(context.Background(), err, "закрытие медиа не удалось")
	}

	// Сброс переходного состояния
	c.joinState = JoinNotJoined
	c.localDemuxID = 0
	c.remoteDevices = make(map[DemuxID]*RemoteDeviceState)
	c.raisedHands = nil
	c.peekInfo = nil
	c.stream = mrp.NewStream(c.config.Mrp)
	_ = c.machine.Event(context.Background(), "disconnected")

	c.logger.Info(context.Background(), "групповой клиент завершен",
		logging.String("reason", reason.String()))
	c.emit(Event{Type: EventEnded, EndReason: reason})
}

// SetOutgoingAudioMuted переключает локальное аудио.
func (c *Client) SetOutgoingAudioMuted(muted bool) {
	c.audioMuted = muted
	if c.ended {
		return
	}
	if err := c.config.Media.SetOutgoingAudioMuted(muted); err != nil {
		c.logger.LogError(context.Background(), err, "переключение аудио не удалось")
	}
}

// SetOutgoingVideoMuted переключает локальное видео.
func (c *Client) SetOutgoingVideoMuted(muted bool) {
	c.videoMuted = muted
	if c.ended {
		return
	}
	if err := c.config.Media.SetOutgoingVideoMuted(muted); err != nil {
		c.logger.LogError(context.Background(), err, "переключение видео не удалось")
	}
}

// RaiseHand поднимает/опускает руку. Seqnum растет монотонно, чтобы SFU
// отбрасывал устаревшее состояние.
func (c *Client) RaiseHand(raise bool) error {
	if c.ended || c.joinState != JoinJoined {
		return fmt.Errorf("raise hand вне участия")
	}
	c.handSeqnum++
	return c.sendControl(&DeviceToSfu{RaiseHand: &RaiseHand{Raise: raise, Seqnum: c.handSeqnum}})
}

// ApproveUser подтверждает заявку участника (административное действие).
func (c *Client) ApproveUser(target DemuxID) error {
	return c.sendAdminAction(AdminApprove, target)
}

// DenyUser отклоняет заявку участника.
func (c *Client) DenyUser(target DemuxID) error {
	return c.sendAdminAction(AdminDeny, target)
}

// RemoveClient удаляет участника из звонка.
func (c *Client) RemoveClient(target DemuxID) error {
	return c.sendAdminAction(AdminRemove, target)
}

// BlockClient блокирует участника.
func (c *Client) BlockClient(target DemuxID) error {
	return c.sendAdminAction(AdminBlock, target)
}

func (c *Client) sendAdminAction(kind AdminActionKind, target DemuxID) error {
	if c.ended || c.joinState != JoinJoined {
		return fmt.Errorf("административное действие вне участия")
	}
	return c.sendControl(&DeviceToSfu{AdminAction: &AdminAction{Kind: kind, TargetDemuxID: target}})
}

// RequestVideo запрашивает разрешения видео удаленных участников.
func (c *Client) RequestVideo(requests []VideoRequest, maxKbps uint32) error {
	if c.ended || c.joinState != JoinJoined {
		return fmt.Errorf("запрос видео вне участия")
	}
	return c.sendControl(&DeviceToSfu{VideoRequest: &VideoRequestMessage{
		Requests: requests,
		MaxKbps:  maxKbps,
	}})
}

// sendControl отправляет административное сообщение по надежному каналу.
// MRP буферизует сериализованное сообщение без конверта: при ретрансляции
// конверт собирается заново со свежим ACK.
func (c *Client) sendControl(msg *DeviceToSfu) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("сериализация управляющего сообщения: %w", err)
	}
	return c.stream.TrySend(raw, time.Now(), c.sendEnveloped)
}

// sendEnveloped оборачивает полезную нагрузку MRP в конверт и кадрирует.
func (c *Client) sendEnveloped(header mrp.Header, payload []byte) error {
	enveloped, err := encodeEnvelopeRaw(header, payload)
	if err != nil {
		return err
	}
	return c.sendFramed(enveloped)
}

func (c *Client) sendFramed(payload []byte) error {
	framed, err := c.framer.frame(payload)
	if err != nil {
		return err
	}
	return c.config.Transport.Send(framed)
}

// HandlePacket обрабатывает входящий RTP-пакет административного потока.
// Дубликаты и перестановки гасятся MRP; управляющие сообщения доставляются
// строго по порядку.
func (c *Client) HandlePacket(data []byte) {
	if c.ended {
		return
	}

	payload, err := unframe(data)
	if err != nil {
		c.logger.Warn(context.Background(), "нераспознанный пакет, отброшен", logging.Err(err))
		return
	}

	header, _, err := decodeEnvelope(payload)
	if err != nil {
		c.logger.Warn(context.Background(), "некорректный конверт, отброшен", logging.Err(err))
		return
	}

	ready, err := c.stream.Receive(header, payload)
	if err != nil {
		c.logger.Warn(context.Background(), "прием MRP отклонен", logging.Err(err))
		return
	}

	for _, raw := range ready {
		_, env, decodeErr := decodeEnvelope(raw)
		if decodeErr != nil || env.ToDevice == nil {
			continue
		}
		c.dispatchControl(env.ToDevice)
	}
}

// dispatchControl применяет управляющее сообщение SFU.
func (c *Client) dispatchControl(msg *SfuToDevice) {
	switch {
	case msg.RaisedHands != nil:
		c.applyRaisedHands(msg.RaisedHands)
	case msg.Removed != nil:
		c.HandleEnded(EndedRemovedFromCall)
	case msg.Disconnect != nil:
		c.HandleEnded(EndedServerExplicitlyDisconnected)
	default:
		c.logger.Warn(context.Background(), "неизвестное управляющее сообщение, игнорируется")
	}
}

func (c *Client) applyRaisedHands(msg *RaisedHands) {
	c.raisedHands = append(c.raisedHands[:0], msg.DemuxIDs...)
	c.emit(Event{
		Type:        EventRaisedHandsChanged,
		RaisedHands: append([]DemuxID(nil), c.raisedHands...),
	})
}

// RaisedHands текущий список поднятых рук в порядке поднятия.
func (c *Client) RaisedHands() []DemuxID {
	return append([]DemuxID(nil), c.raisedHands...)
}

// HandleRemoteDevicesChanged заменяет снимок удаленных устройств целиком,
// сохраняя по каждому demux id привязанный видео-трек и уровень звука,
// которых в свежем снимке нет: они принадлежат клиенту, не SFU.
func (c *Client) HandleRemoteDevicesChanged(devices []RemoteDeviceState) {
	if c.ended {
		return
	}

	fresh := make(map[DemuxID]*RemoteDeviceState, len(devices))
	for i := range devices {
		d := devices[i]
		if old, ok := c.remoteDevices[d.DemuxID]; ok {
			if d.VideoTrack == nil {
				d.VideoTrack = old.VideoTrack
			}
			if d.AudioLevel == 0 {
				d.AudioLevel = old.AudioLevel
			}
		}
		fresh[d.DemuxID] = &d
	}
	c.remoteDevices = fresh

	c.emit(Event{
		Type:          EventRemoteDevicesChanged,
		RemoteDevices: c.RemoteDevices(),
	})
}

// peekRefreshInterval минимальная пауза между фоновыми peek-запросами.
const peekRefreshInterval = 10 * time.Second

// HandlePeekChanged обновляет наблюдаемое состояние конференции.
func (c *Client) HandlePeekChanged(info sfu.PeekInfo, now time.Time) {
	if c.ended {
		return
	}
	c.peekInfo = &info
	c.lastPeekAt = now
	c.emit(Event{Type: EventPeekChanged, PeekInfo: c.peekInfo})
}

// HandleAudioLevels высокочастотная телеметрия: единственный вход,
// допущенный в обход маршалинга. Поэтому метод не читает и не пишет
// изменяемое состояние клиента: он лишь ретранслирует уровни приемнику
// событий. Снимок устройств обновляет ApplyAudioLevels из точки
// диспетчеризации.
func (c *Client) HandleAudioLevels(captured uint16, levels []AudioLevel) {
	c.emit(Event{
		Type:          EventAudioLevels,
		CapturedLevel: captured,
		AudioLevels:   levels,
	})
}

// ApplyAudioLevels вносит уровни звука в снимок удаленных устройств.
// Вызывается только из точки диспетчеризации владельца.
func (c *Client) ApplyAudioLevels(levels []AudioLevel) {
	if c.ended {
		return
	}
	for _, lvl := range levels {
		if d, ok := c.remoteDevices[lvl.DemuxID]; ok {
			d.AudioLevel = lvl.Level
		}
	}
}

// Tick периодический опрос: ретрансляция MRP и отложенные ACK.
// Исчерпание лимита передач деградирует соединение: сначала реконнект,
// из реконнекта — завершение.
func (c *Client) Tick(now time.Time) {
	if c.ended {
		return
	}

	err := c.stream.TryResend(now, c.sendEnveloped)
	var failed *mrp.DeliveryFailedError
	if errors.As(err, &failed) {
		c.logger.Warn(context.Background(), "доставка административного сообщения не удалась",
			logging.Uint64("seqnum", failed.Seqnum))
		switch c.ConnectionState() {
		case ConnectionConnected:
			_ = c.machine.Event(context.Background(), "reconnect")
		default:
			c.HandleIceFailed()
		}
		return
	} else if err != nil {
		c.logger.LogError(context.Background(), err, "ретрансляция MRP не удалась")
	}

	if _, err := c.stream.TrySendAck(c.sendEnveloped); err != nil {
		c.logger.LogError(context.Background(), err, "отправка ACK не удалась")
	}

	c.maybeRefreshPeek(now)
}

// maybeRefreshPeek фоновое обновление состояния конференции: SFU
// опрашивается не чаще peekRefreshInterval, пока клиент участвует.
func (c *Client) maybeRefreshPeek(now time.Time) {
	if c.joinState != JoinJoined || now.Sub(c.lastPeekAt) < peekRefreshInterval {
		return
	}
	c.lastPeekAt = now
	c.config.Sfu.Peek(func(info sfu.PeekInfo, err error) {
		// Ответ доходит сериализованно через точку диспетчеризации владельца
		if err != nil {
			c.logger.Warn(context.Background(), "peek не выполнен", logging.Err(err))
			return
		}
		c.HandlePeekChanged(info, time.Now())
	})
}
