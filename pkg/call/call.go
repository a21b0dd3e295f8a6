package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/call_engine/pkg/callid"
	"github.com/arzzra/call_engine/pkg/logging"
	"github.com/arzzra/call_engine/pkg/media"
	"github.com/arzzra/call_engine/pkg/signaling"
)

// State состояние прямого звонка.
type State int

const (
	StateIdle State = iota
	StatePrering
	StateRingingLocal
	StateRingingRemote
	StateConnecting
	StateConnected
	StateReconnecting
	StateEnded
)

var stateNames = map[State]string{
	StateIdle:          "idle",
	StatePrering:       "prering",
	StateRingingLocal:  "ringing_local",
	StateRingingRemote: "ringing_remote",
	StateConnecting:    "connecting",
	StateConnected:     "connected",
	StateReconnecting:  "reconnecting",
	StateEnded:         "ended",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SetupTimeout максимальное время установления звонка. Проверяется
// на Tick из точки диспетчеризации, отдельных таймеров нет.
const SetupTimeout = 120 * time.Second

var (
	// ErrInvalidState операция недопустима в текущем состоянии
	ErrInvalidState = errors.New("недопустимое состояние звонка")
)

// Call машина состояний одного прямого (1:1) звонка.
//
// Вся мутация происходит из единой точки диспетчеризации реестра,
// поэтому Call не синхронизируется сам. Терминальное состояние ended
// поглощает любую дальнейшую сигнализацию, кроме подавления дубликатов
// hangup.
type Call struct {
	id       callid.CallID
	remote   string
	outgoing bool

	localDeviceID signaling.DeviceID
	// remoteDeviceID активное устройство удаленной стороны;
	// для исходящего звонка известно после answer
	remoteDeviceID signaling.DeviceID
	mediaType      signaling.MediaType

	machine   *fsm.FSM
	endReason EndReason
	// hangupSent подавление дубликатов исходящего hangup
	hangupSent bool
	createdAt  time.Time

	session media.Session
	emit    EventSink
	logger  logging.StructuredLogger
}

// newCall общий конструктор; публичные варианты ниже.
func newCall(id callid.CallID, remote string, outgoing bool, localDevice signaling.DeviceID,
	mediaType signaling.MediaType, session media.Session, emit EventSink,
	logger logging.StructuredLogger, now time.Time) *Call {

	c := &Call{
		id:            id,
		remote:        remote,
		outgoing:      outgoing,
		localDeviceID: localDevice,
		mediaType:     mediaType,
		createdAt:     now,
		session:       session,
		emit:          emit,
		logger:        logger.WithFields(logging.String("call_id", id.String())),
	}
	c.initStateMachine()
	return c
}

// initStateMachine инициализирует конечный автомат состояний
func (c *Call) initStateMachine() {
	nonTerminal := []string{
		"idle", "prering", "ringing_local", "ringing_remote",
		"connecting", "connected", "reconnecting",
	}

	c.machine = fsm.NewFSM(
		"idle",
		fsm.Events{
			// Создание звонка
			{Name: "start", Src: []string{"idle"}, Dst: "prering"},
			// Offer отправлен, ждем удаленную сторону
			{Name: "ring_remote", Src: []string{"prering"}, Dst: "ringing_remote"},
			// Входящий звонок звонит локально
			{Name: "ring_local", Src: []string{"prering"}, Dst: "ringing_local"},
			// Получен answer
			{Name: "answer", Src: []string{"ringing_remote"}, Dst: "connecting"},
			// Пользователь принял входящий
			{Name: "accept", Src: []string{"ringing_local"}, Dst: "connecting"},
			// Медиа-соединение установлено/восстановлено
			{Name: "connect", Src: []string{"connecting", "reconnecting"}, Dst: "connected"},
			// Временная потеря соединения
			{Name: "disconnect", Src: []string{"connected"}, Dst: "reconnecting"},
			// Терминальное завершение из любого состояния
			{Name: "end", Src: nonTerminal, Dst: "ended"},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				c.handleStateChange(e)
			},
		},
	)
}

// handleStateChange уведомляет владельца об изменении состояния
func (c *Call) handleStateChange(e *fsm.Event) {
	if e.Src == e.Dst {
		return
	}
	c.emit(Event{
		Type:      EventStateChanged,
		CallID:    c.id,
		Remote:    c.remote,
		State:     c.State(),
		EndReason: c.endReason,
	})
}

// NewOutgoing создает исходящий звонок в состоянии prering.
// Offer создается и отправляется вызовом Start.
func NewOutgoing(id callid.CallID, remote string, localDevice signaling.DeviceID,
	mediaType signaling.MediaType, session media.Session, emit EventSink,
	logger logging.StructuredLogger, now time.Time) *Call {

	c := newCall(id, remote, true, localDevice, mediaType, session, emit, logger, now)
	_ = c.machine.Event(context.Background(), "start")
	return c
}

// NewIncoming создает входящий звонок в состоянии prering и уведомляет
// приложение, что звонок нужно запустить. Активное устройство удаленной
// стороны известно сразу из offer'а.
func NewIncoming(received signaling.ReceivedOffer, remote string,
	session media.Session, emit EventSink, logger logging.StructuredLogger,
	now time.Time) *Call {

	c := newCall(received.Offer.CallID, remote, false, received.ReceiverDeviceID,
		received.Offer.MediaType, session, emit, logger, now)
	c.remoteDeviceID = received.SenderDeviceID
	_ = c.machine.Event(context.Background(), "start")

	c.emit(Event{
		Type:           EventIncomingCall,
		CallID:         c.id,
		Remote:         c.remote,
		MediaType:      c.mediaType,
		SenderDeviceID: received.SenderDeviceID,
	})
	return c
}

// ID возвращает CallID звонка.
func (c *Call) ID() callid.CallID { return c.id }

// RemoteKey ключ удаленного пользователя.
func (c *Call) RemoteKey() string { return c.remote }

// IsOutgoing направление звонка.
func (c *Call) IsOutgoing() bool { return c.outgoing }

// MediaType тип медиа звонка.
func (c *Call) MediaType() signaling.MediaType { return c.mediaType }

// RemoteDeviceID активное устройство удаленной стороны (0, если неизвестно).
func (c *Call) RemoteDeviceID() signaling.DeviceID { return c.remoteDeviceID }

// State текущее состояние.
func (c *Call) State() State {
	switch c.machine.Current() {
	case "idle":
		return StateIdle
	case "prering":
		return StatePrering
	case "ringing_local":
		return StateRingingLocal
	case "ringing_remote":
		return StateRingingRemote
	case "connecting":
		return StateConnecting
	case "connected":
		return StateConnected
	case "reconnecting":
		return StateReconnecting
	default:
		return StateEnded
	}
}

// IsTerminated true, если звонок завершен.
func (c *Call) IsTerminated() bool { return c.State() == StateEnded }

// IsConnected true, если звонок соединен (включая реконнект).
func (c *Call) IsConnected() bool {
	s := c.State()
	return s == StateConnected || s == StateReconnecting
}

// EndReason причина завершения; осмысленна только после IsTerminated.
func (c *Call) EndReason() EndReason { return c.endReason }

// Start создает offer у медиа-коллаборатора и запрашивает его отправку.
// Валиден только для исходящего звонка в prering.
func (c *Call) Start() error {
	if !c.outgoing || c.State() != StatePrering {
		return fmt.Errorf("%w: Start в %s", ErrInvalidState, c.State())
	}

	opaque, err := c.session.CreateOffer()
	if err != nil {
		c.logger.LogError(context.Background(), err, "создание offer не удалось")
		c.EndWithReason(EndedInternalFailure)
		return err
	}

	c.emit(Event{
		Type:   EventSendOffer,
		CallID: c.id,
		Remote: c.remote,
		Offer: &signaling.Offer{
			CallID:    c.id,
			MediaType: c.mediaType,
			Opaque:    opaque,
		},
	})
	return c.machine.Event(context.Background(), "ring_remote")
}

// Proceed подтверждение приложения для входящего звонка: создается answer,
// звонок начинает звонить локально.
func (c *Call) Proceed(remoteOffer []byte) error {
	if c.outgoing || c.State() != StatePrering {
		return fmt.Errorf("%w: Proceed в %s", ErrInvalidState, c.State())
	}

	opaque, err := c.session.CreateAnswer(remoteOffer)
	if err != nil {
		c.logger.LogError(context.Background(), err, "создание answer не удалось")
		c.EndWithReason(EndedInternalFailure)
		return err
	}

	c.emit(Event{
		Type:   EventSendAnswer,
		CallID: c.id,
		Remote: c.remote,
		Answer: &signaling.Answer{
			CallID: c.id,
			Opaque: opaque,
		},
	})
	return c.machine.Event(context.Background(), "ring_local")
}

// Accept принятие входящего звонка пользователем.
// Валиден только из ringing_local.
func (c *Call) Accept() error {
	if c.State() != StateRingingLocal {
		return fmt.Errorf("%w: Accept в %s", ErrInvalidState, c.State())
	}
	return c.machine.Event(context.Background(), "accept")
}

// ReceivedAnswer обрабатывает answer удаленной стороны.
// Фиксирует активное устройство удаленной стороны.
func (c *Call) ReceivedAnswer(received signaling.ReceivedAnswer) error {
	if c.IsTerminated() {
		return nil
	}
	if c.State() != StateRingingRemote {
		c.logger.Debug(context.Background(), "answer вне ringing_remote, игнорируется",
			logging.String("state", c.State().String()))
		return nil
	}

	if err := c.session.SetRemoteAnswer(received.Answer.Opaque); err != nil {
		c.logger.LogError(context.Background(), err, "применение answer не удалось")
		c.EndWithReason(EndedInternalFailure)
		return err
	}
	c.remoteDeviceID = received.SenderDeviceID
	return c.machine.Event(context.Background(), "answer")
}

// ReceivedIce применяет ICE-кандидатов удаленной стороны.
func (c *Call) ReceivedIce(received signaling.ReceivedIce) error {
	if c.IsTerminated() {
		return nil
	}
	if err := c.session.AddRemoteCandidates(received.Ice.Candidates); err != nil {
		c.logger.LogError(context.Background(), err, "применение ICE-кандидатов не удалось")
		return err
	}
	return nil
}

// HandleLocalCandidates медиа-коллаборатор собрал локальных ICE-кандидатов;
// запрашиваем их отправку удаленной стороне.
func (c *Call) HandleLocalCandidates(candidates [][]byte) {
	if c.IsTerminated() || len(candidates) == 0 {
		return
	}
	c.emit(Event{
		Type:   EventSendIce,
		CallID: c.id,
		Remote: c.remote,
		Ice: &signaling.IceCandidates{
			CallID:     c.id,
			Candidates: candidates,
		},
	})
}

// ReceivedHangup обрабатывает hangup удаленной стороны. Завершенный звонок
// игнорирует дубликат без ошибки.
func (c *Call) ReceivedHangup(received signaling.ReceivedHangup) {
	if c.IsTerminated() {
		// Дубликат hangup, подавляем
		return
	}

	reason := EndedRemoteHangup
	switch received.Hangup.Type {
	case signaling.HangupTypeAccepted:
		reason = EndedRemoteHangupAccepted
	case signaling.HangupTypeDeclined:
		reason = EndedRemoteHangupDeclined
	case signaling.HangupTypeBusy:
		reason = EndedRemoteHangupBusy
	case signaling.HangupTypeNeedPermission:
		reason = EndedRemoteHangupNeedPermission
	}
	c.EndWithReason(reason)
}

// ReceivedBusy обрабатывает busy удаленной стороны.
func (c *Call) ReceivedBusy(received signaling.ReceivedBusy) {
	if c.IsTerminated() {
		return
	}
	c.EndWithReason(EndedRemoteBusy)
}

// Hangup завершает звонок по инициативе пользователя: отправляется
// HangupType.Normal, звонок уходит в ended(LocalHangup). Идемпотентен.
func (c *Call) Hangup() {
	if c.IsTerminated() {
		return
	}
	c.sendHangup(signaling.HangupTypeNormal)
	c.EndWithReason(EndedLocalHangup)
}

// Drop молча отбрасывает звонок без сигнализации (например, при
// вытеснении через recall). Идемпотентен.
func (c *Call) Drop() {
	if c.IsTerminated() {
		return
	}
	c.EndWithReason(EndedDropped)
}

// EndWithGlare завершает звонок как проигравший glare: отправляет
// HangupType.Normal и уходит в ended(RemoteGlare).
func (c *Call) EndWithGlare() {
	if c.IsTerminated() {
		return
	}
	c.sendHangup(signaling.HangupTypeNormal)
	c.EndWithReason(EndedRemoteGlare)
}

// sendHangup отправляет hangup один раз (подавление дубликатов).
func (c *Call) sendHangup(hangupType signaling.HangupType) {
	if c.hangupSent {
		return
	}
	c.hangupSent = true
	c.emit(Event{
		Type:   EventSendHangup,
		CallID: c.id,
		Remote: c.remote,
		Hangup: &signaling.Hangup{
			CallID:   c.id,
			Type:     hangupType,
			DeviceID: c.localDeviceID,
		},
	})
}

// EndWithReason терминальный переход с заданной причиной. Закрывает
// медиа-сессию. Идемпотентен.
func (c *Call) EndWithReason(reason EndReason) {
	if c.IsTerminated() {
		return
	}

	c.endReason = reason
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.logger.LogError(context.Background(), err, "закрытие медиа-сессии не удалось")
		}
	}
	_ = c.machine.Event(context.Background(), "end")

	c.logger.Info(context.Background(), "звонок завершен",
		logging.String("reason", reason.String()))
}

// HandleMediaConnected медиа-коллаборатор сообщил об установлении соединения.
func (c *Call) HandleMediaConnected() {
	if c.IsTerminated() {
		return
	}
	_ = c.machine.Event(context.Background(), "connect")
}

// HandleMediaDisconnected временная потеря соединения.
func (c *Call) HandleMediaDisconnected() {
	if c.IsTerminated() {
		return
	}
	_ = c.machine.Event(context.Background(), "disconnect")
}

// HandleMediaFailure фатальный сбой медиа-соединения.
func (c *Call) HandleMediaFailure() {
	if c.IsTerminated() {
		return
	}
	c.EndWithReason(EndedConnectionFailure)
}

// HandleSignalingFailure сообщение этого звонка не удалось отправить.
func (c *Call) HandleSignalingFailure() {
	if c.IsTerminated() {
		return
	}
	c.EndWithReason(EndedSignalingFailure)
}

// Tick проверка таймаутов, вызывается из tick-диспетчера владельца.
func (c *Call) Tick(now time.Time) {
	if c.IsTerminated() || c.IsConnected() {
		return
	}
	if now.Sub(c.createdAt) > SetupTimeout {
		c.EndWithReason(EndedTimeout)
	}
}
