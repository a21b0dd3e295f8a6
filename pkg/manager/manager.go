// Package manager реализует реестр звонков: единственный активный прямой
// звонок, карта групповых клиентов и координатор групповых обзвонов.
//
// Все мутирующие операции сериализуются через одну очередь диспетчеризации
// на реестр. События могут приходить из разных источников одновременно
// (сигнализация, API приложения, колбэки медиа-транспорта), но состояние
// трогается только из цикла диспетчера. Единственное исключение — уровни
// звука: телеметрия ретранслируется групповому клиенту синхронно и ничего
// в его состоянии не меняет; пополнение снимка устройств уровнями все
// равно проходит через цикл диспетчера.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/call_engine/pkg/call"
	"github.com/arzzra/call_engine/pkg/callid"
	"github.com/arzzra/call_engine/pkg/groupcall"
	"github.com/arzzra/call_engine/pkg/logging"
	"github.com/arzzra/call_engine/pkg/media"
	"github.com/arzzra/call_engine/pkg/mrp"
	"github.com/arzzra/call_engine/pkg/sfu"
	"github.com/arzzra/call_engine/pkg/signaling"
)

var (
	// ErrManagerClosed реестр остановлен
	ErrManagerClosed = errors.New("реестр звонков остановлен")
	// ErrCallManagerBusy уже есть активный прямой звонок
	ErrCallManagerBusy = errors.New("активный звонок уже существует")
	// ErrUnknownCall операция адресована не активному звонку
	ErrUnknownCall = errors.New("звонок не найден")
)

// GroupDependencies создает коллабораторов для нового группового клиента.
type GroupDependencies interface {
	CreateTransport(clientID groupcall.ClientID) (groupcall.Transport, error)
	CreateMediaControl(clientID groupcall.ClientID) (groupcall.MediaControl, error)
}

// Config зависимости и параметры реестра.
type Config struct {
	LocalDeviceID signaling.DeviceID
	MediaFactory  media.Factory

	GroupDeps    GroupDependencies
	HTTPDelegate sfu.HTTPDelegate
	SFUBaseURL   string

	Logger      logging.StructuredLogger
	CallEvents  call.EventSink
	GroupEvents groupcall.EventSink
	RingEvents  RingEventSink

	Mrp mrp.Config

	// QueueSize емкость очереди диспетчеризации
	QueueSize int
	// TickInterval период опроса таймаутов и ретрансляций
	TickInterval time.Duration
	// RingTimeout срок жизни попытки обзвона без терминального обновления
	RingTimeout time.Duration

	Metrics *MetricsConfig
}

// DefaultConfig возвращает конфигурацию с консервативными умолчаниями.
// Зависимости-коллабораторы должны быть заполнены вызывающим.
func DefaultConfig() Config {
	return Config{
		Mrp:          mrp.DefaultConfig(),
		QueueSize:    256,
		TickInterval: time.Second,
		RingTimeout:  signaling.MaxMessageAge,
	}
}

// groupEntry живой групповой клиент вместе с его SFU-клиентом.
type groupEntry struct {
	client *groupcall.Client
	sfu    *sfu.Client
}

// Manager реестр звонков.
type Manager struct {
	config  Config
	logger  logging.StructuredLogger
	metrics *MetricsCollector

	queue chan func()
	done  chan struct{}
	wg    sync.WaitGroup

	closeOnce sync.Once

	// Состояние ниже принадлежит циклу диспетчера

	active       *call.Call
	pendingOffer []byte

	// remoteRefs ссылки приложения на удаленных абонентов: удерживаются от
	// создания звонка до "concluded" и освобождаются ровно один раз
	remoteRefs map[callid.CallID]media.Handle
	handles    *media.HandleTable

	nextClientID groupcall.ClientID
	rings        map[callid.RingID]*ringState

	// groupMu защищает карту клиентов только ради синхронного прохода
	// уровней звука; вся остальная мутация — из цикла диспетчера
	groupMu      sync.RWMutex
	groupClients map[groupcall.ClientID]*groupEntry
}

// New создает и запускает реестр.
func New(config Config) (*Manager, error) {
	if config.MediaFactory == nil {
		return nil, fmt.Errorf("не задана фабрика медиа-сессий")
	}
	if config.Logger == nil {
		config.Logger = logging.GetDefaultLogger()
	}
	if config.CallEvents == nil {
		config.CallEvents = func(call.Event) {}
	}
	if config.GroupEvents == nil {
		config.GroupEvents = func(groupcall.Event) {}
	}
	if config.RingEvents == nil {
		config.RingEvents = func(RingEvent) {}
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.TickInterval <= 0 {
		config.TickInterval = time.Second
	}
	if config.RingTimeout <= 0 {
		config.RingTimeout = signaling.MaxMessageAge
	}
	if config.Mrp.WindowSize <= 0 {
		config.Mrp = mrp.DefaultConfig()
	}

	m := &Manager{
		config:       config,
		logger:       config.Logger.WithComponent("manager"),
		metrics:      NewMetricsCollector(config.Metrics),
		queue:        make(chan func(), config.QueueSize),
		done:         make(chan struct{}),
		remoteRefs:   make(map[callid.CallID]media.Handle),
		handles:      media.NewHandleTable(),
		nextClientID: 1,
		rings:        make(map[callid.RingID]*ringState),
		groupClients: make(map[groupcall.ClientID]*groupEntry),
	}

	m.wg.Add(2)
	go m.run()
	go m.tickLoop()
	return m, nil
}

// run цикл диспетчера: единственная горутина, трогающая состояние.
func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case f := <-m.queue:
			f()
		case <-m.done:
			// Добираем уже поставленное в очередь
			for {
				select {
				case f := <-m.queue:
					f()
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) tickLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			_ = m.dispatch(func() { m.tick(now) })
		case <-m.done:
			return
		}
	}
}

// dispatch выполняет f в цикле диспетчера и дожидается завершения.
// Приемники событий не должны вызывать методы реестра синхронно,
// иначе возможна взаимная блокировка.
func (m *Manager) dispatch(f func()) error {
	doneCh := make(chan struct{})
	wrapped := func() {
		defer close(doneCh)
		f()
	}
	select {
	case m.queue <- wrapped:
	case <-m.done:
		return ErrManagerClosed
	}
	select {
	case <-doneCh:
		return nil
	case <-m.done:
		// Цикл добирает очередь при остановке
		<-doneCh
		return nil
	}
}

// Close останавливает реестр. Уже поставленные операции доисполняются.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

// --- Прямые звонки ---

// ActiveCallID CallID активного прямого звонка (0, если его нет).
func (m *Manager) ActiveCallID() callid.CallID {
	var id callid.CallID
	_ = m.dispatch(func() {
		if m.active != nil && !m.active.IsTerminated() {
			id = m.active.ID()
		}
	})
	return id
}

// PlaceCall начинает исходящий прямой звонок. Возвращает ErrCallManagerBusy,
// если активный звонок уже существует.
func (m *Manager) PlaceCall(remote string, mediaType signaling.MediaType) (callid.CallID, error) {
	var id callid.CallID
	var err error
	if dispErr := m.dispatch(func() { id, err = m.placeCall(remote, mediaType) }); dispErr != nil {
		return 0, dispErr
	}
	return id, err
}

func (m *Manager) placeCall(remote string, mediaType signaling.MediaType) (callid.CallID, error) {
	if m.hasLiveCall() {
		return 0, fmt.Errorf("%w: %s", ErrCallManagerBusy, m.active.ID())
	}

	id, err := callid.NewCallID()
	if err != nil {
		return 0, fmt.Errorf("генерация call id: %w", err)
	}

	session, err := m.config.MediaFactory.CreateSession(id, true, mediaType)
	if err != nil {
		return 0, fmt.Errorf("создание медиа-сессии: %w", err)
	}

	m.remoteRefs[id] = m.handles.Retain(remote)
	c := call.NewOutgoing(id, remote, m.config.LocalDeviceID, mediaType,
		session, m.config.CallEvents, m.logger, time.Now())
	m.active = c
	m.pendingOffer = nil
	m.metrics.RecordCallPlaced()

	if startErr := c.Start(); startErr != nil {
		return id, startErr
	}
	return id, nil
}

func (m *Manager) hasLiveCall() bool {
	return m.active != nil && !m.active.IsTerminated()
}

// ReceivedOffer обрабатывает входящий offer: занято, glare, recall или
// новый входящий звонок.
func (m *Manager) ReceivedOffer(remote string, received signaling.ReceivedOffer) error {
	return m.dispatch(func() { m.receivedOffer(remote, received, time.Now()) })
}

func (m *Manager) receivedOffer(remote string, received signaling.ReceivedOffer, now time.Time) {
	offeredID := received.Offer.CallID

	// Протухший offer отклоняется до создания звонка
	if received.Age > signaling.MaxMessageAge {
		m.logger.Info(context.Background(), "offer протух",
			logging.String("call_id", offeredID.String()),
			logging.Duration("age", received.Age))
		m.concludeWithoutCall(offeredID, remote, call.EndedReceivedOfferExpired)
		return
	}

	if m.hasLiveCall() {
		active := m.active
		if active.RemoteKey() != remote {
			// Чужой offer при активном звонке: занято
			m.logger.Info(context.Background(), "offer при активном звонке, busy",
				logging.String("call_id", offeredID.String()))
			m.concludeWithoutCall(offeredID, remote, call.EndedReceivedOfferWhileActive)
			m.config.CallEvents(call.Event{
				Type:   call.EventSendBusy,
				CallID: offeredID,
				Remote: remote,
				Busy:   &signaling.Busy{CallID: offeredID},
			})
			return
		}

		if active.IsConnected() {
			// Recall: соединенный звонок уступает новому offer'у
			m.logger.Info(context.Background(), "recall от соединенного удаленного",
				logging.String("old_call_id", active.ID().String()),
				logging.String("new_call_id", offeredID.String()))
			active.EndWithReason(call.EndedRemoteReCall)
			m.acceptOffer(remote, received, now)
			return
		}

		// Glare: меньший CallID побеждает
		switch {
		case offeredID == active.ID():
			// Равные id возможны только при ошибке клиента
			m.logger.Error(context.Background(), "glare с равными call id",
				logging.String("call_id", offeredID.String()))
			active.EndWithReason(call.EndedGlareHandlingFailure)
			m.concludeWithoutCall(offeredID, remote, call.EndedGlareHandlingFailure)
		case offeredID.Less(active.ID()):
			// Локальный звонок проигрывает: Hangup(Normal) и уступаем
			m.logger.Info(context.Background(), "glare, локальный звонок проигрывает",
				logging.String("losing_call_id", active.ID().String()),
				logging.String("winning_call_id", offeredID.String()))
			active.EndWithGlare()
			m.acceptOffer(remote, received, now)
		default:
			// Локальный звонок выигрывает: offer игнорируется, glare
			// разрешится на удаленной стороне по нашему offer'у
			m.logger.Info(context.Background(), "glare, локальный звонок выигрывает",
				logging.String("call_id", active.ID().String()))
		}
		return
	}

	m.acceptOffer(remote, received, now)
}

// acceptOffer создает входящий звонок по offer'у.
func (m *Manager) acceptOffer(remote string, received signaling.ReceivedOffer, now time.Time) {
	id := received.Offer.CallID
	session, err := m.config.MediaFactory.CreateSession(id, false, received.Offer.MediaType)
	if err != nil {
		m.logger.LogError(context.Background(), err, "создание медиа-сессии не удалось",
			logging.String("call_id", id.String()))
		m.concludeWithoutCall(id, remote, call.EndedInternalFailure)
		return
	}

	m.remoteRefs[id] = m.handles.Retain(remote)
	m.active = call.NewIncoming(received, remote, session, m.config.CallEvents, m.logger, now)
	m.pendingOffer = append([]byte(nil), received.Offer.Opaque...)
}

// concludeWithoutCall сообщает приложению о terminal-исходе offer'а,
// для которого объект звонка не создавался.
func (m *Manager) concludeWithoutCall(id callid.CallID, remote string, reason call.EndReason) {
	m.metrics.RecordCallEnded(reason.String())
	m.config.CallEvents(call.Event{
		Type:      call.EventStateChanged,
		CallID:    id,
		Remote:    remote,
		State:     call.StateEnded,
		EndReason: reason,
	})
}

// Proceed подтверждение приложения для входящего звонка.
func (m *Manager) Proceed(id callid.CallID) error {
	var err error
	if dispErr := m.dispatch(func() {
		if m.active == nil || m.active.ID() != id {
			err = fmt.Errorf("%w: %s", ErrUnknownCall, id)
			return
		}
		err = m.active.Proceed(m.pendingOffer)
	}); dispErr != nil {
		return dispErr
	}
	return err
}

// Accept принятие входящего звонка пользователем.
func (m *Manager) Accept(id callid.CallID) error {
	var err error
	if dispErr := m.dispatch(func() {
		if m.active == nil || m.active.ID() != id {
			err = fmt.Errorf("%w: %s", ErrUnknownCall, id)
			return
		}
		err = m.active.Accept()
	}); dispErr != nil {
		return dispErr
	}
	return err
}

// Hangup завершает активный звонок с отправкой Hangup(Normal).
// Идемпотентен: без активного звонка — no-op.
func (m *Manager) Hangup() error {
	return m.dispatch(func() {
		if m.active != nil {
			m.active.Hangup()
		}
	})
}

// Drop молча отказывается от звонка без сигнализации.
func (m *Manager) Drop(id callid.CallID) error {
	return m.dispatch(func() {
		if m.active != nil && m.active.ID() == id {
			m.active.Drop()
		}
	})
}

// ReceivedAnswer обрабатывает answer. Чужой callId молча игнорируется.
func (m *Manager) ReceivedAnswer(received signaling.ReceivedAnswer) error {
	return m.dispatch(func() {
		if m.active == nil || m.active.ID() != received.Answer.CallID {
			m.logger.Debug(context.Background(), "answer для неактивного звонка, игнорируется",
				logging.String("call_id", received.Answer.CallID.String()))
			return
		}
		_ = m.active.ReceivedAnswer(received)
	})
}

// ReceivedIceCandidates обрабатывает ICE-кандидатов удаленной стороны.
func (m *Manager) ReceivedIceCandidates(received signaling.ReceivedIce) error {
	return m.dispatch(func() {
		if m.active == nil || m.active.ID() != received.Ice.CallID {
			m.logger.Debug(context.Background(), "ice для неактивного звонка, игнорируется",
				logging.String("call_id", received.Ice.CallID.String()))
			return
		}
		_ = m.active.ReceivedIce(received)
	})
}

// ReceivedHangup обрабатывает hangup удаленной стороны.
func (m *Manager) ReceivedHangup(received signaling.ReceivedHangup) error {
	return m.dispatch(func() {
		if m.active == nil || m.active.ID() != received.Hangup.CallID {
			m.logger.Debug(context.Background(), "hangup для неактивного звонка, игнорируется",
				logging.String("call_id", received.Hangup.CallID.String()))
			return
		}
		m.active.ReceivedHangup(received)
	})
}

// ReceivedBusy обрабатывает busy удаленной стороны.
func (m *Manager) ReceivedBusy(received signaling.ReceivedBusy) error {
	return m.dispatch(func() {
		if m.active == nil || m.active.ID() != received.Busy.CallID {
			return
		}
		m.active.ReceivedBusy(received)
	})
}

// CallConcluded сигнал медиа-коллаборатора о полной разборке звонка.
// Освобождает ссылку на удаленного абонента ровно один раз.
func (m *Manager) CallConcluded(id callid.CallID) error {
	return m.dispatch(func() {
		handle, ok := m.remoteRefs[id]
		if !ok {
			m.logger.Warn(context.Background(), "concluded для неизвестного звонка",
				logging.String("call_id", id.String()))
			return
		}
		delete(m.remoteRefs, id)
		if _, err := m.handles.Release(handle); err != nil {
			m.logger.LogError(context.Background(), err, "освобождение ссылки не удалось")
		}
		if m.active != nil && m.active.ID() == id {
			m.metrics.RecordCallEnded(m.active.EndReason().String())
			m.active = nil
			m.pendingOffer = nil
		}
	})
}

// MediaConnected колбэк медиа-коллаборатора: соединение установлено.
func (m *Manager) MediaConnected(id callid.CallID) error {
	return m.dispatch(func() {
		if m.active != nil && m.active.ID() == id {
			m.active.HandleMediaConnected()
		}
	})
}

// MediaDisconnected колбэк медиа-коллаборатора: соединение потеряно.
func (m *Manager) MediaDisconnected(id callid.CallID) error {
	return m.dispatch(func() {
		if m.active != nil && m.active.ID() == id {
			m.active.HandleMediaDisconnected()
		}
	})
}

// MediaFailure колбэк медиа-коллаборатора: фатальный сбой соединения.
func (m *Manager) MediaFailure(id callid.CallID) error {
	return m.dispatch(func() {
		if m.active != nil && m.active.ID() == id {
			m.active.HandleMediaFailure()
		}
	})
}

// SignalingFailure сигнальное сообщение звонка не удалось отправить.
func (m *Manager) SignalingFailure(id callid.CallID) error {
	return m.dispatch(func() {
		if m.active != nil && m.active.ID() == id {
			m.active.HandleSignalingFailure()
		}
	})
}

// RemoteRefCount количество удерживаемых ссылок на удаленных абонентов
// (для тестов учета владения).
func (m *Manager) RemoteRefCount() int {
	var n int
	_ = m.dispatch(func() { n = m.handles.Len() })
	return n
}

// --- Групповые звонки ---

// ConnectGroup создает (или переиспользует) группового клиента и открывает
// соединение. Повторный вызов для той же группы возвращает существующий id.
func (m *Manager) ConnectGroup(groupID string) (groupcall.ClientID, error) {
	var id groupcall.ClientID
	var err error
	if dispErr := m.dispatch(func() { id, err = m.connectGroup(groupID) }); dispErr != nil {
		return groupcall.InvalidClientID, dispErr
	}
	return id, err
}

func (m *Manager) connectGroup(groupID string) (groupcall.ClientID, error) {
	for id, entry := range m.groupClients {
		if entry.client.GroupID() == groupID {
			// Идемпотентность: живой клиент переиспользуется
			return id, entry.client.Connect()
		}
	}
	if m.config.GroupDeps == nil || m.config.HTTPDelegate == nil {
		return groupcall.InvalidClientID, fmt.Errorf("групповые зависимости не заданы")
	}

	clientID := m.nextClientID
	m.nextClientID++

	transport, err := m.config.GroupDeps.CreateTransport(clientID)
	if err != nil {
		return groupcall.InvalidClientID, fmt.Errorf("создание транспорта: %w", err)
	}
	mediaCtl, err := m.config.GroupDeps.CreateMediaControl(clientID)
	if err != nil {
		return groupcall.InvalidClientID, fmt.Errorf("создание медиа: %w", err)
	}

	sfuClient := sfu.NewClient(m.config.HTTPDelegate, m.config.SFUBaseURL, m.logger)
	client, err := groupcall.NewClient(groupcall.Config{
		ClientID:  clientID,
		GroupID:   groupID,
		Sfu:       sfuClient,
		Transport: transport,
		Media:     mediaCtl,
		Mrp:       m.config.Mrp,
		Logger:    m.logger,
		Emit:      m.groupSink(clientID),
	})
	if err != nil {
		return groupcall.InvalidClientID, err
	}

	m.registerGroup(clientID, &groupEntry{client: client, sfu: sfuClient})
	if err := client.Connect(); err != nil {
		// Connect сам завершает клиента, sink уже снял регистрацию
		return groupcall.InvalidClientID, err
	}
	return clientID, nil
}

// groupSink оборачивает приемник событий: завершение клиента снимает его
// с регистрации до того, как событие уйдет приложению.
func (m *Manager) groupSink(clientID groupcall.ClientID) groupcall.EventSink {
	return func(e groupcall.Event) {
		if e.Type == groupcall.EventEnded {
			m.unregisterGroup(clientID)
		}
		m.config.GroupEvents(e)
	}
}

func (m *Manager) registerGroup(id groupcall.ClientID, entry *groupEntry) {
	m.groupMu.Lock()
	m.groupClients[id] = entry
	m.groupMu.Unlock()
	m.metrics.SetActiveGroupClients(len(m.groupClients))
}

func (m *Manager) unregisterGroup(id groupcall.ClientID) {
	m.groupMu.Lock()
	delete(m.groupClients, id)
	m.groupMu.Unlock()
	m.metrics.SetActiveGroupClients(len(m.groupClients))
}

// groupClient клиент по id; nil для неизвестного (уже завершившегося).
func (m *Manager) groupClient(id groupcall.ClientID) *groupcall.Client {
	entry, ok := m.groupClients[id]
	if !ok {
		m.logger.Debug(context.Background(), "событие для неизвестного группового клиента",
			logging.Uint64("client_id", uint64(id)))
		return nil
	}
	return entry.client
}

// withGroup выполняет f над живым клиентом; неизвестный id — no-op.
func (m *Manager) withGroup(id groupcall.ClientID, f func(*groupcall.Client)) error {
	return m.dispatch(func() {
		if c := m.groupClient(id); c != nil {
			f(c)
		}
	})
}

// JoinGroup запрашивает участие в конференции.
func (m *Manager) JoinGroup(id groupcall.ClientID) error {
	return m.withGroup(id, func(c *groupcall.Client) { c.Join() })
}

// LeaveGroup прекращает участие, сохраняя соединение.
func (m *Manager) LeaveGroup(id groupcall.ClientID) error {
	return m.withGroup(id, func(c *groupcall.Client) { c.Leave() })
}

// DisconnectGroup полностью отключает группового клиента.
func (m *Manager) DisconnectGroup(id groupcall.ClientID) error {
	return m.withGroup(id, func(c *groupcall.Client) { c.Disconnect() })
}

// GroupTransportConnected транспорт группового клиента установлен.
func (m *Manager) GroupTransportConnected(id groupcall.ClientID) error {
	return m.withGroup(id, func(c *groupcall.Client) { c.HandleTransportConnected() })
}

// GroupPacket входящий пакет административного потока группового клиента.
func (m *Manager) GroupPacket(id groupcall.ClientID, data []byte) error {
	return m.withGroup(id, func(c *groupcall.Client) { c.HandlePacket(data) })
}

// GroupRemoteDevicesChanged свежий снимок участников от SFU.
func (m *Manager) GroupRemoteDevicesChanged(id groupcall.ClientID, devices []groupcall.RemoteDeviceState) error {
	return m.withGroup(id, func(c *groupcall.Client) { c.HandleRemoteDevicesChanged(devices) })
}

// GroupPeekChanged свежее наблюдаемое состояние конференции.
func (m *Manager) GroupPeekChanged(id groupcall.ClientID, info sfu.PeekInfo) error {
	return m.withGroup(id, func(c *groupcall.Client) { c.HandlePeekChanged(info, time.Now()) })
}

// GroupRaiseHand поднимает/опускает руку.
func (m *Manager) GroupRaiseHand(id groupcall.ClientID, raise bool) error {
	var err error
	if dispErr := m.withGroup(id, func(c *groupcall.Client) { err = c.RaiseHand(raise) }); dispErr != nil {
		return dispErr
	}
	return err
}

// SFUResponse ответ HTTP-делегата для SFU-клиента группового клиента.
func (m *Manager) SFUResponse(id groupcall.ClientID, requestID uint64, resp sfu.Response) error {
	return m.dispatch(func() {
		entry, ok := m.groupClients[id]
		if !ok {
			return
		}
		entry.sfu.ReceivedResponse(requestID, resp)
	})
}

// SFURequestFailed сбой HTTP-запроса SFU-клиента.
func (m *Manager) SFURequestFailed(id groupcall.ClientID, requestID uint64, err error) error {
	return m.dispatch(func() {
		entry, ok := m.groupClients[id]
		if !ok {
			return
		}
		entry.sfu.RequestFailed(requestID, err)
	})
}

// GroupAudioLevels синхронный проход телеметрии уровней звука, минуя
// очередь диспетчеризации: уровни не влияют на машины состояний, а их
// частота делает маршалинг неоправданным. Сквозной путь только
// ретранслирует событие; пополнение снимка устройств уходит в цикл
// диспетчера без ожидания и отбрасывается при заполненной очереди.
func (m *Manager) GroupAudioLevels(id groupcall.ClientID, captured uint16, levels []groupcall.AudioLevel) {
	m.groupMu.RLock()
	entry, ok := m.groupClients[id]
	m.groupMu.RUnlock()
	if !ok {
		return
	}
	entry.client.HandleAudioLevels(captured, levels)

	snapshot := append([]groupcall.AudioLevel(nil), levels...)
	select {
	case m.queue <- func() {
		if client := m.groupClient(id); client != nil {
			client.ApplyAudioLevels(snapshot)
		}
	}:
	default:
		// Телеметрия: при заполненной очереди свежие уровни догонят
	}
}

// --- Координатор обзвонов ---

// RingAll начинает групповой обзвон: выделяет RingID и отдает приложению
// событие Requested для ретрансляции остальным устройствам.
func (m *Manager) RingAll(groupID string) (callid.RingID, error) {
	var ringID callid.RingID
	var err error
	if dispErr := m.dispatch(func() {
		var id callid.CallID
		id, err = callid.NewCallID()
		if err != nil {
			return
		}
		ringID = callid.RingIDFromCallID(id)
		m.rings[ringID] = &ringState{
			groupID:   groupID,
			outgoing:  true,
			startedAt: time.Now(),
		}
		m.metrics.RecordRingRequested()
		m.config.RingEvents(RingEvent{RingID: ringID, GroupID: groupID, Update: RingRequested})
	}); dispErr != nil {
		return 0, dispErr
	}
	return ringID, err
}

// CancelGroupRing отменяет обзвон до терминального обновления.
// Для неизвестного или уже завершенного обзвона — no-op.
func (m *Manager) CancelGroupRing(ringID callid.RingID) error {
	return m.dispatch(func() {
		state, ok := m.rings[ringID]
		if !ok || state.terminal {
			m.logger.Warn(context.Background(), "отмена неактивного обзвона",
				logging.Int64("ring_id", int64(ringID)))
			return
		}
		m.finishRing(ringID, state, RingEvent{
			RingID:  ringID,
			GroupID: state.groupID,
			Update:  RingCancelledByRinger,
		}, time.Now())
	})
}

// ReceivedRingUpdate входящее обновление обзвона от другого устройства.
// Чисто информационное; каждое RingID получает не более одного
// терминального обновления.
func (m *Manager) ReceivedRingUpdate(ringID callid.RingID, groupID, sender string, update RingUpdate) error {
	return m.dispatch(func() {
		now := time.Now()
		state, ok := m.rings[ringID]

		if update == RingRequested {
			if ok {
				// Дубликат запроса
				return
			}
			m.rings[ringID] = &ringState{groupID: groupID, startedAt: now}
			m.config.RingEvents(RingEvent{RingID: ringID, GroupID: groupID, Sender: sender, Update: update})
			return
		}

		if ok && state.terminal {
			m.logger.Warn(context.Background(), "повторное терминальное обновление обзвона",
				logging.Int64("ring_id", int64(ringID)),
				logging.String("update", update.String()))
			return
		}
		if !ok {
			// Терминал для обзвона, чей запрос мы не видели: учитываем,
			// чтобы погасить последующие дубликаты
			state = &ringState{groupID: groupID, startedAt: now}
			m.rings[ringID] = state
		}
		m.finishRing(ringID, state, RingEvent{
			RingID:  ringID,
			GroupID: state.groupID,
			Sender:  sender,
			Update:  update,
		}, now)
	})
}

// finishRing фиксирует терминальное обновление и уведомляет приложение.
func (m *Manager) finishRing(ringID callid.RingID, state *ringState, event RingEvent, now time.Time) {
	state.terminal = true
	state.terminalAt = now
	m.config.RingEvents(event)
}

// --- Периодический опрос ---

// tick оценивает таймауты в точке диспетчеризации вместо отдельных таймеров.
func (m *Manager) tick(now time.Time) {
	if m.active != nil {
		m.active.Tick(now)
	}

	for _, entry := range m.groupClients {
		entry.client.Tick(now)
	}

	for ringID, state := range m.rings {
		switch {
		case state.terminal:
			if now.Sub(state.terminalAt) > m.config.RingTimeout {
				delete(m.rings, ringID)
			}
		case now.Sub(state.startedAt) > m.config.RingTimeout:
			m.finishRing(ringID, state, RingEvent{
				RingID:  ringID,
				GroupID: state.groupID,
				Update:  RingExpired,
			}, now)
		}
	}
}

// Tick ручной прогон периодического опроса (для тестов и симулятора).
func (m *Manager) Tick(now time.Time) error {
	return m.dispatch(func() { m.tick(now) })
}
