// callsim гоняет движок звонков по замкнутому контуру: два реестра,
// соединенные сигнальным маршрутизатором в памяти. Полезен для ручной
// проверки сценариев прямых звонков (включая glare) и группового
// управляющего канала без реального транспорта.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/call_engine/pkg/call"
	"github.com/arzzra/call_engine/pkg/groupcall"
	"github.com/arzzra/call_engine/pkg/logging"
	"github.com/arzzra/call_engine/pkg/manager"
	"github.com/arzzra/call_engine/pkg/media/mediasim"
	"github.com/arzzra/call_engine/pkg/sfu"
	"github.com/arzzra/call_engine/pkg/signaling"
)

func main() {
	var (
		scenario = flag.String("scenario", "call", "Сценарий: call, glare, group")
		delay    = flag.Duration("delay", 10*time.Millisecond, "Задержка доставки сигнализации")
		debug    = flag.Bool("debug", false, "Подробное логирование")
	)
	flag.Parse()

	level := logging.LogLevelWarn
	if *debug {
		level = logging.LogLevelDebug
	}

	switch *scenario {
	case "call":
		runDirectCall(*delay, level)
	case "glare":
		runGlare(*delay, level)
	case "group":
		runGroup(level)
	default:
		fmt.Printf("Неизвестный сценарий: %s\n", *scenario)
		fmt.Println("Доступные сценарии: call, glare, group")
		os.Exit(1)
	}
}

// endpoint один участник контура: реестр плюс адрес доставки.
type endpoint struct {
	name    string
	device  signaling.DeviceID
	manager *manager.Manager
}

// router доставляет сигнализацию между двумя реестрами с задержкой.
type router struct {
	delay time.Duration
	peers map[string]*endpoint
}

func (r *router) deliver(from *endpoint, e call.Event) {
	peer, ok := r.peers[e.Remote]
	if !ok {
		log.Printf("[router] не найден адресат %q", e.Remote)
		return
	}
	go func() {
		time.Sleep(r.delay)
		var err error
		switch e.Type {
		case call.EventSendOffer:
			err = peer.manager.ReceivedOffer(from.name, signaling.ReceivedOffer{
				Offer:            *e.Offer,
				SenderDeviceID:   from.device,
				ReceiverDeviceID: peer.device,
			})
		case call.EventSendAnswer:
			err = peer.manager.ReceivedAnswer(signaling.ReceivedAnswer{
				Answer:         *e.Answer,
				SenderDeviceID: from.device,
			})
		case call.EventSendIce:
			err = peer.manager.ReceivedIceCandidates(signaling.ReceivedIce{
				Ice:            *e.Ice,
				SenderDeviceID: from.device,
			})
		case call.EventSendHangup:
			err = peer.manager.ReceivedHangup(signaling.ReceivedHangup{
				Hangup:         *e.Hangup,
				SenderDeviceID: from.device,
			})
		case call.EventSendBusy:
			err = peer.manager.ReceivedBusy(signaling.ReceivedBusy{
				Busy:           *e.Busy,
				SenderDeviceID: from.device,
			})
		}
		if err != nil {
			log.Printf("[router] доставка от %s: %v", from.name, err)
		}
	}()
}

func newEndpoint(name string, device signaling.DeviceID, r *router, level logging.LogLevel) *endpoint {
	ep := &endpoint{name: name, device: device}

	logger := logging.NewTestLogger(os.Stderr)
	logger.SetLevel(level)

	config := manager.DefaultConfig()
	config.LocalDeviceID = device
	config.MediaFactory = mediasim.NewEngine(fmt.Sprintf("10.0.0.%d", device))
	config.Logger = logger.WithComponent(name)
	config.CallEvents = func(e call.Event) {
		switch e.Type {
		case call.EventStateChanged:
			log.Printf("[%s] звонок %s: %s (причина %s)", name, e.CallID, e.State, e.EndReason)
		case call.EventIncomingCall:
			log.Printf("[%s] входящий звонок %s от %s", name, e.CallID, e.Remote)
			go func() {
				if err := ep.manager.Proceed(e.CallID); err != nil {
					log.Printf("[%s] proceed: %v", name, err)
					return
				}
				if err := ep.manager.Accept(e.CallID); err != nil {
					log.Printf("[%s] accept: %v", name, err)
				}
			}()
		default:
			r.deliver(ep, e)
		}
	}

	m, err := manager.New(config)
	if err != nil {
		log.Fatalf("создание реестра %s: %v", name, err)
	}
	ep.manager = m
	r.peers[name] = ep
	return ep
}

// runDirectCall прогоняет обычный прямой звонок alice → bob.
func runDirectCall(delay time.Duration, level logging.LogLevel) {
	r := &router{delay: delay, peers: map[string]*endpoint{}}
	alice := newEndpoint("alice", 1, r, level)
	bob := newEndpoint("bob", 2, r, level)
	defer alice.manager.Close()
	defer bob.manager.Close()

	id, err := alice.manager.PlaceCall("bob", signaling.MediaTypeAudio)
	if err != nil {
		log.Fatalf("place call: %v", err)
	}
	log.Printf("[alice] звонок %s отправлен", id)

	time.Sleep(10*delay + 100*time.Millisecond)

	// Сигнальный обмен завершен, имитируем установление медиа
	_ = alice.manager.MediaConnected(id)
	_ = bob.manager.MediaConnected(id)
	time.Sleep(50 * time.Millisecond)

	_ = alice.manager.Hangup()
	time.Sleep(10*delay + 100*time.Millisecond)
	log.Printf("сценарий call завершен")
}

// runGlare оба реестра звонят друг другу одновременно: выживает звонок
// с меньшим CallID.
func runGlare(delay time.Duration, level logging.LogLevel) {
	r := &router{delay: delay, peers: map[string]*endpoint{}}
	alice := newEndpoint("alice", 1, r, level)
	bob := newEndpoint("bob", 2, r, level)
	defer alice.manager.Close()
	defer bob.manager.Close()

	idA, errA := alice.manager.PlaceCall("bob", signaling.MediaTypeAudio)
	idB, errB := bob.manager.PlaceCall("alice", signaling.MediaTypeAudio)
	if errA != nil || errB != nil {
		log.Fatalf("place call: %v / %v", errA, errB)
	}
	log.Printf("glare: alice=%s bob=%s", idA, idB)

	time.Sleep(10*delay + 200*time.Millisecond)

	winner := idA
	if idB.Less(idA) {
		winner = idB
	}
	log.Printf("ожидаемый победитель: %s", winner)
	log.Printf("alice активный: %s, bob активный: %s",
		alice.manager.ActiveCallID(), bob.manager.ActiveCallID())
}

// loopTransport заворачивает административные пакеты обратно: для
// демонстрации достаточно увидеть исходящий поток.
type loopTransport struct {
	name string
}

func (t *loopTransport) Send(packet []byte) error {
	log.Printf("[%s] административный пакет %d байт", t.name, len(packet))
	return nil
}

type loopMedia struct{}

func (loopMedia) CreateOutgoingTracks(_, _ bool) error { return nil }
func (loopMedia) SetOutgoingAudioMuted(_ bool) error   { return nil }
func (loopMedia) SetOutgoingVideoMuted(_ bool) error   { return nil }
func (loopMedia) Close() error                         { return nil }

type loopGroupDeps struct{}

func (loopGroupDeps) CreateTransport(id groupcall.ClientID) (groupcall.Transport, error) {
	return &loopTransport{name: fmt.Sprintf("client-%d", id)}, nil
}

func (loopGroupDeps) CreateMediaControl(_ groupcall.ClientID) (groupcall.MediaControl, error) {
	return loopMedia{}, nil
}

// loopSFU отвечает на join фиксированным demux id.
type loopSFU struct {
	manager  *manager.Manager
	clientID groupcall.ClientID
}

func (s *loopSFU) SendRequest(requestID uint64, req sfu.Request) {
	go func() {
		body := `{"demuxId":16,"conferenceId":"` + uuid.NewString() + `"}`
		if err := s.manager.SFUResponse(s.clientID, requestID, sfu.Response{
			StatusCode: 200,
			Body:       []byte(body),
		}); err != nil {
			log.Printf("[sfu] доставка ответа: %v", err)
		}
	}()
	log.Printf("[sfu] %s %s", req.Method, req.URL)
}

// runGroup подключает группового клиента к петлевому SFU и поднимает руку.
func runGroup(level logging.LogLevel) {
	logger := logging.NewTestLogger(os.Stderr)
	logger.SetLevel(level)

	relay := &loopSFU{}

	config := manager.DefaultConfig()
	config.LocalDeviceID = 1
	config.MediaFactory = mediasim.NewEngine("10.0.0.1")
	config.GroupDeps = loopGroupDeps{}
	config.HTTPDelegate = relay
	config.SFUBaseURL = "https://sfu.local"
	config.Logger = logger
	config.GroupEvents = func(e groupcall.Event) {
		switch e.Type {
		case groupcall.EventConnectionStateChanged:
			log.Printf("[group] соединение: %v", e.ConnectionState)
		case groupcall.EventJoinStateChanged:
			log.Printf("[group] участие: %v", e.JoinState)
		case groupcall.EventEnded:
			log.Printf("[group] завершено: %s", e.EndReason)
		}
	}

	m, err := manager.New(config)
	if err != nil {
		log.Fatalf("создание реестра: %v", err)
	}
	defer m.Close()
	relay.manager = m

	groupID := uuid.NewString()
	clientID, err := m.ConnectGroup(groupID)
	if err != nil {
		log.Fatalf("connect group: %v", err)
	}
	relay.clientID = clientID
	log.Printf("[group] клиент %d для группы %s", clientID, groupID)

	_ = m.GroupTransportConnected(clientID)
	_ = m.JoinGroup(clientID)
	time.Sleep(100 * time.Millisecond)

	if err := m.GroupRaiseHand(clientID, true); err != nil {
		log.Printf("raise hand: %v", err)
	}
	_ = m.LeaveGroup(clientID)
	_ = m.DisconnectGroup(clientID)
	log.Printf("сценарий group завершен")
}
