package call

import (
	"fmt"

	"github.com/arzzra/call_engine/pkg/callid"
	"github.com/arzzra/call_engine/pkg/signaling"
)

// EventType вид события, порождаемого машиной состояний звонка.
type EventType int

const (
	// EventStateChanged состояние звонка изменилось
	EventStateChanged EventType = iota
	// EventIncomingCall приложение должно решить, запускать ли звонок
	EventIncomingCall
	// EventSendOffer запрос отправить offer удаленной стороне
	EventSendOffer
	// EventSendAnswer запрос отправить answer удаленной стороне
	EventSendAnswer
	// EventSendIce запрос отправить ICE-кандидатов удаленной стороне
	EventSendIce
	// EventSendHangup запрос отправить hangup удаленной стороне
	EventSendHangup
	// EventSendBusy запрос отправить busy удаленной стороне
	EventSendBusy
)

var eventTypeNames = map[EventType]string{
	EventStateChanged: "StateChanged",
	EventIncomingCall: "IncomingCall",
	EventSendOffer:    "SendOffer",
	EventSendAnswer:   "SendAnswer",
	EventSendIce:      "SendIce",
	EventSendHangup:   "SendHangup",
	EventSendBusy:     "SendBusy",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event единое tagged-union событие звонка. Вместо широкого протокола
// delegate-колбэков все исходящие уведомления (изменения состояния и
// запросы отправки сигнализации) идут одним типом через один обработчик:
// так обработка событий проверяемо исчерпывающая.
type Event struct {
	Type   EventType
	CallID callid.CallID
	// Remote ключ удаленного пользователя
	Remote string

	// Для EventStateChanged
	State     State
	EndReason EndReason

	// Для EventIncomingCall
	MediaType      signaling.MediaType
	SenderDeviceID signaling.DeviceID

	// Для EventSend*
	Offer  *signaling.Offer
	Answer *signaling.Answer
	Ice    *signaling.IceCandidates
	Hangup *signaling.Hangup
	Busy   *signaling.Busy
}

// EventSink приемник событий звонка. Вызывается синхронно из единой
// точки диспетчеризации владельца.
type EventSink func(Event)
