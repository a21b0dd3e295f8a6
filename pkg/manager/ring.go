package manager

import (
	"fmt"
	"time"

	"github.com/arzzra/call_engine/pkg/callid"
)

// RingUpdate состояние попытки группового обзвона.
type RingUpdate int

const (
	// RingRequested обзвон запрошен (локально или входящий)
	RingRequested RingUpdate = iota
	// RingExpired обзвон истек без ответа
	RingExpired
	// RingAcceptedOnAnotherDevice принят на другом устройстве этого пользователя
	RingAcceptedOnAnotherDevice
	// RingDeclinedOnAnotherDevice отклонен на другом устройстве
	RingDeclinedOnAnotherDevice
	// RingBusyLocally это устройство занято другим звонком
	RingBusyLocally
	// RingBusyOnAnotherDevice другое устройство занято
	RingBusyOnAnotherDevice
	// RingCancelledByRinger инициатор отменил обзвон
	RingCancelledByRinger
)

var ringUpdateNames = map[RingUpdate]string{
	RingRequested:               "Requested",
	RingExpired:                 "Expired",
	RingAcceptedOnAnotherDevice: "AcceptedOnAnotherDevice",
	RingDeclinedOnAnotherDevice: "DeclinedOnAnotherDevice",
	RingBusyLocally:             "BusyLocally",
	RingBusyOnAnotherDevice:     "BusyOnAnotherDevice",
	RingCancelledByRinger:       "CancelledByRinger",
}

func (u RingUpdate) String() string {
	if name, ok := ringUpdateNames[u]; ok {
		return name
	}
	return fmt.Sprintf("RingUpdate(%d)", int(u))
}

// IsTerminal true для завершающих обновлений: каждая попытка обзвона
// получает ровно одно такое обновление.
func (u RingUpdate) IsTerminal() bool {
	return u != RingRequested
}

// RingEvent уведомление о ходе группового обзвона.
// Для исходящих событий (Requested, CancelledByRinger от этого устройства)
// приложение обязано ретранслировать событие остальным устройствам.
type RingEvent struct {
	RingID  callid.RingID
	GroupID string
	// Sender пользователь-источник обновления (пусто для локальных)
	Sender string
	Update RingUpdate
}

// RingEventSink приемник событий обзвона.
type RingEventSink func(RingEvent)

// ringState учет одной попытки обзвона.
type ringState struct {
	groupID   string
	outgoing  bool
	startedAt time.Time
	terminal  bool
	// terminalAt момент терминального обновления, для отложенной чистки
	terminalAt time.Time
}
