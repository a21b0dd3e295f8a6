package groupcall

import (
	"fmt"

	"github.com/arzzra/call_engine/pkg/sfu"
)

// EventType вид события группового клиента.
type EventType int

const (
	// EventConnectionStateChanged транспортное состояние изменилось
	EventConnectionStateChanged EventType = iota
	// EventJoinStateChanged состояние участия изменилось
	EventJoinStateChanged
	// EventRemoteDevicesChanged снимок удаленных устройств заменен
	EventRemoteDevicesChanged
	// EventPeekChanged изменилось наблюдаемое состояние конференции
	EventPeekChanged
	// EventRaisedHandsChanged изменился список поднятых рук
	EventRaisedHandsChanged
	// EventAudioLevels высокочастотная телеметрия уровней звука
	EventAudioLevels
	// EventEnded клиент завершен
	EventEnded
)

var groupEventNames = map[EventType]string{
	EventConnectionStateChanged: "ConnectionStateChanged",
	EventJoinStateChanged:       "JoinStateChanged",
	EventRemoteDevicesChanged:   "RemoteDevicesChanged",
	EventPeekChanged:            "PeekChanged",
	EventRaisedHandsChanged:     "RaisedHandsChanged",
	EventAudioLevels:            "AudioLevels",
	EventEnded:                  "Ended",
}

func (t EventType) String() string {
	if name, ok := groupEventNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// AudioLevel уровень звука одного удаленного устройства.
type AudioLevel struct {
	DemuxID DemuxID
	Level   uint16
}

// Event единое tagged-union событие группового клиента.
type Event struct {
	Type     EventType
	ClientID ClientID

	ConnectionState ConnectionState
	JoinState       JoinState
	EndReason       EndReason

	// Для EventRemoteDevicesChanged: копия снимка
	RemoteDevices []RemoteDeviceState

	// Для EventRaisedHandsChanged: demux id в порядке поднятия
	RaisedHands []DemuxID

	// Для EventPeekChanged
	PeekInfo *sfu.PeekInfo

	// Для EventAudioLevels
	CapturedLevel uint16
	AudioLevels   []AudioLevel
}

// EventSink приемник событий группового клиента.
type EventSink func(Event)
