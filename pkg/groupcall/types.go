// Package groupcall реализует клиентскую машину состояний группового звонка.
//
// Клиент соединяется с SFU (многоточечным медиа-ретранслятором), отслеживает
// удаленных участников и обменивается административными сообщениями через
// надежный канал MRP поверх ненадежного RTP-потока данных.
package groupcall

import (
	"fmt"
	"time"

	"github.com/arzzra/call_engine/pkg/media"
	"github.com/arzzra/call_engine/pkg/sfu"
)

// ClientID идентификатор живого группового клиента в реестре.
type ClientID uint32

// InvalidClientID зарезервированное нулевое значение.
const InvalidClientID ClientID = 0

// DemuxID идентификатор медиа одного устройства внутри группового звонка,
// назначается SFU.
type DemuxID = sfu.DemuxID

// UserID идентификатор пользователя (непрозрачный для ядра).
type UserID = sfu.UserID

// ConnectionState транспортное состояние соединения с SFU.
type ConnectionState int

const (
	// ConnectionNotConnected connect() не вызывался, соединение закрыто
	// или попытка не удалась
	ConnectionNotConnected ConnectionState = iota
	// ConnectionConnecting connect() вызван, связь устанавливается
	ConnectionConnecting
	// ConnectionConnected связь установлена
	ConnectionConnected
	// ConnectionReconnecting связь временно потеряна
	ConnectionReconnecting
)

var connectionStateNames = map[ConnectionState]string{
	ConnectionNotConnected: "not_connected",
	ConnectionConnecting:   "connecting",
	ConnectionConnected:    "connected",
	ConnectionReconnecting: "reconnecting",
}

func (s ConnectionState) String() string {
	if name, ok := connectionStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}

// JoinState прикладное состояние участия в звонке. Ортогонально
// транспортному ConnectionState.
type JoinState int

const (
	// JoinNotJoined join() не вызывался или завершился leave()
	JoinNotJoined JoinState = iota
	// JoinJoining join() вызван, ответ SFU ожидается
	JoinJoining
	// JoinPending комната требует подтверждения администратора
	JoinPending
	// JoinJoined demux id назначен, участие подтверждено
	JoinJoined
)

var joinStateNames = map[JoinState]string{
	JoinNotJoined: "not_joined",
	JoinJoining:   "joining",
	JoinPending:   "pending",
	JoinJoined:    "joined",
}

func (s JoinState) String() string {
	if name, ok := joinStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("JoinState(%d)", int(s))
}

// EndReason причина завершения группового клиента.
type EndReason int

const (
	// EndedDeviceExplicitlyDisconnected локальное устройство отключилось само
	EndedDeviceExplicitlyDisconnected EndReason = iota
	// EndedServerExplicitlyDisconnected сервер завершил сессию
	EndedServerExplicitlyDisconnected
	// EndedDeniedRequestToJoinCall администратор отклонил запрос на вход
	EndedDeniedRequestToJoinCall
	// EndedRemovedFromCall администратор удалил участника
	EndedRemovedFromCall
	// EndedCallManagerIsBusy реестр занят другим звонком
	EndedCallManagerIsBusy
	// EndedSfuClientFailedToJoin запрос join к SFU не удался
	EndedSfuClientFailedToJoin
	// EndedFailedToCreatePeerConnectionFactory сбой создания медиа-фабрики
	EndedFailedToCreatePeerConnectionFactory
	// EndedFailedToCreatePeerConnection сбой создания peer-соединения
	EndedFailedToCreatePeerConnection
	// EndedFailedToStartPeerConnection сбой запуска peer-соединения
	EndedFailedToStartPeerConnection
	// EndedFailedToUpdatePeerConnection сбой обновления peer-соединения
	EndedFailedToUpdatePeerConnection
	// EndedIceFailedWhileConnecting ICE не установился
	EndedIceFailedWhileConnecting
	// EndedIceFailedAfterConnected ICE потерян после установления
	EndedIceFailedAfterConnected
	// EndedServerChangedDemuxID SFU сменил назначенный demux id
	EndedServerChangedDemuxID
	// EndedHasMaxDevices комната заполнена
	EndedHasMaxDevices
)

var endReasonNames = map[EndReason]string{
	EndedDeviceExplicitlyDisconnected:        "DeviceExplicitlyDisconnected",
	EndedServerExplicitlyDisconnected:        "ServerExplicitlyDisconnected",
	EndedDeniedRequestToJoinCall:             "DeniedRequestToJoinCall",
	EndedRemovedFromCall:                     "RemovedFromCall",
	EndedCallManagerIsBusy:                   "CallManagerIsBusy",
	EndedSfuClientFailedToJoin:               "SfuClientFailedToJoin",
	EndedFailedToCreatePeerConnectionFactory: "FailedToCreatePeerConnectionFactory",
	EndedFailedToCreatePeerConnection:        "FailedToCreatePeerConnection",
	EndedFailedToStartPeerConnection:         "FailedToStartPeerConnection",
	EndedFailedToUpdatePeerConnection:        "FailedToUpdatePeerConnection",
	EndedIceFailedWhileConnecting:            "IceFailedWhileConnecting",
	EndedIceFailedAfterConnected:             "IceFailedAfterConnected",
	EndedServerChangedDemuxID:                "ServerChangedDemuxId",
	EndedHasMaxDevices:                       "HasMaxDevices",
}

func (r EndReason) String() string {
	if name, ok := endReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("EndReason(%d)", int(r))
}

// RemoteDeviceState состояние удаленного устройства-участника.
// Идентичность устройства — пара (DemuxID, UserID).
//
// VideoTrack и AudioLevel принадлежат клиенту, а не SFU: при полной
// замене снимка участников они сохраняются для выживших demux id.
type RemoteDeviceState struct {
	DemuxID DemuxID
	UserID  UserID

	MediaKeysReceived bool

	// Флаги состояния устройства; nil — неизвестно
	AudioMuted      *bool
	VideoMuted      *bool
	Presenting      *bool
	SharingScreen   *bool
	ForwardingVideo *bool

	AddedTime   time.Time
	SpeakerTime time.Time

	// VideoTrack входящий видео-трек, привязанный клиентом
	VideoTrack media.Track
	// AudioLevel последний известный уровень звука
	AudioLevel uint16
}

// Key пара, определяющая равенство и хеширование устройства.
type Key struct {
	DemuxID DemuxID
	UserID  UserID
}

// Key возвращает идентичность устройства.
func (s *RemoteDeviceState) Key() Key {
	return Key{DemuxID: s.DemuxID, UserID: s.UserID}
}
