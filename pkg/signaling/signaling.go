// Package signaling определяет конверты сигнальных сообщений прямых звонков.
//
// Тела session description и ICE-кандидатов для этого слоя непрозрачны:
// их создает и интерпретирует только медиа-транспортный коллаборатор.
package signaling

import (
	"fmt"
	"time"

	"github.com/arzzra/call_engine/pkg/callid"
)

// DeviceID идентификатор устройства пользователя.
type DeviceID uint32

// MediaType тип медиа исходящего/входящего звонка.
type MediaType int

const (
	MediaTypeAudio MediaType = iota
	MediaTypeVideo
)

func (m MediaType) String() string {
	switch m {
	case MediaTypeAudio:
		return "audio"
	case MediaTypeVideo:
		return "video"
	default:
		return "unknown"
	}
}

// MaxMessageAge предел свежести входящего offer'а. Offer старше этого
// возраста отклоняется с ReceivedOfferExpired без создания звонка.
const MaxMessageAge = 120 * time.Second

// Offer предложение установить звонок.
type Offer struct {
	CallID    callid.CallID
	MediaType MediaType
	// Opaque тело session description, не интерпретируется ядром
	Opaque []byte
}

// Answer ответ на offer.
type Answer struct {
	CallID callid.CallID
	Opaque []byte
}

// IceCandidates пачка ICE-кандидатов.
type IceCandidates struct {
	CallID callid.CallID
	// Candidates непрозрачные тела кандидатов
	Candidates [][]byte
}

// HangupType тип завершения, передаваемый в сигнализации.
// Числовые значения фиксированы протоколом.
type HangupType int

const (
	HangupTypeNormal HangupType = iota
	HangupTypeAccepted
	HangupTypeDeclined
	HangupTypeBusy
	HangupTypeNeedPermission
)

// HangupTypeFromCode разбирает проводное значение.
// Неизвестный код отклоняется на границе.
func HangupTypeFromCode(code int) (HangupType, error) {
	if code < int(HangupTypeNormal) || code > int(HangupTypeNeedPermission) {
		return 0, fmt.Errorf("неизвестный код hangup: %d", code)
	}
	return HangupType(code), nil
}

func (h HangupType) String() string {
	switch h {
	case HangupTypeNormal:
		return "Normal"
	case HangupTypeAccepted:
		return "Accepted"
	case HangupTypeDeclined:
		return "Declined"
	case HangupTypeBusy:
		return "Busy"
	case HangupTypeNeedPermission:
		return "NeedPermission"
	default:
		return fmt.Sprintf("HangupType(%d)", int(h))
	}
}

// Hangup завершение звонка.
type Hangup struct {
	CallID callid.CallID
	Type   HangupType
	// DeviceID устройство, принявшее/отклонившее звонок (для
	// Accepted/Declined/Busy на другом устройстве)
	DeviceID DeviceID
}

// Busy сигнал занятости.
type Busy struct {
	CallID callid.CallID
}

// ReceivedOffer offer, полученный от удаленной стороны, с метаданными доставки.
type ReceivedOffer struct {
	Offer          Offer
	SenderDeviceID DeviceID
	// ReceiverDeviceID локальное устройство, которому адресован offer
	ReceiverDeviceID DeviceID
	// Age сколько сообщение провело в доставке
	Age time.Duration
}

// ReceivedAnswer answer, полученный от удаленной стороны.
type ReceivedAnswer struct {
	Answer         Answer
	SenderDeviceID DeviceID
}

// ReceivedIce ICE-кандидаты, полученные от удаленной стороны.
type ReceivedIce struct {
	Ice            IceCandidates
	SenderDeviceID DeviceID
}

// ReceivedHangup hangup, полученный от удаленной стороны.
type ReceivedHangup struct {
	Hangup         Hangup
	SenderDeviceID DeviceID
}

// ReceivedBusy busy, полученный от удаленной стороны.
type ReceivedBusy struct {
	Busy           Busy
	SenderDeviceID DeviceID
}
