package call

import "fmt"

// EndReason причина завершения прямого звонка. Каждый звонок завершается
// ровно одним значением; ожидаемые исходы (busy, declined, glare, recall,
// просроченный offer) — это не ошибки, а обычные завершения.
type EndReason int

const (
	// EndedLocalHangup локальная сторона положила трубку
	EndedLocalHangup EndReason = iota
	// EndedRemoteHangup удаленная сторона положила трубку
	EndedRemoteHangup
	// EndedRemoteHangupNeedPermission удаленной стороне нужно разрешение
	EndedRemoteHangupNeedPermission
	// EndedRemoteHangupAccepted звонок принят на другом устройстве
	EndedRemoteHangupAccepted
	// EndedRemoteHangupDeclined звонок отклонен на другом устройстве
	EndedRemoteHangupDeclined
	// EndedRemoteHangupBusy другое устройство занято
	EndedRemoteHangupBusy
	// EndedRemoteBusy удаленная сторона занята
	EndedRemoteBusy
	// EndedRemoteGlare проигрыш при одновременных встречных offer'ах
	EndedRemoteGlare
	// EndedRemoteReCall новый offer от уже соединенного удаленного
	EndedRemoteReCall
	// EndedTimeout звонок не установился за отведенное время
	EndedTimeout
	// EndedInternalFailure внутренняя ошибка
	EndedInternalFailure
	// EndedSignalingFailure сигнальное сообщение не удалось отправить
	EndedSignalingFailure
	// EndedConnectionFailure медиа-соединение не установилось/потеряно
	EndedConnectionFailure
	// EndedGlareHandlingFailure нарушение инварианта glare (равные CallID)
	EndedGlareHandlingFailure
	// EndedDropped приложение молча отказалось от звонка
	EndedDropped
	// EndedReceivedOfferExpired входящий offer слишком старый
	EndedReceivedOfferExpired
	// EndedReceivedOfferWhileActive offer при уже активном звонке
	EndedReceivedOfferWhileActive
)

var endReasonNames = map[EndReason]string{
	EndedLocalHangup:                "LocalHangup",
	EndedRemoteHangup:               "RemoteHangup",
	EndedRemoteHangupNeedPermission: "RemoteHangupNeedPermission",
	EndedRemoteHangupAccepted:       "RemoteHangupAccepted",
	EndedRemoteHangupDeclined:       "RemoteHangupDeclined",
	EndedRemoteHangupBusy:           "RemoteHangupBusy",
	EndedRemoteBusy:                 "RemoteBusy",
	EndedRemoteGlare:                "RemoteGlare",
	EndedRemoteReCall:               "RemoteReCall",
	EndedTimeout:                    "Timeout",
	EndedInternalFailure:            "InternalFailure",
	EndedSignalingFailure:           "SignalingFailure",
	EndedConnectionFailure:          "ConnectionFailure",
	EndedGlareHandlingFailure:       "GlareHandlingFailure",
	EndedDropped:                    "Dropped",
	EndedReceivedOfferExpired:       "ReceivedOfferExpired",
	EndedReceivedOfferWhileActive:   "ReceivedOfferWhileActive",
}

func (r EndReason) String() string {
	if name, ok := endReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("EndReason(%d)", int(r))
}
