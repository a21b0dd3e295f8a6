// Package media определяет интерфейсы медиа-транспортного коллаборатора.
//
// Ядро звонков не захватывает, не кодирует и не передает медиа само:
// создание peer-сессий, ICE/DTLS/SRTP и треки принадлежат внешнему слою,
// который реализует эти интерфейсы. Тела session description и
// кандидатов для ядра непрозрачны.
package media

import (
	"github.com/arzzra/call_engine/pkg/callid"
	"github.com/arzzra/call_engine/pkg/signaling"
)

// Session одна peer-сессия прямого звонка.
//
// Вместо иерархии подклассов peer-сессий используется единый интерфейс
// возможностей, реализуемый одним конкретным типом на стороне транспорта.
type Session interface {
	// CreateOffer создает непрозрачное тело session description для offer
	CreateOffer() ([]byte, error)
	// CreateAnswer принимает offer удаленной стороны и создает answer
	CreateAnswer(remoteOffer []byte) ([]byte, error)
	// SetRemoteAnswer применяет answer удаленной стороны
	SetRemoteAnswer(remoteAnswer []byte) error
	// AddRemoteCandidates применяет ICE-кандидатов удаленной стороны
	AddRemoteCandidates(candidates [][]byte) error
	// SetOutgoingMediaEnabled включает/выключает локальные треки
	SetOutgoingMediaEnabled(enabled bool) error
	// Close освобождает сессию; повторный вызов — no-op
	Close() error
}

// Factory создает peer-сессии.
type Factory interface {
	CreateSession(callID callid.CallID, outgoing bool, mediaType signaling.MediaType) (Session, error)
}

// Track дескриптор входящего видео-трека удаленного участника.
// Принадлежит клиенту, а не SFU: при полной замене снимка участников
// привязка трека к demux id сохраняется.
type Track interface {
	ID() string
	Close() error
}
