// Package sfu — клиент управляющих endpoint'ов SFU (peek, join, call link).
//
// Сетевое выполнение HTTP-запросов делегируется внешнему коллаборатору:
// ядро только формирует запросы и сопоставляет асинхронные ответы по
// монотонно растущим идентификаторам запросов.
package sfu

import (
	"crypto/sha256"
	"encoding/hex"
)

// DemuxID идентификатор медиа одного устройства, назначается SFU.
type DemuxID uint32

// UserID идентификатор пользователя (непрозрачный для ядра).
type UserID string

// MembershipProof доказательство членства в группе для аутентификации
// peek- и join-запросов.
type MembershipProof []byte

// GroupMember участник группы с шифротекстом идентификатора,
// которым оперирует SFU.
type GroupMember struct {
	UserID             UserID
	MemberIDCiphertext []byte
}

// PeekDeviceInfo устройство, видимое в peek-ответе SFU.
type PeekDeviceInfo struct {
	DemuxID DemuxID
	// OpaqueUserID hex(sha256(member id)); разрешается в UserID
	// через список участников группы
	OpaqueUserID string
	UserID       UserID
}

// PeekInfo текущее состояние конференции на SFU.
type PeekInfo struct {
	// Devices устройства, находящиеся в звонке
	Devices []PeekDeviceInfo
	// Creator создатель звонка (если известен)
	Creator UserID
	// EraID "эра" звонка; меняется, когда звонок пустеет и начинается заново
	EraID string
	// MaxDevices максимальная вместимость комнаты (nil — не ограничена)
	MaxDevices *uint32
	// DeviceCount текущее количество устройств, включая локальное
	DeviceCount uint32
}

// JoinResponse ответ SFU на запрос участия.
type JoinResponse struct {
	DemuxID DemuxID
	EraID   string
	// PendingApproval комната требует подтверждения администратора
	PendingApproval bool
	// Full комната заполнена
	Full bool
}

// OpaqueUserID вычисляет непрозрачный идентификатор пользователя,
// которым SFU обозначает участника: hex(sha256(member id)).
func OpaqueUserID(memberID []byte) string {
	sum := sha256.Sum256(memberID)
	return hex.EncodeToString(sum[:])
}
