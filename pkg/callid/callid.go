// Package callid содержит утилиты для идентификаторов звонков.
//
// CallID — 64-битный идентификатор одной попытки прямого звонка. Он
// используется как канонический tie-breaker при glare (одновременные
// встречные offer'ы): выигрывает звонок с численно меньшим CallID.
//
// RingID идентифицирует конкретную попытку группового ring'а и
// биективно переинтерпретируется в CallID (и обратно) без потерь.
package callid

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// CallID уникальный идентификатор попытки звонка.
// Неизменяем после назначения.
type CallID uint64

// RingID идентификатор попытки группового ring'а (знаковый на проводе).
type RingID int64

// NewCallID генерирует случайный CallID для исходящего звонка.
func NewCallID() (CallID, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("не удалось получить случайные байты: %w", err)
	}
	return CallID(binary.BigEndian.Uint64(buf[:])), nil
}

// CallIDFromEra детерминированно выводит CallID из строки "эры" группового
// звонка: первые 8 байт SHA-256 от строки, big-endian. Используется для
// сопоставления out-of-band ring-уведомления с текущим звонком.
func CallIDFromEra(era string) CallID {
	sum := sha256.Sum256([]byte(era))
	return CallID(binary.BigEndian.Uint64(sum[:8]))
}

// CallIDFromRingID переинтерпретирует битовый образ RingID как CallID.
// Преобразование биективно: RingIDFromCallID возвращает исходное значение.
func CallIDFromRingID(ringID RingID) CallID {
	return CallID(uint64(ringID))
}

// RingIDFromCallID обратное преобразование к CallIDFromRingID.
func RingIDFromCallID(callID CallID) RingID {
	return RingID(int64(callID))
}

// Less сравнивает CallID как беззнаковые 64-битные числа.
func (c CallID) Less(other CallID) bool {
	return uint64(c) < uint64(other)
}

// String возвращает hex-представление для логов.
func (c CallID) String() string {
	return fmt.Sprintf("0x%x", uint64(c))
}

func (r RingID) String() string {
	return fmt.Sprintf("%d", int64(r))
}
