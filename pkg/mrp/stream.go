package mrp

import (
	"errors"
	"fmt"
	"time"
)

// Header заголовок MRP, добавляемый к каждому сообщению канала.
// Нулевое значение поля означает "отсутствует": действительные
// последовательности начинаются с 1.
type Header struct {
	// Seqnum номер сообщения в пространстве отправителя
	Seqnum uint64
	// AckNum последний непрерывно принятый seqnum противоположной стороны
	AckNum uint64
}

// Config параметры ретрансляции и окон.
// Точные значения протоколом не зафиксированы, поэтому они настраиваемые;
// умолчания консервативные.
type Config struct {
	// ResendInterval пауза перед повторной отправкой неподтвержденного сообщения
	ResendInterval time.Duration
	// MaxTryCount максимальное число передач одного сообщения,
	// после которого канал считается деградировавшим
	MaxTryCount int
	// WindowSize емкость окна отправки и окна пересборки приема
	WindowSize int
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		ResendInterval: time.Second,
		MaxTryCount:    30,
		WindowSize:     256,
	}
}

var (
	// ErrSendWindowFull окно отправки заполнено, сообщение не принято
	ErrSendWindowFull = errors.New("окно отправки MRP заполнено")
	// ErrReceiveWindowFull окно приема не вмещает seqnum
	ErrReceiveWindowFull = errors.New("окно приема MRP заполнено")
)

// DeliveryFailedError сообщение исчерпало лимит передач без подтверждения.
// Владелец канала обязан трактовать это как деградацию соединения.
type DeliveryFailedError struct {
	Seqnum   uint64
	TryCount int
}

func (e *DeliveryFailedError) Error() string {
	return fmt.Sprintf("сообщение seqnum=%d не подтверждено после %d передач", e.Seqnum, e.TryCount)
}

// SendFunc отправляет сообщение с заголовком через нижележащий канал.
type SendFunc func(header Header, payload []byte) error

// pendingPacket неподтвержденное сообщение в окне отправки.
type pendingPacket struct {
	payload    []byte
	nextSendAt time.Time
	tryCount   int
}

// receivedPacket сообщение в окне пересборки приема.
type receivedPacket struct {
	payload []byte
}

// Stream состояние отправителя и приемника одного направления-пары.
// Не потокобезопасен: владелец обязан вызывать методы только из своей
// единой точки диспетчеризации.
type Stream struct {
	config Config

	// shouldAck нужно ли отправить чистый ACK при ближайшем опросе
	shouldAck bool
	// sendWindow отправленные, но еще не подтвержденные сообщения
	sendWindow *bufferWindow[pendingPacket]
	// receiveWindow принятые вне порядка сообщения
	receiveWindow *bufferWindow[receivedPacket]
}

const initialSeqnum = 1

// NewStream создает поток с заданной конфигурацией.
func NewStream(config Config) *Stream {
	if config.WindowSize <= 0 {
		config = DefaultConfig()
	}
	return &Stream{
		config:        config,
		sendWindow:    newBufferWindow[pendingPacket](config.WindowSize, initialSeqnum),
		receiveWindow: newBufferWindow[receivedPacket](config.WindowSize, initialSeqnum),
	}
}

// AckSeqnum последний непрерывно принятый seqnum (0, если еще ничего).
func (s *Stream) AckSeqnum() uint64 {
	return s.receiveWindow.leftBounds() - 1
}

// nextSeqnum номер следующего отправляемого сообщения.
func (s *Stream) nextSeqnum() uint64 {
	return s.sendWindow.maxSeenSeqnum() + 1
}

// SendLen количество неподтвержденных сообщений.
func (s *Stream) SendLen() int {
	return s.sendWindow.len()
}

// ReceiveLen количество сообщений, ожидающих заполнения разрыва.
func (s *Stream) ReceiveLen() int {
	return s.receiveWindow.len()
}

// TrySend назначает сообщению следующий seqnum, штампует piggy-back ACK и
// отправляет через send. Успешно отправленное сообщение остается в окне
// до подтверждения. Если окно заполнено, возвращает ErrSendWindowFull.
// Если send вернул ошибку, сообщение не буферизуется и вызывающий может
// повторить попытку.
func (s *Stream) TrySend(payload []byte, now time.Time, send SendFunc) error {
	if s.sendWindow.isFull() {
		return ErrSendWindowFull
	}

	seqnum := s.nextSeqnum()
	header := Header{
		Seqnum: seqnum,
		AckNum: s.AckSeqnum(),
	}

	if err := send(header, payload); err != nil {
		return fmt.Errorf("отправка через нижний канал: %w", err)
	}

	// Окно проверено выше, put не может выйти за границы
	_ = s.sendWindow.put(seqnum, pendingPacket{
		payload:    payload,
		nextSendAt: now.Add(s.config.ResendInterval),
		tryCount:   1,
	})
	// ACK уехал вместе с данными
	s.shouldAck = false
	return nil
}

// TrySendAck отправляет чистый ACK, если прием требует подтверждения.
// Возвращает отправленный ack-номер или 0, если ACK не требовался.
func (s *Stream) TrySendAck(send SendFunc) (uint64, error) {
	if !s.shouldAck {
		return 0, nil
	}

	header := Header{AckNum: s.AckSeqnum()}
	if err := send(header, nil); err != nil {
		return 0, fmt.Errorf("отправка ACK: %w", err)
	}
	s.shouldAck = false
	return header.AckNum, nil
}

// TryResend ретранслирует сообщения с истекшим таймаутом. Предназначен для
// периодического опроса из tick-диспетчера владельца. Сообщение, исчерпавшее
// MaxTryCount, дает DeliveryFailedError; владелец обязан эскалировать.
func (s *Stream) TryResend(now time.Time, send SendFunc) error {
	for seqnum := s.sendWindow.leftBounds(); seqnum <= s.sendWindow.maxSeenSeqnum(); seqnum++ {
		pkt := s.sendWindow.get(seqnum)
		if pkt == nil || now.Before(pkt.nextSendAt) {
			continue
		}

		if pkt.tryCount >= s.config.MaxTryCount {
			return &DeliveryFailedError{Seqnum: seqnum, TryCount: pkt.tryCount}
		}

		header := Header{
			Seqnum: seqnum,
			AckNum: s.AckSeqnum(),
		}
		if err := send(header, pkt.payload); err != nil {
			return fmt.Errorf("ретрансляция seqnum=%d: %w", seqnum, err)
		}
		pkt.nextSendAt = now.Add(s.config.ResendInterval)
		pkt.tryCount++
	}
	return nil
}

// Receive обрабатывает входящее сообщение. ACK-часть заголовка чистит окно
// отправки; seqnum-часть проходит окно пересборки. Возвращает сообщения,
// готовые к доставке вверх строго по порядку, без дубликатов.
//
// Сообщение без MRP-заголовка (оба поля нулевые) не участвует в надежной
// доставке и сразу возвращается для обработки.
func (s *Stream) Receive(header Header, payload []byte) ([][]byte, error) {
	if header.AckNum != 0 {
		s.updateSendWindow(header.AckNum)
	}

	if header.Seqnum == 0 {
		if header.AckNum != 0 {
			// Чистый ACK, данных нет
			return nil, nil
		}
		return [][]byte{payload}, nil
	}

	return s.updateReceiveWindow(header.Seqnum, payload)
}

// updateSendWindow выбрасывает из окна отправки все подтвержденные сообщения.
func (s *Stream) updateSendWindow(ackNum uint64) {
	// Невозможный ACK (подтверждает неотправленное) — игнорируем.
	// В TCP это привело бы к reset, reset'ов у нас нет.
	if ackNum >= s.nextSeqnum() {
		return
	}
	// Старый ACK: все уже подтверждено
	if ackNum < s.sendWindow.leftBounds() {
		return
	}
	s.sendWindow.dropFront(int(ackNum - s.sendWindow.leftBounds() + 1))
}

func (s *Stream) updateReceiveWindow(seqnum uint64, payload []byte) ([][]byte, error) {
	err := s.receiveWindow.put(seqnum, receivedPacket{payload: payload})
	switch {
	case errors.Is(err, ErrBeforeWindow):
		// Дубликат: противоположная сторона не видела наш ACK, повторим
		s.shouldAck = true
		return nil, nil
	case errors.Is(err, ErrAfterWindow):
		return nil, fmt.Errorf("%w: seqnum=%d", ErrReceiveWindowFull, seqnum)
	}

	drained := s.receiveWindow.drainFront()
	if len(drained) == 0 {
		// Разрыв впереди, сообщение буферизовано
		return nil, nil
	}

	s.shouldAck = true
	ready := make([][]byte, len(drained))
	for i, pkt := range drained {
		ready[i] = pkt.payload
	}
	return ready, nil
}
