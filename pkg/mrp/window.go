package mrp

import "errors"

var (
	// ErrBeforeWindow seqnum ниже левой границы окна (уже обработан)
	ErrBeforeWindow = errors.New("seqnum ниже окна")
	// ErrAfterWindow seqnum выше правой границы окна (окно переполнено)
	ErrAfterWindow = errors.New("seqnum выше окна")
)

// bufferWindow буферизует элементы, индексированные между двумя границами.
// Границы сдвигаются по мере извлечения непрерывного префикса.
// Левая граница всегда больше нуля: seqnum 0 зарезервирован как "отсутствует".
type bufferWindow[T any] struct {
	left     uint64
	capacity int
	data     []*T
}

// newBufferWindow создает окно емкостью capacity с левой границей leftBounds.
func newBufferWindow[T any](capacity int, leftBounds uint64) *bufferWindow[T] {
	if leftBounds == 0 {
		panic("левая граница окна должна быть больше нуля")
	}
	return &bufferWindow[T]{
		left:     leftBounds,
		capacity: capacity,
	}
}

func (w *bufferWindow[T]) pos(seqnum uint64) (int, error) {
	if seqnum < w.left {
		return 0, ErrBeforeWindow
	}
	if seqnum > w.rightBounds() {
		return 0, ErrAfterWindow
	}
	return int(seqnum - w.left), nil
}

func (w *bufferWindow[T]) isFull() bool {
	return len(w.data) == w.capacity
}

// maxSeenSeqnum наибольший seqnum элемента в окне или уже обработанного.
// Для пустого окна это leftBounds()-1.
func (w *bufferWindow[T]) maxSeenSeqnum() uint64 {
	return w.left + uint64(len(w.data)) - 1
}

// leftBounds текущий наименьший допустимый seqnum.
func (w *bufferWindow[T]) leftBounds() uint64 {
	return w.left
}

// rightBounds текущий наибольший допустимый seqnum.
func (w *bufferWindow[T]) rightBounds() uint64 {
	return w.left + uint64(w.capacity) - 1
}

func (w *bufferWindow[T]) get(seqnum uint64) *T {
	pos, err := w.pos(seqnum)
	if err != nil || pos >= len(w.data) {
		return nil
	}
	return w.data[pos]
}

// put помещает элемент на его позицию в окне.
// Возвращает ErrBeforeWindow/ErrAfterWindow для seqnum вне окна.
func (w *bufferWindow[T]) put(seqnum uint64, element T) error {
	pos, err := w.pos(seqnum)
	if err != nil {
		return err
	}
	for len(w.data) <= pos {
		w.data = append(w.data, nil)
	}
	w.data[pos] = &element
	return nil
}

// drainFront извлекает непрерывный заполненный префикс окна и сдвигает
// левую границу. Возвращает nil, если первый слот пуст.
func (w *bufferWindow[T]) drainFront() []T {
	if len(w.data) == 0 || w.data[0] == nil {
		return nil
	}

	n := 0
	for n < len(w.data) && w.data[n] != nil {
		n++
	}

	drained := make([]T, n)
	for i := 0; i < n; i++ {
		drained[i] = *w.data[i]
	}
	w.data = append(w.data[:0], w.data[n:]...)
	w.left += uint64(n)
	return drained
}

// dropFront удаляет count ведущих слотов (подтвержденных отправителю)
// и сдвигает левую границу.
func (w *bufferWindow[T]) dropFront(count int) {
	if count <= 0 {
		return
	}
	if count > len(w.data) {
		count = len(w.data)
	}
	w.data = append(w.data[:0], w.data[count:]...)
	w.left += uint64(count)
}

func (w *bufferWindow[T]) len() int {
	n := 0
	for _, e := range w.data {
		if e != nil {
			n++
		}
	}
	return n
}
