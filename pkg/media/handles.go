package media

import (
	"errors"
	"sync"
)

// Handle непрозрачный ключ объекта в таблице дескрипторов.
type Handle uint64

var (
	// ErrUnknownHandle дескриптор не найден или уже освобожден
	ErrUnknownHandle = errors.New("неизвестный дескриптор")
)

// HandleTable арена владения объектами, передаваемыми через непрозрачную
// границу. Каждому Retain соответствует ровно один Release: двойное
// освобождение и утечки проверяются тестами через Len.
//
// Таблица нужна там, где объект приложения (например, "remote peer"
// звонка) должен пережить границу слоя, не полагаясь на общие глобальные
// переменные: единственный владелец — таблица.
type HandleTable struct {
	mu      sync.Mutex
	next    Handle
	objects map[Handle]interface{}
}

// NewHandleTable создает пустую таблицу.
func NewHandleTable() *HandleTable {
	return &HandleTable{
		next:    1,
		objects: make(map[Handle]interface{}),
	}
}

// Retain помещает объект в таблицу и возвращает его дескриптор.
func (t *HandleTable) Retain(obj interface{}) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.next
	t.next++
	t.objects[h] = obj
	return h
}

// Resolve возвращает объект по дескриптору, не передавая владение.
func (t *HandleTable) Resolve(h Handle) (interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	obj, ok := t.objects[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return obj, nil
}

// Release удаляет объект из таблицы и возвращает его последнему владельцу.
// Повторный Release того же дескриптора — ошибка.
func (t *HandleTable) Release(h Handle) (interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	obj, ok := t.objects[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	delete(t.objects, h)
	return obj, nil
}

// Len количество живых дескрипторов.
func (t *HandleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.objects)
}
