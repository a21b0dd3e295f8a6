// Package mrp реализует скромный надежный протокол доставки поверх
// ненадежного канала.
//
// MRP (Modest Reliable Protocol) моделируется по TCP, но намеренно прост:
// нет установления соединения, согласования окон, congestion control и
// wrap-around последовательностей. Он рассчитан на небольшие объемы
// административных сообщений (join/leave, admin-действия, поднятые руки,
// запросы разрешения видео) между устройством и SFU.
//
// Каждое направление — независимое пространство последовательностей,
// начинающееся с 1. Исходящее сообщение получает следующий seqnum и
// штампуется последним непрерывно принятым seqnum противоположной стороны
// (piggy-back подтверждение). Неподтвержденные сообщения ретранслируются
// по таймауту; после исчерпания лимита попыток канал сообщает о сбое
// доставки владельцу.
//
// Прием: дубликат (seqnum не выше уже доставленного) отбрасывается с
// повторным ACK; сообщение с разрывом впереди буферизуется в ограниченном
// окне; непрерывный префикс отдается вверх строго по порядку.
//
// Пример:
//
//	stream := mrp.NewStream(mrp.DefaultConfig())
//	err := stream.TrySend(payload, func(h mrp.Header, data []byte) error {
//		return transport.Send(encode(h, data))
//	})
//
//	ready, err := stream.Receive(header, payload)
//	for _, msg := range ready {
//		handle(msg) // строго по порядку, без дубликатов
//	}
package mrp
