package groupcall

import (
	"encoding/json"
	"fmt"

	"github.com/pion/rtp"

	"github.com/arzzra/call_engine/pkg/mrp"
)

// Константы RTP-потока данных к SFU.
const (
	// rtpDataPayloadType payload type административного потока
	rtpDataPayloadType = 101
	// rtpDataToSfuSSRC SSRC исходящего административного потока
	rtpDataToSfuSSRC = 1
)

// AdminActionKind вид административного действия над участником.
type AdminActionKind string

const (
	AdminApprove AdminActionKind = "approve"
	AdminDeny    AdminActionKind = "deny"
	AdminRemove  AdminActionKind = "remove"
	AdminBlock   AdminActionKind = "block"
)

// JoinRequest заявка на участие (после назначения demux id).
type JoinRequest struct {
	DemuxID DemuxID `json:"demux_id"`
}

// LeaveRequest уведомление о выходе.
type LeaveRequest struct {
	DemuxID DemuxID `json:"demux_id"`
}

// AdminAction административное действие: approve/deny по заявке,
// remove/block участника.
type AdminAction struct {
	Kind          AdminActionKind `json:"kind"`
	TargetDemuxID DemuxID         `json:"target_demux_id"`
}

// RaiseHand поднятие/опускание руки. Seqnum монотонно растет на клиенте,
// чтобы SFU мог отбросить устаревшее состояние.
type RaiseHand struct {
	Raise  bool   `json:"raise"`
	Seqnum uint32 `json:"seqnum"`
}

// VideoRequest запрос разрешения видео одного участника.
type VideoRequest struct {
	DemuxID DemuxID `json:"demux_id"`
	Width   uint16  `json:"width"`
	Height  uint16  `json:"height"`
}

// VideoRequestMessage список запросов разрешения плюс потолок
// одновременно пересылаемых видео.
type VideoRequestMessage struct {
	Requests []VideoRequest `json:"requests"`
	// MaxKbps 0 — без ограничения
	MaxKbps uint32 `json:"max_kbps,omitempty"`
}

// DeviceToSfu административное сообщение устройства к SFU.
// Ровно одно поле должно быть заполнено.
type DeviceToSfu struct {
	Join         *JoinRequest         `json:"join,omitempty"`
	Leave        *LeaveRequest        `json:"leave,omitempty"`
	AdminAction  *AdminAction         `json:"admin_action,omitempty"`
	RaiseHand    *RaiseHand           `json:"raise_hand,omitempty"`
	VideoRequest *VideoRequestMessage `json:"video_request,omitempty"`
}

// RaisedHands состояние поднятых рук от SFU: список demux id с их
// seqnum'ами и целевой seqnum для подтверждения.
type RaisedHands struct {
	DemuxIDs     []DemuxID `json:"demux_ids"`
	Seqnums      []uint32  `json:"seqnums"`
	TargetSeqnum uint32    `json:"target_seqnum"`
}

// Removed уведомление об удалении локального участника администратором.
type Removed struct{}

// Disconnect явное отключение со стороны сервера.
type Disconnect struct{}

// SfuToDevice административное сообщение SFU к устройству.
type SfuToDevice struct {
	RaisedHands *RaisedHands `json:"raised_hands,omitempty"`
	Removed     *Removed     `json:"removed,omitempty"`
	Disconnect  *Disconnect  `json:"disconnect,omitempty"`
}

// envelope единица обмена по административному каналу: заголовок MRP
// плюс полезная нагрузка одного направления.
type envelope struct {
	Seqnum uint64 `json:"seqnum,omitempty"`
	AckNum uint64 `json:"ack_num,omitempty"`

	ToSfu    *DeviceToSfu `json:"to_sfu,omitempty"`
	ToDevice *SfuToDevice `json:"to_device,omitempty"`
}

// encodeEnvelope сериализует конверт с MRP-заголовком.
func encodeEnvelope(header mrp.Header, toSfu *DeviceToSfu, toDevice *SfuToDevice) ([]byte, error) {
	env := envelope{
		Seqnum:   header.Seqnum,
		AckNum:   header.AckNum,
		ToSfu:    toSfu,
		ToDevice: toDevice,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("сериализация конверта: %w", err)
	}
	return data, nil
}

// rawEnvelope конверт с уже сериализованным сообщением к SFU.
// Нужен ретрансляции: MRP буферизует полезную нагрузку без заголовка и
// при повторе штампует свежий ACK, не трогая само сообщение.
type rawEnvelope struct {
	Seqnum uint64          `json:"seqnum,omitempty"`
	AckNum uint64          `json:"ack_num,omitempty"`
	ToSfu  json.RawMessage `json:"to_sfu,omitempty"`
}

// encodeEnvelopeRaw оборачивает сериализованное сообщение в конверт.
func encodeEnvelopeRaw(header mrp.Header, toSfu []byte) ([]byte, error) {
	env := rawEnvelope{
		Seqnum: header.Seqnum,
		AckNum: header.AckNum,
		ToSfu:  toSfu,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("сериализация конверта: %w", err)
	}
	return data, nil
}

// decodeEnvelope разбирает конверт.
func decodeEnvelope(data []byte) (mrp.Header, *envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return mrp.Header{}, nil, fmt.Errorf("разбор конверта: %w", err)
	}
	return mrp.Header{Seqnum: env.Seqnum, AckNum: env.AckNum}, &env, nil
}

// rtpFramer упаковывает административные конверты в RTP-пакеты потока
// данных. Транспортная RTP-последовательность не связана с MRP seqnum.
type rtpFramer struct {
	sequenceNumber uint16
	timestamp      uint32
	ssrc           uint32
}

func newRTPFramer(ssrc uint32) *rtpFramer {
	return &rtpFramer{ssrc: ssrc}
}

// frame собирает RTP-пакет с полезной нагрузкой payload.
func (f *rtpFramer) frame(payload []byte) ([]byte, error) {
	f.sequenceNumber++
	f.timestamp++

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    rtpDataPayloadType,
			SequenceNumber: f.sequenceNumber,
			Timestamp:      f.timestamp,
			SSRC:           f.ssrc,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("сборка RTP-пакета: %w", err)
	}
	return data, nil
}

// unframe извлекает полезную нагрузку из RTP-пакета потока данных.
// Пакет с чужим payload type отклоняется.
func unframe(data []byte) ([]byte, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("разбор RTP-пакета: %w", err)
	}
	if pkt.PayloadType != rtpDataPayloadType {
		return nil, fmt.Errorf("неожиданный payload type %d", pkt.PayloadType)
	}
	return pkt.Payload, nil
}
