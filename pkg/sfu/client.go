package sfu

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/arzzra/call_engine/pkg/logging"
)

// Request HTTP-запрос, передаваемый внешнему делегату.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response HTTP-ответ от внешнего делегата.
type Response struct {
	StatusCode int
	Body       []byte
}

// HTTPDelegate внешний исполнитель HTTP-запросов. Выполняет запрос
// асинхронно и возвращает результат через ReceivedResponse/RequestFailed
// клиента с тем же requestID.
type HTTPDelegate interface {
	SendRequest(requestID uint64, req Request)
}

// Client клиент управляющих endpoint'ов SFU.
//
// Каждому запросу назначается монотонно растущий requestID; ответ
// разрешает ожидание ровно один раз. Ответ на неизвестный или уже
// разрешенный id отбрасывается с предупреждением и не дестабилизирует
// остальное состояние.
type Client struct {
	delegate HTTPDelegate
	baseURL  string
	logger   logging.StructuredLogger

	mu            sync.Mutex
	nextRequestID uint64
	pending       map[uint64]func(Response, error)

	membershipProof MembershipProof
	groupMembers    []GroupMember
}

// NewClient создает клиента поверх HTTP-делегата.
func NewClient(delegate HTTPDelegate, baseURL string, logger logging.StructuredLogger) *Client {
	return &Client{
		delegate:      delegate,
		baseURL:       baseURL,
		logger:        logger.WithComponent("sfu"),
		nextRequestID: 1,
		pending:       make(map[uint64]func(Response, error)),
	}
}

// SetMembershipProof обновляет доказательство членства для последующих запросов.
func (c *Client) SetMembershipProof(proof MembershipProof) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.membershipProof = proof
}

// SetGroupMembers обновляет список участников для разрешения opaque id.
func (c *Client) SetGroupMembers(members []GroupMember) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groupMembers = append([]GroupMember(nil), members...)
}

// PendingCount количество незавершенных запросов (для тестов).
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// send регистрирует ожидание и отдает запрос делегату.
func (c *Client) send(req Request, complete func(Response, error)) uint64 {
	c.mu.Lock()
	requestID := c.nextRequestID
	c.nextRequestID++
	c.pending[requestID] = complete
	// Запросы call link несут собственную авторизацию, она не затирается
	if _, hasAuth := req.Headers["Authorization"]; !hasAuth && len(c.membershipProof) > 0 {
		if req.Headers == nil {
			req.Headers = make(map[string]string)
		}
		req.Headers["Authorization"] = fmt.Sprintf("Bearer %x", []byte(c.membershipProof))
	}
	c.mu.Unlock()

	c.delegate.SendRequest(requestID, req)
	return requestID
}

// take извлекает ожидание по id; второй результат false для
// неизвестного/уже разрешенного id.
func (c *Client) take(requestID uint64) (func(Response, error), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	complete, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	return complete, ok
}

// ReceivedResponse вход для делегата: ответ на запрос requestID.
func (c *Client) ReceivedResponse(requestID uint64, resp Response) {
	complete, ok := c.take(requestID)
	if !ok {
		c.logger.Warn(context.Background(), "ответ на неизвестный запрос, отброшен",
			logging.Uint64("request_id", requestID))
		return
	}
	complete(resp, nil)
}

// RequestFailed вход для делегата: запрос requestID не выполнен.
func (c *Client) RequestFailed(requestID uint64, err error) {
	complete, ok := c.take(requestID)
	if !ok {
		c.logger.Warn(context.Background(), "сбой неизвестного запроса, отброшен",
			logging.Uint64("request_id", requestID))
		return
	}
	complete(Response{}, err)
}

// peekResponse проводной формат peek-ответа SFU.
type peekResponse struct {
	ConferenceID string `json:"conferenceId"`
	Creator      string `json:"creator"`
	MaxDevices   *uint32 `json:"maxDevices"`
	Participants []struct {
		OpaqueUserID string `json:"opaqueUserId"`
		DemuxID      uint32 `json:"demuxId"`
	} `json:"participants"`
}

// Peek запрашивает текущее состояние конференции. Завершение приходит
// асинхронно; ошибка передается в callback, а не возвращается.
func (c *Client) Peek(complete func(PeekInfo, error)) uint64 {
	req := Request{
		Method: "GET",
		URL:    c.baseURL + "/v2/conference/participants",
	}
	return c.send(req, func(resp Response, err error) {
		if err != nil {
			complete(PeekInfo{}, fmt.Errorf("peek не выполнен: %w", err))
			return
		}
		if resp.StatusCode == 404 {
			// Звонок пуст: валидный ответ с нулем участников
			complete(PeekInfo{}, nil)
			return
		}
		if resp.StatusCode != 200 {
			complete(PeekInfo{}, fmt.Errorf("peek: неожиданный статус %d", resp.StatusCode))
			return
		}

		var wire peekResponse
		if jsonErr := json.Unmarshal(resp.Body, &wire); jsonErr != nil {
			complete(PeekInfo{}, fmt.Errorf("peek: разбор ответа: %w", jsonErr))
			return
		}
		complete(c.toPeekInfo(wire), nil)
	})
}

// toPeekInfo преобразует проводной ответ, разрешая opaque id в UserID.
func (c *Client) toPeekInfo(wire peekResponse) PeekInfo {
	c.mu.Lock()
	members := c.groupMembers
	c.mu.Unlock()

	byOpaque := make(map[string]UserID, len(members))
	for _, m := range members {
		byOpaque[OpaqueUserID(m.MemberIDCiphertext)] = m.UserID
	}

	info := PeekInfo{
		EraID:       wire.ConferenceID,
		Creator:     byOpaque[wire.Creator],
		MaxDevices:  wire.MaxDevices,
		DeviceCount: uint32(len(wire.Participants)),
	}
	for _, p := range wire.Participants {
		info.Devices = append(info.Devices, PeekDeviceInfo{
			DemuxID:      DemuxID(p.DemuxID),
			OpaqueUserID: p.OpaqueUserID,
			UserID:       byOpaque[p.OpaqueUserID],
		})
	}
	return info
}

// joinResponse проводной формат join-ответа SFU.
type joinResponse struct {
	DemuxID         uint32 `json:"demuxId"`
	ConferenceID    string `json:"conferenceId"`
	PendingApproval bool   `json:"pendingApproval"`
}

// Join запрашивает назначение demux id для участия в конференции.
func (c *Client) Join(iceUfrag, icePwd string, complete func(JoinResponse, error)) uint64 {
	body, _ := json.Marshal(map[string]string{
		"iceUfrag": iceUfrag,
		"icePwd":   icePwd,
	})
	req := Request{
		Method:  "PUT",
		URL:     c.baseURL + "/v2/conference/participants",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}
	return c.send(req, func(resp Response, err error) {
		if err != nil {
			complete(JoinResponse{}, fmt.Errorf("join не выполнен: %w", err))
			return
		}
		switch resp.StatusCode {
		case 200:
		case 413, 429:
			// Комната заполнена
			complete(JoinResponse{Full: true}, nil)
			return
		default:
			complete(JoinResponse{}, fmt.Errorf("join: неожиданный статус %d", resp.StatusCode))
			return
		}

		var wire joinResponse
		if jsonErr := json.Unmarshal(resp.Body, &wire); jsonErr != nil {
			complete(JoinResponse{}, fmt.Errorf("join: разбор ответа: %w", jsonErr))
			return
		}
		complete(JoinResponse{
			DemuxID:         DemuxID(wire.DemuxID),
			EraID:           wire.ConferenceID,
			PendingApproval: wire.PendingApproval,
		}, nil)
	})
}
