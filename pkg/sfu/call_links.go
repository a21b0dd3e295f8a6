package sfu

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CallLinkRestrictions режим допуска участников в комнату call link.
type CallLinkRestrictions string

const (
	// RestrictionsNone вход свободный
	RestrictionsNone CallLinkRestrictions = "none"
	// RestrictionsAdminApproval вход по подтверждению администратора
	RestrictionsAdminApproval CallLinkRestrictions = "adminApproval"
	// RestrictionsUnknown сервер прислал нераспознанное значение
	RestrictionsUnknown CallLinkRestrictions = "unknown"
)

// CallLinkState состояние call link на SFU.
//
// Имя комнаты хранится сервером в зашифрованном виде; ядро передает его
// приложению как есть, расшифровка — забота владельца корневого ключа.
type CallLinkState struct {
	EncryptedName []byte
	Restrictions  CallLinkRestrictions
	Revoked       bool
	Expiration    time.Time
}

// ErrCallLinkNotFound call link с таким room id не существует.
var ErrCallLinkNotFound = errors.New("call link не найден")

// callLinkResponse проводной формат ответа SFU на операции с call link.
type callLinkResponse struct {
	Name         []byte `json:"name"`
	Restrictions string `json:"restrictions"`
	Revoked      bool   `json:"revoked"`
	Expiration   uint64 `json:"expiration"`
}

func (w callLinkResponse) toState() CallLinkState {
	restrictions := RestrictionsUnknown
	switch CallLinkRestrictions(w.Restrictions) {
	case RestrictionsNone, RestrictionsAdminApproval:
		restrictions = CallLinkRestrictions(w.Restrictions)
	}
	return CallLinkState{
		EncryptedName: w.Name,
		Restrictions:  restrictions,
		Revoked:       w.Revoked,
		Expiration:    time.Unix(int64(w.Expiration), 0),
	}
}

// CallLinkUpdateRequest изменяемые поля call link; nil-поля не трогаются.
type CallLinkUpdateRequest struct {
	AdminPasskey  []byte                `json:"adminPasskey"`
	EncryptedName []byte                `json:"name,omitempty"`
	Restrictions  *CallLinkRestrictions `json:"restrictions,omitempty"`
	Revoked       *bool                 `json:"revoked,omitempty"`
}

func (c *Client) callLinkURL() string {
	return c.baseURL + "/v1/call-link"
}

func callLinkAuthHeader(prefix string, authPresentation []byte) string {
	return fmt.Sprintf("Bearer %s.%s", prefix, base64.StdEncoding.EncodeToString(authPresentation))
}

// completeCallLink разбирает ответ операции с call link.
func completeCallLink(resp Response, err error, complete func(CallLinkState, error)) {
	if err != nil {
		complete(CallLinkState{}, fmt.Errorf("call link: %w", err))
		return
	}
	if resp.StatusCode == 404 {
		complete(CallLinkState{}, ErrCallLinkNotFound)
		return
	}
	if resp.StatusCode != 200 {
		complete(CallLinkState{}, fmt.Errorf("call link: неожиданный статус %d", resp.StatusCode))
		return
	}
	var wire callLinkResponse
	if jsonErr := json.Unmarshal(resp.Body, &wire); jsonErr != nil {
		complete(CallLinkState{}, fmt.Errorf("call link: разбор ответа: %w", jsonErr))
		return
	}
	complete(wire.toState(), nil)
}

// ReadCallLink читает состояние call link. Завершение приходит асинхронно;
// несуществующий room id разрешается в ErrCallLinkNotFound.
func (c *Client) ReadCallLink(roomID string, authPresentation []byte, complete func(CallLinkState, error)) uint64 {
	req := Request{
		Method: "GET",
		URL:    c.callLinkURL(),
		Headers: map[string]string{
			"Authorization": callLinkAuthHeader("auth", authPresentation),
			"X-Room-Id":     roomID,
		},
	}
	return c.send(req, func(resp Response, err error) {
		completeCallLink(resp, err, complete)
	})
}

// CreateCallLink создает call link с данным admin passkey и публичными
// zk-параметрами комнаты.
func (c *Client) CreateCallLink(roomID string, authPresentation, adminPasskey, zkParams []byte,
	complete func(CallLinkState, error)) uint64 {
	body, _ := json.Marshal(map[string][]byte{
		"adminPasskey": adminPasskey,
		"zkparams":     zkParams,
	})
	req := Request{
		Method: "PUT",
		URL:    c.callLinkURL(),
		Headers: map[string]string{
			"Authorization": callLinkAuthHeader("create", authPresentation),
			"X-Room-Id":     roomID,
			"Content-Type":  "application/json",
		},
		Body: body,
	}
	return c.send(req, func(resp Response, err error) {
		completeCallLink(resp, err, complete)
	})
}

// UpdateCallLink изменяет call link; требует admin passkey в запросе.
func (c *Client) UpdateCallLink(roomID string, authPresentation []byte, update CallLinkUpdateRequest,
	complete func(CallLinkState, error)) uint64 {
	body, err := json.Marshal(update)
	if err != nil {
		complete(CallLinkState{}, fmt.Errorf("call link: сериализация запроса: %w", err))
		return 0
	}
	req := Request{
		Method: "PUT",
		URL:    c.callLinkURL(),
		Headers: map[string]string{
			"Authorization": callLinkAuthHeader("auth", authPresentation),
			"X-Room-Id":     roomID,
			"Content-Type":  "application/json",
		},
		Body: body,
	}
	return c.send(req, func(resp Response, err error) {
		completeCallLink(resp, err, complete)
	})
}
