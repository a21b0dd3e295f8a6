package sfu

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/call_engine/pkg/logging"
)

type recordingDelegate struct {
	requests []struct {
		ID  uint64
		Req Request
	}
}

func (d *recordingDelegate) SendRequest(requestID uint64, req Request) {
	d.requests = append(d.requests, struct {
		ID  uint64
		Req Request
	}{requestID, req})
}

func (d *recordingDelegate) last() (uint64, Request) {
	r := d.requests[len(d.requests)-1]
	return r.ID, r.Req
}

func newTestClient() (*Client, *recordingDelegate) {
	delegate := &recordingDelegate{}
	return NewClient(delegate, "https://sfu.example", logging.NopLogger{}), delegate
}

func TestPeekResolvesOpaqueUserIDs(t *testing.T) {
	client, delegate := newTestClient()
	client.SetGroupMembers([]GroupMember{
		{UserID: "alice", MemberIDCiphertext: []byte("alice-cipher")},
		{UserID: "bob", MemberIDCiphertext: []byte("bob-cipher")},
	})

	var got PeekInfo
	client.Peek(func(info PeekInfo, err error) {
		require.NoError(t, err)
		got = info
	})

	id, req := delegate.last()
	assert.Equal(t, "GET", req.Method)

	aliceOpaque := OpaqueUserID([]byte("alice-cipher"))
	client.ReceivedResponse(id, Response{
		StatusCode: 200,
		Body: []byte(`{"conferenceId":"era-9","creator":"` + aliceOpaque + `",` +
			`"participants":[{"opaqueUserId":"` + aliceOpaque + `","demuxId":16}]}`),
	})

	assert.Equal(t, "era-9", got.EraID)
	assert.Equal(t, UserID("alice"), got.Creator)
	require.Len(t, got.Devices, 1)
	assert.Equal(t, DemuxID(16), got.Devices[0].DemuxID)
	assert.Equal(t, UserID("alice"), got.Devices[0].UserID)
}

func TestPeekNotFoundMeansEmptyCall(t *testing.T) {
	client, delegate := newTestClient()

	var got PeekInfo
	var gotErr error
	client.Peek(func(info PeekInfo, err error) { got, gotErr = info, err })

	id, _ := delegate.last()
	client.ReceivedResponse(id, Response{StatusCode: 404})

	require.NoError(t, gotErr)
	assert.Zero(t, got.DeviceCount)
	assert.Empty(t, got.Devices)
}

func TestJoinFullRoom(t *testing.T) {
	client, delegate := newTestClient()

	var got JoinResponse
	client.Join("ufrag", "pwd", func(resp JoinResponse, err error) {
		require.NoError(t, err)
		got = resp
	})

	id, req := delegate.last()
	assert.Equal(t, "PUT", req.Method)
	client.ReceivedResponse(id, Response{StatusCode: 413})

	assert.True(t, got.Full)
}

func TestJoinParsesDemuxAndEra(t *testing.T) {
	client, delegate := newTestClient()

	var got JoinResponse
	client.Join("ufrag", "pwd", func(resp JoinResponse, err error) {
		require.NoError(t, err)
		got = resp
	})

	id, _ := delegate.last()
	client.ReceivedResponse(id, Response{
		StatusCode: 200,
		Body:       []byte(`{"demuxId":32,"conferenceId":"era-1","pendingApproval":true}`),
	})

	assert.Equal(t, DemuxID(32), got.DemuxID)
	assert.Equal(t, "era-1", got.EraID)
	assert.True(t, got.PendingApproval)
}

func TestRequestFailurePropagates(t *testing.T) {
	client, delegate := newTestClient()

	var gotErr error
	client.Join("ufrag", "pwd", func(_ JoinResponse, err error) { gotErr = err })

	id, _ := delegate.last()
	client.RequestFailed(id, errors.New("сеть недоступна"))

	assert.Error(t, gotErr)
	assert.Zero(t, client.PendingCount())
}

func TestUnknownRequestIDDropped(t *testing.T) {
	client, _ := newTestClient()

	// Ответ на никогда не выдававшийся id не должен паниковать
	client.ReceivedResponse(999, Response{StatusCode: 200})
	client.RequestFailed(999, errors.New("сбой"))
	assert.Zero(t, client.PendingCount())
}

func TestResponseResolvesExactlyOnce(t *testing.T) {
	client, delegate := newTestClient()

	calls := 0
	client.Join("ufrag", "pwd", func(JoinResponse, error) { calls++ })

	id, _ := delegate.last()
	client.ReceivedResponse(id, Response{StatusCode: 413})
	client.ReceivedResponse(id, Response{StatusCode: 413})

	assert.Equal(t, 1, calls)
}

func TestMembershipProofAttachedToRequests(t *testing.T) {
	client, delegate := newTestClient()
	client.SetMembershipProof(MembershipProof("proof"))

	client.Peek(func(PeekInfo, error) {})

	_, req := delegate.last()
	assert.Contains(t, req.Headers["Authorization"], "Bearer")
}

func TestOpaqueUserIDIsSha256Hex(t *testing.T) {
	sum := sha256.Sum256([]byte("member"))
	assert.Equal(t, hex.EncodeToString(sum[:]), OpaqueUserID([]byte("member")))
}
