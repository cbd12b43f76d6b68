package chord

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var (
	_ Request  = JoinRequest{}
	_ Request  = StabilizeRequest{}
	_ Request  = NotifyRequest{}
	_ Request  = FixfingersRequest{}
	_ Request  = DeBruijnRequest{}
	_ Request  = FindNodeRequest{}
	_ Request  = PingRequest{}
	_ Response = JoinResponse{}
	_ Response = StabilizeResponse{}
	_ Response = NotifyResponse{}
	_ Response = FixfingersResponse{}
	_ Response = DeBruijnResponse{}
	_ Response = FindNodeResponse{}
	_ Response = PingResponse{}
	_ Notice   = NewSuccessorHint{}
	_ Notice   = LeaveNotice{}
)

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindJoin, "join"},
		{KindStabilize, "stabilize"},
		{KindNotify, "notify"},
		{KindFixfingers, "fixfingers"},
		{KindDeBruijn, "debruijn"},
		{KindFindNode, "find_node"},
		{KindPing, "ping"},
		{KindNewSuccessorHint, "new_successor_hint"},
		{KindLeave, "leave"},
		{Kind(-1), "Kind(-1)"},
		{numKinds, "Kind(9)"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.String())
		})
	}
}

func TestMessage_KindPairs(t *testing.T) {
	pairs := []struct {
		req  Request
		resp Response
	}{
		{JoinRequest{}, JoinResponse{}},
		{StabilizeRequest{}, StabilizeResponse{}},
		{NotifyRequest{}, NotifyResponse{}},
		{FixfingersRequest{}, FixfingersResponse{}},
		{DeBruijnRequest{}, DeBruijnResponse{}},
		{FindNodeRequest{}, FindNodeResponse{}},
		{PingRequest{}, PingResponse{}},
	}
	for _, p := range pairs {
		t.Run(p.req.Kind().String(), func(t *testing.T) {
			assert.Equal(t, p.req.Kind(), p.resp.Kind())
		})
	}
}
