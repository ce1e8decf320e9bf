package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/chzchzchz/emgrx/features"
	"github.com/chzchzchz/emgrx/flex"
	"github.com/chzchzchz/emgrx/sink"
)

func newTestMonitor() *Monitor {
	return NewMonitor("run-1", flex.DefaultBits,
		flex.NewSession("left", nil, features.AbsMean{}, nil),
		flex.NewSession("right", nil, features.AbsMean{}, nil))
}

func testRound(seq int, left bool) flex.Round {
	return flex.Round{
		Seq:   seq,
		Start: time.Date(2024, 5, 1, 12, 0, seq, 0, time.UTC),
		Detections: map[string]flex.Detection{
			"left":  {Arm: "left", Feature: 35, Threshold: 30, Flexed: left},
			"right": {Arm: "right", Feature: 20, Threshold: 30},
		},
	}
}

func TestStatus(t *testing.T) {
	m := newTestMonitor()
	srv := httptest.NewServer(m)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	require.Nil(t, st.Last)
	require.Len(t, st.Sessions, 2)
	require.Equal(t, "uninitialized", st.Sessions[0].State)

	require.NoError(t, m.Emit(context.Background(), testRound(1, true)))
	resp, err = http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	require.NotNil(t, st.Last)
	require.Equal(t, uint8(0x10), st.Last.Mask)
	require.True(t, st.Last.Arms["left"].Flexed)
}

func TestIndex(t *testing.T) {
	m := newTestMonitor()
	require.NoError(t, m.Emit(context.Background(), testRound(7, true)))
	srv := httptest.NewServer(m)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), "run-1")
	require.Contains(t, string(body), "0x10")

	resp, err = http.Post(srv.URL+"/", "text/plain", strings.NewReader(""))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/nothing")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebsocketPushesRounds(t *testing.T) {
	m := newTestMonitor()
	require.NoError(t, m.Emit(context.Background(), testRound(1, true)))
	srv := httptest.NewServer(m)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() sink.RoundMessage {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg sink.RoundMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}
	// the first message is the latest round at subscription time
	first := read()
	require.Contains(t, []int{1, 2}, first.Seq)

	require.NoError(t, m.Emit(context.Background(), testRound(2, false)))
	msg := first
	for msg.Seq != 2 {
		msg = read()
	}
	require.Equal(t, uint8(0), msg.Mask)
	require.Equal(t, "run-1", msg.Run)
}
