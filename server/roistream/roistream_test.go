package roistream

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/roidetect/pkg/nn"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func testResult(seq uint64) *nn.FrameResult {
	return &nn.FrameResult{
		Seq:         seq,
		ModelID:     "ssd",
		FrameWidth:  1920,
		FrameHeight: 1080,
		Regions: []nn.RegionOfInterest{
			{Label: "car", Boxes: []nn.Rect{{X: 64, Y: 36, Width: 1280, Height: 720}}},
		},
	}
}

func startServer(t *testing.T, stats StatsFunc) (*Hub, *httptest.Server) {
	log := logs.NewTestingLog(t)
	hub := NewHub(log)
	s := NewServer(log, hub, stats)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return hub, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws/results"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcast(t *testing.T) {
	hub, ts := startServer(t, nil)
	a := dial(t, ts)
	b := dial(t, ts)
	require.Eventually(t, func() bool { return hub.Stats().Clients == 2 }, 5*time.Second, 10*time.Millisecond)

	hub.OnResult(testResult(7))

	for _, conn := range []*websocket.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		msgType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.TextMessage, msgType)
		msg := resultMessage{}
		require.NoError(t, json.Unmarshal(data, &msg))
		require.Equal(t, "result", msg.Type)
		require.Equal(t, uint64(7), msg.Result.Seq)
		require.Equal(t, "car", msg.Result.Regions[0].Label)
		require.Equal(t, float32(1280), msg.Result.Regions[0].Boxes[0].Width)
	}

	// Disconnected clients are removed
	a.Close()
	require.Eventually(t, func() bool { return hub.Stats().Clients == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestPauseResume(t *testing.T) {
	hub, ts := startServer(t, nil)
	conn := dial(t, ts)
	require.Eventually(t, func() bool { return hub.Stats().Clients == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(webSocketJSON{Command: "pause"}))
	require.Eventually(t, func() bool {
		hub.lock.Lock()
		defer hub.lock.Unlock()
		for c := range hub.clients {
			return c.paused.Load()
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	hub.OnResult(testResult(1))

	require.NoError(t, conn.WriteJSON(webSocketJSON{Command: "resume"}))
	require.Eventually(t, func() bool {
		hub.lock.Lock()
		defer hub.lock.Unlock()
		for c := range hub.clients {
			return !c.paused.Load()
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	hub.OnResult(testResult(2))

	// The result sent while paused never arrives
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg := resultMessage{}
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, uint64(2), msg.Result.Seq)
}

func TestSlowClientDropsResults(t *testing.T) {
	hub := NewHub(logs.NewTestingLog(t))
	// A client with nobody draining its queue
	c := newClient(hub.log)
	hub.add(c)
	for i := 0; i < SendQueueSize+5; i++ {
		hub.OnResult(testResult(uint64(i + 1)))
	}
	s := hub.Stats()
	require.Equal(t, int64(SendQueueSize+5), s.ResultsSeen)
	require.Equal(t, int64(5), s.MessagesDropped)
	require.Len(t, c.sendQueue, SendQueueSize)

	hub.remove(c)
	require.Equal(t, 0, hub.Stats().Clients)
	// The queue is closed once the client is removed
	n := 0
	for range c.sendQueue {
		n++
	}
	require.Equal(t, SendQueueSize, n)
}

func TestStatsEndpoint(t *testing.T) {
	_, ts := startServer(t, func() any {
		return map[string]int{"framesAnalyzed": 42}
	})
	resp, err := http.Get(ts.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := map[string]int{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Equal(t, 42, stats["framesAnalyzed"])
}

func TestHubStatsEndpoint(t *testing.T) {
	_, ts := startServer(t, nil)
	resp, err := http.Get(ts.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	stats := HubStats{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Equal(t, 0, stats.Clients)
}

func TestFrameEndpoint(t *testing.T) {
	log := logs.NewTestingLog(t)
	hub := NewHub(log)
	s := NewServer(log, hub, nil)
	var got []byte
	s.AcceptFrames(func(encoded []byte) (uint64, error) {
		if len(encoded) == 0 {
			return 0, errors.New("empty")
		}
		got = encoded
		return 9, nil
	})
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/frame", "image/jpeg", bytes.NewReader([]byte{0xff, 0xd8}))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fr := frameResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fr))
	require.Equal(t, uint64(9), fr.Seq)
	require.Equal(t, []byte{0xff, 0xd8}, got)

	resp2, err := http.Post(ts.URL+"/api/frame", "image/jpeg", bytes.NewReader(nil))
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}
