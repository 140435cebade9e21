package kis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/haetae-bot/haetae/internal/cache"
	"github.com/haetae-bot/haetae/internal/governor"
)

const testDataFrame = "0|H0STCNT0|001|" +
	"005930^093015^71200^2^100^0.14^71150^71000^71300^70900^71250^71150^5^1234567"

func TestStream_SubscribeTickAndHeartbeat(t *testing.T) {
	subCh := make(chan subscribeFrame, 1)
	echoCh := make(chan string, 1)

	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		// Registration frame from the client.
		_, msg, err := conn.Read(ctx)
		if err != nil {
			t.Error(err)
			return
		}
		var sub subscribeFrame
		if err := json.Unmarshal(msg, &sub); err != nil {
			t.Error(err)
			return
		}
		subCh <- sub

		// One trade print, then a heartbeat.
		if err := conn.Write(ctx, websocket.MessageText, []byte(testDataFrame)); err != nil {
			t.Error(err)
			return
		}
		ping := `{"header":{"tr_id":"PINGPONG","datetime":"20240102093000"}}`
		if err := conn.Write(ctx, websocket.MessageText, []byte(ping)); err != nil {
			t.Error(err)
			return
		}

		// The client must echo the heartbeat verbatim.
		_, echo, err := conn.Read(ctx)
		if err != nil {
			t.Error(err)
			return
		}
		echoCh <- string(echo)

		// Hold the session open until the client hangs up.
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer wsSrv.Close()

	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathApproval {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, `{"approval_key":"test-approval-key"}`)
	}))
	defer authSrv.Close()

	store := cache.New(nil, zerolog.Nop())
	defer store.Close()
	c := New(Config{
		Env: EnvVirtual, AppKey: "k", AppSecret: "s", AccountNo: "12345678",
		BaseURL: authSrv.URL,
		WSURL:   "ws" + strings.TrimPrefix(wsSrv.URL, "http"),
		TTLs:    TTLs{Price: time.Minute},
	}, governor.Default(1000, 10000, 100000, zerolog.Nop()), store, &fakeTokens{}, zerolog.Nop())

	ticks := make(chan Tick, 8)
	stream, err := c.SubscribeRealtime(context.Background(), []string{"005930"}, func(tk Tick) {
		ticks <- tk
	})
	require.NoError(t, err)
	defer stream.Stop()

	select {
	case sub := <-subCh:
		assert.Equal(t, "test-approval-key", sub.Header.ApprovalKey)
		assert.Equal(t, "1", sub.Header.TrType)
		assert.Equal(t, trRealtimePrice, sub.Body.Input.TrID)
		assert.Equal(t, "005930", sub.Body.Input.TrKey)
	case <-time.After(3 * time.Second):
		t.Fatal("no subscription frame received")
	}

	select {
	case tk := <-ticks:
		assert.Equal(t, "005930", tk.Code)
		assert.Equal(t, 71200.0, tk.Price)
		assert.Equal(t, int64(5), tk.Volume)
		assert.Equal(t, int64(1234567), tk.CumVolume)
	case <-time.After(3 * time.Second):
		t.Fatal("no tick delivered")
	}

	select {
	case echo := <-echoCh:
		assert.Contains(t, echo, `"PINGPONG"`)
	case <-time.After(3 * time.Second):
		t.Fatal("heartbeat was not echoed")
	}

	assert.True(t, stream.Connected())
	stream.Stop()
	assert.False(t, stream.Connected())
}

func TestStream_RejectsInvalidCode(t *testing.T) {
	store := cache.New(nil, zerolog.Nop())
	defer store.Close()
	c := New(Config{Env: EnvVirtual, AppKey: "k", AppSecret: "s", AccountNo: "12345678"},
		governor.Default(5, 80, 1200, zerolog.Nop()), store, &fakeTokens{}, zerolog.Nop())

	_, err := c.SubscribeRealtime(context.Background(), []string{"BAD"}, nil)
	require.Error(t, err)
}

func TestReconnectBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Second, reconnectBackoff(1))
	assert.Equal(t, 10*time.Second, reconnectBackoff(2))
	assert.Equal(t, 40*time.Second, reconnectBackoff(4))
	assert.Equal(t, maxReconnectDelay, reconnectBackoff(12))
}
