package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nowForTest = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

const stoneParcel = `{"success":true,"parcel":{"id":42,"name":"Stone Corner","features":[
	{"id":"f1","kind":"voxel","position":[0,0,0],"content":"stone"}
]}}`

// upstream 模拟地块描述服务，body 可在测试中替换
type upstream struct {
	srv    *httptest.Server
	body   atomic.Value
	status atomic.Int32
	hits   atomic.Int32
}

func newUpstream(t *testing.T, body string) *upstream {
	t.Helper()
	u := &upstream{}
	u.body.Store(body)
	u.status.Store(http.StatusOK)
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		if r.URL.Path != "/grid/parcels/42" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(int(u.status.Load()))
		_, _ = w.Write([]byte(u.body.Load().(string)))
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func newTestService(t *testing.T, api string, cache *ParcelCache) *ParcelService {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ParcelID = "42"
	cfg.APIBase = api
	cfg.FetchTimeoutMs = 2000
	cfg.RateLimit = RateLimit{}
	svc, err := NewParcelService(cfg, ServiceOptions{Cache: cache})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc
}

func TestParcelService_FetchPopulatesField(t *testing.T) {
	up := newUpstream(t, stoneParcel)
	svc := newTestService(t, up.srv.URL, nil)

	require.NoError(t, svc.Fetch(context.Background()))

	p := svc.Current()
	got, ok := p.Field.Get(0, 0, 0)
	require.True(t, ok)
	assert.Equal(t, "stone", got)
	_, ok = p.Field.Get(1, 0, 0)
	assert.False(t, ok)

	f, err := p.Catalog.Lookup("f1")
	require.NoError(t, err)
	assert.Equal(t, KindVoxel, f.Kind)
	assert.JSONEq(t, `"Stone Corner"`, string(p.Meta["name"]))
	_, hasFeatures := p.Meta["features"]
	assert.False(t, hasFeatures)
	assert.False(t, p.FetchedAt.IsZero())
}

func TestParcelService_FetchFailureKeepsPreviousState(t *testing.T) {
	up := newUpstream(t, stoneParcel)
	svc := newTestService(t, up.srv.URL, nil)
	require.NoError(t, svc.Fetch(context.Background()))
	before := svc.Current()

	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"success false", http.StatusOK, `{"success":false}`},
		{"malformed body", http.StatusOK, `{"success":tru`},
		{"missing success", http.StatusOK, `{"parcel":{"features":[]}}`},
		{"success without parcel", http.StatusOK, `{"success":true}`},
		{"features not a list", http.StatusOK, `{"success":true,"parcel":{"features":"x"}}`},
		{"server error", http.StatusInternalServerError, `oops`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			up.status.Store(int32(tc.status))
			up.body.Store(tc.body)

			err := svc.Fetch(context.Background())
			assert.ErrorIs(t, err, ErrFetchFailed)
			assert.Same(t, before, svc.Current())
		})
	}
	assert.EqualValues(t, len(cases), atomic.LoadInt64(&svc.metrics.FetchFailed))
}

func TestParcelService_FetchUnreachable(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:1", nil)

	err := svc.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrFetchFailed)
	p := svc.Current()
	assert.Equal(t, "42", p.ID)
	assert.Zero(t, p.Catalog.Len())
	assert.Zero(t, p.Field.Len())
}

func TestParcelService_RefetchSwapsWholesale(t *testing.T) {
	up := newUpstream(t, stoneParcel)
	svc := newTestService(t, up.srv.URL, nil)
	require.NoError(t, svc.Fetch(context.Background()))
	old := svc.Current()

	up.body.Store(`{"success":true,"parcel":{"features":[
		{"id":"g1","kind":"voxel","position":[1,0,0],"content":"glass"},
		{"kind":"voxel","position":[2,0,0],"content":"orphan"}
	]}}`)
	require.NoError(t, svc.Fetch(context.Background()))

	cur := svc.Current()
	assert.NotSame(t, old, cur)
	_, ok := cur.Field.Get(0, 0, 0)
	assert.False(t, ok)
	got, _ := cur.Field.Get(1, 0, 0)
	assert.Equal(t, "glass", got)
	assert.Len(t, cur.Skipped, 1)

	// 旧快照不受影响
	got, _ = old.Field.Get(0, 0, 0)
	assert.Equal(t, "stone", got)
}

func TestParcelService_LoadCached(t *testing.T) {
	cache, err := OpenParcelCache(filepath.Join(t.TempDir(), "cache", "parcels.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	up := newUpstream(t, stoneParcel)
	first := newTestService(t, up.srv.URL, cache)
	require.NoError(t, first.Fetch(context.Background()))

	cp, ok, err := cache.Get(context.Background(), "42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, stoneParcel, string(cp.Body))

	up.status.Store(http.StatusServiceUnavailable)
	second := newTestService(t, up.srv.URL, cache)
	require.Error(t, second.Fetch(context.Background()))
	require.NoError(t, second.LoadCached(context.Background()))

	got, ok := second.Current().Field.Get(0, 0, 0)
	require.True(t, ok)
	assert.Equal(t, "stone", got)
	assert.Equal(t, first.Current().Field.Digest(), second.Current().Field.Digest())

	_, ok, err = cache.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	noCache := newTestService(t, up.srv.URL, nil)
	assert.Error(t, noCache.LoadCached(context.Background()))
}

func serveTest(t *testing.T, svc *ParcelService) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := svc.Serve(ln)
	return fmt.Sprintf("127.0.0.1:%d", port)
}

func dialWS(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// waitFor 读取消息直到出现指定类型
func waitFor(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, b, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		var m map[string]any
		require.NoError(t, json.Unmarshal(b, &m))
		if m["type"] == typ {
			return m
		}
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond)
}

func TestParcelService_WebSocketSession(t *testing.T) {
	up := newUpstream(t, stoneParcel)
	svc := newTestService(t, up.srv.URL, nil)
	require.NoError(t, svc.Fetch(context.Background()))
	addr := serveTest(t, svc)

	a := dialWS(t, addr)
	b := dialWS(t, addr)
	waitUntil(t, func() bool { return svc.Hub().Connections() == 2 })

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"join","player":{"id":"p1","position":[0,0,0]}}`)))
	welcome := waitFor(t, a, TypeWelcome)
	voxels := welcome["parcel"].(map[string]any)["voxels"].([]any)
	require.Len(t, voxels, 1)
	enter := waitFor(t, b, TypePlayerEnter)
	assert.Equal(t, "p1", enter["player"].(map[string]any)["id"])

	// b 未加入就 move：被丢弃
	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte(`{"type":"move","position":[5,5,5]}`)))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"move","position":[1,0,0]}`)))
	move := waitFor(t, b, TypePlayerMove)
	assert.Equal(t, []any{1.0, 0.0, 0.0}, move["player"].(map[string]any)["position"])
	assert.Equal(t, []string{"p1"}, playerIDs(svc.Hub().Players()))

	// a 异常断开，b 收到 playerleave
	require.NoError(t, a.Close())
	leave := waitFor(t, b, TypePlayerLeave)
	assert.Equal(t, "p1", leave["player"].(map[string]any)["id"])
	waitUntil(t, func() bool { return svc.Hub().Connections() == 1 })
	assert.Empty(t, svc.Hub().Players())
	waitUntil(t, func() bool { return atomic.LoadInt64(&svc.metrics.Leaves) == 1 })
}

func TestParcelService_HTTPEndpoints(t *testing.T) {
	up := newUpstream(t, stoneParcel)
	svc := newTestService(t, up.srv.URL, nil)
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)

	getJSON := func(path string) (int, map[string]any) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var m map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
		return resp.StatusCode, m
	}

	status, _ := getJSON("/parcel/voxel?x=0&y=0&z=0")
	assert.Equal(t, http.StatusNotFound, status)

	resp, err := http.Post(srv.URL+"/admin/refetch", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status, body := getJSON("/parcel/voxel?x=0&y=0&z=0")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "stone", body["content"])

	status, body = getJSON("/parcel")
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, body["features"], 1)
	assert.EqualValues(t, 1, body["field"].(map[string]any)["count"])

	resp, err = http.Post(srv.URL+"/admin/config", "application/json", strings.NewReader(`{"excludeOrigin":true}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.True(t, svc.Hub().ExcludeOrigin())

	_, body = getJSON("/metrics")
	assert.EqualValues(t, 1, body["metrics"].(map[string]any)["fetch_ok"])

	resp, err = http.Get(srv.URL + "/parcel/voxel?x=a")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
