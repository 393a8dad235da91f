package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrew-markin/blobs/pkg/auth"
	"github.com/andrew-markin/blobs/pkg/log"
	"github.com/andrew-markin/blobs/pkg/store"
)

var refA = strings.Repeat("aa", 32)
var refB = strings.Repeat("bb", 32)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type testEnv struct {
	srv    *Server
	ts     *httptest.Server
	signer *auth.Signer
	root   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	root := t.TempDir()
	st, err := store.NewFileStore(root)
	require.NoError(t, err)

	signer := auth.NewSigner("test-secret")
	srv := NewServer(Options{Addr: "127.0.0.1:0", Signer: signer, Store: st})

	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, ts: ts, signer: signer, root: root}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http")
}

// testClient drives the wire protocol for one connection.
type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	nextID uint64
}

func (e *testEnv) dial(t *testing.T, bucket string) *testClient {
	t.Helper()

	token, err := e.signer.Mint(bucket)
	require.NoError(t, err)

	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(), header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	return &testClient{t: t, conn: conn}
}

type frame struct {
	ID    *uint64         `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// call sends one message and waits for its ack, skipping interleaved
// events.
func (c *testClient) call(event string, data interface{}) json.RawMessage {
	c.t.Helper()

	c.nextID++
	id := c.nextID
	require.NoError(c.t, c.conn.WriteJSON(frame{ID: &id, Event: event, Data: marshal(c.t, data)}))

	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		var f frame
		require.NoError(c.t, c.conn.ReadJSON(&f))
		if f.ID != nil && *f.ID == id {
			return f.Data
		}
	}
}

// waitChanged blocks until a changed event arrives.
func (c *testClient) waitChanged() {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f frame
	require.NoError(c.t, c.conn.ReadJSON(&f))
	require.Equal(c.t, "changed", f.Event)
}

// expectSilence asserts that nothing arrives within the window.
func (c *testClient) expectSilence(window time.Duration) {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(window)))
	var f frame
	err := c.conn.ReadJSON(&f)
	require.Error(c.t, err, "unexpected frame: %+v", f)
}

func marshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func decode(t *testing.T, raw json.RawMessage, v interface{}) {
	t.Helper()
	require.NotEmpty(t, raw)
	require.NoError(t, json.Unmarshal(raw, v))
}

func ackErrorOf(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var e ackError
	decode(t, raw, &e)
	return e.Error
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)

	header := http.Header{"Authorization": {"Bearer not-a-token"}}
	conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), header)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeTokenViaQuery(t *testing.T) {
	env := newTestEnv(t)

	token, err := env.signer.Mint("b1")
	require.NoError(t, err)

	conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL()+"/?token="+token, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	conn.Close()
}

func TestNow(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "b1")

	before := time.Now().UnixMilli()
	var res nowResult
	decode(t, c.call("now", nil), &res)
	after := time.Now().UnixMilli()

	assert.GreaterOrEqual(t, res.Timestamp, before)
	assert.LessOrEqual(t, res.Timestamp, after)
}

func TestColdCreate(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "b1")

	assert.Empty(t, c.call("ref", refA))

	var res setResult
	decode(t, c.call("set", map[string]interface{}{"data": "AAAA"}), &res)
	assert.True(t, res.Success)
	assert.EqualValues(t, 1, res.Version)

	// The record landed in the sharded per-bucket layout.
	raw, err := os.ReadFile(filepath.Join(env.root, "b1", "aa", refA+".json"))
	require.NoError(t, err)

	var onDisk map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, "AAAA", onDisk["data"])
	assert.EqualValues(t, 1, onDisk["version"])
	assert.NotZero(t, onDisk["created"])
	assert.NotContains(t, onDisk, "updated")
}

func TestGetRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "b1")

	c.call("ref", refA)
	c.call("set", map[string]interface{}{"data": "AAAA"})

	var res getResult
	decode(t, c.call("get", map[string]interface{}{}), &res)
	require.NotNil(t, res.Data)
	assert.Equal(t, "AAAA", *res.Data)
	assert.EqualValues(t, 1, res.Version)
}

func TestGetAbsent(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "b1")

	c.call("ref", refA)
	raw := c.call("get", nil)
	assert.Empty(t, raw)
}

func TestGetWithoutRef(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "b1")

	assert.Equal(t, "Reference is not provided", ackErrorOf(t, c.call("get", nil)))
	assert.Equal(t, "Reference is not provided",
		ackErrorOf(t, c.call("set", map[string]interface{}{"data": "AAAA"})))
}

func TestRefValidation(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "b1")

	c.call("ref", refA)
	c.call("set", map[string]interface{}{"data": "AAAA"})

	// A failed transition keeps the prior subscription intact.
	assert.Equal(t, "Reference is invalid", ackErrorOf(t, c.call("ref", refA[:63])))
	assert.Equal(t, "Reference is invalid", ackErrorOf(t, c.call("ref", refA+"aa")))
	assert.Equal(t, "Reference is invalid", ackErrorOf(t, c.call("ref", 42)))

	var res getResult
	decode(t, c.call("get", nil), &res)
	assert.EqualValues(t, 1, res.Version)
}

func TestRefMixedCase(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "b1")

	c.call("ref", strings.ToUpper(refA))
	c.call("set", map[string]interface{}{"data": "AAAA"})

	c2 := env.dial(t, "b1")
	c2.call("ref", refA)

	var res getResult
	decode(t, c2.call("get", nil), &res)
	require.NotNil(t, res.Data)
	assert.Equal(t, "AAAA", *res.Data)
}

func TestRefNoneDetaches(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "b1")

	c.call("ref", refA)
	assert.Empty(t, c.call("ref", "none"))
	assert.Equal(t, "Reference is not provided", ackErrorOf(t, c.call("get", nil)))
}

func TestSetValidation(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "b1")
	c.call("ref", refA)

	assert.Equal(t, "Data is invalid",
		ackErrorOf(t, c.call("set", map[string]interface{}{})))
	assert.Equal(t, "Data is invalid",
		ackErrorOf(t, c.call("set", map[string]interface{}{"data": "not base64!"})))
	assert.Equal(t, "Version is invalid",
		ackErrorOf(t, c.call("set", map[string]interface{}{"data": "AAAA", "version": 0})))
	assert.Equal(t, "Version is invalid",
		ackErrorOf(t, c.call("set", map[string]interface{}{"data": "AAAA", "version": -3})))
}

func TestGetKnownValidation(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "b1")
	c.call("ref", refA)

	assert.Equal(t, "Version is invalid",
		ackErrorOf(t, c.call("get", map[string]interface{}{"known": 0})))
}

func TestVersionSequence(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "b1")
	c.call("ref", refA)

	var res setResult
	decode(t, c.call("set", map[string]interface{}{"data": "AAAA"}), &res)
	require.EqualValues(t, 1, res.Version)

	for v := 1; v <= 4; v++ {
		decode(t, c.call("set", map[string]interface{}{"data": "AAAA", "version": v}), &res)
		require.True(t, res.Success)
		require.EqualValues(t, v+1, res.Version)
	}
}

func TestConflict(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t, "b1")
	b := env.dial(t, "b1")

	a.call("ref", refA)
	b.call("ref", refA)

	// Both observe version 1.
	a.call("set", map[string]interface{}{"data": "AAAA"})

	var res setResult
	decode(t, a.call("set", map[string]interface{}{"data": "WA==", "version": 1}), &res)
	require.True(t, res.Success)
	require.EqualValues(t, 2, res.Version)

	// B still holds version 1; its write must lose.
	decode(t, b.call("set", map[string]interface{}{"data": "WQ==", "version": 1}), &res)
	assert.False(t, res.Success)
	assert.Equal(t, "WA==", res.Data)
	assert.EqualValues(t, 2, res.Version)

	// Stored state is unchanged by the losing write.
	var got getResult
	decode(t, a.call("get", nil), &got)
	require.NotNil(t, got.Data)
	assert.Equal(t, "WA==", *got.Data)
	assert.EqualValues(t, 2, got.Version)
}

func TestSetWithoutVersionOnExistingBlob(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "b1")
	c.call("ref", refA)

	c.call("set", map[string]interface{}{"data": "AAAA"})

	// Omitting the observed version against an existing record is a
	// conflict, never a blind overwrite.
	var res setResult
	decode(t, c.call("set", map[string]interface{}{"data": "BBBB"}), &res)
	assert.False(t, res.Success)
	assert.EqualValues(t, 1, res.Version)
}

func TestKnownVersionShortcut(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t, "b1")
	a.call("ref", refA)
	a.call("set", map[string]interface{}{"data": "AAAA"})

	// Matching known version: no payload comes back.
	var res getResult
	decode(t, a.call("get", map[string]interface{}{"known": 1}), &res)
	assert.Nil(t, res.Data)
	assert.EqualValues(t, 1, res.Version)

	// Another writer moves the record forward.
	b := env.dial(t, "b1")
	b.call("ref", refA)
	var set setResult
	decode(t, b.call("set", map[string]interface{}{"data": "BBBB", "version": 1}), &set)
	require.True(t, set.Success)

	// The stale known version now misses and the payload is included.
	a.waitChanged()
	decode(t, a.call("get", map[string]interface{}{"known": 1}), &res)
	require.NotNil(t, res.Data)
	assert.Equal(t, "BBBB", *res.Data)
	assert.EqualValues(t, 2, res.Version)
}

func TestFanOut(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t, "b1")
	b := env.dial(t, "b1")
	c := env.dial(t, "b1")

	a.call("ref", refA)
	b.call("ref", refA)
	c.call("ref", refA)

	var res setResult
	decode(t, a.call("set", map[string]interface{}{"data": "AAAA"}), &res)
	require.True(t, res.Success)

	// Exactly one changed event for each peer, none for the writer.
	b.waitChanged()
	c.waitChanged()
	a.expectSilence(300 * time.Millisecond)
	b.expectSilence(300 * time.Millisecond)
	c.expectSilence(300 * time.Millisecond)
}

func TestNoFanOutOnConflict(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t, "b1")
	b := env.dial(t, "b1")

	a.call("ref", refA)
	b.call("ref", refA)

	a.call("set", map[string]interface{}{"data": "AAAA"})
	b.waitChanged()

	var res setResult
	decode(t, a.call("set", map[string]interface{}{"data": "BBBB", "version": 99}), &res)
	require.False(t, res.Success)

	b.expectSilence(300 * time.Millisecond)
}

func TestNoFanOutAcrossKeys(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t, "b1")
	b := env.dial(t, "b1")

	a.call("ref", refA)
	b.call("ref", refB)

	a.call("set", map[string]interface{}{"data": "AAAA"})
	b.expectSilence(300 * time.Millisecond)
}

func TestNoFanOutAcrossBuckets(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t, "b1")
	b := env.dial(t, "b2")

	a.call("ref", refA)
	b.call("ref", refA)

	a.call("set", map[string]interface{}{"data": "AAAA"})
	b.expectSilence(300 * time.Millisecond)
}

func TestBucketIsolation(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t, "b1")
	b := env.dial(t, "b2")

	a.call("ref", refA)
	b.call("ref", refA)

	a.call("set", map[string]interface{}{"data": "AAAA"})

	// Same reference, different bucket: nothing there.
	assert.Empty(t, b.call("get", nil))
}

func TestDetachStopsFanOut(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t, "b1")
	b := env.dial(t, "b1")

	a.call("ref", refA)
	b.call("ref", refA)
	b.call("ref", "none")

	a.call("set", map[string]interface{}{"data": "AAAA"})
	b.expectSilence(300 * time.Millisecond)
}

func TestMissingAckIDClosesConnection(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "b1")

	require.NoError(t, c.conn.WriteJSON(frame{Event: "now"}))

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := c.conn.ReadMessage()
	assert.Error(t, err, "server should have closed the connection")
}

func TestUnknownEventIgnored(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "b1")

	id := uint64(1)
	require.NoError(t, c.conn.WriteJSON(frame{ID: &id, Event: "bogus"}))

	// Only messages that require an ack are fatal without an id;
	// unknown events are ignored either way.
	require.NoError(t, c.conn.WriteJSON(frame{Event: "bogus"}))

	// Connection stays healthy.
	var res nowResult
	decode(t, c.call("now", nil), &res)
	assert.NotZero(t, res.Timestamp)
}

func TestCrashRecoveryServedToClient(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "b1")
	c.call("ref", refA)
	c.call("set", map[string]interface{}{"data": "djM="})

	// Simulate a write that crashed after stashing the backup.
	path := filepath.Join(env.root, "b1", "aa", refA+".json")
	require.NoError(t, os.Rename(path, path+".backup"))

	var res getResult
	decode(t, c.call("get", nil), &res)
	require.NotNil(t, res.Data)
	assert.Equal(t, "djM=", *res.Data)
	assert.EqualValues(t, 1, res.Version)
}

func TestShutdownRefusesNewHandshakes(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.srv.gate.Shutdown(time.Second))

	token, err := env.signer.Mint("b1")
	require.NoError(t, err)
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), header)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCreatedPreservedAcrossUpdates(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "b1")
	c.call("ref", refA)
	c.call("set", map[string]interface{}{"data": "AAAA"})

	raw, err := os.ReadFile(filepath.Join(env.root, "b1", "aa", refA+".json"))
	require.NoError(t, err)
	var first map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &first))

	c.call("set", map[string]interface{}{"data": "BBBB", "version": 1})

	raw, err = os.ReadFile(filepath.Join(env.root, "b1", "aa", refA+".json"))
	require.NoError(t, err)
	var second map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &second))

	assert.Equal(t, first["created"], second["created"])
	assert.NotZero(t, second["updated"])
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
