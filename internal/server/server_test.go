package server_test

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/toy-socket-relay/internal/metrics"
	"github.com/omochice/toy-socket-relay/internal/server"
	"github.com/omochice/toy-socket-relay/internal/transport/ws"
	"github.com/omochice/toy-socket-relay/pkg/protocol"
)

const (
	testInterval = 10 * time.Millisecond
	waitFor      = 2 * time.Second
)

func testConfig() server.Config {
	cfg := server.DefaultConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.PollInterval = testInterval
	return cfg
}

func startServer(t *testing.T, cfg server.Config, opts ...server.Option) *server.Server {
	t.Helper()

	srv := server.New(cfg, opts...)
	require.NoError(t, srv.Listen())

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve()
	}()

	t.Cleanup(func() {
		srv.Stop()
		select {
		case err := <-errChan:
			assert.ErrorIs(t, err, server.ErrServerStopped)
		case <-time.After(waitFor):
			t.Error("Server did not stop in time")
		}
	})
	return srv
}

func dial(t *testing.T, srv *server.Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, text string) {
	t.Helper()
	f := protocol.Encode(text)
	_, err := conn.Write(f[:])
	require.NoError(t, err)
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	buf := make([]byte, protocol.FrameSize)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func readText(t *testing.T, conn net.Conn) string {
	t.Helper()
	var f protocol.Frame
	copy(f[:], readFrame(t, conn))
	text, err := protocol.Decode(f)
	require.NoError(t, err)
	return text
}

func TestServer_StartStop(t *testing.T) {
	srv := server.New(testConfig())

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, waitFor, testInterval)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	_ = conn.Close()

	srv.Stop()

	select {
	case err := <-errChan:
		assert.ErrorIs(t, err, server.ErrServerStopped)
	case <-time.After(waitFor):
		t.Error("Server did not stop in time")
	}
}

func TestServer_ListenFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig()
	cfg.ListenAddress = busy.Addr().String()

	assert.Error(t, server.New(cfg).Listen())
}

func TestServer_ServeWithoutListen(t *testing.T) {
	assert.Error(t, server.New(testConfig()).Serve())
}

func TestServer_ClientConnection(t *testing.T) {
	srv := startServer(t, testConfig())

	dial(t, srv)
	dial(t, srv)

	assert.Eventually(t, func() bool { return srv.ClientCount() == 2 }, waitFor, testInterval)
}

func TestServer_MessageBroadcast(t *testing.T) {
	srv := startServer(t, testConfig())

	conn1 := dial(t, srv)
	conn2 := dial(t, srv)
	require.Eventually(t, func() bool { return srv.ClientCount() == 2 }, waitFor, testInterval)

	send(t, conn1, "hello")

	want := append([]byte{0x68, 0x65, 0x6C, 0x6C, 0x6F}, make([]byte, 27)...)
	assert.Equal(t, want, readFrame(t, conn2))
	// the sender gets its own message back
	assert.Equal(t, want, readFrame(t, conn1))
}

func TestServer_NoEcho(t *testing.T) {
	cfg := testConfig()
	cfg.Echo = false
	srv := startServer(t, cfg)

	conn1 := dial(t, srv)
	conn2 := dial(t, srv)
	require.Eventually(t, func() bool { return srv.ClientCount() == 2 }, waitFor, testInterval)

	send(t, conn1, "only for others")
	assert.Equal(t, "only for others", readText(t, conn2))

	require.NoError(t, conn1.SetReadDeadline(time.Now().Add(10*testInterval)))
	_, err := conn1.Read(make([]byte, protocol.FrameSize))
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestServer_SenderOrder(t *testing.T) {
	srv := startServer(t, testConfig())

	sender := dial(t, srv)
	receiver := dial(t, srv)
	require.Eventually(t, func() bool { return srv.ClientCount() == 2 }, waitFor, testInterval)

	want := []string{"one", "two", "three"}
	for _, text := range want {
		send(t, sender, text)
	}
	for _, text := range want {
		assert.Equal(t, text, readText(t, receiver))
	}
}

func TestServer_Isolation(t *testing.T) {
	srv := startServer(t, testConfig())

	a := dial(t, srv)
	b := dial(t, srv)
	c := dial(t, srv)
	require.Eventually(t, func() bool { return srv.ClientCount() == 3 }, waitFor, testInterval)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return srv.ClientCount() == 2 }, waitFor, testInterval)

	send(t, a, "still here")
	assert.Equal(t, "still here", readText(t, b))
	assert.Equal(t, "still here", readText(t, a))
}

func TestServer_InvalidFrameIsSkipped(t *testing.T) {
	m, err := metrics.New()
	require.NoError(t, err)
	srv := startServer(t, testConfig(), server.WithRecorder(m))

	a := dial(t, srv)
	b := dial(t, srv)
	require.Eventually(t, func() bool { return srv.ClientCount() == 2 }, waitFor, testInterval)

	bad := make([]byte, protocol.FrameSize)
	copy(bad, []byte{0xff, 0xfe, 0xfd})
	_, err = a.Write(bad)
	require.NoError(t, err)
	send(t, a, "after the bad one")

	assert.Equal(t, "after the bad one", readText(t, b))
	assert.Equal(t, 2, srv.ClientCount())
	expected := `
# HELP relay_decode_errors_total Frames skipped because their payload was not valid text.
# TYPE relay_decode_errors_total counter
relay_decode_errors_total 1
# HELP relay_frames_received_total Frames read from peers.
# TYPE relay_frames_received_total counter
relay_frames_received_total 2
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"relay_frames_received_total", "relay_decode_errors_total"))
}

func TestServer_StopClosesClients(t *testing.T) {
	srv := server.New(testConfig())
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve() }()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return srv.ClientCount() == 1 }, waitFor, testInterval)

	require.NoError(t, srv.Shutdown(context.Background()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err := conn.Read(make([]byte, protocol.FrameSize))
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_WebSocketAndTCPShareTheHub(t *testing.T) {
	cfg := testConfig()
	cfg.WSListenAddress = "127.0.0.1:0"
	srv := startServer(t, cfg)
	require.NotEmpty(t, srv.WSAddr())

	tcpConn := dial(t, srv)
	wsConn, err := ws.Dial(context.Background(), "ws://"+srv.WSAddr()+"/", 0)
	require.NoError(t, err)
	defer wsConn.Close()

	require.Eventually(t, func() bool { return srv.ClientCount() == 2 }, waitFor, testInterval)

	require.NoError(t, wsConn.WriteFrame(protocol.Encode("over websocket")))
	assert.Equal(t, "over websocket", readText(t, tcpConn))

	send(t, tcpConn, "over tcp")
	var got []string
	deadline := time.Now().Add(waitFor)
	for len(got) < 2 && time.Now().Before(deadline) {
		f, err := wsConn.ReadFrame(testInterval)
		if err != nil {
			continue
		}
		text, err := protocol.Decode(f)
		require.NoError(t, err)
		got = append(got, text)
	}
	assert.Equal(t, []string{"over websocket", "over tcp"}, got)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *server.Config)
		wantErr bool
	}{
		{"defaults", func(c *server.Config) {}, false},
		{"missing address", func(c *server.Config) { c.ListenAddress = "" }, true},
		{"zero interval", func(c *server.Config) { c.PollInterval = 0 }, true},
		{"zero write timeout", func(c *server.Config) { c.WriteTimeout = 0 }, true},
		{"same websocket address", func(c *server.Config) { c.WSListenAddress = c.ListenAddress }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := server.DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefaultConfig_StalledWriteBoundedByInterval(t *testing.T) {
	cfg := server.DefaultConfig()

	assert.LessOrEqual(t, cfg.WriteTimeout, cfg.PollInterval)
}
