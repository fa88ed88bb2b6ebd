package syslog

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jplandry908/openobserve/pkg/record"
)

type capturePusher struct {
	mu      sync.Mutex
	batches []record.Batch
}

func (p *capturePusher) Push(_ context.Context, batch record.Batch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, batch)
	return nil
}

func (p *capturePusher) all() []record.Batch {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]record.Batch, len(p.batches))
	copy(out, p.batches)
	return out
}

func testRoutes() []RouteConfig {
	return []RouteConfig{
		{Org: "netops", Stream: "firewall", Subnets: []string{"10.0.0.0/8"}},
		{Org: "default", Stream: "syslog", Subnets: []string{"127.0.0.0/8", "::1/128"}},
	}
}

func TestRouteFor(t *testing.T) {
	s, err := New(Config{TCPListenAddr: "", Routes: testRoutes()}, &capturePusher{}, log.NewNopLogger())
	require.NoError(t, err)

	r, ok := s.routeFor(&net.TCPAddr{IP: net.ParseIP("10.1.2.3")})
	require.True(t, ok)
	assert.Equal(t, "netops", r.org)
	assert.Equal(t, "firewall", r.stream)

	r, ok = s.routeFor(&net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.True(t, ok)
	assert.Equal(t, "default", r.org)

	_, ok = s.routeFor(&net.TCPAddr{IP: net.ParseIP("192.168.1.1")})
	assert.False(t, ok)
}

func TestBadRouteConfig(t *testing.T) {
	_, err := New(Config{Routes: []RouteConfig{{Org: "o", Stream: "s", Subnets: []string{"not-a-cidr"}}}}, &capturePusher{}, log.NewNopLogger())
	require.Error(t, err)

	_, err = New(Config{Routes: []RouteConfig{{Org: "", Stream: "s"}}}, &capturePusher{}, log.NewNopLogger())
	require.Error(t, err)
}

func TestTCPIngest(t *testing.T) {
	pusher := &capturePusher{}
	s, err := New(Config{
		Enabled:       true,
		TCPListenAddr: "127.0.0.1:0",
		Routes:        testRoutes(),
		ReadTimeout:   time.Second,
	}, pusher, log.NewNopLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, services.StartAndAwaitRunning(ctx, s))
	defer func() { _ = services.StopAndAwaitTerminated(ctx, s) }()

	conn, err := net.Dial("tcp", s.tcp.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("<165>1 2024-01-01T00:00:00Z host app - - - over tcp\n"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return len(pusher.all()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	batch := pusher.all()[0]
	assert.Equal(t, "default", batch.Org)
	assert.Equal(t, "syslog", batch.Stream)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, record.String("over tcp"), batch.Records[0].Fields["message"])
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMicro(), batch.Records[0].Timestamp)
}

func TestUDPIngest(t *testing.T) {
	pusher := &capturePusher{}
	s, err := New(Config{
		Enabled:       true,
		UDPListenAddr: "127.0.0.1:0",
		Routes:        testRoutes(),
	}, pusher, log.NewNopLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, services.StartAndAwaitRunning(ctx, s))
	defer func() { _ = services.StopAndAwaitTerminated(ctx, s) }()

	conn, err := net.Dial("udp", s.udp.LocalAddr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("<34>Oct 11 22:14:15 mymachine su: over udp"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return len(pusher.all()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, pusher.all()[0].Records[0].Fields["message"].Str, "over udp")
}

func TestUnroutedSenderDropped(t *testing.T) {
	pusher := &capturePusher{}
	s, err := New(Config{
		Enabled:       true,
		TCPListenAddr: "127.0.0.1:0",
		// Routes cover a subnet the loopback sender is not in.
		Routes:      []RouteConfig{{Org: "netops", Stream: "firewall", Subnets: []string{"10.0.0.0/8"}}},
		ReadTimeout: time.Second,
	}, pusher, log.NewNopLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, services.StartAndAwaitRunning(ctx, s))
	defer func() { _ = services.StopAndAwaitTerminated(ctx, s) }()

	conn, err := net.Dial("tcp", s.tcp.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("<165>1 2024-01-01T00:00:00Z host app - - - dropped\n"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, pusher.all())
}
