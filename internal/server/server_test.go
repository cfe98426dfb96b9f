package server

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gomodule/redigo/redis"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mi0772/podcache/internal/cache"
	"github.com/mi0772/podcache/internal/cas"
)

// startTestServer boots a Server on an ephemeral loopback port and
// returns its address plus a cancel func to shut it down.
func startTestServer(t *testing.T) (addr string, shutdown func()) {
	t.Helper()
	return startTestServerWithCapacity(t, 1<<20, 2)
}

func startTestServerWithCapacity(t *testing.T, capacity int64, partitions int) (addr string, shutdown func()) {
	t.Helper()

	fs := afero.NewMemMapFs()
	store, err := cas.New(fs, "/data", zap.NewNop())
	require.NoError(t, err)

	c := cache.New(capacity, partitions, store, zap.NewNop(), nil)
	srv := New(c, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		go func() {
			for srv.Addr() == nil {
				time.Sleep(time.Millisecond)
			}
			close(ready)
		}()
		_ = srv.Serve(ctx, "127.0.0.1:0")
	}()

	<-ready
	return srv.Addr().String(), func() {
		cancel()
		<-done
	}
}

func TestServerPingPongOverRedigo(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()

	conn, err := redis.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	reply, err := redis.String(conn.Do("PING"))
	require.NoError(t, err)
	assert.Equal(t, "PONG", reply)
}

func TestServerSetGetOverGoRedis(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "mykey", "myvalue", 0).Err())

	got, err := client.Get(ctx, "mykey").Result()
	require.NoError(t, err)
	assert.Equal(t, "myvalue", got)
}

func TestServerGetMissReturnsNil(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()

	_, err := client.Get(ctx, "absent").Result()
	assert.ErrorIs(t, err, goredis.Nil)
}

func TestServerDelRemovesKey(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k", "v", 0).Err())
	n, err := client.Del(ctx, "k").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = client.Get(ctx, "k").Result()
	assert.ErrorIs(t, err, goredis.Nil)
}

func TestServerIncrSequence(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()

	for i, want := range []int64{1, 2, 3} {
		got, err := client.Incr(ctx, "counter").Result()
		require.NoError(t, err, "iteration %d", i)
		assert.Equal(t, want, got)
	}
}

func TestServerClientSubcommandIsTolerated(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()

	conn, err := redis.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	reply, err := redis.String(conn.Do("CLIENT", "SETNAME", "test-client"))
	require.NoError(t, err)
	assert.Equal(t, "OK", reply)
}

func TestServerUnknownCommandReturnsError(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()

	conn, err := redis.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Do("FROBNICATE")
	assert.Error(t, err)
}

func TestServerQuitClosesConnection(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()

	conn, err := redis.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	reply, err := redis.String(conn.Do("QUIT"))
	require.NoError(t, err)
	assert.Equal(t, "BYE", reply)

	_, err = conn.Do("PING")
	assert.Error(t, err)
}

func TestServerMalformedFrameGetsErrorReplyAndConnectionStaysOpen(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("+not-an-array\r\n"))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "-ERR "))

	_, err = conn.Write([]byte("*1\r\n$4\r\nPING\r\n"))
	require.NoError(t, err)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "+PONG\r\n", line)
}

func TestServerIncrNonIntegerReturnsSpecificError(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "notanumber", "abc", 0).Err())

	_, err := client.Incr(ctx, "notanumber").Result()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "value is not an integer or out of range")
}

func TestServerSetTooLargeReturnsFailedToStoreValue(t *testing.T) {
	addr, shutdown := startTestServerWithCapacity(t, 1024, 1)
	defer shutdown()

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()

	err := client.Set(ctx, "k", strings.Repeat("x", 2048), 0).Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to store value")
}
