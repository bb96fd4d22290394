package transport

import (
	"bufio"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/rubybox/toolcall"
)

type stdioClient struct {
	in    *io.PipeWriter
	lines chan []byte
	done  chan error
}

func startStdio(t *testing.T, h *testHarness, credential string) (*StdioAdapter, *stdioClient) {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	adapter := NewStdio(zaptest.NewLogger(t), h.engine, h.auth, credential, inR, outW)
	client := &stdioClient{in: inW, lines: make(chan []byte, 64), done: make(chan error, 1)}

	go func() {
		scanner := bufio.NewScanner(outR)
		for scanner.Scan() {
			client.lines <- append([]byte(nil), scanner.Bytes()...)
		}
		close(client.lines)
	}()
	go func() {
		client.done <- adapter.Serve(context.Background())
		_ = outW.Close()
	}()

	t.Cleanup(func() {
		_ = inW.Close()
		_ = outR.Close()
	})
	return adapter, client
}

func (c *stdioClient) send(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(c.in, line+"\n")
	require.NoError(t, err)
}

func (c *stdioClient) next(t *testing.T) rpcMessage {
	t.Helper()
	select {
	case line, ok := <-c.lines:
		require.True(t, ok, "output closed")
		return decodeMessage(t, line)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for output")
		return rpcMessage{}
	}
}

func (c *stdioClient) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestStdioServe(t *testing.T) {
	h := newHarness(t)
	_, client := startStdio(t, h, testAPIKey)

	client.send(t, request("slow", "test/sleep", 200))
	client.send(t, request(2, "ping", 0))

	// responses are written as they complete
	first := client.next(t)
	assert.Equal(t, "2", first.Result.Key)
	second := client.next(t)
	assert.Equal(t, `"slow"`, second.Result.Key)

	require.Eventually(t, func() bool { return h.engine.Live() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, client.in.Close())
	require.NoError(t, client.wait(t))

	// end of input closes the session
	assert.Len(t, h.sessions.Closed(), 1)
	assert.Zero(t, h.engine.Live())
}

func TestStdioUnauthorized(t *testing.T) {
	h := newHarness(t)
	_, client := startStdio(t, h, "wrong-key")

	client.send(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	client.send(t, request("init", "initialize", 0))

	resp := client.next(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeUnauthorized, resp.Error.Code)
	assert.JSONEq(t, `"init"`, string(resp.ID))

	client.send(t, request("call", "tools/call", 0))
	resp = client.next(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeUnauthorized, resp.Error.Code)

	require.NoError(t, client.in.Close())
	require.NoError(t, client.wait(t))

	// nothing reached the MCP layer
	assert.Empty(t, h.handler.Calls())
	assert.Empty(t, h.sessions.Closed())
}

func TestStdioParseError(t *testing.T) {
	h := newHarness(t)
	_, client := startStdio(t, h, testAPIKey)

	client.send(t, `not json`)
	resp := client.next(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)

	client.send(t, "")
	client.send(t, request(1, "ping", 0))
	assert.Equal(t, "1", client.next(t).Result.Key)
}

func TestStdioEOFCancelsInFlight(t *testing.T) {
	h := newHarness(t)
	_, client := startStdio(t, h, testAPIKey)

	client.send(t, request("blocked", "test/block", 0))
	require.Eventually(t, func() bool { return len(h.handler.Calls()) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, client.in.Close())

	// the blocked request is released by the session close and still answered
	assert.Equal(t, `"blocked"`, client.next(t).Result.Key)
	require.NoError(t, client.wait(t))
	assert.Len(t, h.sessions.Closed(), 1)
}

func TestStdioShutdown(t *testing.T) {
	h := newHarness(t)
	adapter, client := startStdio(t, h, testAPIKey)

	client.send(t, request(1, "ping", 0))
	assert.Equal(t, "1", client.next(t).Result.Key)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, adapter.Shutdown(ctx))
	require.NoError(t, client.wait(t))
	assert.Len(t, h.sessions.Closed(), 1)
}

func TestStdioNotifications(t *testing.T) {
	h := newHarness(t)
	_, client := startStdio(t, h, testAPIKey)

	require.Eventually(t, func() bool { return h.engine.Live() == 1 }, time.Second, 10*time.Millisecond)
	h.engine.Broadcast(toolcall.NewShutdown(ShutdownReason))

	msg := client.next(t)
	assert.Equal(t, "notifications/message", msg.Method)
	assert.Equal(t, "shutdown", msg.Params.Data.Type)
	assert.Equal(t, ShutdownReason, msg.Params.Data.Payload["reason"])
}
