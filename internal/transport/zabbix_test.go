package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MGSousa/pm2-alerter/internal/model"
)

type trapper struct {
	requests chan senderRequest
	reply    func() []byte
	hang     bool
}

func startTrapper(t *testing.T, tr *trapper) ZabbixConfig {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				body, err := decodePacket(conn)
				if err != nil {
					return
				}
				var req senderRequest
				if err := json.Unmarshal(body, &req); err == nil {
					tr.requests <- req
				}
				if tr.hang {
					time.Sleep(time.Second)
					return
				}
				_, _ = conn.Write(tr.reply())
			}(conn)
		}
	}()

	addr := lis.Addr().(*net.TCPAddr)
	return ZabbixConfig{Server: "127.0.0.1", Port: uint16(addr.Port), Timeout: time.Second}
}

func replyWith(response, info string, compress bool) func() []byte {
	return func() []byte {
		body, _ := json.Marshal(map[string]string{"response": response, "info": info})
		packet, _ := encodePacket(body, compress)
		return packet
	}
}

func TestZabbixPush(t *testing.T) {
	tr := &trapper{
		requests: make(chan senderRequest, 1),
		reply:    replyWith("success", "processed: 1; failed: 0; total: 1; seconds spent: 0.000055", false),
	}
	cfg := startTrapper(t, tr)
	sender := NewZabbixSender(cfg, zap.NewNop().Sugar())

	resp, err := sender.Push(context.Background(), "web-01", "pm2.events", "api")
	require.NoError(t, err)

	req := <-tr.requests
	assert.Equal(t, "sender data", req.Request)
	assert.Equal(t, []senderValue{{Host: "web-01", Key: "pm2.events", Value: "api"}}, req.Data)

	assert.Equal(t, "success", resp.Response)
	assert.Equal(t, 1, resp.Processed)
	assert.Equal(t, 0, resp.Failed)
	assert.Equal(t, 1, resp.Total)
	assert.InDelta(t, 0.000055, resp.SecondsSpent, 1e-9)
}

func TestZabbixPushCompressed(t *testing.T) {
	tr := &trapper{
		requests: make(chan senderRequest, 1),
		reply:    replyWith("success", "processed: 1; failed: 0; total: 1; seconds spent: 0.1", true),
	}
	cfg := startTrapper(t, tr)
	cfg.Compress = true
	sender := NewZabbixSender(cfg, zap.NewNop().Sugar())

	resp, err := sender.Push(context.Background(), "web-01", "pm2.events", "worker")
	require.NoError(t, err)
	assert.Equal(t, "worker", (<-tr.requests).Data[0].Value)
	assert.Equal(t, 1, resp.Processed)
}

func TestZabbixSendRejected(t *testing.T) {
	tr := &trapper{
		requests: make(chan senderRequest, 1),
		reply:    replyWith("success", "processed: 0; failed: 1; total: 1; seconds spent: 0.000020", false),
	}
	sender := NewZabbixSender(startTrapper(t, tr), zap.NewNop().Sugar())

	err := sender.Send(context.Background(), model.NewAlert("web-01", "pm2.events", "api", 1))
	assert.ErrorIs(t, err, ErrRejected)
}

func TestZabbixPushFailedResponse(t *testing.T) {
	tr := &trapper{
		requests: make(chan senderRequest, 1),
		reply:    replyWith("failed", "cannot parse", false),
	}
	sender := NewZabbixSender(startTrapper(t, tr), zap.NewNop().Sugar())

	_, err := sender.Push(context.Background(), "web-01", "pm2.events", "api")
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestZabbixPushBadHeader(t *testing.T) {
	tr := &trapper{
		requests: make(chan senderRequest, 1),
		reply:    func() []byte { return []byte("HTTP/1.1 400 Bad Request\r\n\r\n") },
	}
	sender := NewZabbixSender(startTrapper(t, tr), zap.NewNop().Sugar())

	_, err := sender.Push(context.Background(), "web-01", "pm2.events", "api")
	assert.ErrorIs(t, err, ErrBadHeader)
}

func TestZabbixPushCompressedRejected(t *testing.T) {
	tr := &trapper{
		requests: make(chan senderRequest, 1),
		reply:    replyWith("success", "processed: 0; failed: 1; total: 1; seconds spent: 0.000020", false),
	}
	cfg := startTrapper(t, tr)
	cfg.Compress = true
	sender := NewZabbixSender(cfg, zap.NewNop().Sugar())

	err := sender.Send(context.Background(), model.NewAlert("web-01", "pm2.events", "api", 1))
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, "api", (<-tr.requests).Data[0].Value)
}

func TestZabbixSendTimeoutCompressed(t *testing.T) {
	tr := &trapper{requests: make(chan senderRequest, 1), hang: true}
	cfg := startTrapper(t, tr)
	cfg.Timeout = 100 * time.Millisecond
	cfg.Compress = true
	sender := NewZabbixSender(cfg, zap.NewNop().Sugar())

	start := time.Now()
	err := sender.Send(context.Background(), model.NewAlert("web-01", "pm2.events", "api", 1))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestZabbixSendTimeout(t *testing.T) {
	tr := &trapper{requests: make(chan senderRequest, 1), hang: true}
	cfg := startTrapper(t, tr)
	cfg.Timeout = 100 * time.Millisecond
	sender := NewZabbixSender(cfg, zap.NewNop().Sugar())

	start := time.Now()
	err := sender.Send(context.Background(), model.NewAlert("web-01", "pm2.events", "api", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestZabbixSendConnectionRefused(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	lis.Close()

	sender := NewZabbixSender(ZabbixConfig{Server: "127.0.0.1", Port: uint16(port)}, zap.NewNop().Sugar())
	err = sender.Send(context.Background(), model.NewAlert("web-01", "pm2.events", "api", 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send to 127.0.0.1:"+strconv.Itoa(port))

	sender = NewZabbixSender(ZabbixConfig{Server: "127.0.0.1", Port: uint16(port), Compress: true}, zap.NewNop().Sugar())
	err = sender.Send(context.Background(), model.NewAlert("web-01", "pm2.events", "api", 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send to 127.0.0.1:"+strconv.Itoa(port))
}

func TestEncodePacketLayout(t *testing.T) {
	packet, err := encodePacket([]byte(`{"a":1}`), false)
	require.NoError(t, err)

	assert.Equal(t, "ZBXD", string(packet[:4]))
	assert.Equal(t, flagProtocol, packet[4])
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(packet[5:9]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(packet[9:13]))
	assert.Equal(t, `{"a":1}`, string(packet[13:]))
}

func TestDecodePacketLarge(t *testing.T) {
	body := []byte(`{"response":"success","info":"processed: 1; failed: 0; total: 1; seconds spent: 0.1"}`)

	var buf bytes.Buffer
	buf.WriteString("ZBXD")
	buf.WriteByte(flagProtocol | flagLargePacket)
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(body)))
	_ = binary.Write(&buf, binary.LittleEndian, uint64(0))
	buf.Write(body)

	got, err := decodePacket(&buf)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestDecodePacketCompressedSizeMismatch(t *testing.T) {
	var z bytes.Buffer
	zw := zlib.NewWriter(&z)
	_, _ = zw.Write([]byte(`{"response":"success"}`))
	_ = zw.Close()

	var buf bytes.Buffer
	buf.WriteString("ZBXD")
	buf.WriteByte(flagProtocol | flagCompressed)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(z.Len()))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(5))
	buf.Write(z.Bytes())

	_, err := decodePacket(&buf)
	assert.True(t, errors.Is(err, ErrBadHeader))
}
