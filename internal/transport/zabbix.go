package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"time"

	zabbix "github.com/adubkov/go-zabbix"
	"github.com/klauspost/compress/zlib"
	"go.uber.org/zap"

	"github.com/MGSousa/pm2-alerter/internal/model"
)

const (
	headerMagic = "ZBXD"

	flagProtocol    byte = 0x01
	flagCompressed  byte = 0x02
	flagLargePacket byte = 0x04

	maxResponseSize   = 16 << 20
	defaultZabbixSend = 3 * time.Second
)

var (
	ErrBadHeader          = errors.New("zabbix: malformed response header")
	ErrUnexpectedResponse = errors.New("zabbix: server did not accept data")
	ErrRejected           = errors.New("zabbix: server rejected item values")
)

var infoRegex = regexp.MustCompile(`processed: (\d+); failed: (\d+); total: (\d+); seconds spent: ([0-9.]+)`)

type senderRequest struct {
	Request string        `json:"request"`
	Data    []senderValue `json:"data"`
}

type senderValue struct {
	Host  string `json:"host"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Response is the decoded trapper reply.
type Response struct {
	Response     string  `json:"response"`
	Info         string  `json:"info"`
	Processed    int     `json:"-"`
	Failed       int     `json:"-"`
	Total        int     `json:"-"`
	SecondsSpent float64 `json:"-"`
}

type ZabbixConfig struct {
	Server   string
	Port     uint16
	Compress bool
	Timeout  time.Duration
}

// ZabbixSender speaks the Zabbix sender protocol to a server or proxy
// trapper. A new connection is opened for every push. Plain pushes go
// through go-zabbix; compressed pushes are framed here because the
// library only writes uncompressed packets.
type ZabbixSender struct {
	addr     string
	compress bool
	timeout  time.Duration
	client   *zabbix.Sender
	dialer   net.Dialer
	logger   *zap.SugaredLogger
}

func NewZabbixSender(cfg ZabbixConfig, logger *zap.SugaredLogger) *ZabbixSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultZabbixSend
	}
	return &ZabbixSender{
		addr:     net.JoinHostPort(cfg.Server, strconv.Itoa(int(cfg.Port))),
		compress: cfg.Compress,
		timeout:  timeout,
		client:   zabbix.NewSender(cfg.Server, int(cfg.Port)),
		logger:   logger,
	}
}

func (s *ZabbixSender) Send(ctx context.Context, alert model.Alert) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.Push(ctx, alert.Host, alert.Key, alert.Value)
	if err != nil {
		return err
	}
	s.logger.Infow("zabbix response",
		"response", resp.Response,
		"info", resp.Info,
		"processed", resp.Processed,
		"failed", resp.Failed,
	)
	if resp.Failed > 0 {
		return fmt.Errorf("%w: %s", ErrRejected, resp.Info)
	}
	return nil
}

// Push submits one host/key/value record and returns the decoded reply.
func (s *ZabbixSender) Push(ctx context.Context, host, key, value string) (Response, error) {
	var (
		payload []byte
		err     error
	)
	if s.compress {
		payload, err = s.pushCompressed(ctx, host, key, value)
	} else {
		payload, err = s.pushPlain(ctx, host, key, value)
	}
	if err != nil {
		return Response{}, err
	}

	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Response != "success" {
		return resp, fmt.Errorf("%w: %q %s", ErrUnexpectedResponse, resp.Response, resp.Info)
	}
	resp.parseInfo()
	return resp, nil
}

type sendResult struct {
	raw []byte
	err error
}

// pushPlain hands the packet to go-zabbix. The library takes no context,
// so a cancelled push returns early and the library call finishes when
// the trapper closes the connection.
func (s *ZabbixSender) pushPlain(ctx context.Context, host, key, value string) ([]byte, error) {
	packet := zabbix.NewPacket([]*zabbix.Metric{zabbix.NewMetric(host, key, value)})

	done := make(chan sendResult, 1)
	go func() {
		raw, err := s.client.Send(packet)
		done <- sendResult{raw: raw, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("send to %s: %w", s.addr, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("send to %s: %w", s.addr, res.err)
		}
		return decodePacket(bytes.NewReader(res.raw))
	}
}

func (s *ZabbixSender) pushCompressed(ctx context.Context, host, key, value string) ([]byte, error) {
	body, err := json.Marshal(senderRequest{
		Request: "sender data",
		Data:    []senderValue{{Host: host, Key: key, Value: value}},
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	packet, err := encodePacket(body, true)
	if err != nil {
		return nil, err
	}

	conn, err := s.dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("send to %s: %w", s.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(packet); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	return decodePacket(conn)
}

func (r *Response) parseInfo() {
	m := infoRegex.FindStringSubmatch(r.Info)
	if m == nil {
		return
	}
	r.Processed, _ = strconv.Atoi(m[1])
	r.Failed, _ = strconv.Atoi(m[2])
	r.Total, _ = strconv.Atoi(m[3])
	r.SecondsSpent, _ = strconv.ParseFloat(m[4], 64)
}

func encodePacket(body []byte, compress bool) ([]byte, error) {
	flags := flagProtocol
	payload := body
	if compress {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, fmt.Errorf("compress request: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compress request: %w", err)
		}
		payload = buf.Bytes()
		flags |= flagCompressed
	}

	packet := make([]byte, 0, 13+len(payload))
	packet = append(packet, headerMagic...)
	packet = append(packet, flags)
	packet = binary.LittleEndian.AppendUint32(packet, uint32(len(payload)))
	if compress {
		packet = binary.LittleEndian.AppendUint32(packet, uint32(len(body)))
	} else {
		packet = binary.LittleEndian.AppendUint32(packet, 0)
	}
	return append(packet, payload...), nil
}

func decodePacket(r io.Reader) ([]byte, error) {
	head := make([]byte, 5)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("read response header: %w", err)
	}
	if string(head[:4]) != headerMagic || head[4]&flagProtocol == 0 {
		return nil, ErrBadHeader
	}
	flags := head[4]

	var dataLen, reserved uint64
	if flags&flagLargePacket != 0 {
		sizes := make([]byte, 16)
		if _, err := io.ReadFull(r, sizes); err != nil {
			return nil, fmt.Errorf("read response sizes: %w", err)
		}
		dataLen = binary.LittleEndian.Uint64(sizes[:8])
		reserved = binary.LittleEndian.Uint64(sizes[8:])
	} else {
		sizes := make([]byte, 8)
		if _, err := io.ReadFull(r, sizes); err != nil {
			return nil, fmt.Errorf("read response sizes: %w", err)
		}
		dataLen = uint64(binary.LittleEndian.Uint32(sizes[:4]))
		reserved = uint64(binary.LittleEndian.Uint32(sizes[4:]))
	}
	if dataLen > maxResponseSize || reserved > maxResponseSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit", ErrBadHeader, dataLen)
	}

	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if flags&flagCompressed == 0 {
		return data, nil
	}

	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress response: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, int64(reserved)+1))
	if err != nil {
		return nil, fmt.Errorf("decompress response: %w", err)
	}
	if uint64(len(out)) != reserved {
		return nil, fmt.Errorf("%w: decompressed %d bytes, header says %d", ErrBadHeader, len(out), reserved)
	}
	return out, nil
}
