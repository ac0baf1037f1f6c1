// Package runtimelink is the thin request/response channel to the real-time
// runtime: state queries plus symbol reads and writes over ADS (AMS/TCP).
package runtimelink

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tcflow/tcflow/internal/logging"
)

const (
	// DefaultRouterAddress is the local AMS router TCP endpoint.
	DefaultRouterAddress = "127.0.0.1:48898"
	// DefaultSourcePort is the AMS port this client claims.
	DefaultSourcePort = 32905

	defaultTimeout = 5 * time.Second
)

var (
	// ErrNotConnected is returned when a request is made before Connect or
	// after the connection broke.
	ErrNotConnected = errors.New("runtime link not connected")
)

// Link is the runtime capability set consumed by the poller and workflows.
type Link interface {
	Connect(ctx context.Context, netID string, port int) error
	ReadState(ctx context.Context) (State, error)
	ReadVariable(ctx context.Context, name string, size int) ([]byte, error)
	WriteVariable(ctx context.Context, name string, data []byte) error
	Close() error
}

var _ Link = (*ADSClient)(nil)

// ADSError is a non-zero ADS return code.
type ADSError struct {
	Command uint16
	Code    uint32
}

var adsErrorText = map[uint32]string{
	0x006: "target port not found",
	0x007: "target machine not found",
	0x701: "service not supported",
	0x702: "invalid index group",
	0x703: "invalid index offset",
	0x705: "invalid size",
	0x710: "symbol not found",
	0x745: "timeout elapsed",
	0x746: "router not ready",
}

func (e *ADSError) Error() string {
	if text, ok := adsErrorText[e.Code]; ok {
		return fmt.Sprintf("ads command %d failed: 0x%X %s", e.Command, e.Code, text)
	}
	return fmt.Sprintf("ads command %d failed: 0x%X", e.Command, e.Code)
}

// Options configures an ADSClient.
type Options struct {
	RouterAddress string
	// LocalNetID is the source net id. Empty derives it from the local IPv4
	// address of the router connection plus ".1.1".
	LocalNetID string
	SourcePort uint16
	Timeout    time.Duration
	Logger     *log.Logger
}

// ADSClient speaks ADS over one AMS/TCP connection. Requests are serialized.
type ADSClient struct {
	routerAddress string
	localNetID    string
	sourcePort    uint16
	timeout       time.Duration
	logger        *log.Logger
	dialer        net.Dialer

	mu       sync.Mutex
	conn     net.Conn
	source   Addr
	target   Addr
	invokeID uint32
}

// NewADSClient builds an unconnected client.
func NewADSClient(opts Options) (*ADSClient, error) {
	router := strings.TrimSpace(opts.RouterAddress)
	if router == "" {
		router = DefaultRouterAddress
	}
	if _, _, err := net.SplitHostPort(router); err != nil {
		return nil, fmt.Errorf("parse router address %q: %w", router, err)
	}
	localNetID := strings.TrimSpace(opts.LocalNetID)
	if localNetID != "" {
		if _, err := ParseNetID(localNetID); err != nil {
			return nil, err
		}
	}
	sourcePort := opts.SourcePort
	if sourcePort == 0 {
		sourcePort = DefaultSourcePort
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &ADSClient{
		routerAddress: router,
		localNetID:    localNetID,
		sourcePort:    sourcePort,
		timeout:       timeout,
		logger:        logger.With("component", "runtimelink"),
	}, nil
}

// Connect dials the router and targets netID:port for subsequent requests.
// An existing connection is replaced.
func (c *ADSClient) Connect(ctx context.Context, netID string, port int) error {
	if c == nil {
		return errors.New("ads client is nil")
	}
	target, err := ParseNetID(netID)
	if err != nil {
		return err
	}
	if port <= 0 || port > 0xFFFF {
		return fmt.Errorf("ams port %d out of range", port)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := c.dialer.DialContext(dialCtx, "tcp", c.routerAddress)
	if err != nil {
		return fmt.Errorf("dial ams router %s: %w", c.routerAddress, err)
	}

	source, err := c.sourceAddr(conn)
	if err != nil {
		conn.Close() //nolint:errcheck // best effort on error path
		return err
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close() //nolint:errcheck // replaced connection
	}
	c.conn = conn
	c.source = source
	c.target = Addr{NetID: target, Port: uint16(port)}
	c.mu.Unlock()

	c.logger.Debug("runtime link connected", "router", c.routerAddress, "target", c.target.String(), "source", source.String())
	return nil
}

func (c *ADSClient) sourceAddr(conn net.Conn) (Addr, error) {
	if c.localNetID != "" {
		id, err := ParseNetID(c.localNetID)
		if err != nil {
			return Addr{}, err
		}
		return Addr{NetID: id, Port: c.sourcePort}, nil
	}
	tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return Addr{}, fmt.Errorf("derive local net id: unexpected address %T", conn.LocalAddr())
	}
	ip4 := tcpAddr.IP.To4()
	if ip4 == nil {
		return Addr{}, fmt.Errorf("derive local net id: %s is not IPv4; set ads.local_net_id", tcpAddr.IP)
	}
	var id NetID
	copy(id[:4], ip4)
	id[4], id[5] = 1, 1
	return Addr{NetID: id, Port: c.sourcePort}, nil
}

// ReadState returns the runtime's ADS and device state.
func (c *ADSClient) ReadState(ctx context.Context) (State, error) {
	data, err := c.request(ctx, cmdReadState, nil)
	if err != nil {
		return State{}, err
	}
	if len(data) < 4 {
		return State{}, fmt.Errorf("%w: read state payload %d bytes", ErrProtocolDesync, len(data))
	}
	return State{
		ADS:    ADSState(binary.LittleEndian.Uint16(data[0:2])),
		Device: binary.LittleEndian.Uint16(data[2:4]),
	}, nil
}

// ReadVariable reads size bytes of the named symbol.
func (c *ADSClient) ReadVariable(ctx context.Context, name string, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("read %s: size must be > 0", name)
	}
	handle, err := c.symbolHandle(ctx, name)
	if err != nil {
		return nil, err
	}
	defer c.releaseHandle(ctx, handle)

	data, err := c.request(ctx, cmdRead, readRequest(indexGroupValueByHandle, handle, uint32(size)))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	value, err := lengthPrefixed(data)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return value, nil
}

// WriteVariable writes data to the named symbol.
func (c *ADSClient) WriteVariable(ctx context.Context, name string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("write %s: data must not be empty", name)
	}
	handle, err := c.symbolHandle(ctx, name)
	if err != nil {
		return err
	}
	defer c.releaseHandle(ctx, handle)

	if _, err := c.request(ctx, cmdWrite, writeRequest(indexGroupValueByHandle, handle, data)); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Close drops the router connection.
func (c *ADSClient) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return fmt.Errorf("close runtime link: %w", err)
	}
	return nil
}

func (c *ADSClient) symbolHandle(ctx context.Context, name string) (uint32, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.New("symbol name is required")
	}
	data, err := c.request(ctx, cmdReadWrite, readWriteRequest(indexGroupHandleByName, 0, 4, []byte(name)))
	if err != nil {
		return 0, fmt.Errorf("resolve symbol %s: %w", name, err)
	}
	value, err := lengthPrefixed(data)
	if err != nil {
		return 0, fmt.Errorf("resolve symbol %s: %w", name, err)
	}
	if len(value) < 4 {
		return 0, fmt.Errorf("%w: symbol handle %d bytes", ErrProtocolDesync, len(value))
	}
	return binary.LittleEndian.Uint32(value[:4]), nil
}

func (c *ADSClient) releaseHandle(ctx context.Context, handle uint32) {
	value := make([]byte, 4)
	binary.LittleEndian.PutUint32(value, handle)
	if _, err := c.request(ctx, cmdWrite, writeRequest(indexGroupReleaseHandle, 0, value)); err != nil {
		c.logger.Debug("release symbol handle failed", "handle", handle, "err", err)
	}
}

// request sends one command and returns the response payload after the
// ADS result code.
func (c *ADSClient) request(ctx context.Context, command uint16, payload []byte) ([]byte, error) {
	if c == nil {
		return nil, errors.New("ads client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	conn := c.conn

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	c.invokeID++
	invokeID := c.invokeID
	frame := encodeFrame(amsHeader{
		Target:     c.target,
		Source:     c.source,
		Command:    command,
		StateFlags: stateFlagRequest,
		InvokeID:   invokeID,
	}, payload)
	if _, err := conn.Write(frame); err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("send ads command %d: %w", command, contextErr(ctx, err))
	}

	for {
		header, data, err := readFrame(conn)
		if err != nil {
			c.dropLocked()
			return nil, fmt.Errorf("receive ads command %d: %w", command, contextErr(ctx, err))
		}
		if header.InvokeID != invokeID || header.StateFlags != stateFlagResponse {
			c.logger.Debug("ignoring unrelated ams frame", "invoke_id", header.InvokeID, "command", header.Command)
			continue
		}
		if header.Command != command {
			c.dropLocked()
			return nil, fmt.Errorf("%w: response command %d for request %d", ErrProtocolDesync, header.Command, command)
		}
		if header.ErrorCode != 0 {
			return nil, &ADSError{Command: command, Code: header.ErrorCode}
		}
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: response payload %d bytes", ErrProtocolDesync, len(data))
		}
		if result := binary.LittleEndian.Uint32(data[0:4]); result != 0 {
			return nil, &ADSError{Command: command, Code: result}
		}
		return data[4:], nil
	}
}

func (c *ADSClient) dropLocked() {
	if c.conn != nil {
		c.conn.Close() //nolint:errcheck // connection is unusable
		c.conn = nil
	}
}

func lengthPrefixed(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: missing length prefix", ErrProtocolDesync)
	}
	length := binary.LittleEndian.Uint32(data[0:4])
	if int(length) > len(data)-4 {
		return nil, fmt.Errorf("%w: length %d exceeds payload %d", ErrProtocolDesync, length, len(data)-4)
	}
	return data[4 : 4+length], nil
}

func contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
