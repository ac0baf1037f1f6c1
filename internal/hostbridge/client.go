// Package hostbridge talks to an automation host through a bridge process.
//
// The bridge runs next to the host and exposes it over TCP as newline
// delimited JSON. Requests carry an id and a method named after the host.Op*
// constants; responses echo the id with either a result or an error. The
// bridge may also send {"id":N,"method":"pending"} while a long call runs; the
// client answers with the installed responder's reply, or "cancel" when none
// is installed.
package hostbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tcflow/tcflow/internal/host"
	"github.com/tcflow/tcflow/internal/logging"
)

const (
	// VariantInterfaceVersion is the first bridge interface version offering
	// variant selection.
	VariantInterfaceVersion = 2

	methodHello   = "hello"
	methodPending = "pending"

	maxLineBytes       = 8 << 20
	defaultDialTimeout = 5 * time.Second
)

// ErrClosed is returned for calls on a closed or broken connection.
var ErrClosed = errors.New("host bridge connection closed")

var (
	_ host.Host                 = (*Client)(nil)
	_ host.TaskController       = (*Client)(nil)
	_ host.BootProjectGenerator = (*Client)(nil)
	_ host.IODeviceController   = (*Client)(nil)
	_ host.VariantSelector      = (*Client)(nil)
	_ host.ResponderAware       = (*Client)(nil)
)

// Hello is the bridge's self-description returned on connect.
type Hello struct {
	InterfaceVersion int    `json:"interfaceVersion"`
	DisplayName      string `json:"displayName"`
	Headless         bool   `json:"headless"`
}

type message struct {
	ID     int64           `json:"id"`
	Method string          `json:"method,omitempty"`
	Params any             `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code      string   `json:"code"`
	Message   string   `json:"message"`
	Entity    string   `json:"entity,omitempty"`
	Name      string   `json:"name,omitempty"`
	Available []string `json:"available,omitempty"`
}

type wireDiagnostic struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Task        string `json:"task"`
	File        string `json:"file"`
	Line        int    `json:"line"`
	Column      int    `json:"column"`
}

// DialOptions configures Dial.
type DialOptions struct {
	Timeout time.Duration
	Logger  *log.Logger
}

// Client is one bridge connection. Calls may overlap; the bridge decides
// whether to answer busy.
type Client struct {
	conn   net.Conn
	logger *log.Logger
	hello  Hello

	nextID  atomic.Int64
	writeMu sync.Mutex

	mu        sync.Mutex
	waiters   map[int64]chan message
	responder host.PendingResponder
	closed    bool
	err       error
	done      chan struct{}
}

// Dial connects to a bridge and exchanges hello.
func Dial(ctx context.Context, address string, opts DialOptions) (*Client, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.New("bridge address is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial host bridge %s: %w", address, err)
	}

	c := newClient(conn, logger.With("component", "hostbridge", "address", address))
	if err := c.call(dialCtx, methodHello, nil, &c.hello); err != nil {
		c.Close() //nolint:errcheck // handshake failed
		return nil, fmt.Errorf("hello %s: %w", address, err)
	}
	return c, nil
}

func newClient(conn net.Conn, logger *log.Logger) *Client {
	c := &Client{
		conn:    conn,
		logger:  logger,
		waiters: make(map[int64]chan message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Hello returns the bridge's self-description.
func (c *Client) Hello() Hello {
	return c.hello
}

// SetResponder installs the pending-ping responder. Nil uninstalls it.
func (c *Client) SetResponder(responder host.PendingResponder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responder = responder
}

func (c *Client) OpenProject(ctx context.Context, path string) error {
	return c.call(ctx, host.OpOpenProject, map[string]any{"path": path}, nil)
}

func (c *Client) OpenProjectPath(ctx context.Context) (string, error) {
	var out struct {
		Path string `json:"path"`
	}
	err := c.call(ctx, host.OpOpenProjectPath, nil, &out)
	return out.Path, err
}

func (c *Client) ProjectReady(ctx context.Context) (bool, error) {
	var out struct {
		Ready bool `json:"ready"`
	}
	err := c.call(ctx, host.OpProjectReady, nil, &out)
	return out.Ready, err
}

func (c *Client) ToolVersions(ctx context.Context) ([]string, error) {
	var out struct {
		Versions []string `json:"versions"`
	}
	err := c.call(ctx, host.OpToolVersions, nil, &out)
	return out.Versions, err
}

func (c *Client) SelectToolVersion(ctx context.Context, version string) error {
	return c.call(ctx, host.OpSelectToolVersion, map[string]any{"version": version}, nil)
}

func (c *Client) Clean(ctx context.Context) error {
	return c.call(ctx, host.OpClean, nil, nil)
}

func (c *Client) Build(ctx context.Context) error {
	return c.call(ctx, host.OpBuild, nil, nil)
}

func (c *Client) Diagnostics(ctx context.Context) ([]host.DiagnosticItem, error) {
	var out struct {
		Items []wireDiagnostic `json:"items"`
	}
	if err := c.call(ctx, host.OpDiagnostics, nil, &out); err != nil {
		return nil, err
	}
	items := make([]host.DiagnosticItem, 0, len(out.Items))
	for _, item := range out.Items {
		items = append(items, host.DiagnosticItem{
			Severity:    host.ParseSeverity(item.Severity),
			Description: item.Description,
			Task:        item.Task,
			File:        item.File,
			Line:        item.Line,
			Column:      item.Column,
		})
	}
	return items, nil
}

func (c *Client) ActivateConfiguration(ctx context.Context) error {
	return c.call(ctx, host.OpActivate, nil, nil)
}

func (c *Client) RestartRuntime(ctx context.Context) error {
	return c.call(ctx, host.OpRestart, nil, nil)
}

func (c *Client) SetTarget(ctx context.Context, netID string) error {
	return c.call(ctx, host.OpSetTarget, map[string]any{"netId": netID}, nil)
}

func (c *Client) PLCProjects(ctx context.Context) ([]host.PLCProject, error) {
	var out struct {
		PLCs []host.PLCProject `json:"plcs"`
	}
	err := c.call(ctx, host.OpPLCProjects, nil, &out)
	return out.PLCs, err
}

func (c *Client) Tasks(ctx context.Context) ([]host.Task, error) {
	var out struct {
		Tasks []host.Task `json:"tasks"`
	}
	err := c.call(ctx, host.OpTasks, nil, &out)
	return out.Tasks, err
}

func (c *Client) SetTaskEnabled(ctx context.Context, name string, enabled bool) error {
	return c.call(ctx, host.OpSetTaskEnabled, map[string]any{"name": name, "enabled": enabled}, nil)
}

func (c *Client) ActivateBootProject(ctx context.Context, plc string, autostart bool) error {
	return c.call(ctx, host.OpActivateBootProject, map[string]any{"plc": plc, "autostart": autostart}, nil)
}

func (c *Client) IODevices(ctx context.Context) ([]host.IODevice, error) {
	var out struct {
		Devices []host.IODevice `json:"devices"`
	}
	err := c.call(ctx, host.OpIODevices, nil, &out)
	return out.Devices, err
}

func (c *Client) SetIODeviceEnabled(ctx context.Context, name string, enabled bool) error {
	return c.call(ctx, host.OpSetIODeviceEnabled, map[string]any{"name": name, "enabled": enabled}, nil)
}

func (c *Client) Variants(ctx context.Context) ([]string, error) {
	if err := c.requireVariants(); err != nil {
		return nil, err
	}
	var out struct {
		Variants []string `json:"variants"`
	}
	err := c.call(ctx, host.OpVariants, nil, &out)
	return out.Variants, err
}

func (c *Client) SelectVariant(ctx context.Context, name string) error {
	if err := c.requireVariants(); err != nil {
		return err
	}
	return c.call(ctx, host.OpSelectVariant, map[string]any{"name": name}, nil)
}

// Close drops the connection. The bridge and its host keep running.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close host bridge connection: %w", err)
	}
	<-c.done
	return nil
}

func (c *Client) requireVariants() error {
	if c.hello.InterfaceVersion < VariantInterfaceVersion {
		return &host.VersionError{
			Capability: "variant selection",
			Detail:     fmt.Sprintf("bridge interface v%d, need v%d", c.hello.InterfaceVersion, VariantInterfaceVersion),
		}
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	id := c.nextID.Add(1)
	reply := make(chan message, 1)

	c.mu.Lock()
	if c.closed || c.err != nil {
		err := c.err
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return ErrClosed
	}
	c.waiters[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
	}()

	if err := c.write(message{ID: id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	case msg := <-reply:
		if msg.Error != nil {
			return decodeError(method, msg.Error)
		}
		if out == nil || len(msg.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(msg.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	}
}

func (c *Client) write(msg message) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(line)
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var msg message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			c.logger.Warn("ignoring malformed bridge message", "err", err)
			continue
		}
		if msg.Method == methodPending {
			c.answerPending(msg.ID)
			continue
		}

		c.mu.Lock()
		waiter, ok := c.waiters[msg.ID]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("dropping response without waiter", "id", msg.ID)
			continue
		}
		waiter <- msg
	}

	err := scanner.Err()
	if err == nil {
		err = errors.New("bridge closed the connection")
	}
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *Client) answerPending(id int64) {
	c.mu.Lock()
	responder := c.responder
	c.mu.Unlock()

	reply := host.PendingCancel
	if responder != nil {
		reply = responder.RespondPending()
	}
	result := json.RawMessage(fmt.Sprintf(`{"reply":%q}`, reply))
	if err := c.write(message{ID: id, Result: result}); err != nil {
		c.logger.Warn("answer pending ping failed", "err", err)
	}
}

func decodeError(method string, wire *wireError) error {
	switch wire.Code {
	case "busy":
		return fmt.Errorf("%s: %w", method, host.ErrBusy)
	case "not_found":
		entity, name := wire.Entity, wire.Name
		if entity == "" {
			entity = "object"
		}
		if name == "" {
			name = wire.Message
		}
		return &host.NotFoundError{Entity: entity, Name: name, Available: wire.Available}
	case "version_incompatible":
		return &host.VersionError{Capability: method, Detail: wire.Message}
	default:
		return &host.HostError{Op: method, Code: wire.Code, Message: wire.Message}
	}
}
