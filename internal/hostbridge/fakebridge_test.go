package hostbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/tcflow/tcflow/internal/host"
	"github.com/tcflow/tcflow/internal/host/hosttest"
)

// fakeBridge serves the bridge wire protocol in front of a hosttest.Fake.
type fakeBridge struct {
	listener net.Listener
	backend  *hosttest.Fake
	hello    Hello

	mu          sync.Mutex
	pingBefore  map[string]bool
	pingReplies []string
	connections int
}

func startFakeBridge(t *testing.T, backend *hosttest.Fake, hello Hello) *fakeBridge {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	b := newFakeBridge(listener, backend, hello)
	t.Cleanup(func() { listener.Close() })
	go b.serve()
	return b
}

func newFakeBridge(listener net.Listener, backend *hosttest.Fake, hello Hello) *fakeBridge {
	return &fakeBridge{
		listener:   listener,
		backend:    backend,
		hello:      hello,
		pingBefore: map[string]bool{},
	}
}

func (b *fakeBridge) addr() string { return b.listener.Addr().String() }

func (b *fakeBridge) pingOn(method string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pingBefore[method] = true
}

func (b *fakeBridge) replies() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.pingReplies...)
}

func (b *fakeBridge) connectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connections
}

func (b *fakeBridge) serve() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.connections++
		b.mu.Unlock()
		go b.serveConn(conn)
	}
}

type fakeRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
}

func (b *fakeBridge) serveConn(conn net.Conn) {
	defer conn.Close()
	var writeMu sync.Mutex
	send := func(value any) {
		line, _ := json.Marshal(value)
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.Write(append(line, '\n')) //nolint:errcheck
	}

	scanner := bufio.NewScanner(conn)
	pingID := int64(10000)
	for scanner.Scan() {
		var req fakeRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			return
		}
		if req.Method == "" {
			var reply struct {
				Reply string `json:"reply"`
			}
			_ = json.Unmarshal(req.Result, &reply)
			b.mu.Lock()
			b.pingReplies = append(b.pingReplies, reply.Reply)
			b.mu.Unlock()
			continue
		}

		b.mu.Lock()
		ping := b.pingBefore[req.Method]
		b.mu.Unlock()
		if ping {
			pingID++
			send(map[string]any{"id": pingID, "method": methodPending})
		}

		result, err := b.dispatch(req.Method, req.Params)
		if err != nil {
			send(map[string]any{"id": req.ID, "error": encodeWireError(err)})
			continue
		}
		send(map[string]any{"id": req.ID, "result": result})
	}
}

func (b *fakeBridge) dispatch(method string, raw json.RawMessage) (any, error) {
	ctx := context.Background()
	var params struct {
		Path    string `json:"path"`
		Version string `json:"version"`
		NetID   string `json:"netId"`
		Name    string `json:"name"`
		PLC     string `json:"plc"`
		Enabled bool   `json:"enabled"`
		Auto    bool   `json:"autostart"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, err
		}
	}
	f := b.backend
	switch method {
	case methodHello:
		return b.hello, nil
	case host.OpOpenProject:
		return nil, f.OpenProject(ctx, params.Path)
	case host.OpOpenProjectPath:
		path, err := f.OpenProjectPath(ctx)
		return map[string]string{"path": path}, err
	case host.OpProjectReady:
		ready, err := f.ProjectReady(ctx)
		return map[string]bool{"ready": ready}, err
	case host.OpToolVersions:
		versions, err := f.ToolVersions(ctx)
		return map[string][]string{"versions": versions}, err
	case host.OpSelectToolVersion:
		return nil, f.SelectToolVersion(ctx, params.Version)
	case host.OpClean:
		return nil, f.Clean(ctx)
	case host.OpBuild:
		return nil, f.Build(ctx)
	case host.OpDiagnostics:
		items, err := f.Diagnostics(ctx)
		return map[string]any{"items": items}, err
	case host.OpActivate:
		return nil, f.ActivateConfiguration(ctx)
	case host.OpRestart:
		return nil, f.RestartRuntime(ctx)
	case host.OpSetTarget:
		return nil, f.SetTarget(ctx, params.NetID)
	case host.OpPLCProjects:
		plcs, err := f.PLCProjects(ctx)
		return map[string]any{"plcs": plcs}, err
	case host.OpTasks:
		tasks, err := f.Tasks(ctx)
		return map[string]any{"tasks": tasks}, err
	case host.OpSetTaskEnabled:
		return nil, f.SetTaskEnabled(ctx, params.Name, params.Enabled)
	case host.OpActivateBootProject:
		return nil, f.ActivateBootProject(ctx, params.PLC, params.Auto)
	case host.OpIODevices:
		devices, err := f.IODevices(ctx)
		return map[string]any{"devices": devices}, err
	case host.OpSetIODeviceEnabled:
		return nil, f.SetIODeviceEnabled(ctx, params.Name, params.Enabled)
	case host.OpVariants:
		variants, err := f.Variants(ctx)
		return map[string]any{"variants": variants}, err
	case host.OpSelectVariant:
		return nil, f.SelectVariant(ctx, params.Name)
	}
	return nil, fmt.Errorf("unknown method %s", method)
}

func encodeWireError(err error) wireError {
	var notFound *host.NotFoundError
	var version *host.VersionError
	switch {
	case host.IsBusy(err):
		return wireError{Code: "busy", Message: err.Error()}
	case errors.As(err, &notFound):
		return wireError{Code: "not_found", Message: err.Error(), Entity: notFound.Entity, Name: notFound.Name, Available: notFound.Available}
	case errors.As(err, &version):
		return wireError{Code: "version_incompatible", Message: version.Detail}
	}
	return wireError{Code: "host", Message: err.Error()}
}
