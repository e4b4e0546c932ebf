package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WasmConfig bounds a sandboxed action.
type WasmConfig struct {
	MemoryLimitBytes uint64
}

// WasmRuntime owns a wazero runtime shared by every WASM action.
// Modules get no filesystem, network, clock or environment; the request
// arrives as JSON on stdin and stdout becomes the result detail.
type WasmRuntime struct {
	runtime wazero.Runtime
}

// NewWasmRuntime creates the runtime. Execution is interrupted when the
// caller's context is done.
func NewWasmRuntime(ctx context.Context, cfg WasmConfig) *WasmRuntime {
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		// wazero measures memory in 64KiB pages
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)
	return &WasmRuntime{runtime: r}
}

// Compile prepares a module as the action name.
func (w *WasmRuntime) Compile(ctx context.Context, name string, wasm []byte) (*WasmAction, error) {
	compiled, err := w.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("wasm %s: compilation failed: %w", name, err)
	}
	return &WasmAction{name: name, runtime: w.runtime, compiled: compiled}, nil
}

// LoadDir compiles every *.wasm file in dir and registers it under its
// base name.
func (w *WasmRuntime) LoadDir(ctx context.Context, dir string, reg *Registry) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.wasm"))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return names, fmt.Errorf("read %s: %w", p, err)
		}
		name := strings.TrimSuffix(filepath.Base(p), ".wasm")
		a, err := w.Compile(ctx, name, data)
		if err != nil {
			return names, err
		}
		if err := reg.Register(a); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, nil
}

// Close frees the runtime and every compiled module.
func (w *WasmRuntime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.runtime.Close(ctx)
}

// WasmAction runs a compiled module's _start once per request.
type WasmAction struct {
	name     string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

func (a *WasmAction) Name() string { return a.name }

func (a *WasmAction) Execute(ctx context.Context, req Request) (Result, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("wasm %s: encode request: %w", a.name, err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := a.runtime.InstantiateModule(ctx, a.compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.Background()) }()
	}
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 0 {
			return Result{}, fmt.Errorf("wasm %s: %w: %s", a.name, err, strings.TrimSpace(stderr.String()))
		}
	}
	return Result{Detail: strings.TrimSpace(stdout.String())}, nil
}
