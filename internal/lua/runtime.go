// Package lua hosts the user's action script on a single-threaded Lua VM.
package lua

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/fleetd/internal/actions"
	"github.com/dokzlo13/fleetd/internal/lua/modules"
)

// ErrRuntimeClosed is returned when the Lua runtime is closed
var ErrRuntimeClosed = fmt.Errorf("lua runtime closed")

// LuaWork represents work to be executed on the Lua VM
// All Lua execution MUST go through this to ensure thread safety
type LuaWork func(ctx context.Context)

// Runtime manages the Lua VM with single-threaded execution
type Runtime struct {
	L        *lua.LState
	registry *actions.Registry

	// Work queue for thread-safe Lua execution
	workQueue chan LuaWork

	// Closing this channel signals senders to stop
	closing   chan struct{}
	closeOnce sync.Once
}

// NewRuntime creates a new Lua runtime exposing fleet to scripts
func NewRuntime(fleet modules.Fleet, registry *actions.Registry) *Runtime {
	if registry == nil {
		registry = actions.NewRegistry()
	}

	r := &Runtime{
		L:         lua.NewState(),
		registry:  registry,
		workQueue: make(chan LuaWork, 100),
		closing:   make(chan struct{}),
	}

	r.L.PreloadModule("log", modules.NewLogModule().Loader)
	r.L.PreloadModule("fleet", modules.NewFleetModule(fleet, registry).Loader)

	return r
}

// Close signals the runtime to stop accepting new work and closes the Lua state.
// Call it after Run has returned.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		close(r.closing)
	})
	r.L.Close()
}

// Do queues work to be executed on the Lua VM (thread-safe, non-blocking).
// Returns false if the runtime is closing, queue is full, or context is cancelled.
func (r *Runtime) Do(ctx context.Context, work LuaWork) bool {
	select {
	case <-r.closing:
		log.Warn().Msg("Lua runtime closing, dropping work")
		return false
	case <-ctx.Done():
		log.Warn().Msg("Context cancelled, dropping Lua work")
		return false
	case r.workQueue <- work:
		return true
	default:
		log.Warn().Msg("Lua work queue full, dropping work")
		return false
	}
}

// DoSyncWithResult queues work, waits for space, and waits for the result.
func (r *Runtime) DoSyncWithResult(ctx context.Context, work func(context.Context) error) error {
	done := make(chan error, 1)
	wrapped := LuaWork(func(c context.Context) {
		done <- work(c)
	})

	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case r.workQueue <- wrapped:
	}

	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Invoke runs a named action on the Lua worker and waits for it to finish.
func (r *Runtime) Invoke(ctx context.Context, name string) error {
	action, ok := r.registry.Get(name)
	if !ok {
		return fmt.Errorf("action %q not defined", name)
	}

	log.Info().Str("action", name).Msg("Running action")
	return r.DoSyncWithResult(ctx, func(context.Context) error {
		if err := action.Execute(ctx, nil); err != nil {
			return fmt.Errorf("action %q failed: %w", name, err)
		}
		return nil
	})
}

// Actions returns the names of all defined actions
func (r *Runtime) Actions() []string {
	return r.registry.Names()
}

// Run starts the Lua worker goroutine - this is the ONLY goroutine that touches Lua.
// Exits when context is cancelled or runtime is closed; callers still waiting
// for a result then get ErrRuntimeClosed.
func (r *Runtime) Run(ctx context.Context) {
	defer r.closeOnce.Do(func() { close(r.closing) })
	for {
		select {
		case <-ctx.Done():
			r.drainQueue(ctx)
			return
		case <-r.closing:
			r.drainQueue(ctx)
			return
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		}
	}
}

// drainQueue processes any remaining work in the queue before exiting
func (r *Runtime) drainQueue(ctx context.Context) {
	for {
		select {
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		default:
			return
		}
	}
}

// executeWork runs a single work item with panic recovery
func (r *Runtime) executeWork(ctx context.Context, work LuaWork) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Msg("Lua work panicked - worker continuing")
		}
	}()
	r.L.SetContext(ctx)
	work(ctx)
}

// LoadScript executes a Lua script (must be called before Run)
func (r *Runtime) LoadScript(path string) error {
	log.Info().Str("path", path).Msg("Loading Lua script")

	if err := r.L.DoFile(path); err != nil {
		return fmt.Errorf("failed to execute Lua script: %w", err)
	}

	log.Info().Strs("actions", r.registry.Names()).Msg("Lua script loaded successfully")
	return nil
}
