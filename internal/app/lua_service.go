package app

import (
	"context"
	"sync"

	luart "github.com/dokzlo13/fleetd/internal/lua"
	"github.com/dokzlo13/fleetd/internal/lua/modules"
)

// LuaService wraps the Lua runtime running user actions.
type LuaService struct {
	script  string
	Runtime *luart.Runtime
	wg      sync.WaitGroup
}

// NewLuaService creates a new LuaService for the given script file.
func NewLuaService(script string, fleet modules.Fleet) *LuaService {
	return &LuaService{
		script:  script,
		Runtime: luart.NewRuntime(fleet, nil),
	}
}

// LoadScript loads and executes the Lua script.
// Must be called before Start().
func (s *LuaService) LoadScript() error {
	return s.Runtime.LoadScript(s.script)
}

// Start begins the Lua worker goroutine - the ONLY goroutine that touches Lua.
func (s *LuaService) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Runtime.Run(ctx)
	}()
}

// Close waits for the worker to exit and closes the Lua state.
// The context passed to Start must already be cancelled.
func (s *LuaService) Close() {
	s.wg.Wait()
	s.Runtime.Close()
}
