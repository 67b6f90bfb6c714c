//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"binupnp-cp/internal/controlpoint"
)

const (
	maxHandlersPerScript = 100
	callTimeout          = 10 * time.Second
)

// registerCPModule registers the `cp` global table in a Lua state.
func registerCPModule(L *lua.LState, vm *scriptVM, e *Engine) {
	fns := map[string]lua.LGFunction{
		"on":      func(L *lua.LState) int { return cpOn(L, vm) },
		"get":     func(L *lua.LState) int { return cpGet(L, e) },
		"read":    func(L *lua.LState) int { return cpRead(L, vm, e) },
		"set":     func(L *lua.LState) int { return cpSet(L, vm, e) },
		"invoke":  func(L *lua.LState) int { return cpInvoke(L, vm, e) },
		"devices": func(L *lua.LState) int { return cpDevices(L, e) },
		"after":   func(L *lua.LState) int { return cpAfter(L, vm, e) },
		"search":  func(L *lua.LState) int { e.reg.Search(); return 0 },
		"log":     func(L *lua.LState) int { vm.logf(L.CheckString(1)); return 0 },
	}
	L.SetGlobal("cp", L.SetFuncs(L.NewTable(), fns))
}

// cp.on(type, filter, callback) with filter fields device and service.
func cpOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{
		eventType: L.CheckString(1),
		anyDevice: true,
		anyServ:   true,
	}
	filter := L.CheckTable(2)
	h.fn = L.CheckFunction(3)

	if v, ok := filter.RawGetString("device").(lua.LNumber); ok {
		h.device, h.anyDevice = uint64(v), false
	}
	if v, ok := filter.RawGetString("service").(lua.LNumber); ok {
		if v < 0 || v > 255 {
			L.ArgError(2, "service must be 0-255")
			return 0
		}
		h.service, h.anyServ = uint8(v), false
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()
	return 0
}

// resolveDevice finds a device by numeric ID or by name.
func resolveDevice(e *Engine, target lua.LValue) *controlpoint.Device {
	switch t := target.(type) {
	case lua.LNumber:
		return e.reg.Device(uint64(t))
	case lua.LString:
		name := strings.ToLower(string(t))
		for _, d := range e.reg.Devices() {
			if strings.ToLower(d.Name()) == name {
				return d
			}
		}
	}
	return nil
}

// checkService resolves the (device, service) pair at argument positions 1
// and 2. On failure it returns nil and a message for the script.
func checkService(L *lua.LState, e *Engine) (*controlpoint.Service, string) {
	dev := resolveDevice(e, L.Get(1))
	if dev == nil {
		return nil, "device not found"
	}
	sid := L.CheckInt(2)
	if sid < 0 || sid > 255 {
		L.ArgError(2, "service must be 0-255")
		return nil, ""
	}
	s := dev.Service(uint8(sid))
	if s == nil {
		return nil, "service not found"
	}
	return s, ""
}

func pushFailure(L *lua.LState, first lua.LValue, msg string) int {
	L.Push(first)
	L.Push(lua.LString(msg))
	return 2
}

// cp.get(device, service) returns the cached value string and, for numeric
// values, the number.
func cpGet(L *lua.LState, e *Engine) int {
	s, msg := checkService(L, e)
	if s == nil {
		return pushFailure(L, lua.LNil, msg)
	}
	if !s.HasValue() {
		return pushFailure(L, lua.LNil, "service has no value")
	}
	v := s.Value()
	L.Push(lua.LString(v.String()))
	if v.IsNumeric() {
		L.Push(lua.LNumber(v.Numeric()))
	} else {
		L.Push(lua.LNil)
	}
	return 2
}

func callContext(vm *scriptVM) (context.Context, context.CancelFunc) {
	return context.WithTimeout(vm.ctx, callTimeout)
}

// cp.read(device, service) fetches the value from the device.
func cpRead(L *lua.LState, vm *scriptVM, e *Engine) int {
	s, msg := checkService(L, e)
	if s == nil {
		return pushFailure(L, lua.LNil, msg)
	}
	ctx, cancel := callContext(vm)
	defer cancel()
	v, err := s.GetValue(ctx)
	if err != nil {
		return pushFailure(L, lua.LNil, err.Error())
	}
	L.Push(lua.LString(v.String()))
	return 1
}

// cp.set(device, service, value) returns true, or false and an error.
func cpSet(L *lua.LState, vm *scriptVM, e *Engine) int {
	s, msg := checkService(L, e)
	if s == nil {
		return pushFailure(L, lua.LFalse, msg)
	}
	value := L.CheckAny(3).String()

	ctx, cancel := callContext(vm)
	defer cancel()
	if err := s.SetValueString(ctx, value); err != nil {
		e.logger.Warn("script set value failed", "service", s.String(), "err", err)
		return pushFailure(L, lua.LFalse, err.Error())
	}
	L.Push(lua.LTrue)
	return 1
}

// cp.invoke(device, service, action, args) calls an action with string
// arguments keyed by name and returns its out-arguments as a table.
func cpInvoke(L *lua.LState, vm *scriptVM, e *Engine) int {
	s, msg := checkService(L, e)
	if s == nil {
		return pushFailure(L, lua.LNil, msg)
	}
	name := L.CheckString(3)
	action := s.Action(name)
	if action == nil {
		return pushFailure(L, lua.LNil, "action not found")
	}
	args := make(map[string]string)
	if tbl, ok := L.Get(4).(*lua.LTable); ok {
		tbl.ForEach(func(k, v lua.LValue) {
			args[k.String()] = v.String()
		})
	}

	ctx, cancel := callContext(vm)
	defer cancel()
	out, err := action.InvokeStrings(ctx, args)
	if err != nil {
		return pushFailure(L, lua.LNil, err.Error())
	}
	L.Push(goToLua(L, out))
	return 1
}

// cp.devices() returns a list of device tables.
func cpDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, d := range e.reg.Devices() {
		dt := L.NewTable()
		dt.RawSetString("id", lua.LNumber(d.ID()))
		dt.RawSetString("name", lua.LString(d.Name()))
		dt.RawSetString("application", lua.LString(d.Application()))
		dt.RawSetString("manufacturer", lua.LString(d.Manufacturer()))
		dt.RawSetString("type", lua.LNumber(d.DeviceType()))
		services := L.NewTable()
		for j, s := range d.Services() {
			st := L.NewTable()
			st.RawSetString("id", lua.LNumber(s.ID()))
			st.RawSetString("type", lua.LString(s.TypeName()))
			st.RawSetString("name", lua.LString(s.Name()))
			st.RawSetString("unit", lua.LString(s.ValueUnit()))
			services.RawSetInt(j+1, st)
		}
		dt.RawSetString("services", services)
		tbl.RawSetInt(i+1, dt)
	}
	L.Push(tbl)
	return 1
}

// cp.after(seconds, callback) runs callback later on the script's VM.
func cpAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}
