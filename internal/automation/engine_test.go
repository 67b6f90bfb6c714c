//go:build !no_automation

package automation

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"binupnp-cp/internal/controlpoint"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRegistry struct {
	bus *controlpoint.EventBus

	mu       sync.Mutex
	searches int
}

func (r *fakeRegistry) Events() *controlpoint.EventBus     { return r.bus }
func (r *fakeRegistry) Device(uint64) *controlpoint.Device { return nil }
func (r *fakeRegistry) Devices() []*controlpoint.Device    { return nil }
func (r *fakeRegistry) Search()                            { r.mu.Lock(); r.searches++; r.mu.Unlock() }

func newTestEngine(t *testing.T) (*Engine, *Manager, *fakeRegistry) {
	t.Helper()
	reg := &fakeRegistry{bus: controlpoint.NewEventBus(testLogger())}
	m := newTestManager(t)
	e := NewEngine(reg, m, testLogger())
	t.Cleanup(e.Stop)
	return e, m, reg
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  interface{}
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"int64", int64(-99), lua.LTNumber},
		{"uint8", uint8(255), lua.LTNumber},
		{"uint64", uint64(4711), lua.LTNumber},
		{"float64", 21.5, lua.LTNumber},
		{"string map", map[string]string{"State": "True"}, lua.LTTable},
		{"map", map[string]interface{}{"a": 1}, lua.LTTable},
		{"slice", []interface{}{1, 2, 3}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.val); got.Type() != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, got.Type(), tt.want)
			}
		})
	}
}

func TestMatchesHandler(t *testing.T) {
	data := map[string]interface{}{"device": uint64(7), "service": uint8(1)}
	tests := []struct {
		name string
		h    luaEventHandler
		typ  string
		want bool
	}{
		{"any", luaEventHandler{eventType: "value_changed", anyDevice: true, anyServ: true}, "value_changed", true},
		{"wrong type", luaEventHandler{eventType: "new_device", anyDevice: true, anyServ: true}, "value_changed", false},
		{"device match", luaEventHandler{eventType: "value_changed", device: 7, anyServ: true}, "value_changed", true},
		{"device mismatch", luaEventHandler{eventType: "value_changed", device: 8, anyServ: true}, "value_changed", false},
		{"service match", luaEventHandler{eventType: "value_changed", device: 7, service: 1}, "value_changed", true},
		{"service mismatch", luaEventHandler{eventType: "value_changed", device: 7, service: 2}, "value_changed", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesHandler(tt.h, tt.typ, data); got != tt.want {
				t.Errorf("matchesHandler = %v, want %v", got, tt.want)
			}
		})
	}

	h := luaEventHandler{eventType: "search", device: 7, anyServ: true}
	if matchesHandler(h, "search", map[string]interface{}{"bundles": 2}) {
		t.Error("device filter matched an event without device")
	}
}

func TestRunLuaCodeCapturesLogs(t *testing.T) {
	e, _, _ := newTestEngine(t)

	res := e.RunLuaCode(`cp.log("hello") cp.log("world")`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if strings.Join(res.Logs, ",") != "hello,world" {
		t.Errorf("logs = %v", res.Logs)
	}
}

func TestRunLuaCodeCallsHandlers(t *testing.T) {
	e, _, _ := newTestEngine(t)

	res := e.RunLuaCode(`
cp.on("value_changed", {device=7, service=1}, function(ev)
    cp.log(ev.type .. " " .. ev.device .. "/" .. ev.service)
end)`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "value_changed 7/1" {
		t.Errorf("logs = %v", res.Logs)
	}
}

func TestRunLuaCodeSandbox(t *testing.T) {
	e, _, _ := newTestEngine(t)
	for _, code := range []string{`os.exit(1)`, `io.write("x")`, `require("socket")`} {
		if res := e.RunLuaCode(code); res.OK {
			t.Errorf("%s: expected failure", code)
		}
	}
}

func TestRunLuaCodeUnknownDevice(t *testing.T) {
	e, _, _ := newTestEngine(t)

	res := e.RunLuaCode(`
local v, err = cp.get(99, 1)
cp.log(tostring(v) .. " " .. err)
local ok, err2 = cp.set("kitchen", 1, "5")
cp.log(tostring(ok) .. " " .. err2)
cp.log(tostring(#cp.devices()))`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	want := []string{"nil device not found", "false device not found", "0"}
	if strings.Join(res.Logs, "|") != strings.Join(want, "|") {
		t.Errorf("logs = %q, want %q", res.Logs, want)
	}
}

func TestRunLuaCodeSearch(t *testing.T) {
	e, _, reg := newTestEngine(t)
	if res := e.RunLuaCode(`cp.search()`); !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.searches != 1 {
		t.Errorf("searches = %d, want 1", reg.searches)
	}
}

func TestTooManyHandlers(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res := e.RunLuaCode(`for i = 1, 101 do cp.on("search", {}, function() end) end`)
	if res.OK || !strings.Contains(res.Error, "too many handlers") {
		t.Errorf("result = %+v", res)
	}
}

func TestEngineDispatch(t *testing.T) {
	e, m, reg := newTestEngine(t)
	_, err := m.Save(&Script{
		ID:   "watch",
		Meta: ScriptMeta{Name: "Watch", Enabled: true},
		LuaCode: `
cp.on("new_device", {}, function(ev) seen = ev.device end)
cp.on("new_device", {device=5}, function(ev) other = true end)`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Save(&Script{ID: "off", Meta: ScriptMeta{Name: "Off"}}); err != nil {
		t.Fatal(err)
	}

	e.Start()
	if !e.Running("watch") || e.Running("off") {
		t.Fatalf("running watch=%v off=%v", e.Running("watch"), e.Running("off"))
	}

	reg.bus.Emit(controlpoint.Event{
		Type: controlpoint.EventNewDevice,
		Data: controlpoint.DeviceEvent{Device: &controlpoint.Device{}},
	})

	e.mu.Lock()
	vm := e.vms["watch"]
	e.mu.Unlock()
	result := make(chan [2]lua.LValue, 1)
	vm.commands <- func(L *lua.LState) {
		result <- [2]lua.LValue{L.GetGlobal("seen"), L.GetGlobal("other")}
	}

	select {
	case got := <-result:
		if got[0] != lua.LNumber(0) {
			t.Errorf("seen = %v, want 0", got[0])
		}
		if got[1] != lua.LNil {
			t.Errorf("filtered handler ran: other = %v", got[1])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("script did not run")
	}
}

func TestEngineReloadScript(t *testing.T) {
	e, m, _ := newTestEngine(t)
	s, err := m.Save(&Script{Meta: ScriptMeta{Name: "Toggle", Enabled: true}, LuaCode: `cp.log("x")`})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if !e.Running(s.ID) {
		t.Fatal("enabled script not running")
	}

	s.Meta.Enabled = false
	if _, err := m.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if e.Running(s.ID) {
		t.Error("disabled script still running")
	}

	if err := e.ReloadScript("missing"); err == nil {
		t.Error("expected error for missing script")
	}
}

func TestEngineBrokenScript(t *testing.T) {
	e, m, _ := newTestEngine(t)
	s, err := m.Save(&Script{Meta: ScriptMeta{Name: "Broken", Enabled: true}, LuaCode: `this is not lua`})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err == nil {
		t.Error("expected error for broken script")
	}
	if e.Running(s.ID) {
		t.Error("broken script running")
	}
}
