package controlpoint

import (
	"bytes"
	"fmt"
	"maps"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"binupnp-cp/internal/transport"
	"binupnp-cp/internal/wire"
)

// EventCode is a bitmask describing what changed on a device.
type EventCode uint32

const (
	EventExpirationTimeChange EventCode = 1 << iota
	EventDeviceAddressChange
	EventPathChange
	EventMetaDataChange
	EventServiceChange
	EventPortChange
	EventServiceStateChange
)

var eventCodeNames = []string{
	"expiration", "address", "path", "metadata", "services", "ports", "service_state",
}

func (c EventCode) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	for i, name := range eventCodeNames {
		if c&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// DeviceInfo is what an announcement tells about a device before its
// description is known.
type DeviceInfo struct {
	DeviceID        uint64
	DescriptionDate uint64
	DeviceType      uint8
	HasDeviceType   bool
	DescriptionPort uint16
	ControlPort     uint16
	EventPort       uint16
	// AccessAddress is where requests are sent: the device itself or the
	// first forwarder.
	AccessAddress net.IP
	// DeviceAddress identifies the device, which may differ from
	// AccessAddress behind forwarders.
	DeviceAddress []byte
	Path          wire.AccessPath
	// Bundle is the local interface the announcement arrived on.
	Bundle        *transport.Bundle
	LastDiscovery time.Time

	lastDescriptionRequest time.Time
}

func newDeviceInfo(a *wire.Announcement, b *transport.Bundle, now time.Time) *DeviceInfo {
	return &DeviceInfo{
		DeviceID:        a.DeviceID,
		DescriptionDate: a.DescriptionDate,
		DeviceType:      a.DeviceType,
		HasDeviceType:   a.HasDeviceType,
		DescriptionPort: a.DescriptionPort,
		ControlPort:     a.ControlPort,
		EventPort:       a.EventPort,
		AccessAddress:   a.AccessAddress,
		DeviceAddress:   a.DeviceAddress,
		Path:            a.Path,
		Bundle:          b,
		LastDiscovery:   now,
	}
}

// ResponseWaitTime is the per-attempt timeout: two seconds plus half a
// second per forwarder hop.
func (i *DeviceInfo) ResponseWaitTime() time.Duration {
	return 2000*time.Millisecond + time.Duration(len(i.Path))*500*time.Millisecond
}

// HasEqualPath compares the forwarder paths of two infos.
func (i *DeviceInfo) HasEqualPath(o *DeviceInfo) bool {
	return i.Path.Equal(o.Path)
}

// updatePorts copies ports and bundle from o and reports what changed.
func (i *DeviceInfo) updatePorts(o *DeviceInfo) EventCode {
	var code EventCode
	if i.DescriptionPort != o.DescriptionPort {
		i.DescriptionPort = o.DescriptionPort
		code |= EventPortChange
	}
	if i.ControlPort != o.ControlPort {
		i.ControlPort = o.ControlPort
		code |= EventPortChange
	}
	if i.EventPort != o.EventPort {
		i.EventPort = o.EventPort
		code |= EventPortChange
	}
	if i.Bundle != o.Bundle {
		i.Bundle = o.Bundle
		code |= EventPathChange
	}
	return code
}

func (i DeviceInfo) clone() DeviceInfo {
	i.AccessAddress = slices.Clone(i.AccessAddress)
	i.DeviceAddress = slices.Clone(i.DeviceAddress)
	i.Path = i.Path.Clone()
	return i
}

const responseSlots = 10

// Device is a fully described remote device.
type Device struct {
	cp *ControlPoint

	mu                  sync.RWMutex
	info                DeviceInfo
	name                string
	application         string
	manufacturer        string
	deviceType          uint8
	lifetime            uint16
	services            []*Service
	description         []byte
	serviceDescriptions map[uint8][]byte
	responseTimes       [responseSlots]time.Duration
	responseCount       int
}

func newDevice(cp *ControlPoint, info *DeviceInfo, d *wire.DeviceDescription) *Device {
	dev := &Device{
		cp:                  cp,
		info:                info.clone(),
		name:                d.Name,
		application:         d.Application,
		manufacturer:        d.Manufacturer,
		deviceType:          d.DeviceType,
		lifetime:            d.LifeTime,
		description:         d.Raw,
		serviceDescriptions: make(map[uint8][]byte),
	}
	// The description carries the authoritative date and type.
	dev.info.DescriptionDate = d.DescriptionDate
	dev.info.DeviceType = d.DeviceType
	dev.info.HasDeviceType = true
	for i := range d.Services {
		dev.services = append(dev.services, newService(dev, &d.Services[i]))
	}
	return dev
}

// ID returns the device ID.
func (d *Device) ID() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info.DeviceID
}

func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

func (d *Device) Application() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.application
}

func (d *Device) Manufacturer() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.manufacturer
}

func (d *Device) DeviceType() uint8 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.deviceType
}

// ExpectedLifeTime returns the lifetime announced in the description.
func (d *Device) ExpectedLifeTime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return time.Duration(d.lifetime) * time.Minute
}

func (d *Device) DescriptionDate() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info.DescriptionDate
}

// Info returns a copy of the discovery data.
func (d *Device) Info() DeviceInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info.clone()
}

// DescriptionMessage returns the raw device description.
func (d *Device) DescriptionMessage() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.description)
}

// ServiceDescriptionMessages returns the raw external service descriptions
// keyed by service ID.
func (d *Device) ServiceDescriptionMessages() map[uint8][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.serviceDescriptions)
}

// Services returns the services in description order.
func (d *Device) Services() []*Service {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.services)
}

// Service returns the service with the given ID, or nil.
func (d *Device) Service(id uint8) *Service {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.services {
		if s.id == id {
			return s
		}
	}
	return nil
}

// ServiceByType returns the first service of type t, or nil.
func (d *Device) ServiceByType(t uint8) *Service {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.services {
		if s.typ == t {
			return s
		}
	}
	return nil
}

// ManagementService returns the service management service, or nil.
func (d *Device) ManagementService() *Service {
	return d.ServiceByType(wire.ServiceTypeServiceManagement)
}

// AddResponseTime records one round trip. Only the latest ten are kept.
func (d *Device) AddResponseTime(rt time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.responseCount < responseSlots {
		d.responseCount++
	}
	copy(d.responseTimes[1:], d.responseTimes[:responseSlots-1])
	d.responseTimes[0] = rt
}

// AverageResponseTime averages the recorded round trips, 0 if none.
func (d *Device) AverageResponseTime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.responseCount == 0 {
		return 0
	}
	var sum time.Duration
	for _, rt := range d.responseTimes[:d.responseCount] {
		sum += rt
	}
	return sum / time.Duration(d.responseCount)
}

// ResponseTimeSamples returns how many round trips are averaged.
func (d *Device) ResponseTimeSamples() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.responseCount
}

// ExpirationTime returns the remaining lifetime in whole seconds.
func (d *Device) ExpirationTime(now time.Time) time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.expirationLocked(now)
}

func (d *Device) expirationLocked(now time.Time) time.Duration {
	ms := int64(d.lifetime)*60000 - now.Sub(d.info.LastDiscovery).Milliseconds()
	return time.Duration(ms/1000) * time.Second
}

// IsDeprecated reports whether the device outlived its lifetime. A non-zero
// pingInterval selects active ping mode, where two missed intervals suffice.
func (d *Device) IsDeprecated(now time.Time, pingInterval time.Duration) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	age := now.Sub(d.info.LastDiscovery)
	if pingInterval > 0 {
		return age > 2*pingInterval
	}
	return age > time.Duration(d.lifetime)*time.Minute
}

func (d *Device) touch(now time.Time) {
	d.mu.Lock()
	d.info.LastDiscovery = now
	d.mu.Unlock()
}

// seen moves the last discovery time forward to t.
func (d *Device) seen(t time.Time) {
	d.mu.Lock()
	if t.After(d.info.LastDiscovery) {
		d.info.LastDiscovery = t
	}
	d.mu.Unlock()
}

// update merges a freshly described version of the device and returns
// what changed. Services are only replaced when their structure differs,
// so cached values survive a metadata-only change.
func (d *Device) update(changed *Device, now time.Time) EventCode {
	changed.mu.RLock()
	defer changed.mu.RUnlock()
	d.mu.Lock()
	defer d.mu.Unlock()

	var code EventCode
	if d.expirationLocked(now) != changed.expirationLocked(now) {
		code |= EventExpirationTimeChange
	}
	if !bytes.Equal(d.info.DeviceAddress, changed.info.DeviceAddress) {
		code |= EventDeviceAddressChange
	}
	if !d.info.HasEqualPath(&changed.info) {
		code |= EventPathChange
	}
	if d.name != changed.name || d.application != changed.application ||
		d.manufacturer != changed.manufacturer || d.deviceType != changed.deviceType ||
		d.info.DescriptionDate != changed.info.DescriptionDate {
		d.name = changed.name
		d.application = changed.application
		d.manufacturer = changed.manufacturer
		d.deviceType = changed.deviceType
		code |= EventMetaDataChange
	}
	if !equalServices(d.services, changed.services) {
		d.services = changed.services
		for _, s := range d.services {
			s.device = d
		}
		code |= EventServiceChange
	}
	last := d.info.LastDiscovery
	d.info = changed.info.clone()
	if last.After(d.info.LastDiscovery) {
		d.info.LastDiscovery = last
	}
	d.description = changed.description
	d.serviceDescriptions = changed.serviceDescriptions
	d.lifetime = changed.lifetime
	return code
}

func (d *Device) String() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.name != "" {
		return fmt.Sprintf("%s(%d)", d.name, d.info.DeviceID)
	}
	return fmt.Sprintf("%d", d.info.DeviceID)
}

func equalServices(a, b []*Service) bool {
	if len(a) != len(b) {
		return false
	}
	for _, s := range a {
		o := findService(b, s.id)
		if o == nil || !s.structurallyEqual(o) {
			return false
		}
	}
	return true
}

func findService(list []*Service, id uint8) *Service {
	for _, s := range list {
		if s.id == id {
			return s
		}
	}
	return nil
}

type serviceKind int

const (
	kindGeneric serviceKind = iota
	kindTemperature
)

// ManagementState is the last known management data of a service.
type ManagementState struct {
	Active    bool
	Evented   bool
	EventRate int
	// UpdateID is the management service value at the time of the last
	// read, -1 if never read.
	UpdateID int64
}

// Service is one service of a device.
type Service struct {
	// device is a non-owning back reference.
	device    *Device
	kind      serviceKind
	typ       uint8
	id        uint8
	name      string
	valueUnit string
	actions   []*Action

	mu                sync.Mutex
	value             wire.Value
	state             ManagementState
	requestManagement bool
}

func newService(dev *Device, sd *wire.ServiceDescription) *Service {
	s := &Service{
		device:    dev,
		typ:       sd.Type,
		id:        sd.ID,
		name:      sd.Name,
		valueUnit: sd.ValueUnit,
		value:     wire.NewValue(sd.ValueType),
		state:     ManagementState{UpdateID: -1},
	}
	if sd.Type == wire.ServiceTypeTemperatureSensor {
		s.kind = kindTemperature
	}
	for _, ad := range sd.Actions {
		a := &Action{service: s, id: ad.ID, name: ad.Name}
		for _, arg := range ad.Arguments {
			a.arguments = append(a.arguments, &Argument{
				action: a,
				id:     arg.ID,
				name:   arg.Name,
				in:     arg.In,
				value:  wire.NewValue(arg.ValueType),
			})
		}
		s.actions = append(s.actions, a)
	}
	return s
}

// Device returns the owning device.
func (s *Service) Device() *Device { return s.device }

func (s *Service) Type() uint8       { return s.typ }
func (s *Service) ID() uint8         { return s.id }
func (s *Service) Name() string      { return s.name }
func (s *Service) ValueUnit() string { return s.valueUnit }

// TypeName returns the readable service type.
func (s *Service) TypeName() string {
	if n := wire.ServiceTypeName(s.typ); n != "" {
		return n
	}
	return fmt.Sprintf("Service%d", s.typ)
}

// ValueType returns the var type of the service value.
func (s *Service) ValueType() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value.Type()
}

// HasValue reports whether the service declares a value.
func (s *Service) HasValue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value.Used()
}

// Value returns the cached value.
func (s *Service) Value() wire.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// IsManagement reports whether this is the service management service.
func (s *Service) IsManagement() bool {
	return s.typ == wire.ServiceTypeServiceManagement
}

// Celsius returns the temperature of a temperature sensor service, whose
// value is sent in hundredths of a degree.
func (s *Service) Celsius() (float64, bool) {
	if s.kind != kindTemperature {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.value.IsNumeric() {
		return 0, false
	}
	return float64(s.value.Numeric()) / 100, true
}

// ManagementState returns the cached management data.
func (s *Service) ManagementState() ManagementState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Actions returns the actions in description order.
func (s *Service) Actions() []*Action {
	return slices.Clone(s.actions)
}

// Action returns the action with the given name, or nil.
func (s *Service) Action(name string) *Action {
	for _, a := range s.actions {
		if a.name == name {
			return a
		}
	}
	return nil
}

// ActionByID returns the action with the given ID, or nil.
func (s *Service) ActionByID(id uint8) *Action {
	for _, a := range s.actions {
		if a.id == id {
			return a
		}
	}
	return nil
}

// setValueBytes replaces the cached value if data decodes.
func (s *Service) setValueBytes(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value.FromBytes(data)
}

func (s *Service) markManagementRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.UpdateID < 0 {
		return false
	}
	s.requestManagement = true
	return true
}

func (s *Service) managementRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestManagement
}

func (s *Service) String() string {
	if s.name != "" {
		return fmt.Sprintf("%s(%d)", s.name, s.id)
	}
	return fmt.Sprintf("%s(%d)", s.TypeName(), s.id)
}

func (s *Service) structurallyEqual(o *Service) bool {
	if s.id != o.id || s.typ != o.typ || len(s.actions) != len(o.actions) {
		return false
	}
	for _, a := range s.actions {
		other := o.ActionByID(a.id)
		if other == nil || !a.structurallyEqual(other) {
			return false
		}
	}
	return true
}

// Action is a remotely invocable operation of a service.
type Action struct {
	// service is a non-owning back reference.
	service *Service
	id      uint8
	name    string

	// mu guards argument values and serializes invocations.
	mu        sync.Mutex
	arguments []*Argument
}

func (a *Action) Service() *Service { return a.service }
func (a *Action) ID() uint8         { return a.id }
func (a *Action) Name() string      { return a.name }

// Arguments returns the arguments in description order.
func (a *Action) Arguments() []*Argument {
	return slices.Clone(a.arguments)
}

// Argument returns the argument with the given ID, or nil.
func (a *Action) Argument(id uint8) *Argument {
	for _, arg := range a.arguments {
		if arg.id == id {
			return arg
		}
	}
	return nil
}

// ArgumentByName returns the argument with the given name, or nil.
func (a *Action) ArgumentByName(name string) *Argument {
	for _, arg := range a.arguments {
		if arg.name == name {
			return arg
		}
	}
	return nil
}

func (a *Action) structurallyEqual(o *Action) bool {
	if a.id != o.id || a.name != o.name || len(a.arguments) != len(o.arguments) {
		return false
	}
	for i, arg := range a.arguments {
		p := o.arguments[i]
		if arg.id != p.id || arg.name != p.name || arg.in != p.in || arg.value.Type() != p.value.Type() {
			return false
		}
	}
	return true
}

// Argument is one parameter of an action.
type Argument struct {
	action *Action
	id     uint8
	name   string
	in     bool
	// value is guarded by action.mu.
	value wire.Value
}

func (g *Argument) ID() uint8    { return g.id }
func (g *Argument) Name() string { return g.name }
func (g *Argument) In() bool     { return g.in }
func (g *Argument) Type() uint8  { return g.value.Type() }

// Value returns the argument's current value: the last value sent for an
// in-argument, the last value received for an out-argument.
func (g *Argument) Value() wire.Value {
	g.action.mu.Lock()
	defer g.action.mu.Unlock()
	return g.value
}

