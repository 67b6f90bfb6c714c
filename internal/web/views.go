package web

import (
	"time"

	"binupnp-cp/internal/controlpoint"
	"binupnp-cp/internal/wire"
)

// deviceView is the JSON form of a live device.
type deviceView struct {
	ID              uint64        `json:"id"`
	Name            string        `json:"name"`
	Application     string        `json:"application"`
	Manufacturer    string        `json:"manufacturer"`
	DeviceType      uint8         `json:"device_type"`
	DescriptionDate string        `json:"description_date"`
	AccessAddress   string        `json:"access_address"`
	Path            string        `json:"path,omitempty"`
	ControlPort     uint16        `json:"control_port"`
	EventPort       uint16        `json:"event_port"`
	LifeTime        string        `json:"life_time"`
	ResponseTime    string        `json:"avg_response_time,omitempty"`
	Services        []serviceView `json:"services,omitempty"`
}

type serviceView struct {
	ID         uint8        `json:"id"`
	Type       string       `json:"type"`
	Name       string       `json:"name,omitempty"`
	Unit       string       `json:"unit,omitempty"`
	Management bool         `json:"management,omitempty"`
	Value      *valueView   `json:"value,omitempty"`
	Actions    []actionView `json:"actions,omitempty"`
}

type valueView struct {
	Value   string   `json:"value"`
	Number  *int64   `json:"number,omitempty"`
	Celsius *float64 `json:"celsius,omitempty"`
}

type actionView struct {
	ID        uint8          `json:"id"`
	Name      string         `json:"name"`
	Arguments []argumentView `json:"arguments,omitempty"`
}

type argumentView struct {
	ID   uint8  `json:"id"`
	Name string `json:"name"`
	In   bool   `json:"in"`
	Type uint8  `json:"type"`
}

// pendingView is a device that announced itself but is not described yet.
type pendingView struct {
	ID              uint64 `json:"id"`
	DescriptionDate string `json:"description_date"`
	AccessAddress   string `json:"access_address"`
}

func newDeviceView(d *controlpoint.Device) deviceView {
	info := d.Info()
	v := deviceView{
		ID:              d.ID(),
		Name:            d.Name(),
		Application:     d.Application(),
		Manufacturer:    d.Manufacturer(),
		DeviceType:      d.DeviceType(),
		DescriptionDate: wire.FormatDescriptionDate(info.DescriptionDate),
		AccessAddress:   info.AccessAddress.String(),
		ControlPort:     info.ControlPort,
		EventPort:       info.EventPort,
		LifeTime:        d.ExpectedLifeTime().String(),
	}
	if len(info.Path) > 0 {
		v.Path = info.Path.String()
	}
	if d.ResponseTimeSamples() > 0 {
		v.ResponseTime = d.AverageResponseTime().Round(time.Millisecond).String()
	}
	for _, s := range d.Services() {
		v.Services = append(v.Services, newServiceView(s))
	}
	return v
}

func newServiceView(s *controlpoint.Service) serviceView {
	v := serviceView{
		ID:         s.ID(),
		Type:       s.TypeName(),
		Name:       s.Name(),
		Unit:       s.ValueUnit(),
		Management: s.IsManagement(),
	}
	if s.HasValue() {
		v.Value = newValueView(s)
	}
	for _, a := range s.Actions() {
		av := actionView{ID: a.ID(), Name: a.Name()}
		for _, arg := range a.Arguments() {
			av.Arguments = append(av.Arguments, argumentView{ID: arg.ID(), Name: arg.Name(), In: arg.In(), Type: arg.Type()})
		}
		v.Actions = append(v.Actions, av)
	}
	return v
}

func newValueView(s *controlpoint.Service) *valueView {
	val := s.Value()
	v := &valueView{Value: val.String()}
	if val.IsNumeric() {
		n := val.Numeric()
		v.Number = &n
	}
	if c, ok := s.Celsius(); ok {
		v.Celsius = &c
	}
	return v
}

func newPendingView(info controlpoint.DeviceInfo) pendingView {
	return pendingView{
		ID:              info.DeviceID,
		DescriptionDate: wire.FormatDescriptionDate(info.DescriptionDate),
		AccessAddress:   info.AccessAddress.String(),
	}
}

type managementView struct {
	Active    bool  `json:"active"`
	Evented   bool  `json:"evented"`
	EventRate int   `json:"event_rate"`
	UpdateID  int64 `json:"update_id"`
}

func newManagementView(st controlpoint.ManagementState) managementView {
	return managementView{
		Active:    st.Active,
		Evented:   st.Evented,
		EventRate: st.EventRate,
		UpdateID:  st.UpdateID,
	}
}
