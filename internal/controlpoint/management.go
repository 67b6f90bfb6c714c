package controlpoint

import (
	"context"
	"errors"

	"binupnp-cp/internal/wire"
)

// invokeManagement calls a management action for s. Argument 0 carries
// the addressed service ID, argument 1 the state, which set fills in for
// setters. Failures other than a missing response are reported as
// ResultInternalError.
func (s *Service) invokeManagement(ctx context.Context, name string, set func(*wire.Value)) (wire.Value, error) {
	op := "management " + name
	mgmt := s.device.ManagementService()
	if mgmt == nil {
		return wire.Value{}, resultErr(op, wire.ResultInternalError)
	}
	a := mgmt.Action(name)
	if a == nil {
		return wire.Value{}, resultErr(op, wire.ResultInternalError)
	}
	target := a.Argument(0)
	state := a.Argument(1)
	if target == nil || state == nil {
		return wire.Value{}, resultErr(op, wire.ResultInternalError)
	}

	args := make(map[uint8]wire.Value, 2)
	tv := wire.NewValue(target.Type())
	tv.SetNumeric(int64(s.id))
	args[0] = tv
	if set != nil {
		sv := wire.NewValue(state.Type())
		set(&sv)
		args[1] = sv
	}
	out, err := a.Invoke(ctx, args)
	if err != nil {
		if errors.Is(err, ErrNoResponse) || ctx.Err() != nil {
			return wire.Value{}, err
		}
		return wire.Value{}, resultErr(op, wire.ResultInternalError)
	}
	if set != nil {
		return wire.Value{}, nil
	}
	v, ok := out[1]
	if !ok {
		return wire.Value{}, resultErr(op, wire.ResultInternalError)
	}
	return v, nil
}

func stateBool(v wire.Value) bool {
	if v.IsBool() {
		return v.Bool()
	}
	return v.Numeric() != 0
}

func setBool(b bool) func(*wire.Value) {
	return func(v *wire.Value) {
		if v.IsBool() {
			v.SetBool(b)
			return
		}
		if b {
			v.SetNumeric(1)
		} else {
			v.SetNumeric(0)
		}
	}
}

// IsActive asks the device whether the service is active.
func (s *Service) IsActive(ctx context.Context) (bool, error) {
	v, err := s.invokeManagement(ctx, wire.ActionGetServiceState, nil)
	if err != nil {
		return false, err
	}
	active := stateBool(v)
	s.mu.Lock()
	s.state.Active = active
	s.mu.Unlock()
	return active, nil
}

// IsEvented asks the device whether value changes of the service are
// multicast as events.
func (s *Service) IsEvented(ctx context.Context) (bool, error) {
	v, err := s.invokeManagement(ctx, wire.ActionGetEventState, nil)
	if err != nil {
		return false, err
	}
	evented := stateBool(v)
	s.mu.Lock()
	s.state.Evented = evented
	s.mu.Unlock()
	return evented, nil
}

// EventRate asks the device for the event rate of the service.
func (s *Service) EventRate(ctx context.Context) (int, error) {
	v, err := s.invokeManagement(ctx, wire.ActionGetEventRate, nil)
	if err != nil {
		return 0, err
	}
	rate := int(v.Numeric())
	s.mu.Lock()
	s.state.EventRate = rate
	s.mu.Unlock()
	return rate, nil
}

// SetActive activates or deactivates the service. The management service
// itself cannot be switched.
func (s *Service) SetActive(ctx context.Context, active bool) error {
	if s.IsManagement() {
		return resultErr("management "+wire.ActionSetServiceState, wire.ResultInvalidRequest)
	}
	if _, err := s.invokeManagement(ctx, wire.ActionSetServiceState, setBool(active)); err != nil {
		return err
	}
	s.mu.Lock()
	s.state.Active = active
	s.mu.Unlock()
	return nil
}

// SetEvented switches eventing for the service.
func (s *Service) SetEvented(ctx context.Context, evented bool) error {
	if _, err := s.invokeManagement(ctx, wire.ActionSetEventState, setBool(evented)); err != nil {
		return err
	}
	s.mu.Lock()
	s.state.Evented = evented
	s.mu.Unlock()
	return nil
}

// SetEventRate sets the event rate of the service.
func (s *Service) SetEventRate(ctx context.Context, rate int) error {
	set := func(v *wire.Value) { v.SetNumeric(int64(rate)) }
	if _, err := s.invokeManagement(ctx, wire.ActionSetEventRate, set); err != nil {
		return err
	}
	s.mu.Lock()
	s.state.EventRate = rate
	s.mu.Unlock()
	return nil
}

// ReadManagementState refreshes active, evented and event rate, then records
// the current management service value as the update ID.
func (s *Service) ReadManagementState(ctx context.Context) error {
	if _, err := s.IsActive(ctx); err != nil {
		return err
	}
	if _, err := s.IsEvented(ctx); err != nil {
		return err
	}
	if _, err := s.EventRate(ctx); err != nil {
		return err
	}
	var updateID int64
	if mgmt := s.device.ManagementService(); mgmt != nil {
		v := mgmt.Value()
		if v.IsNumeric() {
			updateID = v.Numeric()
		}
	}
	s.mu.Lock()
	s.state.UpdateID = updateID
	s.mu.Unlock()
	return nil
}
