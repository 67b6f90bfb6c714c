package controlpoint

import (
	"context"

	"binupnp-cp/internal/wire"
)

func (d *Device) controlPoint() (*ControlPoint, error) {
	if d.cp == nil {
		return nil, ErrNoBundle
	}
	return d.cp, nil
}

// responseError turns a decoded response into an error unless it is OK.
func responseError(op string, msg *wire.ValueMessage, code uint8) error {
	if msg == nil {
		return resultErr(op, code)
	}
	if !msg.OKValueResponse() {
		return resultErr(op, msg.Result)
	}
	return nil
}

// Invoke calls the action. args holds in-argument values by argument ID;
// in-arguments not present are sent with their last value. On success the
// out-argument values are returned by ID and kept on the arguments.
func (a *Action) Invoke(ctx context.Context, args map[uint8]wire.Value) (map[uint8]wire.Value, error) {
	const op = "invoke action"
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, v := range args {
		arg := a.Argument(id)
		if arg == nil || !arg.in {
			return nil, resultErr(op, wire.ResultInvalidArgumentID)
		}
		if v.Type() != arg.value.Type() {
			return nil, resultErr(op, wire.ResultInvalidArgumentValue)
		}
	}
	for id, v := range args {
		a.Argument(id).value = v
	}

	var in []wire.ArgumentValue
	for _, arg := range a.arguments {
		if arg.in {
			in = append(in, wire.ArgumentValue{ID: arg.id, Value: arg.value.Bytes()})
		}
	}
	svc := a.service
	dev := svc.device
	cp, err := dev.controlPoint()
	if err != nil {
		return nil, err
	}
	msg, code, err := cp.sendControl(ctx, dev, wire.InvokeActionPrefix(dev.ID(), svc.id, a.id, in))
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, resultErr(op, code)
	}
	if !msg.OKActionResponse() {
		if msg.Result != wire.ResultOk {
			return nil, resultErr(op, msg.Result)
		}
		return nil, resultErr(op, wire.ResultNoResponseMessage)
	}

	// Decode into copies first so a bad value leaves the arguments untouched.
	decoded := make(map[uint8]wire.Value, len(msg.ArgumentValues))
	for id, data := range msg.ArgumentValues {
		arg := a.Argument(id)
		if arg == nil {
			return nil, resultErr(op, wire.ResultInvalidArgumentID)
		}
		v := arg.value
		if !v.FromBytes(data) {
			return nil, resultErr(op, wire.ResultInvalidArgumentValue)
		}
		decoded[id] = v
	}
	for id, v := range decoded {
		a.Argument(id).value = v
	}
	return decoded, nil
}

// InvokeStrings is Invoke with arguments addressed by name and values in
// their string form.
func (a *Action) InvokeStrings(ctx context.Context, args map[string]string) (map[string]string, error) {
	in := make(map[uint8]wire.Value, len(args))
	for name, s := range args {
		arg := a.ArgumentByName(name)
		if arg == nil || !arg.in {
			return nil, resultErr("invoke action", wire.ResultInvalidArgumentID)
		}
		v := wire.NewValue(arg.Type())
		if !v.FromString(s) {
			return nil, resultErr("invoke action", wire.ResultInvalidArgumentValue)
		}
		in[arg.id] = v
	}
	out, err := a.Invoke(ctx, in)
	if err != nil {
		return nil, err
	}
	res := make(map[string]string, len(out))
	for id, v := range out {
		res[a.Argument(id).name] = v.String()
	}
	return res, nil
}

// GetValue reads the service value from the device and updates the cache.
func (s *Service) GetValue(ctx context.Context) (wire.Value, error) {
	const op = "get value"
	if !s.HasValue() {
		return wire.Value{}, resultErr(op, wire.ResultNoServiceValue)
	}
	dev := s.device
	cp, err := dev.controlPoint()
	if err != nil {
		return wire.Value{}, err
	}
	msg, code, err := cp.sendControl(ctx, dev, wire.GetValuePrefix(dev.ID(), s.id))
	if err != nil {
		return wire.Value{}, err
	}
	if err := responseError(op, msg, code); err != nil {
		return wire.Value{}, err
	}
	data, ok := msg.ServiceValues[s.id]
	if !ok {
		return wire.Value{}, resultErr(op, wire.ResultInvalidServiceID)
	}
	if !s.setValueBytes(data) {
		return wire.Value{}, resultErr(op, wire.ResultInvalidServiceValue)
	}
	return s.Value(), nil
}

// SetValue writes data to the device. The cache is updated only after the
// device confirmed the write.
func (s *Service) SetValue(ctx context.Context, data []byte) error {
	const op = "set value"
	if !s.HasValue() {
		return resultErr(op, wire.ResultNoServiceValue)
	}
	check := s.Value()
	if !check.FromBytes(data) {
		return resultErr(op, wire.ResultInvalidServiceValue)
	}
	dev := s.device
	cp, err := dev.controlPoint()
	if err != nil {
		return err
	}
	msg, code, err := cp.sendControl(ctx, dev, wire.SetValuePrefix(dev.ID(), s.id, data))
	if err != nil {
		return err
	}
	if err := responseError(op, msg, code); err != nil {
		return err
	}
	s.setValueBytes(data)
	return nil
}

// SetValueString parses str according to the value type and writes it.
func (s *Service) SetValueString(ctx context.Context, str string) error {
	if !s.HasValue() {
		return resultErr("set value", wire.ResultNoServiceValue)
	}
	v := s.Value()
	if !v.FromString(str) {
		return resultErr("set value", wire.ResultInvalidServiceValue)
	}
	return s.SetValue(ctx, v.Bytes())
}

// SetName renames the device. Nothing is sent if the name is unchanged.
func (d *Device) SetName(ctx context.Context, name string) error {
	if d.Name() == name {
		return nil
	}
	if err := d.setMetaData(ctx, "set name", wire.SetNamePrefix(d.ID(), name)); err != nil {
		return err
	}
	d.mu.Lock()
	d.name = name
	d.mu.Unlock()
	return nil
}

// SetApplication changes the application string of the device. Nothing is
// sent if it is unchanged.
func (d *Device) SetApplication(ctx context.Context, application string) error {
	if d.Application() == application {
		return nil
	}
	if err := d.setMetaData(ctx, "set application", wire.SetApplicationPrefix(d.ID(), application)); err != nil {
		return err
	}
	d.mu.Lock()
	d.application = application
	d.mu.Unlock()
	return nil
}

func (d *Device) setMetaData(ctx context.Context, op string, prefix []byte) error {
	cp, err := d.controlPoint()
	if err != nil {
		return err
	}
	msg, code, err := cp.sendControl(ctx, d, prefix)
	if err != nil {
		return err
	}
	return responseError(op, msg, code)
}
