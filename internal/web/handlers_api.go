package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"binupnp-cp/internal/controlpoint"
	"binupnp-cp/internal/store"
	"binupnp-cp/internal/wire"
)

// deviceCallTimeout bounds a request that talks to a device.
const deviceCallTimeout = 10 * time.Second

func (s *Server) handleAPIInfo(w http.ResponseWriter, r *http.Request) {
	pending := s.cp.PendingInfos()
	views := make([]pendingView, 0, len(pending))
	for _, info := range pending {
		views = append(views, newPendingView(info))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"instance_id": s.instanceID,
		"version":     s.version,
		"devices":     len(s.cp.Devices()),
		"pending":     views,
		"ws_clients":  s.wsHub.Clients(),
	})
}

func (s *Server) handleAPISearch(w http.ResponseWriter, r *http.Request) {
	s.cp.Search()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.cp.Devices()
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, newDeviceView(d))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, newDeviceView(dev))
}

type updateDeviceRequest struct {
	Name        *string `json:"name"`
	Application *string `json:"application"`
}

func (s *Server) handleAPIUpdateDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	var req updateDeviceRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), deviceCallTimeout)
	defer cancel()
	if req.Name != nil {
		if err := dev.SetName(ctx, *req.Name); err != nil {
			s.writeCallError(w, "set name", dev.ID(), err)
			return
		}
	}
	if req.Application != nil {
		if err := dev.SetApplication(ctx, *req.Application); err != nil {
			s.writeCallError(w, "set application", dev.ID(), err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, newDeviceView(dev))
}

// descriptionView carries raw description messages, base64 encoded.
type descriptionView struct {
	DeviceID uint64           `json:"device_id"`
	Device   []byte           `json:"device"`
	Services map[uint8][]byte `json:"services,omitempty"`
	StoredAt *time.Time       `json:"stored_at,omitempty"`
}

// handleAPIGetDescription serves the description of a live device, or the
// cached one when the device is gone.
func (s *Server) handleAPIGetDescription(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathDeviceID(w, r)
	if !ok {
		return
	}
	if dev := s.cp.Device(id); dev != nil {
		s.writeJSON(w, http.StatusOK, descriptionView{
			DeviceID: id,
			Device:   dev.DescriptionMessage(),
			Services: dev.ServiceDescriptionMessages(),
		})
		return
	}
	if s.store == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	desc, err := s.store.GetDescription(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "description not found"})
		return
	}
	if err != nil {
		s.logger.Error("get description", "err", err, "device", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, descriptionView{
		DeviceID: desc.DeviceID,
		Device:   desc.Device,
		Services: desc.Services,
		StoredAt: &desc.StoredAt,
	})
}

// handleAPIGetValue returns the cached value, or reads it from the device
// with ?refresh=true.
func (s *Server) handleAPIGetValue(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.lookupService(w, r)
	if !ok {
		return
	}
	if !svc.HasValue() {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "service has no value"})
		return
	}
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		ctx, cancel := context.WithTimeout(r.Context(), deviceCallTimeout)
		defer cancel()
		if _, err := svc.GetValue(ctx); err != nil {
			s.writeCallError(w, "get value", svc.Device().ID(), err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, newValueView(svc))
}

type setValueRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleAPISetValue(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.lookupService(w, r)
	if !ok {
		return
	}
	var req setValueRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), deviceCallTimeout)
	defer cancel()
	if err := svc.SetValueString(ctx, req.Value); err != nil {
		s.writeCallError(w, "set value", svc.Device().ID(), err)
		return
	}
	s.writeJSON(w, http.StatusOK, newValueView(svc))
}

func (s *Server) handleAPIGetManagement(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.lookupService(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), deviceCallTimeout)
	defer cancel()
	if err := svc.ReadManagementState(ctx); err != nil {
		s.writeCallError(w, "read management", svc.Device().ID(), err)
		return
	}
	s.writeJSON(w, http.StatusOK, newManagementView(svc.ManagementState()))
}

type updateManagementRequest struct {
	Active    *bool `json:"active"`
	Evented   *bool `json:"evented"`
	EventRate *int  `json:"event_rate"`
}

func (s *Server) handleAPIUpdateManagement(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.lookupService(w, r)
	if !ok {
		return
	}
	var req updateManagementRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.EventRate != nil && (*req.EventRate < 0 || *req.EventRate > 0xFFFF) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "event_rate must be 0-65535"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), deviceCallTimeout)
	defer cancel()
	id := svc.Device().ID()
	if req.Active != nil {
		if err := svc.SetActive(ctx, *req.Active); err != nil {
			s.writeCallError(w, "set active", id, err)
			return
		}
	}
	if req.Evented != nil {
		if err := svc.SetEvented(ctx, *req.Evented); err != nil {
			s.writeCallError(w, "set evented", id, err)
			return
		}
	}
	if req.EventRate != nil {
		if err := svc.SetEventRate(ctx, *req.EventRate); err != nil {
			s.writeCallError(w, "set event rate", id, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, newManagementView(svc.ManagementState()))
}

type invokeRequest struct {
	Args map[string]string `json:"args"`
}

// handleAPIInvoke calls an action addressed by name or numeric ID.
func (s *Server) handleAPIInvoke(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.lookupService(w, r)
	if !ok {
		return
	}
	name := r.PathValue("action")
	action := svc.Action(name)
	if action == nil {
		if n, err := strconv.ParseUint(name, 10, 8); err == nil {
			action = svc.ActionByID(uint8(n))
		}
	}
	if action == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "action not found"})
		return
	}

	var req invokeRequest
	if r.ContentLength != 0 && !s.decodeBody(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), deviceCallTimeout)
	defer cancel()
	out, err := action.InvokeStrings(ctx, req.Args)
	if err != nil {
		s.writeCallError(w, "invoke "+action.Name(), svc.Device().ID(), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"result": out})
}

func (s *Server) handleAPIListKnown(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	devices, err := s.store.ListDevices()
	if err != nil {
		s.logger.Error("list known devices", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if devices == nil {
		devices = []*store.Device{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

// handleAPIDeleteKnown forgets a persisted device. Devices that are still
// online cannot be deleted.
func (s *Server) handleAPIDeleteKnown(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathDeviceID(w, r)
	if !ok {
		return
	}
	if s.store == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	if s.cp.Device(id) != nil {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "device is online"})
		return
	}
	if _, err := s.store.GetDevice(id); errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	if err := s.store.DeleteDevice(id); err != nil {
		s.logger.Error("delete known device", "err", err, "device", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) pathDeviceID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device id"})
		return 0, false
	}
	return id, true
}

func (s *Server) lookupDevice(w http.ResponseWriter, r *http.Request) (*controlpoint.Device, bool) {
	id, ok := s.pathDeviceID(w, r)
	if !ok {
		return nil, false
	}
	dev := s.cp.Device(id)
	if dev == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return nil, false
	}
	return dev, true
}

func (s *Server) lookupService(w http.ResponseWriter, r *http.Request) (*controlpoint.Service, bool) {
	dev, ok := s.lookupDevice(w, r)
	if !ok {
		return nil, false
	}
	sid, err := strconv.ParseUint(r.PathValue("sid"), 10, 8)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid service id"})
		return nil, false
	}
	svc := dev.Service(uint8(sid))
	if svc == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "service not found"})
		return nil, false
	}
	return svc, true
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// callStatus maps the result of a device call to an HTTP status.
func callStatus(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch controlpoint.ResultCode(err) {
	case wire.ResultNoResponseMessage:
		return http.StatusGatewayTimeout
	case wire.ResultInvalidRequest, wire.ResultInvalidServiceValue, wire.ResultNoArgument,
		wire.ResultInvalidArgumentValue, wire.ResultInvalidArgumentID, wire.ResultSetServiceValueNotSupported:
		return http.StatusBadRequest
	case wire.ResultNoDevice, wire.ResultNoService, wire.ResultNoServiceValue, wire.ResultNoAction,
		wire.ResultInvalidServiceID, wire.ResultInvalidActionID:
		return http.StatusNotFound
	case wire.ResultServiceInactive:
		return http.StatusConflict
	case wire.ResultInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeCallError(w http.ResponseWriter, op string, device uint64, err error) {
	code := controlpoint.ResultCode(err)
	s.logger.Warn(op+" failed", "device", device, "err", err)
	s.writeJSON(w, callStatus(err), map[string]interface{}{
		"error":  err.Error(),
		"result": wire.ResultName(code),
		"code":   code,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
