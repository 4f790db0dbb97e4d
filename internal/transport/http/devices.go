package http

import (
	"net/http"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
)

type deviceView struct {
	DeviceID        string                  `json:"deviceId"`
	LastLocation    *domain.LocationView    `json:"lastLocation"`
	LastTemperature *domain.TemperatureView `json:"lastTemperature"`
	InSafeZone      bool                    `json:"inSafeZone"`
	FirmwareVersion *string                 `json:"firmwareVersion"`
	LastSeen        *string                 `json:"lastSeen"`
}

func (s *Server) deviceView(st *domain.DeviceState) deviceView {
	v := deviceView{
		DeviceID:        st.DeviceID,
		LastTemperature: domain.NewTemperatureView(st.LastTemperature),
		InSafeZone:      st.InSafeZone,
		FirmwareVersion: st.FirmwareVersion,
		LastSeen:        domain.TimestampPtr(st.LastSeen),
	}
	if fix, ok := s.resolver.Resolve(st); ok {
		v.LastLocation = domain.NewLocationView(fix)
	}
	return v
}

// loadDevice fetches a device's state, answering DEVICE_NOT_FOUND for an
// unknown id.
func (s *Server) loadDevice(r *http.Request) (*domain.DeviceState, error) {
	id := r.PathValue("deviceId")
	st, err := s.store.GetState(r.Context(), id)
	if err != nil {
		return nil, notFoundAs(err, deviceNotFound(id))
	}
	return st, nil
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	states, err := s.store.ListStates(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	devices := make([]deviceView, 0, len(states))
	for _, st := range states {
		devices = append(devices, s.deviceView(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	st, err := s.loadDevice(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	fix, ok := s.resolver.Resolve(st)
	if !ok {
		writeError(w, http.StatusNotFound, domain.CodeNoLocationData, "No location data available for device")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deviceId": st.DeviceID, "location": domain.NewLocationView(fix)})
}

func (s *Server) handleTemperature(w http.ResponseWriter, r *http.Request) {
	st, err := s.loadDevice(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if st.LastTemperature == nil {
		writeError(w, http.StatusNotFound, domain.CodeNoTemperatureData, "No temperature data available for device")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deviceId": st.DeviceID, "temperature": domain.NewTemperatureView(st.LastTemperature)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("deviceId")
	q, err := s.history.Parse(id, r.URL.Query())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entries, err := s.history.History(r.Context(), q)
	if err != nil {
		s.fail(w, r, notFoundAs(err, deviceNotFound(id)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deviceId": id, "history": entries, "count": len(entries)})
}
