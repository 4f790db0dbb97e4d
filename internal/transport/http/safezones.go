package http

import (
	"encoding/json"
	"math"
	"net/http"

	"github.com/google/uuid"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
)

type zoneView struct {
	ZoneID    string        `json:"zoneId"`
	Name      string        `json:"name"`
	Center    domain.LatLon `json:"center"`
	Radius    int           `json:"radius"`
	Enabled   bool          `json:"enabled"`
	CreatedAt string        `json:"createdAt"`
	UpdatedAt string        `json:"updatedAt"`
}

func toZoneView(z domain.SafeZone) zoneView {
	return zoneView{
		ZoneID:    z.ZoneID,
		Name:      z.Name,
		Center:    z.Center,
		Radius:    z.RadiusMeters,
		Enabled:   z.Enabled,
		CreatedAt: domain.FormatTimestamp(z.CreatedAt),
		UpdatedAt: domain.FormatTimestamp(z.UpdatedAt),
	}
}

type centerRequest struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

type zoneRequest struct {
	ZoneID  *string        `json:"zoneId"`
	Name    *string        `json:"name"`
	Center  *centerRequest `json:"center"`
	Radius  *float64       `json:"radius"`
	Enabled *bool          `json:"enabled"`
}

func missingField(name string) error {
	return &domain.ValidationError{Code: domain.CodeMissingRequiredField, Message: "Required field '" + name + "' is missing"}
}

func (c *centerRequest) latLon() (domain.LatLon, error) {
	if c.Lat == nil || c.Lon == nil {
		return domain.LatLon{}, domain.ValidateCoordinate(domain.LatLon{Lat: math.Inf(1)})
	}
	p := domain.LatLon{Lat: *c.Lat, Lon: *c.Lon}
	return p, domain.ValidateCoordinate(p)
}

func radius(v float64) (int, error) {
	if v != math.Trunc(v) {
		return 0, domain.ValidateRadius(-1)
	}
	r := int(v)
	return r, domain.ValidateRadius(r)
}

// patch validates the fields present in a partial update.
func (req *zoneRequest) patch() (domain.ZonePatch, error) {
	var p domain.ZonePatch
	if req.Name != nil {
		if err := domain.ValidateZoneName(*req.Name); err != nil {
			return p, err
		}
		p.Name = req.Name
	}
	if req.Center != nil {
		c, err := req.Center.latLon()
		if err != nil {
			return p, err
		}
		p.Center = &c
	}
	if req.Radius != nil {
		r, err := radius(*req.Radius)
		if err != nil {
			return p, err
		}
		p.RadiusMeters = &r
	}
	p.Enabled = req.Enabled
	return p, nil
}

// create validates a new zone. Name, center and radius are required;
// enabled defaults to true.
func (req *zoneRequest) create() (domain.ZonePatch, error) {
	switch {
	case req.Name == nil || *req.Name == "":
		return domain.ZonePatch{}, missingField("name")
	case req.Center == nil:
		return domain.ZonePatch{}, missingField("center")
	case req.Radius == nil:
		return domain.ZonePatch{}, missingField("radius")
	}
	p, err := req.patch()
	if err != nil {
		return p, err
	}
	if p.Enabled == nil {
		enabled := true
		p.Enabled = &enabled
	}
	return p, nil
}

func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	st, err := s.loadDevice(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	zones, err := s.store.ListZones(r.Context(), st.DeviceID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]zoneView, 0, len(zones))
	for _, z := range zones {
		views = append(views, toZoneView(z))
	}
	writeJSON(w, http.StatusOK, map[string]any{"deviceId": st.DeviceID, "safezones": views})
}

// handlePutZone creates a zone when the body has no zoneId and partially
// updates the named zone otherwise.
func (s *Server) handlePutZone(w http.ResponseWriter, r *http.Request) {
	var req zoneRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "Request body is not valid JSON")
		return
	}

	st, err := s.loadDevice(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	now := s.now().UTC()

	if req.ZoneID == nil || *req.ZoneID == "" {
		p, err := req.create()
		if err != nil {
			s.fail(w, r, err)
			return
		}
		z := domain.SafeZone{DeviceID: st.DeviceID, ZoneID: uuid.NewString(), CreatedAt: now}
		z.Apply(p, now)
		if err := s.store.CreateZone(r.Context(), z); err != nil {
			s.fail(w, r, notFoundAs(err, deviceNotFound(st.DeviceID)))
			return
		}
		s.logger.Info("safe zone created", "device_id", st.DeviceID, "zone_id", z.ZoneID)
		writeJSON(w, http.StatusCreated, map[string]any{"deviceId": st.DeviceID, "safezone": toZoneView(z)})
		return
	}

	zoneID := *req.ZoneID
	zoneMissing := newAPIError(http.StatusNotFound, domain.CodeZoneNotFound, "Zone "+zoneID+" not found")
	z, err := s.store.GetZone(r.Context(), st.DeviceID, zoneID)
	if err != nil {
		s.fail(w, r, notFoundAs(err, zoneMissing))
		return
	}
	p, err := req.patch()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	z.Apply(p, now)
	if err := s.store.UpdateZone(r.Context(), z); err != nil {
		s.fail(w, r, notFoundAs(err, zoneMissing))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deviceId": st.DeviceID, "safezone": toZoneView(z)})
}

func (s *Server) handleDeleteZone(w http.ResponseWriter, r *http.Request) {
	st, err := s.loadDevice(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	zoneID := r.PathValue("zoneId")
	if err := s.store.DeleteZone(r.Context(), st.DeviceID, zoneID); err != nil {
		s.fail(w, r, notFoundAs(err, newAPIError(http.StatusNotFound, domain.CodeZoneNotFound, "Zone "+zoneID+" not found")))
		return
	}
	s.logger.Info("safe zone deleted", "device_id", st.DeviceID, "zone_id", zoneID)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "zoneId": zoneID})
}
