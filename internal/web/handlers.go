package web

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vzahanych/home-hub/internal/devices"
	"github.com/vzahanych/home-hub/internal/events"
	"github.com/vzahanych/home-hub/internal/health"
	"github.com/vzahanych/home-hub/internal/mqtt"
	"github.com/vzahanych/home-hub/internal/service"
	"github.com/vzahanych/home-hub/internal/state"
	"github.com/vzahanych/home-hub/internal/telemetry"
	"github.com/vzahanych/home-hub/internal/video"
)

// respondError maps domain errors to status codes
func (s *Server) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, state.ErrDeviceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, devices.ErrInvalidCommand), errors.Is(err, devices.ErrUnsupportedCommand):
		status = http.StatusBadRequest
	case errors.Is(err, mqtt.ErrDisabled), errors.Is(err, video.ErrSourceUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status >= http.StatusInternalServerError {
		s.LogError("Request failed", err, "path", c.Request.URL.Path, "status", status)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) requireDevices(c *gin.Context) bool {
	if s.devices == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Device service not available"})
		return false
	}
	return true
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "web-server",
		})
		return
	}

	report := s.health.Check(c.Request.Context())
	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

// handleStatus handles the system status endpoint
func (s *Server) handleStatus(c *gin.Context) {
	uptime := time.Since(s.startTime)

	status := "healthy"
	if s.GetStatus().GetStatus() != service.StatusRunning {
		status = "unhealthy"
	}

	resp := gin.H{
		"status":         status,
		"uptime":         uptime.String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"version":        s.version,
		"timestamp":      time.Now().Format(time.RFC3339),
	}
	if s.streams != nil {
		resp["active_streams"] = len(s.streams.List())
	}
	if s.metrics != nil {
		resp["events_emitted"] = s.metrics.EventsEmitted.Load()
		resp["events_dropped"] = s.metrics.EventsDropped.Load()
		resp["stream_clients"] = s.metrics.StreamClients.Load()
	}
	if s.services != nil {
		statuses := s.services.GetAllStatuses()
		snaps := make([]service.StatusSnapshot, 0, len(statuses))
		for _, st := range statuses {
			snaps = append(snaps, st.Snapshot())
		}
		sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
		resp["service_count"] = s.services.GetServiceCount()
		resp["services"] = snaps
	}
	if s.lifecycle != nil {
		resp["previous_shutdown"] = s.lifecycle.PreviousShutdown()
	}
	c.JSON(http.StatusOK, resp)
}

// handleServiceStatus reports a single hub service
func (s *Server) handleServiceStatus(c *gin.Context) {
	if s.services == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service directory not available"})
		return
	}
	st := s.services.GetServiceStatus(c.Param("name"))
	if st == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown service: " + c.Param("name")})
		return
	}
	c.JSON(http.StatusOK, st.Snapshot())
}

type registerDeviceRequest struct {
	ID                    string   `json:"id"`
	HomeID                string   `json:"home_id"`
	RoomID                string   `json:"room_id"`
	Name                  string   `json:"name" binding:"required"`
	CustomName            string   `json:"custom_name"`
	ControllerMAC         string   `json:"controller_mac"`
	Type                  string   `json:"type" binding:"required,oneof=LIGHT FAN CAMERA SENSOR light fan camera sensor"`
	State                 string   `json:"status"`
	Speed                 *int     `json:"speed" binding:"omitempty,min=0,max=3"`
	Temperature           *float64 `json:"temperature"`
	Humidity              *float64 `json:"humidity"`
	Threshold             *float64 `json:"threshold"`
	StreamURL             string   `json:"stream_url"`
	HumanDetectionEnabled bool     `json:"human_detection_enabled"`
}

type updateDeviceRequest struct {
	RoomID                *string  `json:"room_id"`
	CustomName            *string  `json:"custom_name"`
	Threshold             *float64 `json:"threshold"`
	StreamURL             *string  `json:"stream_url"`
	HumanDetectionEnabled *bool    `json:"human_detection_enabled"`
}

// deviceToJSON converts a device to its API response
func (s *Server) deviceToJSON(dev *state.Device) gin.H {
	resp := gin.H{
		"id":                      dev.ID,
		"home_id":                 dev.HomeID,
		"room_id":                 dev.RoomID,
		"name":                    dev.Name,
		"custom_name":             dev.CustomName,
		"display_name":            dev.DisplayName(),
		"controller_mac":          dev.ControllerMAC,
		"type":                    dev.Type,
		"status":                  dev.State,
		"speed":                   dev.Speed,
		"temperature":             dev.Temperature,
		"humidity":                dev.Humidity,
		"threshold":               dev.Threshold,
		"stream_url":              dev.StreamURL,
		"human_detection_enabled": dev.HumanDetectionEnabled,
		"online":                  telemetry.IsOnline(dev.LastSeen, time.Now(), s.offlineThreshold()),
		"created_at":              dev.CreatedAt.Format(time.RFC3339),
		"updated_at":              dev.UpdatedAt.Format(time.RFC3339),
	}
	if dev.LastSeen != nil {
		resp["last_seen"] = dev.LastSeen.Format(time.RFC3339)
	}
	return resp
}

func (s *Server) offlineThreshold() time.Duration {
	if t, ok := s.devices.(interface{ OfflineThreshold() time.Duration }); ok {
		return t.OfflineThreshold()
	}
	return telemetry.DefaultOfflineThreshold
}

// handleListDevices lists devices, optionally by room, home or type.
// unassigned=true lists devices waiting to be placed in a room.
func (s *Server) handleListDevices(c *gin.Context) {
	if !s.requireDevices(c) {
		return
	}

	opts := state.ListDevicesOptions{
		HomeID: c.Query("home_id"),
		RoomID: c.Query("room_id"),
		Type:   state.DeviceType(strings.ToUpper(c.Query("type"))),
	}
	if unassigned, err := strconv.ParseBool(c.DefaultQuery("unassigned", "false")); err == nil {
		opts.Unassigned = unassigned
	}
	list, err := s.devices.List(c.Request.Context(), opts)
	if err != nil {
		s.respondError(c, err)
		return
	}

	resp := make([]gin.H, 0, len(list))
	for i := range list {
		resp = append(resp, s.deviceToJSON(&list[i]))
	}
	c.JSON(http.StatusOK, gin.H{
		"devices": resp,
		"count":   len(resp),
	})
}

// handleRegisterDevice handles adding a device
func (s *Server) handleRegisterDevice(c *gin.Context) {
	if !s.requireDevices(c) {
		return
	}

	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dev, err := s.devices.Register(c.Request.Context(), state.Device{
		ID:                    req.ID,
		HomeID:                req.HomeID,
		RoomID:                req.RoomID,
		Name:                  req.Name,
		CustomName:            req.CustomName,
		ControllerMAC:         req.ControllerMAC,
		Type:                  state.DeviceType(req.Type),
		State:                 req.State,
		Speed:                 req.Speed,
		Temperature:           req.Temperature,
		Humidity:              req.Humidity,
		Threshold:             req.Threshold,
		StreamURL:             req.StreamURL,
		HumanDetectionEnabled: req.HumanDetectionEnabled,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.deviceToJSON(dev))
}

// handleGetDevice reads one device. Each read feeds the transition detector.
func (s *Server) handleGetDevice(c *gin.Context) {
	if !s.requireDevices(c) {
		return
	}

	dev, err := s.devices.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deviceToJSON(dev))
}

// handleUpdateDevice handles room assignment, renaming and thresholds
func (s *Server) handleUpdateDevice(c *gin.Context) {
	if !s.requireDevices(c) {
		return
	}

	var req updateDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dev, err := s.devices.Update(c.Request.Context(), c.Param("id"), state.DeviceUpdate{
		RoomID:                req.RoomID,
		CustomName:            req.CustomName,
		Threshold:             req.Threshold,
		StreamURL:             req.StreamURL,
		HumanDetectionEnabled: req.HumanDetectionEnabled,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deviceToJSON(dev))
}

// handleDeleteDevice handles removing a device
func (s *Server) handleDeleteDevice(c *gin.Context) {
	if !s.requireDevices(c) {
		return
	}

	if err := s.devices.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Device deleted successfully"})
}

// handleCommand publishes a control command to the device
func (s *Server) handleCommand(c *gin.Context) {
	if !s.requireDevices(c) {
		return
	}

	var cmd mqtt.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dev, err := s.devices.Command(c.Request.Context(), c.Param("id"), cmd)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Command sent successfully",
		"device":  s.deviceToJSON(dev),
	})
}

// handleTelemetry accepts a state report from a device
func (s *Server) handleTelemetry(c *gin.Context) {
	if !s.requireDevices(c) {
		return
	}

	var report devices.Telemetry
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dev, err := s.devices.ReportTelemetry(c.Request.Context(), c.Param("id"), report)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deviceToJSON(dev))
}

// handleListActivity lists audit records with filtering and pagination
func (s *Server) handleListActivity(c *gin.Context) {
	if s.activity == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Activity log not available"})
		return
	}

	opts := state.ListActivityOptions{
		HomeID:   c.Query("home_id"),
		DeviceID: c.Query("device_id"),
		Kind:     c.Query("kind"),
		Severity: c.Query("severity"),
	}

	if startTimeStr := c.Query("start_time"); startTimeStr != "" {
		startTime, err := time.Parse(time.RFC3339, startTimeStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "start_time must be RFC3339"})
			return
		}
		opts.StartTime = startTime
	}
	if endTimeStr := c.Query("end_time"); endTimeStr != "" {
		endTime, err := time.Parse(time.RFC3339, endTimeStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "end_time must be RFC3339"})
			return
		}
		opts.EndTime = endTime
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			opts.Limit = limit
		}
	}
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset >= 0 {
			opts.Offset = offset
		}
	}

	logs, total, err := s.activity.ListActivity(c.Request.Context(), opts)
	if err != nil {
		s.respondError(c, err)
		return
	}

	records := make([]events.Event, 0, len(logs))
	for _, l := range logs {
		records = append(records, events.FromActivityLog(l))
	}
	c.JSON(http.StatusOK, gin.H{
		"activity": records,
		"count":    len(records),
		"total":    total,
		"limit":    opts.Limit,
		"offset":   opts.Offset,
	})
}

// handleEventsWebsocket upgrades to the live event feed
func (s *Server) handleEventsWebsocket(c *gin.Context) {
	if s.eventHub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Event feed not available"})
		return
	}
	s.eventHub.ServeHTTP(c.Writer, c.Request)
}
