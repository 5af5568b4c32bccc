package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"gateattend/internal/attendance"
	"gateattend/internal/auth"
)

const (
	defaultRecentLimit = 10
	maxRecentLimit     = 50
)

type scanResponse struct {
	OK           bool               `json:"ok"`
	Student      attendance.Student `json:"student"`
	AttendanceID string             `json:"attendance_id"`
	Status       string             `json:"status"`
	ScannedAt    time.Time          `json:"scanned_at"`
	CardCreated  bool               `json:"card_created"`
}

// scanStatus is the HTTP status for each scan result code.
var scanStatus = map[string]int{
	"invalid_request":             http.StatusBadRequest,
	"gateway_or_device_not_found": http.StatusNotFound,
	"student_not_found":           http.StatusNotFound,
	"card_not_registered":         http.StatusNotFound,
	"already_recorded":            http.StatusConflict,
	"card_creation_failed":        http.StatusInternalServerError,
	"attendance_recording_failed": http.StatusInternalServerError,
	"internal_server_error":       http.StatusInternalServerError,
}

func (s *Server) handleScan(c *gin.Context) {
	var req attendance.ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request")
		return
	}

	if s.auth.Required {
		claims, ok := auth.FromContext(c)
		if !ok {
			writeError(c, http.StatusUnauthorized, "unauthorized")
			return
		}
		if req.DeviceCode != "" && claims.Subject != req.DeviceCode {
			writeError(c, http.StatusForbidden, "device_mismatch")
			return
		}
	}

	res, err := s.svc.Scan(c.Request.Context(), req)
	if err != nil {
		code := attendance.ResultCode(err)
		status, ok := scanStatus[code]
		if !ok {
			status = http.StatusInternalServerError
		}
		if status >= http.StatusInternalServerError {
			s.logger.Printf("scan error: %v", err)
		}
		writeError(c, status, code)
		return
	}

	c.JSON(http.StatusOK, scanResponse{
		OK:           true,
		Student:      res.Student,
		AttendanceID: res.AttendanceID,
		Status:       res.Status,
		ScannedAt:    res.ScannedAt,
		CardCreated:  res.CardCreated,
	})
}

func (s *Server) handleDeviceToken(c *gin.Context) {
	var req struct {
		DeviceCode string `json:"device_code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.DeviceCode) == "" {
		writeError(c, http.StatusBadRequest, "invalid_request")
		return
	}

	device, err := s.svc.LookupDevice(c.Request.Context(), req.DeviceCode)
	if errors.Is(err, attendance.ErrDeviceNotFound) {
		writeError(c, http.StatusNotFound, "device_not_found")
		return
	}
	if err != nil {
		s.logger.Printf("device token: %v", err)
		writeError(c, http.StatusInternalServerError, "internal_server_error")
		return
	}

	tok, err := auth.IssueDeviceToken(device.DeviceCode, s.auth.Issuer, s.auth.SigningKey, s.auth.TTL)
	if err != nil {
		s.logger.Printf("device token: issue for %s: %v", device.DeviceCode, err)
		writeError(c, http.StatusInternalServerError, "internal_server_error")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"ok":           true,
		"access_token": tok.AccessToken,
		"expires_at":   tok.ExpiresAt.Unix(),
	})
}

func (s *Server) handleRecentEntries(c *gin.Context) {
	limit := defaultRecentLimit
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(c, http.StatusBadRequest, "invalid_request")
			return
		}
		limit = min(parsed, maxRecentLimit)
	}

	ctx := c.Request.Context()
	if s.feed != nil {
		// The feed can miss entries (restart, failed publish). Only trust it
		// when it fills the whole page; otherwise read the ledger.
		entries, err := s.feed.Recent(ctx, s.svc.Now(), limit)
		if err != nil {
			s.logger.Printf("recent entries: feed: %v", err)
		} else if len(entries) >= limit {
			c.JSON(http.StatusOK, gin.H{"ok": true, "entries": entries, "source": "feed"})
			return
		}
	}

	entries, err := s.svc.RecentGateEntries(ctx, limit)
	if err != nil {
		s.logger.Printf("recent entries: %v", err)
		writeError(c, http.StatusInternalServerError, "internal_server_error")
		return
	}
	if entries == nil {
		entries = []attendance.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "entries": entries, "source": "ledger"})
}

func (s *Server) handleTodayStats(c *gin.Context) {
	stats, err := s.svc.TodayStats(c.Request.Context())
	if err != nil {
		s.logger.Printf("today stats: %v", err)
		writeError(c, http.StatusInternalServerError, "internal_server_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":                 true,
		"date":               stats.Date,
		"today_attendance":   stats.TodayAttendance,
		"today_gate_entries": stats.TodayGateEntries,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range s.health {
		healthy := check(ctx)
		body[name] = healthy
		if !healthy {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}
