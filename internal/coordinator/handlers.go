package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vorsengineer/cw-rpi-deployment/internal/apperr"
	"github.com/vorsengineer/cw-rpi-deployment/internal/eventbus"
)

const apiVersion = "3.0"

type configRequest struct {
	ProductType  string `json:"product_type"`
	VenueCode    string `json:"venue_code"`
	SerialNumber string `json:"serial_number"`
	MACAddress   string `json:"mac_address"`
}

type configResponse struct {
	ServerIP      string `json:"server_ip"`
	Hostname      string `json:"hostname"`
	ProductType   string `json:"product_type"`
	VenueCode     string `json:"venue_code"`
	ImageURL      string `json:"image_url"`
	ImageSize     int64  `json:"image_size"`
	ImageChecksum string `json:"image_checksum"`
	Version       string `json:"version"`
	Timestamp     string `json:"timestamp"`
}

// handleConfig is the /api/config endpoint: it assigns a hostname (from the
// active batch if one exists, otherwise directly) and returns connection
// and image details for the requesting Pi, per spec.md §5.1 and
// deployment_server.py's get_config.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req configRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.ProductType == "" {
		req.ProductType = "KXP2"
	}
	mac := orUnknown(req.MACAddress)
	serial := orUnknown(req.SerialNumber)

	s.metrics.ConfigRequests.Inc()

	hostname, productType, venueCode := s.assignForConfig(ctx, req.ProductType, req.VenueCode, mac, serial)
	if hostname == "" {
		hostname = fallbackHostname(productType, req.SerialNumber)
	} else {
		s.metrics.HostnamesAssigned.WithLabelValues(productType, venueCode).Inc()
	}

	filename, size, checksum, err := s.resolveImage(ctx, productType)
	if err != nil {
		s.log.WithError(err).WithField("product_type", productType).Error("no active image available")
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("no active image for %s", productType))
		return
	}

	resp := configResponse{
		ServerIP:      s.cfg.PublicServerIP,
		Hostname:      hostname,
		ProductType:   productType,
		VenueCode:     venueCode,
		ImageURL:      fmt.Sprintf("http://%s:8888/images/%s", s.cfg.PublicServerIP, filename),
		ImageSize:     size,
		ImageChecksum: checksum,
		Version:       apiVersion,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	clientIP := clientAddr(r)
	if _, err := s.store.InsertHistory(ctx, hostname, req.MACAddress, req.SerialNumber, clientIP, productType, venueCode); err != nil {
		s.log.WithError(err).Warn("failed to record deployment history")
	}

	s.log.WithFields(map[string]any{"client": clientIP, "hostname": hostname}).Info("config requested")
	writeJSON(w, http.StatusOK, resp)
}

// assignForConfig tries the active batch first, falling through to direct
// assignment when there is no active batch or the batch assignment fails
// (pool exhausted, batch just completed underneath us, ...), matching
// get_config's try/except fallthrough.
func (s *Server) assignForConfig(ctx context.Context, productType, venueCode, mac, serial string) (hostname, resolvedProduct, resolvedVenue string) {
	resolvedProduct, resolvedVenue = productType, venueCode

	if batch, err := s.alloc.GetActiveBatch(ctx); err == nil {
		if h, err := s.alloc.AssignFromBatch(ctx, batch.ID, mac, serial); err == nil {
			return h, batch.ProductType, batch.VenueCode
		} else {
			s.log.WithError(err).WithField("batch_id", batch.ID).Warn("failed to assign from active batch, falling back")
		}
	}

	if venueCode != "" {
		if h, err := s.alloc.Assign(ctx, productType, venueCode, mac, serial); err == nil {
			return h, productType, venueCode
		} else {
			s.log.WithError(err).Warn("direct hostname assignment failed")
		}
	}

	return "", resolvedProduct, resolvedVenue
}

func fallbackHostname(productType, serial string) string {
	if serial == "" {
		return "unknown"
	}
	suffix := serial
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	return fmt.Sprintf("%s-DEFAULT-%s", productType, suffix)
}

// resolveImage returns the active master image's filename, size, and
// checksum for productType, falling back to a computed SHA-256 over
// <product>_master.img in the images directory when no image is registered
// in the store, matching get_active_image's fallback path.
func (s *Server) resolveImage(ctx context.Context, productType string) (filename string, size int64, checksum string, err error) {
	img, err := s.store.ActiveImage(ctx, productType)
	if err == nil {
		return img.Filename, img.SizeBytes, img.Checksum, nil
	}

	fallbackName := strings.ToLower(productType) + "_master.img"
	info, statErr := s.imagesFs.Stat(fallbackName)
	if statErr != nil {
		return "", 0, "", apperr.ErrNotFound
	}

	sum, sumErr := s.checksumFile(fallbackName)
	if sumErr != nil {
		return "", 0, "", sumErr
	}
	return fallbackName, info.Size(), sum, nil
}

func (s *Server) checksumFile(name string) (string, error) {
	f, err := s.imagesFs.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

type statusRequest struct {
	Status       string `json:"status"`
	Hostname     string `json:"hostname"`
	Serial       string `json:"serial"`
	MACAddress   string `json:"mac_address"`
	ErrorMessage string `json:"error_message"`
}

// handleStatus is the /api/status endpoint: clients report imaging
// progress here, moving deployment_history through started -> downloading
// -> verifying -> customizing -> success|failed.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req statusRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Hostname == "" {
		req.Hostname = "unknown"
	}
	if req.Serial == "" {
		req.Serial = "unknown"
	}

	status := normalizeStatus(req.Status)

	if err := s.store.UpdateHistory(ctx, req.Hostname, status, "", req.ErrorMessage); err != nil {
		s.log.WithError(err).Warn("failed to update deployment history")
	}
	s.metrics.StatusReports.WithLabelValues(status).Inc()

	clientIP := clientAddr(r)
	if err := s.statusLog.Append(clientIP, req.Hostname, req.Serial, status); err != nil {
		s.log.WithError(err).Warn("failed to append status log")
	}

	s.bus.Publish(eventbus.TopicDeploymentStatus, map[string]string{
		"hostname": req.Hostname,
		"status":   status,
	})

	s.log.WithFields(map[string]any{"client": clientIP, "hostname": req.Hostname, "status": status}).Info("status received")
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "hostname": req.Hostname})
}

// handleImageDownload streams a master image file, honoring Range requests
// so interrupted transfers can resume, per spec.md §5.1.
func (s *Server) handleImageDownload(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")

	info, err := s.imagesFs.Stat(filename)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "image not found")
		return
	}

	f, err := s.imagesFs.Open(filename)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "image not found")
		return
	}
	defer f.Close()

	s.log.WithFields(map[string]any{"filename": filename, "client": clientAddr(r)}).Info("image download started")

	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, filename, info.ModTime(), f)

	if errors.Is(r.Context().Err(), context.Canceled) {
		s.log.WithField("filename", filename).Debug("image download cancelled by client")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// statusAliases maps the installer's alternative status strings onto the
// canonical deployment_history taxonomy (spec.md §9 Open Questions): the
// source uses "starting" where the rest of the system says "started", and
// the management UI's own SQL filters use "completed" where history rows
// use "success". Accepting the union here keeps every installer build
// compatible without a coordinated rollout.
var statusAliases = map[string]string{
	"starting":  "started",
	"completed": "success",
}

func normalizeStatus(raw string) string {
	if canonical, ok := statusAliases[raw]; ok {
		return canonical
	}
	return raw
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

