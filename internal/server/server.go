package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/audiolibrelab/meetcapture/internal/config"
	"github.com/audiolibrelab/meetcapture/internal/errs"
	"github.com/audiolibrelab/meetcapture/internal/mix"
	"github.com/audiolibrelab/meetcapture/internal/progress"
	"github.com/audiolibrelab/meetcapture/internal/recording"
	"github.com/audiolibrelab/meetcapture/internal/service"
	"github.com/audiolibrelab/meetcapture/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// Server represents the web server for controlling MeetCapture
type Server struct {
	service    service.Service
	configFile string
	addr       string
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Detail  service.Status `json:"detail"`
}

// ProgressResponse represents the JSON response for progress endpoint
type ProgressResponse struct {
	Active   bool            `json:"active"`
	Progress progress.Update `json:"progress"`
}

// StopResponse is returned once a recording has been processed
type StopResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Result  *mix.Result `json:"result,omitempty"`
	Warning string      `json:"warning,omitempty"`
}

// RecordingInfo describes a finished artifact
type RecordingInfo struct {
	Name      string            `json:"name"`
	Path      string            `json:"path"`
	SizeHuman string            `json:"size_human"`
	Metadata  *storage.Metadata `json:"metadata"`
	StreamURL string            `json:"stream_url"`
}

// SourceInfo contains information about a capture target
type SourceInfo struct {
	ID          uint32 `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
	Primary     bool   `json:"primary"`
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// New creates a new web server instance
func New(svc service.Service, configFile, addr string) *Server {
	return &Server{
		service:    svc,
		configFile: configFile,
		addr:       addr,
	}
}

// Handler returns the routed API
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/cancel", s.handleCancel)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/progress", s.handleProgress)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/sources", s.handleSources)
	mux.HandleFunc("/recordings", s.handleRecordings)
	mux.HandleFunc("/recordings/stream/", s.handleRecordingStream)
	mux.HandleFunc("/config/profiles", s.handleProfiles)
	mux.HandleFunc("/config/select", s.handleSelectProfile)
	return mux
}

// Start serves until ctx is cancelled, then shuts down and force-cancels any
// active recording
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	_, port, _ := net.SplitHostPort(s.addr)
	slog.Info("Starting MeetCapture Web Server",
		"address", s.addr,
		"local_url", fmt.Sprintf("http://%s:%s", getLocalIP(), port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", port))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down web server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.service.Close()
	return err
}

// handleIndex lists the API
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(defaultHTML))
}

const defaultHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>MeetCapture</title>
</head>
<body>
    <h1>MeetCapture</h1>
    <h2>API Endpoints:</h2>
    <ul>
        <li>POST /start - Start recording</li>
        <li>POST /stop - Stop recording and mix</li>
        <li>POST /cancel - Cancel the current operation</li>
        <li>GET /status - Recorder status</li>
        <li>GET /progress - Mixing progress</li>
        <li>GET /recordings - Finished recordings</li>
        <li>GET /sources - Capture targets</li>
        <li>GET /config/profiles - List profiles</li>
    </ul>
</body>
</html>`

// handleStart begins a recording (Idle -> Recording)
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	// The recording outlives the request
	session, err := s.service.StartRecording(context.WithoutCancel(r.Context()))
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to start recording: %v", err), "operation", "start")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Recording started",
		"session": session,
	})
}

// handleStop stops the recording and returns once it has been processed
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	result, err := s.service.StopRecording(context.WithoutCancel(r.Context()))
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to stop recording: %v", err), "operation", "stop")
		return
	}

	resp := StopResponse{Success: true, Message: "Not recording", Result: result}
	if result != nil {
		resp.Message = "Recording stopped and mixed successfully"
		if result.Fallback {
			resp.Message = "Recording stopped, sources saved separately"
			resp.Warning = fmt.Sprintf("Mixing failed: %v", result.Cause)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCancel cancels a transition or force-cancels a recording
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	reason := r.FormValue("reason")
	if reason == "" {
		reason = "user"
	}
	state := s.service.CancelRecording(reason)

	message := "Nothing to cancel"
	if state != recording.StateIdle {
		message = fmt.Sprintf("Cancelled while %s", state)
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: message})
}

// handleStatus returns the current status and session info
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	st := s.service.GetStatus()
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:  st.State.String(),
		Message: s.generateStatusMessage(st),
		Detail:  st,
	})
}

// handleProgress returns the live or last mixing progress
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	u, ok := s.service.GetProgress()
	writeJSON(w, http.StatusOK, ProgressResponse{Active: ok && !u.Done, Progress: u})
}

// handleMetrics returns a resource snapshot
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.service.GetMetrics())
}

// handleSources lists capture targets in selection order
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	targets, err := s.service.ListTargets(r.Context())
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to list capture targets: %v", err), "operation", "sources")
		return
	}

	sources := make([]SourceInfo, 0, len(targets))
	for _, t := range targets {
		sources = append(sources, SourceInfo{
			ID:          t.ID,
			Name:        t.Name,
			Description: t.Description,
			Kind:        string(t.Kind()),
			Primary:     t.Primary,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sources": sources})
}

// handleRecordings returns the finished recordings, newest first
func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	recs, err := s.service.ListRecordings()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list recordings: %v", err), "operation", "recordings")
		return
	}

	infos := make([]RecordingInfo, 0, len(recs))
	for _, rec := range recs {
		name := filepath.Base(rec.Path)
		infos = append(infos, RecordingInfo{
			Name:      name,
			Path:      rec.Path,
			SizeHuman: formatBytes(rec.Metadata.FileSize),
			Metadata:  rec.Metadata,
			StreamURL: "/recordings/stream/" + name,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recordings":       infos,
		"total_count":      len(infos),
		"output_directory": s.service.GetConfig().Output.Directory,
	})
}

// handleRecordingStream streams an artifact from the output directory
func (s *Server) handleRecordingStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filename := strings.TrimPrefix(r.URL.Path, "/recordings/stream/")
	if filename == "" {
		http.Error(w, "Filename required", http.StatusBadRequest)
		return
	}

	// Validate filename (prevent path traversal)
	if strings.Contains(filename, "..") || strings.Contains(filename, "/") || strings.Contains(filename, "\\") {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(filename, storage.ArtifactPrefix) {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	filePath := filepath.Join(s.service.GetConfig().Output.Directory, filename)
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "File not found", http.StatusNotFound)
		} else {
			http.Error(w, "Error accessing file", http.StatusInternalServerError)
		}
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		http.Error(w, "Error accessing file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeContent(w, r, filename, info.ModTime(), file)
}

// handleProfiles returns available configuration profiles
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	names, active, err := config.ListProfiles(s.configFile)
	if err != nil {
		// No config file means only the built-in profile exists
		names, active = []string{config.DefaultProfile}, config.DefaultProfile
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profiles": names,
		"active":   active,
		"loaded":   s.service.GetConfig().Profile,
	})
}

// handleSelectProfile loads another profile into the running service
func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	profile := r.FormValue("profile")
	if profile == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Profile name is required", "operation", "select_profile")
		return
	}
	if err := s.service.LoadProfile(profile); err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to load profile '%s': %v", profile, err), "profile", profile)
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: fmt.Sprintf("Profile '%s' loaded", profile)})
}

// generateStatusMessage describes the state for display
func (s *Server) generateStatusMessage(st service.Status) string {
	switch st.State {
	case recording.StateIdle:
		if st.LastError != "" {
			return st.LastError
		}
		return "Ready to record"
	case recording.StateStartTransition:
		return "Starting capture..."
	case recording.StateRecording:
		return fmt.Sprintf("Recording (%s)", st.Elapsed.Truncate(time.Second))
	case recording.StateStopTransition:
		return "Stopping capture..."
	case recording.StateProcessing:
		return "Mixing recording..."
	default:
		return "An error occurred during the operation"
	}
}

// statusFor maps typed errors to HTTP status codes
func statusFor(err error) int {
	var (
		ce *errs.ConcurrencyError
		pe *errs.PermissionError
		nt *errs.NoCaptureTargetError
		rl *errs.ResourceLimitError
		ca *errs.CancellationError
	)
	switch {
	case errors.As(err, &ce):
		return http.StatusConflict
	case errors.As(err, &pe):
		return http.StatusForbidden
	case errors.As(err, &nt):
		return http.StatusServiceUnavailable
	case errors.As(err, &rl):
		return http.StatusInsufficientStorage
	case errors.As(err, &ca):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{
		"success": false,
		"error":   "Method not allowed",
	})
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	// Log the error with structured context
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	writeJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
