package snapqr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/snapqr/snapqr/pkg/snapqr/camera"
	"github.com/snapqr/snapqr/pkg/snapqr/scanner"
)

const (
	previewInterval   = 40 * time.Millisecond
	wsWriteTimeout    = 5 * time.Second
	serverReadTimeout = 10 * time.Second
)

// Server exposes the controller over a local HTTP API, an MJPEG preview and
// a websocket pushing status snapshots.
type Server struct {
	logger     *zap.SugaredLogger
	controller *Controller
	upgrader   websocket.Upgrader
	httpServer *http.Server

	clientsMutex sync.RWMutex
	clients      map[*wsClient]struct{}

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(msg EventMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(msg)
}

// EventMessage is one websocket frame.
type EventMessage struct {
	Type      string `json:"type"`
	Data      Status `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// NewServer creates a server for controller listening on address.
func NewServer(logger *zap.SugaredLogger, controller *Controller, address string) *Server {
	logger = logger.Named("server")

	s := &Server{
		logger:     logger,
		controller: controller,
		upgrader: websocket.Upgrader{
			CheckOrigin: sameHostOrigin,
		},
		clients: make(map[*wsClient]struct{}),
		done:    make(chan struct{}),
	}

	s.httpServer = &http.Server{
		Addr:              address,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: serverReadTimeout,
	}

	go s.broadcastChanges(controller.SubscribeToChanges())

	logger.Debugw("Created server instance", "address", address)
	return s
}

// SetupRoutes configures all API routes
func (s *Server) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.status).Methods(http.MethodGet)
	api.HandleFunc("/events", s.events).Methods(http.MethodGet)

	api.HandleFunc("/camera/open", s.openCamera).Methods(http.MethodPost)
	api.HandleFunc("/camera/toggle", s.toggleCamera).Methods(http.MethodPost)
	api.HandleFunc("/camera/capture", s.capture).Methods(http.MethodPost)
	api.HandleFunc("/camera/retake", s.retake).Methods(http.MethodPost)
	api.HandleFunc("/camera/preview", s.preview).Methods(http.MethodGet)

	api.HandleFunc("/photo", s.downloadPhoto).Methods(http.MethodGet)
	api.HandleFunc("/photo/save", s.savePhoto).Methods(http.MethodPost)

	api.HandleFunc("/scanner/open", s.openScanner).Methods(http.MethodPost)
	api.HandleFunc("/scanner/again", s.scanAgain).Methods(http.MethodPost)
	api.HandleFunc("/scanner/clear", s.clearResults).Methods(http.MethodPost)

	api.HandleFunc("/results", s.results).Methods(http.MethodGet)
	api.HandleFunc("/results/{id}/select", s.selectResult).Methods(http.MethodPost)
	api.HandleFunc("/results/{id}/copy", s.copyResult).Methods(http.MethodPost)
	api.HandleFunc("/results/{id}/open", s.openResult).Methods(http.MethodPost)

	api.HandleFunc("/back", s.back).Methods(http.MethodPost)
	api.HandleFunc("/retry", s.retry).Methods(http.MethodPost)
	api.HandleFunc("/actions/{action}", s.perform).Methods(http.MethodPost)

	return router
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Infow("HTTP API listening", "address", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Warnw("HTTP API stopped", "error", err)
		return fmt.Errorf("serve http api: %w", err)
	}
	return nil
}

// Stop shuts the server down and disconnects websocket clients.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })

	s.clientsMutex.Lock()
	for client := range s.clients {
		client.conn.Close()
	}
	s.clients = make(map[*wsClient]struct{})
	s.clientsMutex.Unlock()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http api: %w", err)
	}

	s.logger.Debug("HTTP API stopped")
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("healthy"))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) openCamera(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.controller.OpenCamera(r.Context()))
}

func (s *Server) toggleCamera(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.controller.ToggleCamera(r.Context()))
}

func (s *Server) capture(w http.ResponseWriter, r *http.Request) {
	photo, err := s.controller.TakePhoto()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, photo)
}

func (s *Server) retake(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.controller.RetakePhoto())
}

// preview streams the live frames as multipart/x-mixed-replace JPEG parts.
func (s *Server) preview(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(previewInterval)
	defer ticker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
		}

		frame, err := s.controller.LatestFrame()
		if err != nil || frame.Seq == lastSeq {
			continue
		}
		lastSeq = frame.Seq

		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":   {"image/jpeg"},
			"Content-Length": {strconv.Itoa(len(frame.Data))},
		})
		if err != nil {
			return
		}
		if _, err := part.Write(frame.Data); err != nil {
			s.logger.Debugw("Preview client went away", "error", err)
			return
		}
		flusher.Flush()
	}
}

func (s *Server) downloadPhoto(w http.ResponseWriter, r *http.Request) {
	photo, ok := s.controller.Photo()
	if !ok {
		writeError(w, ErrNoPhoto)
		return
	}

	w.Header().Set("Content-Type", photo.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", photo.Filename()))
	w.Header().Set("Content-Length", strconv.Itoa(len(photo.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(photo.Data)
}

func (s *Server) savePhoto(w http.ResponseWriter, r *http.Request) {
	path, err := s.controller.SavePhoto()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

func (s *Server) openScanner(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.controller.OpenScanner(r.Context()))
}

func (s *Server) scanAgain(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.controller.ScanAgain(r.Context()))
}

func (s *Server) clearResults(w http.ResponseWriter, r *http.Request) {
	s.controller.ClearResults()
	s.respond(w, nil)
}

func (s *Server) results(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Results())
}

func (s *Server) selectResult(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.controller.SelectResult(mux.Vars(r)["id"]))
}

func (s *Server) copyResult(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.controller.CopyResult(mux.Vars(r)["id"]))
}

func (s *Server) openResult(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.controller.OpenResult(mux.Vars(r)["id"]))
}

func (s *Server) back(w http.ResponseWriter, r *http.Request) {
	s.controller.Back()
	s.respond(w, nil)
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.controller.Retry(r.Context()))
}

func (s *Server) perform(w http.ResponseWriter, r *http.Request) {
	action, err := ParseAction(mux.Vars(r)["action"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	s.respond(w, s.controller.Perform(r.Context(), action))
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugw("Websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{conn: conn}

	s.clientsMutex.Lock()
	s.clients[client] = struct{}{}
	s.clientsMutex.Unlock()

	s.logger.Debugw("Websocket client connected", "remote", r.RemoteAddr)

	if err := client.send(statusMessage(s.controller.Status())); err != nil {
		s.dropClient(client)
		return
	}

	// only reads are for noticing the disconnect
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.dropClient(client)
			return
		}
	}
}

func (s *Server) broadcastChanges(changes <-chan Status) {
	for {
		select {
		case <-s.done:
			return
		case status := <-changes:
			msg := statusMessage(status)

			s.clientsMutex.RLock()
			clients := make([]*wsClient, 0, len(s.clients))
			for client := range s.clients {
				clients = append(clients, client)
			}
			s.clientsMutex.RUnlock()

			for _, client := range clients {
				if err := client.send(msg); err != nil {
					s.dropClient(client)
				}
			}
		}
	}
}

func (s *Server) dropClient(client *wsClient) {
	s.clientsMutex.Lock()
	delete(s.clients, client)
	s.clientsMutex.Unlock()

	client.conn.Close()
	s.logger.Debug("Websocket client disconnected")
}

// respond writes the status snapshot after a successful action.
func (s *Server) respond(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func statusMessage(status Status) EventMessage {
	return EventMessage{Type: "status", Data: status, Timestamp: time.Now().UnixMilli()}
}

type errorBody struct {
	Error string            `json:"error"`
	Kind  *camera.ErrorKind `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}

	var camErr *camera.Error
	if errors.As(err, &camErr) {
		kind := camErr.Kind
		body.Error = kind.Message()
		body.Kind = &kind
	}

	writeJSON(w, statusCode(err), body)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, ErrWrongScreen), errors.Is(err, camera.ErrNotActive), errors.Is(err, camera.ErrDeviceBusy):
		return http.StatusConflict
	case errors.Is(err, ErrNoPhoto), errors.Is(err, ErrNoResult), errors.Is(err, scanner.ErrUnknownResult),
		errors.Is(err, camera.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotALink), errors.Is(err, camera.ErrOverconstrained):
		return http.StatusUnprocessableEntity
	case errors.Is(err, camera.ErrPermissionDenied), errors.Is(err, camera.ErrInsecureContext):
		return http.StatusForbidden
	case errors.Is(err, camera.ErrUnsupported), errors.Is(err, camera.ErrElementUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// sameHostOrigin accepts websocket upgrades from pages served by this host
// and from non-browser clients that send no Origin.
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return parsed.Host == r.Host
}
