package snapqr

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"go.uber.org/zap"

	"github.com/snapqr/snapqr/pkg/snapqr/util"
)

// ErrShutterDisabled is returned by Start when no serial port is configured.
var ErrShutterDisabled = errors.New("shutter: no serial port configured")

const (
	pressConsumerBuffer = 8

	// Close doesn't interrupt a blocking tty read
	defaultShutterStopTimeout = time.Second
)

// Shutter reads button presses from a serial button box and maps them to
// controller actions.
type Shutter struct {
	logger      *zap.SugaredLogger
	config      *CanonicalConfig
	open        func(serial.OpenOptions) (io.ReadWriteCloser, error)
	stopTimeout time.Duration

	mu          sync.Mutex
	connOptions serial.OpenOptions
	conn        io.ReadWriteCloser
	readDone    chan struct{}

	pressConsumers []chan ButtonPressEvent
}

// ButtonPressEvent is a single button press and the actions mapped to it.
type ButtonPressEvent struct {
	Button  int
	Actions []Action
}

// one or more pressed button indices per line, e.g. "0" or "0|2"
var expectedLinePattern = regexp.MustCompile(`^\d{1,3}(\|\d{1,3})*$`)

// NewShutter creates a shutter that follows the serial settings in config.
func NewShutter(logger *zap.SugaredLogger, config *CanonicalConfig) *Shutter {
	logger = logger.Named("shutter")

	s := &Shutter{
		logger:      logger,
		config:      config,
		open:        serial.Open,
		stopTimeout: defaultShutterStopTimeout,
	}

	logger.Debug("Created shutter instance")
	s.setupOnConfigReload()

	return s
}

// Start opens the serial connection and starts reading presses.
func (s *Shutter) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		s.logger.Warn("Connection already active, cannot start a new one")
		return errors.New("shutter: connection already active")
	}

	info := s.config.Settings().Shutter
	if info.COMPort == "" {
		return ErrShutterDisabled
	}

	minimumReadSize := 0
	if util.Linux() {
		minimumReadSize = 1
	}

	s.connOptions = serial.OpenOptions{
		PortName:        info.COMPort,
		BaudRate:        uint(info.BaudRate),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: uint(minimumReadSize),
	}

	s.logger.Debugw("Opening serial connection",
		"comPort", s.connOptions.PortName,
		"baudRate", s.connOptions.BaudRate,
		"minReadSize", minimumReadSize)

	conn, err := s.open(s.connOptions)
	if err != nil {
		s.logger.Warnw("Failed to open serial connection", "error", err)
		return fmt.Errorf("open serial connection: %w", err)
	}

	s.conn = conn
	s.readDone = make(chan struct{})
	s.logger.Infow("Serial connection established", "port", s.connOptions.PortName, "buttons", info.ButtonMapping)
	if info.ButtonMapping != nil {
		info.ButtonMapping.iterate(func(button int, actions []Action) {
			s.logger.Debugw("Button mapped", "button", button, "actions", actions)
		})
	}

	go s.readLoop(conn, s.readDone)

	return nil
}

// Stop closes the serial connection and waits for the read loop to exit. A
// read loop stuck in a blocking read is abandoned after the stop timeout; it
// emits nothing once its connection is no longer the active one.
func (s *Shutter) Stop() {
	s.mu.Lock()
	conn, done := s.conn, s.readDone
	s.mu.Unlock()

	if conn == nil {
		s.logger.Debug("No active connection to stop")
		return
	}

	s.logger.Debug("Closing serial connection")
	if err := conn.Close(); err != nil {
		s.logger.Warnw("Error closing serial connection", "error", err)
	}

	select {
	case <-done:
	case <-time.After(s.stopTimeout):
		s.logger.Warnw("Serial read loop didn't exit in time, abandoning it", "timeout", s.stopTimeout)
		s.closeConnection(conn)
	}
}

// Connected reports whether a serial connection is open.
func (s *Shutter) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// SubscribeToButtonPresses returns a channel receiving every mapped press.
func (s *Shutter) SubscribeToButtonPresses() chan ButtonPressEvent {
	ch := make(chan ButtonPressEvent, pressConsumerBuffer)

	s.mu.Lock()
	s.pressConsumers = append(s.pressConsumers, ch)
	s.mu.Unlock()

	return ch
}

// setupOnConfigReload reconnects when the port settings change
func (s *Shutter) setupOnConfigReload() {
	configReloadedChannel := s.config.SubscribeToChanges()

	go func() {
		for range configReloadedChannel {
			if !s.needsReconnect() {
				continue
			}

			s.logger.Info("Config change detected, reconnecting")
			s.Stop()

			if err := s.Start(); err != nil && !errors.Is(err, ErrShutterDisabled) {
				s.logger.Warnw("Failed to reconnect", "error", err)
			} else {
				s.logger.Debug("Reconnection done")
			}
		}
	}()
}

// readLoop reads lines until the connection fails or is closed
func (s *Shutter) readLoop(conn io.ReadWriteCloser, done chan struct{}) {
	defer close(done)

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			s.logger.Debugw("Serial read loop ended", "error", err)
			s.closeConnection(conn)
			return
		}
		if !s.active(conn) {
			return
		}
		s.processLine(strings.TrimRight(line, "\r\n"))
	}
}

// processLine parses a line of button indices and emits press events
func (s *Shutter) processLine(line string) {
	if !expectedLinePattern.MatchString(line) {
		return
	}

	mapping := s.config.Settings().Shutter.ButtonMapping
	if mapping == nil {
		return
	}

	var events []ButtonPressEvent
	for _, val := range strings.Split(line, "|") {
		button, err := strconv.Atoi(val)
		if err != nil {
			s.logger.Debugw("Invalid button value", "value", val, "line", line)
			return
		}

		actions, ok := mapping.get(button)
		if !ok {
			s.logger.Debugw("Unmapped button pressed", "button", button)
			continue
		}
		events = append(events, ButtonPressEvent{Button: button, Actions: actions})
	}

	s.mu.Lock()
	consumers := s.pressConsumers
	s.mu.Unlock()

	for _, event := range events {
		for _, ch := range consumers {
			select {
			case ch <- event:
			default:
				s.logger.Debugw("Dropping button press for busy consumer", "button", event.Button)
			}
		}
	}
}

func (s *Shutter) active(conn io.ReadWriteCloser) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == conn
}

// closeConnection forgets conn if it's still the active connection
func (s *Shutter) closeConnection(conn io.ReadWriteCloser) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != conn {
		return
	}

	conn.Close()
	s.conn = nil
	s.logger.Debug("Serial connection closed")
}

// needsReconnect checks if the connection parameters have changed
func (s *Shutter) needsReconnect() bool {
	info := s.config.Settings().Shutter

	s.mu.Lock()
	defer s.mu.Unlock()

	return info.COMPort != s.connOptions.PortName ||
		uint(info.BaudRate) != s.connOptions.BaudRate
}
