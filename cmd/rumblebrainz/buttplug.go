package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/gorilla/websocket"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// Buttplug message type names (message spec v3).
const (
	bpRequestServerInfo = "RequestServerInfo"
	bpServerInfo        = "ServerInfo"
	bpStartScanning     = "StartScanning"
	bpStopScanning      = "StopScanning"
	bpScanningFinished  = "ScanningFinished"
	bpRequestDeviceList = "RequestDeviceList"
	bpDeviceList        = "DeviceList"
	bpDeviceAdded       = "DeviceAdded"
	bpDeviceRemoved     = "DeviceRemoved"
	bpScalarCmd         = "ScalarCmd"
	bpStopDeviceCmd     = "StopDeviceCmd"
	bpStopAllDevices    = "StopAllDevices"
	bpPing              = "Ping"
	bpOk                = "Ok"
	bpError             = "Error"

	actuatorVibrate = "Vibrate"
)

// ButtplugConfig configures the Buttplug server connection.
type ButtplugConfig struct {
	URL         string
	ClientName  string
	ReadTimeout time.Duration
	ScanWindow  time.Duration
	// DeviceName selects the first device whose name contains it (case-insensitive).
	// It may use glob wildcards. Empty selects the first device with vibration motors.
	DeviceName string
}

type bpScalarAttr struct {
	FeatureDescriptor string `json:"FeatureDescriptor"`
	StepCount         int    `json:"StepCount"`
	ActuatorType      string `json:"ActuatorType"`
}

type bpDevice struct {
	DeviceName     string `json:"DeviceName"`
	DeviceIndex    uint32 `json:"DeviceIndex"`
	DeviceMessages struct {
		ScalarCmd []bpScalarAttr `json:"ScalarCmd"`
	} `json:"DeviceMessages"`
}

// vibrateFeatures returns the ScalarCmd feature indices of the device's vibration motors.
func (d bpDevice) vibrateFeatures() []int {
	var idx []int
	for i, attr := range d.DeviceMessages.ScalarCmd {
		if attr.ActuatorType == actuatorVibrate {
			idx = append(idx, i)
		}
	}
	return idx
}

type bpReply struct {
	Type string
	Raw  json.RawMessage
}

// decodeButtplug splits a server frame into its messages.
func decodeButtplug(data []byte) ([]bpReply, error) {
	var arr []map[string]json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, fmt.Errorf("decode buttplug frame: %w", err)
	}
	out := make([]bpReply, 0, len(arr))
	for _, m := range arr {
		for typ, raw := range m {
			out = append(out, bpReply{Type: typ, Raw: raw})
		}
	}
	return out, nil
}

func (r bpReply) id() uint32 {
	var h struct {
		ID uint32 `json:"Id"`
	}
	_ = json.Unmarshal(r.Raw, &h)
	return h.ID
}

// bpSession is one live websocket connection. Only readLoop reads from conn.
type bpSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint32]chan bpReply
	err     error
	done    chan struct{}
}

func newBPSession(conn *websocket.Conn) *bpSession {
	return &bpSession{
		conn:    conn,
		pending: make(map[uint32]chan bpReply),
		done:    make(chan struct{}),
	}
}

func (s *bpSession) register(id uint32) chan bpReply {
	ch := make(chan bpReply, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	return ch
}

func (s *bpSession) unregister(id uint32) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *bpSession) deliver(r bpReply) bool {
	s.mu.Lock()
	ch, ok := s.pending[r.id()]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- r:
	default:
	}
	return true
}

// fail closes the session once; later calls are no-ops.
func (s *bpSession) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	s.err = err
	close(s.done)
	_ = s.conn.Close()
}

func (s *bpSession) cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *bpSession) write(payload []byte, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// boundDevice is the device intensities are sent to.
type boundDevice struct {
	index    uint32
	name     string
	features []int
}

// ButtplugClient drives one vibration device through a Buttplug server.
// It implements DeviceSink.
type ButtplugClient struct {
	cfg    ButtplugConfig
	logger *slog.Logger
	match  glob.Glob // nil matches every device

	// onDeviceChange is called whenever the bound device or its motor count changes.
	onDeviceChange func(DeviceChanged)

	nextID atomic.Uint32

	mu      sync.Mutex
	session *bpSession
	devices map[uint32]bpDevice
	bound   *boundDevice
}

// NewButtplugClient validates cfg and returns an unconnected client. Call Run to connect.
func NewButtplugClient(cfg ButtplugConfig, logger *slog.Logger, onDeviceChange func(DeviceChanged)) (*ButtplugClient, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errConfig("invalid buttplug websocket URL %q: %v", cfg.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errConfig("buttplug URL %q must use ws:// or wss://", cfg.URL)
	}
	if cfg.ClientName == "" {
		cfg.ClientName = defaultClientName
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeoutMS * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	if onDeviceChange == nil {
		onDeviceChange = func(DeviceChanged) {}
	}
	var match glob.Glob
	if cfg.DeviceName != "" {
		match, err = glob.Compile("*" + strings.ToLower(cfg.DeviceName) + "*")
		if err != nil {
			return nil, errConfig("invalid buttplug device name pattern %q: %v", cfg.DeviceName, err)
		}
	}
	return &ButtplugClient{
		cfg:            cfg,
		logger:         logger,
		match:          match,
		onDeviceChange: onDeviceChange,
		devices:        make(map[uint32]bpDevice),
	}, nil
}

// Run keeps a session to the server alive until ctx is canceled, reconnecting
// with capped exponential backoff whenever the connection breaks.
func (c *ButtplugClient) Run(ctx context.Context) error {
	for {
		var s *bpSession
		b := retry.WithCappedDuration(10*time.Second, retry.NewExponential(500*time.Millisecond))
		attempt := 0
		err := retry.Do(ctx, b, func(ctx context.Context) error {
			attempt++
			var err error
			s, err = c.connect(ctx)
			if err != nil {
				c.logger.Warn("buttplug connection failed; retrying...", append([]any{"attempt", attempt}, errorAttrs(err)...)...)
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			s.fail(ctx.Err())
			c.dropSession(s)
			return nil
		case <-s.done:
			c.logger.Warn("buttplug connection lost; reconnecting...", "error", s.cause())
			c.dropSession(s)
		}
	}
}

// connect dials the server, performs the handshake, scans for devices and binds one.
func (c *ButtplugClient) connect(ctx context.Context) (*bpSession, error) {
	d := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, _, err := d.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, errTransport("dial", err)
	}
	s := newBPSession(conn)
	go c.readLoop(s)

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	if err := c.handshake(ctx, s); err != nil {
		s.fail(err)
		c.dropSession(s)
		return nil, err
	}
	c.logger.Info("connected to buttplug server", "url", c.cfg.URL)
	return s, nil
}

func (c *ButtplugClient) handshake(ctx context.Context, s *bpSession) error {
	reply, err := c.request(ctx, s, bpRequestServerInfo, map[string]any{
		"ClientName":     c.cfg.ClientName,
		"MessageVersion": buttplugMessageVersion,
	})
	if err != nil {
		return err
	}
	if reply.Type != bpServerInfo {
		return errTransport(bpRequestServerInfo, fmt.Errorf("unexpected reply %s", reply.Type))
	}
	var info struct {
		ServerName  string `json:"ServerName"`
		MaxPingTime int    `json:"MaxPingTime"`
	}
	if err := json.Unmarshal(reply.Raw, &info); err != nil {
		return errTransport(bpRequestServerInfo, err)
	}
	c.logger.Debug("buttplug server info", "server", info.ServerName, "max_ping_ms", info.MaxPingTime)
	if info.MaxPingTime > 0 {
		go c.pingLoop(s, time.Duration(info.MaxPingTime)*time.Millisecond/2)
	}

	if c.cfg.ScanWindow > 0 {
		if _, err := c.request(ctx, s, bpStartScanning, map[string]any{}); err != nil {
			return err
		}
		select {
		case <-time.After(c.cfg.ScanWindow):
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return errTransport(bpStartScanning, s.cause())
		}
		if _, err := c.request(ctx, s, bpStopScanning, map[string]any{}); err != nil {
			c.logger.Debug("stop scanning failed", errorAttrs(err)...)
		}
	}

	reply, err = c.request(ctx, s, bpRequestDeviceList, map[string]any{})
	if err != nil {
		return err
	}
	var list struct {
		Devices []bpDevice `json:"Devices"`
	}
	if err := json.Unmarshal(reply.Raw, &list); err != nil {
		return errTransport(bpRequestDeviceList, err)
	}

	c.mu.Lock()
	for _, dev := range list.Devices {
		c.devices[dev.DeviceIndex] = dev
	}
	c.mu.Unlock()
	c.rebind()
	return nil
}

// dropSession forgets s and every device it reported.
func (c *ButtplugClient) dropSession(s *bpSession) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.devices = make(map[uint32]bpDevice)
	c.mu.Unlock()
	c.rebind()
}

func (c *ButtplugClient) readLoop(s *bpSession) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		msgs, err := decodeButtplug(data)
		if err != nil {
			c.logger.Warn("ignoring malformed buttplug frame", "error", err)
			continue
		}
		for _, m := range msgs {
			if m.id() != 0 && s.deliver(m) {
				continue
			}
			c.handleServerEvent(m)
		}
	}
}

func (c *ButtplugClient) pingLoop(s *bpSession, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if _, err := c.request(context.Background(), s, bpPing, map[string]any{}); err != nil {
				c.logger.Warn("buttplug ping failed", errorAttrs(err)...)
			}
		}
	}
}

// handleServerEvent applies an unsolicited server message.
func (c *ButtplugClient) handleServerEvent(m bpReply) {
	switch m.Type {
	case bpDeviceAdded:
		var dev bpDevice
		if err := json.Unmarshal(m.Raw, &dev); err != nil {
			c.logger.Warn("malformed DeviceAdded", "error", err)
			return
		}
		c.logger.Info("device added", "name", dev.DeviceName, "index", dev.DeviceIndex, "motors", len(dev.vibrateFeatures()))
		c.mu.Lock()
		c.devices[dev.DeviceIndex] = dev
		c.mu.Unlock()
		c.rebind()
	case bpDeviceRemoved:
		var rm struct {
			DeviceIndex uint32 `json:"DeviceIndex"`
		}
		if err := json.Unmarshal(m.Raw, &rm); err != nil {
			c.logger.Warn("malformed DeviceRemoved", "error", err)
			return
		}
		c.logger.Info("device removed", "index", rm.DeviceIndex)
		c.mu.Lock()
		delete(c.devices, rm.DeviceIndex)
		c.mu.Unlock()
		c.rebind()
	case bpScanningFinished:
		c.logger.Debug("buttplug scanning finished")
	case bpError:
		var e struct {
			ErrorMessage string `json:"ErrorMessage"`
			ErrorCode    int    `json:"ErrorCode"`
		}
		_ = json.Unmarshal(m.Raw, &e)
		c.logger.Warn("buttplug server error", "message", e.ErrorMessage, "code", e.ErrorCode)
	default:
		c.logger.Debug("ignoring buttplug message", "type", m.Type, "id", m.id())
	}
}

// rebind picks the device to drive and reports a change to the daemon.
func (c *ButtplugClient) rebind() {
	c.mu.Lock()
	next := c.selectDevice()
	prev := c.bound
	c.bound = next
	c.mu.Unlock()

	if sameBinding(prev, next) {
		return
	}
	change := DeviceChanged{}
	if next != nil {
		change = DeviceChanged{Name: next.name, MotorCount: len(next.features)}
		c.logger.Info("device bound", "name", next.name, "index", next.index, "motors", len(next.features))
	} else {
		c.logger.Info("no device bound")
	}
	c.onDeviceChange(change)
}

// selectDevice must be called with c.mu held.
func (c *ButtplugClient) selectDevice() *boundDevice {
	indices := make([]uint32, 0, len(c.devices))
	for idx := range c.devices {
		indices = append(indices, idx)
	}
	slices.Sort(indices)

	for _, idx := range indices {
		dev := c.devices[idx]
		features := dev.vibrateFeatures()
		if len(features) == 0 {
			continue
		}
		if c.match != nil && !c.match.Match(strings.ToLower(dev.DeviceName)) {
			continue
		}
		return &boundDevice{index: dev.DeviceIndex, name: dev.DeviceName, features: features}
	}
	return nil
}

func sameBinding(a, b *boundDevice) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.index == b.index && a.name == b.name && slices.Equal(a.features, b.features)
}

// request sends one message on s and waits for the reply carrying its Id.
// Error replies become TRANSPORT errors.
func (c *ButtplugClient) request(ctx context.Context, s *bpSession, typ string, body map[string]any) (bpReply, error) {
	id := c.nextID.Add(1)
	if id == 0 {
		// Id 0 is reserved for server events.
		id = c.nextID.Add(1)
	}
	body["Id"] = id

	payload, err := json.Marshal([]map[string]any{{typ: body}})
	if err != nil {
		return bpReply{}, oops.Wrapf(err, "marshal %s", typ)
	}

	ch := s.register(id)
	defer s.unregister(id)

	if err := s.write(payload, c.cfg.ReadTimeout); err != nil {
		s.fail(err)
		return bpReply{}, errTransport(typ, err)
	}

	timer := time.NewTimer(c.cfg.ReadTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.Type == bpError {
			var e struct {
				ErrorMessage string `json:"ErrorMessage"`
				ErrorCode    int    `json:"ErrorCode"`
			}
			_ = json.Unmarshal(r.Raw, &e)
			return r, errTransport(typ, fmt.Errorf("server error %d: %s", e.ErrorCode, e.ErrorMessage))
		}
		return r, nil
	case <-s.done:
		return bpReply{}, errTransport(typ, s.cause())
	case <-timer.C:
		return bpReply{}, errTransport(typ, errors.New("timed out waiting for reply"))
	case <-ctx.Done():
		return bpReply{}, errTransport(typ, ctx.Err())
	}
}

func (c *ButtplugClient) current() (*bpSession, *boundDevice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.bound
}

// MotorCount returns the number of vibration motors on the bound device, or 0.
func (c *ButtplugClient) MotorCount() int {
	_, dev := c.current()
	if dev == nil {
		return 0
	}
	return len(dev.features)
}

// SetIntensities sends one ScalarCmd covering every motor of the bound device.
// Values beyond the motor count are ignored.
func (c *ButtplugClient) SetIntensities(values []float64) error {
	s, dev := c.current()
	if s == nil {
		return errNotConnected()
	}
	if dev == nil {
		return errNoDevice()
	}

	n := min(len(values), len(dev.features))
	scalars := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		scalars = append(scalars, map[string]any{
			"Index":        dev.features[i],
			"Scalar":       values[i],
			"ActuatorType": actuatorVibrate,
		})
	}
	_, err := c.request(context.Background(), s, bpScalarCmd, map[string]any{
		"DeviceIndex": dev.index,
		"Scalars":     scalars,
	})
	return err
}

// Stop halts the bound device, or every device when none is bound.
func (c *ButtplugClient) Stop() error {
	s, dev := c.current()
	if s == nil {
		return errNotConnected()
	}
	if dev == nil {
		_, err := c.request(context.Background(), s, bpStopAllDevices, map[string]any{})
		return err
	}
	_, err := c.request(context.Background(), s, bpStopDeviceCmd, map[string]any{"DeviceIndex": dev.index})
	return err
}
