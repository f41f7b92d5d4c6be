//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/TiagoJoseMS/script-manager/internal/events"
	"github.com/TiagoJoseMS/script-manager/internal/sandbox"
	"github.com/TiagoJoseMS/script-manager/internal/scripts"
)

// maxConcurrentRuns bounds scripts started from MQTT at the same time.
const maxConcurrentRuns = 4

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	ClientID        string
	TopicPrefix     string
	Discovery       bool
	DiscoveryPrefix string
	Version         string
}

// ScriptService is the part of scripts.Service the bridge drives.
type ScriptService interface {
	ListScripts() []scripts.Descriptor
	Run(ctx context.Context, ref string) *sandbox.Result
	Status() scripts.Status
}

// Bridge publishes the script catalogue and engine events to MQTT and runs
// scripts requested on the run topic.
type Bridge struct {
	client pahomqtt.Client
	svc    ScriptService
	cfg    Config
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	runSem chan struct{}

	runMu   sync.Mutex
	stopped bool // set by Stop; no run starts afterwards

	// pub is the publish path; tests replace it.
	pub func(topic string, payload []byte, retained bool)

	mu         sync.Mutex
	discovered map[string]struct{} // script names with a published button
}

func newBridge(svc ScriptService, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "script-manager"
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "script-manager"
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		svc:        svc,
		cfg:        cfg,
		prefix:     strings.TrimSuffix(cfg.TopicPrefix, "/"),
		logger:     logger.With("component", "mqtt"),
		ctx:        ctx,
		cancel:     cancel,
		runSem:     make(chan struct{}, maxConcurrentRuns),
		discovered: make(map[string]struct{}),
	}
	b.pub = b.clientPublish
	return b
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(svc ScriptService, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(svc, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(stateTopic(b.prefix), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishScripts()
			b.publishMonitoring(b.svc.Status())
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to engine events and begins MQTT publishing.
func (b *Bridge) Start(bus *events.Bus) {
	b.unsub = bus.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, waits for running scripts and disconnects.
func (b *Bridge) Stop() {
	if b.client != nil {
		b.client.Unsubscribe(runTopic(b.prefix)).WaitTimeout(2 * time.Second)
	}
	b.runMu.Lock()
	b.stopped = true
	b.runMu.Unlock()

	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.wg.Wait()
	b.publishBridgeState("offline")
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event events.Event) {
	switch event.Type {
	case events.EventScriptsChanged:
		b.publishScripts()
	case events.EventScriptExecuted:
		b.pub(resultsTopic(b.prefix), mustJSON(event.Data), false)
	case events.EventMonitoringState:
		if st, ok := event.Data.(scripts.Status); ok {
			b.publishMonitoring(st)
		}
	}
	b.pub(eventTopic(b.prefix, event.Type), mustJSON(event), false)
}

func (b *Bridge) publishBridgeState(state string) {
	b.pub(stateTopic(b.prefix), []byte(state), true)
}

func (b *Bridge) publishMonitoring(st scripts.Status) {
	b.pub(monitoringTopic(b.prefix), mustJSON(st), true)
}

// publishScripts publishes the retained catalogue and keeps HA buttons in
// step with it.
func (b *Bridge) publishScripts() {
	list := b.svc.ListScripts()
	b.pub(scriptsTopic(b.prefix), mustJSON(list), true)

	if !b.cfg.Discovery {
		return
	}
	for _, msg := range buildDiscovery(list, b.prefix, b.cfg.DiscoveryPrefix, b.cfg.Version) {
		b.pub(msg.Topic, msg.Payload, true)
	}

	current := make(map[string]struct{}, len(list))
	for _, d := range list {
		current[d.Name] = struct{}{}
	}
	b.mu.Lock()
	var gone []string
	for name := range b.discovered {
		if _, ok := current[name]; !ok {
			gone = append(gone, name)
		}
	}
	b.discovered = current
	b.mu.Unlock()

	sort.Strings(gone)
	for _, msg := range buildRemoveDiscovery(gone, b.cfg.DiscoveryPrefix) {
		b.pub(msg.Topic, msg.Payload, true)
	}
}

func (b *Bridge) subscribeCommands() {
	b.client.Subscribe(runTopic(b.prefix), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleRun(msg.Payload())
	})
}

// handleRun starts the requested script without blocking the MQTT client.
// The outcome is published by handleEvent when the script finishes.
func (b *Bridge) handleRun(payload []byte) {
	ref, err := parseRunCommand(payload)
	if err != nil {
		b.logger.Warn("invalid run command", "err", err)
		return
	}
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.stopped {
		b.logger.Debug("run command ignored, bridge stopping", "script", ref)
		return
	}
	select {
	case b.runSem <- struct{}{}:
	default:
		b.logger.Warn("run command dropped, too many scripts running", "script", ref)
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() { <-b.runSem }()
		b.svc.Run(b.ctx, ref)
	}()
}

type runCommand struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

var errEmptyCommand = errors.New("empty run command")

// parseRunCommand accepts {"path": ...}, {"name": ...} or a bare script name.
func parseRunCommand(payload []byte) (string, error) {
	s := strings.TrimSpace(string(payload))
	if s == "" {
		return "", errEmptyCommand
	}
	if !strings.HasPrefix(s, "{") {
		return s, nil
	}
	var cmd runCommand
	if err := json.Unmarshal([]byte(s), &cmd); err != nil {
		return "", fmt.Errorf("decode run command: %w", err)
	}
	if cmd.Path != "" {
		return cmd.Path, nil
	}
	if cmd.Name != "" {
		return cmd.Name, nil
	}
	return "", errEmptyCommand
}

func (b *Bridge) clientPublish(topic string, payload []byte, retained bool) {
	if b.client == nil {
		return
	}
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func stateTopic(prefix string) string      { return prefix + "/bridge/state" }
func monitoringTopic(prefix string) string { return prefix + "/bridge/monitoring" }
func scriptsTopic(prefix string) string    { return prefix + "/scripts" }
func runTopic(prefix string) string        { return prefix + "/run" }
func resultsTopic(prefix string) string    { return prefix + "/results" }

func eventTopic(prefix, eventType string) string {
	return prefix + "/events/" + topicSafe(eventType)
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
