package cloud

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
)

// MQTTConfig MQTT 连接配置
type MQTTConfig struct {
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	CAFile         string        `mapstructure:"ca_file"`
	CertFile       string        `mapstructure:"cert_file"`
	KeyFile        string        `mapstructure:"key_file"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// MQTTChannel 基于 paho 的通道
type MQTTChannel struct {
	*link
	cfg  MQTTConfig
	will *Published

	mu     sync.Mutex
	client MQTT.Client
	subs   map[string]MessageHandler
}

// NewMQTTChannel 创建 MQTT 通道，连接在 Open 时建立
func NewMQTTChannel(id int, cfg MQTTConfig, events Events, backoff Backoff, newToken func() string, log *zap.Logger) *MQTTChannel {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.QoS > 1 {
		cfg.QoS = 1
	}
	c := &MQTTChannel{
		link: newLink(id, events, backoff, newToken, log),
		cfg:  cfg,
		subs: make(map[string]MessageHandler),
	}
	c.self = c
	return c
}

// SetWill 设置遗嘱消息
func (c *MQTTChannel) SetWill(topic string, payload []byte) {
	c.will = &Published{Channel: c.id, Topic: topic, Payload: payload}
}

// checkToken 等待 paho 操作完成
func checkToken(token MQTT.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return shadow.ErrTimeout
	}
	return token.Error()
}

func (c *MQTTChannel) options() (*MQTT.ClientOptions, error) {
	opts := MQTT.NewClientOptions().
		AddBroker(c.cfg.Broker).
		SetClientID(fmt.Sprintf("%s-%d", c.cfg.ClientID, c.id)).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetKeepAlive(c.cfg.KeepAlive).
		SetConnectTimeout(c.cfg.ConnectTimeout)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		if c.cfg.Password != "" {
			opts.SetPassword(c.cfg.Password)
		}
	}
	if c.cfg.CertFile != "" {
		tlsCfg, err := c.tlsConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if c.will != nil {
		opts.SetBinaryWill(c.will.Topic, c.will.Payload, c.cfg.QoS, false)
	}
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		c.log.Error("mqtt connection lost", zap.Error(err))
		c.lost(err)
	})
	return opts, nil
}

func (c *MQTTChannel) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.cfg.CertFile, c.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.cfg.CAFile != "" {
		ca, err := os.ReadFile(c.cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("parse ca file %s: %w", c.cfg.CAFile, shadow.ErrConversionFailed)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

func (c *MQTTChannel) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts, err := c.options()
	if err != nil {
		c.connectFailed(err)
		return err
	}
	c.setState(StateConnecting)
	client := MQTT.NewClient(opts)
	c.log.Info("connecting to mqtt broker", zap.String("broker", c.cfg.Broker))
	if err := checkToken(client.Connect(), c.cfg.ConnectTimeout); err != nil {
		c.connectFailed(err)
		return fmt.Errorf("mqtt connect: %w", err)
	}

	c.mu.Lock()
	c.client = client
	subs := make(map[string]MessageHandler, len(c.subs))
	for t, h := range c.subs {
		subs[t] = h
	}
	c.mu.Unlock()

	// clean session，重连后恢复之前的订阅
	for topic, h := range subs {
		if err := checkToken(client.Subscribe(topic, c.cfg.QoS, wrap(h)), c.cfg.CommandTimeout); err != nil {
			c.log.Warn("resubscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	c.connected()
	return nil
}

func wrap(h MessageHandler) MQTT.MessageHandler {
	return func(_ MQTT.Client, m MQTT.Message) {
		h(m.Topic(), m.Payload())
	}
}

func (c *MQTTChannel) conn() (MQTT.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil || c.State() != StateConnected {
		return nil, shadow.ErrClientBusy
	}
	return c.client, nil
}

func (c *MQTTChannel) DeltaSend(ctx context.Context) (string, error) {
	topic, payload, token, err := c.pending()
	if err != nil {
		return "", err
	}
	if err := c.Publish(ctx, topic, payload); err != nil {
		return "", err
	}
	return token, nil
}

// Poll paho 在自己的协程中处理入站消息，这里只检查连接
func (c *MQTTChannel) Poll(context.Context) error {
	client, err := c.conn()
	if err != nil {
		return err
	}
	if !client.IsConnectionOpen() {
		return shadow.ErrClientBusy
	}
	return nil
}

func (c *MQTTChannel) Publish(_ context.Context, topic string, payload []byte) error {
	client, err := c.conn()
	if err != nil {
		return err
	}
	return checkToken(client.Publish(topic, c.cfg.QoS, false, payload), c.cfg.CommandTimeout)
}

func (c *MQTTChannel) Subscribe(_ context.Context, topic string, h MessageHandler) error {
	client, err := c.conn()
	if err != nil {
		return err
	}
	if err := checkToken(client.Subscribe(topic, c.cfg.QoS, wrap(h)), c.cfg.CommandTimeout); err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[topic] = h
	c.mu.Unlock()
	return nil
}

func (c *MQTTChannel) Unsubscribe(_ context.Context, topic string) error {
	client, err := c.conn()
	if err != nil {
		return err
	}
	if err := checkToken(client.Unsubscribe(topic), c.cfg.CommandTimeout); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()
	return nil
}

func (c *MQTTChannel) Close() error {
	c.stopRetry()
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	c.setState(StateDisconnected)
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	return nil
}

func (c *MQTTChannel) Destroy() {
	_ = c.Close()
	c.mu.Lock()
	c.subs = make(map[string]MessageHandler)
	c.mu.Unlock()
	c.destroy()
}
