package app

import (
	"fmt"

	"github.com/taoyao-code/enso-gateway/internal/cloud"
	cfgpkg "github.com/taoyao-code/enso-gateway/internal/config"
	"github.com/taoyao-code/enso-gateway/internal/faultbuffer"
	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
)

// GatewayID 由配置解析网关设备ID
func GatewayID(cfg cfgpkg.GatewayConfig) (shadow.DeviceID, error) {
	addr, err := cfg.ParseAddress()
	if err != nil {
		return shadow.DeviceID{}, err
	}
	return shadow.DeviceID{Address: addr, Technology: shadow.Technology(cfg.Technology)}, nil
}

// ShadowOptions 本地影子容量
func ShadowOptions(cfg cfgpkg.ShadowConfig) shadow.Options {
	opts := shadow.DefaultOptions()
	if cfg.MaxThings > 0 {
		opts.MaxThings = cfg.MaxThings
	}
	if cfg.PropertyPoolSize > 0 {
		opts.PropertyPoolSize = cfg.PropertyPoolSize
	}
	return opts
}

// CloudConfig 同步引擎配置，未配置项使用引擎默认值
func CloudConfig(cfg cfgpkg.CloudConfig, gateway shadow.DeviceID) cloud.Config {
	c := cloud.DefaultConfig()
	c.Gateway = gateway
	c.MaxChannels = cfg.MaxChannels
	c.MaxSubscriptions = cfg.MaxSubscriptions
	c.MinDeltaInterval = cfgpkg.Ms(cfg.MinMsBetweenDeltas)
	c.PollInterval = cfgpkg.Ms(cfg.PollingIntervalMs)
	c.PollYieldTimeout = cfgpkg.Ms(cfg.PollingYieldTimeoutMs)
	c.RecoveryInitial = cfgpkg.Ms(cfg.InitialRecoveryInterval)
	c.RecoveryShort = cfgpkg.Ms(cfg.ShortRecoveryInterval)
	c.CancelInterval = cfg.CancelInterval
	if cfg.ReconnectMin > 0 {
		c.Backoff.Min = cfg.ReconnectMin
	}
	if cfg.ReconnectMax > 0 {
		c.Backoff.Max = cfg.ReconnectMax
	}
	if cfg.SequencerLength > 0 {
		c.Sequencer.Capacity = cfg.SequencerLength
	}
	return c
}

// BufferConfig 发送缓冲配置
func BufferConfig(cfg cfgpkg.BufferConfig) faultbuffer.Config {
	c := faultbuffer.DefaultConfig()
	if cfg.Capacity > 0 {
		c.Capacity = cfg.Capacity
	}
	if cfg.Tick > 0 {
		c.Tick = cfg.Tick
	}
	if cfg.InitialBackoff > 0 {
		c.InitialBackoff = cfg.InitialBackoff
	}
	if cfg.BackoffStep > 0 {
		c.BackoffStep = cfg.BackoffStep
	}
	if cfg.MaxBackoff > 0 {
		c.MaxBackoff = cfg.MaxBackoff
	}
	if cfg.AckTimeout > 0 {
		c.AckTimeout = cfg.AckTimeout
	}
	return c
}

// ChannelFactory 按 cloud.mode 选择通道实现；stub 模式返回内存代理并自动应答
func ChannelFactory(cfg cfgpkg.CloudConfig, gateway shadow.DeviceID, backoff cloud.Backoff, log *zap.Logger) (cloud.ChannelFactory, *cloud.Broker, error) {
	switch cfg.Mode {
	case "stub":
		broker := cloud.NewBroker()
		broker.SetResponder(cloud.AutoResponder(gateway.String()))
		return cloud.StubFactory(broker, backoff, log), broker, nil
	case "mqtt":
		m := cfg.MQTT
		mc := cloud.MQTTConfig{
			Broker:         m.Broker,
			ClientID:       m.ClientID,
			Username:       m.Username,
			Password:       m.Password,
			CAFile:         m.CAFile,
			CertFile:       m.CertFile,
			KeyFile:        m.KeyFile,
			QoS:            m.QoS,
			KeepAlive:      m.KeepAlive,
			ConnectTimeout: m.ConnectTimeout,
			CommandTimeout: m.CommandTimeout,
		}
		if mc.ClientID == "" {
			mc.ClientID = gateway.String()
		}
		return cloud.MQTTFactory(mc, backoff, log), nil, nil
	default:
		return nil, nil, fmt.Errorf("cloud mode %q: unsupported", cfg.Mode)
	}
}
