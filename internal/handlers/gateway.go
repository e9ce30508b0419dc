// Package handlers 网关本地处理器：网关对象、时间戳校正与本地影子导出
package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taoyao-code/enso-gateway/internal/ecom"
	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
)

const (
	// certURLMin certURLMax 证书管理地址长度范围，如 https://certmgr.example.com
	certURLMin = 15
	certURLMax = 100

	defaultResetWait = 10 * time.Second
)

// GatewayInfo 网关标识与固件信息
type GatewayInfo struct {
	ID              shadow.DeviceID
	Manufacturer    string
	Model           string
	FirmwareName    string
	FirmwareVersion string
}

// GatewayStatusSender 向云端处理器通知网关注册状态
type GatewayStatusSender interface {
	SendGatewayStatus(dest shadow.HandlerID, registered bool) error
}

// GatewayOptions 网关处理器可替换的动作
type GatewayOptions struct {
	// Reboot 收到 reset_trgrd 后调用
	Reboot func()
	// UpdateCerts 收到 cmurl 后调用
	UpdateCerts func(ctx context.Context, url string) error
	// ResetWait 重启前等待 reset_trgrd 上报完成的最长时间
	ResetWait time.Duration
}

// Gateway 网关对象处理器，处理云端下发给网关的期望值
type Gateway struct {
	store   *shadow.Store
	status  GatewayStatusSender
	info    GatewayInfo
	catalog Catalog
	opts    GatewayOptions
	log     *zap.Logger
}

// NewGateway 创建网关处理器
func NewGateway(store *shadow.Store, status GatewayStatusSender, info GatewayInfo, catalog Catalog,
	opts GatewayOptions, log *zap.Logger) (*Gateway, error) {
	if store == nil || status == nil {
		return nil, shadow.ErrNilArgument
	}
	if !info.ID.Valid() {
		return nil, fmt.Errorf("gateway id: %w", shadow.ErrOutOfRange)
	}
	if info.FirmwareName == "" {
		return nil, errors.New("gateway firmware name is required")
	}
	if opts.ResetWait <= 0 {
		opts.ResetWait = defaultResetWait
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		store:   store,
		status:  status,
		info:    info,
		catalog: catalog,
		opts:    opts,
		log:     log.Named("gateway"),
	}, nil
}

// ID 网关设备ID
func (g *Gateway) ID() shadow.DeviceID { return g.info.ID }

func (g *Gateway) configured(from string) (string, error) {
	switch from {
	case "firmwareName":
		return g.info.FirmwareName, nil
	case "firmwareVersion":
		return g.info.FirmwareVersion, nil
	case "manufacturer":
		return g.info.Manufacturer, nil
	case "model":
		return g.info.Model, nil
	default:
		return "", fmt.Errorf("unknown catalog source %q", from)
	}
}

// Initialise 创建网关对象及目录中的属性，已恢复的属性保持不变
func (g *Gateway) Initialise() error {
	id := g.info.ID
	if err := g.store.CreateDevice(id, g.catalog.DeviceType); err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	for _, e := range g.catalog.Properties {
		vt, _ := e.valueType()
		kind, _ := e.kind()
		raw := e.Value
		if e.From != "" {
			s, err := g.configured(e.From)
			if err != nil {
				return err
			}
			raw = s
		}
		v, err := ParseValue(vt, raw)
		if err != nil {
			return fmt.Errorf("%s value: %w", e.Name, err)
		}

		err = g.store.CreateProperty(id, e.ID, e.Name, vt, kind, e.Buffered, e.Persistent, [2]shadow.Value{v, v})
		if shadow.IsDuplicate(err) {
			g.log.Warn("property already exists", zap.String("name", e.Name))
			err = nil
		}
		if err != nil {
			return fmt.Errorf("create %s: %w", e.Name, err)
		}

		h, _ := e.handler()
		if h == shadow.InvalidHandler {
			continue
		}
		if err := g.store.SubscribeToDeviceProperty(id, e.ID, e.group(), h, kind == shadow.Private); err != nil {
			return fmt.Errorf("subscribe %s: %w", e.Name, err)
		}
		g.log.Info("property subscribed", zap.String("name", e.Name), zap.Stringer("handler", h), zap.Stringer("group", e.group()))
	}

	// 注册由 Start 触发，避免启动时的未注册扫描重复订阅网关
	if err := g.store.SetAnnounceInProgress(id, true); err != nil {
		return err
	}
	g.store.DumpObjectStore()
	g.log.Info("gateway initialised",
		zap.Stringer("id", id),
		zap.String("fwnam", g.info.FirmwareName),
		zap.String("fwver", g.info.FirmwareVersion))
	return nil
}

// Start 向云端注册网关
func (g *Gateway) Start() error {
	err := g.store.RegisterObject(g.info.ID)
	if errors.Is(err, shadow.ErrAlreadyRegistered) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("register gateway: %w", err)
	}
	g.log.Info("gateway registered")
	return nil
}

// OnMessage 只处理发给网关的期望值变更
func (g *Gateway) OnMessage(ctx context.Context, msg ecom.Message) error {
	m, ok := msg.(ecom.DeltaMessage)
	if !ok {
		g.log.Error("unexpected message", zap.Stringer("type", msg.Type()))
		return nil
	}
	if m.Group != shadow.Desired {
		g.log.Error("expected desired group", zap.Stringer("group", m.Group))
		return nil
	}
	if m.DeviceID != g.info.ID {
		g.log.Error("delta for another device", zap.Stringer("device", m.DeviceID))
		return nil
	}

	var errs []error
	for _, d := range m.Deltas {
		var err error
		switch d.PropertyID {
		case shadow.PropGatewayResetID:
			err = g.reset(ctx, d.Value)
		case shadow.PropGatewayRegisterID:
			err = g.registered(d.Value)
		case shadow.PropOnlineSeqNoID:
			err = g.onlineSeq(d.Value)
		case shadow.PropCertManagerURLID:
			err = g.certURL(ctx, d.Value)
		default:
			g.log.Error("invalid property", zap.Uint32("prop", d.PropertyID))
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// report 把期望值写回上报值
func (g *Gateway) report(source shadow.HandlerID, propID uint32, v shadow.Value) error {
	err := g.store.SetPropertyValue(source, g.info.ID, shadow.Reported, propID, v)
	if errors.Is(err, shadow.ErrNoChange) {
		return nil
	}
	return err
}

// reset 时间戳大于上次重启时间时上报并重启
func (g *Gateway) reset(ctx context.Context, v shadow.Value) error {
	ts, ok := v.(shadow.Uint32)
	if !ok {
		return shadow.ErrWrongType
	}
	p, err := g.store.GetProperty(g.info.ID, shadow.PropGatewayResetID)
	if err != nil {
		return err
	}
	if prev, _ := p.Reported.(shadow.Uint32); ts <= prev {
		g.log.Info("reset trigger not newer than last reset", zap.Uint32("trigger", uint32(ts)))
		return nil
	}
	if err := g.report(shadow.GatewayHandler, shadow.PropGatewayResetID, ts); err != nil {
		return fmt.Errorf("report reset trigger: %w", err)
	}

	// 重启前尽量等上报完成
	step := g.opts.ResetWait / 10
	deadline := time.Now().Add(g.opts.ResetWait)
	for time.Now().Before(deadline) {
		p, err := g.store.GetProperty(g.info.ID, shadow.PropGatewayResetID)
		if err != nil || !p.Type.ReportedOutOfSync {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(step):
		}
	}

	g.log.Warn("rebooting gateway", zap.Uint32("trigger", uint32(ts)))
	if g.opts.Reboot != nil {
		g.opts.Reboot()
	}
	return nil
}

// registered 上报注册状态并通知云端处理器
func (g *Gateway) registered(v shadow.Value) error {
	b, ok := v.(shadow.Bool)
	if !ok {
		return shadow.ErrWrongType
	}
	if err := g.report(shadow.GatewayHandler, shadow.PropGatewayRegisterID, b); err != nil {
		g.log.Error("failed to set property value", zap.Error(err))
		return err
	}
	if err := g.status.SendGatewayStatus(shadow.CommsHandler, bool(b)); err != nil {
		g.log.Error("failed to send gateway status", zap.Error(err))
		return err
	}
	return nil
}

// onlineSeq 上报 onlns，同时以云端处理器身份置 onln=1；onln 不直接通知云端，
// 由未同步补发流程上报，避免与遗嘱消息竞争
func (g *Gateway) onlineSeq(v shadow.Value) error {
	g.log.Debug("setting onlns", zap.Stringer("value", v))
	if err := g.report(shadow.GatewayHandler, shadow.PropOnlineSeqNoID, v); err != nil {
		return err
	}
	return g.report(shadow.CommsHandler, shadow.PropOnlineID, shadow.Uint32(1))
}

// certURL 上报 cmurl 并触发证书更新
func (g *Gateway) certURL(ctx context.Context, v shadow.Value) error {
	if err := g.report(shadow.GatewayHandler, shadow.PropCertManagerURLID, v); err != nil {
		return err
	}
	url := v.String()
	if len(url) < certURLMin || len(url) > certURLMax {
		g.log.Error("certificate manager url invalid", zap.Int("len", len(url)))
		return nil
	}
	if g.opts.UpdateCerts == nil {
		g.log.Warn("no certificate updater configured", zap.String("url", url))
		return nil
	}
	if err := g.opts.UpdateCerts(ctx, url); err != nil {
		g.log.Error("certificate update failed", zap.String("url", url), zap.Error(err))
		return err
	}
	return nil
}
