package shadow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LocalShadowStatus 本地影子批量操作完成状态
type LocalShadowStatus uint8

const (
	SyncCompleted LocalShadowStatus = iota
	DumpCompleted
)

// Publisher 变更通知出口（由 ecom.Bus 实现）
type Publisher interface {
	SendUpdate(dest HandlerID, id DeviceID, group Group, deltas []Delta) error
	SendThingStatus(dest HandlerID, id DeviceID, status DeviceStatus) error
	SendPropertyDeleted(dest HandlerID, id DeviceID, propID uint32, cloudName string) error
	SendLocalShadowStatus(dest HandlerID, status LocalShadowStatus) error
	// QueueFree 目标队列剩余容量，同步分发的处理器返回一个较大值
	QueueFree(dest HandlerID) int
}

// Options 存储容量配置
type Options struct {
	MaxThings        int
	PropertyPoolSize int
}

// DefaultOptions 默认容量：5个通道 × 47 个订阅
func DefaultOptions() Options {
	return Options{
		MaxThings:        240,
		PropertyPoolSize: PropertyPoolSize,
	}
}

type property struct {
	id        uint32
	cloudName string
	typ       PropertyType
	values    [groupMax]Value
	subs      [groupMax]uint32
}

type object struct {
	id                 DeviceID
	announceAccepted   bool
	announceInProgress bool
	reportedOutOfSync  bool
	desiredOutOfSync   bool
	unsubscribeRetries int32
	props              []*property
	subs               [groupMax]uint32
}

type subscriber struct {
	handler HandlerID
	private bool
}

type notifyKind uint8

const (
	notifyUpdate notifyKind = iota
	notifyThingStatus
	notifyPropertyDeleted
	notifyShadowStatus
)

// notification 持锁时按提交顺序入队、锁外投递的通知
type notification struct {
	kind   notifyKind
	dest   HandlerID
	id     DeviceID
	group  Group
	deltas []Delta
	status DeviceStatus
	propID uint32
	name   string
	shadow LocalShadowStatus
}

// outbox 待投递通知队列，同一时刻只有一个 goroutine 在投递
type outbox struct {
	mu       sync.Mutex
	pending  []notification
	draining bool
	// outstanding 每个目标已入队但尚未投递完成的通知数
	outstanding [HandlerMax]int
}

// Object 对象快照
type Object struct {
	ID                 DeviceID
	AnnounceAccepted   bool
	AnnounceInProgress bool
	ReportedOutOfSync  bool
	DesiredOutOfSync   bool
	UnsubscribeRetries int32
}

// Property 属性快照
type Property struct {
	ID        uint32
	CloudName string
	Type      PropertyType
	Desired   Value
	Reported  Value
}

// Value 返回指定组的值
func (p Property) Value(g Group) Value {
	if g == Desired {
		return p.Desired
	}
	return p.Reported
}

// Store 本地影子：设备对象、属性与订阅关系
type Store struct {
	mu          sync.RWMutex
	objects     []*object
	propCount   int
	subscribers [groupMax][]subscriber
	unsubCursor int

	out outbox

	opts Options
	pub  Publisher
	log  *zap.Logger
}

// NewStore 创建本地影子
func NewStore(pub Publisher, opts Options, log *zap.Logger) *Store {
	if opts.MaxThings <= 0 {
		opts.MaxThings = DefaultOptions().MaxThings
	}
	if opts.PropertyPoolSize <= 0 {
		opts.PropertyPoolSize = PropertyPoolSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{opts: opts, pub: pub, log: log}
}

// SetPublisher 替换通知出口
func (s *Store) SetPublisher(pub Publisher) {
	s.mu.Lock()
	s.pub = pub
	s.mu.Unlock()
}

func (s *Store) findObject(id DeviceID) *object {
	for _, o := range s.objects {
		if o.id == id {
			return o
		}
	}
	return nil
}

func (o *object) findByID(propID uint32) *property {
	for _, p := range o.props {
		if p.id == propID {
			return p
		}
	}
	return nil
}

func (o *object) findByName(name string) *property {
	for _, p := range o.props {
		if p.cloudName == name {
			return p
		}
	}
	return nil
}

func (o *object) snapshot() Object {
	return Object{
		ID:                 o.id,
		AnnounceAccepted:   o.announceAccepted,
		AnnounceInProgress: o.announceInProgress,
		ReportedOutOfSync:  o.reportedOutOfSync,
		DesiredOutOfSync:   o.desiredOutOfSync,
		UnsubscribeRetries: o.unsubscribeRetries,
	}
}

func (p *property) snapshot() Property {
	return Property{
		ID:        p.id,
		CloudName: p.cloudName,
		Type:      p.typ,
		Desired:   CloneValue(p.values[Desired]),
		Reported:  CloneValue(p.values[Reported]),
	}
}

// recomputeOutOfSync 根据属性标志重算对象聚合标志
func (o *object) recomputeOutOfSync(g Group) {
	flag := false
	for _, p := range o.props {
		if p.typ.OutOfSync(g) {
			flag = true
			break
		}
	}
	if g == Desired {
		o.desiredOutOfSync = flag
	} else {
		o.reportedOutOfSync = flag
	}
}

func (o *object) markOutOfSync(p *property, g Group) {
	if g == Desired {
		p.typ.DesiredOutOfSync = true
		o.desiredOutOfSync = true
	} else {
		p.typ.ReportedOutOfSync = true
		o.reportedOutOfSync = true
	}
}

// CreateObject 创建设备对象（仅内存），已存在时返回现有对象
func (s *Store) CreateObject(id DeviceID) (Object, error) {
	if !id.Valid() {
		return Object{}, ErrObjectNotCreated
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if o := s.findObject(id); o != nil {
		return o.snapshot(), nil
	}
	if len(s.objects) >= s.opts.MaxThings {
		return Object{}, ErrPoolFull
	}
	o := &object{id: id}
	s.objects = append(s.objects, o)
	return o.snapshot(), nil
}

// CreateDevice 创建设备对象及 type、$devs、$conn 基础属性，已存在的属性保持不变
func (s *Store) CreateDevice(id DeviceID, deviceType uint32) error {
	if _, err := s.CreateObject(id); err != nil {
		return err
	}
	base := []struct {
		id   uint32
		name string
		vt   ValueType
		kind Kind
		init Value
	}{
		{PropTypeID, TypeCloudName, TypeUint32, Public, Uint32(deviceType)},
		{PropDeviceStatusID, DeviceStatusCloudName, TypeUint32, Private, Uint32(ThingCreated)},
		{PropConnectionID, ConnectionIDCloudName, TypeInt32, Private, Int32(-1)},
	}
	for _, p := range base {
		err := s.CreateProperty(id, p.id, p.name, p.vt, p.kind, false, true, [2]Value{p.init, p.init})
		if err != nil && !IsDuplicate(err) {
			return fmt.Errorf("create %s: %w", p.name, err)
		}
	}
	return nil
}

// FindObject 按设备ID查找
func (s *Store) FindObject(id DeviceID) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o := s.findObject(id)
	if o == nil {
		return Object{}, false
	}
	return o.snapshot(), true
}

// Objects 所有对象快照
func (s *Store) Objects() []Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Object, 0, len(s.objects))
	for _, o := range s.objects {
		out = append(out, o.snapshot())
	}
	return out
}

// RegisterObject 将设备标记为已发现并通知云端处理器发起注册
func (s *Store) RegisterObject(id DeviceID) error {
	s.mu.Lock()
	o := s.findObject(id)
	if o == nil {
		s.mu.Unlock()
		return ErrObjectNotFound
	}
	if o.announceAccepted {
		s.mu.Unlock()
		return ErrAlreadyRegistered
	}
	s.setDeviceStatusLocked(o, ThingDiscovered)
	err := s.subscribeLocked(o, nil, Reported, CommsHandler, false)
	if err == nil {
		// $devs 是私有属性，通过订阅收不到，直接通知云端处理器
		s.enqueueLocked(notification{kind: notifyThingStatus, dest: CommsHandler, id: id, status: ThingDiscovered})
	}
	s.mu.Unlock()

	s.flush()
	return err
}

func (s *Store) setDeviceStatusLocked(o *object, status DeviceStatus) {
	p := o.findByID(PropDeviceStatusID)
	if p == nil {
		return
	}
	p.values[Reported] = Uint32(status)
}

// SetDeviceStatus 更新 $devs
func (s *Store) SetDeviceStatus(id DeviceID, status DeviceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.findObject(id)
	if o == nil {
		return ErrDeviceNotFound
	}
	if o.findByID(PropDeviceStatusID) == nil {
		return ErrPropertyNotFound
	}
	s.setDeviceStatusLocked(o, status)
	return nil
}

// DeviceStatus 读取 $devs
func (s *Store) DeviceStatus(id DeviceID) (DeviceStatus, error) {
	v, err := s.GetPropertyValue(id, Reported, PropDeviceStatusID)
	if err != nil {
		return ThingDeleted, err
	}
	u, ok := v.(Uint32)
	if !ok {
		return ThingDeleted, ErrWrongType
	}
	return DeviceStatus(u), nil
}

// SetAnnounceInProgress 标记注册流程进行中
func (s *Store) SetAnnounceInProgress(id DeviceID, inProgress bool) error {
	return s.updateObject(id, func(o *object) { o.announceInProgress = inProgress })
}

// SetAnnounceAccepted 标记云端已接受注册
func (s *Store) SetAnnounceAccepted(id DeviceID, accepted bool) error {
	return s.updateObject(id, func(o *object) { o.announceAccepted = accepted })
}

// SetUnsubscribeRetries 设置剩余退订重试次数
func (s *Store) SetUnsubscribeRetries(id DeviceID, n int32) error {
	return s.updateObject(id, func(o *object) { o.unsubscribeRetries = n })
}

func (s *Store) updateObject(id DeviceID, fn func(o *object)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.findObject(id)
	if o == nil {
		return ErrObjectNotFound
	}
	fn(o)
	return nil
}

// NextObjectNeedingAnnounce 找到一个未注册且未在注册中的对象，并标记为注册中
func (s *Store) NextObjectNeedingAnnounce() (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.objects {
		if !o.announceAccepted && !o.announceInProgress {
			o.announceInProgress = true
			return o.snapshot(), true
		}
	}
	return Object{}, false
}

// NextNotUnsubscribed 轮询查找仍有退订重试次数的对象
func (s *Store) NextNotUnsubscribed() (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.objects)
	for i := 0; i < n; i++ {
		s.unsubCursor = (s.unsubCursor + 1) % n
		if o := s.objects[s.unsubCursor]; o.unsubscribeRetries > 0 {
			return o.snapshot(), true
		}
	}
	return Object{}, false
}

// DestroyDevice 删除设备的全部属性与对象，并通知存储与云端处理器
func (s *Store) DestroyDevice(id DeviceID) error {
	if !id.Valid() {
		return ErrDeviceNotFound
	}
	if err := s.removeObject(id, true); err != nil {
		return err
	}
	s.flush()
	return nil
}

// DestroyDeviceDirectly 回放设备删除记录，不通知任何处理器
func (s *Store) DestroyDeviceDirectly(id DeviceID) error {
	return s.removeObject(id, false)
}

func (s *Store) removeObject(id DeviceID, notify bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.objects {
		if o.id == id {
			s.propCount -= len(o.props)
			s.objects = append(s.objects[:i], s.objects[i+1:]...)
			if notify {
				for _, dest := range []HandlerID{StorageHandler, CommsHandler} {
					s.enqueueLocked(notification{kind: notifyThingStatus, dest: dest, id: id, status: ThingDeleted})
				}
			}
			return nil
		}
	}
	return ErrDeviceNotFound
}

// CreateProperty 创建属性；重复创建返回 ErrDuplicateID/ErrDuplicateCloudName，调用方按成功处理
func (s *Store) CreateProperty(id DeviceID, propID uint32, cloudName string, vt ValueType,
	kind Kind, buffered, persistent bool, initial [2]Value) error {
	if propID == 0 {
		return ErrOutOfRange
	}
	if cloudName == "" || len(cloudName) >= CloudNameBufferSize {
		return ErrOutOfRange
	}
	if !vt.Valid() {
		return ErrWrongType
	}
	for g := range initial {
		if initial[g] == nil {
			initial[g] = ZeroValue(vt)
		}
		if err := checkValue(vt, initial[g]); err != nil {
			return err
		}
	}

	s.mu.Lock()
	o := s.findObject(id)
	if o == nil {
		s.mu.Unlock()
		return ErrObjectNotFound
	}
	if o.findByID(propID) != nil {
		s.mu.Unlock()
		s.log.Warn("property already exists", zap.Stringer("device", id), zap.Uint32("prop", propID))
		return ErrDuplicateID
	}
	if o.findByName(cloudName) != nil {
		s.mu.Unlock()
		s.log.Warn("property cloud name already exists", zap.Stringer("device", id), zap.String("name", cloudName))
		return ErrDuplicateCloudName
	}
	if s.propCount >= s.opts.PropertyPoolSize {
		s.mu.Unlock()
		return ErrPoolFull
	}

	p := &property{
		id:        propID,
		cloudName: cloudName,
		typ:       PropertyType{ValueType: vt, Kind: kind, Buffered: buffered, Persistent: persistent},
	}
	p.values[Desired] = CloneValue(initial[Desired])
	p.values[Reported] = CloneValue(initial[Reported])
	if kind == Public {
		// 公有属性创建后尚未上报
		p.typ.ReportedOutOfSync = true
		o.reportedOutOfSync = true
	}
	o.props = append([]*property{p}, o.props...)
	s.propCount++

	var ns []notification
	if persistent {
		for _, g := range []Group{Desired, Reported} {
			ns = append(ns, notification{
				dest:   StorageHandler,
				id:     id,
				group:  g,
				deltas: []Delta{{PropertyID: propID, Value: CloneValue(p.values[g])}},
			})
			if err := s.subscribeLocked(o, p, g, StorageHandler, true); err != nil {
				s.log.Warn("subscribe storage failed", zap.Uint32("prop", propID), zap.Error(err))
			}
		}
	}
	s.enqueueLocked(ns...)
	s.mu.Unlock()

	s.flush()
	return nil
}

// RestoreProperty 从持久化日志回放属性，不触发通知
func (s *Store) RestoreProperty(id DeviceID, propID uint32, cloudName string, typ PropertyType, g Group, v Value) error {
	if propID == 0 {
		return ErrOutOfRange
	}
	if !g.Valid() {
		return ErrGroupNotSupported
	}
	if err := checkValue(typ.ValueType, v); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.findObject(id)
	if o == nil {
		return ErrObjectNotFound
	}
	p := o.findByID(propID)
	if p == nil {
		if s.propCount >= s.opts.PropertyPoolSize {
			return ErrPoolFull
		}
		p = &property{
			id:        propID,
			cloudName: cloudName,
			typ: PropertyType{
				ValueType:  typ.ValueType,
				Kind:       typ.Kind,
				Buffered:   typ.Buffered,
				Persistent: typ.Persistent,
			},
		}
		p.values[Desired] = ZeroValue(typ.ValueType)
		p.values[Reported] = ZeroValue(typ.ValueType)
		o.props = append([]*property{p}, o.props...)
		s.propCount++
		for _, grp := range []Group{Desired, Reported} {
			if err := s.subscribeLocked(o, p, grp, StorageHandler, true); err != nil {
				s.log.Warn("subscribe storage failed", zap.Uint32("prop", propID), zap.Error(err))
			}
		}
	}
	if p.typ.ValueType != typ.ValueType {
		return ErrWrongType
	}
	p.values[g] = CloneValue(v)
	if g == Desired {
		p.typ.DesiredOutOfSync = typ.DesiredOutOfSync
	} else {
		p.typ.ReportedOutOfSync = typ.ReportedOutOfSync
	}
	o.recomputeOutOfSync(g)
	return nil
}

// RestoreDevice 回放时创建对象及 $devs、$conn 属性，不触发通知
func (s *Store) RestoreDevice(id DeviceID) error {
	if _, err := s.CreateObject(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.findObject(id)
	if o == nil {
		return ErrObjectNotFound
	}
	base := []struct {
		id   uint32
		name string
		init Value
	}{
		{PropDeviceStatusID, DeviceStatusCloudName, Uint32(ThingCreated)},
		{PropConnectionID, ConnectionIDCloudName, Int32(-1)},
	}
	for _, b := range base {
		if o.findByID(b.id) != nil {
			continue
		}
		if s.propCount >= s.opts.PropertyPoolSize {
			return ErrPoolFull
		}
		p := &property{
			id:        b.id,
			cloudName: b.name,
			typ:       PropertyType{ValueType: b.init.Type(), Kind: Private, Persistent: true},
		}
		p.values[Desired] = b.init
		p.values[Reported] = b.init
		o.props = append([]*property{p}, o.props...)
		s.propCount++
		for _, g := range []Group{Desired, Reported} {
			if err := s.subscribeLocked(o, p, g, StorageHandler, true); err != nil {
				s.log.Warn("subscribe storage failed", zap.Uint32("prop", b.id), zap.Error(err))
			}
		}
	}
	return nil
}

// RemovePropertyDirectly 回放属性删除记录，不通知任何处理器
func (s *Store) RemovePropertyDirectly(id DeviceID, propID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.findObject(id)
	if o == nil {
		return ErrDeviceNotFound
	}
	p := o.findByID(propID)
	if p == nil {
		return ErrPropertyNotFound
	}
	o.dropProperty(p)
	s.propCount--
	return nil
}

func (o *object) dropProperty(p *property) {
	for i, q := range o.props {
		if q == p {
			o.props = append(o.props[:i], o.props[i+1:]...)
			break
		}
	}
	o.recomputeOutOfSync(Desired)
	o.recomputeOutOfSync(Reported)
}

// RemoveProperty 删除属性并通知存储与云端处理器
func (s *Store) RemoveProperty(id DeviceID, propID uint32) error {
	return s.removeProperty(id, func(o *object) *property { return o.findByID(propID) })
}

// RemovePropertyByCloudName 按云端名称删除属性
func (s *Store) RemovePropertyByCloudName(id DeviceID, name string) error {
	if name == "" || len(name) >= CloudNameBufferSize {
		return ErrOutOfRange
	}
	return s.removeProperty(id, func(o *object) *property { return o.findByName(name) })
}

func (s *Store) removeProperty(id DeviceID, find func(o *object) *property) error {
	s.mu.Lock()
	o := s.findObject(id)
	if o == nil {
		s.mu.Unlock()
		return ErrDeviceNotFound
	}
	p := find(o)
	if p == nil {
		s.mu.Unlock()
		return ErrPropertyNotFound
	}
	o.dropProperty(p)
	s.propCount--
	for _, dest := range []HandlerID{StorageHandler, CommsHandler} {
		s.enqueueLocked(notification{kind: notifyPropertyDeleted, dest: dest, id: id, propID: p.id, name: p.cloudName})
	}
	s.mu.Unlock()

	s.flush()
	return nil
}

// SetPropertyValue 写入属性值；值变化时标记未同步并通知订阅者（不含来源）
func (s *Store) SetPropertyValue(source HandlerID, id DeviceID, g Group, propID uint32, v Value) error {
	return s.set(source, id, g, func(o *object) *property { return o.findByID(propID) }, v, true)
}

// SetPropertyValueWithoutNotification 写入属性值但不通知订阅者
func (s *Store) SetPropertyValueWithoutNotification(source HandlerID, id DeviceID, g Group, propID uint32, v Value) error {
	return s.set(source, id, g, func(o *object) *property { return o.findByID(propID) }, v, false)
}

// SetPropertyValueByCloudName 按云端名称写入属性值
func (s *Store) SetPropertyValueByCloudName(source HandlerID, id DeviceID, g Group, name string, v Value, notify bool) error {
	return s.set(source, id, g, func(o *object) *property { return o.findByName(name) }, v, notify)
}

func (s *Store) set(source HandlerID, id DeviceID, g Group, find func(o *object) *property, v Value, notify bool) error {
	if !g.Valid() {
		return ErrGroupNotSupported
	}
	s.mu.Lock()
	o := s.findObject(id)
	if o == nil {
		s.mu.Unlock()
		return ErrDeviceNotFound
	}
	p := find(o)
	if p == nil {
		s.mu.Unlock()
		return ErrPropertyNotFound
	}
	if err := checkValue(p.typ.ValueType, v); err != nil {
		s.mu.Unlock()
		return err
	}
	if p.values[g] != nil && p.values[g].Equal(v) {
		s.mu.Unlock()
		return ErrNoChange
	}
	p.values[g] = CloneValue(v)
	// 无论写入来源，公有属性的变化都要等云端确认
	if p.typ.Kind == Public {
		o.markOutOfSync(p, g)
	}

	if notify {
		s.enqueueLocked(s.collectLocked(source, o, g, []Delta{{PropertyID: p.id, Value: CloneValue(v)}})...)
	}
	s.mu.Unlock()

	s.flush()
	return nil
}

// GetPropertyValue 读取属性值
func (s *Store) GetPropertyValue(id DeviceID, g Group, propID uint32) (Value, error) {
	p, err := s.GetProperty(id, propID)
	if err != nil {
		return nil, err
	}
	if !g.Valid() {
		return nil, ErrGroupNotSupported
	}
	return p.Value(g), nil
}

// GetPropertyValueByCloudName 按云端名称读取属性值
func (s *Store) GetPropertyValueByCloudName(id DeviceID, g Group, name string) (Value, error) {
	p, err := s.GetPropertyByCloudName(id, name)
	if err != nil {
		return nil, err
	}
	if !g.Valid() {
		return nil, ErrGroupNotSupported
	}
	return p.Value(g), nil
}

// GetProperty 属性快照
func (s *Store) GetProperty(id DeviceID, propID uint32) (Property, error) {
	return s.get(id, func(o *object) *property { return o.findByID(propID) })
}

// GetPropertyByCloudName 按云端名称获取属性快照
func (s *Store) GetPropertyByCloudName(id DeviceID, name string) (Property, error) {
	return s.get(id, func(o *object) *property { return o.findByName(name) })
}

func (s *Store) get(id DeviceID, find func(o *object) *property) (Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o := s.findObject(id)
	if o == nil {
		return Property{}, ErrDeviceNotFound
	}
	p := find(o)
	if p == nil {
		return Property{}, ErrPropertyNotFound
	}
	return p.snapshot(), nil
}

// Properties 对象的全部属性快照
func (s *Store) Properties(id DeviceID) ([]Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o := s.findObject(id)
	if o == nil {
		return nil, ErrDeviceNotFound
	}
	out := make([]Property, 0, len(o.props))
	for _, p := range o.props {
		out = append(out, p.snapshot())
	}
	return out, nil
}

// GetPropertyBuffer 读取字符串或 Blob 属性的字节内容
func (s *Store) GetPropertyBuffer(id DeviceID, g Group, propID uint32, max int) ([]byte, error) {
	v, err := s.GetPropertyValue(id, g, propID)
	if err != nil {
		return nil, err
	}
	var b []byte
	switch x := v.(type) {
	case Blob:
		b = []byte(x)
	case String:
		b = []byte(x)
	default:
		return nil, ErrWrongType
	}
	if len(b) > max {
		return nil, ErrBufferTooSmall
	}
	return b, nil
}

// SetOutOfSync 强制标记属性未同步
func (s *Store) SetOutOfSync(id DeviceID, name string, g Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.findObject(id)
	if o == nil {
		return ErrDeviceNotFound
	}
	p := o.findByName(name)
	if p == nil {
		return ErrPropertyNotFound
	}
	o.markOutOfSync(p, g)
	return nil
}

// ClearReportedOutOfSync 云端确认的值与当前上报值相同时清除未同步标志
func (s *Store) ClearReportedOutOfSync(id DeviceID, name string, acked Value) (bool, Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.findObject(id)
	if o == nil {
		return false, Property{}, ErrDeviceNotFound
	}
	p := o.findByName(name)
	if p == nil {
		return false, Property{}, ErrPropertyNotFound
	}
	if !ackMatches(p.values[Reported], acked) {
		return false, p.snapshot(), nil
	}
	p.typ.ReportedOutOfSync = false
	o.recomputeOutOfSync(Reported)
	return true, p.snapshot(), nil
}

// ackMatches 时间戳只比较秒数
func ackMatches(cur, acked Value) bool {
	if cur == nil || acked == nil {
		return false
	}
	if ct, ok := cur.(Timestamp); ok {
		at, ok := acked.(Timestamp)
		return ok && ct.Seconds == at.Seconds
	}
	return cur.Equal(acked)
}

// OutOfSyncObjects 指定组存在未同步属性的对象
func (s *Store) OutOfSyncObjects(g Group) []DeviceID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []DeviceID
	for _, o := range s.objects {
		if (g == Desired && o.desiredOutOfSync) || (g == Reported && o.reportedOutOfSync) {
			ids = append(ids, o.id)
		}
	}
	return ids
}

func matchFilter(p *property, g Group, f Filter) bool {
	switch f {
	case FilterOutOfSync:
		return p.typ.OutOfSync(g)
	case FilterPersistent:
		return p.typ.Persistent
	case FilterTimestamps:
		return p.typ.ValueType == TypeTimestamp
	case FilterAll:
		return true
	default:
		return false
	}
}

// SendPropertiesByFilter 将匹配过滤条件的属性按每批6个发送给 dest，返回发送的消息数
func (s *Store) SendPropertiesByFilter(dest HandlerID, id DeviceID, g Group, f Filter, maxMessages int) (int, error) {
	if !g.Valid() {
		return 0, ErrGroupNotSupported
	}
	s.mu.Lock()
	o := s.findObject(id)
	if o == nil {
		s.mu.Unlock()
		return 0, ErrDeviceNotFound
	}
	if f == FilterOutOfSync {
		if (g == Desired && !o.desiredOutOfSync) || (g == Reported && !o.reportedOutOfSync) {
			s.mu.Unlock()
			return 0, nil
		}
	}

	var ns []notification
	batch := make([]Delta, 0, MaxDeltas)
	for _, p := range o.props {
		if maxMessages > 0 && len(ns) >= maxMessages {
			break
		}
		if !matchFilter(p, g, f) {
			continue
		}
		batch = append(batch, Delta{PropertyID: p.id, Value: CloneValue(p.values[g])})
		if f == FilterOutOfSync && g == Desired {
			// 期望值由云端负责，发送后即视为已同步
			p.typ.DesiredOutOfSync = false
		}
		if len(batch) == MaxDeltas {
			ns = append(ns, notification{dest: dest, id: id, group: g, deltas: batch})
			batch = make([]Delta, 0, MaxDeltas)
		}
	}
	if len(batch) > 0 && (maxMessages <= 0 || len(ns) < maxMessages) {
		ns = append(ns, notification{dest: dest, id: id, group: g, deltas: batch})
	}
	if f == FilterOutOfSync {
		o.recomputeOutOfSync(g)
	}
	s.enqueueLocked(ns...)
	s.mu.Unlock()

	s.flush()
	return len(ns), nil
}

// DumpPersistent 将全部持久化属性重新发送给 dest（用于日志整理），每组结束发送 DumpCompleted
func (s *Store) DumpPersistent(ctx context.Context, dest HandlerID) (int, error) {
	total := 0
	pub := s.publisher()
	for _, g := range []Group{Reported, Desired} {
		for _, obj := range s.Objects() {
			// 消费方慢于生产方，保证目标队列扣除待投递通知后仍有余量
			for pub != nil && pub.QueueFree(dest)-s.outstanding(dest) < 5 {
				s.log.Warn("waiting for queue space", zap.Stringer("dest", dest))
				select {
				case <-ctx.Done():
					return total, ctx.Err()
				case <-time.After(25 * time.Millisecond):
				}
			}
			n, err := s.SendPropertiesByFilter(dest, obj.ID, g, FilterPersistent, 0)
			if err != nil && !IsNotFound(err) {
				return total, fmt.Errorf("dump %s: %w", obj.ID, err)
			}
			total += n
		}
		s.mu.Lock()
		s.enqueueLocked(notification{kind: notifyShadowStatus, dest: dest, shadow: DumpCompleted})
		s.mu.Unlock()
		s.flush()
	}
	return total, nil
}

func (s *Store) publisher() Publisher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pub
}

// enqueueLocked 持有 s.mu 时调用，队列顺序即提交顺序
func (s *Store) enqueueLocked(ns ...notification) {
	if len(ns) == 0 {
		return
	}
	s.out.mu.Lock()
	s.out.pending = append(s.out.pending, ns...)
	for _, n := range ns {
		if n.dest < HandlerMax {
			s.out.outstanding[n.dest]++
		}
	}
	s.out.mu.Unlock()
}

// outstanding 目标尚未投递完成的通知数
func (s *Store) outstanding(dest HandlerID) int {
	if dest >= HandlerMax {
		return 0
	}
	s.out.mu.Lock()
	defer s.out.mu.Unlock()
	return s.out.outstanding[dest]
}

// flush 投递排队的通知；已有 goroutine 在投递时直接返回，由它按序投递。
// 同步处理器在投递中再次写入时，新通知排在当前通知之后
func (s *Store) flush() {
	s.out.mu.Lock()
	if s.out.draining {
		s.out.mu.Unlock()
		return
	}
	s.out.draining = true
	for len(s.out.pending) > 0 {
		batch := s.out.pending
		s.out.pending = nil
		s.out.mu.Unlock()
		s.deliver(batch)
		s.out.mu.Lock()
	}
	// 与最后一次检查队列在同一临界区内复位
	s.out.draining = false
	s.out.mu.Unlock()
}

func (s *Store) deliver(ns []notification) {
	pub := s.publisher()
	for _, n := range ns {
		var err error
		switch {
		case pub == nil:
		case n.kind == notifyUpdate:
			err = pub.SendUpdate(n.dest, n.id, n.group, n.deltas)
		case n.kind == notifyThingStatus:
			err = pub.SendThingStatus(n.dest, n.id, n.status)
		case n.kind == notifyPropertyDeleted:
			err = pub.SendPropertyDeleted(n.dest, n.id, n.propID, n.name)
		case n.kind == notifyShadowStatus:
			err = pub.SendLocalShadowStatus(n.dest, n.shadow)
		}
		if n.dest < HandlerMax {
			s.out.mu.Lock()
			s.out.outstanding[n.dest]--
			s.out.mu.Unlock()
		}
		if err != nil {
			s.log.Warn("send notification failed",
				zap.Uint8("kind", uint8(n.kind)),
				zap.Stringer("dest", n.dest),
				zap.Stringer("device", n.id),
				zap.Error(err))
		}
	}
}
