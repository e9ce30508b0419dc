package shadow

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// subscriberIndexLocked 返回订阅者在表中的位置，不存在时占用空位
func (s *Store) subscriberIndexLocked(g Group, handler HandlerID, private bool) (int, error) {
	table := s.subscribers[g]
	for i, sub := range table {
		if sub.handler == handler && sub.private == private {
			return i, nil
		}
	}
	if len(table) >= SubscriberTableSize {
		return -1, ErrPoolFull
	}
	s.subscribers[g] = append(table, subscriber{handler: handler, private: private})
	return len(table), nil
}

// subscribeLocked p 为空时订阅整个对象
func (s *Store) subscribeLocked(o *object, p *property, g Group, handler HandlerID, private bool) error {
	if !g.Valid() {
		return ErrGroupNotSupported
	}
	if handler == InvalidHandler || handler >= HandlerMax {
		return ErrOutOfRange
	}
	if p != nil && p.typ.Kind == Private && !private {
		return ErrWrongType
	}
	idx, err := s.subscriberIndexLocked(g, handler, private)
	if err != nil {
		return err
	}
	if p != nil {
		p.subs[g] |= 1 << uint(idx)
	} else {
		o.subs[g] |= 1 << uint(idx)
	}
	return nil
}

// SubscribeToDevice 订阅设备整个属性组
func (s *Store) SubscribeToDevice(id DeviceID, g Group, handler HandlerID, private bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.findObject(id)
	if o == nil {
		return ErrObjectNotFound
	}
	return s.subscribeLocked(o, nil, g, handler, private)
}

// SubscribeToDeviceProperty 订阅单个属性；公有订阅者不能订阅私有属性
func (s *Store) SubscribeToDeviceProperty(id DeviceID, propID uint32, g Group, handler HandlerID, private bool) error {
	if propID == 0 {
		return ErrOutOfRange
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.findObject(id)
	if o == nil {
		return ErrObjectNotFound
	}
	p := o.findByID(propID)
	if p == nil {
		return ErrPropertyNotFound
	}
	return s.subscribeLocked(o, p, g, handler, private)
}

// NotifyDirectly 把已提交的变更直接通知订阅者（不含来源）
func (s *Store) NotifyDirectly(source HandlerID, id DeviceID, g Group, deltas []Delta) error {
	if len(deltas) > MaxDeltas {
		return ErrBufferTooBig
	}
	if !g.Valid() {
		return ErrGroupNotSupported
	}
	s.mu.RLock()
	o := s.findObject(id)
	if o == nil {
		s.mu.RUnlock()
		return ErrDeviceNotFound
	}
	s.enqueueLocked(s.collectLocked(source, o, g, deltas)...)
	s.mu.RUnlock()

	s.flush()
	return nil
}

// collectLocked 先通知对象订阅者（公有订阅者只收到公有属性），再按属性订阅过滤
func (s *Store) collectLocked(source HandlerID, o *object, g Group, deltas []Delta) []notification {
	var ns []notification

	public := make([]Delta, 0, len(deltas))
	for _, d := range deltas {
		if p := o.findByID(d.PropertyID); p != nil && p.typ.Kind != Private {
			public = append(public, d)
		}
	}

	for bit, sub := range s.subscribers[g] {
		if o.subs[g]&(1<<uint(bit)) == 0 || sub.handler == source {
			continue
		}
		out := public
		if sub.private {
			out = deltas
		}
		if len(out) == 0 {
			continue
		}
		ns = append(ns, notification{dest: sub.handler, id: o.id, group: g, deltas: cloneDeltas(out)})
	}

	for bit, sub := range s.subscribers[g] {
		if sub.handler == source {
			continue
		}
		var filtered []Delta
		for _, d := range deltas {
			p := o.findByID(d.PropertyID)
			if p == nil {
				continue
			}
			if p.subs[g]&(1<<uint(bit)) != 0 {
				filtered = append(filtered, d)
			}
		}
		if len(filtered) > 0 {
			ns = append(ns, notification{dest: sub.handler, id: o.id, group: g, deltas: cloneDeltas(filtered)})
		}
	}
	return ns
}

func cloneDeltas(in []Delta) []Delta {
	out := make([]Delta, len(in))
	for i, d := range in {
		out[i] = Delta{PropertyID: d.PropertyID, Value: CloneValue(d.Value)}
	}
	return out
}

// subscriberLetters 订阅者缩写，用于调试输出
func (s *Store) subscriberLetters(bits uint32, g Group) string {
	var b strings.Builder
	for bit, sub := range s.subscribers[g] {
		if bits&(1<<uint(bit)) == 0 {
			continue
		}
		b.WriteString(handlerLetter(sub.handler))
	}
	return b.String()
}

func handlerLetter(h HandlerID) string {
	switch h {
	case CommsHandler:
		return "C"
	case UpgradeHandler:
		return "U"
	case StorageHandler:
		return "S"
	case AutomationEngineHandler:
		return "A"
	case LogHandler:
		return "L"
	case TimestampHandler:
		return "T"
	case LSDHandler:
		return "s"
	case GatewayHandler:
		return "G"
	case LEDDeviceHandler:
		return "E"
	case WiSafeDeviceHandler:
		return "W"
	case TestDeviceHandler:
		return "t"
	case TelegesisDeviceHandler:
		return "Z"
	case MonitorHandler:
		return "M"
	default:
		return "?"
	}
}

// DumpObjectStore 输出全部对象与属性，R/D 标记未同步
func (s *Store) DumpObjectStore() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.objects {
		s.log.Info("object",
			zap.Stringer("device", o.id),
			zap.Bool("accepted", o.announceAccepted),
			zap.Bool("announcing", o.announceInProgress),
			zap.String("oos", flagLetters(o.reportedOutOfSync, o.desiredOutOfSync)),
			zap.String("subs_d", s.subscriberLetters(o.subs[Desired], Desired)),
			zap.String("subs_r", s.subscriberLetters(o.subs[Reported], Reported)),
		)
		for _, p := range o.props {
			kind := "pub"
			if p.typ.Kind == Private {
				kind = "prv"
			}
			s.log.Info("  property",
				zap.String("name", p.cloudName),
				zap.String("id", fmt.Sprintf("0x%08x", p.id)),
				zap.Stringer("type", p.typ.ValueType),
				zap.String("kind", kind),
				zap.Bool("persistent", p.typ.Persistent),
				zap.String("oos", flagLetters(p.typ.ReportedOutOfSync, p.typ.DesiredOutOfSync)),
				zap.Stringer("desired", p.values[Desired]),
				zap.Stringer("reported", p.values[Reported]),
				zap.String("subs_d", s.subscriberLetters(p.subs[Desired], Desired)),
				zap.String("subs_r", s.subscriberLetters(p.subs[Reported], Reported)),
			)
		}
	}
}

func flagLetters(reported, desired bool) string {
	b := []byte("  ")
	if reported {
		b[0] = 'R'
	}
	if desired {
		b[1] = 'D'
	}
	return string(b)
}
