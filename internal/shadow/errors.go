package shadow

import "errors"

// Error 本地影子错误码
type Error int

const (
	ErrPropertyNotFound   Error = iota + 1 // 属性不存在
	ErrNotSupported                        // 功能不支持
	ErrNilArgument                         // 必填参数为空
	ErrOutOfRange                          // 参数越界
	ErrDuplicateID                         // 同一设备下属性ID重复
	ErrDuplicateCloudName                  // 同一设备下云端名称重复
	ErrWrongType                           // 值类型或可见性不匹配
	ErrGroupNotSupported                   // 不支持的属性组
	ErrObjectNotFound                      // 对象不存在
	ErrDeviceNotFound                      // 设备不存在
	ErrSubscriberNotFound                  // 订阅者不存在
	ErrAlreadyRegistered                   // 对象已注册
	ErrBufferTooSmall                      // 缓冲区不足
	ErrBufferTooBig                        // 数据超出上限
	ErrConversionFailed                    // 值转换失败
	ErrPoolFull                            // 资源池已满
	ErrTimeout                             // 超时
	ErrObjectNotCreated                    // 对象创建失败
	ErrInternal                            // 内部错误
	ErrWouldBlock                          // 目标队列已满
	ErrOpenFailed                          // 打开失败
	ErrReadFailed                          // 读取失败
	ErrWriteFailed                         // 写入失败
	ErrRenameFailed                        // 重命名失败
	ErrRemoveFailed                        // 删除失败
	ErrNoChange                            // 值未变化
	ErrClientBusy                          // 云端客户端忙或未连接
)

var errorText = map[Error]string{
	ErrPropertyNotFound:   "property not found",
	ErrNotSupported:       "functionality not supported",
	ErrNilArgument:        "nil argument supplied",
	ErrOutOfRange:         "parameter out of range",
	ErrDuplicateID:        "property not created: duplicate id",
	ErrDuplicateCloudName: "property not created: duplicate cloud name",
	ErrWrongType:          "property wrong type",
	ErrGroupNotSupported:  "property group not supported",
	ErrObjectNotFound:     "object not found",
	ErrDeviceNotFound:     "device not found",
	ErrSubscriberNotFound: "subscriber not found",
	ErrAlreadyRegistered:  "object already registered",
	ErrBufferTooSmall:     "buffer too small",
	ErrBufferTooBig:       "buffer too big",
	ErrConversionFailed:   "conversion failed",
	ErrPoolFull:           "pool full",
	ErrTimeout:            "timeout",
	ErrObjectNotCreated:   "object not created",
	ErrInternal:           "internal error",
	ErrWouldBlock:         "would block",
	ErrOpenFailed:         "open failed",
	ErrReadFailed:         "read failed",
	ErrWriteFailed:        "write failed",
	ErrRenameFailed:       "rename failed",
	ErrRemoveFailed:       "remove failed",
	ErrNoChange:           "no change",
	ErrClientBusy:         "cloud client busy",
}

func (e Error) Error() string {
	if s, ok := errorText[e]; ok {
		return s
	}
	return "unknown error"
}

// IsDuplicate 重复创建属性，调用方按成功处理
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateID) || errors.Is(err, ErrDuplicateCloudName)
}

// IsNotFound 设备或属性不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPropertyNotFound) ||
		errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrObjectNotFound)
}
