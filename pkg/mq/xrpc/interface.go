package xrpc

// Interface 一个 RPC 接口：参数类型 A，结果类型 R，以及固定的命名约定。
// 设计决策: 使用具体的泛型结构体，A、R 成为类型的一部分，
// 参数或结果类型不符的 Interface 无法传给 NewClient/NewServer。
type Interface[A, R any] struct {
	name string
}

// NewInterface 返回名为 name 的接口描述，交换机为 rpc.<name>，调用路由键为 <name>.call。
func NewInterface[A, R any](name string) Interface[A, R] {
	return Interface[A, R]{name: name}
}

func (i Interface[A, R]) Name() string     { return i.name }
func (i Interface[A, R]) Exchange() string { return "rpc." + i.name }
func (i Interface[A, R]) CallKey() string  { return i.name + ".call" }

// callQueue Server 消费的持久队列。
func callQueue(name string) string { return name + ".calls" }

// Envelope 调用与返回共用的线上信封，Call 与 Return 恰好设置其一。
type Envelope[A, R any] struct {
	Call   *A `cbor:"call,omitempty"`
	Return *R `cbor:"return,omitempty"`
}

// 消息 Type 字段取值。
const (
	typeCall   = "call"
	typeReturn = "return"
)
