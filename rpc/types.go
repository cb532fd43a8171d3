package rpc

// Remote methods every ring node exposes.
const (
	MethodGetInfo       = "get_info"
	MethodCreate        = "create"
	MethodJoin          = "join"
	MethodFindSuccessor = "find_successor"
	MethodGetSuccessor  = "get_successor"
)

// msgpack-rpc message kinds.
const (
	requestType      = 0
	responseType     = 1
	notificationType = 2
)

// NodeRecord is a ring node's identity as it travels on the wire: [ip, port, id].
type NodeRecord struct {
	_msgpack struct{} `msgpack:",as_array"`

	IP   string
	Port int
	ID   uint64
}
