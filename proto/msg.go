// Package proto defines the requests and replies exchanged between network
// table clients and the server, and their encoding on the wire.
package proto

import (
	"strconv"

	"github.com/UBCSailbot/network-table/store"
)

// Control messages are plain strings recognized before any attempt to
// decode a frame as a Request or Reply.
const (
	Connect    = "connect"
	Disconnect = "disconnect"
)

type Verb int32

const (
	SetValue Verb = 1 + iota
	SetValues
	GetValue
	GetValues
	GetNodes
	Subscribe
	Unsubscribe
)

var verbNames = map[Verb]string{
	SetValue:    "SETVALUE",
	SetValues:   "SETVALUES",
	GetValue:    "GETVALUE",
	GetValues:   "GETVALUES",
	GetNodes:    "GETNODES",
	Subscribe:   "SUBSCRIBE",
	Unsubscribe: "UNSUBSCRIBE",
}

func (v Verb) String() string {
	if s, ok := verbNames[v]; ok {
		return s
	}
	return "VERB(" + strconv.Itoa(int(v)) + ")"
}

// HasReply reports whether the server answers requests with this verb.
func (v Verb) HasReply() bool {
	switch v {
	case GetValue, GetValues, GetNodes:
		return true
	}
	return false
}

// Request is a tagged union; Verb says which of the other fields are used.
//
//	SetValue     Path, Value
//	SetValues    Values
//	GetValue     Path
//	GetValues    Paths
//	GetNodes     Paths
//	Subscribe    Path
//	Unsubscribe  Path
type Request struct {
	// Tag is echoed in the direct reply so the client can match them up.
	Tag    int32
	Verb   Verb
	Path   string
	Value  store.Value
	Values map[string]store.Value
	Paths  []string
}

type ReplyType int32

const (
	GetValueReply ReplyType = 1 + iota
	GetValuesReply
	GetNodesReply
	// SubscribeReply is pushed to subscribers; it answers no request.
	SubscribeReply
	ErrorReply
)

var replyNames = map[ReplyType]string{
	GetValueReply:  "GETVALUE",
	GetValuesReply: "GETVALUES",
	GetNodesReply:  "GETNODES",
	SubscribeReply: "SUBSCRIBE",
	ErrorReply:     "ERROR",
}

func (t ReplyType) String() string {
	if s, ok := replyNames[t]; ok {
		return s
	}
	return "REPLY(" + strconv.Itoa(int(t)) + ")"
}

// Reply is a tagged union; Type says which of the other fields are used.
//
//	GetValueReply   Value
//	GetValuesReply  Values
//	GetNodesReply   Nodes
//	SubscribeReply  Path, Value
//	ErrorReply      Err
type Reply struct {
	Tag    int32
	Type   ReplyType
	Path   string
	Value  store.Value
	Values map[string]store.Value
	Nodes  map[string]store.Node
	Err    *Error
}

type ErrorKind int32

const (
	NotFound ErrorKind = 1 + iota
	// TooLarge answers a read whose reply would not fit in one frame.
	TooLarge
)

var errorNames = map[ErrorKind]string{
	NotFound: "NOT_FOUND",
	TooLarge: "TOO_LARGE",
}

func (k ErrorKind) String() string {
	if s, ok := errorNames[k]; ok {
		return s
	}
	return "ERR(" + strconv.Itoa(int(k)) + ")"
}

// Error is the body of an ErrorReply.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}
