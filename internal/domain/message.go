package domain

import (
	"context"
)

// JobID correlates a request with its reply.
type JobID uint64

// InvalidJobID marks messages that are not part of a job.
const InvalidJobID = JobID(^uint64(0))

func (j JobID) IsValid() bool {
	return j != InvalidJobID
}

// MsgType is the message kind carried in every envelope.
type MsgType uint32

// ProtoMask flags a message type whose body is protobuf encoded.
const ProtoMask = MsgType(0x80000000)

func (t MsgType) IsProto() bool {
	return t&ProtoMask != 0
}

func (t MsgType) WithoutProto() MsgType {
	return t &^ ProtoMask
}

const (
	MsgMulti        = MsgType(1)
	MsgClientLogOff = MsgType(706)
	MsgClientToGC   = MsgType(5452)
	MsgClientFromGC = MsgType(5453)
	MsgHeartBeat    = MsgType(703)
)

// Message is an already decoded protocol message. Body encoding is owned by the codec.
type Message struct {
	Type        MsgType `json:"type"`
	SourceJobID JobID   `json:"source_job_id"`
	TargetJobID JobID   `json:"target_job_id"`
	AppID       uint32  `json:"app_id,omitempty"`
	Body        any     `json:"body,omitempty"`
}

// NewMessage creates a message that is not bound to any job.
func NewMessage(msgType MsgType, body any) Message {
	return Message{
		Type:        msgType,
		SourceJobID: InvalidJobID,
		TargetJobID: InvalidJobID,
		Body:        body,
	}
}

// GCMessage is an application scoped payload routed through a game coordinator.
type GCMessage struct {
	AppID   uint32  `json:"app_id"`
	Type    MsgType `json:"msg_type"`
	Payload any     `json:"payload"`
}

// Transport is an established message channel to a CM server.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Dialer opens a Transport to a server, optionally through a proxy.
type Dialer interface {
	Protocols() ProtocolType
	Dial(ctx context.Context, record ServerRecord, protocol ProtocolType, proxy *ProxyState) (Transport, error)
}

// Sender is the generic send path a game coordinator hands its envelopes to.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// GameCoordinator tags application messages with an app id and sends them over a session.
type GameCoordinator interface {
	AppID() uint32
	Send(ctx context.Context, payload any, appID uint32, msgType MsgType) error
}

// MessageRouter consumes messages addressed to a sub-system. Route reports whether msg was consumed.
type MessageRouter interface {
	Route(sender any, msg Message) bool
}
