// Package store defines the contract between the inspector and the hierarchical
// coordination service it browses, plus an in-memory and a ZooKeeper-backed
// implementation of that contract.
package store

import (
	"context"
	"strings"
	"time"
)

// AnyVersion matches every node version on conditional writes and deletes.
const AnyVersion int32 = -1

// Stat is the metadata the service keeps for each node.
type Stat struct {
	Czxid          int64
	Mzxid          int64
	Pzxid          int64
	Ctime          time.Time
	Mtime          time.Time
	Version        int32
	Cversion       int32
	Aversion       int32
	EphemeralOwner int64
	DataLength     int32
	NumChildren    int32
}

// IsEphemeral reports whether the node is bound to a client session.
func (s *Stat) IsEphemeral() bool {
	return s != nil && s.EphemeralOwner != 0
}

// Perm is a bit set of ACL permissions.
type Perm int32

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermCreate
	PermDelete
	PermAdmin
	PermAll = PermRead | PermWrite | PermCreate | PermDelete | PermAdmin
)

var permNames = []struct {
	perm Perm
	name string
}{
	{PermRead, "Read"},
	{PermWrite, "Write"},
	{PermCreate, "Create"},
	{PermDelete, "Delete"},
	{PermAdmin, "Admin"},
}

// String lists the granted permissions, e.g. "Read, Write".
func (p Perm) String() string {
	var names []string
	for _, pn := range permNames {
		if p&pn.perm != 0 {
			names = append(names, pn.name)
		}
	}
	return strings.Join(names, ", ")
}

// ACL is a single access control entry on a node.
type ACL struct {
	Scheme string
	ID     string
	Perms  Perm
}

// WorldACL grants perms to everyone.
func WorldACL(perms Perm) []ACL {
	return []ACL{{Scheme: "world", ID: "anyone", Perms: perms}}
}

// EventType classifies a watch trigger.
type EventType int

const (
	EventNodeCreated EventType = iota + 1
	EventNodeDeleted
	EventNodeDataChanged
	EventNodeChildrenChanged
	// EventNotWatching means the service dropped the trigger, usually on session loss.
	EventNotWatching
)

func (t EventType) String() string {
	switch t {
	case EventNodeCreated:
		return "NodeCreated"
	case EventNodeDeleted:
		return "NodeDeleted"
	case EventNodeDataChanged:
		return "NodeDataChanged"
	case EventNodeChildrenChanged:
		return "NodeChildrenChanged"
	case EventNotWatching:
		return "NotWatching"
	default:
		return "Unknown"
	}
}

// Event is delivered once on the channel returned by Store.Subscribe.
type Event struct {
	Type EventType
	Path string
	Err  error
}

// Store is the remote hierarchical namespace. Every method may block on the
// network and must be safe for concurrent use.
type Store interface {
	// ListChildren returns the unordered child names of path.
	ListChildren(ctx context.Context, path string) ([]string, *Stat, error)
	// Exists reports whether path exists. A missing node is not an error.
	Exists(ctx context.Context, path string) (bool, *Stat, error)
	GetData(ctx context.Context, path string) ([]byte, *Stat, error)
	SetData(ctx context.Context, path string, data []byte, version int32) (*Stat, error)
	// Create makes a single persistent node. The parent must exist.
	Create(ctx context.Context, path string, data []byte) error
	// Delete removes a childless node.
	Delete(ctx context.Context, path string, version int32) error
	GetACL(ctx context.Context, path string) ([]ACL, *Stat, error)
	// Subscribe arms a one-shot trigger on path covering existence, data and
	// children changes. The channel receives at most one Event and is then
	// closed. Subscribing to a missing node is allowed and fires on creation.
	Subscribe(ctx context.Context, path string) (<-chan Event, error)
	Close() error
}

// StateReporter is implemented by stores that can report session liveness
// without a round trip.
type StateReporter interface {
	Connected() bool
}

// SessionReporter is implemented by stores that expose session details.
type SessionReporter interface {
	SessionID() int64
	State() string
	Servers() []string
	SessionTimeout() time.Duration
}
