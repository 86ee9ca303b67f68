package data

import (
	"reflect"
	"sync"

	"github.com/hashweave/weave/util"
)

const MutationEventApplyOp = "apply-op"

// MutationEvent describes a state change somewhere in an object tree. Path is
// the literal path from the observed root down to the emitter, "" at the
// emitter itself.
type MutationEvent struct {
	Emitter        HashedObject
	Path           string
	Action         string
	Data           any
	MutableContent bool
}

type MutationEventObserver func(event MutationEvent)

// EventRelay chains observation through an object tree: a parent's relay
// holds its children's relays as sub-sources, so an observer attached at the
// root sees mutation events from any descendant mutable.
type EventRelay struct {
	stateLock sync.Mutex

	owner     HashedObject
	observers *util.CallbackList[MutationEventObserver]

	cascadeMutableContentEvents bool
	children                    map[string]*EventRelay
}

// EventRelayOf lazily builds the relay for an object, chaining the relays of
// every direct subobject under its literal field path.
func EventRelayOf(object HashedObject) *EventRelay {
	base := object.base()
	if base.relay != nil {
		return base.relay
	}
	relay := &EventRelay{
		owner:                       object,
		observers:                   util.NewCallbackList[MutationEventObserver](),
		cascadeMutableContentEvents: true,
		children:                    map[string]*EventRelay{},
	}
	base.relay = relay

	walkLiteralFields(object, func(name string, value reflect.Value) error {
		if value.Kind() != reflect.Interface && value.Kind() != reflect.Pointer {
			return nil
		}
		if value.IsNil() {
			return nil
		}
		child, ok := value.Interface().(HashedObject)
		if !ok {
			return nil
		}
		childRelay := EventRelayOf(child)
		relay.children[name] = childRelay
		path := name
		childRelay.AddObserver(func(event MutationEvent) {
			relay.forward(path, event)
		})
		return nil
	})
	return relay
}

func (self *EventRelay) AddObserver(observer MutationEventObserver) int {
	return self.observers.Add(observer)
}

func (self *EventRelay) RemoveObserver(observerId int) {
	self.observers.Remove(observerId)
}

// SetCascadeMutableContentEvents toggles, recursively, whether events emitted
// by mutable contents (as opposed to structural changes of the object itself)
// propagate upward.
func (self *EventRelay) SetCascadeMutableContentEvents(cascade bool) {
	self.stateLock.Lock()
	self.cascadeMutableContentEvents = cascade
	children := make([]*EventRelay, 0, len(self.children))
	for _, child := range self.children {
		children = append(children, child)
	}
	self.stateLock.Unlock()

	for _, child := range children {
		child.SetCascadeMutableContentEvents(cascade)
	}
}

func (self *EventRelay) Emit(event MutationEvent) {
	self.deliver(event)
}

func (self *EventRelay) forward(path string, event MutationEvent) {
	self.stateLock.Lock()
	cascade := self.cascadeMutableContentEvents
	self.stateLock.Unlock()

	if event.MutableContent && !cascade {
		return
	}
	forwarded := event
	if event.Path == "" {
		forwarded.Path = path
	} else {
		forwarded.Path = path + "." + event.Path
	}
	self.deliver(forwarded)
}

func (self *EventRelay) deliver(event MutationEvent) {
	for _, observer := range self.observers.Get() {
		util.HandleError(func() {
			observer(event)
		})
	}
}
