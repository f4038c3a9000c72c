package driver

import (
	"fmt"
	"runtime"
)

var errNotAFunction = fmt.Errorf("%w: expecting a function", ErrInvalidArgument)

// SetCallback registers handler for kind, replacing any previous handler.
// handler must be the kind's handler type (or a func literal of the same
// signature). EventLog is registered with SetLogCallback. A dead handle
// reports a no-connection status without error.
func (h *Handle) SetCallback(kind EventKind, handler any) (Status, error) {
	defer runtime.KeepAlive(h)
	s := h.s
	if !s.alive.Load() {
		return noConnStatus(), nil
	}
	if handler == nil {
		return invalidStatus(errNotAFunction), errNotAFunction
	}

	var fn any
	ok := false
	switch kind {
	case EventConnect:
		fn, ok = asConnectHandler(handler)
	case EventDisconnect:
		fn, ok = asDisconnectHandler(handler)
	case EventPublish:
		fn, ok = asPublishHandler(handler)
	case EventUnsubscribe:
		fn, ok = asUnsubscribeHandler(handler)
	case EventMessage:
		fn, ok = asMessageHandler(handler)
	case EventSubscribe:
		fn, ok = asSubscribeHandler(handler)
	default:
		err := fmt.Errorf("%w: unknown event kind %s", ErrInvalidArgument, kind)
		return invalidStatus(err), err
	}
	if !ok {
		err := fmt.Errorf("%w for %s, got %T", errNotAFunction, kind, handler)
		return invalidStatus(err), err
	}

	switch kind {
	case EventConnect:
		s.engine.SetConnectCallback(onConnect)
	case EventDisconnect:
		s.engine.SetDisconnectCallback(onDisconnect)
	case EventPublish:
		s.engine.SetPublishCallback(onPublish)
	case EventUnsubscribe:
		s.engine.SetUnsubscribeCallback(onUnsubscribe)
	case EventMessage:
		s.engine.SetMessageCallback(onMessage)
	case EventSubscribe:
		s.engine.SetSubscribeCallback(onSubscribe)
	}
	s.callbacks[kind] = fn
	return Translate(nil), nil
}

// SetLogCallback registers handler for engine log lines whose level
// intersects mask.
func (h *Handle) SetLogCallback(mask LogLevel, handler LogHandler) (Status, error) {
	defer runtime.KeepAlive(h)
	s := h.s
	if !s.alive.Load() {
		return noConnStatus(), nil
	}
	if handler == nil {
		return invalidStatus(errNotAFunction), errNotAFunction
	}
	s.engine.SetLogCallback(onLog)
	s.callbacks[EventLog] = handler
	s.logMask = mask & LogAll
	return Translate(nil), nil
}

// OnConnect registers the CONNECT handler.
func (h *Handle) OnConnect(fn ConnectHandler) (Status, error) {
	return h.SetCallback(EventConnect, fn)
}

// OnDisconnect registers the DISCONNECT handler.
func (h *Handle) OnDisconnect(fn DisconnectHandler) (Status, error) {
	return h.SetCallback(EventDisconnect, fn)
}

// OnPublish registers the PUBLISH handler.
func (h *Handle) OnPublish(fn PublishHandler) (Status, error) {
	return h.SetCallback(EventPublish, fn)
}

// OnMessage registers the MESSAGE handler.
func (h *Handle) OnMessage(fn MessageHandler) (Status, error) {
	return h.SetCallback(EventMessage, fn)
}

// OnSubscribe registers the SUBSCRIBE handler.
func (h *Handle) OnSubscribe(fn SubscribeHandler) (Status, error) {
	return h.SetCallback(EventSubscribe, fn)
}

// OnUnsubscribe registers the UNSUBSCRIBE handler.
func (h *Handle) OnUnsubscribe(fn UnsubscribeHandler) (Status, error) {
	return h.SetCallback(EventUnsubscribe, fn)
}

func asConnectHandler(v any) (ConnectHandler, bool) {
	switch fn := v.(type) {
	case ConnectHandler:
		return fn, fn != nil
	case func(bool, int, string) error:
		return fn, fn != nil
	}
	return nil, false
}

func asDisconnectHandler(v any) (DisconnectHandler, bool) {
	switch fn := v.(type) {
	case DisconnectHandler:
		return fn, fn != nil
	case func(bool, int, string) error:
		return fn, fn != nil
	}
	return nil, false
}

func asPublishHandler(v any) (PublishHandler, bool) {
	switch fn := v.(type) {
	case PublishHandler:
		return fn, fn != nil
	case func(int) error:
		return fn, fn != nil
	}
	return nil, false
}

func asUnsubscribeHandler(v any) (UnsubscribeHandler, bool) {
	switch fn := v.(type) {
	case UnsubscribeHandler:
		return fn, fn != nil
	case func(int) error:
		return fn, fn != nil
	}
	return nil, false
}

func asMessageHandler(v any) (MessageHandler, bool) {
	switch fn := v.(type) {
	case MessageHandler:
		return fn, fn != nil
	case func(Message) error:
		return fn, fn != nil
	}
	return nil, false
}

func asSubscribeHandler(v any) (SubscribeHandler, bool) {
	switch fn := v.(type) {
	case SubscribeHandler:
		return fn, fn != nil
	case func(int, []int) error:
		return fn, fn != nil
	}
	return nil, false
}
