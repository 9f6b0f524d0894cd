package server

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"time"

	"github.com/marmos91/remoting/internal/logger"
	"github.com/marmos91/remoting/pkg/callcontext"
	"github.com/marmos91/remoting/pkg/delegate"
	"github.com/marmos91/remoting/pkg/message"
	"github.com/marmos91/remoting/pkg/rpcerror"
	"github.com/marmos91/remoting/pkg/serializer"
	"github.com/marmos91/remoting/pkg/service"
	"github.com/marmos91/remoting/pkg/session"
	"github.com/marmos91/remoting/pkg/wire"
)

// dispatch handles one call envelope end to end: decode, resolve,
// invoke, respond. One-way methods produce no response; their failures
// are logged on this side only.
func (s *Server) dispatch(sess *session.Session, env *wire.Envelope) {
	start := time.Now()
	ctx := context.Background()

	payload, err := sess.OpenPayload(env)
	if err != nil {
		s.respondFault(ctx, sess, env.CorrelationID, err)
		return
	}

	var call message.MethodCall
	if err := s.ser.Deserialize(payload, &call); err != nil {
		s.respondFault(ctx, sess, env.CorrelationID,
			rpcerror.Wrap(rpcerror.KindSerializationFailed, err, "decode method call"))
		return
	}

	result, oneWay, err := s.invoke(ctx, sess, &call)

	outcome := "ok"
	if err != nil {
		outcome = "fault"
	}
	s.metrics.ObserveCall(call.ServiceName, call.MethodName, outcome, time.Since(start))

	if oneWay {
		if err != nil {
			logger.Error("One-way invocation failed",
				"session_id", sess.ID(),
				"service", call.ServiceName,
				"method", call.MethodName,
				"error", err)
		}
		return
	}

	if err != nil {
		logger.Debug("Invocation faulted",
			"session_id", sess.ID(),
			"service", call.ServiceName,
			"method", call.MethodName,
			"error", err)
		s.respondFault(ctx, sess, env.CorrelationID, err)
		return
	}

	resPayload, err := serializer.Marshal(s.ser, result)
	if err != nil {
		s.respondFault(ctx, sess, env.CorrelationID,
			rpcerror.Wrap(rpcerror.KindSerializationFailed, err, "encode result"))
		return
	}
	if err := sess.SendRaw(ctx, wire.TypeResult, env.CorrelationID, false, resPayload); err != nil {
		logger.Warn("Failed to send result", "session_id", sess.ID(), "error", err)
		return
	}
	s.metrics.AddBytesOut(len(resPayload))
}

// invoke resolves and executes the call, returning the result message and
// whether the method is one-way.
func (s *Server) invoke(ctx context.Context, sess *session.Session, call *message.MethodCall) (*message.MethodCallResult, bool, error) {
	instance, reg, err := s.services.Resolve(call.ServiceName, sess)
	if err != nil {
		return nil, false, err
	}

	paramTypeNames := make([]string, len(call.Parameters))
	for i, p := range call.Parameters {
		paramTypeNames[i] = p.TypeName
	}
	m, err := reg.Descriptor.FindMethod(call.MethodName, call.GenericTypeArgNames, paramTypeNames)
	if err != nil {
		return nil, false, err
	}

	args, proxies, err := s.buildArgs(sess, m, call.Parameters)
	if err != nil {
		return nil, m.OneWay, err
	}
	if len(proxies) > 0 {
		ctx = delegate.NewContext(ctx, proxies)
	}

	entries, err := callcontext.DecodeEntries(s.ser, call.CallContext)
	if err != nil {
		return nil, m.OneWay, rpcerror.Wrap(rpcerror.KindSerializationFailed, err, "decode call context")
	}
	cc := callcontext.New()
	cc.Merge(entries)
	ctx = callcontext.WithContext(ctx, cc)

	if s.cfg.Timeouts.Invocation > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeouts.Invocation)
		defer cancel()
	}

	ret, err := invokeGuarded(ctx, m, instance, args)
	if err != nil {
		return nil, m.OneWay, err
	}

	result := &message.MethodCallResult{IsReturnNull: true}
	if m.ReturnType != nil && ret.IsValid() && !isNilValue(ret) {
		blob, err := serializer.Marshal(s.ser, ret.Interface())
		if err != nil {
			return nil, m.OneWay, rpcerror.Wrap(rpcerror.KindSerializationFailed, err, "encode return value")
		}
		result.IsReturnNull = false
		result.ReturnValue = blob
	}

	for i, p := range call.Parameters {
		if !p.IsOut {
			continue
		}
		op := message.OutParam{Name: p.Name, IsNull: true}
		if av := args[i]; av.Kind() == reflect.Pointer && !av.IsNil() {
			blob, err := serializer.Marshal(s.ser, av.Elem().Interface())
			if err != nil {
				return nil, m.OneWay, rpcerror.Wrap(rpcerror.KindSerializationFailed, err, "encode out parameter")
			}
			op.IsNull = false
			op.Value = blob
		}
		result.OutParameters = append(result.OutParameters, op)
	}

	ccEntries, err := callcontext.EncodeEntries(s.ser, cc)
	if err != nil {
		return nil, m.OneWay, rpcerror.Wrap(rpcerror.KindSerializationFailed, err, "encode call context")
	}
	result.CallContext = ccEntries

	return result, m.OneWay, nil
}

// buildArgs deserializes call parameters into the method's parameter
// types. Delegate-typed parameters become session-owned proxies: the
// session reuses one proxy per client handler and closes them all on
// disposal.
func (s *Server) buildArgs(sess *session.Session, m *service.MethodInfo, params []message.Param) ([]reflect.Value, []*delegate.Proxy, error) {
	if len(params) != len(m.ParamTypes) {
		return nil, nil, rpcerror.Newf(rpcerror.KindArgumentMismatch,
			"method %s takes %d parameters, got %d", m.Name, len(m.ParamTypes), len(params))
	}

	args := make([]reflect.Value, len(params))
	var proxies []*delegate.Proxy
	for i, p := range params {
		pt := m.ParamTypes[i]

		if m.IsDelegateParam(i) {
			if p.IsNull {
				args[i] = reflect.Zero(pt)
				continue
			}
			var ref message.DelegateRef
			if err := serializer.Unmarshal(s.ser, p.Value, &ref); err != nil {
				return nil, nil, rpcerror.Wrap(rpcerror.KindSerializationFailed, err, "decode delegate reference")
			}
			// Ownership is keyed by handler key plus the concrete parameter
			// type, so one handler reused with differently typed parameters
			// gets distinct proxies.
			proxy, err := sess.Proxy(ref.HandlerKey, pt.String(), func() (*delegate.Proxy, error) {
				return delegate.NewProxy(pt, &ref, s.ser, s.delegateInvoker(sess))
			})
			if err != nil {
				return nil, nil, err
			}
			proxies = append(proxies, proxy)
			args[i] = proxy.Value()
			continue
		}

		pv := reflect.New(pt)
		if !p.IsNull && len(p.Value) > 0 {
			if err := serializer.Unmarshal(s.ser, p.Value, pv.Interface()); err != nil {
				return nil, nil, rpcerror.Wrap(rpcerror.KindArgumentMismatch, err,
					fmt.Sprintf("deserialize parameter %s as %s", p.Name, p.TypeName))
			}
		}
		args[i] = pv.Elem()
	}
	return args, proxies, nil
}

// invokeGuarded runs the method with panic containment: a panicking
// handler faults only its own call, never the receive loop.
func invokeGuarded(ctx context.Context, m *service.MethodInfo, instance any, args []reflect.Value) (ret reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = rpcerror.Newf(rpcerror.KindInternal, "handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return m.Invoke(ctx, instance, args)
}

// respondFault ships err to the caller as a fault record in an error
// result envelope.
func (s *Server) respondFault(ctx context.Context, sess *session.Session, correlationID []byte, err error) {
	fault := rpcerror.FaultOf(err)
	if fault == nil {
		fault = message.FaultFromError(err, "")
	}
	fault = fault.Truncate()
	if fault.Data == nil {
		fault.Data = map[string]string{}
	}
	if _, ok := fault.Data["kind"]; !ok {
		fault.Data["kind"] = string(rpcerror.KindOf(err))
	}

	payload, serr := serializer.Marshal(s.ser, fault)
	if serr != nil {
		logger.Error("Failed to encode fault", "session_id", sess.ID(), "error", serr)
		return
	}
	if err := sess.SendRaw(ctx, wire.TypeResult, correlationID, true, payload); err != nil {
		logger.Warn("Failed to send fault", "session_id", sess.ID(), "error", err)
		return
	}
	s.metrics.AddBytesOut(len(payload))
}

// isNilValue reports whether v is a nil pointer, interface, map, slice,
// func, or channel.
func isNilValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	default:
		return false
	}
}
