package client

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/uuid"

	"github.com/marmos91/remoting/internal/logger"
	"github.com/marmos91/remoting/pkg/callcontext"
	"github.com/marmos91/remoting/pkg/message"
	"github.com/marmos91/remoting/pkg/rpcerror"
	"github.com/marmos91/remoting/pkg/serializer"
	"github.com/marmos91/remoting/pkg/service"
	"github.com/marmos91/remoting/pkg/wire"
)

// Invoke calls a remote method and decodes its return value into out
// (pass nil to discard it).
//
// Argument mapping:
//   - func arguments travel as delegate references; the server invokes
//     them back on this client
//   - pointer arguments are out parameters: the server's post-invocation
//     value is written back through the pointer
//   - everything else is serialized by value
func (c *Client) Invoke(serviceName, methodName string, out any, args ...any) error {
	return c.InvokeContext(context.Background(), serviceName, methodName, out, args...)
}

// InvokeContext is Invoke with a caller-supplied context. The context's
// deadline bounds the call; a call context attached via callcontext.With
// is snapshotted, shipped with the call, and merged back on completion.
func (c *Client) InvokeContext(ctx context.Context, serviceName, methodName string, out any, args ...any) error {
	params, outPtrs, err := c.buildParams(args)
	if err != nil {
		return err
	}
	return c.invokeRaw(ctx, serviceName, methodName, nil, params, outPtrs, out)
}

// InvokeOneWay ships a call without awaiting a response, for methods
// registered as one-way on the server. Failures of the remote handler
// stay on the server side.
func (c *Client) InvokeOneWay(ctx context.Context, serviceName, methodName string, args ...any) error {
	params, _, err := c.buildParams(args)
	if err != nil {
		return err
	}
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	call := &message.MethodCall{
		ServiceName: serviceName,
		MethodName:  methodName,
		Parameters:  params,
	}
	if cc := callcontext.FromContext(ctx); cc != nil {
		entries, err := callcontext.EncodeEntries(c.ser, cc)
		if err != nil {
			return rpcerror.Wrap(rpcerror.KindSerializationFailed, err, "encode call context")
		}
		call.CallContext = entries
	}

	corr := uuid.New()
	return c.sendMessage(ctx, wire.TypeCall, corr[:], false, call)
}

// buildParams converts Go arguments into wire parameters. outPtrs maps
// wire parameter names to the pointers out parameters write back through.
func (c *Client) buildParams(args []any) ([]message.Param, map[string]reflect.Value, error) {
	params := make([]message.Param, 0, len(args))
	outPtrs := make(map[string]reflect.Value)

	for i, arg := range args {
		p := message.Param{Name: fmt.Sprintf("arg%d", i)}

		if arg == nil {
			p.IsNull = true
			params = append(params, p)
			continue
		}

		v := reflect.ValueOf(arg)
		t := v.Type()
		p.TypeName = service.TypeName(t)

		switch t.Kind() {
		case reflect.Func:
			key, _, err := c.handlers.Subscribe(arg)
			if err != nil {
				return nil, nil, err
			}
			ref := message.DelegateRef{HandlerKey: key, Signature: service.Signature(t)}
			blob, err := serializer.Marshal(c.ser, ref)
			if err != nil {
				return nil, nil, rpcerror.Wrap(rpcerror.KindSerializationFailed, err, "encode delegate reference")
			}
			p.Value = blob

		case reflect.Pointer:
			p.IsOut = true
			if v.IsNil() {
				p.IsNull = true
			} else {
				blob, err := serializer.Marshal(c.ser, arg)
				if err != nil {
					return nil, nil, rpcerror.Wrap(rpcerror.KindSerializationFailed, err,
						fmt.Sprintf("encode parameter %s", p.Name))
				}
				p.Value = blob
				outPtrs[p.Name] = v
			}

		default:
			blob, err := serializer.Marshal(c.ser, arg)
			if err != nil {
				return nil, nil, rpcerror.Wrap(rpcerror.KindSerializationFailed, err,
					fmt.Sprintf("encode parameter %s", p.Name))
			}
			p.Value = blob
		}
		params = append(params, p)
	}
	return params, outPtrs, nil
}

// invokeRaw runs the full call protocol: register the pending entry
// before sending so a fast response always finds its waiter, ship the
// call, then wait within the invocation budget.
func (c *Client) invokeRaw(ctx context.Context, serviceName, methodName string, genericArgs []string, params []message.Param, outPtrs map[string]reflect.Value, out any) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	call := &message.MethodCall{
		ServiceName:         serviceName,
		MethodName:          methodName,
		GenericTypeArgNames: genericArgs,
		Parameters:          params,
	}

	cc := callcontext.FromContext(ctx)
	if cc != nil {
		entries, err := callcontext.EncodeEntries(c.ser, cc)
		if err != nil {
			return rpcerror.Wrap(rpcerror.KindSerializationFailed, err, "encode call context")
		}
		call.CallContext = entries
	}

	corr := uuid.New()
	pc, err := c.pending.Add(corr[:])
	if err != nil {
		return err
	}

	if err := c.sendMessage(ctx, wire.TypeCall, corr[:], false, call); err != nil {
		c.pending.Forget(corr[:])
		return err
	}

	wctx := ctx
	if c.cfg.Timeouts.Invocation > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, c.cfg.Timeouts.Invocation)
		defer cancel()
	}
	result, err := pc.Wait(wctx)
	if err != nil {
		c.pending.Forget(corr[:])
		return err
	}

	return c.applyResult(cc, result, outPtrs, out)
}

// applyResult decodes the return value, writes out parameters back, and
// merges returned call-context entries.
func (c *Client) applyResult(cc *callcontext.Context, result *message.MethodCallResult, outPtrs map[string]reflect.Value, out any) error {
	if out != nil && !result.IsReturnNull && len(result.ReturnValue) > 0 {
		if err := serializer.Unmarshal(c.ser, result.ReturnValue, out); err != nil {
			return rpcerror.Wrap(rpcerror.KindSerializationFailed, err, "decode return value")
		}
	}

	for _, op := range result.OutParameters {
		ptr, ok := outPtrs[op.Name]
		if !ok || op.IsNull || len(op.Value) == 0 {
			continue
		}
		if err := serializer.Unmarshal(c.ser, op.Value, ptr.Interface()); err != nil {
			return rpcerror.Wrap(rpcerror.KindSerializationFailed, err,
				fmt.Sprintf("decode out parameter %s", op.Name))
		}
	}

	if cc != nil && len(result.CallContext) > 0 {
		entries, err := callcontext.DecodeEntries(c.ser, result.CallContext)
		if err != nil {
			return rpcerror.Wrap(rpcerror.KindSerializationFailed, err, "decode call context")
		}
		cc.Merge(entries)
	}
	return nil
}

// ensureConnected reconnects when AutoReconnect is set and the connection
// was lost.
func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	connected := c.connected
	disposed := c.disposed
	c.mu.Unlock()

	if connected {
		return nil
	}
	if disposed || !c.autoReconnect {
		return rpcerror.New(rpcerror.KindNotConnected, "not connected")
	}
	logger.Info("Reconnecting", "address", c.addr)
	return c.Connect(ctx)
}

// Subscribe registers handler for the remote event exposed by the named
// service method and ships the registration. Subscribing the same handler
// again only bumps its reference count; the server sees one registration.
func (c *Client) Subscribe(ctx context.Context, serviceName, methodName string, handler any) error {
	key, first, err := c.handlers.Subscribe(handler)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	if err := c.sendDelegateRef(ctx, serviceName, methodName, key, handler); err != nil {
		c.handlers.Unsubscribe(handler)
		return err
	}
	return nil
}

// Unsubscribe drops one reference to handler; when the last reference
// goes, the removal is shipped to the server.
func (c *Client) Unsubscribe(ctx context.Context, serviceName, methodName string, handler any) error {
	key, removed, ok := c.handlers.Unsubscribe(handler)
	if !ok || !removed {
		return nil
	}
	return c.sendDelegateRef(ctx, serviceName, methodName, key, handler)
}

// sendDelegateRef invokes the named method passing a delegate reference
// with an explicit key, bypassing parameter auto-registration.
func (c *Client) sendDelegateRef(ctx context.Context, serviceName, methodName string, key []byte, handler any) error {
	t := reflect.TypeOf(handler)
	ref := message.DelegateRef{HandlerKey: key, Signature: service.Signature(t)}
	blob, err := serializer.Marshal(c.ser, ref)
	if err != nil {
		return rpcerror.Wrap(rpcerror.KindSerializationFailed, err, "encode delegate reference")
	}

	params := []message.Param{{
		Name:     "arg0",
		TypeName: service.TypeName(t),
		Value:    blob,
	}}
	return c.invokeRaw(ctx, serviceName, methodName, nil, params, nil, nil)
}

// handleDelegate dispatches an inbound delegate invocation to its
// registered handler. Synchronous invocations (non-empty correlation id)
// reply with the handler's result or fault.
func (c *Client) handleDelegate(env *wire.Envelope) {
	payload, err := c.openPayload(env)
	if err != nil {
		logger.Warn("Dropping unreadable delegate invocation", "error", err)
		return
	}

	var inv message.DelegateInvocation
	if err := c.ser.Deserialize(payload, &inv); err != nil {
		logger.Warn("Dropping malformed delegate invocation", "error", err)
		return
	}

	// The envelope's slices go back to the pool when this returns; the
	// goroutine keeps only copies.
	corr := append([]byte(nil), env.CorrelationID...)

	go func() {
		ret, hasRet, err := c.handlers.Invoke(context.Background(), c.ser, inv.HandlerKey, inv.Arguments)

		if len(corr) == 0 {
			if err != nil {
				logger.Warn("Delegate handler failed", "handler_key", inv.HandlerKey, "error", err)
			}
			return
		}

		ctx := context.Background()
		if err != nil {
			fault := message.FaultFromError(err, "").Truncate()
			fault.Data = map[string]string{"kind": string(rpcerror.KindOf(err))}
			if serr := c.sendMessage(ctx, wire.TypeResult, corr, true, fault); serr != nil {
				logger.Warn("Failed to send delegate fault", "error", serr)
			}
			return
		}

		result := &message.MethodCallResult{IsReturnNull: !hasRet}
		if hasRet {
			blob, err := serializer.Marshal(c.ser, ret)
			if err != nil {
				logger.Warn("Failed to encode delegate result", "error", err)
				return
			}
			result.ReturnValue = blob
		}
		if err := c.sendMessage(ctx, wire.TypeResult, corr, false, result); err != nil {
			logger.Warn("Failed to send delegate result", "error", err)
		}
	}()
}
