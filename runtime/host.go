package runtime

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/wippyai/plugin-sandbox/contract"
	"github.com/wippyai/plugin-sandbox/errors"
)

// Handler serves one method of a host capability. args have already been
// checked against the contract's params; the returned value is checked
// against the method's result type before it reaches the guest.
type Handler func(ctx context.Context, method string, args []json.RawMessage) (any, error)

// Capability is a host service exposed to guests under its contract name.
type Capability struct {
	Contract *contract.Contract
	Handler  Handler
}

type hostRegistry struct {
	caps     map[string]Capability
	services map[string][]string
}

func newHostRegistry(caps []Capability) (*hostRegistry, error) {
	r := &hostRegistry{
		caps:     make(map[string]Capability, len(caps)),
		services: make(map[string][]string, len(caps)),
	}
	for _, c := range caps {
		if c.Contract == nil || c.Handler == nil {
			return nil, errors.InvalidInput(errors.PhaseConfig, "capability needs a contract and a handler")
		}
		name := c.Contract.Name()
		if _, dup := r.caps[name]; dup {
			return nil, errors.InvalidInput(errors.PhaseConfig, "capability "+name+" registered twice")
		}
		r.caps[name] = c
		r.services[name] = c.Contract.MethodNames()
	}
	return r, nil
}

// call is the engine.HostCall for every guest of the runtime.
func (r *hostRegistry) call(ctx context.Context, service, method string, args []byte) ([]byte, error) {
	c, ok := r.caps[service]
	if !ok {
		return nil, errors.NotBound(service, "no such host capability")
	}
	decoded, err := c.Contract.DecodeArgs(method, args)
	if err != nil {
		return nil, err
	}
	v, err := c.Handler(ctx, method, decoded)
	if err != nil {
		Logger().Debug("host capability failed",
			zap.String("service", service),
			zap.String("method", method),
			zap.Error(err))
		return nil, errors.New(errors.PhaseCall, errors.KindRuntimeFault).
			Path(service, method).
			Detail("host capability failed").
			Cause(err).
			Build()
	}
	return c.Contract.EncodeResult(method, v)
}
