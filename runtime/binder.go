package runtime

import (
	"context"

	"github.com/wippyai/plugin-sandbox/contract"
	"github.com/wippyai/plugin-sandbox/errors"
)

// Lookup resolves a service the module bound while loading. The handle is
// valid for the life of the instance.
func (i *Instance) Lookup(c *contract.Contract) (*RemoteHandle, error) {
	if err := i.Err(); err != nil {
		return nil, err
	}
	if !i.guest.Bound(c.Name()) {
		return nil, errors.New(errors.PhaseBind, errors.KindServiceNotBound).
			Path(c.Name()).
			Instance(i.id).
			Module(i.manifest.String()).
			Detail("module did not bind %s", c.ID()).
			Build()
	}
	for _, name := range c.MethodNames() {
		if !i.guest.HasMethod(c.Name(), name) {
			return nil, errors.New(errors.PhaseBind, errors.KindServiceNotBound).
				Path(c.Name(), name).
				Instance(i.id).
				Module(i.manifest.String()).
				Detail("bound service does not implement %s", name).
				Build()
		}
	}
	return &RemoteHandle{inst: i, contract: c}, nil
}

// RemoteHandle calls one bound service through its contract.
type RemoteHandle struct {
	inst     *Instance
	contract *contract.Contract
}

// Contract returns the contract the handle was resolved with.
func (h *RemoteHandle) Contract() *contract.Contract { return h.contract }

// Invoke calls method with args and returns the raw JSON result after
// checking it against the method's result type.
func (h *RemoteHandle) Invoke(ctx context.Context, method string, args ...any) ([]byte, error) {
	out, err := h.invoke(ctx, method, args)
	if err != nil {
		return nil, err
	}
	if err := h.contract.DecodeResult(method, out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// Call is Invoke followed by decoding the result into out.
func (h *RemoteHandle) Call(ctx context.Context, method string, out any, args ...any) error {
	raw, err := h.invoke(ctx, method, args)
	if err != nil {
		return err
	}
	return h.contract.DecodeResult(method, raw, out)
}

func (h *RemoteHandle) invoke(ctx context.Context, method string, args []any) ([]byte, error) {
	_, id, _ := h.contract.Lookup(method)
	data, err := h.contract.EncodeArgs(method, args...)
	if err != nil {
		return nil, err
	}
	return h.inst.call(ctx, h.contract.Name(), method, id, data)
}
