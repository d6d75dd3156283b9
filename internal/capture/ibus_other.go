//go:build !linux

package capture

import "context"

func (s *IBusSource) Run(ctx context.Context, sink Sink) error {
	return ErrIBusUnsupported
}
