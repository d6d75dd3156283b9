//go:build linux

package capture

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Run exports the engine on the session bus and blocks until ctx is done.
func (s *IBusSource) Run(ctx context.Context, sink Sink) error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connect session bus: %w", err)
	}
	defer conn.Close()

	reply, err := conn.RequestName(s.cfg.BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request bus name %s: %w", s.cfg.BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s already taken", s.cfg.BusName)
	}

	s.bind(sink)
	defer s.bind(nil)

	if err := conn.Export(&ibusEngine{src: s}, ibusEnginePath, ibusEngineInterface); err != nil {
		return fmt.Errorf("export engine: %w", err)
	}
	s.logger.Info("ibus engine exported", "bus_name", s.cfg.BusName)

	<-ctx.Done()
	return ctx.Err()
}
