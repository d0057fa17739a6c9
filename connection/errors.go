package connection

import "errors"

var (
	ErrPermissionDenied = errors.New("tunnel permission denied")
	ErrConfigGeneration = errors.New("engine config generation failed")
	ErrEngineStart      = errors.New("engine start failed")
	ErrEngineTimeout    = errors.New("engine did not stop in time")
	ErrForeignTunnel    = errors.New("another tunnel owns the default route")
)
