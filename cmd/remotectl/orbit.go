package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"remotectl/client"
	"remotectl/config"
	"remotectl/message"
	"remotectl/mirror"
	"remotectl/world"
	"time"

	"github.com/spf13/pflag"
)

type orbitOptions struct {
	fps        int
	speed      float64       // Radians per second
	duration   time.Duration // Zero runs until interrupted
	toggleFPS  time.Duration // Press the frame counter toggle this often; zero never
	startAngle float64
}

func (o *orbitOptions) addFlags(flagSet *pflag.FlagSet) {
	flagSet.IntVar(&o.fps, "fps", 60, "orbit: local frames per second")
	flagSet.Float64Var(&o.speed, "speed", 0.5, "orbit: radians per second")
	flagSet.DurationVar(&o.duration, "duration", 0, "orbit: stop after this long, 0 runs until interrupted")
	flagSet.DurationVar(&o.toggleFPS, "toggle-fps", 0, "orbit: toggle the remote frame counter this often")
	flagSet.Float64Var(&o.startAngle, "start-angle", 0, "orbit: initial angle in radians")
}

// runOrbit spins a local camera around the origin and mirrors it to the remote camera.
func runOrbit(ctx context.Context, c *client.Client, cfg *config.Config, opts orbitOptions, logger *slog.Logger) error {
	if opts.fps < 1 {
		return errors.New("--fps must be positive")
	}
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	local := world.New(nil)
	start := world.TransformFromXYZ(0, 4.5, 9).
		RotateAround(world.Vec3Zero, world.QuatFromRotationY(float32(opts.startAngle))).
		LookingAt(world.Vec3Zero, world.Vec3Y)
	raw, err := json.Marshal(start)
	if err != nil {
		return err
	}
	camera, err := local.Spawn(map[string]json.RawMessage{world.TransformPath: raw})
	if err != nil {
		return err
	}

	cell := &client.HandleCell{}
	connector := mirror.NewConnector(ctx, c, cell, logger)
	connector.Marker = cfg.Client.MarkerComponent
	engine := mirror.NewSyncEngine(ctx, c, cell, logger)
	engine.OnFailure = func(object world.Entity, err error) {
		var remote *message.RemoteError
		if errors.As(err, &remote) {
			logger.Warn("remote rejected transform", "object", object, "error", err)
			return
		}
		// Transport failures mean the server is gone; find it again.
		logger.Warn("lost connection", "error", err)
		connector.Disconnect()
	}
	toggle := mirror.NewMarkerToggle(ctx, c, connector, logger)

	frame := time.Second / time.Duration(opts.fps)
	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	last := time.Now()
	lastToggle := last
	wasConnected := false

	for {
		select {
		case <-ctx.Done():
			logger.Info("orbit finished", "state", connector.State().String())
			return nil
		case now := <-ticker.C:
			dt := now.Sub(last).Seconds()
			last = now

			var t world.Transform
			if err := local.Read(camera, world.TransformPath, &t); err != nil {
				return err
			}
			moved := t.RotateAround(world.Vec3Zero, world.QuatFromRotationY(float32(opts.speed*dt)))
			changed := moved != t
			if changed {
				if err := local.Write(camera, world.TransformPath, moved); err != nil {
					return err
				}
			}

			connector.Tick(changed)
			connected := connector.State() == mirror.Connected
			if connected != wasConnected {
				remote, _ := cell.Get()
				logger.Info("mirror", "connected", connected, "remote", remote)
				wasConnected = connected
			}
			if !connected {
				continue
			}
			engine.Tick([]mirror.Observation{{Object: camera, Transform: moved, Changed: changed}})

			pressed := opts.toggleFPS > 0 && now.Sub(lastToggle) >= opts.toggleFPS
			if pressed {
				lastToggle = now
			}
			toggle.Tick(pressed)
		}
	}
}
