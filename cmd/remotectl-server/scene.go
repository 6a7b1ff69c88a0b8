package main

import (
	"encoding/json"
	"log/slog"
	"remotectl/world"
	"time"
)

// scene is the demo host: a camera, a light and a spinning cube.
type scene struct {
	camera world.Entity
	light  world.Entity
	cube   world.Entity

	overlay *fpsOverlay
	logger  *slog.Logger
}

func newScene(w *world.World, logger *slog.Logger) (*scene, error) {
	s := &scene{overlay: &fpsOverlay{}, logger: logger}
	var err error

	s.camera, err = spawn(w, "camera", map[string]any{
		world.CameraPath:    world.Camera{IsActive: true},
		world.TransformPath: world.TransformFromXYZ(-2.5, 4.5, 9).LookingAt(world.Vec3Zero, world.Vec3Y),
	})
	if err != nil {
		return nil, err
	}
	s.light, err = spawn(w, "light", map[string]any{
		world.PointLightPath: world.PointLight{Intensity: 1500, Range: 20, ShadowsEnabled: true},
		world.TransformPath:  world.TransformFromXYZ(4, 8, 4),
	})
	if err != nil {
		return nil, err
	}
	s.cube, err = spawn(w, "cube", map[string]any{
		world.TransformPath: world.TransformFromXYZ(0, 0.5, 0),
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func spawn(w *world.World, name string, components map[string]any) (world.Entity, error) {
	raw := map[string]json.RawMessage{}
	for path, value := range components {
		data, err := json.Marshal(value)
		if err != nil {
			return 0, err
		}
		raw[path] = data
	}
	raw[world.NamePath], _ = json.Marshal(name)
	return w.Spawn(raw)
}

// spinCube turns the cube a little every tick.
func (s *scene) spinCube(w *world.World) {
	var t world.Transform
	if err := w.Read(s.cube, world.TransformPath, &t); err != nil {
		// Destroyed or stripped remotely.
		s.logger.Debug("cube not spun", "cube", s.cube, "error", err)
		return
	}
	t.Rotation = world.QuatFromRotationY(0.01).Mul(t.Rotation)
	if err := w.Write(s.cube, world.TransformPath, t); err != nil {
		s.logger.Debug("cube not spun", "cube", s.cube, "error", err)
	}
}

// aimCamera keeps every camera pointed at the origin, wherever a client moved it.
func (s *scene) aimCamera(w *world.World) {
	for _, e := range w.Entities() {
		if !w.Has(e, world.CameraPath) {
			continue
		}
		var t world.Transform
		if err := w.Read(e, world.TransformPath, &t); err != nil {
			s.logger.Debug("camera not aimed", "camera", e, "error", err)
			continue
		}
		aimed := t.LookingAt(world.Vec3Zero, world.Vec3Y)
		if aimed == t {
			continue
		}
		if err := w.Write(e, world.TransformPath, aimed); err != nil {
			s.logger.Debug("camera not aimed", "camera", e, "error", err)
		}
	}
}

// consumeMarkers reacts to marker entities spawned by clients and removes them.
func (s *scene) consumeMarkers(w *world.World) {
	for _, e := range w.Entities() {
		show := w.Has(e, world.FpsCounterPath)
		hide := w.Has(e, world.HideFpsCounterPath)
		if !show && !hide {
			continue
		}
		if show != s.overlay.visible {
			s.logger.Info("frame counter", "visible", show)
		}
		s.overlay.visible = show
		if err := w.Despawn(e); err != nil {
			s.logger.Debug("marker not removed", "marker", e, "error", err)
		}
	}
}

// fpsOverlay stands in for an on-screen counter: while visible it logs the measured tick rate.
type fpsOverlay struct {
	visible bool
	frames  int
	since   time.Time
}

func (s *scene) countFrames(w *world.World) {
	o := s.overlay
	now := time.Now()
	if !o.visible {
		o.frames, o.since = 0, now
		return
	}
	o.frames++
	if elapsed := now.Sub(o.since); elapsed >= time.Second {
		s.logger.Info("fps", "value", float64(o.frames)/elapsed.Seconds())
		o.frames, o.since = 0, now
	}
}
