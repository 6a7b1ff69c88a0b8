package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"remotectl/world"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestScene(t *testing.T) (*world.World, *scene) {
	t.Helper()
	w := world.New(nil)
	s, err := newScene(w, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return w, s
}

func TestSceneEntities(t *testing.T) {
	w, s := newTestScene(t)
	assert.Equal(t, w.Len(), 3)
	// The first entity spawned gets the first handle.
	assert.Equal(t, s.camera, world.Entity(4294967297))
	assert.Equal(t, w.Has(s.camera, world.CameraPath), true)
	assert.Equal(t, w.Has(s.light, world.PointLightPath), true)
}

func TestConsumeMarkers(t *testing.T) {
	w, s := newTestScene(t)

	if _, err := w.Spawn(map[string]json.RawMessage{world.FpsCounterPath: json.RawMessage("null")}); err != nil {
		t.Fatal(err)
	}
	s.consumeMarkers(w)
	assert.Equal(t, s.overlay.visible, true)
	assert.Equal(t, w.Len(), 3)

	if _, err := w.Spawn(map[string]json.RawMessage{world.HideFpsCounterPath: json.RawMessage("{}")}); err != nil {
		t.Fatal(err)
	}
	s.consumeMarkers(w)
	assert.Equal(t, s.overlay.visible, false)
	assert.Equal(t, w.Len(), 3)
}

func TestAimCamera(t *testing.T) {
	w, s := newTestScene(t)

	moved := world.TransformFromXYZ(10, 0, 0)
	if err := w.Write(s.camera, world.TransformPath, moved); err != nil {
		t.Fatal(err)
	}
	s.aimCamera(w)

	var got world.Transform
	if err := w.Read(s.camera, world.TransformPath, &got); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, got.Translation, moved.Translation)
	// Forward is -Z in local space; after aiming it points from (10,0,0) toward the origin.
	forward := got.Rotation.Rotate(world.Vec3{Z: -1})
	if forward.X > -0.99 {
		t.Fatalf("camera not facing the origin, forward %+v", forward)
	}
}

func TestSpinCubeSurvivesDestroy(t *testing.T) {
	w, s := newTestScene(t)
	s.spinCube(w)

	var t1 world.Transform
	w.Read(s.cube, world.TransformPath, &t1)
	assert.NotEqual(t, t1.Rotation, world.QuatIdentity)

	if err := w.Despawn(s.cube); err != nil {
		t.Fatal(err)
	}
	s.spinCube(w)
}

func TestSystemsLogSkippedEntities(t *testing.T) {
	var logs bytes.Buffer
	w := world.New(nil)
	s, err := newScene(w, slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})))
	if err != nil {
		t.Fatal(err)
	}

	if err := w.Despawn(s.cube); err != nil {
		t.Fatal(err)
	}
	s.spinCube(w)
	if !strings.Contains(logs.String(), "cube not spun") {
		t.Fatalf("missing spin failure in logs: %s", logs.String())
	}

	// A camera without a transform cannot be aimed.
	if err := w.Remove(s.camera, []string{world.TransformPath}); err != nil {
		t.Fatal(err)
	}
	s.aimCamera(w)
	if !strings.Contains(logs.String(), "camera not aimed") {
		t.Fatalf("missing aim failure in logs: %s", logs.String())
	}
	assert.Equal(t, w.Has(s.camera, world.TransformPath), false)
}
